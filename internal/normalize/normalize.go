package normalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

const (
	// EmptyBody replaces a body that yields no text.
	EmptyBody = "(empty text body)"
	// UnknownSender is the display value for a missing or unreadable From header.
	UnknownSender = "Unknown"

	ellipsis = "..."

	// maxPartBytes bounds how much of a single MIME part is read.
	maxPartBytes = 4 << 20
)

// Message is the canonical form of one mail.
type Message struct {
	ID      string
	Subject string
	// From is the decoded From header as displayed to humans.
	From string
	// Sender is the lowercased address part of From, or empty.
	Sender string
	Body   string
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	maxChars  int
	extractor BodyExtractor
}

func New(maxChars int, extractor BodyExtractor) *Normalizer {
	if extractor == nil {
		extractor = HTMLExtractor{}
	}
	return &Normalizer{maxChars: maxChars, extractor: extractor}
}

// Normalize never fails. mailbox scopes the fallback identifier.
func (n *Normalizer) Normalize(mailbox string, raw []byte) Message {
	msg := Message{From: UnknownSender, Body: EmptyBody}

	ent, err := message.Read(bytes.NewReader(raw))
	if ent == nil || (err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err)) {
		msg.ID = FallbackID(mailbox, raw)
		return msg
	}

	msg.ID = MessageID(ent.Header.Get("Message-Id"))
	if msg.ID == "" {
		msg.ID = FallbackID(mailbox, raw)
	}
	msg.Subject = DecodeHeader(ent.Header.Get("Subject"))
	if from := DecodeHeader(ent.Header.Get("From")); from != "" {
		msg.From = from
		msg.Sender = SenderAddress(from)
	}
	if body := n.clean(n.extractBody(ent)); body != "" {
		msg.Body = body
	}
	return msg
}

// MessageID strips angle brackets and surrounding whitespace.
func MessageID(raw string) string {
	return strings.TrimSpace(strings.NewReplacer("<", "", ">", "").Replace(raw))
}

// FallbackID identifies a message without Message-ID by its content, so the
// identifier survives IMAP sequence renumbering.
func FallbackID(mailbox string, raw []byte) string {
	sum := sha256.Sum256(raw)
	return mailbox + "-sha256:" + hex.EncodeToString(sum[:16])
}

var bareAddress = regexp.MustCompile(`[^\s<>"'(),;:]+@[^\s<>"'(),;:]+`)

// SenderAddress returns the lowercased address of a From value.
func SenderAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(strings.TrimSpace(addr.Address))
	}
	return strings.ToLower(bareAddress.FindString(from))
}

func (n *Normalizer) extractBody(ent *message.Entity) string {
	mediaType, _, _ := ent.Header.ContentType()
	if !strings.HasPrefix(mediaType, "multipart/") {
		body := readPart(ent)
		if mediaType == "text/html" {
			return n.extractor.Extract(body)
		}
		return body
	}

	var plain, markup string
	var havePlain, haveMarkup bool
	_ = ent.Walk(func(_ []int, part *message.Entity, err error) error {
		if havePlain {
			return nil
		}
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return nil
		}
		if isAttachment(part.Header.Get("Content-Disposition")) {
			return nil
		}
		t, _, _ := part.Header.ContentType()
		switch {
		case t == "text/plain":
			if s := readPart(part); strings.TrimSpace(s) != "" {
				plain, havePlain = s, true
			}
		case t == "text/html" && !haveMarkup:
			if s := readPart(part); strings.TrimSpace(s) != "" {
				markup, haveMarkup = s, true
			}
		}
		return nil
	})

	if havePlain {
		return plain
	}
	if haveMarkup {
		return n.extractor.Extract(markup)
	}
	return ""
}

func isAttachment(disposition string) bool {
	if disposition == "" {
		return false
	}
	if d, _, err := mime.ParseMediaType(disposition); err == nil {
		return d == "attachment"
	}
	return strings.Contains(strings.ToLower(disposition), "attachment")
}

func readPart(ent *message.Entity) string {
	b, _ := io.ReadAll(io.LimitReader(ent.Body, maxPartBytes))
	return strings.ToValidUTF8(string(b), "�")
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// clean normalizes line endings, trims trailing whitespace per line, collapses
// runs of blank lines and applies the character budget.
func (n *Normalizer) clean(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRightFunc(l, unicode.IsSpace)
	}
	s = strings.TrimSpace(strings.Join(lines, "\n"))
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return Truncate(s, n.maxChars)
}

// Truncate cuts s to max characters and appends "..." when it was longer.
// max <= 0 disables the budget.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	i, count := 0, 0
	for i = range s {
		if count == max {
			break
		}
		count++
	}
	return s[:i] + ellipsis
}
