package normalize

import (
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message/charset"
)

var (
	encodedWord = regexp.MustCompile(`=\?[^?\s]+\?[bBqQ]\?[^?\s]*\?=`)
	foldedLine  = regexp.MustCompile(`\r?\n[ \t]+`)

	wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}
)

// DecodeHeader decodes every RFC 2047 encoded word in a header value with its
// declared charset and concatenates the result. Whitespace between adjacent
// encoded words is dropped. Undecodable words and invalid bytes become U+FFFD.
func DecodeHeader(raw string) string {
	raw = foldedLine.ReplaceAllString(raw, " ")
	locs := encodedWord.FindAllStringIndex(raw, -1)
	if len(locs) == 0 {
		return strings.TrimSpace(strings.ToValidUTF8(raw, "�"))
	}

	var b strings.Builder
	prev := 0
	for i, loc := range locs {
		gap := raw[prev:loc[0]]
		if i == 0 || strings.TrimSpace(gap) != "" {
			b.WriteString(strings.ToValidUTF8(gap, "�"))
		}
		b.WriteString(decodeWord(raw[loc[0]:loc[1]]))
		prev = loc[1]
	}
	b.WriteString(strings.ToValidUTF8(raw[prev:], "�"))
	return strings.TrimSpace(b.String())
}

func decodeWord(word string) string {
	s, err := wordDecoder.Decode(word)
	if err != nil {
		return "�"
	}
	return strings.ToValidUTF8(s, "�")
}
