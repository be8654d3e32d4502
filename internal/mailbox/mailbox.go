// Package mailbox reads messages over IMAP (implicit TLS) without changing
// their state: the mailbox is selected read-only and bodies are fetched with
// BODY.PEEK[].
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// SinceLayout is the IMAP SEARCH date format (DD-Mon-YYYY).
const SinceLayout = "02-Jan-2006"

var (
	ErrConnect = errors.New("imap connect failed")
	ErrAuth    = errors.New("imap login failed")
	ErrSelect  = errors.New("imap select failed")
)

// Credentials identify one mailbox. Secret is a password or, with XOAUTH2, an
// OAuth2 refresh token.
type Credentials struct {
	Address string
	Secret  string
}

// Dialer opens an authenticated session with INBOX selected.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Session, error)
}

// Session is one logged-in connection. Logout must always be called.
type Session interface {
	Search(ctx context.Context, since time.Time) ([]uint32, error)
	Fetch(ctx context.Context, seq uint32) ([]byte, error)
	Logout() error
}

// FormatSince renders a date for IMAP SEARCH SINCE.
func FormatSince(t time.Time) string { return t.Format(SinceLayout) }

// Authenticator performs the login step on a fresh connection.
type Authenticator interface {
	Authenticate(ctx context.Context, c *client.Client, creds Credentials) error
}

// PasswordAuth uses the LOGIN command.
type PasswordAuth struct{}

func (PasswordAuth) Authenticate(_ context.Context, c *client.Client, creds Credentials) error {
	return c.Login(creds.Address, creds.Secret)
}

// IMAPDialer connects to server:port over TLS.
type IMAPDialer struct {
	Server  string
	Port    int
	Timeout time.Duration
	Auth    Authenticator
	Mailbox string
	// TLSConfig overrides the default TLS settings (tests use a self-signed
	// server).
	TLSConfig *tls.Config
}

func (d *IMAPDialer) Dial(ctx context.Context, creds Credentials) (Session, error) {
	addr := net.JoinHostPort(d.Server, strconv.Itoa(d.Port))
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	auth := d.Auth
	if auth == nil {
		auth = PasswordAuth{}
	}
	mailbox := d.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}

	// A dial that outlives ctx is abandoned; the client is closed by the goroutine.
	type dialed struct {
		c   *client.Client
		err error
	}
	ch := make(chan dialed, 1)
	go func() {
		c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: timeout}, addr, d.TLSConfig)
		ch <- dialed{c, err}
	}()
	var c *client.Client
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.c != nil {
				_ = r.c.Terminate()
			}
		}()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, r.err)
		}
		c = r.c
	}
	c.Timeout = timeout

	s := &imapSession{c: c}
	s.stop = context.AfterFunc(ctx, s.terminate)

	if err := auth.Authenticate(ctx, c, creds); err != nil {
		_ = s.Logout()
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if _, err := c.Select(mailbox, true); err != nil {
		_ = s.Logout()
		return nil, fmt.Errorf("%w: %s: %w", ErrSelect, mailbox, err)
	}
	return s, nil
}

type imapSession struct {
	c    *client.Client
	stop func() bool

	once sync.Once
}

func (s *imapSession) terminate() { _ = s.c.Terminate() }

func (s *imapSession) Search(ctx context.Context, since time.Time) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	seqs, err := s.c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search since %s: %w", FormatSince(since), err)
	}
	return seqs, nil
}

func (s *imapSession) Fetch(ctx context.Context, seq uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(seq)
	section := &imap.BodySectionName{Peek: true}

	// The client blocks on ch while it reads responses, so it is drained
	// until Fetch returns and closes it.
	ch := make(chan *imap.Message, 4)
	done := make(chan error, 1)
	go func() {
		done <- s.c.Fetch(seqset, []imap.FetchItem{section.FetchItem()}, ch)
	}()

	var (
		body    []byte
		readErr error
		matched bool
	)
	for msg := range ch {
		if matched || msg == nil || msg.SeqNum != seq {
			continue
		}
		matched = true
		if lit := msg.GetBody(section); lit != nil {
			body, readErr = io.ReadAll(lit)
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch %d: %w", seq, err)
	}
	switch {
	case !matched:
		return nil, fmt.Errorf("imap fetch %d: message not returned", seq)
	case readErr != nil:
		return nil, fmt.Errorf("imap fetch %d: read body: %w", seq, readErr)
	case body == nil:
		return nil, fmt.Errorf("imap fetch %d: empty body", seq)
	}
	return body, nil
}

// Logout is safe to call more than once.
func (s *imapSession) Logout() error {
	var err error
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		select {
		case <-s.c.LoggedOut():
			return
		default:
		}
		if err = s.c.Logout(); err != nil {
			_ = s.c.Terminate()
		}
	})
	return err
}
