package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startIMAP serves the memory backend's INBOX, which holds one message, plus
// any extra messages appended in order.
func startIMAP(t *testing.T, extra ...string) *IMAPDialer {
	t.Helper()

	be := memory.New()
	if len(extra) > 0 {
		u, err := be.Login(nil, "username", "password")
		require.NoError(t, err)
		mbox, err := u.GetMailbox("INBOX")
		require.NoError(t, err)
		for _, m := range extra {
			require.NoError(t, mbox.CreateMessage(nil, time.Now(), bytes.NewBufferString(m)))
		}
	}

	hs := httptest.NewUnstartedServer(http.NotFoundHandler())
	hs.StartTLS()
	tlsCfg := hs.TLS.Clone()
	hs.Close()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", tlsCfg)
	require.NoError(t, err)

	srv := server.New(be)
	srv.AllowInsecureAuth = true
	srv.ErrorLog = log.New(io.Discard, "", 0)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	return &IMAPDialer{
		Server:    host,
		Port:      p,
		Timeout:   5 * time.Second,
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	}
}

func TestIMAPDialer_SearchAndFetch(t *testing.T) {
	d := startIMAP(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := d.Dial(ctx, Credentials{Address: "username", Secret: "password"})
	require.NoError(t, err)
	defer s.Logout()

	seqs, err := s.Search(ctx, time.Now().AddDate(0, 0, -1))
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, seqs)

	raw, err := s.Fetch(ctx, seqs[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Message-ID: <0000000@localhost/>")
	assert.Contains(t, string(raw), "Hi there :)")

	seqs, err = s.Search(ctx, time.Now().AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Empty(t, seqs)

	require.NoError(t, s.Logout())
	require.NoError(t, s.Logout())
}

func TestIMAPDialer_FetchPicksRequestedMessage(t *testing.T) {
	second := "Message-ID: <second@localhost>\r\nSubject: Payment due\r\n\r\nSecond body\r\n"
	third := "Message-ID: <third@localhost>\r\nSubject: Receipt\r\n\r\nThird body\r\n"
	d := startIMAP(t, second, third)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := d.Dial(ctx, Credentials{Address: "username", Secret: "password"})
	require.NoError(t, err)
	defer s.Logout()

	seqs, err := s.Search(ctx, time.Now().AddDate(0, 0, -1))
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2, 3}, seqs)

	for _, tc := range []struct {
		seq  uint32
		want string
	}{
		{3, "Third body"},
		{2, "Second body"},
		{1, "Hi there :)"},
	} {
		raw, err := s.Fetch(ctx, tc.seq)
		require.NoError(t, err, "seq %d", tc.seq)
		assert.Contains(t, string(raw), tc.want, "seq %d", tc.seq)
	}

	_, err = s.Fetch(ctx, 9)
	require.Error(t, err)

	// The session stays usable after a fetch that returned nothing.
	raw, err := s.Fetch(ctx, 2)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Second body")
}

func TestIMAPDialer_BadPassword(t *testing.T) {
	d := startIMAP(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := d.Dial(ctx, Credentials{Address: "username", Secret: "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth), "got %v", err)
}

func TestIMAPDialer_ConnectRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()

	d := &IMAPDialer{Server: "127.0.0.1", Port: addr.Port, Timeout: time.Second}
	_, err = d.Dial(context.Background(), Credentials{Address: "a", Secret: "b"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnect), "got %v", err)
}

func TestFormatSince(t *testing.T) {
	t.Parallel()

	cases := map[string]time.Time{
		"01-Mar-2024": time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC),
		"15-Dec-2023": time.Date(2023, 12, 15, 0, 0, 0, 0, time.UTC),
	}
	for want, in := range cases {
		if got := FormatSince(in); got != want {
			t.Fatalf("FormatSince(%v)=%q want %q", in, got, want)
		}
	}
}

func TestXOAuth2Client(t *testing.T) {
	t.Parallel()

	c := NewXOAuth2Client("me@example.com", "tok")
	mech, ir, err := c.Start()
	require.NoError(t, err)
	assert.Equal(t, XOAuth2, mech)
	assert.Equal(t, "user=me@example.com\x01auth=Bearer tok\x01\x01", string(ir))

	resp, err := c.Next([]byte(`{"status":"400"}`))
	require.NoError(t, err)
	assert.Empty(t, resp)
}

func TestOAuthAuth_TokenCached(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = r.ParseForm()
		if r.Form.Get("refresh_token") != "refresh-1" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"access-1","token_type":"Bearer","expires_in":3600}`)
	}))
	defer ts.Close()

	a := NewOAuthAuth("id", "secret", ts.URL, nil)
	creds := Credentials{Address: "me@example.com", Secret: "refresh-1"}

	for i := 0; i < 3; i++ {
		tok, err := a.Token(context.Background(), creds)
		require.NoError(t, err)
		assert.Equal(t, "access-1", tok)
	}
	assert.Equal(t, int32(1), hits.Load())

	_, err := a.Token(context.Background(), Credentials{Address: "other@example.com", Secret: "bad"})
	require.Error(t, err)
}
