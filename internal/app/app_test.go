package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paywatch/internal/config"
	"paywatch/internal/mailbox"
	"paywatch/internal/tenant"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) config.LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, dir, emails, passwords, chats string) string {
	t.Helper()
	body := fmt.Sprintf(`imap:
  server: 127.0.0.1
  port: 1
  timeout: 2s
telegram:
  token: "123:abc"
  skip_verify: true
ledger:
  path: %q
tenants:
  emails: %q
  passwords: %q
  chat_ids: %q
`, filepath.Join(dir, "processed.json"), emails, passwords, chats)
	path := filepath.Join(dir, "paywatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

type recorder struct {
	mu     sync.Mutex
	states []string
	status chan struct{}
}

func newRecorder() *recorder { return &recorder{status: make(chan struct{}, 8)} }

func (r *recorder) notify(state string) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	if strings.HasPrefix(state, "STATUS=") {
		select {
		case r.status <- struct{}{}:
		default:
		}
	}
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func TestNew_ConfigErrors(t *testing.T) {

	cases := []struct {
		name string
		env  map[string]string
		want error
	}{
		{"missing globals", map[string]string{"EMAILS": "a@x.test", "PASSWORDS": "p", "TELEGRAM_CHAT_IDS": "1"}, config.ErrInvalid},
		{"missing credential", map[string]string{
			"IMAP_SERVER": "imap.x.test", "TELEGRAM_BOT_TOKEN": "1:a",
			"EMAILS": "a@x.test", "TELEGRAM_CHAT_IDS": "1",
		}, tenant.ErrInvalid},
		{"no tenants", map[string]string{"IMAP_SERVER": "imap.x.test", "TELEGRAM_BOT_TOKEN": "1:a"}, tenant.ErrInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(context.Background(), "", WithLookup(envMap(tc.env)), WithNotify(func(string) {}))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestApp_ReloadSwapsSnapshot(t *testing.T) {

	dir := t.TempDir()
	path := writeConfig(t, dir, "a@x.test", "p1", "1")
	rec := newRecorder()

	a, err := New(context.Background(), path, WithLookup(noEnv), WithNotify(rec.notify))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.store.Close() })

	require.Len(t, a.Snapshot().Tenants, 1)
	d, ok := a.Snapshot().Dialer.(*mailbox.IMAPDialer)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d.Timeout)

	writeConfig(t, dir, "a@x.test,b@x.test", "p1,p2", "1,2:7")
	changed, err := a.cfgm.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, changed)
	a.applyConfig(a.cfgm.Get())

	snap := a.Snapshot()
	require.Len(t, snap.Tenants, 2)
	require.NotNil(t, snap.Tenants[1].ThreadID)
	assert.Equal(t, 7, *snap.Tenants[1].ThreadID)
	assert.Equal(t, []string{"RELOADING=1", "READY=1"}, rec.all())

	// A reload that breaks a tenant is rejected and the snapshot stays.
	writeConfig(t, dir, "a@x.test,b@x.test", "p1", "1,2")
	_, err = a.cfgm.Reload(context.Background())
	require.Error(t, err)
	assert.Same(t, snap, a.Snapshot())
}

func TestMapDialer_OAuthReuse(t *testing.T) {

	cfg := &config.Config{IMAP: config.IMAPConfig{
		Server: "imap.x.test", Port: 993, Auth: "xoauth2",
		OAuth: config.OAuthConfig{ClientID: "id", ClientSecret: "s", TokenURL: "https://oauth.x.test/token"},
	}}
	d1, a1 := mapDialer(cfg, nil)
	require.NotNil(t, a1)
	assert.Same(t, a1, d1.Auth)

	_, a2 := mapDialer(cfg, a1)
	assert.Same(t, a1, a2)

	cfg.IMAP.OAuth.ClientID = "other"
	_, a3 := mapDialer(cfg, a1)
	assert.NotSame(t, a1, a3)

	cfg.IMAP.Auth = "password"
	d4, a4 := mapDialer(cfg, a3)
	assert.Nil(t, a4)
	assert.IsType(t, mailbox.PasswordAuth{}, d4.Auth)
}

func TestApp_RunUntilCancelled(t *testing.T) {

	dir := t.TempDir()
	path := writeConfig(t, dir, "a@x.test", "p1", "1")
	rec := newRecorder()

	a, err := New(context.Background(), path, WithLookup(noEnv), WithNotify(rec.notify))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-rec.status:
	case <-time.After(10 * time.Second):
		t.Fatalf("no cycle status reported")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}

	states := rec.all()
	assert.Contains(t, states, "READY=1")
	assert.Contains(t, states, "STOPPING=1")
	assert.Contains(t, a.Poller().Last().Tenants[0].Err.Error(), "imap connect failed")
}
