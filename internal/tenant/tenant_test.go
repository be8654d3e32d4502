package tenant

import (
	"errors"
	"strings"
	"testing"

	"paywatch/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPositional(t *testing.T) {
	t.Parallel()
	reg, err := Build(config.TenantLists{
		Emails:         "a@acme.test, b@beta.test",
		Passwords:      "pa,pb",
		CompanyNames:   "Acme",
		ChatIDs:        "-100111:42,-100222",
		Tags:           "alice+@bob,",
		AllowedSenders: "Billing@Hoster.RU+no-reply@stripe.com",
		Keywords:       ",Renew Now+payment due",
	}, []string{"Payment Due", "expires"})
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())

	all := reg.All()
	a, b := all[0], all[1]

	assert.Equal(t, "Acme", a.Name)
	assert.Equal(t, "-100111", a.ChatID)
	require.NotNil(t, a.ThreadID)
	assert.Equal(t, 42, *a.ThreadID)
	assert.Equal(t, "-100111:42", a.Destination())
	assert.Equal(t, []string{"@alice", "@bob"}, a.Tags)
	assert.Equal(t, []string{"billing@hoster.ru", "no-reply@stripe.com"}, a.AllowedSenders)
	assert.Equal(t, []string{"payment due", "expires"}, a.Keywords)

	assert.Equal(t, "b@beta.test", b.Name, "name defaults to address")
	assert.Nil(t, b.ThreadID)
	assert.Empty(t, b.Tags)
	assert.Empty(t, b.AllowedSenders)
	assert.Equal(t, []string{"payment due", "expires", "renew now"}, b.Keywords)
}

func TestBuildReportsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := Build(config.TenantLists{
		Emails:    "a@acme.test,b@beta.test,c@gamma.test",
		Passwords: "pa,,pc",
		ChatIDs:   "1,2:topic",
	}, DefaultPhrases)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))

	msg := err.Error()
	assert.Contains(t, msg, "tenant 2 (b@beta.test): missing credential")
	assert.Contains(t, msg, "invalid topic id")
	assert.Contains(t, msg, "tenant 3 (c@gamma.test): missing chat id")
}

func TestBuildNoTenants(t *testing.T) {
	t.Parallel()
	_, err := Build(config.TenantLists{Emails: " , "}, nil)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParseDestination(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		chat    string
		thread  int
		hasTopc bool
		wantErr bool
	}{
		{raw: "-1001", chat: "-1001"},
		{raw: " -1001 : 7 ", chat: "-1001", thread: 7, hasTopc: true},
		{raw: "-1001:x", wantErr: true},
		{raw: "", chat: ""},
	}
	for _, tt := range tests {
		chat, thread, err := ParseDestination(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseDestination(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDestination(%q) error: %v", tt.raw, err)
		}
		if chat != tt.chat {
			t.Fatalf("chat = %q, want %q", chat, tt.chat)
		}
		if (thread != nil) != tt.hasTopc || (thread != nil && *thread != tt.thread) {
			t.Fatalf("thread = %v, want %d (set=%v)", thread, tt.thread, tt.hasTopc)
		}
	}
}

func TestFromConfigUsesDefaultCorpus(t *testing.T) {
	t.Parallel()
	reg, err := FromConfig(&config.Config{Tenants: config.TenantLists{
		Emails: "a@acme.test", Passwords: "p", ChatIDs: "1",
	}})
	require.NoError(t, err)
	kw := reg.All()[0].Keywords
	assert.Len(t, kw, len(DefaultPhrases))
	for _, k := range kw {
		assert.Equal(t, strings.ToLower(k), k)
	}
}
