package app

import (
	"strings"

	"paywatch/internal/config"
	"paywatch/internal/mailbox"
	"paywatch/internal/normalize"
	"paywatch/internal/notifier"
	"paywatch/internal/poller"
	"paywatch/internal/storage"
	"paywatch/internal/tenant"
	logx "paywatch/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	file := strings.TrimSpace(cfg.Logging.File)
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: true,
		JSON:    cfg.Logging.JSON,
		File:    logx.FileConfig{Enabled: file != "", Path: file},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	lc := cfg.Ledger
	return storage.Config{
		Driver:      lc.Driver,
		Path:        lc.Path,
		DSN:         lc.DSN,
		Key:         lc.Key,
		BusyTimeout: lc.BusyTimeoutDuration(),
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	tc := cfg.Telegram
	return notifier.Config{
		APIURL:            tc.APIURL,
		Token:             tc.Token,
		Timeout:           tc.TimeoutDuration(),
		Attempts:          tc.SendAttempts,
		MaxRateLimitWaits: tc.MaxRateLimitWaits,
		RatePerSec:        tc.RatePerSec,
		Burst:             tc.Burst,
	}
}

// mapDialer returns the IMAP dialer for cfg. The OAuth authenticator is
// reused while the client settings are unchanged so cached access tokens
// survive reloads.
func mapDialer(cfg *config.Config, prev *mailbox.OAuthAuth) (*mailbox.IMAPDialer, *mailbox.OAuthAuth) {
	d := &mailbox.IMAPDialer{
		Server:  cfg.IMAP.Server,
		Port:    cfg.IMAP.Port,
		Timeout: cfg.IMAP.TimeoutDuration(),
	}
	if cfg.IMAP.Auth != "xoauth2" {
		d.Auth = mailbox.PasswordAuth{}
		return d, nil
	}
	oc := cfg.IMAP.OAuth
	auth := prev
	if auth == nil || auth.Config.ClientID != oc.ClientID || auth.Config.ClientSecret != oc.ClientSecret ||
		auth.Config.Endpoint.TokenURL != oc.TokenURL || strings.Join(auth.Config.Scopes, " ") != strings.Join(oc.Scopes, " ") {
		auth = mailbox.NewOAuthAuth(oc.ClientID, oc.ClientSecret, oc.TokenURL, oc.Scopes)
	}
	d.Auth = auth
	return d, auth
}

func buildSnapshot(cfg *config.Config, reg *tenant.Registry, dialer mailbox.Dialer) *poller.Snapshot {
	return &poller.Snapshot{
		Tenants:    reg.All(),
		Dialer:     dialer,
		Normalizer: normalize.New(cfg.Poll.MaxBodyChars, normalize.HTMLExtractor{}),
		Poll:       cfg.Poll,
	}
}

// ledgerChanged reports whether the storage location changed; that needs a
// restart.
func ledgerChanged(a, b *config.Config) bool {
	x, y := a.Ledger, b.Ledger
	return x.Driver != y.Driver || x.Path != y.Path || x.DSN != y.DSN || x.Key != y.Key
}
