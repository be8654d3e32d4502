package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables on top of file values. Unset or
// blank variables leave the file value alone. Malformed numbers are reported
// together.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	o := envOverlay{lookup: lookup}

	o.str("IMAP_SERVER", &c.IMAP.Server)
	o.integer("IMAP_PORT", &c.IMAP.Port)
	o.seconds("IMAP_TIMEOUT", &c.IMAP.Timeout)
	o.str("IMAP_AUTH", &c.IMAP.Auth)
	o.str("IMAP_OAUTH_CLIENT_ID", &c.IMAP.OAuth.ClientID)
	o.str("IMAP_OAUTH_CLIENT_SECRET", &c.IMAP.OAuth.ClientSecret)
	o.str("IMAP_OAUTH_TOKEN_URL", &c.IMAP.OAuth.TokenURL)

	o.seconds("CHECK_INTERVAL", &c.Poll.Interval)
	o.str("CHECK_SCHEDULE", &c.Poll.Schedule)
	o.integer("MAX_BODY_CHARS", &c.Poll.MaxBodyChars)
	o.str("START_DATE", &c.Poll.StartDate)
	o.integer("SCAN_WORKERS", &c.Poll.Workers)

	o.str("TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	o.str("TELEGRAM_API_URL", &c.Telegram.APIURL)

	o.integer("PROCESSED_RETENTION_DAYS", &c.Ledger.RetentionDays)
	o.str("PROCESSED_FILE", &c.Ledger.Path)
	o.str("LEDGER_DRIVER", &c.Ledger.Driver)
	o.str("LEDGER_DSN", &c.Ledger.DSN)

	o.str("LOG_LEVEL", &c.Logging.Level)
	o.str("LOG_FILE", &c.Logging.File)
	o.str("OPS_ADDR", &c.Ops.Addr)

	o.str("EMAILS", &c.Tenants.Emails)
	o.str("PASSWORDS", &c.Tenants.Passwords)
	o.str("COMPANY_NAMES", &c.Tenants.CompanyNames)
	o.str("TELEGRAM_CHAT_IDS", &c.Tenants.ChatIDs)
	o.str("TELEGRAM_TAGS", &c.Tenants.Tags)
	o.str("ALLOWED_SENDERS", &c.Tenants.AllowedSenders)
	o.str("COMPANY_KEYWORDS", &c.Tenants.Keywords)

	if len(o.errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(o.errs...))
	}
	return nil
}

type envOverlay struct {
	lookup LookupFunc
	errs   []error
}

func (o *envOverlay) get(key string) (string, bool) {
	v, ok := o.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (o *envOverlay) str(key string, dst *string) {
	if v, ok := o.get(key); ok {
		*dst = v
	}
}

func (o *envOverlay) integer(key string, dst *int) {
	v, ok := o.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s: not an integer: %q", key, v))
		return
	}
	*dst = n
}

// seconds accepts a bare number of seconds ("300") or a Go duration ("5m").
func (o *envOverlay) seconds(key string, dst *string) {
	v, ok := o.get(key)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			o.errs = append(o.errs, fmt.Errorf("%s: must be >= 0", key))
			return
		}
		*dst = (time.Duration(n) * time.Second).String()
		return
	}
	if _, err := time.ParseDuration(v); err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return
	}
	*dst = v
}
