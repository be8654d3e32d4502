package config

import "strings"

const (
	DefaultIMAPPort       = 993
	DefaultIMAPTimeout    = "30s"
	DefaultInterval       = "300s"
	DefaultMaxBackoff     = "900s"
	DefaultMaxBodyChars   = 700
	DefaultRetentionDays  = 14
	DefaultLedgerPath     = "./processed_emails.json"
	DefaultTelegramAPIURL = "https://api.telegram.org"
	DefaultSendTimeout    = "30s"
	DefaultSendAttempts   = 3
	DefaultRateLimitWaits = 5
)

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if c.IMAP.Port == 0 {
		c.IMAP.Port = DefaultIMAPPort
	}
	if strings.TrimSpace(c.IMAP.Timeout) == "" {
		c.IMAP.Timeout = DefaultIMAPTimeout
	}
	c.IMAP.Auth = strings.ToLower(strings.TrimSpace(c.IMAP.Auth))
	if c.IMAP.Auth == "" {
		c.IMAP.Auth = "password"
	}

	if strings.TrimSpace(c.Telegram.APIURL) == "" {
		c.Telegram.APIURL = DefaultTelegramAPIURL
	}
	c.Telegram.APIURL = strings.TrimRight(c.Telegram.APIURL, "/")
	if strings.TrimSpace(c.Telegram.Timeout) == "" {
		c.Telegram.Timeout = DefaultSendTimeout
	}
	if c.Telegram.SendAttempts == 0 {
		c.Telegram.SendAttempts = DefaultSendAttempts
	}
	if c.Telegram.MaxRateLimitWaits == 0 {
		c.Telegram.MaxRateLimitWaits = DefaultRateLimitWaits
	}
	if c.Telegram.RatePerSec == 0 {
		c.Telegram.RatePerSec = 1
	}
	if c.Telegram.Burst == 0 {
		c.Telegram.Burst = 1
	}

	if strings.TrimSpace(c.Poll.Interval) == "" {
		c.Poll.Interval = DefaultInterval
	}
	if strings.TrimSpace(c.Poll.MaxBackoff) == "" {
		c.Poll.MaxBackoff = DefaultMaxBackoff
	}
	if c.Poll.Workers == 0 {
		c.Poll.Workers = 1
	}
	if c.Poll.MaxBodyChars == 0 {
		c.Poll.MaxBodyChars = DefaultMaxBodyChars
	}

	c.Ledger.Driver = strings.ToLower(strings.TrimSpace(c.Ledger.Driver))
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "file"
	}
	if c.Ledger.RetentionDays == 0 {
		c.Ledger.RetentionDays = DefaultRetentionDays
	}
	if strings.TrimSpace(c.Ledger.Path) == "" {
		switch c.Ledger.Driver {
		case "sqlite":
			c.Ledger.Path = "./processed_emails.db"
		default:
			c.Ledger.Path = DefaultLedgerPath
		}
	}
	if strings.TrimSpace(c.Ledger.Key) == "" {
		c.Ledger.Key = "paywatch:processed"
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
