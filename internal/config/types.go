package config

// Config is one immutable configuration snapshot. Components never mutate a
// committed *Config; a reload produces a new value that is swapped in.
//
// All durations are Go duration strings (e.g. "30s", "5m").
type Config struct {
	IMAP     IMAPConfig     `json:"imap"`
	Telegram TelegramConfig `json:"telegram"`
	Poll     PollConfig     `json:"poll"`
	Ledger   LedgerConfig   `json:"ledger"`
	Logging  LoggingConfig  `json:"logging"`
	Ops      OpsConfig      `json:"ops,omitempty"`

	// Keywords replaces the built-in global phrase list when non-empty.
	Keywords []string `json:"keywords,omitempty"`

	Tenants TenantLists `json:"tenants"`
}

type IMAPConfig struct {
	Server string `json:"server" validate:"required"`
	Port   int    `json:"port" validate:"min=1,max=65535"`

	// Timeout bounds connect and each IMAP command.
	Timeout string `json:"timeout,omitempty"`

	// Auth is "password" (LOGIN) or "xoauth2". With xoauth2 the per-tenant
	// credential is an OAuth2 refresh token.
	Auth  string      `json:"auth,omitempty" validate:"oneof=password xoauth2"`
	OAuth OAuthConfig `json:"oauth,omitempty"`
}

type OAuthConfig struct {
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	TokenURL     string   `json:"token_url,omitempty" validate:"omitempty,url"`
	Scopes       []string `json:"scopes,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token" validate:"required"`
	APIURL string `json:"api_url,omitempty" validate:"omitempty,url"`

	// Timeout applies to each Bot API request.
	Timeout string `json:"timeout,omitempty"`

	SendAttempts      int     `json:"send_attempts,omitempty" validate:"min=1,max=10"`
	MaxRateLimitWaits int     `json:"max_rate_limit_waits,omitempty" validate:"min=0,max=50"`
	RatePerSec        float64 `json:"rate_per_sec,omitempty" validate:"gt=0"`
	Burst             int     `json:"burst,omitempty" validate:"min=1"`

	// SkipVerify disables the getMe token check at startup.
	SkipVerify bool `json:"skip_verify,omitempty"`
}

type PollConfig struct {
	Interval string `json:"interval,omitempty"`
	// Schedule is an optional cron expression; it takes precedence over Interval.
	Schedule   string `json:"schedule,omitempty"`
	MaxBackoff string `json:"max_backoff,omitempty"`

	// StartDate (YYYY-MM-DD) pins the search window; empty means yesterday.
	StartDate    string `json:"start_date,omitempty"`
	Workers      int    `json:"workers,omitempty" validate:"min=1,max=64"`
	MaxBodyChars int    `json:"max_body_chars,omitempty" validate:"min=1"`
}

type LedgerConfig struct {
	Driver        string `json:"driver,omitempty" validate:"oneof=file sqlite redis postgres"`
	Path          string `json:"path,omitempty"`
	DSN           string `json:"dsn,omitempty"`
	Key           string `json:"key,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty" validate:"min=1"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level,omitempty" validate:"omitempty,oneof=trace debug info warn warning error"`
	JSON  bool   `json:"json,omitempty"`
	File  string `json:"file,omitempty"`
}

type OpsConfig struct {
	// Addr enables the ops HTTP server (/healthz, /metrics) when set.
	Addr string `json:"addr,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof on the ops server.
	Pprof bool `json:"pprof,omitempty"`
}

// TenantLists holds the positional, comma-separated tenant fields. Entry i of
// every list belongs to the i-th mailbox; "+" separates values inside one entry.
type TenantLists struct {
	Emails         string `json:"emails"`
	Passwords      string `json:"passwords"`
	CompanyNames   string `json:"company_names,omitempty"`
	ChatIDs        string `json:"chat_ids"`
	Tags           string `json:"tags,omitempty"`
	AllowedSenders string `json:"allowed_senders,omitempty"`
	Keywords       string `json:"keywords,omitempty"`
}
