package config

import (
	"reflect"
	"strings"

	logx "paywatch/pkg/logx"
)

// SummarizeChange lists the sections that differ between two snapshots and
// returns log-safe attributes for them. Tokens, passwords and DSNs are never
// included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.IMAP.Server != newCfg.IMAP.Server ||
		oldCfg.IMAP.Port != newCfg.IMAP.Port ||
		oldCfg.IMAP.Timeout != newCfg.IMAP.Timeout ||
		oldCfg.IMAP.Auth != newCfg.IMAP.Auth ||
		!reflect.DeepEqual(oldCfg.IMAP.OAuth, newCfg.IMAP.OAuth) {
		changed = append(changed, "imap")
		attrs = append(attrs,
			logx.String("imap.server", newCfg.IMAP.Server),
			logx.Int("imap.port", newCfg.IMAP.Port),
			logx.String("imap.auth", newCfg.IMAP.Auth),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	ot.Token, nt.Token = "", ""
	if ot != nt || (oldCfg.Telegram.Token != newCfg.Telegram.Token) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.api_url", nt.APIURL),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Int("telegram.send_attempts", nt.SendAttempts),
		)
	}

	if oldCfg.Poll != newCfg.Poll {
		changed = append(changed, "poll")
		attrs = append(attrs,
			logx.String("poll.interval", newCfg.Poll.Interval),
			logx.String("poll.schedule", newCfg.Poll.Schedule),
			logx.Int("poll.workers", newCfg.Poll.Workers),
		)
	}

	if oldCfg.Ledger != newCfg.Ledger {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.String("ledger.driver", newCfg.Ledger.Driver),
			logx.Int("ledger.retention_days", newCfg.Ledger.RetentionDays),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", strings.TrimSpace(newCfg.Logging.File) != ""),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs, logx.String("ops.addr", newCfg.Ops.Addr), logx.Bool("ops.pprof", newCfg.Ops.Pprof))
	}

	if !reflect.DeepEqual(oldCfg.Keywords, newCfg.Keywords) {
		changed = append(changed, "keywords")
		attrs = append(attrs, logx.Int("keywords.count", len(newCfg.Keywords)))
	}

	if oldCfg.Tenants != newCfg.Tenants {
		changed = append(changed, "tenants")
		attrs = append(attrs,
			logx.Bool("tenants.credentials_changed", oldCfg.Tenants.Passwords != newCfg.Tenants.Passwords),
		)
	}

	return changed, attrs
}
