package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// ErrInvalid marks configuration errors. They are fatal at startup and cause
// a reload to be rejected.
var ErrInvalid = errors.New("config invalid")

var validate = validator.New(validator.WithRequiredStructEnabled())

// StartDateLayout is the accepted poll.start_date format.
const StartDateLayout = "2006-01-02"

// Validate checks global settings. Tenant lists are validated by the tenant
// registry, which owns their parsing.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q (value %s)", fieldPath(fe), fe.Tag(), safeValue(fe)))
			}
		} else {
			errs = append(errs, err)
		}
	}

	durations := []struct{ path, raw string }{
		{"imap.timeout", c.IMAP.Timeout},
		{"telegram.timeout", c.Telegram.Timeout},
		{"poll.interval", c.Poll.Interval},
		{"poll.max_backoff", c.Poll.MaxBackoff},
		{"ledger.busy_timeout", c.Ledger.BusyTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationOrDefault(d.path, d.raw, time.Second); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := c.Poll.ParseSchedule(); err != nil {
		errs = append(errs, err)
	}

	if c.IMAP.Auth == "xoauth2" && strings.TrimSpace(c.IMAP.OAuth.TokenURL) == "" {
		errs = append(errs, errors.New("imap.oauth.token_url: required when imap.auth=xoauth2"))
	}

	switch c.Ledger.Driver {
	case "redis", "postgres":
		if strings.TrimSpace(c.Ledger.DSN) == "" {
			errs = append(errs, fmt.Errorf("ledger.dsn: required for driver %q", c.Ledger.Driver))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// fieldPath turns "Config.Telegram.Token" into "telegram.token".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}

// safeValue never echoes credentials back into logs.
func safeValue(fe validator.FieldError) string {
	switch strings.ToLower(fe.Field()) {
	case "token", "clientsecret", "dsn":
		return "<redacted>"
	}
	return fmt.Sprintf("%v", fe.Value())
}

// scheduleParser accepts 5 or 6 field cron expressions and descriptors such
// as "@hourly" or "@every 5m".
var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule returns the cycle schedule: the cron expression when set,
// otherwise a fixed interval.
func (c PollConfig) ParseSchedule() (cron.Schedule, error) {
	s := strings.TrimSpace(c.Schedule)
	if s == "" {
		return cron.Every(c.IntervalDuration()), nil
	}
	sched, err := scheduleParser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("poll.schedule: %w", err)
	}
	return sched, nil
}

// StartDateValue returns the parsed poll.start_date. ok is false when it is unset
// or malformed; callers fall back to yesterday.
func (c PollConfig) StartDateValue() (t time.Time, ok bool, err error) {
	s := strings.TrimSpace(c.StartDate)
	if s == "" {
		return time.Time{}, false, nil
	}
	t, err = time.Parse(StartDateLayout, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("poll.start_date: %w", err)
	}
	return t, true, nil
}
