package storage

import (
	"context"
	"errors"
	"time"
)

// ErrCorrupt is returned by Load when persisted state cannot be decoded.
// The store starts over from an empty ledger in that case.
var ErrCorrupt = errors.New("ledger state corrupt")

// Config selects and configures a driver.
type Config struct {
	Driver string
	// Path is the file or sqlite database location.
	Path string
	// DSN is the redis URL or postgres connection string.
	DSN string
	// Key is the redis hash key.
	Key         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API of the ledger. Implementations are safe for
// concurrent use.
type Store interface {
	// Load returns every persisted entry. An entry whose timestamp cannot be
	// parsed is returned with a zero time.
	Load(ctx context.Context) (map[string]time.Time, error)
	// Put records id at the given time, replacing any previous value.
	Put(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, ids ...string) error
	Close() error
}

// timestampLayouts covers RFC 3339 and naive local timestamps without a zone
// offset, as written by earlier releases.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

func formatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
