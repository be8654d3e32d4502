// Package ledger remembers which messages were already processed so no alert
// is sent twice, across restarts.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"paywatch/internal/storage"
	logx "paywatch/pkg/logx"
)

// Ledger is an in-memory view of the store. Safe for concurrent use.
type Ledger struct {
	store     storage.Store
	retention time.Duration
	log       logx.Logger
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]time.Time
}

type Option func(*Ledger)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store storage.Store, retention time.Duration, log logx.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		retention: retention,
		log:       log,
		now:       time.Now,
		entries:   map[string]time.Time{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetRetention applies a reloaded retention window from the next Load on.
func (l *Ledger) SetRetention(d time.Duration) {
	l.mu.Lock()
	l.retention = d
	l.mu.Unlock()
}

// Load reads the store and drops entries not newer than now-retention. When
// anything was dropped the pruned state is written back. A corrupt store
// degrades to an empty ledger. Other read failures keep the entries already
// in memory (empty on the first load). The error is returned for logging.
func (l *Ledger) Load(ctx context.Context) (pruned int, err error) {
	persisted, err := l.store.Load(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrCorrupt) {
			l.log.Warn("ledger corrupt; starting empty", logx.Err(err))
			l.mu.Lock()
			l.entries = map[string]time.Time{}
			l.mu.Unlock()
		} else {
			l.log.Warn("ledger read failed; keeping in-memory state", logx.Err(err), logx.Int("entries", l.Len()))
		}
		return 0, err
	}

	l.mu.Lock()
	cutoff := l.now().Add(-l.retention)
	kept := make(map[string]time.Time, len(persisted))
	var expired []string
	for id, at := range persisted {
		if at.After(cutoff) {
			kept[id] = at
			continue
		}
		expired = append(expired, id)
	}
	l.entries = kept
	l.mu.Unlock()

	if len(expired) > 0 {
		l.log.Info("pruned old processed entries", logx.Int("count", len(expired)), logx.Int("kept", len(kept)))
		if err := l.store.Delete(ctx, expired...); err != nil {
			l.log.Warn("ledger prune write failed", logx.Err(err))
			return len(expired), err
		}
	}
	return len(expired), nil
}

func (l *Ledger) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[id]
	return ok
}

// Mark records id as processed now. Marking a known id keeps its original
// timestamp. Persistence failures are returned but the in-memory mark stays,
// so the current process still never re-alerts.
func (l *Ledger) Mark(ctx context.Context, id string) error {
	l.mu.Lock()
	if _, ok := l.entries[id]; ok {
		l.mu.Unlock()
		return nil
	}
	at := l.now()
	l.entries[id] = at
	l.mu.Unlock()

	return l.store.Put(ctx, id, at)
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
