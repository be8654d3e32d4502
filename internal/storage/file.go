package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "paywatch/pkg/logx"
)

// fileStore keeps the ledger as a single JSON object. Every mutation rewrites
// the whole object to <path>.tmp and renames it into place, so a crash leaves
// either the old or the new file.
type fileStore struct {
	path string
	log  logx.Logger

	mu      sync.Mutex
	entries map[string]string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{path: path, log: log, entries: map[string]string{}}, nil
}

func (s *fileStore) Load(ctx context.Context) (map[string]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.entries = map[string]string{}
		return map[string]time.Time{}, nil
	}
	if err != nil {
		return nil, err
	}

	raw := map[string]string{}
	if err := json.Unmarshal(b, &raw); err != nil {
		s.entries = map[string]string{}
		return map[string]time.Time{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if raw == nil {
		raw = map[string]string{}
	}
	s.entries = raw

	out := make(map[string]time.Time, len(raw))
	for id, ts := range raw {
		out[id] = parseTimestamp(ts)
	}
	return out, nil
}

func (s *fileStore) Put(ctx context.Context, id string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = formatTimestamp(at)
	return s.writeLocked()
}

func (s *fileStore) Delete(ctx context.Context, ids ...string) error {
	_ = ctx
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.entries, id)
	}
	return s.writeLocked()
}

func (s *fileStore) writeLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s.entries); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Close() error { return nil }
