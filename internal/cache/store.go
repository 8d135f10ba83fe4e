package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"sequelwatch/internal/logging"
)

// ErrInvalidEntry is returned for empty keys, non-JSON payloads or
// non-positive TTLs.
var ErrInvalidEntry = errors.New("invalid cache entry")

// Entry is a cached lookup result.
type Entry struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the entry is no longer valid at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store is the cache contract used by the enrichment client.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Option customizes a MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// MemoryStore is an in-process Store with optional JSON snapshots.
type MemoryStore struct {
	path    string
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]Entry
	// version counts mutations; flushed is the version last written.
	version uint64
	flushed uint64
	flushMu sync.Mutex
}

// NewMemoryStore creates a store. If path is empty, snapshots are disabled and
// Flush is a no-op. An unreadable snapshot is logged and the store starts empty.
func NewMemoryStore(path string, logger *slog.Logger, opts ...Option) *MemoryStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &MemoryStore{
		path:    strings.TrimSpace(path),
		logger:  logging.NewComponentLogger(logger, "cache"),
		now:     time.Now,
		entries: make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.path == "" {
		return s
	}
	if err := s.load(); err != nil {
		s.logger.Warn("failed to load cache snapshot",
			logging.String(logging.FieldEventType, "cache_load_failed"),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "delete the snapshot file if it is corrupt"),
			logging.String(logging.FieldImpact, "provider lookups will be repeated until the cache warms up"))
	}
	return s
}

// Get returns the live entry for key.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Entry{}, false, nil
	}
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || entry.Expired(now) {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

// Set stores payload under key until ttl elapses. Payload must be valid JSON.
func (s *MemoryStore) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	key = strings.TrimSpace(key)
	switch {
	case key == "":
		return fmt.Errorf("%w: key is required", ErrInvalidEntry)
	case ttl <= 0:
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidEntry)
	case !json.Valid(payload):
		return fmt.Errorf("%w: payload for %q is not valid JSON", ErrInvalidEntry, key)
	}
	now := s.now()
	entry := Entry{
		Key:       key,
		Payload:   slices.Clone(payload),
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.version++
	s.mu.Unlock()
	return nil
}

// Delete removes key if present.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.version++
	}
	return nil
}

// List returns every entry, including expired ones not yet purged, newest
// first.
func (s *MemoryStore) List() []Entry {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, cloneEntry(entry))
	}
	s.mu.RUnlock()
	sortNewestFirst(entries)
	return entries
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// PurgeExpired removes expired entries and returns how many were dropped.
func (s *MemoryStore) PurgeExpired() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		s.version++
	}
	return removed
}

// Clear drops every entry.
func (s *MemoryStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[string]Entry)
	s.version++
	return n
}

// Run purges expired entries every interval and flushes the snapshot when
// something changed. It flushes once more when ctx is cancelled.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				s.logger.Warn("final cache flush failed",
					logging.String(logging.FieldEventType, "cache_flush_failed"),
					logging.Error(err),
					logging.String(logging.FieldImpact, "cached lookups will be repeated after restart"))
			}
			return
		case <-ticker.C:
			if removed := s.PurgeExpired(); removed > 0 {
				s.logger.Debug("purged expired cache entries", logging.Int("removed", removed))
			}
			if err := s.Flush(); err != nil {
				s.logger.Warn("cache flush failed",
					logging.String(logging.FieldEventType, "cache_flush_failed"),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check permissions on the cache snapshot directory"))
			}
		}
	}
}

// Flush writes live entries to the snapshot file when the store changed since
// the last flush.
func (s *MemoryStore) Flush() error {
	if s.path == "" {
		return nil
	}
	now := s.now()

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	version := s.version
	if version == s.flushed {
		s.mu.RUnlock()
		return nil
	}
	entries := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		if !entry.Expired(now) {
			entries = append(entries, entry)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(entries)
	if err := writeSnapshot(s.path, entries); err != nil {
		return err
	}
	s.mu.Lock()
	s.flushed = version
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read cache snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse cache snapshot: %w", err)
	}
	now := s.now()
	for _, entry := range entries {
		if strings.TrimSpace(entry.Key) == "" || entry.Expired(now) {
			continue
		}
		s.entries[entry.Key] = entry
	}
	s.logger.Debug("loaded cache snapshot",
		logging.Int("entry_count", len(s.entries)),
		logging.String("path", s.path))
	return nil
}

func writeSnapshot(path string, entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func cloneEntry(entry Entry) Entry {
	entry.Payload = slices.Clone(entry.Payload)
	return entry
}

func sortNewestFirst(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := b.StoredAt.Compare(a.StoredAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
}
