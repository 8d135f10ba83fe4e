package testsupport

import (
	"context"
	"testing"
	"time"

	"sequelwatch/internal/catalog"
	"sequelwatch/internal/config"
	"sequelwatch/internal/store"
	"sequelwatch/internal/titles"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...store.Option) *store.Store {
	t.Helper()

	st, err := store.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

// NewEntry normalizes raw and upserts it into the catalog. release may be nil.
func NewEntry(t testing.TB, st *store.Store, raw string, release *time.Time) catalog.Entry {
	t.Helper()

	in := store.EntryInput{RawTitle: raw, Title: titles.NewNormalizer().Normalize(raw), ReleaseDate: release}
	entry, _, err := st.UpsertEntry(context.Background(), in)
	if err != nil {
		t.Fatalf("store.UpsertEntry(%q): %v", raw, err)
	}
	return entry
}
