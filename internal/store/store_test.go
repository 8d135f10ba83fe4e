package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sequelwatch/internal/catalog"
	"sequelwatch/internal/detection"
	"sequelwatch/internal/notifications"
	"sequelwatch/internal/store"
	"sequelwatch/internal/testsupport"
	"sequelwatch/internal/titles"
)

func openStore(t *testing.T) (*store.Store, *testsupport.Clock) {
	t.Helper()
	clock := testsupport.NewClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	cfg := testsupport.NewConfig(t)
	return testsupport.MustOpenStore(t, cfg, store.WithClock(clock.Now)), clock
}

func TestUpsertEntryIsIdempotent(t *testing.T) {
	st, _ := openStore(t)
	ctx := context.Background()
	n := titles.NewNormalizer()

	first, created, err := st.UpsertEntry(ctx, store.EntryInput{RawTitle: "Show X S1E1", Title: n.Normalize("Show X S1E1")})
	if err != nil {
		t.Fatalf("UpsertEntry: %v", err)
	}
	if !created {
		t.Fatal("expected first upsert to create the entry")
	}
	second, created, err := st.UpsertEntry(ctx, store.EntryInput{RawTitle: "Show X S1E2", Title: n.Normalize("Show X S1E2")})
	if err != nil {
		t.Fatalf("UpsertEntry: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("episodes of one season should share an entry: first=%d second=%d created=%v", first.ID, second.ID, created)
	}
	if second.Title.Season != 1 || second.Title.Kind != titles.KindSeries {
		t.Fatalf("unexpected stored title: %+v", second.Title)
	}

	entries, err := st.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestUpsertEntryFillsMissingMetadata(t *testing.T) {
	st, _ := openStore(t)
	ctx := context.Background()
	n := titles.NewNormalizer()
	title := n.Normalize("Show X Season 2")

	entry, _, err := st.UpsertEntry(ctx, store.EntryInput{RawTitle: "Show X Season 2", Title: title})
	if err != nil {
		t.Fatalf("UpsertEntry: %v", err)
	}
	if entry.ReleaseDate != nil {
		t.Fatal("expected no release date")
	}

	release := testsupport.Date(2026, 1, 10)
	updated, created, err := st.UpsertEntry(ctx, store.EntryInput{
		RawTitle:    "Show X Season 2",
		Title:       title,
		ExternalID:  "tmdb:tv:1:s2",
		ReleaseDate: release,
	})
	if err != nil {
		t.Fatalf("UpsertEntry: %v", err)
	}
	if created {
		t.Fatal("expected existing entry to be reused")
	}
	if updated.ReleaseDate == nil || !updated.ReleaseDate.Equal(*release) {
		t.Fatalf("release date = %v, want %v", updated.ReleaseDate, release)
	}
	if updated.ExternalID != "tmdb:tv:1:s2" {
		t.Fatalf("external id = %q", updated.ExternalID)
	}

	later := testsupport.Date(2027, 1, 1)
	again, _, err := st.UpsertEntry(ctx, store.EntryInput{RawTitle: "Show X Season 2", Title: title, ReleaseDate: later})
	if err != nil {
		t.Fatalf("UpsertEntry: %v", err)
	}
	if !again.ReleaseDate.Equal(*release) {
		t.Fatalf("imports must not overwrite a known release date, got %v", again.ReleaseDate)
	}
}

func TestUpsertEntryKeepsYearsApart(t *testing.T) {
	st, _ := openStore(t)
	old := testsupport.NewEntry(t, st, "Dune (1984)", testsupport.Date(1984, 12, 14))
	remake := testsupport.NewEntry(t, st, "Dune (2021)", testsupport.Date(2021, 10, 22))
	if old.ID == remake.ID {
		t.Fatal("expected separate entries for different release years")
	}
}

func TestUpsertEntryRejectsEmptyTitle(t *testing.T) {
	st, _ := openStore(t)
	_, _, err := st.UpsertEntry(context.Background(), store.EntryInput{RawTitle: "  ", Title: titles.NewNormalizer().Normalize("  ")})
	if !errors.Is(err, catalog.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestApplyEnrichment(t *testing.T) {
	st, clock := openStore(t)
	ctx := context.Background()
	entry := testsupport.NewEntry(t, st, "Severance: S2", nil)

	clock.Advance(time.Hour)
	release := testsupport.Date(2025, 1, 17)
	err := st.ApplyEnrichment(ctx, entry.ID, catalog.Enrichment{
		ExternalID:  "tmdb:tv:95396:s2",
		ReleaseDate: release,
		Overview:    "Mark leads a team.",
		ImageURL:    "https://image.example/p.jpg",
		Rating:      8.4,
	})
	if err != nil {
		t.Fatalf("ApplyEnrichment: %v", err)
	}
	got, err := st.GetEntry(ctx, entry.ID)
	if err != nil || got == nil {
		t.Fatalf("GetEntry: %v %v", got, err)
	}
	if !got.Enriched() || !got.EnrichedAt.Equal(clock.Now()) {
		t.Fatalf("enriched_at = %v, want %v", got.EnrichedAt, clock.Now())
	}
	if got.ExternalID != "tmdb:tv:95396:s2" || got.Rating != 8.4 || got.Overview == "" || got.ImageURL == "" {
		t.Fatalf("unexpected enrichment: %+v", got)
	}
	if !got.ReleaseDate.Equal(*release) {
		t.Fatalf("release = %v", got.ReleaseDate)
	}

	if err := st.ApplyEnrichment(ctx, entry.ID, catalog.Enrichment{ExternalID: "tmdb:tv:1:s2"}); err != nil {
		t.Fatalf("ApplyEnrichment: %v", err)
	}
	got, _ = st.GetEntry(ctx, entry.ID)
	if got.ExternalID != "tmdb:tv:95396:s2" || got.Overview != "Mark leads a team." {
		t.Fatalf("empty enrichment fields must not erase data: %+v", got)
	}

	if err := st.ApplyEnrichment(ctx, 9999, catalog.Enrichment{}); err == nil {
		t.Fatal("expected error for unknown entry")
	}
}

func TestGetEntryMissing(t *testing.T) {
	st, _ := openStore(t)
	got, err := st.GetEntry(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestConsumption(t *testing.T) {
	st, _ := openStore(t)
	ctx := context.Background()
	s1 := testsupport.NewEntry(t, st, "Show X S1E1", nil)
	dune := testsupport.NewEntry(t, st, "Dune (2021)", nil)
	watched := time.Date(2026, 4, 1, 20, 0, 0, 0, time.UTC)

	records := []struct {
		rec   catalog.ConsumptionRecord
		entry int64
		want  bool
	}{
		{catalog.ConsumptionRecord{UserID: "u1", RawTitle: "Show X S1E1", ConsumedAt: watched}, s1.ID, true},
		{catalog.ConsumptionRecord{UserID: "u1", RawTitle: "Show X S1E1", ConsumedAt: watched}, s1.ID, false},
		{catalog.ConsumptionRecord{UserID: "u1", RawTitle: "Show X S1E2", ConsumedAt: watched.Add(time.Hour)}, s1.ID, true},
		{catalog.ConsumptionRecord{UserID: "u2", RawTitle: "Dune (2021)", ConsumedAt: watched, Platform: "web"}, dune.ID, true},
	}
	for i, tc := range records {
		inserted, err := st.InsertConsumption(ctx, tc.rec, tc.entry)
		if err != nil {
			t.Fatalf("record %d: InsertConsumption: %v", i, err)
		}
		if inserted != tc.want {
			t.Fatalf("record %d: inserted = %v, want %v", i, inserted, tc.want)
		}
	}

	users, err := st.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Fatalf("users = %v", users)
	}

	consumed, err := st.ConsumedEntries(ctx, "u1")
	if err != nil {
		t.Fatalf("ConsumedEntries: %v", err)
	}
	if len(consumed) != 1 || consumed[0].ID != s1.ID {
		t.Fatalf("consumed = %+v", consumed)
	}
	count, err := st.CountConsumption(ctx, "u1")
	if err != nil || count != 2 {
		t.Fatalf("CountConsumption = %d, %v", count, err)
	}

	if _, err := st.InsertConsumption(ctx, catalog.ConsumptionRecord{UserID: "u1"}, s1.ID); !errors.Is(err, catalog.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func newNotification(id, userID string, source, candidate int64, created time.Time) *notifications.Notification {
	return &notifications.Notification{
		ID:               id,
		UserID:           userID,
		Kind:             notifications.KindSeasonReleased,
		MatchType:        detection.SeasonIncrement,
		SourceEntryID:    source,
		CandidateEntryID: candidate,
		Title:            "New season available",
		Message:          "Show X Season 2 is out",
		Metadata:         notifications.Metadata{Confidence: 0.95, MatchType: string(detection.SeasonIncrement)},
		Token:            "tok-" + id,
		TokenExpiresAt:   created.Add(30 * 24 * time.Hour),
		CreatedAt:        created,
	}
}

func TestNotificationLifecycle(t *testing.T) {
	st, clock := openStore(t)
	ctx := context.Background()
	s1 := testsupport.NewEntry(t, st, "Show X Season 1", nil)
	s2 := testsupport.NewEntry(t, st, "Show X Season 2", nil)
	s3 := testsupport.NewEntry(t, st, "Show X Season 3", nil)

	first := newNotification("n1", "u1", s1.ID, s2.ID, clock.Now())
	if err := st.InsertNotification(ctx, first); err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}
	dup := newNotification("n1-dup", "u1", s1.ID, s2.ID, clock.Now())
	if err := st.InsertNotification(ctx, dup); !errors.Is(err, notifications.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	exists, err := st.NotificationExists(ctx, first.Key())
	if err != nil || !exists {
		t.Fatalf("NotificationExists = %v, %v", exists, err)
	}

	second := newNotification("n2", "u1", s2.ID, s3.ID, clock.Now().Add(time.Minute))
	if err := st.InsertNotification(ctx, second); err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}

	list, err := st.ListNotifications(ctx, "u1", notifications.ListOptions{})
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(list) != 2 || list[0].ID != "n2" || list[1].ID != "n1" {
		t.Fatalf("expected newest first, got %+v", list)
	}
	if list[1].Metadata.Confidence != 0.95 || list[1].Token != "tok-n1" {
		t.Fatalf("round trip lost fields: %+v", list[1])
	}

	if err := st.MarkRead(ctx, "u1", "n1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if err := st.MarkRead(ctx, "u2", "n2"); !errors.Is(err, notifications.ErrNotFound) {
		t.Fatalf("other users cannot mark read, got %v", err)
	}
	unread, err := st.UnreadCount(ctx, "u1")
	if err != nil || unread != 1 {
		t.Fatalf("UnreadCount = %d, %v", unread, err)
	}
	onlyUnread, err := st.ListNotifications(ctx, "u1", notifications.ListOptions{UnreadOnly: true})
	if err != nil || len(onlyUnread) != 1 || onlyUnread[0].ID != "n2" {
		t.Fatalf("unread list = %+v, %v", onlyUnread, err)
	}
	marked, err := st.MarkAllRead(ctx, "u1")
	if err != nil || marked != 1 {
		t.Fatalf("MarkAllRead = %d, %v", marked, err)
	}

	pending, err := st.PendingDeliveries(ctx, 0)
	if err != nil || len(pending) != 2 {
		t.Fatalf("PendingDeliveries = %d, %v", len(pending), err)
	}
	if err := st.MarkEmailed(ctx, "n1", true); err != nil {
		t.Fatalf("MarkEmailed: %v", err)
	}
	got, err := st.GetNotification(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNotification: %v", err)
	}
	if !got.Read || got.ReadAt == nil || !got.Emailed || got.EmailedAt == nil {
		t.Fatalf("unexpected flags: %+v", got)
	}

	expires := clock.Now().Add(48 * time.Hour)
	if err := st.UpdateNotificationToken(ctx, "n1", "tok-new", expires); err != nil {
		t.Fatalf("UpdateNotificationToken: %v", err)
	}
	got, _ = st.GetNotification(ctx, "n1")
	if got.Token != "tok-new" || !got.TokenExpiresAt.Equal(expires) {
		t.Fatalf("token not replaced: %+v", got)
	}

	if _, err := st.GetNotification(ctx, "missing"); !errors.Is(err, notifications.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPendingDeliveriesSkipsUndeliverable(t *testing.T) {
	st, clock := openStore(t)
	ctx := context.Background()
	src := testsupport.NewEntry(t, st, "Show X Season 1", nil)

	prefs := notifications.DefaultPreferences("muted")
	prefs.EmailEnabled = false
	if err := st.SavePreferences(ctx, prefs); err != nil {
		t.Fatalf("SavePreferences: %v", err)
	}
	for i, raw := range []string{"Show X Season 2", "Show X Season 3", "Show X Season 4"} {
		cand := testsupport.NewEntry(t, st, raw, nil)
		n := newNotification("muted-"+raw, "muted", src.ID, cand.ID, clock.Now().Add(time.Duration(i)*time.Minute))
		if err := st.InsertNotification(ctx, n); err != nil {
			t.Fatalf("InsertNotification: %v", err)
		}
	}
	cand := testsupport.NewEntry(t, st, "Show X Season 5", nil)
	expired := newNotification("expired", "u1", src.ID, cand.ID, clock.Now().Add(4*time.Minute))
	expired.TokenExpiresAt = clock.Now().Add(-time.Minute)
	if err := st.InsertNotification(ctx, expired); err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}
	cand = testsupport.NewEntry(t, st, "Show X Season 6", nil)
	live := newNotification("live", "u1", src.ID, cand.ID, clock.Now().Add(5*time.Minute))
	if err := st.InsertNotification(ctx, live); err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}

	pending, err := st.PendingDeliveries(ctx, 3)
	if err != nil {
		t.Fatalf("PendingDeliveries: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "live" {
		t.Fatalf("expected only the live notification, got %+v", pending)
	}

	clock.Advance(31 * 24 * time.Hour)
	pending, err = st.PendingDeliveries(ctx, 0)
	if err != nil {
		t.Fatalf("PendingDeliveries: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expired tokens must not be redelivered, got %d", len(pending))
	}
}

func TestListNotificationsPaging(t *testing.T) {
	st, clock := openStore(t)
	ctx := context.Background()
	src := testsupport.NewEntry(t, st, "Show X Season 1", nil)
	for i, raw := range []string{"Show X Season 2", "Show X Season 3", "Show X Season 4"} {
		cand := testsupport.NewEntry(t, st, raw, nil)
		n := newNotification(raw, "u1", src.ID, cand.ID, clock.Now().Add(time.Duration(i)*time.Minute))
		if err := st.InsertNotification(ctx, n); err != nil {
			t.Fatalf("InsertNotification: %v", err)
		}
	}
	page, err := st.ListNotifications(ctx, "u1", notifications.ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(page) != 2 || page[0].ID != "Show X Season 3" || page[1].ID != "Show X Season 2" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestConcurrentDuplicateInsertsYieldOne(t *testing.T) {
	st, clock := openStore(t)
	ctx := context.Background()
	src := testsupport.NewEntry(t, st, "Show X Season 1", nil)
	cand := testsupport.NewEntry(t, st, "Show X Season 2", nil)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := newNotification(string(rune('a'+i)), "u1", src.ID, cand.ID, clock.Now())
			err := st.InsertNotification(ctx, n)
			if err != nil && !errors.Is(err, notifications.ErrDuplicate) {
				t.Errorf("InsertNotification: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if inserted != 1 {
		t.Fatalf("expected exactly one insert, got %d", inserted)
	}
}

func TestPreferences(t *testing.T) {
	st, _ := openStore(t)
	ctx := context.Background()

	prefs, err := st.GetPreferences(ctx, "u1")
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if prefs != notifications.DefaultPreferences("u1") {
		t.Fatalf("expected defaults, got %+v", prefs)
	}

	prefs.EmailEnabled = false
	prefs.SequelNotifications = false
	if err := st.SavePreferences(ctx, prefs); err != nil {
		t.Fatalf("SavePreferences: %v", err)
	}
	got, err := st.GetPreferences(ctx, "u1")
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if got.EmailEnabled || got.SequelNotifications || !got.InAppEnabled || !got.SeasonNotifications {
		t.Fatalf("unexpected preferences: %+v", got)
	}
	if err := st.SavePreferences(ctx, notifications.Preferences{}); err == nil {
		t.Fatal("expected error without user id")
	}
}

func TestInTxRollsBack(t *testing.T) {
	st, _ := openStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := st.InTx(ctx, func(tx *store.Tx) error {
		if _, _, err := tx.UpsertEntry(ctx, store.EntryInput{RawTitle: "Dark Staffel 1", Title: titles.NewNormalizer().Normalize("Dark Staffel 1")}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	entries, err := st.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected rollback, got %d entries", len(entries))
	}
}

func TestAudit(t *testing.T) {
	st, _ := openStore(t)
	ctx := context.Background()
	src := testsupport.NewEntry(t, st, "Show X Season 1", nil)
	cand := testsupport.NewEntry(t, st, "Show X Season 2", nil)
	m := detection.Match{Source: src, Candidate: cand, Confidence: 0.95, Type: detection.SeasonIncrement, Reason: "next season"}
	if err := st.RecordMatch(ctx, "run-1", "u1", m, "notified"); err != nil {
		t.Fatalf("RecordMatch: %v", err)
	}
	rows, err := st.ListAudit(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(rows) != 1 || rows[0].Outcome != "notified" || rows[0].CandidateEntryID != cand.ID {
		t.Fatalf("unexpected audit rows: %+v", rows)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "sequelwatch.db")
	st, err := store.OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	testsupport.NewEntry(t, st, "Show X Season 1", nil)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := store.OpenPath(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	entries, err := reopened.ListEntries(context.Background())
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries = %d, %v", len(entries), err)
	}
	if reopened.Path() != path {
		t.Fatalf("Path() = %q", reopened.Path())
	}
}
