package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sequelwatch/internal/actiontoken"
	"sequelwatch/internal/cache"
	"sequelwatch/internal/catalog"
	"sequelwatch/internal/delivery"
	"sequelwatch/internal/detection"
	"sequelwatch/internal/enrichment"
	"sequelwatch/internal/notifications"
	"sequelwatch/internal/pipeline"
	"sequelwatch/internal/ratelimit"
	"sequelwatch/internal/services"
	"sequelwatch/internal/store"
	"sequelwatch/internal/testsupport"
	"sequelwatch/internal/titles"
)

var runNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	releases map[string]time.Time
	fail     map[string]bool
}

func (p *fakeProvider) Lookup(_ context.Context, q enrichment.Query) (*enrichment.Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail[q.Title.Key] {
		return nil, errors.New("provider down")
	}
	release, ok := p.releases[q.Title.Display()]
	if !ok {
		return nil, nil
	}
	return &enrichment.Metadata{
		ExternalID:  "tmdb:tv:1:s" + q.Title.Display(),
		Title:       q.Title.Display(),
		ReleaseDate: &release,
		Overview:    "Overview of " + q.Title.Display(),
		Rating:      7.5,
	}, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type harness struct {
	store    *store.Store
	importer *pipeline.Importer
	runner   *pipeline.Runner
	provider *fakeProvider
	outbox   *delivery.Outbox
	signer   *actiontoken.Signer
	dir      string
}

func newHarness(t *testing.T, enricher pipeline.Enricher, opts pipeline.Options) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	clock := func() time.Time { return runNow }
	st := testsupport.MustOpenStore(t, cfg, store.WithClock(clock))

	detector, err := detection.NewDetector(detection.ConfigFromSettings(cfg.Detection))
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	signer, err := actiontoken.NewSigner(cfg.Notifications.TokenSecret, cfg.TokenValidity(), actiontoken.WithClock(clock))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	dispatcher, err := notifications.NewDispatcher(signer, cfg.Notifications.ActionBaseURL, nil, notifications.WithClock(clock))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	provider := &fakeProvider{releases: map[string]time.Time{}, fail: map[string]bool{}}
	if enricher == nil {
		limiter, err := ratelimit.NewWindowLimiter(cfg.RateLimit.MaxCalls, cfg.RateLimitWindow())
		if err != nil {
			t.Fatalf("NewWindowLimiter: %v", err)
		}
		client, err := enrichment.NewClient(cache.NewMemoryStore("", nil), limiter, provider,
			enrichment.Config{SuccessTTL: cfg.SuccessTTL(), NegativeTTL: cfg.NegativeTTL()}, nil)
		if err != nil {
			t.Fatalf("NewClient: %v", err)
		}
		enricher = client
	}

	outbox := delivery.NewOutbox()
	runner, err := pipeline.NewRunner(st, detector, dispatcher, opts, nil,
		pipeline.WithEnricher(enricher),
		pipeline.WithDelivery(delivery.NewService(outbox, dispatcher, nil, nil)),
		pipeline.WithClock(clock),
	)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return &harness{
		store:    st,
		importer: pipeline.NewImporter(st, nil),
		runner:   runner,
		provider: provider,
		outbox:   outbox,
		signer:   signer,
		dir:      testsupport.BaseDir(cfg),
	}
}

func (h *harness) importConsumption(t *testing.T, records ...catalog.ConsumptionRecord) {
	t.Helper()
	values := make([]any, len(records))
	for i, rec := range records {
		values[i] = rec
	}
	path := filepath.Join(h.dir, "consumption.jsonl")
	testsupport.WriteJSONLines(t, path, values...)
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open feed: %v", err)
	}
	defer f.Close()
	if _, err := h.importer.ImportConsumption(context.Background(), f); err != nil {
		t.Fatalf("ImportConsumption: %v", err)
	}
}

func (h *harness) importCatalog(t *testing.T, rows ...catalog.CatalogRow) {
	t.Helper()
	values := make([]any, len(rows))
	for i, row := range rows {
		values[i] = row
	}
	path := filepath.Join(h.dir, "catalog.jsonl")
	testsupport.WriteJSONLines(t, path, values...)
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open feed: %v", err)
	}
	defer f.Close()
	if _, err := h.importer.ImportCatalog(context.Background(), f); err != nil {
		t.Fatalf("ImportCatalog: %v", err)
	}
}

func watched(userID, title string) catalog.ConsumptionRecord {
	return catalog.ConsumptionRecord{UserID: userID, RawTitle: title, ConsumedAt: runNow.Add(-30 * 24 * time.Hour)}
}

func TestSeasonReleaseEndToEnd(t *testing.T) {
	h := newHarness(t, nil, pipeline.Options{Workers: 2, SkipUnreleased: true})
	ctx := context.Background()
	h.provider.releases["Show X Season 2"] = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	h.importConsumption(t, watched("u1", "Show X S1E1"))
	h.importCatalog(t, catalog.CatalogRow{RawTitle: "Show X Season 2"})

	batch, err := h.runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if batch.Users != 1 || batch.Succeeded != 1 || batch.Notified != 1 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if batch.RunID == "" {
		t.Fatal("expected a run id")
	}

	list, err := h.store.ListNotifications(ctx, "u1", notifications.ListOptions{})
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(list))
	}
	n := list[0]
	if n.MatchType != detection.SeasonIncrement || n.Metadata.Confidence != 0.95 || n.Kind != notifications.KindSeasonReleased {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if !h.signer.Validate(n.Token, "u1") {
		t.Fatal("stored token should validate for u1")
	}
	if !n.Emailed {
		t.Fatal("expected notification to be delivered")
	}
	payloads := h.outbox.Payloads()
	if len(payloads) != 1 || !strings.Contains(payloads[0].ActionURL, "/api/notifications/unsubscribe?token=") {
		t.Fatalf("unexpected payloads: %+v", payloads)
	}

	entries, err := h.store.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	var season2 *catalog.Entry
	for i := range entries {
		if entries[i].Title.Season == 2 {
			season2 = &entries[i]
		}
	}
	if season2 == nil || !season2.Enriched() || season2.ReleaseDate == nil {
		t.Fatalf("candidate should be enriched: %+v", season2)
	}

	audit, err := h.store.ListAudit(ctx, batch.RunID)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(audit) != 1 || audit[0].Outcome != pipeline.AuditNotified {
		t.Fatalf("unexpected audit: %+v", audit)
	}

	firstCalls := h.provider.Calls()

	again, err := h.runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("second RunAll: %v", err)
	}
	if again.Notified != 0 {
		t.Fatalf("rerun must not create notifications, got %d", again.Notified)
	}
	if again.Results[0].Skipped != 1 {
		t.Fatalf("expected the duplicate to be skipped: %+v", again.Results[0])
	}
	if h.provider.Calls() != firstCalls {
		t.Fatalf("cached lookups should not hit the provider again, calls=%d want %d", h.provider.Calls(), firstCalls)
	}
	if len(h.outbox.Payloads()) != 1 {
		t.Fatal("rerun must not deliver again")
	}
}

func TestEnrichedDatesFeedExactTitleRule(t *testing.T) {
	h := newHarness(t, nil, pipeline.Options{Workers: 1, SkipUnreleased: true})
	ctx := context.Background()
	h.provider.releases["Dune (1984)"] = time.Date(1984, 12, 14, 0, 0, 0, 0, time.UTC)
	h.provider.releases["Dune (2021)"] = time.Date(2021, 10, 22, 0, 0, 0, 0, time.UTC)

	h.importConsumption(t, watched("u1", "Dune (1984)"))
	h.importCatalog(t, catalog.CatalogRow{RawTitle: "Dune (2021)"})

	batch, err := h.runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	res := batch.Results[0]
	if res.Matches != 1 || res.Notified != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if h.provider.Calls() != 2 {
		t.Fatalf("expected both titles to be looked up once, calls=%d", h.provider.Calls())
	}
	list, err := h.store.ListNotifications(ctx, "u1", notifications.ListOptions{})
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(list) != 1 || list[0].MatchType != detection.ExactTitleNewer {
		t.Fatalf("expected one exact_title_newer notification, got %+v", list)
	}
}

func TestEnrichmentOnlyForRelatedEntries(t *testing.T) {
	h := newHarness(t, nil, pipeline.Options{Workers: 1})
	ctx := context.Background()

	h.importConsumption(t, watched("u1", "Dune (1984)"))
	h.importCatalog(t, catalog.CatalogRow{RawTitle: "Arrival (2016)"})

	batch, err := h.runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if batch.Results[0].Matches != 0 {
		t.Fatalf("unexpected matches: %+v", batch.Results[0])
	}
	if h.provider.Calls() != 0 {
		t.Fatalf("unrelated titles should not be looked up, calls=%d", h.provider.Calls())
	}
}

func TestUnreleasedCandidatesAreHeldBack(t *testing.T) {
	h := newHarness(t, nil, pipeline.Options{Workers: 1, SkipUnreleased: true})
	ctx := context.Background()
	h.provider.releases["Show Y Season 2"] = time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	h.importConsumption(t, watched("u1", "Show Y S1E3"))
	h.importCatalog(t, catalog.CatalogRow{RawTitle: "Show Y Season 2"})

	batch, err := h.runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	res := batch.Results[0]
	if res.Notified != 0 || res.Unreleased != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	audit, _ := h.store.ListAudit(ctx, batch.RunID)
	if len(audit) != 1 || audit[0].Outcome != pipeline.AuditUnreleased {
		t.Fatalf("unexpected audit: %+v", audit)
	}
}

func TestProviderOutageDegradesGracefully(t *testing.T) {
	h := newHarness(t, nil, pipeline.Options{Workers: 1, SkipUnreleased: true})
	ctx := context.Background()
	h.provider.fail["show x"] = true

	h.importConsumption(t, watched("u1", "Show X S1E1"))
	h.importCatalog(t, catalog.CatalogRow{RawTitle: "Show X Season 2"})

	batch, err := h.runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if batch.Failed != 0 || batch.Notified != 1 {
		t.Fatalf("provider failures must not block notifications: %+v", batch)
	}
}

type brokenEnricher struct{}

func (brokenEnricher) Enrich(_ context.Context, title titles.CanonicalTitle, _ int) (*enrichment.Metadata, error) {
	if title.Key == "broken" {
		return nil, services.Wrap(services.ErrUnavailable, "enrichment", "cache get", "cache store failed", errors.New("disk full"))
	}
	return nil, nil
}

func TestFailingUserDoesNotStopBatch(t *testing.T) {
	h := newHarness(t, brokenEnricher{}, pipeline.Options{Workers: 2, SkipUnreleased: true})
	ctx := context.Background()

	h.importConsumption(t, watched("u1", "Show X S1E1"), watched("u2", "Broken S1E1"))
	h.importCatalog(t,
		catalog.CatalogRow{RawTitle: "Show X Season 2"},
		catalog.CatalogRow{RawTitle: "Broken Season 2"},
	)

	batch, err := h.runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if batch.Users != 2 || batch.Succeeded != 1 || batch.Failed != 1 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	failed, _ := h.store.ListNotifications(ctx, "u2", notifications.ListOptions{})
	if len(failed) != 0 {
		t.Fatalf("failed user must have no notifications, got %d", len(failed))
	}
	ok, _ := h.store.ListNotifications(ctx, "u1", notifications.ListOptions{})
	if len(ok) != 1 {
		t.Fatalf("expected u1 to be notified, got %d", len(ok))
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	h := newHarness(t, nil, pipeline.Options{Workers: 1, DryRun: true})
	ctx := context.Background()
	h.importConsumption(t, watched("u1", "Show X S1E1"))
	h.importCatalog(t, catalog.CatalogRow{RawTitle: "Show X Season 2"})

	batch, err := h.runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if batch.Results[0].Matches != 1 || batch.Results[0].Notified != 1 {
		t.Fatalf("dry run should report the would-be notification: %+v", batch.Results[0])
	}
	list, _ := h.store.ListNotifications(ctx, "u1", notifications.ListOptions{})
	if len(list) != 0 {
		t.Fatalf("dry run must not persist notifications, got %d", len(list))
	}
	if len(h.outbox.Payloads()) != 0 {
		t.Fatal("dry run must not deliver")
	}
}

func TestRunUserWithoutConsumptionIsSkipped(t *testing.T) {
	h := newHarness(t, nil, pipeline.Options{Workers: 1})
	batch, err := h.runner.RunUsers(context.Background(), []string{"ghost"})
	if err != nil {
		t.Fatalf("RunUsers: %v", err)
	}
	if batch.Skipped != 1 || batch.Results[0].Outcome != services.OutcomeSkipped {
		t.Fatalf("unexpected batch: %+v", batch)
	}
}

func TestRunUsersStopsOnCancellation(t *testing.T) {
	h := newHarness(t, nil, pipeline.Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	batch, err := h.runner.RunUsers(ctx, []string{"u1", "u2"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(batch.Results) != 0 {
		t.Fatalf("no users should run after cancellation, got %d", len(batch.Results))
	}
}
