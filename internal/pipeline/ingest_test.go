package pipeline_test

import (
	"context"
	"strings"
	"testing"

	"sequelwatch/internal/pipeline"
	"sequelwatch/internal/testsupport"
	"sequelwatch/internal/titles"
)

func TestImportConsumptionCountsLines(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	importer := pipeline.NewImporter(st, nil)
	ctx := context.Background()

	feed := strings.Join([]string{
		`{"user_id":"u1","title":"Show X S1E1","consumed_at":"2026-04-01T20:00:00Z"}`,
		`{"user_id":"u1","title":"Show X S1E1","consumed_at":"2026-04-01T20:00:00Z"}`,
		`# comment`,
		``,
		`{"user_id":"","title":"Show X S1E2","consumed_at":"2026-04-02T20:00:00Z"}`,
		`not json`,
		`{"user_id":"u2","title":"Dune (2021)","consumed_at":"2026-04-03T20:00:00Z","platform":"web"}`,
	}, "\n")

	stats, err := importer.ImportConsumption(ctx, strings.NewReader(feed))
	if err != nil {
		t.Fatalf("ImportConsumption: %v", err)
	}
	want := pipeline.ImportStats{Lines: 5, Imported: 2, Duplicates: 1, Invalid: 2}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}

	users, err := st.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("users = %v", users)
	}
}

func TestImportCatalogOverrides(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	importer := pipeline.NewImporter(st, nil)
	ctx := context.Background()

	feed := strings.Join([]string{
		`{"title":"Planet Earth","season_number":2}`,
		`{"title":"Arrival","media_kind":"movie","release_date":"2016-11-11T00:00:00Z"}`,
		`{"title":"Planet Earth","season_number":2}`,
		`{"title":"   "}`,
		`{"title":"Bad","season_number":-1}`,
	}, "\n")

	stats, err := importer.ImportCatalog(ctx, strings.NewReader(feed))
	if err != nil {
		t.Fatalf("ImportCatalog: %v", err)
	}
	want := pipeline.ImportStats{Lines: 5, Imported: 2, Duplicates: 1, Invalid: 2}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}

	entries, err := st.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	planet := entries[0]
	if planet.Title.Kind != titles.KindSeries || planet.Title.Season != 2 {
		t.Fatalf("season override not applied: %+v", planet.Title)
	}
	arrival := entries[1]
	if arrival.Title.Kind != titles.KindMovie || arrival.ReleaseDate == nil || arrival.ReleaseDate.Year() != 2016 {
		t.Fatalf("unexpected movie entry: %+v", arrival)
	}
}
