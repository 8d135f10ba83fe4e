package detection_test

import (
	"testing"
	"time"

	"sequelwatch/internal/catalog"
	"sequelwatch/internal/config"
	"sequelwatch/internal/detection"
	"sequelwatch/internal/titles"
)

func defaultConfig() detection.Config {
	return detection.Config{
		SeasonIncrementConfidence: 0.95,
		ExactTitleNewerConfidence: 0.90,
		FuzzyMatchConfidence:      0.70,
		FuzzySimilarityThreshold:  0.85,
		MinConfidence:             0.60,
		HighConfidence:            0.90,
	}
}

func newDetector(t *testing.T) *detection.Detector {
	t.Helper()
	d, err := detection.NewDetector(defaultConfig())
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	return d
}

var normalizer = titles.NewNormalizer()

func entry(id int64, raw string, released string) catalog.Entry {
	e := catalog.Entry{ID: id, RawTitle: raw, Title: normalizer.Normalize(raw)}
	if released != "" {
		ts, err := time.Parse("2006-01-02", released)
		if err != nil {
			panic(err)
		}
		e.ReleaseDate = &ts
	}
	return e
}

func TestSeasonIncrementYieldsSingleMatch(t *testing.T) {
	d := newDetector(t)
	consumed := []catalog.Entry{entry(1, "Show X S1E1", "")}
	candidates := []catalog.Entry{
		entry(1, "Show X S1E1", ""),
		entry(2, "Show X: Season 2", ""),
		entry(3, "Show X: Season 3", ""),
		entry(4, "Another Show: Season 2", ""),
	}

	matches := d.FindSuccessors(consumed, candidates, nil)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d: %+v", len(matches), matches)
	}
	m := matches[0]
	if m.Type != detection.SeasonIncrement || m.Confidence != 0.95 {
		t.Fatalf("unexpected match %s/%v", m.Type, m.Confidence)
	}
	if m.Source.ID != 1 || m.Candidate.ID != 2 {
		t.Fatalf("unexpected pair %d -> %d", m.Source.ID, m.Candidate.ID)
	}
	if m.Reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestHighestConfidenceRuleWins(t *testing.T) {
	d := newDetector(t)
	consumed := []catalog.Entry{entry(1, "Show X: Season 1", "2020-01-01")}
	candidates := []catalog.Entry{entry(2, "Show X: Season 2", "2021-06-01")}

	matches := d.FindSuccessors(consumed, candidates, nil)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Type != detection.SeasonIncrement {
		t.Fatalf("expected season_increment to win, got %s", matches[0].Type)
	}
}

func TestExactTitleNewerRequiresLaterRelease(t *testing.T) {
	d := newDetector(t)
	consumed := []catalog.Entry{entry(1, "Dune (1984)", "1984-12-14")}
	candidates := []catalog.Entry{
		entry(2, "Dune (2021)", "2021-10-22"),
		entry(3, "Dune", ""),
		entry(4, "Dune (1970)", "1970-01-01"),
	}

	matches := d.FindSuccessors(consumed, candidates, nil)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d: %+v", len(matches), matches)
	}
	if matches[0].Type != detection.ExactTitleNewer || matches[0].Confidence != 0.90 {
		t.Fatalf("unexpected match %s/%v", matches[0].Type, matches[0].Confidence)
	}
	if matches[0].Candidate.ID != 2 {
		t.Fatalf("expected candidate 2, got %d", matches[0].Candidate.ID)
	}
}

func TestFuzzyMatchRejectsEarlierSeasons(t *testing.T) {
	d := newDetector(t)
	consumed := []catalog.Entry{entry(1, "Stranger Things: Season 1", "")}
	candidates := []catalog.Entry{
		entry(2, "Stranger Thingz: Season 2", ""),
		entry(3, "Stranger Thingz: Season 1", ""),
		entry(4, "Strange Days: Season 2", ""),
	}

	matches := d.FindSuccessors(consumed, candidates, nil)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d: %+v", len(matches), matches)
	}
	if matches[0].Type != detection.FuzzyMatch || matches[0].Confidence != 0.70 {
		t.Fatalf("unexpected match %s/%v", matches[0].Type, matches[0].Confidence)
	}
	if matches[0].Candidate.ID != 2 {
		t.Fatalf("expected candidate 2, got %d", matches[0].Candidate.ID)
	}
}

func TestFuzzyMatchWithoutSeasonsOrDates(t *testing.T) {
	d := newDetector(t)
	consumed := []catalog.Entry{entry(1, "Stranger Things", "")}
	candidates := []catalog.Entry{entry(2, "Stranger Thingz", "")}

	matches := d.FindSuccessors(consumed, candidates, nil)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d: %+v", len(matches), matches)
	}
	if matches[0].Type != detection.FuzzyMatch || matches[0].Confidence != 0.70 {
		t.Fatalf("unexpected match %s/%v", matches[0].Type, matches[0].Confidence)
	}
}

func TestFuzzyMatchRejectsEarlierRelease(t *testing.T) {
	d := newDetector(t)
	consumed := []catalog.Entry{entry(1, "Stranger Things", "2016-07-15")}
	candidates := []catalog.Entry{
		entry(2, "Stranger Thingz", "2010-01-01"),
		entry(3, "Strangir Things", "2019-07-04"),
	}

	matches := d.FindSuccessors(consumed, candidates, nil)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d: %+v", len(matches), matches)
	}
	if matches[0].Candidate.ID != 3 {
		t.Fatalf("expected candidate 3, got %d", matches[0].Candidate.ID)
	}
}

func TestMatchesBelowMinimumAreDiscarded(t *testing.T) {
	cfg := defaultConfig()
	cfg.MinConfidence = 0.75
	d, err := detection.NewDetector(cfg)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	consumed := []catalog.Entry{entry(1, "Stranger Things: Season 1", "")}
	candidates := []catalog.Entry{entry(2, "Stranger Thingz: Season 2", "")}
	if matches := d.FindSuccessors(consumed, candidates, nil); len(matches) != 0 {
		t.Fatalf("expected fuzzy match below minimum to be dropped, got %+v", matches)
	}
}

func TestAlreadyConsumedCandidatesNeverAppear(t *testing.T) {
	d := newDetector(t)
	consumed := []catalog.Entry{
		entry(1, "Show X: Season 1", "2020-01-01"),
		entry(10, "Dune (1984)", "1984-12-14"),
	}
	candidates := []catalog.Entry{
		entry(1, "Show X: Season 1", "2020-01-01"),
		entry(2, "Show X: Season 2", "2021-01-01"),
		entry(3, "Show X: Season 3", "2022-01-01"),
		entry(10, "Dune (1984)", "1984-12-14"),
		entry(11, "Dune (2021)", "2021-10-22"),
		entry(12, "Dune Part Two (2024)", "2024-03-01"),
	}

	all := d.FindSuccessors(consumed, candidates, nil)
	if len(all) == 0 {
		t.Fatal("expected matches without exclusions")
	}
	for _, m := range all {
		if m.Candidate.ID == 1 || m.Candidate.ID == 10 {
			t.Fatalf("consumed entry %d returned as candidate", m.Candidate.ID)
		}
	}

	// Every subset of candidate IDs excluded must disappear from the output.
	ids := []int64{2, 3, 11, 12}
	for mask := range 1 << len(ids) {
		excluded := catalog.NewIDSet()
		for i, id := range ids {
			if mask&(1<<i) != 0 {
				excluded.Add(id)
			}
		}
		for _, m := range d.FindSuccessors(consumed, candidates, excluded) {
			if excluded.Has(m.Candidate.ID) {
				t.Fatalf("mask %b: excluded candidate %d returned", mask, m.Candidate.ID)
			}
		}
	}
}

func TestResultsAreSortedAndDeterministic(t *testing.T) {
	d := newDetector(t)
	consumed := []catalog.Entry{
		entry(1, "Show X: Season 1", ""),
		entry(2, "Dune (1984)", "1984-12-14"),
		entry(3, "Stranger Things: Season 1", ""),
	}
	candidates := []catalog.Entry{
		entry(20, "Stranger Thingz: Season 2", ""),
		entry(21, "Dune (2021)", "2021-10-22"),
		entry(22, "Show X: Season 2", "2019-01-01"),
		entry(23, "Dune (2030)", "2030-01-01"),
	}

	first := d.FindSuccessors(consumed, candidates, nil)
	wantOrder := []int64{22, 23, 21, 20}
	if len(first) != len(wantOrder) {
		t.Fatalf("expected %d matches, got %d: %+v", len(wantOrder), len(first), first)
	}
	for i, id := range wantOrder {
		if first[i].Candidate.ID != id {
			t.Fatalf("position %d: got candidate %d, want %d", i, first[i].Candidate.ID, id)
		}
	}
	for i := 1; i < len(first); i++ {
		if first[i].Confidence > first[i-1].Confidence {
			t.Fatalf("matches not sorted by confidence: %+v", first)
		}
	}

	second := d.FindSuccessors(consumed, candidates, nil)
	for i := range first {
		if first[i].Candidate.ID != second[i].Candidate.ID || first[i].Type != second[i].Type {
			t.Fatalf("non-deterministic output at %d", i)
		}
	}
}

func TestBestSourceIsKeptPerCandidate(t *testing.T) {
	d := newDetector(t)
	consumed := []catalog.Entry{
		entry(1, "Dune (1984)", "1984-12-14"),
		entry(2, "Dune (2000)", "2000-12-03"),
	}
	candidates := []catalog.Entry{entry(3, "Dune (2021)", "2021-10-22")}

	matches := d.FindSuccessors(consumed, candidates, nil)
	if len(matches) != 1 {
		t.Fatalf("expected one match per candidate, got %d", len(matches))
	}
	if matches[0].Source.ID != 2 {
		t.Fatalf("expected the most recent source, got %d", matches[0].Source.ID)
	}
}

func TestCustomRuleLadder(t *testing.T) {
	always := func(_, _ catalog.Entry) (string, bool) { return "always", true }
	d, err := detection.NewDetectorWithRules([]detection.Rule{
		{Type: "custom_low", Confidence: 0.65, Predicate: always},
		{Type: "custom_high", Confidence: 0.80, Predicate: always},
	}, 0.60)
	if err != nil {
		t.Fatalf("NewDetectorWithRules: %v", err)
	}
	matches := d.FindSuccessors([]catalog.Entry{entry(1, "Alpha", "")}, []catalog.Entry{entry(2, "Beta", "")}, nil)
	if len(matches) != 1 || matches[0].Type != "custom_high" {
		t.Fatalf("expected highest confidence rule to win, got %+v", matches)
	}
}

func TestNewDetectorRejectsInvalidConfig(t *testing.T) {
	cases := map[string]func(*detection.Config){
		"confidence above one": func(c *detection.Config) { c.SeasonIncrementConfidence = 1.2 },
		"negative minimum":     func(c *detection.Config) { c.MinConfidence = -0.1 },
		"threshold above one":  func(c *detection.Config) { c.FuzzySimilarityThreshold = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			mutate(&cfg)
			if _, err := detection.NewDetector(cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := detection.NewDetectorWithRules(nil, 0.5); err == nil {
		t.Fatal("expected error for empty ladder")
	}
	if _, err := detection.NewDetectorWithRules([]detection.Rule{{Type: "x", Confidence: 0.5}}, 0.5); err == nil {
		t.Fatal("expected error for missing predicate")
	}
}

func TestSummarize(t *testing.T) {
	d := newDetector(t)
	summary := d.Summarize([]detection.Match{
		{Type: detection.SeasonIncrement, Confidence: 0.95},
		{Type: detection.ExactTitleNewer, Confidence: 0.90},
		{Type: detection.FuzzyMatch, Confidence: 0.70},
		{Type: detection.FuzzyMatch, Confidence: 0.70},
	})
	if summary.Total != 4 || summary.HighConfidence != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.ByType[detection.FuzzyMatch] != 2 {
		t.Fatalf("expected 2 fuzzy matches, got %d", summary.ByType[detection.FuzzyMatch])
	}
}

func TestConfigFromSettingsUsesDefaults(t *testing.T) {
	cfg := config.Default()
	got := detection.ConfigFromSettings(cfg.Detection)
	if got.SeasonIncrementConfidence != 0.95 || got.ExactTitleNewerConfidence != 0.90 ||
		got.FuzzyMatchConfidence != 0.70 || got.MinConfidence != 0.60 {
		t.Fatalf("unexpected ladder: %+v", got)
	}
	if _, err := detection.NewDetector(got); err != nil {
		t.Fatalf("NewDetector with defaults: %v", err)
	}
}
