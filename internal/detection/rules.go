package detection

import (
	"fmt"

	"sequelwatch/internal/catalog"
	"sequelwatch/internal/textutil"
	"sequelwatch/internal/titles"
)

// MatchType names the rule that produced a Match.
type MatchType string

const (
	SeasonIncrement MatchType = "season_increment"
	ExactTitleNewer MatchType = "exact_title_newer"
	FuzzyMatch      MatchType = "fuzzy_match"
)

// Predicate reports whether candidate succeeds source, with a human-readable
// reason when it does.
type Predicate func(source, candidate catalog.Entry) (reason string, ok bool)

// Rule is one rung of the confidence ladder.
type Rule struct {
	Type       MatchType
	Confidence float64
	Predicate  Predicate
}

// Ladder builds the built-in rule list from cfg, ordered from most to least
// confident.
func Ladder(cfg Config) []Rule {
	return []Rule{
		{Type: SeasonIncrement, Confidence: cfg.SeasonIncrementConfidence, Predicate: seasonIncrement},
		{Type: ExactTitleNewer, Confidence: cfg.ExactTitleNewerConfidence, Predicate: exactTitleNewer},
		{Type: FuzzyMatch, Confidence: cfg.FuzzyMatchConfidence, Predicate: fuzzyTitle(cfg.FuzzySimilarityThreshold)},
	}
}

func seasonIncrement(source, candidate catalog.Entry) (string, bool) {
	src, cand := source.Title, candidate.Title
	if src.Kind != titles.KindSeries || cand.Kind != titles.KindSeries {
		return "", false
	}
	if src.Key != cand.Key || !src.HasSeason() {
		return "", false
	}
	if cand.Season != src.Season+1 {
		return "", false
	}
	return fmt.Sprintf("season %d follows watched season %d", cand.Season, src.Season), true
}

func exactTitleNewer(source, candidate catalog.Entry) (string, bool) {
	src, cand := source.Title, candidate.Title
	if src.Kind != cand.Kind || src.Key != cand.Key {
		return "", false
	}
	if !releasedAfter(source, candidate) {
		return "", false
	}
	if src.HasSeason() && cand.HasSeason() && cand.Season <= src.Season {
		return "", false
	}
	return fmt.Sprintf("same title released %s, after %s",
		candidate.ReleaseDate.Format("2006-01-02"), source.ReleaseDate.Format("2006-01-02")), true
}

func fuzzyTitle(threshold float64) Predicate {
	return func(source, candidate catalog.Entry) (string, bool) {
		src, cand := source.Title, candidate.Title
		if src.Kind != cand.Kind || src.Key == cand.Key {
			return "", false
		}
		similarity := textutil.EditSimilarity(src.Key, cand.Key)
		if similarity < threshold {
			return "", false
		}
		// Seasons or dates pointing backwards rule the candidate out.
		if src.HasSeason() && cand.HasSeason() && cand.Season <= src.Season {
			return "", false
		}
		if releasedBefore(source, candidate) {
			return "", false
		}
		return fmt.Sprintf("title similarity %.2f", similarity), true
	}
}

func releasedAfter(source, candidate catalog.Entry) bool {
	if source.ReleaseDate == nil || candidate.ReleaseDate == nil {
		return false
	}
	return candidate.ReleaseDate.After(*source.ReleaseDate)
}

func releasedBefore(source, candidate catalog.Entry) bool {
	if source.ReleaseDate == nil || candidate.ReleaseDate == nil {
		return false
	}
	return candidate.ReleaseDate.Before(*source.ReleaseDate)
}
