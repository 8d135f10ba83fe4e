package detection

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"sequelwatch/internal/catalog"
)

// Config carries the confidence ladder values.
type Config struct {
	SeasonIncrementConfidence float64
	ExactTitleNewerConfidence float64
	FuzzyMatchConfidence      float64
	FuzzySimilarityThreshold  float64
	MinConfidence             float64
	HighConfidence            float64
}

// Match is a candidate successor relationship.
type Match struct {
	Source     catalog.Entry `json:"source"`
	Candidate  catalog.Entry `json:"candidate"`
	Confidence float64       `json:"confidence"`
	Type       MatchType     `json:"match_type"`
	Reason     string        `json:"reason"`
}

// Detector applies the rule ladder. It holds only immutable configuration.
type Detector struct {
	rules          []Rule
	minConfidence  float64
	highConfidence float64
}

// NewDetector builds a detector with the built-in ladder.
func NewDetector(cfg Config) (*Detector, error) {
	if err := validateUnit("fuzzy similarity threshold", cfg.FuzzySimilarityThreshold); err != nil {
		return nil, err
	}
	if err := validateUnit("high confidence", cfg.HighConfidence); err != nil {
		return nil, err
	}
	d, err := NewDetectorWithRules(Ladder(cfg), cfg.MinConfidence)
	if err != nil {
		return nil, err
	}
	d.highConfidence = cfg.HighConfidence
	return d, nil
}

// NewDetectorWithRules builds a detector from an explicit ladder.
func NewDetectorWithRules(rules []Rule, minConfidence float64) (*Detector, error) {
	if len(rules) == 0 {
		return nil, errors.New("detector requires at least one rule")
	}
	if err := validateUnit("min confidence", minConfidence); err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if rule.Predicate == nil {
			return nil, fmt.Errorf("rule %s has no predicate", rule.Type)
		}
		if err := validateUnit(string(rule.Type)+" confidence", rule.Confidence); err != nil {
			return nil, err
		}
	}
	return &Detector{
		rules:          slices.Clone(rules),
		minConfidence:  minConfidence,
		highConfidence: 1,
	}, nil
}

func validateUnit(name string, value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("%s must be between 0 and 1, got %v", name, value)
	}
	return nil
}

// FindSuccessors returns successor matches for the consumed entries among the
// candidates. Candidates that are consumed or listed in alreadyConsumed never
// appear. Each candidate appears at most once, carrying its best match.
// Results are sorted by confidence, then candidate release date (newest first,
// unknown last), then candidate ID.
func (d *Detector) FindSuccessors(consumed, candidates []catalog.Entry, alreadyConsumed catalog.IDSet) []Match {
	excluded := make(catalog.IDSet, len(alreadyConsumed)+len(consumed))
	for id := range alreadyConsumed {
		excluded.Add(id)
	}
	for _, entry := range consumed {
		excluded.Add(entry.ID)
	}

	best := make(map[int64]Match)
	for _, candidate := range candidates {
		if excluded.Has(candidate.ID) {
			continue
		}
		for _, source := range consumed {
			match, ok := d.score(source, candidate)
			if !ok {
				continue
			}
			if current, seen := best[candidate.ID]; !seen || preferMatch(match, current) {
				best[candidate.ID] = match
			}
		}
	}

	matches := make([]Match, 0, len(best))
	for _, match := range best {
		matches = append(matches, match)
	}
	slices.SortFunc(matches, compareMatches)
	return matches
}

// score evaluates every rule for the pair and keeps the most confident one.
func (d *Detector) score(source, candidate catalog.Entry) (Match, bool) {
	if source.ID == candidate.ID {
		return Match{}, false
	}
	var (
		found bool
		match Match
	)
	for _, rule := range d.rules {
		reason, ok := rule.Predicate(source, candidate)
		if !ok {
			continue
		}
		if found && rule.Confidence <= match.Confidence {
			continue
		}
		found = true
		match = Match{
			Source:     source,
			Candidate:  candidate,
			Confidence: rule.Confidence,
			Type:       rule.Type,
			Reason:     reason,
		}
	}
	if !found || match.Confidence < d.minConfidence {
		return Match{}, false
	}
	return match, true
}

// preferMatch picks between two matches for the same candidate: higher
// confidence, then the nearer predecessor (greater season, later release),
// then the lower source ID.
func preferMatch(a, b Match) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Source.Title.Season != b.Source.Title.Season {
		return a.Source.Title.Season > b.Source.Title.Season
	}
	if c := compareDates(a.Source, b.Source); c != 0 {
		return c > 0
	}
	return a.Source.ID < b.Source.ID
}

func compareMatches(a, b Match) int {
	if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
		return c
	}
	if c := compareDates(b.Candidate, a.Candidate); c != 0 {
		return c
	}
	return cmp.Compare(a.Candidate.ID, b.Candidate.ID)
}

// compareDates orders entries by release date with unknown dates lowest.
func compareDates(a, b catalog.Entry) int {
	switch {
	case a.ReleaseDate == nil && b.ReleaseDate == nil:
		return 0
	case a.ReleaseDate == nil:
		return -1
	case b.ReleaseDate == nil:
		return 1
	default:
		return a.ReleaseDate.Compare(*b.ReleaseDate)
	}
}

// Summary aggregates a run's matches.
type Summary struct {
	Total          int               `json:"total"`
	ByType         map[MatchType]int `json:"by_type"`
	HighConfidence int               `json:"high_confidence_count"`
}

// Summarize counts matches by type and how many reach the detector's high
// confidence threshold.
func (d *Detector) Summarize(matches []Match) Summary {
	summary := Summary{Total: len(matches), ByType: make(map[MatchType]int)}
	for _, match := range matches {
		summary.ByType[match.Type]++
		if match.Confidence >= d.highConfidence {
			summary.HighConfidence++
		}
	}
	return summary
}
