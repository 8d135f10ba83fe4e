package titles

import (
	"regexp"
	"strconv"
	"strings"

	"sequelwatch/internal/textutil"
)

const (
	minYear = 1870
	maxYear = 2999
)

// rule is one recognized title layout. Patterns use the named groups base,
// season, and episode.
type rule struct {
	name    string
	pattern *regexp.Regexp
}

const sep = `\s*[:\-–—]\s*`
const sepOrSpace = `(?:\s*[:\-–—]\s*|\s+)`

// defaultRules is ordered from most to least specific.
var defaultRules = []rule{
	{"season_episode", regexp.MustCompile(`(?i)^(?P<base>.+?)` + sep + `season\s+(?P<season>\d{1,3})` + sep + `(?:episode|ep\.?)\s*(?P<episode>\d{1,4})\b.*$`)},
	{"sxxeyy", regexp.MustCompile(`(?i)^(?P<base>.+?)[\s._:\-–—]+s(?P<season>\d{1,3})\s*[._]?\s*e(?P<episode>\d{1,4})\b.*$`)},
	{"season_episode_name", regexp.MustCompile(`(?i)^(?P<base>.+?)` + sep + `season\s+(?P<season>\d{1,3})` + sep + `\S.*$`)},
	{"season_parenthesized", regexp.MustCompile(`(?i)^(?P<base>.+?)\s*\(\s*season\s+(?P<season>\d{1,3})\s*\)\s*$`)},
	{"season_suffix", regexp.MustCompile(`(?i)^(?P<base>.+?)` + sepOrSpace + `season\s+(?P<season>\d{1,3})\s*$`)},
	{"staffel", regexp.MustCompile(`(?i)^(?P<base>.+?)` + sepOrSpace + `staffel\s+(?P<season>\d{1,3})\b.*$`)},
	{"short_season", regexp.MustCompile(`(?i)^(?P<base>.+?)` + sepOrSpace + `s(?P<season>\d{1,2})\s*$`)},
	{"episode_only", regexp.MustCompile(`(?i)^(?P<base>.+?)` + sep + `(?:episode|ep\.?)\s*(?P<episode>\d{1,4})\b.*$`)},
}

var (
	trailingYearPattern = regexp.MustCompile(`\s*\((\d{4})\)\s*$`)
	trailingSepPattern  = regexp.MustCompile(`[\s:\-–—,.]+$`)
	leadingArticles     = map[string]struct{}{"the": {}, "a": {}, "an": {}}
)

// Normalizer parses raw titles into CanonicalTitle values. It holds no mutable
// state and is safe for concurrent use.
type Normalizer struct {
	rules []rule
}

// NewNormalizer returns a normalizer with the built-in rule list.
func NewNormalizer() *Normalizer {
	return &Normalizer{rules: defaultRules}
}

// Normalize parses raw into a CanonicalTitle. Unrecognized input yields a movie
// whose base title is the cleaned input. Blank input yields a movie with an
// empty base title; Valid reports false for it and the store and enrichment
// client refuse it.
func (n *Normalizer) Normalize(raw string) CanonicalTitle {
	trimmed := strings.TrimSpace(raw)
	for _, r := range n.rules {
		if title, ok := r.apply(trimmed); ok {
			return title
		}
	}

	base, year := cleanBase(trimmed)
	if base == "" {
		base = strings.Join(strings.Fields(trimmed), " ")
	}
	return CanonicalTitle{
		BaseTitle: base,
		Key:       comparisonKey(base),
		Kind:      KindMovie,
		Year:      year,
	}
}

// Rule reports the name of the rule that recognizes raw, or "" for the
// movie fallback.
func (n *Normalizer) Rule(raw string) string {
	trimmed := strings.TrimSpace(raw)
	for _, r := range n.rules {
		if _, ok := r.apply(trimmed); ok {
			return r.name
		}
	}
	return ""
}

func (r rule) apply(raw string) (CanonicalTitle, bool) {
	match := r.pattern.FindStringSubmatch(raw)
	if match == nil {
		return CanonicalTitle{}, false
	}
	base, year := cleanBase(group(r.pattern, match, "base"))
	if base == "" {
		return CanonicalTitle{}, false
	}
	season := atoi(group(r.pattern, match, "season"))
	episode := atoi(group(r.pattern, match, "episode"))
	if r.pattern.SubexpIndex("season") >= 0 && season < 1 {
		return CanonicalTitle{}, false
	}
	return CanonicalTitle{
		BaseTitle: base,
		Key:       comparisonKey(base),
		Season:    season,
		Episode:   episode,
		Kind:      KindSeries,
		Year:      year,
	}, true
}

func group(pattern *regexp.Regexp, match []string, name string) string {
	idx := pattern.SubexpIndex(name)
	if idx < 0 || idx >= len(match) {
		return ""
	}
	return match[idx]
}

func atoi(value string) int {
	if value == "" {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

// cleanBase trims, strips a trailing "(YYYY)", collapses whitespace, and drops
// one leading article. Dotted release names ("Show.X") are spaced out first.
func cleanBase(value string) (string, int) {
	value = strings.TrimSpace(value)
	if !strings.ContainsAny(value, " \t") && strings.ContainsAny(value, "._") {
		value = strings.NewReplacer(".", " ", "_", " ").Replace(value)
	}

	year := 0
	if m := trailingYearPattern.FindStringSubmatch(value); m != nil {
		if y := atoi(m[1]); y >= minYear && y <= maxYear {
			year = y
			value = value[:len(value)-len(m[0])]
		}
	}
	value = trailingSepPattern.ReplaceAllString(value, "")

	words := strings.Fields(value)
	if len(words) > 1 {
		if _, ok := leadingArticles[strings.ToLower(words[0])]; ok {
			words = words[1:]
		}
	}
	return strings.Join(words, " "), year
}

func comparisonKey(base string) string {
	if key := textutil.Fold(base); key != "" {
		return key
	}
	return strings.ToLower(base)
}
