package titles

import (
	"fmt"
	"strings"
)

// Kind distinguishes movies from episodic series.
type Kind string

const (
	KindMovie  Kind = "movie"
	KindSeries Kind = "series"
)

// ParseKind maps a stored value back to a Kind, defaulting to movie.
func ParseKind(value string) Kind {
	if strings.EqualFold(strings.TrimSpace(value), string(KindSeries)) {
		return KindSeries
	}
	return KindMovie
}

// CanonicalTitle is the normalized identity of a title. Season and Episode are
// zero when unset and are only set for series.
type CanonicalTitle struct {
	BaseTitle string `json:"base_title"`
	Key       string `json:"key"`
	Season    int    `json:"season_number,omitempty"`
	Episode   int    `json:"episode_number,omitempty"`
	Kind      Kind   `json:"media_kind"`
	Year      int    `json:"year,omitempty"`
}

// HasSeason reports whether a season number was recognized.
func (c CanonicalTitle) HasSeason() bool {
	return c.Kind == KindSeries && c.Season > 0
}

// Valid reports whether the title satisfies the canonical invariants.
func (c CanonicalTitle) Valid() bool {
	if strings.TrimSpace(c.BaseTitle) == "" || c.Key == "" {
		return false
	}
	if c.Kind != KindSeries && (c.Season != 0 || c.Episode != 0) {
		return false
	}
	return c.Season >= 0 && c.Episode >= 0
}

// Display renders the title for user-facing text.
func (c CanonicalTitle) Display() string {
	switch {
	case c.HasSeason():
		return fmt.Sprintf("%s Season %d", c.BaseTitle, c.Season)
	case c.Kind == KindMovie && c.Year > 0:
		return fmt.Sprintf("%s (%d)", c.BaseTitle, c.Year)
	default:
		return c.BaseTitle
	}
}
