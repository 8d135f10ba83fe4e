package catalog

import (
	"errors"
	"strings"
	"time"

	"sequelwatch/internal/titles"
)

// ErrInvalidRecord marks import rows that cannot be stored.
var ErrInvalidRecord = errors.New("invalid record")

// ConsumptionRecord is one user's consumption of one title instance.
type ConsumptionRecord struct {
	UserID     string    `json:"user_id"`
	RawTitle   string    `json:"title"`
	ConsumedAt time.Time `json:"consumed_at"`
	Platform   string    `json:"platform,omitempty"`
}

// Validate checks the fields every consumption record must carry.
func (r ConsumptionRecord) Validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return errors.Join(ErrInvalidRecord, errors.New("user_id is required"))
	case strings.TrimSpace(r.RawTitle) == "":
		return errors.Join(ErrInvalidRecord, errors.New("title is required"))
	case r.ConsumedAt.IsZero():
		return errors.Join(ErrInvalidRecord, errors.New("consumed_at is required"))
	}
	return nil
}

// Entry is a known media item available for matching. Title is derived from
// RawTitle by the normalizer; the remaining fields are filled by imports or by
// metadata enrichment.
type Entry struct {
	ID          int64                 `json:"id"`
	RawTitle    string                `json:"raw_title"`
	Title       titles.CanonicalTitle `json:"title"`
	ExternalID  string                `json:"external_id,omitempty"`
	ReleaseDate *time.Time            `json:"release_date,omitempty"`
	Overview    string                `json:"overview,omitempty"`
	ImageURL    string                `json:"image_url,omitempty"`
	Rating      float64               `json:"rating,omitempty"`
	EnrichedAt  *time.Time            `json:"enriched_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Display renders the entry for user-facing text.
func (e Entry) Display() string {
	return e.Title.Display()
}

// Enriched reports whether provider metadata has been written back.
func (e Entry) Enriched() bool {
	return e.EnrichedAt != nil
}

// ReleasedBy reports whether the entry is known to be released at now.
// Entries without a release date are treated as released.
func (e Entry) ReleasedBy(now time.Time) bool {
	return e.ReleaseDate == nil || !e.ReleaseDate.After(now)
}

// Enrichment carries provider metadata written back onto a catalog entry.
type Enrichment struct {
	ExternalID  string
	ReleaseDate *time.Time
	Overview    string
	ImageURL    string
	Rating      float64
}

// CatalogRow is an imported catalog observation before normalization. Season
// and Kind, when present, override what the normalizer reads from RawTitle.
type CatalogRow struct {
	RawTitle    string     `json:"title"`
	Season      int        `json:"season_number,omitempty"`
	Kind        string     `json:"media_kind,omitempty"`
	ExternalID  string     `json:"external_id,omitempty"`
	ReleaseDate *time.Time `json:"release_date,omitempty"`
}

// Validate checks the fields every catalog row must carry.
func (r CatalogRow) Validate() error {
	if strings.TrimSpace(r.RawTitle) == "" {
		return errors.Join(ErrInvalidRecord, errors.New("title is required"))
	}
	if r.Season < 0 {
		return errors.Join(ErrInvalidRecord, errors.New("season_number must not be negative"))
	}
	return nil
}

// IDSet is a set of catalog entry IDs.
type IDSet map[int64]struct{}

// NewIDSet builds a set from the supplied IDs.
func NewIDSet(ids ...int64) IDSet {
	set := make(IDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Add inserts id into the set.
func (s IDSet) Add(id int64) {
	s[id] = struct{}{}
}

// Has reports whether id is in the set. A nil set contains nothing.
func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}
