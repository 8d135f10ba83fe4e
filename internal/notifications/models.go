package notifications

import (
	"context"
	"errors"
	"time"

	"sequelwatch/internal/detection"
)

var (
	// ErrDuplicate is returned by repositories when the dedup key already exists.
	ErrDuplicate = errors.New("duplicate notification")
	// ErrNotFound is returned when a notification does not exist for the caller.
	ErrNotFound = errors.New("notification not found")
)

// Kind is the user-facing notification category.
type Kind string

const (
	KindSeasonReleased Kind = "season_released"
	KindSequelFound    Kind = "sequel_found"
)

// KindFor maps a match type onto a notification kind.
func KindFor(t detection.MatchType) Kind {
	if t == detection.SeasonIncrement {
		return KindSeasonReleased
	}
	return KindSequelFound
}

// Metadata is the structured context stored alongside a notification.
type Metadata struct {
	Confidence     float64 `json:"confidence"`
	MatchType      string  `json:"match_type"`
	Reason         string  `json:"reason"`
	SourceTitle    string  `json:"source_title"`
	CandidateTitle string  `json:"candidate_title"`
	ReleaseDate    string  `json:"release_date,omitempty"`
	ImageURL       string  `json:"image_url,omitempty"`
	Overview       string  `json:"overview,omitempty"`
}

// Notification is a user-facing alert derived from a match.
type Notification struct {
	ID               string              `json:"id"`
	UserID           string              `json:"user_id"`
	Kind             Kind                `json:"kind"`
	MatchType        detection.MatchType `json:"match_type"`
	SourceEntryID    int64               `json:"source_entry_id"`
	CandidateEntryID int64               `json:"candidate_entry_id"`
	Title            string              `json:"title"`
	Message          string              `json:"message"`
	Metadata         Metadata            `json:"metadata"`
	Read             bool                `json:"read"`
	ReadAt           *time.Time          `json:"read_at,omitempty"`
	Emailed          bool                `json:"emailed"`
	EmailedAt        *time.Time          `json:"emailed_at,omitempty"`
	Token            string              `json:"-"`
	TokenExpiresAt   time.Time           `json:"token_expires_at"`
	CreatedAt        time.Time           `json:"created_at"`
}

// Key returns the dedup key of n.
func (n Notification) Key() DedupKey {
	return DedupKey{
		UserID:           n.UserID,
		SourceEntryID:    n.SourceEntryID,
		CandidateEntryID: n.CandidateEntryID,
		MatchType:        n.MatchType,
	}
}

// DedupKey identifies a notification for deduplication.
type DedupKey struct {
	UserID           string
	SourceEntryID    int64
	CandidateEntryID int64
	MatchType        detection.MatchType
}

// Preferences are a user's notification settings.
type Preferences struct {
	UserID              string    `json:"user_id"`
	EmailEnabled        bool      `json:"email_enabled"`
	InAppEnabled        bool      `json:"in_app_enabled"`
	SequelNotifications bool      `json:"sequel_notifications"`
	SeasonNotifications bool      `json:"season_notifications"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DefaultPreferences enables everything.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:              userID,
		EmailEnabled:        true,
		InAppEnabled:        true,
		SequelNotifications: true,
		SeasonNotifications: true,
	}
}

// Allows reports whether a notification of kind should be created.
func (p Preferences) Allows(kind Kind) bool {
	if !p.InAppEnabled {
		return false
	}
	switch kind {
	case KindSeasonReleased:
		return p.SeasonNotifications
	case KindSequelFound:
		return p.SequelNotifications
	default:
		return true
	}
}

// ListOptions filters notification listings.
type ListOptions struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Repository is the persistence the Dispatcher needs while dispatching.
type Repository interface {
	NotificationExists(ctx context.Context, key DedupKey) (bool, error)
	InsertNotification(ctx context.Context, n *Notification) error
	GetPreferences(ctx context.Context, userID string) (Preferences, error)
}

// Store adds the token lifecycle operations used outside a detection run.
type Store interface {
	Repository
	GetNotification(ctx context.Context, id string) (*Notification, error)
	UpdateNotificationToken(ctx context.Context, id, token string, expiresAt time.Time) error
	SavePreferences(ctx context.Context, prefs Preferences) error
}
