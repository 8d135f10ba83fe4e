package notifications

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"sequelwatch/internal/actiontoken"
	"sequelwatch/internal/detection"
	"sequelwatch/internal/logging"
	"sequelwatch/internal/metrics"
	"sequelwatch/internal/services"
)

// UnsubscribePath is the action endpoint embedded in delivery payloads.
const UnsubscribePath = "/api/notifications/unsubscribe"

// Dispatch results recorded in metrics and logs.
const (
	ResultCreated    = "created"
	ResultDuplicate  = "duplicate"
	ResultSuppressed = "suppressed"
)

// Payload is what a delivery sink receives for one notification.
type Payload struct {
	NotificationID string   `json:"notification_id"`
	UserID         string   `json:"user_id"`
	Title          string   `json:"title"`
	Message        string   `json:"message"`
	Tags           []string `json:"tags"`
	Priority       string   `json:"priority,omitempty"`
	ActionURL      string   `json:"action_url"`
	ImageURL       string   `json:"image_url,omitempty"`
}

const defaultHighConfidence = 0.90

// Dispatcher creates deduplicated notifications with signed action tokens.
type Dispatcher struct {
	signer         *actiontoken.Signer
	baseURL        string
	highConfidence float64
	logger         *slog.Logger
	metrics        *metrics.Metrics
	newID          func() string
	now            func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records dispatch results on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithHighConfidence sets the confidence at which payloads are sent with
// high priority.
func WithHighConfidence(threshold float64) Option {
	return func(d *Dispatcher) {
		if threshold > 0 && threshold <= 1 {
			d.highConfidence = threshold
		}
	}
}

// WithIDGenerator overrides notification ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.newID = fn
		}
	}
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher builds a dispatcher. actionBaseURL prefixes action links.
func NewDispatcher(signer *actiontoken.Signer, actionBaseURL string, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if signer == nil {
		return nil, services.Wrap(services.ErrConfiguration, "notifications", "init", "token signer is required", nil)
	}
	base := strings.TrimRight(strings.TrimSpace(actionBaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "notifications", "init", "invalid action base url", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Dispatcher{
		signer:         signer,
		baseURL:        base,
		highConfidence: defaultHighConfidence,
		logger:         logging.NewComponentLogger(logger, "notifications"),
		newID:          uuid.NewString,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch creates the notification for m unless one already exists for the
// same (user, source, candidate, match type) or the user's preferences
// suppress its kind. Both cases return (nil, nil).
func (d *Dispatcher) Dispatch(ctx context.Context, repo Repository, userID string, m detection.Match) (*Notification, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, services.Wrap(services.ErrValidation, "notifications", "dispatch", "user id is required", nil)
	}
	key := DedupKey{
		UserID:           userID,
		SourceEntryID:    m.Source.ID,
		CandidateEntryID: m.Candidate.ID,
		MatchType:        m.Type,
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldUserID, userID),
		logging.Int64("source_entry_id", key.SourceEntryID),
		logging.Int64("candidate_entry_id", key.CandidateEntryID),
		logging.String("match_type", string(m.Type)),
	}

	kind := KindFor(m.Type)
	prefs, err := repo.GetPreferences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	if !prefs.Allows(kind) {
		d.metrics.Notification(ResultSuppressed)
		d.logger.Debug("notification suppressed by preferences",
			logging.Args(append(attrs, logging.DecisionAttrs("notification_preferences", ResultSuppressed, string(kind))...)...)...)
		return nil, nil
	}

	exists, err := repo.NotificationExists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		d.duplicate(attrs)
		return nil, nil
	}

	n := d.render(userID, kind, m)
	tok, err := d.signer.Issue(userID, n.ID)
	if err != nil {
		return nil, fmt.Errorf("issue action token: %w", err)
	}
	n.Token = tok.Encode()
	n.TokenExpiresAt = tok.ExpiresAt

	if err := repo.InsertNotification(ctx, n); err != nil {
		if errors.Is(err, ErrDuplicate) {
			d.duplicate(attrs)
			return nil, nil
		}
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	d.metrics.Notification(ResultCreated)
	d.logger.Info("notification created",
		logging.Args(append(attrs,
			logging.String(logging.FieldNotificationID, n.ID),
			logging.String("kind", string(kind)),
			logging.Float64("confidence", m.Confidence),
		)...)...)
	return n, nil
}

func (d *Dispatcher) duplicate(attrs []logging.Attr) {
	d.metrics.Notification(ResultDuplicate)
	d.logger.Info("notification already exists", logging.Args(attrs...)...)
}

func (d *Dispatcher) render(userID string, kind Kind, m detection.Match) *Notification {
	source := m.Source.Display()
	candidate := m.Candidate.Display()

	var title, message string
	switch m.Type {
	case detection.SeasonIncrement:
		title = fmt.Sprintf("New season available: %s", candidate)
		message = fmt.Sprintf("%s is out. You watched %s.", candidate, source)
	case detection.ExactTitleNewer:
		title = fmt.Sprintf("New release: %s", candidate)
		message = fmt.Sprintf("A newer release of %s is available: %s.", m.Source.Title.BaseTitle, candidate)
	default:
		title = fmt.Sprintf("You might like: %s", candidate)
		message = fmt.Sprintf("%s looks like a follow-up to %s.", candidate, source)
	}

	meta := Metadata{
		Confidence:     m.Confidence,
		MatchType:      string(m.Type),
		Reason:         m.Reason,
		SourceTitle:    source,
		CandidateTitle: candidate,
		ImageURL:       m.Candidate.ImageURL,
		Overview:       m.Candidate.Overview,
	}
	if m.Candidate.ReleaseDate != nil {
		meta.ReleaseDate = m.Candidate.ReleaseDate.Format("2006-01-02")
		message = fmt.Sprintf("%s Released %s.", message, meta.ReleaseDate)
	}

	return &Notification{
		ID:               d.newID(),
		UserID:           userID,
		Kind:             kind,
		MatchType:        m.Type,
		SourceEntryID:    m.Source.ID,
		CandidateEntryID: m.Candidate.ID,
		Title:            title,
		Message:          message,
		Metadata:         meta,
		CreatedAt:        d.now().UTC(),
	}
}

// ActionURL returns the unsubscribe link carrying token.
func (d *Dispatcher) ActionURL(token string) string {
	return d.baseURL + UnsubscribePath + "?token=" + url.QueryEscape(token)
}

// Payload builds the delivery payload for n.
func (d *Dispatcher) Payload(n *Notification) Payload {
	p := Payload{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Title:          n.Title,
		Message:        n.Message,
		Tags:           []string{"sequelwatch", string(n.Kind)},
		ActionURL:      d.ActionURL(n.Token),
		ImageURL:       n.Metadata.ImageURL,
	}
	if n.Metadata.Confidence >= d.highConfidence {
		p.Priority = "high"
	}
	return p
}

// Validate reports whether token is a valid, unexpired action token for userID.
func (d *Dispatcher) Validate(token, userID string) bool {
	ok := d.signer.Validate(token, userID)
	d.metrics.TokenCheck(ok)
	return ok
}

// Unsubscribe disables email delivery for the user the token was issued to.
// Any token that does not verify, including one replaced by ReissueToken,
// yields actiontoken.ErrInvalidToken.
func (d *Dispatcher) Unsubscribe(ctx context.Context, store Store, token string) (*Notification, error) {
	tok, err := actiontoken.Decode(token)
	if err != nil {
		d.metrics.TokenCheck(false)
		return nil, actiontoken.ErrInvalidToken
	}
	n, err := store.GetNotification(ctx, tok.NotificationID)
	if errors.Is(err, ErrNotFound) {
		d.metrics.TokenCheck(false)
		return nil, actiontoken.ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("load notification: %w", err)
	}
	current := subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(n.Token)) == 1
	if !current || !d.Validate(token, n.UserID) {
		if !current {
			d.metrics.TokenCheck(false)
		}
		logging.WarnWithContext(d.logger, "action token rejected", "token_rejected",
			logging.String(logging.FieldNotificationID, n.ID),
			logging.String(logging.FieldErrorHint, "token expired or replaced"),
		)
		return nil, actiontoken.ErrInvalidToken
	}

	prefs, err := store.GetPreferences(ctx, n.UserID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	prefs.EmailEnabled = false
	if err := store.SavePreferences(ctx, prefs); err != nil {
		return nil, fmt.Errorf("save preferences: %w", err)
	}
	d.logger.Info("email notifications disabled",
		logging.String(logging.FieldUserID, n.UserID),
		logging.String(logging.FieldNotificationID, n.ID),
	)
	return n, nil
}

// ReissueToken rotates the action token of notification id. The previous
// token stops working because Unsubscribe compares against the stored one.
func (d *Dispatcher) ReissueToken(ctx context.Context, store Store, id string) (string, error) {
	n, err := store.GetNotification(ctx, id)
	if err != nil {
		return "", err
	}
	tok, err := d.signer.Issue(n.UserID, n.ID)
	if err != nil {
		return "", fmt.Errorf("issue action token: %w", err)
	}
	encoded := tok.Encode()
	if err := store.UpdateNotificationToken(ctx, n.ID, encoded, tok.ExpiresAt); err != nil {
		return "", err
	}
	d.logger.Info("action token reissued",
		logging.String(logging.FieldNotificationID, n.ID),
		logging.Time("expires_at", tok.ExpiresAt),
	)
	return encoded, nil
}
