package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"sequelwatch/internal/logging"
	"sequelwatch/internal/metrics"
	"sequelwatch/internal/notifications"
)

// Delivery results recorded in metrics.
const (
	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Recorder is the persistence Deliver needs.
type Recorder interface {
	GetPreferences(ctx context.Context, userID string) (notifications.Preferences, error)
	MarkEmailed(ctx context.Context, id string, delivered bool) error
}

// PendingStore lists undelivered notifications for Redeliver.
type PendingStore interface {
	Recorder
	PendingDeliveries(ctx context.Context, limit int) ([]notifications.Notification, error)
}

// Service delivers notifications through a Sink.
type Service struct {
	sink       Sink
	dispatcher *notifications.Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewService wires a sink to the dispatcher that renders payloads.
func NewService(sink Sink, dispatcher *notifications.Dispatcher, logger *slog.Logger, m *metrics.Metrics) *Service {
	if sink == nil {
		sink = Discard{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		sink:       sink,
		dispatcher: dispatcher,
		logger:     logging.NewComponentLogger(logger, "delivery"),
		metrics:    m,
	}
}

// Deliver sends n unless the user disabled email. It reports whether the
// payload was sent; transport failures are logged, not returned.
func (s *Service) Deliver(ctx context.Context, rec Recorder, n *notifications.Notification) (bool, error) {
	prefs, err := rec.GetPreferences(ctx, n.UserID)
	if err != nil {
		return false, fmt.Errorf("load preferences: %w", err)
	}
	if !prefs.EmailEnabled {
		s.metrics.Delivery(ResultSkipped)
		s.logger.Debug("delivery skipped",
			logging.Args(append([]logging.Attr{
				logging.String(logging.FieldNotificationID, n.ID),
			}, logging.DecisionAttrs("email_delivery", ResultSkipped, "email disabled")...)...)...)
		return false, nil
	}

	if err := s.sink.Send(ctx, s.dispatcher.Payload(n)); err != nil {
		s.metrics.Delivery(ResultFailed)
		logging.WarnWithContext(s.logger, "notification delivery failed", "delivery_failed",
			logging.String(logging.FieldNotificationID, n.ID),
			logging.String(logging.FieldUserID, n.UserID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "notification stays pending until the next sweep"),
		)
		return false, nil
	}
	if err := rec.MarkEmailed(ctx, n.ID, true); err != nil {
		return true, fmt.Errorf("mark emailed: %w", err)
	}
	s.metrics.Delivery(ResultSent)
	return true, nil
}

// Redeliver retries up to limit pending notifications and returns how many
// were sent.
func (s *Service) Redeliver(ctx context.Context, store PendingStore, limit int) (int, error) {
	pending, err := store.PendingDeliveries(ctx, limit)
	if err != nil {
		return 0, err
	}
	sent := 0
	for i := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		ok, err := s.Deliver(ctx, store, &pending[i])
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	if sent > 0 {
		s.logger.Info("pending notifications delivered", logging.Int("sent", sent), logging.Int("pending", len(pending)))
	}
	return sent, nil
}
