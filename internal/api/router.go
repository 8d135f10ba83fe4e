package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sequelwatch/internal/actiontoken"
	"sequelwatch/internal/logging"
	"sequelwatch/internal/metrics"
	"sequelwatch/internal/notifications"
	"sequelwatch/internal/services"
)

// Unsubscriber performs the unsubscribe action for a token.
type Unsubscriber interface {
	Unsubscribe(ctx context.Context, store notifications.Store, token string) (*notifications.Notification, error)
}

// Options wires the router's collaborators. Health and Status are optional.
type Options struct {
	Dispatcher Unsubscriber
	Store      notifications.Store
	Metrics    *metrics.Metrics
	Health     func(ctx context.Context) error
	Status     func(ctx context.Context) any
	Token      string
	Logger     *slog.Logger
}

type handler struct {
	opts   Options
	logger *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &handler{opts: opts, logger: logging.NewComponentLogger(logger, "api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.withRequestContext)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/notifications/unsubscribe", h.handleUnsubscribe)
		api.Post("/notifications/unsubscribe", h.handleUnsubscribe)
		api.With(requireBearer(opts.Token)).Get("/status", h.handleStatus)
	})
	return r
}

func (h *handler) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := services.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.opts.Health != nil {
		if err := h.opts.Health(r.Context()); err != nil {
			logging.WarnWithContext(logging.WithContext(r.Context(), h.logger), "health check failed", "health_check_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the database file and disk space"),
			)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" && r.Method == http.MethodPost {
		token = strings.TrimSpace(r.PostFormValue("token"))
	}
	if token == "" || h.opts.Dispatcher == nil || h.opts.Store == nil {
		writeError(w, http.StatusBadRequest, "invalid token")
		return
	}

	logger := logging.WithContext(r.Context(), h.logger)
	n, err := h.opts.Dispatcher.Unsubscribe(r.Context(), h.opts.Store, token)
	switch {
	case errors.Is(err, actiontoken.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, "invalid token")
		return
	case err != nil:
		logging.ErrorWithContext(logger, "unsubscribe failed", "unsubscribe_failed", logging.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	logger.Info("unsubscribe processed",
		logging.String(logging.FieldUserID, n.UserID),
		logging.String(logging.FieldNotificationID, n.ID),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.opts.Status == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, h.opts.Status(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
