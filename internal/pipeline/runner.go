package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"sequelwatch/internal/catalog"
	"sequelwatch/internal/delivery"
	"sequelwatch/internal/detection"
	"sequelwatch/internal/enrichment"
	"sequelwatch/internal/logging"
	"sequelwatch/internal/metrics"
	"sequelwatch/internal/notifications"
	"sequelwatch/internal/services"
	"sequelwatch/internal/store"
	"sequelwatch/internal/titles"
)

// Audit outcomes recorded per match.
const (
	AuditNotified   = "notified"
	AuditSkipped    = "skipped"
	AuditUnreleased = "unreleased"
)

// Enricher supplies provider metadata for a title.
type Enricher interface {
	Enrich(ctx context.Context, title titles.CanonicalTitle, year int) (*enrichment.Metadata, error)
}

// Options tunes a Runner.
type Options struct {
	Workers        int
	SkipUnreleased bool
	DryRun         bool
}

// UserResult is the outcome of one user's run.
type UserResult struct {
	UserID        string                        `json:"user_id"`
	Outcome       services.Outcome              `json:"outcome"`
	Matches       int                           `json:"matches"`
	Notified      int                           `json:"notified"`
	Skipped       int                           `json:"skipped"`
	Unreleased    int                           `json:"unreleased"`
	Delivered     int                           `json:"delivered"`
	Summary       detection.Summary             `json:"summary"`
	Notifications []*notifications.Notification `json:"-"`
	Error         string                        `json:"error,omitempty"`
}

// BatchResult summarizes a run over many users.
type BatchResult struct {
	RunID     string        `json:"run_id"`
	Users     int           `json:"users"`
	Succeeded int           `json:"succeeded"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Notified  int           `json:"notified"`
	Duration  time.Duration `json:"duration"`
	Results   []UserResult  `json:"results"`
}

// Runner executes detection runs.
type Runner struct {
	store      *store.Store
	detector   *detection.Detector
	enricher   Enricher
	dispatcher *notifications.Dispatcher
	delivery   *delivery.Service
	opts       Options
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithEnricher enables metadata enrichment of candidates.
func WithEnricher(e Enricher) RunnerOption {
	return func(r *Runner) {
		r.enricher = e
	}
}

// WithDelivery pushes new notifications after each user's commit.
func WithDelivery(svc *delivery.Service) RunnerOption {
	return func(r *Runner) {
		r.delivery = svc
	}
}

// WithMetrics records run metrics on m.
func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithClock overrides the time source used for release checks.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner wires a Runner.
func NewRunner(st *store.Store, detector *detection.Detector, dispatcher *notifications.Dispatcher, opts Options, logger *slog.Logger, ropts ...RunnerOption) (*Runner, error) {
	switch {
	case st == nil:
		return nil, errors.New("pipeline: store required")
	case detector == nil:
		return nil, errors.New("pipeline: detector required")
	case dispatcher == nil:
		return nil, errors.New("pipeline: dispatcher required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Runner{
		store:      st,
		detector:   detector,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logging.NewComponentLogger(logger, "pipeline"),
		now:        time.Now,
	}
	for _, opt := range ropts {
		opt(r)
	}
	return r, nil
}

// NewRunID returns a sortable run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// RunAll runs every user with consumption records.
func (r *Runner) RunAll(ctx context.Context) (BatchResult, error) {
	users, err := r.store.ListUsers(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list users: %w", err)
	}
	return r.RunUsers(ctx, users)
}

// RunUsers runs the given users with at most Options.Workers in parallel.
// Cancellation stops scheduling new users; users already running finish.
func (r *Runner) RunUsers(ctx context.Context, users []string) (BatchResult, error) {
	start := time.Now()
	batch := BatchResult{RunID: NewRunID(), Users: len(users)}
	ctx = services.WithRunID(ctx, batch.RunID)
	logger := logging.WithContext(ctx, r.logger)
	logger.Info("detection batch started",
		logging.Int("users", len(users)),
		logging.Int("workers", r.opts.Workers),
		logging.Bool("dry_run", r.opts.DryRun),
	)

	var (
		mu      sync.Mutex
		results = make([]UserResult, 0, len(users))
		g       errgroup.Group
	)
	g.SetLimit(r.opts.Workers)

	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := r.RunUser(ctx, batch.RunID, userID)
			res.Outcome = services.Classify(err)
			if err != nil {
				res.Error = err.Error()
				logging.ErrorWithContext(logging.WithContext(services.WithUserID(ctx, userID), r.logger),
					"user run failed", "user_run_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "inspect the error and re-run detect for this user"),
				)
			}
			r.metrics.UserRun(string(res.Outcome))
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		switch res.Outcome {
		case services.OutcomeOK:
			batch.Succeeded++
		case services.OutcomeSkipped:
			batch.Skipped++
		default:
			batch.Failed++
		}
		batch.Notified += res.Notified
	}
	batch.Results = results
	batch.Duration = time.Since(start)
	r.metrics.ObserveBatch(batch.Duration)

	logger.Info("detection batch finished",
		logging.Int("succeeded", batch.Succeeded),
		logging.Int("skipped", batch.Skipped),
		logging.Int("failed", batch.Failed),
		logging.Int("notified", batch.Notified),
		logging.Duration("duration", batch.Duration),
	)
	if err := ctx.Err(); err != nil {
		return batch, err
	}
	return batch, nil
}

type candidateUpdate struct {
	entryID    int64
	enrichment catalog.Enrichment
}

// RunUser runs detection for one user. Infrastructure failures return an
// error and leave the user's notifications untouched.
func (r *Runner) RunUser(ctx context.Context, runID, userID string) (UserResult, error) {
	res := UserResult{UserID: userID}
	if userID == "" {
		return res, services.Wrap(services.ErrValidation, "pipeline", "run user", "user id is required", nil)
	}
	ctx = services.WithUserID(services.WithRunID(ctx, runID), userID)
	logger := logging.WithContext(ctx, r.logger)

	consumed, err := r.store.ConsumedEntries(ctx, userID)
	if err != nil {
		return res, err
	}
	if len(consumed) == 0 {
		return res, services.Wrap(services.ErrNotFound, "pipeline", "run user", "no consumption records", nil)
	}
	candidates, err := r.store.ListEntries(ctx)
	if err != nil {
		return res, err
	}
	seen := catalog.NewIDSet()
	for _, e := range consumed {
		seen.Add(e.ID)
	}

	updates, looked, err := r.enrichForDetection(ctx, consumed, candidates, seen)
	if err != nil {
		return res, err
	}

	matches := r.detector.FindSuccessors(consumed, candidates, seen)
	res.Matches = len(matches)
	res.Summary = r.detector.Summarize(matches)
	for _, m := range matches {
		r.metrics.Match(string(m.Type))
	}

	candidateUpdates, keep, err := r.enrich(ctx, logger, matches, looked)
	if err != nil {
		return res, err
	}
	updates = append(updates, candidateUpdates...)

	if r.opts.DryRun {
		for i, m := range matches {
			if keep[i] {
				res.Notified++
			} else {
				res.Unreleased++
			}
			logger.Info("match found (dry run)",
				logging.String("source", m.Source.Display()),
				logging.String("candidate", m.Candidate.Display()),
				logging.String("match_type", string(m.Type)),
				logging.Float64("confidence", m.Confidence),
			)
		}
		return res, nil
	}

	err = r.store.InTx(ctx, func(tx *store.Tx) error {
		for _, u := range updates {
			if err := tx.ApplyEnrichment(ctx, u.entryID, u.enrichment); err != nil {
				return err
			}
		}
		for i, m := range matches {
			outcome := AuditUnreleased
			if keep[i] {
				n, err := r.dispatcher.Dispatch(ctx, tx, userID, m)
				if err != nil {
					return err
				}
				outcome = AuditSkipped
				if n != nil {
					outcome = AuditNotified
					res.Notifications = append(res.Notifications, n)
				}
			}
			switch outcome {
			case AuditNotified:
				res.Notified++
			case AuditSkipped:
				res.Skipped++
			default:
				res.Unreleased++
			}
			if err := tx.RecordMatch(ctx, runID, userID, m, outcome); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		res.Notified, res.Skipped, res.Unreleased = 0, 0, 0
		res.Notifications = nil
		return res, fmt.Errorf("dispatch: %w", err)
	}

	if r.delivery != nil {
		for _, n := range res.Notifications {
			sent, err := r.delivery.Deliver(ctx, r.store, n)
			if err != nil {
				logging.WarnWithContext(logger, "delivery bookkeeping failed", "delivery_record_failed",
					logging.String(logging.FieldNotificationID, n.ID),
					logging.Error(err),
				)
				continue
			}
			if sent {
				res.Delivered++
			}
		}
	}

	logger.Info("user run complete",
		logging.Int("matches", res.Matches),
		logging.Int("high_confidence", res.Summary.HighConfidence),
		logging.Int("notified", res.Notified),
		logging.Int("skipped", res.Skipped),
		logging.Int("unreleased", res.Unreleased),
	)
	return res, nil
}

// enrichForDetection looks up release dates the date-based rules depend on:
// consumed entries and the candidates sharing their key. Entries are updated
// in place; the returned set holds every entry ID already looked up.
func (r *Runner) enrichForDetection(ctx context.Context, consumed, candidates []catalog.Entry, seen catalog.IDSet) ([]candidateUpdate, catalog.IDSet, error) {
	looked := catalog.NewIDSet()
	if r.enricher == nil {
		return nil, looked, nil
	}
	consumedKeys := make(map[string]struct{}, len(consumed))
	for _, e := range consumed {
		consumedKeys[e.Title.Key] = struct{}{}
	}
	relatedKeys := make(map[string]struct{})
	var pending []*catalog.Entry
	for i := range candidates {
		cand := &candidates[i]
		if seen.Has(cand.ID) {
			continue
		}
		if _, ok := consumedKeys[cand.Title.Key]; !ok {
			continue
		}
		relatedKeys[cand.Title.Key] = struct{}{}
		if needsReleaseDate(*cand) {
			pending = append(pending, cand)
		}
	}
	for i := range consumed {
		if _, ok := relatedKeys[consumed[i].Title.Key]; ok && needsReleaseDate(consumed[i]) {
			pending = append(pending, &consumed[i])
		}
	}

	found := make(map[int64]catalog.Enrichment)
	var updates []candidateUpdate
	for _, entry := range pending {
		if looked.Has(entry.ID) {
			continue
		}
		looked.Add(entry.ID)
		e, err := r.lookup(ctx, *entry)
		if err != nil {
			return nil, nil, err
		}
		if e == nil {
			continue
		}
		found[entry.ID] = *e
		updates = append(updates, candidateUpdate{entryID: entry.ID, enrichment: *e})
	}
	for i := range consumed {
		if e, ok := found[consumed[i].ID]; ok {
			applyEnrichment(&consumed[i], e)
		}
	}
	for i := range candidates {
		if e, ok := found[candidates[i].ID]; ok {
			applyEnrichment(&candidates[i], e)
		}
	}
	return updates, looked, nil
}

func needsReleaseDate(e catalog.Entry) bool {
	return e.ReleaseDate == nil && !e.Enriched()
}

// enrich fills candidate metadata and decides which matches are releasable.
// Provider outages degrade to unenriched candidates; only cache or limiter
// backend failures abort.
func (r *Runner) enrich(ctx context.Context, logger *slog.Logger, matches []detection.Match, looked catalog.IDSet) ([]candidateUpdate, []bool, error) {
	keep := make([]bool, len(matches))
	var updates []candidateUpdate
	now := r.now()
	for i := range matches {
		cand := &matches[i].Candidate
		if r.enricher != nil && !cand.Enriched() && !looked.Has(cand.ID) {
			looked.Add(cand.ID)
			e, err := r.lookup(ctx, *cand)
			if err != nil {
				return nil, nil, err
			}
			if e != nil {
				applyEnrichment(cand, *e)
				updates = append(updates, candidateUpdate{entryID: cand.ID, enrichment: *e})
			}
		}
		keep[i] = !r.opts.SkipUnreleased || cand.ReleasedBy(now)
		if !keep[i] {
			logger.Debug("candidate not yet released",
				logging.Args(append([]logging.Attr{
					logging.String("candidate", cand.Display()),
					logging.Time("release_date", *cand.ReleaseDate),
				}, logging.DecisionAttrs("release_gate", AuditUnreleased, "release date in the future")...)...)...)
		}
	}
	return updates, keep, nil
}

func (r *Runner) lookup(ctx context.Context, entry catalog.Entry) (*catalog.Enrichment, error) {
	md, err := r.enricher.Enrich(ctx, entry.Title, entry.Title.Year)
	if err != nil {
		return nil, fmt.Errorf("enrich %q: %w", entry.Display(), err)
	}
	if md == nil {
		return nil, nil
	}
	return &catalog.Enrichment{
		ExternalID:  md.ExternalID,
		ReleaseDate: md.ReleaseDate,
		Overview:    md.Overview,
		ImageURL:    md.ImageURL,
		Rating:      md.Rating,
	}, nil
}

func applyEnrichment(e *catalog.Entry, md catalog.Enrichment) {
	if md.ReleaseDate != nil {
		e.ReleaseDate = md.ReleaseDate
	}
	if e.ExternalID == "" {
		e.ExternalID = md.ExternalID
	}
	if md.Overview != "" {
		e.Overview = md.Overview
	}
	if md.ImageURL != "" {
		e.ImageURL = md.ImageURL
	}
	if md.Rating > 0 {
		e.Rating = md.Rating
	}
}
