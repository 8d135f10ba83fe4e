package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	rcron "github.com/robfig/cron/v3"

	"sequelwatch/internal/cache"
	"sequelwatch/internal/config"
	"sequelwatch/internal/delivery"
	"sequelwatch/internal/logging"
	"sequelwatch/internal/metrics"
	"sequelwatch/internal/notifications"
	"sequelwatch/internal/pipeline"
	"sequelwatch/internal/services"
	"sequelwatch/internal/store"
)

const redeliverBatch = 100

// BatchRunner executes one detection pass over every user.
type BatchRunner interface {
	RunAll(ctx context.Context) (pipeline.BatchResult, error)
}

// Pruner drops stale rate-limit windows from a shared backend.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Deps are the collaborators the daemon schedules. Delivery, Cache, Pruner and
// Metrics are optional.
type Deps struct {
	Store      *store.Store
	Runner     BatchRunner
	Dispatcher *notifications.Dispatcher
	Delivery   *delivery.Service
	Cache      *cache.MemoryStore
	Pruner     Pruner
	Metrics    *metrics.Metrics
}

// RunSummary describes the most recent scheduled batch.
type RunSummary struct {
	RunID       string        `json:"run_id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	Users       int           `json:"users"`
	Succeeded   int           `json:"succeeded"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Notified    int           `json:"notified"`
	Redelivered int           `json:"redelivered"`
	Error       string        `json:"error,omitempty"`
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool        `json:"running"`
	Schedule     string      `json:"schedule"`
	NextRun      *time.Time  `json:"next_run,omitempty"`
	LastRun      *RunSummary `json:"last_run,omitempty"`
	CacheEntries int         `json:"cache_entries"`
	DatabasePath string      `json:"database_path"`
	LockFilePath string      `json:"lock_file_path"`
	APIAddress   string      `json:"api_address,omitempty"`
}

// Daemon coordinates scheduled detection and enforces single-instance
// execution.
type Daemon struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	lockPath string
	lock     *flock.Flock

	mu        sync.Mutex
	scheduler *rcron.Cron
	entryID   rcron.EntryID
	api       *apiServer
	lastRun   *RunSummary
	wg        sync.WaitGroup

	running atomic.Bool
	busy    atomic.Bool
	cancel  context.CancelFunc
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || deps.Store == nil || deps.Runner == nil {
		return nil, errors.New("daemon requires config, store, and runner")
	}
	if schedule := cfg.Schedule.Detection; schedule != "" {
		if _, err := rcron.ParseStandard(schedule); err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "daemon", "schedule", "invalid detection schedule", err)
		}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:      cfg,
		deps:     deps,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the lock, schedules detection, and launches the API server
// and cache janitor.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another sequelwatch instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)

	scheduler := rcron.New()
	var entryID rcron.EntryID
	if schedule := d.cfg.Schedule.Detection; schedule != "" {
		entryID, err = scheduler.AddFunc(schedule, func() {
			if _, err := d.RunOnce(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logging.ErrorWithContext(d.logger, "scheduled detection failed", "detection_run_failed", logging.Error(err))
			}
		})
		if err != nil {
			cancel()
			_ = d.lock.Unlock()
			return services.Wrap(services.ErrConfiguration, "daemon", "schedule", "invalid detection schedule", err)
		}
	} else {
		d.logger.Info("detection schedule empty; scheduled runs disabled",
			logging.Args(logging.DecisionAttrs("detection_schedule", "disabled", "schedule.detection is empty")...)...)
	}

	api, err := newAPIServer(d.cfg, d, d.logger)
	if err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}
	if err := api.start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	if d.deps.Cache != nil {
		interval := time.Duration(d.cfg.Cache.JanitorIntervalSeconds) * time.Second
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deps.Cache.Run(runCtx, interval)
		}()
	}

	scheduler.Start()

	d.mu.Lock()
	d.scheduler = scheduler
	d.entryID = entryID
	d.api = api
	d.cancel = cancel
	d.mu.Unlock()

	d.running.Store(true)
	d.logger.Info("sequelwatch daemon started",
		logging.String("lock", d.lockPath),
		logging.String("schedule", d.cfg.Schedule.Detection),
	)
	return nil
}

// Stop cancels background work, waits for an in-flight batch, and releases
// the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.mu.Lock()
	scheduler, api, cancel := d.scheduler, d.api, d.cancel
	d.scheduler, d.api, d.cancel = nil, nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	api.stop()
	d.wg.Wait()

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.String(logging.FieldEventType, "lock_release_failed"),
			logging.Error(err),
		)
	}
	d.running.Store(false)
	d.logger.Info("sequelwatch daemon stopped")
}

// Close stops the daemon and closes the store.
func (d *Daemon) Close() error {
	d.Stop()
	return d.deps.Store.Close()
}

// RunOnce runs one detection batch, then retries pending deliveries and prunes
// the rate-limit backend. Overlapping calls are skipped.
func (d *Daemon) RunOnce(ctx context.Context) (*RunSummary, error) {
	if !d.busy.CompareAndSwap(false, true) {
		d.logger.Info("detection run already in progress; skipping",
			logging.Args(logging.DecisionAttrs("detection_run", "skipped", "previous run still active")...)...)
		return nil, nil
	}
	defer d.busy.Store(false)

	started := time.Now()
	batch, err := d.deps.Runner.RunAll(ctx)
	summary := &RunSummary{
		RunID:     batch.RunID,
		StartedAt: started,
		Duration:  time.Since(started),
		Users:     batch.Users,
		Succeeded: batch.Succeeded,
		Skipped:   batch.Skipped,
		Failed:    batch.Failed,
		Notified:  batch.Notified,
	}
	if err != nil {
		summary.Error = err.Error()
		d.recordRun(summary)
		return summary, err
	}

	if d.deps.Delivery != nil {
		sent, err := d.deps.Delivery.Redeliver(ctx, d.deps.Store, redeliverBatch)
		summary.Redelivered = sent
		if err != nil {
			logging.WarnWithContext(d.logger, "redelivery sweep failed", "redelivery_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "pending notifications retry on the next run"),
			)
		}
	}
	d.prune(ctx)
	d.recordRun(summary)

	d.logger.Info("detection run complete",
		logging.String(logging.FieldRunID, summary.RunID),
		logging.Int("users", summary.Users),
		logging.Int("notified", summary.Notified),
		logging.Int("redelivered", summary.Redelivered),
		logging.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (d *Daemon) prune(ctx context.Context) {
	if d.deps.Pruner == nil {
		return
	}
	removed, err := d.deps.Pruner.Prune(ctx)
	if err != nil {
		logging.WarnWithContext(d.logger, "rate limit prune failed", "ratelimit_prune_failed", logging.Error(err))
		return
	}
	if removed > 0 {
		d.logger.Debug("pruned rate limit windows", logging.Int64("removed", removed))
	}
}

func (d *Daemon) recordRun(summary *RunSummary) {
	d.mu.Lock()
	d.lastRun = summary
	d.mu.Unlock()
}

// Status reports runtime information.
func (d *Daemon) Status(context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		Schedule:     d.cfg.Schedule.Detection,
		DatabasePath: d.deps.Store.Path(),
		LockFilePath: d.lockPath,
	}
	if d.deps.Cache != nil {
		status.CacheEntries = d.deps.Cache.Len()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastRun != nil {
		last := *d.lastRun
		status.LastRun = &last
	}
	if d.scheduler != nil && d.entryID != 0 {
		if next := d.scheduler.Entry(d.entryID).Next; !next.IsZero() {
			status.NextRun = &next
		}
	}
	if d.api != nil {
		status.APIAddress = d.api.addr()
	}
	return status
}
