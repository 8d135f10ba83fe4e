package main

import (
	"context"
	"fmt"
	"log/slog"

	"sequelwatch/internal/actiontoken"
	"sequelwatch/internal/cache"
	"sequelwatch/internal/config"
	"sequelwatch/internal/delivery"
	"sequelwatch/internal/detection"
	"sequelwatch/internal/enrichment"
	"sequelwatch/internal/logging"
	"sequelwatch/internal/metrics"
	"sequelwatch/internal/notifications"
	"sequelwatch/internal/pipeline"
	"sequelwatch/internal/ratelimit"
	"sequelwatch/internal/store"
	"sequelwatch/internal/tmdb"
)

type appOptions struct {
	logFile string
	enrich  bool
}

// app holds the wired collaborators shared by commands that touch the store.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	metrics    *metrics.Metrics
	cache      *cache.MemoryStore
	limiter    ratelimit.Limiter
	enricher   pipeline.Enricher
	dispatcher *notifications.Dispatcher
	delivery   *delivery.Service

	closers []func()
}

func openApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	logger, err := newLogger(cfg, opts.logFile)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		metrics: metrics.New(),
		closers: []func(){func() { _ = st.Close() }},
	}

	if err := cfg.RequireTokenSecret(); err != nil {
		a.Close()
		return nil, err
	}
	signer, err := actiontoken.NewSigner(cfg.Notifications.TokenSecret, cfg.TokenValidity())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("action token signer: %w", err)
	}
	a.dispatcher, err = notifications.NewDispatcher(signer, cfg.Notifications.ActionBaseURL, logger,
		notifications.WithMetrics(a.metrics),
		notifications.WithHighConfidence(cfg.Detection.HighConfidence))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.delivery = delivery.NewService(delivery.NewSink(cfg), a.dispatcher, logger, a.metrics)

	if opts.enrich {
		if err := a.openEnrichment(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// newLogger logs to stdout plus fileName for the daemon. One-shot commands log
// to stderr so their stdout stays parseable.
func newLogger(cfg *config.Config, fileName string) (*slog.Logger, error) {
	var (
		logger *slog.Logger
		err    error
	)
	if fileName != "" {
		logger, err = logging.NewFromConfig(cfg, fileName)
	} else {
		logger, err = logging.New(logging.Options{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			OutputPaths: []string{"stderr"},
		})
	}
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

func (a *app) openEnrichment(ctx context.Context) error {
	if err := a.cfg.RequireTMDB(); err != nil {
		logging.WarnWithContext(a.logger, "tmdb api key missing; running without enrichment", "enrichment_disabled",
			logging.String(logging.FieldErrorHint, "set TMDB_API_KEY to confirm release dates"),
			logging.String(logging.FieldImpact, "only catalog release dates gate notifications"),
		)
		return nil
	}

	limiter, closeLimiter, err := ratelimit.New(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.limiter = limiter
	a.closers = append(a.closers, closeLimiter)

	a.cache = cache.NewMemoryStore(a.cfg.Cache.SnapshotPath, a.logger)
	memCache := a.cache
	a.closers = append(a.closers, func() {
		if err := memCache.Flush(); err != nil {
			a.logger.Warn("cache flush failed", logging.Error(err))
		}
	})

	tmdbClient, err := tmdb.New(a.cfg.TMDB.APIKey, a.cfg.TMDB.BaseURL, a.cfg.TMDB.Language,
		tmdb.WithTimeout(a.cfg.TMDBTimeout()),
		tmdb.WithMaxAttempts(a.cfg.TMDB.MaxAttempts),
	)
	if err != nil {
		return fmt.Errorf("tmdb client: %w", err)
	}
	client, err := enrichment.NewClient(a.cache, limiter, enrichment.NewTMDBProvider(tmdbClient, a.cfg.TMDB.ImageBaseURL),
		enrichment.Config{SuccessTTL: a.cfg.SuccessTTL(), NegativeTTL: a.cfg.NegativeTTL()},
		a.logger,
		enrichment.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.enricher = client
	return nil
}

func (a *app) newRunner(dryRun bool) (*pipeline.Runner, error) {
	detector, err := detection.NewDetector(detection.ConfigFromSettings(a.cfg.Detection))
	if err != nil {
		return nil, err
	}
	opts := []pipeline.RunnerOption{
		pipeline.WithDelivery(a.delivery),
		pipeline.WithMetrics(a.metrics),
	}
	if a.enricher != nil {
		opts = append(opts, pipeline.WithEnricher(a.enricher))
	}
	return pipeline.NewRunner(a.store, detector, a.dispatcher, pipeline.Options{
		Workers:        a.cfg.Detection.Workers,
		SkipUnreleased: a.cfg.Detection.SkipUnreleased,
		DryRun:         dryRun,
	}, a.logger, opts...)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
