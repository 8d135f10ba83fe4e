package ratelimit

import (
	"context"
	"fmt"
	"log/slog"

	"sequelwatch/internal/config"
	"sequelwatch/internal/logging"
)

// New builds the limiter selected by cfg.RateLimit.Backend. The returned
// close function releases backend resources and is never nil.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Limiter, func(), error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "ratelimit")
	rl := cfg.RateLimit
	window := cfg.RateLimitWindow()

	if rl.Backend != "postgres" {
		limiter, err := NewWindowLimiter(rl.MaxCalls, window)
		if err != nil {
			return nil, func() {}, err
		}
		logger.Debug("using in-process rate limiter",
			logging.Int("max_calls", rl.MaxCalls),
			logging.Duration("window", window))
		return limiter, func() {}, nil
	}

	pool, err := OpenPool(ctx, rl.PostgresDSN)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open rate limit backend: %w", err)
	}
	limiter, err := NewPostgresLimiter(pool, rl.MaxCalls, window, WithSchema(rl.PostgresSchema))
	if err != nil {
		pool.Close()
		return nil, func() {}, err
	}
	if err := limiter.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, func() {}, err
	}
	logger.Info("using postgres rate limiter",
		logging.String("schema", rl.PostgresSchema),
		logging.Int("max_calls", rl.MaxCalls),
		logging.Duration("window", window))
	return limiter, pool.Close, nil
}
