package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"sequelwatch/internal/cache"
	"sequelwatch/internal/logging"
	"sequelwatch/internal/metrics"
	"sequelwatch/internal/ratelimit"
	"sequelwatch/internal/services"
	"sequelwatch/internal/titles"
)

// ProviderKey is the limiter key shared by every provider call.
const ProviderKey = "tmdb"

// Lookup outcomes reported to metrics and logs.
const (
	OutcomeHit           = "hit"
	OutcomeNegativeHit   = "negative_hit"
	OutcomeFetched       = "fetched"
	OutcomeNotFound      = "not_found"
	OutcomeProviderError = "provider_error"
	OutcomeRateLimited   = "rate_limited"
)

// Metadata is what the provider knows about a title.
type Metadata struct {
	ExternalID  string     `json:"external_id"`
	Title       string     `json:"title,omitempty"`
	ReleaseDate *time.Time `json:"release_date,omitempty"`
	Overview    string     `json:"overview,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	Rating      float64    `json:"rating,omitempty"`
}

// Query is a provider request.
type Query struct {
	Title titles.CanonicalTitle
	Year  int
}

// Provider fetches metadata. A nil result with a nil error means not found.
type Provider interface {
	Lookup(ctx context.Context, q Query) (*Metadata, error)
}

type cachedResult struct {
	Found    bool      `json:"found"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

type result struct {
	metadata *Metadata
	outcome  string
}

// Config carries the cache TTLs.
type Config struct {
	SuccessTTL  time.Duration
	NegativeTTL time.Duration
}

// Client is the cache-first, rate-limited metadata client.
type Client struct {
	cache    cache.Store
	limiter  ratelimit.Limiter
	provider Provider
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	group    singleflight.Group
}

// Option customizes a Client.
type Option func(*Client)

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient wires the client's collaborators.
func NewClient(store cache.Store, limiter ratelimit.Limiter, provider Provider, cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	switch {
	case store == nil:
		return nil, errors.New("enrichment: cache store required")
	case limiter == nil:
		return nil, errors.New("enrichment: rate limiter required")
	case provider == nil:
		return nil, errors.New("enrichment: provider required")
	case cfg.SuccessTTL <= 0 || cfg.NegativeTTL <= 0:
		return nil, errors.New("enrichment: cache ttls must be positive")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Client{
		cache:    store,
		limiter:  limiter,
		provider: provider,
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "enrichment"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CacheKey derives the cache key for a title and optional year.
func CacheKey(title titles.CanonicalTitle, year int) string {
	return strings.Join([]string{
		string(title.Kind),
		title.Key,
		strconv.Itoa(title.Season),
		strconv.Itoa(year),
	}, "|")
}

// Enrich returns provider metadata for title, or nil when none is available.
func (c *Client) Enrich(ctx context.Context, title titles.CanonicalTitle, year int) (*Metadata, error) {
	if !title.Valid() {
		return nil, nil
	}
	key := CacheKey(title, year)

	if md, hit, err := c.fromCache(ctx, key); err != nil || hit {
		return md, err
	}

	// Concurrent misses for one key share a single limiter slot and call.
	v, err, shared := c.group.Do(key, func() (any, error) {
		return c.fetch(ctx, key, Query{Title: title, Year: year})
	})
	if err != nil {
		return nil, err
	}
	res := v.(result)
	if shared {
		c.logger.Debug("enrichment lookup shared with concurrent caller", logging.String("cache_key", key))
	}
	return cloneMetadata(res.metadata), nil
}

func (c *Client) fromCache(ctx context.Context, key string) (*Metadata, bool, error) {
	entry, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		return nil, false, services.Wrap(services.ErrUnavailable, "enrichment", "cache get", "cache store failed", err)
	}
	if !ok {
		return nil, false, nil
	}
	var cached cachedResult
	if err := json.Unmarshal(entry.Payload, &cached); err != nil {
		c.logger.Warn("discarding unreadable cache entry",
			logging.String(logging.FieldEventType, "enrichment_cache_corrupt"),
			logging.String("cache_key", key),
			logging.Error(err))
		_ = c.cache.Delete(ctx, key)
		return nil, false, nil
	}
	if !cached.Found || cached.Metadata == nil {
		c.metrics.Lookup(OutcomeNegativeHit)
		return nil, true, nil
	}
	c.metrics.Lookup(OutcomeHit)
	return cached.Metadata, true, nil
}

func (c *Client) fetch(ctx context.Context, key string, q Query) (result, error) {
	// Re-check under singleflight: a previous flight may have filled the key.
	if md, hit, err := c.fromCache(ctx, key); err != nil || hit {
		return result{metadata: md, outcome: OutcomeHit}, err
	}

	decision, err := c.limiter.Allow(ctx, ProviderKey)
	if err != nil {
		return result{}, services.Wrap(services.ErrUnavailable, "enrichment", "rate limit", "rate limiter backend failed", err)
	}
	if !decision.Allowed {
		c.metrics.Lookup(OutcomeRateLimited)
		c.logger.Info("provider budget exhausted; continuing without metadata",
			logging.String(logging.FieldEventType, "enrichment_rate_limited"),
			logging.String("cache_key", key),
			logging.Duration("retry_after", decision.RetryAfter))
		return result{outcome: OutcomeRateLimited}, nil
	}

	md, err := c.provider.Lookup(ctx, q)
	switch {
	case err != nil && ctx.Err() != nil:
		// Cancellation is not a provider verdict; leave the cache untouched.
		return result{outcome: OutcomeProviderError}, nil
	case err != nil:
		c.metrics.Lookup(OutcomeProviderError)
		logging.WarnWithContext(c.logger, "provider lookup failed; caching negative result", "enrichment_provider_failed",
			logging.String("cache_key", key),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check TMDB availability and api key"),
			logging.String(logging.FieldImpact, "matches proceed without release confirmation"))
		return result{outcome: OutcomeProviderError}, c.store(ctx, key, nil, c.cfg.NegativeTTL)
	case md == nil:
		c.metrics.Lookup(OutcomeNotFound)
		c.logger.Debug("provider has no match", logging.String("cache_key", key))
		return result{outcome: OutcomeNotFound}, c.store(ctx, key, nil, c.cfg.NegativeTTL)
	default:
		c.metrics.Lookup(OutcomeFetched)
		return result{metadata: md, outcome: OutcomeFetched}, c.store(ctx, key, md, c.cfg.SuccessTTL)
	}
}

func (c *Client) store(ctx context.Context, key string, md *Metadata, ttl time.Duration) error {
	payload, err := json.Marshal(cachedResult{Found: md != nil, Metadata: md})
	if err != nil {
		return fmt.Errorf("encode cache payload: %w", err)
	}
	if err := c.cache.Set(ctx, key, payload, ttl); err != nil {
		return services.Wrap(services.ErrUnavailable, "enrichment", "cache set", "cache store failed", err)
	}
	return nil
}

func cloneMetadata(md *Metadata) *Metadata {
	if md == nil {
		return nil
	}
	out := *md
	if md.ReleaseDate != nil {
		ts := *md.ReleaseDate
		out.ReleaseDate = &ts
	}
	return &out
}
