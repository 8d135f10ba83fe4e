package testsupport

import (
	"path/filepath"
	"strings"
	"testing"

	"sequelwatch/internal/config"
)

// TestTokenSecret is a valid action-token secret for tests.
var TestTokenSecret = strings.Repeat("s", 48)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.TMDB.APIKey = "test"
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Cache.SnapshotPath = filepath.Join(base, "data", "enrichment_cache.json")
	cfgVal.Notifications.TokenSecret = TestTokenSecret
	cfgVal.API.Bind = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithTMDBKey sets the TMDB API key on the test config.
func WithTMDBKey(key string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.TMDB.APIKey = key
	}
}

// WithTMDBBaseURL points the provider client at a test server.
func WithTMDBBaseURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.TMDB.BaseURL = url
	}
}

// WithRateLimit overrides the provider call window.
func WithRateLimit(maxCalls, windowSeconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.RateLimit.MaxCalls = maxCalls
		b.cfg.RateLimit.WindowSeconds = windowSeconds
	}
}

// WithWorkers sets the detection worker count.
func WithWorkers(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Detection.Workers = n
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
