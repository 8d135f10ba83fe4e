package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/robfig/cron/v3"
)

// minTokenSecretBytes matches the minimum HMAC-SHA256 key length accepted by
// the action token signer.
const minTokenSecretBytes = 32

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateRateLimit(); err != nil {
		return err
	}
	if err := c.validateDetection(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validateSchedule(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateCache() error {
	if c.Cache.SuccessTTLSeconds <= 0 {
		return errors.New("cache.success_ttl_seconds must be positive")
	}
	if c.Cache.NegativeTTLSeconds <= 0 {
		return errors.New("cache.negative_ttl_seconds must be positive")
	}
	if c.Cache.NegativeTTLSeconds > c.Cache.SuccessTTLSeconds {
		return errors.New("cache.negative_ttl_seconds must not exceed cache.success_ttl_seconds")
	}
	if c.Cache.JanitorIntervalSeconds < 0 {
		return errors.New("cache.janitor_interval_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	if c.RateLimit.WindowSeconds <= 0 {
		return errors.New("rate_limit.window_seconds must be positive")
	}
	if c.RateLimit.MaxCalls <= 0 {
		return errors.New("rate_limit.max_calls must be positive")
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "postgres":
		if c.RateLimit.PostgresDSN == "" {
			return errors.New("rate_limit.postgres_dsn must be set when rate_limit.backend is postgres (or export SEQUELWATCH_POSTGRES_DSN)")
		}
	default:
		return fmt.Errorf("rate_limit.backend: unsupported value %q", c.RateLimit.Backend)
	}
	return nil
}

func (c *Config) validateDetection() error {
	confidences := []struct {
		key   string
		value float64
	}{
		{"detection.season_increment_confidence", c.Detection.SeasonIncrementConfidence},
		{"detection.exact_title_newer_confidence", c.Detection.ExactTitleNewerConfidence},
		{"detection.fuzzy_match_confidence", c.Detection.FuzzyMatchConfidence},
		{"detection.fuzzy_similarity_threshold", c.Detection.FuzzySimilarityThreshold},
		{"detection.min_confidence", c.Detection.MinConfidence},
		{"detection.high_confidence", c.Detection.HighConfidence},
	}
	for _, entry := range confidences {
		if entry.value < 0 || entry.value > 1 {
			return fmt.Errorf("%s must be between 0 and 1", entry.key)
		}
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.TokenValidityDays <= 0 {
		return errors.New("notifications.token_validity_days must be positive")
	}
	if c.Notifications.ActionBaseURL != "" {
		parsed, err := url.Parse(c.Notifications.ActionBaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("notifications.action_base_url must be an absolute URL, got %q", c.Notifications.ActionBaseURL)
		}
	}
	if c.Notifications.TokenSecret != "" && len(c.Notifications.TokenSecret) < minTokenSecretBytes {
		return fmt.Errorf("notifications.token_secret must be at least %d bytes", minTokenSecretBytes)
	}
	return nil
}

func (c *Config) validateSchedule() error {
	if c.Schedule.Detection == "" {
		return nil
	}
	if _, err := cron.ParseStandard(c.Schedule.Detection); err != nil {
		return fmt.Errorf("schedule.detection: invalid cron expression %q: %w", c.Schedule.Detection, err)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be >= 0")
	}
	return nil
}

// RequireTMDB reports whether the provider credentials needed for enrichment are present.
func (c *Config) RequireTMDB() error {
	if c.TMDB.APIKey == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/sequelwatch/config.toml"
		}
		return fmt.Errorf("tmdb.api_key is required. Set TMDB_API_KEY env var or edit %s (create with 'sequelwatch config init')", defaultPath)
	}
	return nil
}

// RequireTokenSecret reports whether action tokens can be signed.
func (c *Config) RequireTokenSecret() error {
	if c.Notifications.TokenSecret == "" {
		return errors.New("notifications.token_secret is required. Set SEQUELWATCH_TOKEN_SECRET (at least 32 bytes)")
	}
	return nil
}
