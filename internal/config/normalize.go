package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeTMDB()
	if err := c.normalizeCache(); err != nil {
		return err
	}
	c.normalizeRateLimit()
	c.normalizeDetection()
	c.normalizeNotifications()
	c.normalizeSchedule()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	c.API.Token = strings.TrimSpace(c.API.Token)
	if c.API.Token == "" {
		if value, ok := os.LookupEnv("SEQUELWATCH_API_TOKEN"); ok {
			c.API.Token = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeTMDB() {
	c.TMDB.APIKey = strings.TrimSpace(c.TMDB.APIKey)
	if c.TMDB.APIKey == "" {
		if value, ok := os.LookupEnv("TMDB_API_KEY"); ok {
			c.TMDB.APIKey = strings.TrimSpace(value)
		}
	}
	c.TMDB.BaseURL = strings.TrimRight(strings.TrimSpace(c.TMDB.BaseURL), "/")
	if c.TMDB.BaseURL == "" {
		c.TMDB.BaseURL = defaultTMDBBaseURL
	}
	c.TMDB.ImageBaseURL = strings.TrimRight(strings.TrimSpace(c.TMDB.ImageBaseURL), "/")
	if c.TMDB.ImageBaseURL == "" {
		c.TMDB.ImageBaseURL = defaultTMDBImageBaseURL
	}
	c.TMDB.Language = strings.TrimSpace(c.TMDB.Language)
	if c.TMDB.RequestTimeoutSeconds <= 0 {
		c.TMDB.RequestTimeoutSeconds = defaultTMDBRequestTimeout
	}
	if c.TMDB.MaxAttempts <= 0 {
		c.TMDB.MaxAttempts = defaultTMDBMaxAttempts
	}
}

func (c *Config) normalizeCache() error {
	snapshot := strings.TrimSpace(c.Cache.SnapshotPath)
	if snapshot == "" {
		// An empty snapshot path keeps the cache memory-only.
		c.Cache.SnapshotPath = ""
		return nil
	}
	expanded, err := expandPath(snapshot)
	if err != nil {
		return fmt.Errorf("cache.snapshot_path: %w", err)
	}
	c.Cache.SnapshotPath = expanded
	return nil
}

func (c *Config) normalizeRateLimit() {
	c.RateLimit.Backend = strings.ToLower(strings.TrimSpace(c.RateLimit.Backend))
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = defaultRateLimitBackend
	}
	c.RateLimit.PostgresDSN = strings.TrimSpace(c.RateLimit.PostgresDSN)
	if c.RateLimit.PostgresDSN == "" {
		if value, ok := os.LookupEnv("SEQUELWATCH_POSTGRES_DSN"); ok {
			c.RateLimit.PostgresDSN = strings.TrimSpace(value)
		}
	}
	c.RateLimit.PostgresSchema = strings.TrimSpace(c.RateLimit.PostgresSchema)
	if c.RateLimit.PostgresSchema == "" {
		c.RateLimit.PostgresSchema = defaultRateLimitPostgresSchema
	}
}

func (c *Config) normalizeDetection() {
	if c.Detection.Workers <= 0 {
		c.Detection.Workers = 1
	}
}

func (c *Config) normalizeNotifications() {
	if c.Notifications.TokenSecret == "" {
		if value, ok := os.LookupEnv("SEQUELWATCH_TOKEN_SECRET"); ok {
			c.Notifications.TokenSecret = value
		}
	}
	c.Notifications.ActionBaseURL = strings.TrimRight(strings.TrimSpace(c.Notifications.ActionBaseURL), "/")
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
}

func (c *Config) normalizeSchedule() {
	c.Schedule.Detection = strings.TrimSpace(c.Schedule.Detection)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
