package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// TMDB contains configuration for The Movie Database API.
type TMDB struct {
	APIKey                string `toml:"api_key"`
	BaseURL               string `toml:"base_url"`
	ImageBaseURL          string `toml:"image_base_url"`
	Language              string `toml:"language"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	MaxAttempts           int    `toml:"max_attempts"`
}

// Cache contains configuration for the enrichment cache.
type Cache struct {
	SuccessTTLSeconds      int    `toml:"success_ttl_seconds"`
	NegativeTTLSeconds     int    `toml:"negative_ttl_seconds"`
	SnapshotPath           string `toml:"snapshot_path"`
	JanitorIntervalSeconds int    `toml:"janitor_interval_seconds"`
}

// RateLimit bounds calls to the external metadata provider.
type RateLimit struct {
	Backend        string `toml:"backend"` // "memory" or "postgres"
	WindowSeconds  int    `toml:"window_seconds"`
	MaxCalls       int    `toml:"max_calls"`
	PostgresDSN    string `toml:"postgres_dsn"`
	PostgresSchema string `toml:"postgres_schema"`
}

// Detection contains the confidence ladder and batch sizing.
type Detection struct {
	SeasonIncrementConfidence float64 `toml:"season_increment_confidence"`
	ExactTitleNewerConfidence float64 `toml:"exact_title_newer_confidence"`
	FuzzyMatchConfidence      float64 `toml:"fuzzy_match_confidence"`
	FuzzySimilarityThreshold  float64 `toml:"fuzzy_similarity_threshold"`
	MinConfidence             float64 `toml:"min_confidence"`
	HighConfidence            float64 `toml:"high_confidence"`
	Workers                   int     `toml:"workers"`
	SkipUnreleased            bool    `toml:"skip_unreleased"`
}

// Notifications contains token and delivery configuration.
type Notifications struct {
	TokenSecret       string `toml:"token_secret"`
	TokenValidityDays int    `toml:"token_validity_days"`
	ActionBaseURL     string `toml:"action_base_url"`
	NtfyTopic         string `toml:"ntfy_topic"`
	RequestTimeout    int    `toml:"request_timeout"`
}

// Schedule contains cron expressions for daemon jobs.
type Schedule struct {
	Detection string `toml:"detection"`
}

// API contains HTTP server configuration.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"` // bearer token for /api/status; empty disables auth
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for sequelwatch.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories
//   - TMDB: metadata provider credentials and request policy
//   - Cache: enrichment cache TTLs and snapshot location
//   - RateLimit: provider call window and backend
//   - Detection: confidence ladder and worker count
//   - Notifications: action tokens and ntfy delivery
//   - Schedule: daemon cron expressions
//   - API: HTTP bind address
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	TMDB          TMDB          `toml:"tmdb"`
	Cache         Cache         `toml:"cache"`
	RateLimit     RateLimit     `toml:"rate_limit"`
	Detection     Detection     `toml:"detection"`
	Notifications Notifications `toml:"notifications"`
	Schedule      Schedule      `toml:"schedule"`
	API           API           `toml:"api"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/sequelwatch/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("sequelwatch.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon and CLI operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "sequelwatch.db")
}

// LockPath returns the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "sequelwatch.lock")
}

// SuccessTTL returns how long a found provider result stays cached.
func (c *Config) SuccessTTL() time.Duration {
	return time.Duration(c.Cache.SuccessTTLSeconds) * time.Second
}

// NegativeTTL returns how long a not-found or failed lookup stays cached.
func (c *Config) NegativeTTL() time.Duration {
	return time.Duration(c.Cache.NegativeTTLSeconds) * time.Second
}

// RateLimitWindow returns the provider call window length.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// TokenValidity returns how long an action token remains valid.
func (c *Config) TokenValidity() time.Duration {
	return time.Duration(c.Notifications.TokenValidityDays) * 24 * time.Hour
}

// TMDBTimeout returns the per-request provider timeout.
func (c *Config) TMDBTimeout() time.Duration {
	return time.Duration(c.TMDB.RequestTimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
