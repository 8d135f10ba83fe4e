package config

const (
	defaultDataDir                   = "~/.local/share/sequelwatch"
	defaultLogDir                    = "~/.local/share/sequelwatch/logs"
	defaultCacheSnapshotPath         = "~/.local/share/sequelwatch/enrichment_cache.json"
	defaultTMDBLanguage              = "en-US"
	defaultTMDBBaseURL               = "https://api.themoviedb.org/3"
	defaultTMDBImageBaseURL          = "https://image.tmdb.org/t/p/w500"
	defaultTMDBRequestTimeout        = 10
	defaultTMDBMaxAttempts           = 3
	defaultCacheSuccessTTLSeconds    = 24 * 60 * 60
	defaultCacheNegativeTTLSeconds   = 10 * 60
	defaultCacheJanitorSeconds       = 300
	defaultRateLimitBackend          = "memory"
	defaultRateLimitWindowSeconds    = 10
	defaultRateLimitMaxCalls         = 40
	defaultRateLimitPostgresSchema   = "sequelwatch"
	defaultSeasonIncrementConfidence = 0.95
	defaultExactTitleNewerConfidence = 0.90
	defaultFuzzyMatchConfidence      = 0.70
	defaultFuzzySimilarityThreshold  = 0.85
	defaultMinConfidence             = 0.60
	defaultHighConfidence            = 0.90
	defaultDetectionWorkers          = 4
	defaultTokenValidityDays         = 30
	defaultActionBaseURL             = "http://127.0.0.1:7491"
	defaultNotifyRequestTimeout      = 10
	defaultDetectionSchedule         = "0 */6 * * *"
	defaultAPIBind                   = "127.0.0.1:7491"
	defaultLogFormat                 = "auto"
	defaultLogLevel                  = "info"
	defaultLogRetentionDays          = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		TMDB: TMDB{
			BaseURL:               defaultTMDBBaseURL,
			ImageBaseURL:          defaultTMDBImageBaseURL,
			Language:              defaultTMDBLanguage,
			RequestTimeoutSeconds: defaultTMDBRequestTimeout,
			MaxAttempts:           defaultTMDBMaxAttempts,
		},
		Cache: Cache{
			SuccessTTLSeconds:      defaultCacheSuccessTTLSeconds,
			NegativeTTLSeconds:     defaultCacheNegativeTTLSeconds,
			SnapshotPath:           defaultCacheSnapshotPath,
			JanitorIntervalSeconds: defaultCacheJanitorSeconds,
		},
		RateLimit: RateLimit{
			Backend:        defaultRateLimitBackend,
			WindowSeconds:  defaultRateLimitWindowSeconds,
			MaxCalls:       defaultRateLimitMaxCalls,
			PostgresSchema: defaultRateLimitPostgresSchema,
		},
		Detection: Detection{
			SeasonIncrementConfidence: defaultSeasonIncrementConfidence,
			ExactTitleNewerConfidence: defaultExactTitleNewerConfidence,
			FuzzyMatchConfidence:      defaultFuzzyMatchConfidence,
			FuzzySimilarityThreshold:  defaultFuzzySimilarityThreshold,
			MinConfidence:             defaultMinConfidence,
			HighConfidence:            defaultHighConfidence,
			Workers:                   defaultDetectionWorkers,
			SkipUnreleased:            true,
		},
		Notifications: Notifications{
			TokenValidityDays: defaultTokenValidityDays,
			ActionBaseURL:     defaultActionBaseURL,
			RequestTimeout:    defaultNotifyRequestTimeout,
		},
		Schedule: Schedule{
			Detection: defaultDetectionSchedule,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
