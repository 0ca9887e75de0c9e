package config

import "time"

// Default configuration values.
const (
	// Server defaults.
	DefaultHost         = "localhost"
	DefaultPort         = 8787
	DefaultReadTimeout  = 30 * time.Second
	DefaultIdleTimeout  = 120 * time.Second
	DefaultMaxBodySize  = 64 * 1024 * 1024 // 64MB

	// Database defaults.
	DefaultDBPath       = "hookrelay.db"
	DefaultCacheSize    = -64000 // 64MB
	DefaultBusyTimeout  = 5 * time.Second
	DefaultMaxOpenConns = 1 // SQLite works best with single writer
	DefaultMaxIdleConns = 1

	// Routing defaults.
	DefaultRoutingPath     = "routes.yaml"
	DefaultRoutingDebounce = 200 * time.Millisecond

	// Relay defaults.
	DefaultMaxRequestBodySize = 10 * 1024 * 1024 // 10MiB
	DefaultDeliveryTimeout    = 18 * time.Second
	DefaultHeartbeatTimeout   = 30 * time.Second
	DefaultSweepInterval      = 10 * time.Second
	DefaultMaxRetries         = 3
	DefaultDocsURL            = "https://hookrelay.dev/docs/errors"

	// Delivery defaults.
	DefaultWorkers      = 16
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 100
	DefaultLease        = 2 * time.Minute
	DefaultUserAgent    = "hookrelay/1.0"

	// Retry defaults.
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 5 * time.Minute

	// Retention defaults.
	DefaultRetentionMaxAge    = 7 * 24 * time.Hour
	DefaultRetentionSchedule  = "@hourly"
	DefaultRetentionBatchSize = 500

	// Auth defaults.
	DefaultJWTIssuer      = "hookrelay"
	DefaultBcryptCost     = 12
	DefaultAPIKeyCacheTTL = 5 * time.Minute

	// Redis defaults.
	DefaultRedisAddr   = "localhost:6379"
	DefaultPresenceTTL = 60 * time.Second

	// Logging defaults.
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"

	DefaultMetricsPath = "/metrics"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        DefaultHost,
			Port:        DefaultPort,
			ReadTimeout: DefaultReadTimeout,
			IdleTimeout: DefaultIdleTimeout,
			MaxBodySize: DefaultMaxBodySize,
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				ExposedHeaders: []string{"X-Request-ID"},
				MaxAge:         12 * time.Hour,
			},
		},
		Database: DatabaseConfig{
			Path:         DefaultDBPath,
			WALMode:      true,
			CacheSize:    DefaultCacheSize,
			BusyTimeout:  DefaultBusyTimeout,
			ForeignKeys:  true,
			MaxOpenConns: DefaultMaxOpenConns,
			MaxIdleConns: DefaultMaxIdleConns,
		},
		Routing: RoutingConfig{
			Path:     DefaultRoutingPath,
			Watch:    true,
			Debounce: DefaultRoutingDebounce,
		},
		Relay: RelayConfig{
			MaxRequestBodySize: DefaultMaxRequestBodySize,
			DefaultTimeout:     DefaultDeliveryTimeout,
			HeartbeatTimeout:   DefaultHeartbeatTimeout,
			SweepInterval:      DefaultSweepInterval,
			DefaultMaxRetries:  DefaultMaxRetries,
			DocsURL:            DefaultDocsURL,
		},
		Delivery: DeliveryConfig{
			Workers:      DefaultWorkers,
			PollInterval: DefaultPollInterval,
			BatchSize:    DefaultBatchSize,
			Lease:        DefaultLease,
			UserAgent:    DefaultUserAgent,
		},
		Retry: RetryConfig{
			BaseDelay: DefaultBaseDelay,
			MaxDelay:  DefaultMaxDelay,
		},
		Retention: RetentionConfig{
			Enabled:   true,
			MaxAge:    DefaultRetentionMaxAge,
			Schedule:  DefaultRetentionSchedule,
			BatchSize: DefaultRetentionBatchSize,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Backend: "filesystem",
			Bucket:  "hookrelay-archive",
			Path:    "archive",
		},
		Auth: AuthConfig{
			JWT: JWTConfig{
				Issuer: DefaultJWTIssuer,
			},
			BcryptCost:     DefaultBcryptCost,
			APIKeyCacheTTL: DefaultAPIKeyCacheTTL,
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        DefaultRedisAddr,
			PresenceTTL: DefaultPresenceTTL,
		},
		Logging: LoggingConfig{
			Level:     DefaultLogLevel,
			Format:    DefaultLogFormat,
			Timestamp: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    DefaultMetricsPath,
		},
	}
}
