// Package config provides configuration management for hookrelay.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config is the root configuration structure for hookrelay.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Retention RetentionConfig `mapstructure:"retention"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host to bind the server to
	Host string `mapstructure:"host"`

	// Port to listen on
	Port int `mapstructure:"port"`

	// Public base URL used in docs links (optional)
	PublicURL string `mapstructure:"public_url"`

	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// Write timeout. Zero keeps tunnel websockets open indefinitely.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// Hard limit on inbound request bodies in bytes. Bodies above
	// relay.max_request_body_size but below this limit are accepted and
	// stored without their body.
	MaxBodySize int64 `mapstructure:"max_body_size"`

	CORS CORSConfig `mapstructure:"cors"`

	// TLS configuration (optional)
	TLS *TLSConfig `mapstructure:"tls"`
}

// CORSConfig holds CORS settings for the admin API.
type CORSConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	ExposedHeaders   []string      `mapstructure:"exposed_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// AllowedMethods returns the methods advertised on preflight responses.
func (c CORSConfig) AllowedMethods() []string {
	return []string{"GET", "POST", "OPTIONS"}
}

// AllowedHeaders returns the headers advertised on preflight responses.
func (c CORSConfig) AllowedHeaders() []string {
	return []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"}
}

// TLSConfig holds TLS settings.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	// Path to SQLite database file
	Path string `mapstructure:"path"`

	// Enable WAL mode (recommended)
	WALMode bool `mapstructure:"wal_mode"`

	// Cache size in KB (negative for KB, positive for pages)
	CacheSize int `mapstructure:"cache_size"`

	BusyTimeout time.Duration `mapstructure:"busy_timeout"`

	ForeignKeys bool `mapstructure:"foreign_keys"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RoutingConfig points at the routing document.
type RoutingConfig struct {
	// Path to the routing document (YAML or JSON)
	Path string `mapstructure:"path"`

	// Reload the document when the file changes
	Watch bool `mapstructure:"watch"`

	// Coalescing window for file change events
	Debounce time.Duration `mapstructure:"debounce"`
}

// RelayConfig holds ingress and connection defaults.
type RelayConfig struct {
	// Bodies larger than this are not stored (size is still recorded)
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`

	// Delivery timeout used when neither destination nor source sets one
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	// A connection with no heartbeat for this long is dead
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`

	// How often dead connections are swept
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// Retries per event when the webhook does not set max_retries
	DefaultMaxRetries int `mapstructure:"default_max_retries"`

	// Docs link included in error responses
	DocsURL string `mapstructure:"docs_url"`
}

// DeliveryConfig holds delivery worker settings.
type DeliveryConfig struct {
	// Concurrent deliveries
	Workers int `mapstructure:"workers"`

	// How often the queue is polled when idle
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Jobs claimed per poll
	BatchSize int `mapstructure:"batch_size"`

	// How long a claimed job is owned before another worker may take it
	Lease time.Duration `mapstructure:"lease"`

	// User-Agent for direct HTTP deliveries
	UserAgent string `mapstructure:"user_agent"`
}

// RetryConfig holds backoff settings.
type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

// RetentionConfig controls purging of old events.
type RetentionConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Terminal events older than this are purged
	MaxAge time.Duration `mapstructure:"max_age"`

	// Cron expression for the purge job
	Schedule string `mapstructure:"schedule"`

	// Events purged per batch
	BatchSize int `mapstructure:"batch_size"`
}

// ArchiveConfig controls where purged events are written.
type ArchiveConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Backend type (filesystem or s3)
	Backend string `mapstructure:"backend"`

	// Bucket (directory for filesystem)
	Bucket string `mapstructure:"bucket"`

	// Base path for the filesystem backend
	Path string `mapstructure:"path"`

	S3 S3Config `mapstructure:"s3"`
}

// S3Config holds S3-compatible storage settings.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	BucketPrefix    string `mapstructure:"bucket_prefix"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	JWT JWTConfig `mapstructure:"jwt"`

	// bcrypt cost for hash-key
	BcryptCost int `mapstructure:"bcrypt_cost"`

	// How long a verified API key stays cached
	APIKeyCacheTTL time.Duration `mapstructure:"api_key_cache_ttl"`
}

// JWTConfig holds settings for verifying bearer tokens.
type JWTConfig struct {
	// Shared HS256 secret. Empty disables token auth and the admin API.
	Secret string `mapstructure:"secret"`

	Issuer   string   `mapstructure:"issuer"`
	Audience []string `mapstructure:"audience"`
}

// RedisConfig holds the presence mirror settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// TTL on presence keys, refreshed by heartbeats
	PresenceTTL time.Duration `mapstructure:"presence_ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Log format (json, console)
	Format string `mapstructure:"format"`

	// Include caller info
	Caller bool `mapstructure:"caller"`

	// Include timestamp
	Timestamp bool `mapstructure:"timestamp"`

	// Output file (empty for stderr)
	Output string `mapstructure:"output"`
}

// MetricsConfig holds the prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
