package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	ErrConfigNotFound = errors.New("config file not found")
)

type LoadOptions struct {
	ConfigFile string
	EnvPrefix  string
	Defaults   *Config
}

func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	defaults := opts.Defaults
	if defaults == nil {
		defaults = Default()
	}
	setViperDefaults(v, defaults)

	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "HOOKRELAY"
	}
	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("hookrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/hookrelay")
		v.AddConfigPath("/etc/hookrelay")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	expandEnvInConfig(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func LoadFromFile(path string) (*Config, error) {
	return Load(LoadOptions{ConfigFile: path})
}

func LoadWithDefaults() (*Config, error) {
	return Load(LoadOptions{})
}

func setViperDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.public_url", cfg.Server.PublicURL)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", cfg.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", cfg.Server.MaxBodySize)
	v.SetDefault("server.cors.enabled", cfg.Server.CORS.Enabled)
	v.SetDefault("server.cors.allowed_origins", cfg.Server.CORS.AllowedOrigins)
	v.SetDefault("server.cors.exposed_headers", cfg.Server.CORS.ExposedHeaders)
	v.SetDefault("server.cors.allow_credentials", cfg.Server.CORS.AllowCredentials)
	v.SetDefault("server.cors.max_age", cfg.Server.CORS.MaxAge)

	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.wal_mode", cfg.Database.WALMode)
	v.SetDefault("database.cache_size", cfg.Database.CacheSize)
	v.SetDefault("database.busy_timeout", cfg.Database.BusyTimeout)
	v.SetDefault("database.foreign_keys", cfg.Database.ForeignKeys)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", cfg.Database.ConnMaxLifetime)

	v.SetDefault("routing.path", cfg.Routing.Path)
	v.SetDefault("routing.watch", cfg.Routing.Watch)
	v.SetDefault("routing.debounce", cfg.Routing.Debounce)

	v.SetDefault("relay.max_request_body_size", cfg.Relay.MaxRequestBodySize)
	v.SetDefault("relay.default_timeout", cfg.Relay.DefaultTimeout)
	v.SetDefault("relay.heartbeat_timeout", cfg.Relay.HeartbeatTimeout)
	v.SetDefault("relay.sweep_interval", cfg.Relay.SweepInterval)
	v.SetDefault("relay.default_max_retries", cfg.Relay.DefaultMaxRetries)
	v.SetDefault("relay.docs_url", cfg.Relay.DocsURL)

	v.SetDefault("delivery.workers", cfg.Delivery.Workers)
	v.SetDefault("delivery.poll_interval", cfg.Delivery.PollInterval)
	v.SetDefault("delivery.batch_size", cfg.Delivery.BatchSize)
	v.SetDefault("delivery.lease", cfg.Delivery.Lease)
	v.SetDefault("delivery.user_agent", cfg.Delivery.UserAgent)

	v.SetDefault("retry.base_delay", cfg.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)

	v.SetDefault("retention.enabled", cfg.Retention.Enabled)
	v.SetDefault("retention.max_age", cfg.Retention.MaxAge)
	v.SetDefault("retention.schedule", cfg.Retention.Schedule)
	v.SetDefault("retention.batch_size", cfg.Retention.BatchSize)

	v.SetDefault("archive.enabled", cfg.Archive.Enabled)
	v.SetDefault("archive.backend", cfg.Archive.Backend)
	v.SetDefault("archive.bucket", cfg.Archive.Bucket)
	v.SetDefault("archive.path", cfg.Archive.Path)
	v.SetDefault("archive.s3.endpoint", cfg.Archive.S3.Endpoint)
	v.SetDefault("archive.s3.region", cfg.Archive.S3.Region)
	v.SetDefault("archive.s3.access_key_id", cfg.Archive.S3.AccessKeyID)
	v.SetDefault("archive.s3.secret_access_key", cfg.Archive.S3.SecretAccessKey)
	v.SetDefault("archive.s3.bucket_prefix", cfg.Archive.S3.BucketPrefix)
	v.SetDefault("archive.s3.force_path_style", cfg.Archive.S3.ForcePathStyle)

	v.SetDefault("auth.jwt.secret", cfg.Auth.JWT.Secret)
	v.SetDefault("auth.jwt.issuer", cfg.Auth.JWT.Issuer)
	v.SetDefault("auth.jwt.audience", cfg.Auth.JWT.Audience)
	v.SetDefault("auth.bcrypt_cost", cfg.Auth.BcryptCost)
	v.SetDefault("auth.api_key_cache_ttl", cfg.Auth.APIKeyCacheTTL)

	v.SetDefault("redis.enabled", cfg.Redis.Enabled)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("redis.presence_ttl", cfg.Redis.PresenceTTL)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.caller", cfg.Logging.Caller)
	v.SetDefault("logging.timestamp", cfg.Logging.Timestamp)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}

func expandEnvInConfig(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			envVar := val[2 : len(val)-1]
			if envVal := os.Getenv(envVar); envVal != "" {
				v.Set(key, envVal)
			}
		}
	}
}

func ConfigFilePath(customPath string) (string, error) {
	if customPath != "" {
		absPath, err := filepath.Abs(customPath)
		if err != nil {
			return "", fmt.Errorf("resolving config path: %w", err)
		}
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", absPath)
		}
		return absPath, nil
	}

	searchPaths := []string{
		"hookrelay.yaml",
		"hookrelay.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "hookrelay", "hookrelay.yaml"),
		"/etc/hookrelay/hookrelay.yaml",
	}

	for _, p := range searchPaths {
		if _, err := os.Stat(p); err == nil {
			return filepath.Abs(p)
		}
	}

	return "", ErrConfigNotFound
}
