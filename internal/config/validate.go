package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

func Validate(cfg *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateDatabase(&cfg.Database)...)
	errs = append(errs, validateRouting(&cfg.Routing)...)
	errs = append(errs, validateRelay(&cfg.Relay)...)
	errs = append(errs, validateDelivery(&cfg.Delivery)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateRetention(&cfg.Retention)...)
	errs = append(errs, validateArchive(&cfg.Archive)...)
	errs = append(errs, validateAuth(&cfg.Auth)...)
	errs = append(errs, validateRedis(&cfg.Redis)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(cfg *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: "must be between 1 and 65535",
		})
	}

	if cfg.ReadTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.read_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.WriteTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.write_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.MaxBodySize <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.max_body_size",
			Message: "must be positive",
		})
	}

	if cfg.CORS.Enabled && cfg.CORS.AllowCredentials {
		for _, origin := range cfg.CORS.AllowedOrigins {
			if origin == "*" {
				errs = append(errs, ValidationError{
					Field:   "server.cors",
					Message: "security: allow_credentials=true with allowed_origins=[\"*\"] is insecure",
				})
				break
			}
		}
	}

	if cfg.TLS != nil && cfg.TLS.Enabled {
		if cfg.TLS.CertFile == "" {
			errs = append(errs, ValidationError{
				Field:   "server.tls.cert_file",
				Message: "required when TLS is enabled",
			})
		}
		if cfg.TLS.KeyFile == "" {
			errs = append(errs, ValidationError{
				Field:   "server.tls.key_file",
				Message: "required when TLS is enabled",
			})
		}
	}

	return errs
}

func validateDatabase(cfg *DatabaseConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "database.path",
			Message: "is required",
		})
	}

	if cfg.BusyTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "database.busy_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.MaxOpenConns < 1 {
		errs = append(errs, ValidationError{
			Field:   "database.max_open_conns",
			Message: "must be at least 1",
		})
	}

	return errs
}

func validateRouting(cfg *RoutingConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "routing.path",
			Message: "is required",
		})
	}

	if cfg.Debounce < 0 {
		errs = append(errs, ValidationError{
			Field:   "routing.debounce",
			Message: "must be non-negative",
		})
	}

	return errs
}

func validateRelay(cfg *RelayConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.MaxRequestBodySize < 0 {
		errs = append(errs, ValidationError{
			Field:   "relay.max_request_body_size",
			Message: "must be non-negative",
		})
	}

	if cfg.DefaultTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "relay.default_timeout",
			Message: "must be positive",
		})
	}

	if cfg.HeartbeatTimeout < time.Second {
		errs = append(errs, ValidationError{
			Field:   "relay.heartbeat_timeout",
			Message: "must be at least 1s",
		})
	}

	if cfg.SweepInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "relay.sweep_interval",
			Message: "must be positive",
		})
	}

	if cfg.DefaultMaxRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   "relay.default_max_retries",
			Message: "must be non-negative",
		})
	}

	return errs
}

func validateDelivery(cfg *DeliveryConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Workers < 1 {
		errs = append(errs, ValidationError{
			Field:   "delivery.workers",
			Message: "must be at least 1",
		})
	}

	if cfg.PollInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "delivery.poll_interval",
			Message: "must be positive",
		})
	}

	if cfg.BatchSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "delivery.batch_size",
			Message: "must be at least 1",
		})
	}

	if cfg.Lease < time.Second {
		errs = append(errs, ValidationError{
			Field:   "delivery.lease",
			Message: "must be at least 1s",
		})
	}

	return errs
}

func validateRetry(cfg *RetryConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.BaseDelay <= 0 {
		errs = append(errs, ValidationError{
			Field:   "retry.base_delay",
			Message: "must be positive",
		})
	}

	if cfg.MaxDelay < cfg.BaseDelay {
		errs = append(errs, ValidationError{
			Field:   "retry.max_delay",
			Message: "must be greater than or equal to retry.base_delay",
		})
	}

	return errs
}

func validateRetention(cfg *RetentionConfig) ValidationErrors {
	var errs ValidationErrors

	if !cfg.Enabled {
		return errs
	}

	if cfg.MaxAge <= 0 {
		errs = append(errs, ValidationError{
			Field:   "retention.max_age",
			Message: "must be positive",
		})
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		errs = append(errs, ValidationError{
			Field:   "retention.schedule",
			Message: fmt.Sprintf("invalid cron expression: %v", err),
		})
	}

	if cfg.BatchSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "retention.batch_size",
			Message: "must be at least 1",
		})
	}

	return errs
}

func validateArchive(cfg *ArchiveConfig) ValidationErrors {
	var errs ValidationErrors

	if !cfg.Enabled {
		return errs
	}

	if cfg.Bucket == "" {
		errs = append(errs, ValidationError{
			Field:   "archive.bucket",
			Message: "is required when archive is enabled",
		})
	}

	switch cfg.Backend {
	case "filesystem":
		if cfg.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "archive.path",
				Message: "is required for the filesystem backend",
			})
		}
	case "s3":
		if cfg.S3.Region == "" {
			errs = append(errs, ValidationError{
				Field:   "archive.s3.region",
				Message: "is required for the s3 backend",
			})
		}
		if cfg.S3.AccessKeyID == "" || cfg.S3.SecretAccessKey == "" {
			errs = append(errs, ValidationError{
				Field:   "archive.s3",
				Message: "access_key_id and secret_access_key are required for the s3 backend",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "archive.backend",
			Message: "must be 'filesystem' or 's3'",
		})
	}

	return errs
}

func validateAuth(cfg *AuthConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.JWT.Secret != "" {
		if err := ValidateJWTSecret(cfg.JWT.Secret); err != nil {
			errs = append(errs, *err.(*ValidationError))
		}
	}

	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		errs = append(errs, ValidationError{
			Field:   "auth.bcrypt_cost",
			Message: "must be between 4 and 31",
		})
	}

	if cfg.APIKeyCacheTTL < 0 {
		errs = append(errs, ValidationError{
			Field:   "auth.api_key_cache_ttl",
			Message: "must be non-negative",
		})
	}

	return errs
}

func validateRedis(cfg *RedisConfig) ValidationErrors {
	var errs ValidationErrors

	if !cfg.Enabled {
		return errs
	}

	if cfg.Addr == "" {
		errs = append(errs, ValidationError{
			Field:   "redis.addr",
			Message: "is required when redis is enabled",
		})
	}

	if cfg.PresenceTTL < time.Second {
		errs = append(errs, ValidationError{
			Field:   "redis.presence_ttl",
			Message: "must be at least 1s",
		})
	}

	return errs
}

func validateLogging(cfg *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[cfg.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: trace, debug, info, warn, error, fatal, panic",
		})
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Format] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be 'json' or 'console'",
		})
	}

	return errs
}

func ValidateJWTSecret(secret string) error {
	if secret == "" {
		return &ValidationError{
			Field:   "auth.jwt.secret",
			Message: "required for token auth",
		}
	}
	if len(secret) < 32 {
		return &ValidationError{
			Field:   "auth.jwt.secret",
			Message: "must be at least 32 characters",
		}
	}
	return nil
}
