package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mstgnz/paygate/infra/validate"
)

// ErrMissingSecret is returned when live mode is configured without gateway credentials
var ErrMissingSecret = errors.New("live mode requires IYZICO_API_KEY and IYZICO_SECRET_KEY")

// ErrMissingSetting is returned when a setting without a default is absent
var ErrMissingSetting = errors.New("missing required setting")

// GatewayConfig configures the iyzico client
type GatewayConfig struct {
	Mode                string        `validate:"required,gateway_mode"`
	APIKey              string        `validate:"-"`
	SecretKey           string        `validate:"-"`
	BaseURL             string        `validate:"omitempty,url"`
	InstallmentsEnabled bool          `validate:"-"`
	MaxInstallments     int           `validate:"max_installments"`
	Force3DS            bool          `validate:"-"`
	CallbackURL         string        `validate:"omitempty,url"`
	Locale              string        `validate:"oneof=tr en"`
	Timeout             time.Duration `validate:"gt=0"`
}

// ReconcileConfig bounds how long and how often a transaction is chased
type ReconcileConfig struct {
	ResultTimeout time.Duration `validate:"gt=0"`
	MaxTriggers   int           `validate:"gt=0"`
	SweepSchedule string        `validate:"required"`
	ReturnURL     string        `validate:"omitempty,url"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Port           string `validate:"required,numeric"`
	APIKey         string `validate:"-"`
	WebhookWorkers int    `validate:"gt=0"`
	WebhookQueue   int    `validate:"gt=0"`
	RateLimit      int    `validate:"gte=0"`
	CORSOrigins    []string
}

// StorageConfig selects the transaction store
type StorageConfig struct {
	Driver      string `validate:"oneof=memory sqlite postgres"`
	SQLitePath  string `validate:"required_if=Driver sqlite"`
	PostgresDSN string `validate:"required_if=Driver postgres"`
}

// RedisConfig enables the distributed per-reference lock when Addr is set
type RedisConfig struct {
	Addr     string
	Password string
	DB       int `validate:"gte=0"`
}

// KafkaConfig enables settlement events when Brokers is set
type KafkaConfig struct {
	Brokers      []string
	SettledTopic string `validate:"required_with=Brokers"`
}

// OpenSearchConfig enables the audit trail when Enabled
type OpenSearchConfig struct {
	URL      string `validate:"required_if=Enabled true"`
	User     string
	Password string
	Enabled  bool
}

// Config is the immutable application configuration
type Config struct {
	Env        string `validate:"required"`
	LogLevel   string
	Gateway    GatewayConfig
	Reconcile  ReconcileConfig
	Server     ServerConfig
	Storage    StorageConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	OpenSearch OpenSearchConfig
}

// IsLive reports whether the gateway runs against production
func (c *Config) IsLive() bool {
	return c.Gateway.Mode == "live"
}

// Load reads the configuration from the process environment
func Load() (*Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LookupFunc resolves a setting by name
type LookupFunc func(key string) (string, bool)

// LoadFrom builds and validates a Config from lookup. The result is never mutated afterwards.
func LoadFrom(lookup LookupFunc) (*Config, error) {
	env := source{lookup: lookup}

	cfg := &Config{
		Env:      env.str("APP_ENV", "development"),
		LogLevel: env.str("LOG_LEVEL", "info"),
		Gateway: GatewayConfig{
			Mode:                strings.ToLower(env.str("IYZICO_MODE", "sandbox")),
			APIKey:              env.str("IYZICO_API_KEY", ""),
			SecretKey:           env.str("IYZICO_SECRET_KEY", ""),
			BaseURL:             env.str("IYZICO_BASE_URL", ""),
			InstallmentsEnabled: env.boolean("IYZICO_INSTALLMENTS", true),
			MaxInstallments:     env.integer("IYZICO_MAX_INSTALLMENTS", 12),
			Force3DS:            env.boolean("IYZICO_FORCE_3DS", false),
			CallbackURL:         env.str("IYZICO_CALLBACK_URL", ""),
			Locale:              strings.ToLower(env.str("IYZICO_LOCALE", "tr")),
			Timeout:             env.duration("IYZICO_TIMEOUT", 60*time.Second),
		},
		Reconcile: ReconcileConfig{
			ResultTimeout: env.requiredDuration("RESULT_TIMEOUT"),
			MaxTriggers:   env.requiredInt("MAX_TRIGGERS"),
			SweepSchedule: env.str("SWEEP_SCHEDULE", "@every 1m"),
			ReturnURL:     env.str("RETURN_URL", ""),
		},
		Server: ServerConfig{
			Port:           env.str("APP_PORT", "9999"),
			APIKey:         env.str("API_KEY", ""),
			WebhookWorkers: env.integer("WEBHOOK_WORKERS", 4),
			WebhookQueue:   env.integer("WEBHOOK_QUEUE", 256),
			RateLimit:      env.integer("RATE_LIMIT_PER_MINUTE", 0),
			CORSOrigins:    splitList(env.str("CORS_ALLOWED_ORIGINS", "*")),
		},
		Storage: StorageConfig{
			Driver:      strings.ToLower(env.str("STORAGE_DRIVER", "memory")),
			SQLitePath:  env.str("SQLITE_PATH", "./data/paygate.db"),
			PostgresDSN: env.str("POSTGRES_DSN", ""),
		},
		Redis: RedisConfig{
			Addr:     env.str("REDIS_ADDR", ""),
			Password: env.str("REDIS_PASSWORD", ""),
			DB:       env.integer("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:      splitList(env.str("KAFKA_BROKERS", "")),
			SettledTopic: env.str("KAFKA_SETTLED_TOPIC", "paygate.transaction.settled"),
		},
		OpenSearch: OpenSearchConfig{
			URL:      env.str("OPENSEARCH_URL", ""),
			User:     env.str("OPENSEARCH_USER", ""),
			Password: env.str("OPENSEARCH_PASSWORD", ""),
		},
	}
	cfg.OpenSearch.Enabled = env.boolean("ENABLE_OPENSEARCH_LOGGING", cfg.OpenSearch.URL != "")

	if len(env.errs) > 0 {
		return nil, errors.Join(env.errs...)
	}

	if cfg.IsLive() && (cfg.Gateway.APIKey == "" || cfg.Gateway.SecretKey == "") {
		return nil, ErrMissingSecret
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.IsLive() {
		if err := requireHTTPS("IYZICO_CALLBACK_URL", cfg.Gateway.CallbackURL); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func requireHTTPS(key, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return fmt.Errorf("invalid configuration: %s must use https in live mode", key)
	}
	return nil
}

type source struct {
	lookup LookupFunc
	errs   []error
}

func (s *source) raw(key string) (string, bool) {
	v, ok := s.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (s *source) str(key, def string) string {
	if v, ok := s.raw(key); ok {
		return v
	}
	return def
}

func (s *source) boolean(key string, def bool) bool {
	v, ok := s.raw(key)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return parsed
}

func (s *source) integer(key string, def int) int {
	v, ok := s.raw(key)
	if !ok {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return parsed
}

func (s *source) duration(key string, def time.Duration) time.Duration {
	v, ok := s.raw(key)
	if !ok {
		return def
	}
	parsed, err := parseDuration(v)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return parsed
}

func (s *source) requiredDuration(key string) time.Duration {
	if _, ok := s.raw(key); !ok {
		s.errs = append(s.errs, fmt.Errorf("%w: %s", ErrMissingSetting, key))
		return 0
	}
	return s.duration(key, 0)
}

func (s *source) requiredInt(key string) int {
	if _, ok := s.raw(key); !ok {
		s.errs = append(s.errs, fmt.Errorf("%w: %s", ErrMissingSetting, key))
		return 0
	}
	return s.integer(key, 0)
}

// parseDuration accepts Go durations ("15m") or a bare number of seconds ("900")
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%q is not a duration", v)
	}
	return d, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetDurationEnv returns the duration value of an environment variable or a default value
func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := parseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
