package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // EMAIL_TIMEZONE must resolve in minimal images

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatcher service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Email     EmailConfig     `yaml:"email"`
	Resend    ResendConfig    `yaml:"resend"`
	SES       SESConfig       `yaml:"ses"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Templates TemplatesConfig `yaml:"templates"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port                int      `yaml:"port"`
	Host                string   `yaml:"host"`
	ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
	AllowedOrigins      []string `yaml:"allowed_origins"`
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	// ClaimMode is "atomic" (default) or "degraded".
	ClaimMode string `yaml:"claim_mode"`
}

// RedisConfig is optional; without it periodic jobs lock through Postgres.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// EmailConfig holds sender identity and provider selection.
type EmailConfig struct {
	Provider  string `yaml:"provider"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// ResendConfig holds Resend API settings.
type ResendConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

func (c ResendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds AWS SES settings. Keys are optional.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
	Endpoint         string `yaml:"endpoint"`
}

// DispatchConfig controls one dispatcher invocation.
type DispatchConfig struct {
	Secret             string `yaml:"secret"`
	BatchSize          int    `yaml:"batch_size"`
	Concurrency        int    `yaml:"concurrency"`
	SendTimeoutSeconds int    `yaml:"send_timeout_seconds"`
	MarkAttempts       int    `yaml:"mark_attempts"`
	MarkBackoffMillis  int    `yaml:"mark_backoff_millis"`
}

func (c DispatchConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

func (c DispatchConfig) MarkBackoff() time.Duration {
	return time.Duration(c.MarkBackoffMillis) * time.Millisecond
}

// MonitorConfig controls the stale-sending monitor.
type MonitorConfig struct {
	Enabled           bool `yaml:"enabled"`
	IntervalSeconds   int  `yaml:"interval_seconds"`
	StaleAfterMinutes int  `yaml:"stale_after_minutes"`
}

func (c MonitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c MonitorConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

// TemplatesConfig holds rendering settings.
type TemplatesConfig struct {
	BrandName string `yaml:"brand_name"`
	// Timezone is an IANA name used to display event start times.
	Timezone string `yaml:"timezone"`
}

// Location resolves Timezone, falling back to UTC.
func (c TemplatesConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// RedactPII masks recipient addresses in logs. Nil means true.
	RedactPII *bool `yaml:"redact_pii"`
}

// Redact resolves RedactPII.
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads and parses the configuration file. An empty path skips the
// file and returns defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 300
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ClaimMode == "" {
		cfg.Database.ClaimMode = "atomic"
	}
	if cfg.Email.Provider == "" {
		cfg.Email.Provider = "resend"
	}
	if cfg.Resend.BaseURL == "" {
		cfg.Resend.BaseURL = "https://api.resend.com"
	}
	if cfg.Resend.TimeoutSeconds == 0 {
		cfg.Resend.TimeoutSeconds = 15
	}
	if cfg.Resend.MaxRetries == 0 {
		cfg.Resend.MaxRetries = 2
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 25
	}
	if cfg.Dispatch.Concurrency == 0 {
		cfg.Dispatch.Concurrency = 1
	}
	if cfg.Dispatch.SendTimeoutSeconds == 0 {
		cfg.Dispatch.SendTimeoutSeconds = 30
	}
	if cfg.Dispatch.MarkAttempts == 0 {
		cfg.Dispatch.MarkAttempts = 3
	}
	if cfg.Dispatch.MarkBackoffMillis == 0 {
		cfg.Dispatch.MarkBackoffMillis = 200
	}
	if cfg.Monitor.IntervalSeconds == 0 {
		cfg.Monitor.IntervalSeconds = 120
	}
	if cfg.Monitor.StaleAfterMinutes == 0 {
		cfg.Monitor.StaleAfterMinutes = 15
	}
	if cfg.Templates.BrandName == "" {
		cfg.Templates.BrandName = "BetterBobcats"
	}
	if cfg.Templates.Timezone == "" {
		cfg.Templates.Timezone = "UTC"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets
// can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}

	num("PORT", &cfg.Server.Port)
	str("SERVER_HOST", &cfg.Server.Host)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}

	str("DATABASE_URL", &cfg.Database.URL)
	str("CLAIM_MODE", &cfg.Database.ClaimMode)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)

	str("EMAIL_PROVIDER", &cfg.Email.Provider)
	str("FROM_EMAIL", &cfg.Email.FromEmail)
	str("FROM_NAME", &cfg.Email.FromName)

	str("RESEND_API_KEY", &cfg.Resend.APIKey)
	str("RESEND_BASE_URL", &cfg.Resend.BaseURL)

	str("AWS_SES_REGION", &cfg.SES.Region)
	str("AWS_SES_ACCESS_KEY", &cfg.SES.AccessKey)
	str("AWS_SES_SECRET_KEY", &cfg.SES.SecretKey)
	str("AWS_SES_CONFIGURATION_SET", &cfg.SES.ConfigurationSet)

	str("SEND_EMAILS_SECRET", &cfg.Dispatch.Secret)
	num("BATCH_SIZE", &cfg.Dispatch.BatchSize)
	num("SEND_CONCURRENCY", &cfg.Dispatch.Concurrency)
	num("SEND_TIMEOUT_SECONDS", &cfg.Dispatch.SendTimeoutSeconds)

	str("BRAND_NAME", &cfg.Templates.BrandName)
	str("EMAIL_TIMEZONE", &cfg.Templates.Timezone)
	str("LOG_LEVEL", &cfg.Logging.Level)
	if v := os.Getenv("LOG_REDACT_PII"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("LOG_REDACT_PII: %q is not a boolean", v))
		} else {
			cfg.Logging.RedactPII = &b
		}
	}
	return errors.Join(errs...)
}

// Validate reports every missing or out-of-range setting the server needs.
func (cfg *Config) Validate() error {
	var errs []error
	missing := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	missing("DATABASE_URL", cfg.Database.URL)
	missing("SEND_EMAILS_SECRET", cfg.Dispatch.Secret)
	missing("FROM_EMAIL", cfg.Email.FromEmail)
	missing("FROM_NAME", cfg.Email.FromName)

	switch strings.ToLower(cfg.Email.Provider) {
	case "resend":
		missing("RESEND_API_KEY", cfg.Resend.APIKey)
	case "ses":
		missing("AWS_SES_REGION", cfg.SES.Region)
	default:
		errs = append(errs, fmt.Errorf("EMAIL_PROVIDER: unknown provider %q", cfg.Email.Provider))
	}

	switch cfg.Database.ClaimMode {
	case "atomic", "degraded":
	default:
		errs = append(errs, fmt.Errorf("CLAIM_MODE: unknown mode %q", cfg.Database.ClaimMode))
	}

	if cfg.Dispatch.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("BATCH_SIZE must be at least 1"))
	}
	if cfg.Dispatch.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("SEND_CONCURRENCY must be at least 1"))
	}
	if cfg.Dispatch.SendTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("SEND_TIMEOUT_SECONDS must be at least 1"))
	}
	if cfg.Templates.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Templates.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("EMAIL_TIMEZONE: %w", err))
		}
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
