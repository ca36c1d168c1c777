// Package bootstrap builds the dispatcher and its collaborators from
// configuration. Both cmd/server and cmd/outboxctl start from here.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/betterbobcats/email-outbox/internal/config"
	"github.com/betterbobcats/email-outbox/internal/domain"
	"github.com/betterbobcats/email-outbox/internal/mailing"
	"github.com/betterbobcats/email-outbox/internal/pkg/logger"
	"github.com/betterbobcats/email-outbox/internal/repository/postgres"
	"github.com/betterbobcats/email-outbox/internal/service/outbox"
	"github.com/betterbobcats/email-outbox/internal/worker"
)

// ConfigureLogger applies the logging section to the package logger.
func ConfigureLogger(cfg config.LoggingConfig) error {
	level, ok := logger.ParseLevel(cfg.Level)
	if !ok {
		return fmt.Errorf("unknown log level %q", cfg.Level)
	}
	logger.SetLevel(level)
	logger.SetRedactPII(cfg.Redact())
	return nil
}

// OpenDB connects to Postgres and verifies the connection.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// OpenRedis returns nil when Redis is not configured. Addr may be a
// host:port or a redis:// URL.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	var opts *redis.Options
	if strings.HasPrefix(cfg.Addr, "redis://") || strings.HasPrefix(cfg.Addr, "rediss://") {
		parsed, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewOutboxRepo wraps db in the Postgres store using the configured claim mode.
func NewOutboxRepo(db *sql.DB, cfg config.DatabaseConfig) (*postgres.OutboxRepo, error) {
	mode, err := postgres.ParseClaimMode(cfg.ClaimMode)
	if err != nil {
		return nil, err
	}
	return postgres.NewOutboxRepo(db).WithClaimMode(mode), nil
}

// NewRenderer builds the template renderer from the templates section.
func NewRenderer(cfg config.TemplatesConfig) (*mailing.Renderer, error) {
	return mailing.NewRenderer(mailing.RendererOptions{
		BrandName: cfg.BrandName,
		Location:  cfg.Location(),
	})
}

// SenderConfig maps configuration onto the provider factory input.
func SenderConfig(cfg *config.Config) worker.SenderConfig {
	return worker.SenderConfig{
		Provider: domain.Provider(cfg.Email.Provider),
		Resend: worker.ResendConfig{
			APIKey:     cfg.Resend.APIKey,
			BaseURL:    cfg.Resend.BaseURL,
			Timeout:    cfg.Resend.Timeout(),
			MaxRetries: cfg.Resend.MaxRetries,
		},
		SES: worker.SESConfig{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKey,
			SecretAccessKey:  cfg.SES.SecretKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
			Endpoint:         cfg.SES.Endpoint,
		},
	}
}

// DispatcherOptions maps configuration onto outbox.Options.
func DispatcherOptions(cfg *config.Config, obs outbox.Observer) outbox.Options {
	return outbox.Options{
		BatchSize:    cfg.Dispatch.BatchSize,
		Concurrency:  cfg.Dispatch.Concurrency,
		SendTimeout:  cfg.Dispatch.SendTimeout(),
		MarkAttempts: cfg.Dispatch.MarkAttempts,
		MarkBackoff:  cfg.Dispatch.MarkBackoff(),
		FromName:     cfg.Email.FromName,
		FromEmail:    cfg.Email.FromEmail,
		Secret:       cfg.Dispatch.Secret,
		Observer:     obs,
	}
}

// NewDispatcher wires store, renderer and provider into a Dispatcher.
func NewDispatcher(ctx context.Context, cfg *config.Config, store outbox.Store, obs outbox.Observer) (*outbox.Dispatcher, error) {
	renderer, err := NewRenderer(cfg.Templates)
	if err != nil {
		return nil, err
	}
	sender, err := worker.NewSender(ctx, SenderConfig(cfg))
	if err != nil {
		return nil, err
	}
	return outbox.NewDispatcher(store, renderer, sender, DispatcherOptions(cfg, obs)), nil
}
