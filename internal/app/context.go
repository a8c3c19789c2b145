package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"orderline/internal/cache"
	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/engine"
	"orderline/internal/migrate"
	"orderline/internal/notify"
	"orderline/internal/obs"
)

// Context holds the process-wide collaborators built from Settings.
type Context struct {
	Settings  config.Settings
	Lifecycle *config.Config
	Log       *logrus.Logger
	DB        *sqlx.DB
	Cache     cache.Cache
	Notifier  *notify.Async
	Engine    engine.Engine

	closers []func(context.Context) error
}

// Open connects the store and cache, applies migrations and starts the
// notification worker. Callers must Close the returned context.
func Open(ctx context.Context, s config.Settings) (*Context, error) {
	log := obs.NewLogger(s.LogLevel, s.LogFormat)
	lifecycle, err := config.LoadOptional(s.LifecycleConfig)
	if err != nil {
		return nil, fmt.Errorf("lifecycle config: %w", err)
	}
	c := &Context{Settings: s, Lifecycle: lifecycle, Log: log}

	conn, err := db.Open(db.Config{Driver: s.DBDriver, DSN: s.DatabaseURL, Workspace: s.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	c.DB = conn
	c.closers = append(c.closers, func(context.Context) error { return conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if s.RedisURL != "" {
		rc, err := cache.NewRedis(s.RedisURL, "orderline:")
		if err != nil {
			c.Close(ctx)
			return nil, err
		}
		if err := rc.Ping(ctx); err != nil {
			// cache errors degrade to store reads
			log.WithError(err).Warn("redis unreachable at startup")
		}
		c.Cache = rc
		c.closers = append(c.closers, func(context.Context) error { return rc.Close() })
	} else {
		c.Cache = cache.NewMemory()
	}

	dispatchers := notify.Multi{notify.Log{Entry: obs.Component(log, "notify")}}
	if s.WebhookURL != "" {
		dispatchers = append(dispatchers, notify.NewWebhook(s.WebhookURL, s.WebhookSecret))
	}
	c.Notifier = notify.NewAsync(dispatchers, s.NotifyQueue, s.NotifyRetries, time.Second, obs.Component(log, "notify"))
	c.closers = append(c.closers, c.Notifier.Close)

	c.Engine = engine.New(conn, lifecycle, engine.Options{
		Cache:        c.Cache,
		ItemTTL:      s.ItemTTL,
		ScopeTTL:     s.ScopeTTL,
		AggregateTTL: s.AggregateTTL,
		Notifier:     c.Notifier,
		Logger:       log,
	})
	return c, nil
}

// Close releases resources in reverse order of acquisition.
func (c *Context) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
