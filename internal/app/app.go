// Package app initializes and holds long-lived services for the buildwatch
// commands, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	gpubsub "cloud.google.com/go/pubsub"

	"github.com/JakeFAU/buildwatch/internal/backend"
	"github.com/JakeFAU/buildwatch/internal/channel"
	"github.com/JakeFAU/buildwatch/internal/config"
	"github.com/JakeFAU/buildwatch/internal/progress"
	"github.com/JakeFAU/buildwatch/internal/progress/sinks"
	"github.com/JakeFAU/buildwatch/internal/store"
	"github.com/JakeFAU/buildwatch/internal/store/postgres"
	"github.com/JakeFAU/buildwatch/internal/tracker"
)

// App holds the shared services. Bus clients are created on first use so
// commands that never touch Redis or Pub/Sub do not need them reachable.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	backend  *backend.Client
	channel  *channel.Channel
	progress *progress.Hub
	runs     *postgres.RunStore
	tracker  *tracker.Service

	mu           sync.Mutex
	redisClient  *redis.Client
	pubsubClient *gpubsub.Client
	closers      []func(context.Context) error
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
}

// WithRegisterer registers the progress collectors on reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// New builds every service cfg enables. It fails fast when a configured
// dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	client, err := backend.NewClient(backend.Options{
		BaseURL:    cfg.API.BaseURL,
		Timeout:    cfg.APITimeout(),
		MaxRetries: cfg.API.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init backend client: %w", err)
	}
	a.backend = client

	if cfg.DB.DSN != "" {
		runs, err := postgres.NewRunStore(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns), //nolint:gosec // bounded by config validation
		})
		if err != nil {
			return nil, fmt.Errorf("init build run store: %w", err)
		}
		if err := runs.EnsureSchema(ctx); err != nil {
			runs.Close()
			return nil, err
		}
		a.runs = runs
		logger.Info("recording build runs in postgres")
	}

	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		a.closeRuns()
		return nil, err
	}
	progressSinks := []progress.Sink{sinks.NewLogSink(logger.Named("events")), promSink}
	if a.runs != nil {
		progressSinks = append(progressSinks, sinks.NewStoreSink(a.runs, logger))
	}
	a.progress = progress.NewHub(progress.Config{
		BufferSize:   cfg.Progress.BufferSize,
		MaxBatch:     cfg.Progress.MaxBatchEvents,
		MaxBatchWait: cfg.Progress.MaxBatchWait,
		BaseContext:  context.WithoutCancel(ctx),
		Logger:       logger,
	}, progressSinks...)

	a.channel = channel.New(channel.Config{
		URL:              cfg.Events.URL,
		ReconnectDelay:   cfg.Events.ReconnectDelay,
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
		DialTimeout:      cfg.Events.DialTimeout,
		IdleTimeout:      cfg.Events.IdleTimeout,
		Logger:           logger,
	})
	a.tracker = tracker.NewService(a.channel, a.backend, logger)
	return a, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Backend returns the REST client.
func (a *App) Backend() *backend.Client {
	return a.backend
}

// Channel returns the shared event channel. It connects on first Subscribe.
func (a *App) Channel() *channel.Channel {
	return a.channel
}

// Progress returns the recording hub.
func (a *App) Progress() *progress.Hub {
	return a.progress
}

// Tracker returns the submit-and-watch service.
func (a *App) Tracker() *tracker.Service {
	return a.tracker
}

// Runs returns the build-run audit store, or nil when db.dsn is unset.
func (a *App) Runs() store.BuildRunRepository {
	if a.runs == nil {
		return nil
	}
	return a.runs
}

// Close shuts services down in reverse order of dependency.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if err := a.progress.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	a.closeRuns()
	return errors.Join(errs...)
}

func (a *App) closeRuns() {
	if a.runs != nil {
		a.runs.Close()
		a.runs = nil
	}
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}
