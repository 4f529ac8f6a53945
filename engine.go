// Package chansync keeps a local, queryable replica of server-side channel
// lists in step with the chat backend.
//
// An Engine owns the record store, the retrying API client and the sync
// services built on them:
//
//	cfg, err := chansync.LoadConfig("")
//	eng, err := chansync.New(cfg)
//	defer eng.Close()
//	go eng.Run(ctx)
//	channels, err := eng.Channels.Update(ctx, eng.NewQuery(chansync.Filter{"type": "messaging"}))
package chansync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mmcdole/chansync/internal/api"
	"github.com/mmcdole/chansync/internal/channellist"
	"github.com/mmcdole/chansync/internal/config"
	"github.com/mmcdole/chansync/internal/domain"
	"github.com/mmcdole/chansync/internal/logging"
	"github.com/mmcdole/chansync/internal/retry"
	"github.com/mmcdole/chansync/internal/store"
	"github.com/mmcdole/chansync/internal/users"
)

// Engine wires the sync services together.
type Engine struct {
	Channels *channellist.Service
	Queries  *channellist.Queries
	Users    *users.Service

	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	cleaner   *channellist.DeferredCleaner
	logCloser io.Closer
}

type options struct {
	logger   *slog.Logger
	observer domain.StateObserver
}

// Option configures an Engine.
type Option func(*options)

// WithLogger replaces the logger built from the logging config.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver reports channel list sync state transitions to obs.
func WithObserver(obs StateObserver) Option {
	return func(o *options) { o.observer = obs }
}

// New validates cfg, opens the store and builds the services.
func New(cfg *Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{cfg: cfg, logger: o.logger}
	if e.logger == nil {
		logger, closer, err := logging.Setup(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("setup logging: %w", err)
		}
		e.logger, e.logCloser = logger, closer
	}

	db, err := store.Open(store.Config{
		Dir:         cfg.Cache.Dir,
		ServerURL:   cfg.Server.URL,
		OpenTimeout: cfg.Cache.OpenTimeout,
	}, e.logger)
	if err != nil {
		e.closeLog()
		return nil, err
	}
	e.store = db

	newStrategy := func() retry.Strategy {
		return retry.NewExponentialBackoff(cfg.Retry.MaxDelay, cfg.Retry.MaxRetries)
	}
	client := api.NewClient(api.Config{
		BaseURL: cfg.Server.URL,
		APIKey:  cfg.Server.APIKey,
		Token:   cfg.Server.Token,
		Timeout: cfg.Server.Timeout,
	}, newStrategy, e.logger)

	svcOpts := []channellist.Option{}
	if o.observer != nil {
		svcOpts = append(svcOpts, channellist.WithObserver(o.observer))
	}
	if cfg.Sync.CleanPolicy == config.CleanDeferred {
		e.cleaner = channellist.NewDeferredCleaner(db, cfg.Sync.CleanInterval, e.logger)
		svcOpts = append(svcOpts, channellist.WithCleanPolicy(e.cleaner))
	}

	e.Channels = channellist.NewService(client, db, e.logger, svcOpts...)
	e.Queries = channellist.NewQueries(db, e.logger)
	e.Users = users.NewService(client, db, e.logger)

	if !cfg.IsConfigured() {
		e.logger.Warn("no user token configured, requests are sent without user auth")
	}
	e.logger.Info("engine started",
		"server", cfg.Server.URL,
		"store", db.Path(),
		"clean_policy", cfg.Sync.CleanPolicy,
	)
	return e, nil
}

// NewQuery returns a first-page query using the configured page size.
func (e *Engine) NewQuery(filter Filter, sort ...Sorting) ChannelListQuery {
	q := domain.NewChannelListQuery(filter, sort...)
	q.Pagination.PageSize = e.cfg.Sync.PageSize
	return q
}

// ResetQuery re-synchronizes q from its first page with the configured
// page size.
func (e *Engine) ResetQuery(ctx context.Context, q ChannelListQuery, watched, synced []ChannelID) (channellist.ResetResult, error) {
	return e.Channels.ResetQuery(ctx, q, e.cfg.Sync.PageSize, newSet(watched), newSet(synced))
}

// ResetAll drops every cached record.
func (e *Engine) ResetAll(ctx context.Context) error {
	return e.store.ResetAll(ctx)
}

// Run runs background work until ctx is done. With the deferred clean
// policy that is the periodic clean; otherwise Run only waits.
func (e *Engine) Run(ctx context.Context) error {
	if e.cleaner == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return e.cleaner.Run(ctx)
}

// Close closes the store and the log file.
func (e *Engine) Close() error {
	err := e.store.Close()
	return errors.Join(err, e.closeLog())
}

func (e *Engine) closeLog() error {
	if e.logCloser == nil {
		return nil
	}
	return e.logCloser.Close()
}
