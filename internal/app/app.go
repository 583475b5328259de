// Package app assembles the trigger engine and its supporting services from config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"runrelay/internal/config"
	"runrelay/internal/correlate"
	"runrelay/internal/db"
	"runrelay/internal/dispatch"
	"runrelay/internal/engine"
	"runrelay/internal/metrics"
	"runrelay/internal/migrate"
	"runrelay/internal/notify"
	"runrelay/internal/payload"
	"runrelay/internal/remote"
	"runrelay/internal/repo"
	"runrelay/internal/server"
)

// App is a wired instance. Close releases the store.
type App struct {
	Config    *config.Config
	Engine    engine.Engine
	Remote    *remote.Client
	Metrics   *metrics.Collector
	Repo      *repo.Repo
	Deliverer *notify.Deliverer
	Logger    *slog.Logger

	db *sql.DB
}

// Options lets callers and tests replace collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Sleep   correlate.Sleeper
	Now     func() time.Time
	// HTTPClient replaces the remote client's transport. Authentication is then the
	// caller's responsibility.
	HTTPClient *http.Client
}

// New validates cfg and builds the engine. A missing credential is not an error here:
// the service still starts and every trigger answers as not configured.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ts, err := remote.TokenSource(cfg.Credential, cfg.Remote.APIURL)
	credentialPresent := true
	if err != nil {
		if !errors.Is(err, remote.ErrNoCredential) {
			return nil, err
		}
		credentialPresent = false
		logger.Warn("no github credential configured; triggers will fail until one is set")
	}
	client := remote.New(cfg.Remote.APIURL, cfg.Remote.Owner, cfg.Remote.Repo, ts, cfg.Correlation.RequestTimeout.Std())
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}

	corr := cfg.Correlation
	poller := correlate.Poller{
		Lister:      client,
		Schedule:    corr.Schedule(),
		MaxAttempts: corr.MaxAttempts,
		MaxWait:     corr.MaxWait.Std(),
		PageSize:    corr.PageSize,
		Sleep:       opts.Sleep,
		Now:         opts.Now,
		Logger:      logger,
		ClockSkew:   corr.ClockSkew.Std(),
	}
	recheck := poller
	recheck.Schedule = correlate.ZeroSchedule(1)
	recheck.MaxAttempts = 1

	a := &App{
		Config:  cfg,
		Remote:  client,
		Metrics: opts.Metrics,
		Logger:  logger,
	}
	a.Engine = engine.Engine{
		Normalizer: payload.New(cfg.Parameters, logger),
		Dispatcher: dispatch.Client{
			Remote:            client,
			CredentialPresent: credentialPresent,
			Now:               opts.Now,
			Logger:            logger,
		},
		Correlator: poller,
		Rechecker:  recheck,
		Lookups:    &singleflight.Group{},
		Target: engine.Target{
			Owner:          cfg.Remote.Owner,
			Repo:           cfg.Remote.Repo,
			Workflow:       cfg.Remote.Workflow,
			Ref:            cfg.Remote.EffectiveRef(),
			FilterByBranch: corr.FilterByBranch,
		},
		Metrics: opts.Metrics,
		Logger:  logger,
		Now:     opts.Now,
	}
	// a recheck is one listing call
	a.Engine.LookupTimeout = 2 * corr.RequestTimeout.Std()

	if cfg.Store.Path != "" {
		if err := a.openStore(ctx); err != nil {
			return nil, err
		}
		a.Engine.Subscriptions = a.Repo
		if cfg.Notify.WebhookURL != "" {
			a.Deliverer = &notify.Deliverer{
				Store:    a.Repo,
				URL:      cfg.Notify.WebhookURL,
				Secret:   cfg.Notify.Secret,
				Interval: cfg.Notify.Interval.Std(),
				Timeout:  cfg.Notify.Timeout.Std(),
				Logger:   logger,
				Now:      opts.Now,

				Rechecker:      recheck,
				FilterByBranch: corr.FilterByBranch,
			}
		}
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	conn, err := db.Open(db.Config{Path: a.Config.Store.Path})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("migrate store: %w", err)
	}
	a.db = conn
	a.Repo = &repo.Repo{DB: conn}
	return nil
}

// Handler returns the HTTP API for this instance.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Service:      a.Engine,
		Metrics:      a.Metrics,
		Logger:       a.Logger,
		CORSOrigin:   a.Config.Server.CORSOrigin,
		JWTSecret:    a.Config.Server.JWTSecret,
		MaxBodyBytes: a.Config.Server.MaxBodyBytes,
	})
}

// WriteTimeout bounds a trigger request: the dispatch, the whole correlation window
// and some slack for the final listing call.
func (a *App) WriteTimeout() time.Duration {
	c := a.Config.Correlation
	return c.MaxWait.Std() + 2*c.RequestTimeout.Std() + 5*time.Second
}

func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
