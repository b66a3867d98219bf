package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	feedloop "github.com/wolfeidau/feedloop"
	"github.com/wolfeidau/feedloop/auth"
	"github.com/wolfeidau/feedloop/config"
	"github.com/wolfeidau/feedloop/dispatch"
	"github.com/wolfeidau/feedloop/media"
	"github.com/wolfeidau/feedloop/provider"
	"github.com/wolfeidau/feedloop/store"
)

// pollInterval is how often command runners drain the dispatcher while
// waiting for a result.
const pollInterval = 25 * time.Millisecond

// App wires the store, session manager, and provider client together for the
// CLI commands. Expensive pieces are opened on first use.
type App struct {
	cfg             *config.Config
	logger          *slog.Logger
	metricsShutdown func(context.Context) error

	st       *store.BoltStore
	sessions *auth.Manager
	mediaMgr *media.Manager
}

// Close releases everything the commands opened.
func (a *App) Close() {
	if a.mediaMgr != nil {
		a.mediaMgr.Stop()
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.logger.Warn("closing store", "error", err)
		}
	}
	if a.metricsShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metricsShutdown(ctx); err != nil {
			a.logger.Warn("shutting down metrics", "error", err)
		}
	}
}

// Store opens the persistent store on first use.
func (a *App) Store() (*store.BoltStore, error) {
	if a.st != nil {
		return a.st, nil
	}

	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	st := store.NewBoltStore(store.WithLogger(a.logger))
	if err := st.Open(a.cfg.DatabasePath()); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.st = st
	return st, nil
}

// Sessions builds the session manager on first use and resumes any stored
// accounts.
func (a *App) Sessions(ctx context.Context) (*auth.Manager, error) {
	if a.sessions != nil {
		return a.sessions, nil
	}

	st, err := a.Store()
	if err != nil {
		return nil, err
	}

	flow := auth.NewFlow(auth.Config{
		ClientID:     a.cfg.Provider.ClientID,
		ClientSecret: a.cfg.Provider.ClientSecret,
		RedirectURI:  a.cfg.Provider.RedirectURI,
		AuthURL:      a.cfg.Provider.AuthURL,
		TokenURL:     a.cfg.Provider.TokenURL,
		Scopes:       a.cfg.Provider.Scopes,
		UserAgent:    a.cfg.Provider.UserAgent,
		Logger:       a.logger,
	})

	m := auth.NewManager(st, flow, auth.WithLogger(a.logger))
	if err := m.LoadExisting(ctx); err != nil {
		m.Close()
		return nil, fmt.Errorf("resuming accounts: %w", err)
	}
	a.sessions = m
	return m, nil
}

// ActiveClient returns a provider client for the active account, plus the
// cache scope that account's data belongs to.
func (a *App) ActiveClient(ctx context.Context) (*provider.Client, feedloop.Scope, error) {
	sessions, err := a.Sessions(ctx)
	if err != nil {
		return nil, feedloop.Anonymous, err
	}

	session, ok := sessions.Active()
	if !ok {
		return nil, feedloop.Anonymous, errors.New("no active account, run `feedloop login` first")
	}

	var opts []provider.ClientOption
	opts = append(opts,
		provider.WithUserAgent(a.cfg.Provider.UserAgent),
		provider.WithLogger(a.logger),
	)
	if a.cfg.Provider.BaseURL != "" {
		opts = append(opts, provider.WithBaseURL(a.cfg.Provider.BaseURL))
	}

	client := provider.NewClient(sessions.TokenProvider(session.Account.ID), opts...)
	return client, feedloop.AccountScope(session.Account.ID), nil
}

// Media builds and starts the media manager on first use.
func (a *App) Media() (*media.Manager, error) {
	if a.mediaMgr != nil {
		return a.mediaMgr, nil
	}

	st, err := a.Store()
	if err != nil {
		return nil, err
	}

	cacheDir := a.cfg.Media.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(a.cfg.DataDir, "media")
	}

	m := media.NewManager(st, media.Config{
		CacheDir:  cacheDir,
		MaxSize:   a.cfg.Media.MaxSize,
		TTL:       a.cfg.Media.TTL,
		Workers:   a.cfg.Media.Workers,
		UserAgent: a.cfg.Provider.UserAgent,
		Logger:    a.logger,
	})
	if err := m.Start(); err != nil {
		return nil, fmt.Errorf("starting media manager: %w", err)
	}
	a.mediaMgr = m
	return m, nil
}

// await dispatches a job and drains the dispatcher until its result arrives.
// One-shot commands have no render loop, so this stands in for it.
func await(ctx context.Context, d *dispatch.Dispatcher, kind dispatch.Kind, job dispatch.Job) (dispatch.Result, error) {
	want := d.Dispatch(ctx, kind, job)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var (
		got    dispatch.Result
		landed bool
	)
	for !landed {
		d.Poll(func(result dispatch.Result) {
			if result.RequestID == want {
				got = result
				landed = true
			}
		})
		if landed {
			break
		}

		select {
		case <-ctx.Done():
			return dispatch.Result{}, ctx.Err()
		case <-ticker.C:
		}
	}

	if got.Err != nil {
		return dispatch.Result{}, got.Err
	}
	return got, nil
}
