package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/crewsync/internal/access"
	"github.com/steveyegge/crewsync/internal/auth"
	"github.com/steveyegge/crewsync/internal/cache"
	"github.com/steveyegge/crewsync/internal/channel"
	"github.com/steveyegge/crewsync/internal/coordinator"
	"github.com/steveyegge/crewsync/internal/realtime"
	"github.com/steveyegge/crewsync/internal/remote"
)

// app holds the collaborators a command needs. Everything is built from
// cfg on demand and released by close.
type app struct {
	store   *cache.Store
	remote  remote.Store
	memory  *remote.Memory
	session *auth.Static
	co      *coordinator.Coordinator

	ch      channel.Channel
	closeCh func() error
}

func openApp(ctx context.Context) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	store, err := cache.Open(cfg.Cache.Path, cache.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	a := &app{store: store, session: auth.NewStatic(cfg.User.ID, cfg.User.Token)}

	if cfg.Remote.URL == "" {
		logger.Warn().Msg("no remote.url configured, using the in-memory demo store")
		a.memory = remote.NewMemory()
		if err := seedDemo(a.memory, cfg.User.ID); err != nil {
			_ = store.Close()
			return nil, err
		}
		a.remote = a.memory
	} else {
		client, err := remote.NewClient(remote.ClientConfig{
			BaseURL:    cfg.Remote.URL,
			APIKey:     cfg.Remote.APIKey,
			Tokens:     a.session,
			HTTPClient: &http.Client{Timeout: cfg.Remote.Timeout},
			Logger:     logger,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.remote = client
	}

	co, err := coordinator.New(store, a.remote, coordinator.Config{
		Workers:         cfg.Sync.Workers,
		QueueSize:       cfg.Sync.QueueSize,
		RetryInterval:   cfg.Sync.RetryInterval,
		ReconcileWindow: cfg.Sync.ReconcileWindow,
		Logger:          logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.co = co
	return a, nil
}

// channel connects to the event channel, or to an in-process hub fed by
// the demo store.
func (a *app) channel(ctx context.Context) (channel.Channel, error) {
	if a.ch != nil {
		return a.ch, nil
	}
	if cfg.Realtime.URL == "" {
		hub := channel.NewHub(logger)
		if a.memory != nil {
			a.memory.OnChange(hub.Feed)
		}
		a.ch, a.closeCh = hub, hub.Close
		return hub, nil
	}
	ws, err := channel.Dial(ctx, channel.WSConfig{
		URL:    cfg.Realtime.URL,
		APIKey: cfg.Remote.APIKey,
		Tokens: a.session,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	a.ch, a.closeCh = ws, ws.Close
	return ws, nil
}

func (a *app) realtime(ctx context.Context) (*realtime.Manager, error) {
	ch, err := a.channel(ctx)
	if err != nil {
		return nil, err
	}
	return realtime.New(ch, a.store, a.co, realtime.Config{
		TypingTimeout: cfg.Realtime.TypingTimeout,
		Logger:        logger,
	})
}

func (a *app) enforcer() (*access.Enforcer, error) {
	if !a.session.SessionValid() {
		return nil, errors.New("no user configured: set user.id or pass --user")
	}
	return access.New(a.co, a.session, access.Config{
		AdminCountTTL: cfg.Sync.AdminCountTTL,
		Logger:        logger,
	})
}

// flush pushes pending rows before a short-lived command exits. Rows that
// fail stay pending for the next run.
func (a *app) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := a.co.Flush(ctx)
	if err != nil {
		errOut.Printf("%s %d change(s) could not be pushed and stay pending: %v\n", errOut.Warn("!"), res.Failed, err)
	}
}

func (a *app) close() {
	a.co.Stop()
	if a.closeCh != nil {
		_ = a.closeCh()
	}
	if err := a.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close cache")
	}
}
