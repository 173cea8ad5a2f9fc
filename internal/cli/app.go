package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/seantiz/babel/internal/api"
	"github.com/seantiz/babel/internal/backend"
	"github.com/seantiz/babel/internal/build"
	"github.com/seantiz/babel/internal/config"
	"github.com/seantiz/babel/internal/lock"
	"github.com/seantiz/babel/internal/outbox"
	"github.com/seantiz/babel/internal/store"
	"github.com/seantiz/babel/internal/webhook"
)

// app holds the services shared by the serve and dispatch commands.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store    *store.SQLStore
	engines  *backend.Registry
	locks    *lock.Manager
	outbox   *outbox.Dispatcher
	runner   *webhook.Runner
	webhooks *webhook.Service
	tracker  *build.Tracker
}

func newApp() (*app, error) {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	catalog, err := config.LoadCatalog(cfg.EnginesFile)
	if err != nil {
		return nil, err
	}
	engines, err := catalog.Registry()
	if err != nil {
		return nil, err
	}
	if len(catalog.Engines) == 0 {
		logger.Warn("no engine types configured", "engines_file", cfg.EnginesFile)
	}

	s, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: s, engines: engines}
	a.locks = lock.NewManager(s, logger, lock.WithPollInterval(cfg.LockPoll))
	a.runner = webhook.NewRunner(s, logger, cfg.WebhookInterval)
	a.webhooks = webhook.NewService(s, logger, a.runner.Notify)
	a.tracker = build.NewTracker(s, a.locks, a.webhooks, logger, build.WithLease(cfg.LockLease, cfg.LockTimeout))
	a.outbox = outbox.NewDispatcher(s, logger, cfg.OutboxInterval)
	outbox.RegisterEngineCommands(a.outbox, engines, logger)
	return a, nil
}

func (a *app) server() *api.Server {
	return api.NewServer(a.cfg.ListenAddr, api.Deps{
		Store:    a.store,
		Engines:  a.engines,
		Tracker:  a.tracker,
		Locks:    a.locks,
		Webhooks: a.webhooks,
		Outbox:   a.outbox,
		HostID:   a.cfg.HostID,
	}, a.logger)
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
}
