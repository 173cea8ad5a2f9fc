// testserver starts a Babel API server with in-memory engines for E2E testing.
// Every engine simulates training and reports progress straight to the build
// tracker.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/babel/internal/api"
	"github.com/seantiz/babel/internal/backend"
	"github.com/seantiz/babel/internal/backend/memory"
	"github.com/seantiz/babel/internal/build"
	"github.com/seantiz/babel/internal/config"
	"github.com/seantiz/babel/internal/lock"
	"github.com/seantiz/babel/internal/outbox"
	"github.com/seantiz/babel/internal/store"
	"github.com/seantiz/babel/internal/webhook"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("BABEL_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := config.NewLogger(os.Stdout, config.Load().LogLevel)

	locks := lock.NewManager(db, logger)
	runner := webhook.NewRunner(db, logger, 500*time.Millisecond)
	hooks := webhook.NewService(db, logger, runner.Notify)
	tracker := build.NewTracker(db, locks, hooks, logger)
	reporter := build.Reporter{Tracker: tracker}

	engines := backend.NewRegistry()
	for _, typ := range []string{"smt", "nmt"} {
		eng := memory.New(typ, memory.WithSimulation(reporter, 20, 250*time.Millisecond), memory.WithLogger(logger))
		defer eng.Close()
		engines.Register(typ, eng)
	}

	disp := outbox.NewDispatcher(db, logger, 500*time.Millisecond)
	outbox.RegisterEngineCommands(disp, engines, logger)

	srv := api.NewServer(addr, api.Deps{
		Store:    db,
		Engines:  engines,
		Tracker:  tracker,
		Locks:    locks,
		Webhooks: hooks,
		Outbox:   disp,
		HostID:   "testserver",
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Go(func() { disp.Run(ctx) })
	wg.Go(func() { runner.Run(ctx) })

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
	stop()
	wg.Wait()
}
