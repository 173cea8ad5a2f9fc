// Command babel-engine serves a simulated translation engine over the socket
// transport. It trains by reporting progress to the Babel API's engine
// callbacks, so it can stand in for a real engine in a VM or container.
//
// Configuration:
//
//	BABEL_ENGINE_TYPE  engine type to serve (default "echo")
//	BABEL_ENGINE_ADDR  listen address, tcp://, unix:// or vsock:// (default tcp://:5000)
//	BABEL_API_URL      base URL of the Babel API (default http://localhost:8080)
//	BABEL_BUILD_STEPS  simulated training steps (default 20)
//	BABEL_STEP_DELAY   delay between steps (default 1s)
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/seantiz/babel/internal/api"
	"github.com/seantiz/babel/internal/backend/memory"
	"github.com/seantiz/babel/internal/backend/socket"
	"github.com/seantiz/babel/internal/config"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger := config.NewLogger(os.Stdout, config.Load().LogLevel)

	addr, err := socket.ParseAddress(getenv("BABEL_ENGINE_ADDR", "tcp://:5000"))
	if err != nil {
		log.Fatalf("engine address: %v", err)
	}
	steps, err := strconv.Atoi(getenv("BABEL_BUILD_STEPS", "20"))
	if err != nil || steps <= 0 {
		log.Fatalf("BABEL_BUILD_STEPS must be a positive integer")
	}
	delay, err := time.ParseDuration(getenv("BABEL_STEP_DELAY", "1s"))
	if err != nil {
		log.Fatalf("BABEL_STEP_DELAY: %v", err)
	}

	typ := getenv("BABEL_ENGINE_TYPE", "echo")
	callbacks := api.NewCallbackClient(getenv("BABEL_API_URL", "http://localhost:8080"))
	eng := memory.New(typ, memory.WithSimulation(callbacks, steps, delay), memory.WithLogger(logger))
	defer eng.Close()

	l, err := socket.Listen(addr)
	if err != nil {
		log.Fatalf("listen on %s: %v", addr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("babel-engine listening", "type", typ, "addr", addr.String())
	if err := socket.NewServer(eng, logger).Serve(ctx, l); err != nil {
		log.Fatalf("serve: %v", err)
	}
	logger.Info("babel-engine stopped")
}
