// Command server runs the Parley chat service: a single-room, WebSocket
// broadcast server with token authentication and persisted history.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/parleychat/parley/internal/server"
	"github.com/parleychat/parley/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env file is fine; the environment still applies.
	_ = godotenv.Load()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// run wires storage, hub, and HTTP server together and blocks until a
// shutdown signal or a serve failure. Returning instead of exiting keeps
// the storage close on every path.
func run(log *slog.Logger) error {
	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	server.SetConfig(cfg)

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage at %s: %w", cfg.DataDir, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("error closing storage", "error", err)
		}
	}()

	directory := store.NewDirectory(db)
	for username, token := range cfg.SeedUsers {
		if err := directory.Put(context.Background(), username, token); err != nil {
			return fmt.Errorf("seed user %q: %w", username, err)
		}
		log.Info("seeded user", "username", username)
	}

	history := store.NewHistory(db, log)
	hub := server.NewHub(history, server.NewAuthGate(directory), log)
	go hub.Run()

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(hub))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case serveErr = <-errCh:
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		log.Warn("hub shutdown incomplete", "error", err)
	}
	return serveErr
}
