// ccluster-server runs the relay: the HTTP API, the chat store, and the
// websocket fan-out between producer clients and viewers.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ccluster/ccluster/internal/config"
	"github.com/ccluster/ccluster/internal/logging"
	"github.com/ccluster/ccluster/internal/server"
	"github.com/ccluster/ccluster/internal/store"
)

func main() {
	logging.InitFromEnv()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		slog.Error("Failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, st)
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}
