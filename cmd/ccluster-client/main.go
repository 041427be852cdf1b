// ccluster-client attaches a local agent engine to a chat on the relay
// server, acting as the chat's producer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ccluster/ccluster/internal/client"
	"github.com/ccluster/ccluster/internal/domain"
	"github.com/ccluster/ccluster/internal/engine"
	"github.com/ccluster/ccluster/internal/logging"
)

func main() {
	var (
		serverURL = flag.String("server", envOr("CCLUSTER_SERVER", "http://localhost:8080"), "relay server base URL")
		chatID    = flag.String("chat", "", "chat ID to attach to (required)")
		token     = flag.String("token", envOr("CCLUSTER_TOKEN", ""), "API key or JWT for the relay server")
		mode      = flag.String("mode", string(domain.ModeHumanConfirm), "agent mode: plan, human_confirm, or accept_all")
		hitl      = flag.Bool("hitl", true, "advertise human-in-the-loop availability to viewers")
		cwd       = flag.String("cwd", "", "working directory for the agent (default: current directory)")
		engineCmd = flag.String("engine-cmd", envOr("CCLUSTER_ENGINE", "claude-code-acp"), "agent engine command")
		logLevel  = flag.String("log-level", envOr("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	)
	flag.Parse()

	logging.Init(*logLevel, os.Getenv("LOG_FORMAT"), os.Stderr)

	if *chatID == "" {
		fmt.Fprintln(os.Stderr, "error: --chat is required")
		flag.Usage()
		os.Exit(2)
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "error: --token or CCLUSTER_TOKEN is required")
		os.Exit(2)
	}

	engineArgs := flag.Args()
	command := *engineCmd
	if parts := strings.Fields(command); len(parts) > 1 {
		command = parts[0]
		engineArgs = append(parts[1:], engineArgs...)
	}

	c, err := client.New(client.Config{
		ServerURL: *serverURL,
		ChatID:    *chatID,
		Token:     *token,
		Mode:      domain.AgentMode(*mode),
		Hitl:      *hitl,
		Cwd:       *cwd,
		Engine: engine.Config{
			Command: command,
			Args:    engineArgs,
		},
	})
	if err != nil {
		slog.Error("Failed to create client", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting producer client", "chatId", *chatID, "server", *serverURL)
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Client stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Client stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
