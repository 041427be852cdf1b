// Package logging wires the process-wide slog logger for the relay
// server and the local client. Both binaries honour the same pair of
// environment variables: LOG_LEVEL (debug, info, warn, error) and
// LOG_FORMAT (json or text).
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

var level slog.LevelVar

// InitFromEnv configures the default logger from LOG_LEVEL and
// LOG_FORMAT, writing to stderr.
func InitFromEnv() {
	Init(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
}

// Init installs a slog handler at the given level and format. JSON is
// the default so log shippers get one object per line; the client
// usually asks for text. Output from the stdlib "log" package is
// redirected through the same handler so dependencies that call
// log.Printf stay structured.
func Init(levelStr, format string, w io.Writer) {
	level.Set(parseLevel(levelStr))

	opts := &slog.HandlerOptions{Level: &level}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	log.SetOutput(stdlibBridge{logger: logger})
	log.SetFlags(0)
}

// SetLevel adjusts verbosity after Init without reinstalling handlers.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// parseLevel maps a LOG_LEVEL value to a slog.Level. Unknown or empty
// values fall back to info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// stdlibBridge forwards stdlib log output into slog at info level.
type stdlibBridge struct {
	logger *slog.Logger
}

func (b stdlibBridge) Write(p []byte) (int, error) {
	b.logger.Info(strings.TrimRight(string(p), "\n"), "source", "stdlib")
	return len(p), nil
}
