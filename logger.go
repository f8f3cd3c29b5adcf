package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/evita-erp/offline-sync/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the process logger from LOG_LEVEL, LOG_FORMAT and LOG_FILE. The
// returned closer flushes the rotating file, if any.
func newLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		out, closer = file, file
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text", "":
		handler = slog.NewTextHandler(out, opts)
	default:
		return nil, nil, fmt.Errorf("invalid LOG_FORMAT %q", cfg.LogFormat)
	}
	return slog.New(handler), closer, nil
}
