// Package logger provides structured logging for tuicd, built on the
// standard library's log/slog with optional rotation via lumberjack when
// configured to log to a file.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tuicmesh/tuicd/pkg/config"
)

var (
	mu  sync.RWMutex
	log = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

// Init configures the package-level logger from cfg. Safe to call again to
// reconfigure (e.g. after a config reload).
func Init(cfg *config.LogConfig) error {
	mu.Lock()
	defer mu.Unlock()

	var out io.Writer
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	case "file":
		if cfg.File == "" {
			return errString("log output is \"file\" but no file path was configured")
		}
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSize, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	default:
		return errString("unknown log output: " + cfg.Output)
	}

	level := parseLevel(cfg.Level)
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		return errString("unknown log format: " + cfg.Format)
	}

	log = slog.New(handler)
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type errString string

func (e errString) Error() string { return string(e) }

// Debug logs at debug level with structured key-value pairs.
func Debug(msg string, kv ...any) { current().Debug(msg, kv...) }

// Info logs at info level with structured key-value pairs.
func Info(msg string, kv ...any) { current().Info(msg, kv...) }

// Warn logs at warn level with structured key-value pairs.
func Warn(msg string, kv ...any) { current().Warn(msg, kv...) }

// Error logs at error level with structured key-value pairs.
func Error(msg string, kv ...any) { current().Error(msg, kv...) }

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}
