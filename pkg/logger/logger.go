// Package logger holds the process-wide slog loggers: the application logger
// and a separate audit stream for fund movements and task transitions.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls the rotated audit log. When disabled, audit entries go
// to the application logger.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	appLogger   atomic.Pointer[slog.Logger]
	auditLogger atomic.Pointer[slog.Logger]

	initOnce sync.Once
	initErr  error

	closersMu sync.Mutex
	closers   []io.Closer
)

// Init configures the global loggers. Only the first call has an effect.
func Init(cfg Config) error {
	initOnce.Do(func() {
		initErr = install(cfg)
	})
	return initErr
}

func install(cfg Config) error {
	writer, err := openOutputs(cfg.OutputPaths)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}
	var handler slog.Handler = slog.NewJSONHandler(writer, opts)
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(writer, opts)
	}
	app := slog.New(handler).With(slog.String("service", "pawmise"))
	appLogger.Store(app)

	audit := app.With(slog.String("stream", "audit"))
	if cfg.Audit.Enabled {
		if audit, err = buildAuditLogger(cfg.Audit); err != nil {
			return err
		}
	}
	auditLogger.Store(audit)
	return nil
}

// openOutputs joins every configured output; no outputs means stdout.
func openOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(path) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			track(file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func buildAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    positiveOr(cfg.MaxSizeMB, 100),
		MaxBackups: positiveOr(cfg.MaxBackups, 7),
		MaxAge:     positiveOr(cfg.MaxAgeDays, 30),
		Compress:   cfg.Compress,
	}
	track(rotator)
	return slog.New(slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: slog.LevelInfo})), nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func track(c io.Closer) {
	closersMu.Lock()
	closers = append(closers, c)
	closersMu.Unlock()
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

// L returns the application logger, initialising defaults on first use.
func L() *slog.Logger {
	if l := appLogger.Load(); l != nil {
		return l
	}
	_ = Init(Config{})
	if l := appLogger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	if l := auditLogger.Load(); l != nil {
		return l
	}
	return L()
}

// Named returns a child logger tagged with a component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Use replaces both loggers, mainly so tests can capture output.
func Use(l *slog.Logger) {
	if l == nil {
		return
	}
	initOnce.Do(func() {})
	appLogger.Store(l)
	auditLogger.Store(l)
}

// Sync closes file outputs and the audit rotator.
func Sync() error {
	closersMu.Lock()
	pending := closers
	closers = nil
	closersMu.Unlock()

	var err error
	for _, c := range pending {
		err = errors.Join(err, c.Close())
	}
	return err
}
