// Package logger builds the slog loggers used across chronograph.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/soundprediction/chronograph/pkg/config"
	"github.com/soundprediction/chronograph/pkg/telemetry"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
)

// ColorHandler is a text handler that colours lines by level. Info lines
// about persisting or committing are highlighted green.
type ColorHandler struct {
	out   io.Writer
	mu    *sync.Mutex
	inner slog.Handler
	buf   *strings.Builder
}

// NewColorHandler creates a ColorHandler writing to out.
func NewColorHandler(out io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	buf := &strings.Builder{}
	return &ColorHandler{
		out:   out,
		mu:    &sync.Mutex{},
		inner: slog.NewTextHandler(buf, opts),
		buf:   buf,
	}
}

// Enabled implements slog.Handler
func (h *ColorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *ColorHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	color := levelColor(r)
	line := h.buf.String()
	if color != "" {
		line = color + strings.TrimSuffix(line, "\n") + colorReset + "\n"
	}
	_, err := io.WriteString(h.out, line)
	return err
}

// WithAttrs implements slog.Handler
func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorHandler{out: h.out, mu: h.mu, inner: h.inner.WithAttrs(attrs), buf: h.buf}
}

// WithGroup implements slog.Handler
func (h *ColorHandler) WithGroup(name string) slog.Handler {
	return &ColorHandler{out: h.out, mu: h.mu, inner: h.inner.WithGroup(name), buf: h.buf}
}

func levelColor(r slog.Record) string {
	switch {
	case r.Level >= slog.LevelError:
		return colorRed
	case r.Level >= slog.LevelWarn:
		return colorYellow
	case r.Level < slog.LevelInfo:
		return colorGray
	}
	msg := strings.ToLower(r.Message)
	if strings.Contains(msg, "persist") || strings.Contains(msg, "commit") {
		return colorGreen
	}
	return ""
}

// NewDefaultLogger returns a colour logger on stderr at the given level.
func NewDefaultLogger(level slog.Level) *slog.Logger {
	return slog.New(NewColorHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Logger bundles a configured slog.Logger with the resources it owns.
type Logger struct {
	*slog.Logger

	file      *lumberjack.Logger
	telemetry *telemetry.ParquetHandler
}

// New builds a logger from configuration: colour or JSON output on stderr,
// an optional rotating log file and optional parquet error telemetry.
func New(cfg config.LogConfig, telemetryCfg config.TelemetryConfig) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	l := &Logger{}

	var out io.Writer = os.Stderr
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, l.file)
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "", "text":
		handler = NewColorHandler(out, opts)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}

	if telemetryCfg.ParquetPath != "" {
		ph, err := telemetry.NewParquetHandler(handler, telemetryCfg.ParquetPath, 0)
		if err != nil {
			return nil, err
		}
		l.telemetry = ph
		handler = ph
	}

	l.Logger = slog.New(handler)
	return l, nil
}

// Close flushes telemetry and closes the log file.
func (l *Logger) Close() error {
	var errs []string
	if l.telemetry != nil {
		if err := l.telemetry.Flush(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing logger: %s", strings.Join(errs, "; "))
	}
	return nil
}
