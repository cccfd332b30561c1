package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/njoerd114/cardrelay/internal/config"
	"github.com/njoerd114/cardrelay/internal/telemetry"
)

// newLogger builds the process logger: text on stderr, optionally tee'd to a
// rotated log file, plus the OTel log bridge when telemetry is on. The
// returned func closes the log file.
func newLogger(cfg *config.Config, verbose bool) (*slog.Logger, func() error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	closeFn := func() error { return nil }
	if cfg != nil && cfg.LogFile != nil {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile.Path,
			MaxSize:    cfg.LogFile.MaxSizeMB,
			MaxBackups: cfg.LogFile.MaxBackups,
			MaxAge:     cfg.LogFile.MaxAgeDays,
		}
		out = io.MultiWriter(os.Stderr, lj)
		closeFn = lj.Close
	}

	handlers := []slog.Handler{slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})}
	if cfg != nil && cfg.Telemetry != nil {
		handlers = append(handlers, telemetry.NewLogHandler("cardrelay", level))
	}
	return slog.New(fanout(handlers)), closeFn
}

// fanout sends every record to all handlers that accept its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
