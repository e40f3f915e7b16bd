package qnes

// simlog.go wraps log/slog for the simulation components.  The default
// logger is off, so instrumented hot paths pay one branch per suppressed
// record; when enabled every record carries the simulation time and the
// repetition it came from.

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogCfg controls basic logger behaviour
type LogCfg struct {
	Enabled bool
	Level   string    // debug, info, warn, error
	Format  string    // json or text
	Output  io.Writer // defaults to os.Stderr
}

// SimLogger is the level-filtered structured logger simulation objects hold
type SimLogger struct {
	l   *slog.Logger
	rep int
	on  bool
}

// CreateSimLogger constructs a SimLogger backed by slog with the provided config
func CreateSimLogger(cfg LogCfg, rep int) *SimLogger {
	if !cfg.Enabled {
		return NopLogger()
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return &SimLogger{l: slog.New(handler), rep: rep, on: true}
}

// NopLogger returns a logger that drops all records
func NopLogger() *SimLogger {
	return &SimLogger{on: false}
}

// Active tells the caller whether records are being kept
func (lg *SimLogger) Active() bool {
	return lg.on
}

func (lg *SimLogger) Debug(now float64, msg string, args ...any) {
	if !lg.on {
		return
	}
	lg.l.Debug(msg, lg.stamp(now, args)...)
}

func (lg *SimLogger) Info(now float64, msg string, args ...any) {
	if !lg.on {
		return
	}
	lg.l.Info(msg, lg.stamp(now, args)...)
}

func (lg *SimLogger) Warn(now float64, msg string, args ...any) {
	if !lg.on {
		return
	}
	lg.l.Warn(msg, lg.stamp(now, args)...)
}

func (lg *SimLogger) Error(now float64, msg string, args ...any) {
	if !lg.on {
		return
	}
	lg.l.Error(msg, lg.stamp(now, args)...)
}

// stamp prefixes the simulation time and repetition to a record's attributes
func (lg *SimLogger) stamp(now float64, args []any) []any {
	stamped := make([]any, 0, len(args)+4)
	stamped = append(stamped, "t", now, "rep", lg.rep)
	return append(stamped, args...)
}

func parseLevel(level string) slog.Leveler {
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
