// Package logging builds the daemon's slog logger from the LOG config section.
//
// The default sink is the local syslog daemon with facility DAEMON; "stderr"
// is available for foreground runs and tests.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"

	"github.com/ChuLiYu/update-daemon/internal/config"
)

// LevelCritical sits above slog.LevelError and is used for unrecoverable
// loop failures.
const LevelCritical = slog.Level(12)

// ParseLevel maps the config level names onto slog levels. Accepted names
// are those of config.CanonicalLevel.
func ParseLevel(name string) (slog.Level, error) {
	canon, ok := config.CanonicalLevel(name)
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
	switch canon {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	case "CRITICAL":
		return LevelCritical, nil
	default:
		return slog.LevelInfo, nil
	}
}

// New returns a logger tagged with the daemon name and a closer for the sink.
// Calling New again (on reload) replaces the sink; the caller closes the old one.
func New(name string, cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.MinLevel)
	if err != nil {
		return nil, nil, err
	}

	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)
	switch cfg.Sink {
	case "", "syslog":
		sw, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, name)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to syslog: %w", err)
		}
		w, closer = sw, sw
	case "stderr":
		w = os.Stderr
	default:
		return nil, nil, fmt.Errorf("unknown log sink %q", cfg.Sink)
	}

	return NewWithWriter(name, level, w), closer, nil
}

// NewWithWriter builds a text logger at the given level writing to w.
func NewWithWriter(name string, level slog.Level, w io.Writer) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	})
	return slog.New(h).With("daemon", name)
}

// Critical logs at LevelCritical.
func Critical(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelCritical, msg, args...)
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
