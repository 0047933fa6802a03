package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

// New builds a logger writing to w. The returned LevelVar controls the level of
// the logger after construction, so a config reload can change it in place.
func New(w io.Writer, format, level string) (*slog.Logger, *slog.LevelVar, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(lvl)
	options := &slog.HandlerOptions{Level: levelVar}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		handler = slog.NewJSONHandler(w, options)
	case FormatText:
		handler = slog.NewTextHandler(w, options)
	default:
		return nil, nil, fmt.Errorf("unsupported log format: %s", format)
	}
	return slog.New(handler), levelVar, nil
}

// ParseLevel accepts slog level names plus the WARNING and CRITICAL spellings
// used by LOG_LEVEL in older deployments.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical", "fatal":
		return slog.LevelError, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", raw, err)
	}
	return lvl, nil
}

func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
