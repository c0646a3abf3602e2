// Package logging builds the process-wide slog.Logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/logctx"
	"github.com/lmittmann/tint"
)

// Format selects the record encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
	FormatDev  Format = "dev"
)

// ParseLevel accepts debug, info, warn and error (case-insensitive).
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// New returns a logger writing to w. Every format is wrapped in
// logctx.Handler so context-carried request and session data is attached.
func New(w io.Writer, format Format, level slog.Level) (*slog.Logger, error) {
	var h slog.Handler
	switch Format(strings.ToLower(string(format))) {
	case FormatJSON, "":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case FormatText, "txt":
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	case FormatDev:
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}
