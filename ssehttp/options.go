package ssehttp

import (
	"log/slog"
	"time"
)

const (
	DefaultSSEPath           = "/sse"
	DefaultMessagesPath      = "/messages"
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultMaxMessageBytes   = 4 << 20
)

// Option configures the Handler.
type Option func(*config)

type config struct {
	logger          *slog.Logger
	publicURL       string
	ssePath         string
	messagesPath    string
	heartbeat       time.Duration
	maxMessageBytes int64
	allowedOrigins  []string
}

// WithLogger sets the logger used by the handler. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithPublicURL makes the endpoint event carry an absolute URL built from
// base (scheme, host and optional path prefix) instead of a bare path.
func WithPublicURL(base string) Option {
	return func(c *config) { c.publicURL = base }
}

// WithPaths overrides the stream and message paths.
func WithPaths(ssePath, messagesPath string) Option {
	return func(c *config) {
		if ssePath != "" {
			c.ssePath = ssePath
		}
		if messagesPath != "" {
			c.messagesPath = messagesPath
		}
	}
}

// WithHeartbeatInterval sets how often ": ping" comments are written. Zero
// disables heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *config) { c.heartbeat = d }
}

// WithMaxMessageBytes caps the size of a POSTed message.
func WithMaxMessageBytes(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxMessageBytes = n
		}
	}
}

// WithAllowedOrigins restricts CORS to the given origins. The default
// allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(c *config) { c.allowedOrigins = origins }
}
