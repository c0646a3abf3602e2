package upstream

import (
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/metrics"
	"github.com/ggoodman/mcp-sse-bridge/mcp"
	"github.com/ggoodman/mcp-sse-bridge/storage"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultKillGrace        = 5 * time.Second
	defaultToolsTTL         = 5 * time.Minute
	maxToolPages            = 100
)

// Option customizes a Connector.
type Option func(*Connector)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connector) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics records launches, state transitions and timeouts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connector) { c.metrics = m }
}

// WithClientInfo sets the implementation info sent in the initialize request.
func WithClientInfo(info mcp.ImplementationInfo) Option {
	return func(c *Connector) { c.clientInfo = info }
}

// WithHandshakeTimeout bounds launch plus initialize.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithRequestTimeout bounds ListTools and CallTool round trips. Zero disables
// the deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Connector) { c.requestTimeout = d }
}

// WithKillGrace sets how long Close waits for the child to exit after its
// stdin is closed before killing it.
func WithKillGrace(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.killGrace = d
		}
	}
}

// WithMaxLineSize bounds a single frame read from the child.
func WithMaxLineSize(n int) Option {
	return func(c *Connector) { c.maxLine = n }
}

// WithToolCache stores tool listings in s under namespace ns for ttl.
func WithToolCache(s storage.Storage, ns string, ttl time.Duration) Option {
	return func(c *Connector) {
		c.cache = s
		if ns != "" {
			c.cacheNS = ns
		}
		if ttl > 0 {
			c.toolsTTL = ttl
		}
	}
}

// WithNotificationHandler receives every notification the child sends,
// except cancellations of requests the bridge never forwards.
func WithNotificationHandler(fn NotificationHandler) Option {
	return func(c *Connector) { c.onNotify = fn }
}
