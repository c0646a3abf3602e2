package proxy

import (
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/internal/metrics"
)

// DefaultRequestTimeout bounds how long a forwarded request may wait for
// its upstream answer.
const DefaultRequestTimeout = 60 * time.Second

// Option customizes a Router.
type Option func(*Router)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics records relayed messages and in-flight counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithRequestTimeout overrides DefaultRequestTimeout. Zero disables the
// deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d >= 0 {
			r.requestTimeout = d
		}
	}
}
