package stdio

import (
	"io"
	"log/slog"
)

// DefaultMaxLineSize bounds a single inbound frame.
const DefaultMaxLineSize = 10 * 1024 * 1024

// Option customizes a Conn.
type Option func(*Conn)

// WithIO sets the reader and writer for the connection.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(c *Conn) {
		if r != nil {
			c.r = r
		}
		if w != nil {
			c.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(c *Conn) {
		if r != nil {
			c.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(c *Conn) {
		if w != nil {
			c.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMaxLineSize overrides DefaultMaxLineSize.
func WithMaxLineSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.maxLine = n
		}
	}
}
