package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
)

var (
	// ErrMalformedMessage wraps frames that are not valid JSON-RPC messages.
	// Read returns it for a single line; the stream stays usable.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("stdio: connection closed")
)

// Conn frames JSON-RPC messages as newline-delimited JSON.
type Conn struct {
	r       io.Reader
	w       io.Writer
	log     *slog.Logger
	maxLine int

	scanOnce sync.Once
	scanner  *bufio.Scanner

	wmu    sync.Mutex
	closed bool
}

// NewConn constructs a Conn. Without options it reads os.Stdin and writes
// os.Stdout.
func NewConn(opts ...Option) *Conn {
	c := &Conn{
		r:       os.Stdin,
		w:       os.Stdout,
		log:     slog.Default(),
		maxLine: DefaultMaxLineSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Write encodes v as a single line.
func (c *Conn) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.WriteRaw(b)
}

// WriteRaw writes an already encoded message. Embedded newlines are rejected
// since they would split the frame.
func (c *Conn) WriteRaw(msg []byte) error {
	msg = bytes.TrimSpace(msg)
	if bytes.IndexByte(msg, '\n') >= 0 {
		compact := new(bytes.Buffer)
		if err := json.Compact(compact, msg); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		msg = compact.Bytes()
	}

	frame := make([]byte, 0, len(msg)+1)
	frame = append(frame, msg...)
	frame = append(frame, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Read returns the next message. It returns io.EOF when the stream ends and
// an error wrapping ErrMalformedMessage for a line that does not parse; the
// raw line is returned alongside so callers can log it.
func (c *Conn) Read() (*jsonrpc.AnyMessage, []byte, error) {
	c.scanOnce.Do(func() {
		c.scanner = bufio.NewScanner(c.r)
		c.scanner.Buffer(make([]byte, 0, min(64*1024, c.maxLine)), c.maxLine)
	})

	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		raw := append([]byte(nil), line...)
		msg, err := jsonrpc.Parse(raw)
		if err != nil {
			return nil, raw, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return msg, raw, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read frame: %w", err)
	}
	return nil, nil, io.EOF
}

// Serve reads messages until the stream ends and hands each to handle on the
// calling goroutine. Malformed lines are logged and skipped. It returns nil
// on a clean EOF.
func (c *Conn) Serve(ctx context.Context, handle func(ctx context.Context, msg *jsonrpc.AnyMessage)) error {
	for {
		msg, raw, err := c.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, ErrMalformedMessage) {
				c.log.WarnContext(ctx, "stdio.read.malformed", slog.String("err", err.Error()), slog.Int("bytes", len(raw)))
				continue
			}
			return err
		}
		handle(ctx, msg)
	}
}

// Close makes subsequent writes fail with ErrClosed. When the writer is an
// io.Closer it is closed too.
func (c *Conn) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if wc, ok := c.w.(io.Closer); ok {
		return wc.Close()
	}
	return nil
}
