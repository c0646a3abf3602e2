package ssehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/elnormous/contenttype"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

var errStreamClosed = errors.New("sse stream closed")

// writeJSONError emits a minimal JSON body for HTTP-layer rejections.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// lockedWriteFlusher serializes writes from the subscription and the
// heartbeat and refuses to write once ctx is done or close has been called.
// The ResponseWriter must not be touched after the handler returns, so the
// handler calls close before returning.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu     sync.Mutex
	ctx    context.Context
	closed bool
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, errStreamClosed
	}
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// close waits for an in-progress write to finish and rejects later ones.
func (l *lockedWriteFlusher) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// writeEvent writes one complete SSE frame and flushes it. The frame is
// assembled first so concurrent heartbeats cannot interleave with it.
func writeEvent(wf *lockedWriteFlusher, id, event string, data []byte) error {
	frame := make([]byte, 0, len(data)+64)
	if id != "" {
		frame = fmt.Appendf(frame, "id: %s\n", id)
	}
	if event != "" {
		frame = fmt.Appendf(frame, "event: %s\n", event)
	}
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	if _, err := wf.Write(frame); err != nil {
		return fmt.Errorf("failed to write SSE %s event: %w", event, err)
	}
	wf.Flush()
	return nil
}

func writeComment(wf *lockedWriteFlusher, text string) error {
	if _, err := wf.Write([]byte(": " + text + "\n\n")); err != nil {
		return err
	}
	wf.Flush()
	return nil
}
