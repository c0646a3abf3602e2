// Package toolapi offers the upstream's tools to in-process callers and
// over a small JSON endpoint, without going through an MCP session.
package toolapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/ggoodman/mcp-sse-bridge/upstream"
)

// Upstream is the part of *upstream.Connector the service uses.
type Upstream interface {
	Connect(ctx context.Context) error
	ListTools(ctx context.Context) ([]*upstream.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

var _ Upstream = (*upstream.Connector)(nil)

// Service connects on demand and relays tool listings and calls.
type Service struct {
	up  Upstream
	log *slog.Logger
}

// NewService returns a Service over up. A nil logger discards logs.
func NewService(up Upstream, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{up: up, log: log}
}

// InitTools connects the upstream if needed and returns its tools. Failures
// are logged and yield an empty list.
func (s *Service) InitTools(ctx context.Context) []*upstream.ToolDescriptor {
	tools, err := s.ListTools(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "toolapi.init.fail", slog.String("err", err.Error()))
		return []*upstream.ToolDescriptor{}
	}
	return tools
}

// ListTools is InitTools without the error swallowing.
func (s *Service) ListTools(ctx context.Context) ([]*upstream.ToolDescriptor, error) {
	if err := s.up.Connect(ctx); err != nil {
		return nil, err
	}
	tools, err := s.up.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return tools, nil
}

// CallTool connects the upstream if needed and invokes name with args.
func (s *Service) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if err := s.up.Connect(ctx); err != nil {
		return nil, err
	}
	return s.up.CallTool(ctx, name, args)
}
