package upstream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-bridge/internal/outbound"
)

var (
	// ErrUpstreamUnavailable means the child is not running, could not be
	// started, or exited before answering.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamError is wrapped by every *RPCError.
	ErrUpstreamError = errors.New("upstream error")
	// ErrToolNotFound means the upstream rejected a tools/call for an unknown tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidArguments means tool arguments failed validation against the
	// tool's input schema before being sent.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrTimeout means the upstream did not answer before the request deadline.
	ErrTimeout = outbound.ErrTimeout
	// ErrClosed is returned after Close.
	ErrClosed = fmt.Errorf("%w: connector closed", ErrUpstreamUnavailable)
)

// RPCError carries a JSON-RPC error envelope returned by the upstream. Code,
// message and data are passed through unchanged.
type RPCError struct {
	Method  string
	Code    jsonrpc.ErrorCode
	Message string
	Data    any
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("upstream %s failed (%d): %s", e.Method, e.Code, e.Message)
}

func (e *RPCError) Unwrap() error { return ErrUpstreamError }

// JSONRPC returns the error as it should be relayed to a client.
func (e *RPCError) JSONRPC() *jsonrpc.Error {
	return &jsonrpc.Error{Code: e.Code, Message: e.Message, Data: e.Data}
}

func rpcError(method string, je *jsonrpc.Error) error {
	err := &RPCError{Method: method, Code: je.Code, Message: je.Message, Data: je.Data}
	if method == "tools/call" && looksLikeUnknownTool(je) {
		return fmt.Errorf("%w: %w", ErrToolNotFound, err)
	}
	return err
}

func looksLikeUnknownTool(je *jsonrpc.Error) bool {
	if je.Code != jsonrpc.ErrorCodeInvalidParams && je.Code != jsonrpc.ErrorCodeMethodNotFound {
		return false
	}
	msg := strings.ToLower(je.Message)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "unknown tool")
}
