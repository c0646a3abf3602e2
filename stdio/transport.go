package stdio

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-bridge/internal/outbound"
	"github.com/ggoodman/mcp-sse-bridge/mcp"
)

// Transport adapts a Conn to outbound.Transport.
type Transport struct{ Conn *Conn }

var _ outbound.Transport = Transport{}

func (t Transport) SendRequest(ctx context.Context, id *jsonrpc.RequestID, req *jsonrpc.Request) error {
	return t.Conn.Write(req)
}

func (t Transport) SendCancelled(ctx context.Context, id *jsonrpc.RequestID, reason string) error {
	rawID, err := json.Marshal(id)
	if err != nil {
		return err
	}
	n, err := jsonrpc.NewRequest(nil, string(mcp.CancelledNotificationMethod), mcp.CancelledNotification{RequestID: rawID, Reason: reason})
	if err != nil {
		return err
	}
	return t.Conn.Write(n)
}
