// Package proxy routes JSON-RPC traffic between browser sessions and the
// single upstream MCP child.
//
// Requests from a session are forwarded under a fresh upstream id. The
// Router remembers which session and which client id each forwarded request
// came from, and when the upstream answers it restores the client id and
// delivers the response to that session alone. Upstream notifications are
// broadcast to every live session.
//
// HandleMessage only parses and queues. Each session has its own queue that
// is worked through in order on a background goroutine, so a POST is
// acknowledged before the upstream has started. Closing a session discards
// its queued messages and forgets its forwarded requests without cancelling
// them upstream.
//
// A handful of methods never reach the child: initialize is answered from
// the upstream's own negotiated initialize result, ping is answered
// directly, and notifications/initialized is swallowed because the
// Connector performed the handshake itself.
package proxy
