// Package ssehttp exposes the bridge over the legacy MCP HTTP+SSE transport.
//
// A client opens GET /sse and keeps it open. The first event on the stream
// is named "endpoint" and carries the URL the client must POST its JSON-RPC
// messages to, which embeds a freshly allocated session id:
//
//	event: endpoint
//	data: /messages?sessionId=3b0c...
//
// Every message the bridge sends to the session afterwards is written as a
// "message" event whose id is the session stream's event id. Comment lines
// (": ping") are sent periodically so idle proxies keep the connection open.
//
// POST /messages?sessionId=<id> accepts exactly one JSON-RPC message per
// request and answers 200 with an empty body once the message has been
// routed. Replies always arrive on the SSE stream, never in the POST
// response.
//
// When the SSE connection ends the session is closed and any answers still
// pending for it are discarded.
package ssehttp
