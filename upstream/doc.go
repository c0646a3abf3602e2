// Package upstream owns the single child process that speaks MCP over stdio
// and exposes it to the rest of the bridge.
//
// A Connector moves through four states:
//
//	Disconnected -> Connecting -> Ready -> Failed -> Connecting ...
//
// Connect is idempotent and collapses concurrent callers onto one launch and
// one initialize handshake. When the child exits every in-flight request
// completes with ErrUpstreamUnavailable and the next Connect spawns a fresh
// process.
//
// Requests written to the child always carry ids allocated by the Connector,
// so ids chosen by different browser sessions never collide on the wire.
// Forward is the low-level entry point used by the proxy; ListTools and
// CallTool are typed conveniences used by the tool API.
//
// Launchers decouple process creation from protocol handling.
// CommandLauncher runs a real executable; upstreamtest provides an in-memory
// server for tests.
package upstream
