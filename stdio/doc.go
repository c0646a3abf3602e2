// Package stdio implements newline-delimited JSON-RPC framing over a pair of
// byte streams, typically the stdin and stdout pipes of a child process.
//
// Characteristics
//
//	Framing  : one JSON value per line, '\n' terminated
//	Writes   : serialized; each message is written with a single Write call
//	Reads    : blank lines skipped; unparsable lines reported and skipped
//	Limits   : lines longer than the configured maximum end the stream
//
// A Conn does not own its streams. Closing the underlying reader is the only
// way to unblock a pending Read.
//
// Example:
//
//	conn := stdio.NewConn(stdio.WithIO(stdout, stdin), stdio.WithLogger(log))
//	err := conn.Serve(ctx, func(ctx context.Context, msg *jsonrpc.AnyMessage) {
//	    // dispatch
//	})
package stdio
