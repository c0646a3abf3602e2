// Package mcp contains the subset of Model Context Protocol wire types the
// bridge inspects: method names, the initialize handshake, tool listings and
// tool calls.
//
// Everything the bridge does not need to understand is carried as
// json.RawMessage so that capabilities, tool results and content blocks reach
// browser sessions exactly as the wrapped server produced them.
package mcp
