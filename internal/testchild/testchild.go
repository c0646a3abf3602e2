// Package testchild is a small MCP server spoken over stdio. Tests re-execute
// their own binary with EnvVar set so the bridge can drive a real child
// process end to end.
package testchild

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/upstream"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// EnvVar switches a test binary into child mode.
const EnvVar = "MCP_BRIDGE_TESTCHILD"

// NewServer returns the child server with its echo, sleep and crash tools.
func NewServer() *server.MCPServer {
	s := server.NewMCPServer(
		"testchild",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(mcp.NewTool(
		"echo",
		mcp.WithDescription("Echo back the input message"),
		mcp.WithString("message", mcp.Required(), mcp.Description("Message to echo back")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		msg, _ := request.GetArguments()["message"].(string)
		return mcp.NewToolResultText(msg), nil
	})

	s.AddTool(mcp.NewTool(
		"sleep",
		mcp.WithDescription("Wait for the given number of milliseconds"),
		mcp.WithNumber("ms", mcp.Required()),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ms, _ := request.GetArguments()["ms"].(float64)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return mcp.NewToolResultText(fmt.Sprintf("slept %dms", int(ms))), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	s.AddTool(mcp.NewTool(
		"crash",
		mcp.WithDescription("Exit the process immediately"),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fmt.Fprintln(os.Stderr, "testchild: crashing on request")
		os.Exit(3)
		return nil, nil
	})

	return s
}

// MaybeRun serves stdio and exits when EnvVar is set. Call it first thing in
// TestMain.
func MaybeRun() {
	if os.Getenv(EnvVar) == "" {
		return
	}
	if err := server.ServeStdio(NewServer()); err != nil {
		fmt.Fprintln(os.Stderr, "testchild:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Launcher re-executes the running binary in child mode.
func Launcher() (upstream.CommandLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return upstream.CommandLauncher{}, err
	}
	return upstream.CommandLauncher{
		Command: exe,
		Args:    []string{"-test.run=^$"},
		Env:     []string{EnvVar + "=1"},
	}, nil
}
