// Package tools exposes the bridge to MCP clients: a browser screenshot
// proxy plus a few local utilities.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/louisbranch/browserbridge/internal/platform/timeouts"
	"github.com/louisbranch/browserbridge/internal/services/bridge/protocol"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverName    = "BrowserTools"
	serverVersion = "1.0.0"
)

// Browser forwards a command to an executor and returns its reply frame.
type Browser interface {
	Forward(ctx context.Context, command string, params json.RawMessage, requesterID string, timeout time.Duration) (json.RawMessage, error)
}

// Config wires the tool handlers.
type Config struct {
	Browser Browser
	Status  func() protocol.ServerStatus
	Now     func() time.Time
	// Timeout bounds each browser round trip.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewServer builds an MCP server with every bridge tool registered.
func NewServer(cfg Config) (*mcp.Server, error) {
	if cfg.Browser == nil {
		return nil, fmt.Errorf("browser is required")
	}
	if cfg.Status == nil {
		return nil, fmt.Errorf("status func is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = timeouts.Exchange
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "mcp")

	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	mcp.AddTool(server, ScreenshotTool(), ScreenshotHandler(cfg.Browser, cfg.Timeout, logger))
	mcp.AddTool(server, AddTool(), AddHandler())
	mcp.AddTool(server, ServerTimeTool(), ServerTimeHandler(cfg.Now))
	mcp.AddTool(server, StatusTool(), StatusHandler(cfg.Status))
	return server, nil
}

// HTTPHandler serves server over the streamable HTTP transport.
func HTTPHandler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)
}

// ServeStdio serves server over stdin/stdout until ctx is done or the
// client disconnects.
func ServeStdio(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}
