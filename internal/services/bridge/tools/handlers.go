package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
	"github.com/louisbranch/browserbridge/internal/services/bridge/commands"
	"github.com/louisbranch/browserbridge/internal/services/bridge/protocol"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ScreenshotInput represents the MCP tool input for capturing a page.
type ScreenshotInput struct {
	URL      string `json:"url" jsonschema:"address of the page to capture"`
	FullPage bool   `json:"fullPage,omitempty" jsonschema:"capture the full scrollable page instead of the viewport"`
}

// ScreenshotResult carries the encoded image.
type ScreenshotResult struct {
	ImageData string `json:"image_data" jsonschema:"base64 encoded image data"`
}

// ScreenshotTool defines the MCP tool schema for page capture.
func ScreenshotTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "screenshot",
		Description: "Captures a screenshot of the given URL through the connected browser extension and returns base64 image data.",
	}
}

// ScreenshotHandler forwards a screenshot command to the paired executor.
func ScreenshotHandler(browser Browser, timeout time.Duration, logger *slog.Logger) mcp.ToolHandlerFor[ScreenshotInput, ScreenshotResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ScreenshotInput) (*mcp.CallToolResult, ScreenshotResult, error) {
		params, err := json.Marshal(commands.BrowserParams{URL: input.URL, FullPage: input.FullPage})
		if err != nil {
			return nil, ScreenshotResult{}, err
		}
		raw, err := browser.Forward(ctx, commands.Screenshot, params, "", timeout)
		if err != nil {
			logger.Warn("screenshot failed", "url", input.URL, "error", err)
			return nil, ScreenshotResult{}, err
		}

		var reply struct {
			ImageData string `json:"image_data"`
			Result    struct {
				ImageData string `json:"image_data"`
			} `json:"result"`
		}
		_ = json.Unmarshal(raw, &reply)
		data := reply.ImageData
		if data == "" {
			data = reply.Result.ImageData
		}
		if data == "" {
			logger.Warn("screenshot reply without image data", "url", input.URL)
			return nil, ScreenshotResult{}, apperrors.WithDetail(apperrors.CodeHandlerFailed, "command handler failed", "reply carried no image data")
		}
		return nil, ScreenshotResult{ImageData: data}, nil
	}
}

// AddInput represents the MCP tool input for adding two numbers.
type AddInput struct {
	A float64 `json:"a" jsonschema:"first operand"`
	B float64 `json:"b" jsonschema:"second operand"`
}

// AddResult carries the sum.
type AddResult struct {
	Sum float64 `json:"sum" jsonschema:"a plus b"`
}

// AddTool defines the MCP tool schema for addition.
func AddTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "add",
		Description: "Adds two numbers.",
	}
}

// AddHandler returns a + b.
func AddHandler() mcp.ToolHandlerFor[AddInput, AddResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input AddInput) (*mcp.CallToolResult, AddResult, error) {
		return nil, AddResult{Sum: input.A + input.B}, nil
	}
}

// ServerTimeInput is empty; the tool takes no arguments.
type ServerTimeInput struct{}

// ServerTimeResult carries the bridge clock.
type ServerTimeResult struct {
	Time string `json:"time" jsonschema:"RFC3339 server time"`
}

// ServerTimeTool defines the MCP tool schema for the server clock.
func ServerTimeTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "get_server_time",
		Description: "Returns the bridge's current time in RFC3339 format.",
	}
}

// ServerTimeHandler reads now.
func ServerTimeHandler(now func() time.Time) mcp.ToolHandlerFor[ServerTimeInput, ServerTimeResult] {
	return func(context.Context, *mcp.CallToolRequest, ServerTimeInput) (*mcp.CallToolResult, ServerTimeResult, error) {
		return nil, ServerTimeResult{Time: now().UTC().Format(time.RFC3339)}, nil
	}
}

// StatusInput is empty; the tool takes no arguments.
type StatusInput struct{}

// StatusTool defines the MCP tool schema for bridge status.
func StatusTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "bridge_status",
		Description: "Reports connected executors and requesters, pending exchanges, queue depth and uptime.",
	}
}

// StatusHandler snapshots the bridge.
func StatusHandler(status func() protocol.ServerStatus) mcp.ToolHandlerFor[StatusInput, protocol.ServerStatus] {
	return func(context.Context, *mcp.CallToolRequest, StatusInput) (*mcp.CallToolResult, protocol.ServerStatus, error) {
		return nil, status(), nil
	}
}
