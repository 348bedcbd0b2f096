package app

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/louisbranch/browserbridge/internal/platform/timeouts"
	"github.com/louisbranch/browserbridge/internal/services/bridge/broker"
)

// MCP transports.
const (
	MCPHTTP  = "http"
	MCPStdio = "stdio"
	MCPOff   = "off"
)

// Config defines the inputs for the bridge process.
type Config struct {
	HTTPAddr string
	// GRPCAddr serves gRPC health; empty disables it.
	GRPCAddr string

	// APIKey, when set, must be presented in the first frame of every
	// connection.
	APIKey string
	// SessionID, when set, is the only conn_id accepted on either endpoint.
	SessionID string
	// PeerID names the executor used for requesters that have no
	// same-named executor.
	PeerID string

	// ExchangeTimeout bounds interactive exchanges (MCP tools).
	ExchangeTimeout time.Duration
	// BatchTimeout bounds exchanges started by queued requester commands.
	BatchTimeout time.Duration
	AuthTimeout  time.Duration

	DuplicatePolicy broker.DuplicatePolicy
	TaskWorkers     int
	QueueSize       int

	// DBPath enables the SQLite audit ledger.
	DBPath       string
	MCPTransport string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	Logger *slog.Logger
}

func (c Config) normalize() (Config, error) {
	c.HTTPAddr = strings.TrimSpace(c.HTTPAddr)
	if c.HTTPAddr == "" {
		return c, errors.New("http address is required")
	}
	c.GRPCAddr = strings.TrimSpace(c.GRPCAddr)
	c.SessionID = strings.TrimSpace(c.SessionID)
	c.PeerID = strings.TrimSpace(c.PeerID)
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = timeouts.Exchange
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = timeouts.BatchExchange
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = timeouts.Auth
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = timeouts.Shutdown
	}
	if c.DuplicatePolicy == "" {
		c.DuplicatePolicy = broker.DuplicateDisplace
	}
	if c.TaskWorkers <= 0 {
		c.TaskWorkers = 1
	}
	c.MCPTransport = strings.ToLower(strings.TrimSpace(c.MCPTransport))
	switch c.MCPTransport {
	case "":
		c.MCPTransport = MCPHTTP
	case MCPHTTP, MCPStdio, MCPOff:
	default:
		return c, fmt.Errorf("unsupported mcp transport %q", c.MCPTransport)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c, nil
}
