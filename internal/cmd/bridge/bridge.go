// Package bridge parses bridge command flags and launches the broker runtime.
package bridge

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	entrypoint "github.com/louisbranch/browserbridge/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/browserbridge/internal/platform/grpc"
	"github.com/louisbranch/browserbridge/internal/services/bridge/app"
	"github.com/louisbranch/browserbridge/internal/services/bridge/broker"
)

// Config holds bridge command configuration.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR"        envDefault:":8765"`
	GRPCAddr        string        `env:"GRPC_ADDR"        envDefault:":8766"`
	APIKey          string        `env:"API_KEY"`
	SessionID       string        `env:"SESSION_ID"`
	PeerID          string        `env:"PEER_ID"          envDefault:"browser-tools"`
	ExchangeTimeout time.Duration `env:"EXCHANGE_TIMEOUT" envDefault:"5s"`
	BatchTimeout    time.Duration `env:"BATCH_TIMEOUT"    envDefault:"30s"`
	AuthTimeout     time.Duration `env:"AUTH_TIMEOUT"     envDefault:"30s"`
	DuplicatePolicy string        `env:"DUPLICATE_POLICY" envDefault:"displace"`
	TaskWorkers     int           `env:"TASK_WORKERS"     envDefault:"1"`
	QueueSize       int           `env:"QUEUE_SIZE"       envDefault:"256"`
	DBPath          string        `env:"DB_PATH"`
	MCPTransport    string        `env:"MCP_TRANSPORT"    envDefault:"http"`
	Debug           bool          `env:"DEBUG"`

	// HealthCheck probes a running bridge instead of starting one.
	HealthCheck bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "WebSocket, MCP and status listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC health listen address (empty disables)")
	var apiKey string
	fs.StringVar(&apiKey, "api-key", "", "API key required in the first frame of every connection (default $BROWSER_BRIDGE_API_KEY)")
	fs.StringVar(&cfg.SessionID, "session-id", cfg.SessionID, "Only connection id accepted on either endpoint")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "Executor used when a requester has no same-named executor")
	fs.DurationVar(&cfg.ExchangeTimeout, "timeout", cfg.ExchangeTimeout, "Reply timeout for interactive exchanges")
	fs.DurationVar(&cfg.BatchTimeout, "batch-timeout", cfg.BatchTimeout, "Reply timeout for queued requester commands")
	fs.DurationVar(&cfg.AuthTimeout, "auth-timeout", cfg.AuthTimeout, "Time allowed for the authentication frame")
	fs.StringVar(&cfg.DuplicatePolicy, "duplicate-policy", cfg.DuplicatePolicy, "Duplicate connection id policy: displace or reject")
	fs.IntVar(&cfg.TaskWorkers, "workers", cfg.TaskWorkers, "Task queue workers")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "Task queue capacity")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite audit ledger path (empty disables)")
	fs.StringVar(&cfg.MCPTransport, "mcp", cfg.MCPTransport, "MCP transport: http, stdio or off")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	fs.BoolVar(&cfg.HealthCheck, "healthcheck", false, "Probe the executor health of a running bridge and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	if _, err := broker.ParseDuplicatePolicy(cfg.DuplicatePolicy); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the bridge runtime, or probes one when HealthCheck is set.
func Run(ctx context.Context, cfg Config) error {
	if cfg.HealthCheck {
		return platformgrpc.Probe(ctx, probeAddr(cfg.GRPCAddr), app.ExecutorHealthService, 5*time.Second, log.Printf)
	}
	policy, err := broker.ParseDuplicatePolicy(cfg.DuplicatePolicy)
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceBridge, func(ctx context.Context) error {
		return app.Run(ctx, runtimeConfig(cfg, policy))
	})
}

func runtimeConfig(cfg Config, policy broker.DuplicatePolicy) app.Config {
	return app.Config{
		HTTPAddr:        cfg.HTTPAddr,
		GRPCAddr:        cfg.GRPCAddr,
		APIKey:          cfg.APIKey,
		SessionID:       cfg.SessionID,
		PeerID:          cfg.PeerID,
		ExchangeTimeout: cfg.ExchangeTimeout,
		BatchTimeout:    cfg.BatchTimeout,
		AuthTimeout:     cfg.AuthTimeout,
		DuplicatePolicy: policy,
		TaskWorkers:     cfg.TaskWorkers,
		QueueSize:       cfg.QueueSize,
		DBPath:          cfg.DBPath,
		MCPTransport:    cfg.MCPTransport,
		Logger:          entrypoint.NewLogger(os.Stderr, entrypoint.ServiceBridge, cfg.Debug),
	}
}

// probeAddr turns a listen address such as ":8766" into a dialable one.
func probeAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return fmt.Sprintf("localhost%s", addr)
	}
	return addr
}
