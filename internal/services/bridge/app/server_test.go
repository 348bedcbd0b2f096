package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/browserbridge/internal/platform/timeouts"
	"github.com/louisbranch/browserbridge/internal/services/bridge/broker"
	"github.com/louisbranch/browserbridge/internal/services/bridge/client"
	"github.com/louisbranch/browserbridge/internal/services/bridge/storage"
	"github.com/louisbranch/browserbridge/internal/services/bridge/storage/sqlite"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestConfigNormalize(t *testing.T) {
	_, err := Config{}.normalize()
	assert.Error(t, err)

	cfg, err := Config{HTTPAddr: " :8765 "}.normalize()
	require.NoError(t, err)
	assert.Equal(t, ":8765", cfg.HTTPAddr)
	assert.Equal(t, timeouts.Exchange, cfg.ExchangeTimeout)
	assert.Equal(t, timeouts.BatchExchange, cfg.BatchTimeout)
	assert.Equal(t, timeouts.Auth, cfg.AuthTimeout)
	assert.Equal(t, broker.DuplicateDisplace, cfg.DuplicatePolicy)
	assert.Equal(t, 1, cfg.TaskWorkers)
	assert.Equal(t, MCPHTTP, cfg.MCPTransport)
	assert.NotNil(t, cfg.Logger)

	_, err = Config{HTTPAddr: ":8765", MCPTransport: "carrier-pigeon"}.normalize()
	assert.Error(t, err)
}

func TestStatusEndpointListsConnections(t *testing.T) {
	_, ts := newTestServer(t, nil)
	dialExecutor(t, ts, "browser-tools")
	dialRequester(t, ts, client.Options{ConnID: "cli-1"})

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Running)
	require.Len(t, body.Executors, 1)
	assert.Equal(t, "browser-tools", body.Executors[0].ID)
	require.Len(t, body.Requesters, 1)
	assert.Equal(t, "cli-1", body.Requesters[0].ID)
}

func TestMetricsEndpointCountsConnections(t *testing.T) {
	_, ts := newTestServer(t, nil)
	dialExecutor(t, ts, "browser-tools")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `browserbridge_broker_connections{role="executor"} 1`)
}

func TestMCPOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mcpClient := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0.0.1"}, nil)
	session, err := mcpClient.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: ts.URL + "/mcp"}, nil)
	require.NoError(t, err)
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "add", Arguments: map[string]any{"a": 1.5, "b": 2}})
	require.NoError(t, err)
	require.False(t, res.IsError)
	data, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":3.5}`, string(data))
}

func TestMCPDisabled(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) { cfg.MCPTransport = MCPOff })

	resp, err := http.Post(ts.URL+"/mcp", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuditLedgerRecordsTasksAndExchanges(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	srv, ts := newTestServer(t, func(cfg *Config) {
		cfg.DBPath = dbPath
		cfg.PeerID = ""
	})
	c := dialRequester(t, ts, client.Options{ConnID: "cli-1"})

	out := await(t, sendAsync(c, "add", map[string]int{"a": 1, "b": 1}))
	require.NoError(t, out.err)
	out = await(t, sendAsync(c, "screenshot", map[string]string{"url": "https://example.com"}))
	require.Error(t, out.err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	store, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	tasks, err := store.ListTasks(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "screenshot", tasks[0].Command)
	assert.Equal(t, storage.TaskStatusError, tasks[0].Status)
	assert.Equal(t, "CONNECTION", tasks[0].ErrorCode)
	assert.Equal(t, "add", tasks[1].Command)
	assert.Equal(t, "cli-1", tasks[1].ConnID)

	exchanges, err := store.ListExchanges(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, string(broker.OutcomeNoTarget), exchanges[0].Outcome)
}

func TestExecutorHealthFollowsConnections(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := srv.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ExecutorHealthService})
		require.NoError(t, err)
		return resp.GetStatus()
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	executor := dialExecutor(t, ts, "browser-tools")
	eventually(t, func() bool { return check() == healthpb.HealthCheckResponse_SERVING })

	require.NoError(t, executor.conn.Close())
	eventually(t, func() bool { return check() == healthpb.HealthCheckResponse_NOT_SERVING })
}
