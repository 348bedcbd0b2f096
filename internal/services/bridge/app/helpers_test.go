package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/browserbridge/internal/services/bridge/client"
	"github.com/louisbranch/browserbridge/internal/services/bridge/protocol"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := Config{
		HTTPAddr:        "127.0.0.1:0",
		PeerID:          "browser-tools",
		ExchangeTimeout: 2 * time.Second,
		BatchTimeout:    5 * time.Second,
		MCPTransport:    MCPHTTP,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, ts
}

func wsURL(httpURL, path string, query url.Values) string {
	u := "ws" + strings.TrimPrefix(httpURL, "http") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// rawPeer is a websocket peer driven frame by frame.
type rawPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialRaw(t *testing.T, ts *httptest.Server, path, connID string) *rawPeer {
	t.Helper()
	query := url.Values{}
	if connID != "" {
		query.Set(client.ConnIDParam, connID)
	}
	conn, err := websocket.Dial(wsURL(ts.URL, path, query), "", ts.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawPeer{t: t, conn: conn}
}

// dialExecutor connects an executor and consumes its auth_response.
func dialExecutor(t *testing.T, ts *httptest.Server, connID string) *rawPeer {
	t.Helper()
	peer := dialRaw(t, ts, client.ExecutorPath, connID)
	greeting := peer.next()
	require.Equal(t, protocol.TypeAuthResponse, greeting["type"])
	return peer
}

func (p *rawPeer) next() map[string]any {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(p.t, websocket.JSON.Receive(p.conn, &frame))
	return frame
}

// closed reports whether the server ended the connection.
func (p *rawPeer) closed() bool {
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var raw []byte
	for {
		if err := websocket.Message.Receive(p.conn, &raw); err != nil {
			return !isTimeout(err)
		}
	}
}

func (p *rawPeer) send(v any) {
	p.t.Helper()
	require.NoError(p.t, websocket.JSON.Send(p.conn, v))
}

func (p *rawPeer) sendRaw(text string) {
	p.t.Helper()
	require.NoError(p.t, websocket.Message.Send(p.conn, text))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func dialRequester(t *testing.T, ts *httptest.Server, opts client.Options) *client.Client {
	t.Helper()
	opts.BaseURL = ts.URL
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}
