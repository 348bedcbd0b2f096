// Package client is a requester-side connection to the bridge: it performs
// the handshake, submits commands and waits for their results.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
	platformi18n "github.com/louisbranch/browserbridge/internal/platform/i18n"
	"github.com/louisbranch/browserbridge/internal/platform/timeouts"
	"github.com/louisbranch/browserbridge/internal/services/bridge/protocol"
	"golang.org/x/net/websocket"
)

// Endpoint paths.
const (
	RequesterPath = "/ws_command"
	ExecutorPath  = "/ws_browser"
	ConnIDParam   = "conn_id"
)

var errClosed = errors.New("client is closed")

// Options configure Dial.
type Options struct {
	// BaseURL is the bridge's HTTP address, e.g. http://localhost:8765.
	BaseURL string
	// Path defaults to the requester endpoint.
	Path   string
	ConnID string
	Lang   string
	APIKey string
	// HandshakeTimeout bounds the wait for auth_response.
	HandshakeTimeout time.Duration
}

// Frame is any frame the bridge sends to a requester.
type Frame struct {
	Type         string                 `json:"type"`
	ID           string                 `json:"id,omitempty"`
	Command      string                 `json:"command,omitempty"`
	Status       string                 `json:"status,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Code         string                 `json:"code,omitempty"`
	Retryable    bool                   `json:"retryable,omitempty"`
	Success      bool                   `json:"success,omitempty"`
	ClientID     string                 `json:"clientId,omitempty"`
	Timestamp    string                 `json:"timestamp,omitempty"`
	Result       json.RawMessage        `json:"result,omitempty"`
	ServerStatus *protocol.ServerStatus `json:"server_status,omitempty"`
}

// Err converts an error frame into a coded error.
func (f Frame) Err() error {
	if f.Type != protocol.TypeError {
		return nil
	}
	code := apperrors.Code(f.Code)
	if code == "" {
		code = apperrors.CodeUnknown
	}
	return apperrors.New(code, f.Message)
}

// Result is the outcome of a command.
type Result struct {
	ID      string
	Command string
	// Acked reports whether command_received arrived before the result.
	Acked bool
	Value json.RawMessage
}

// Client is a live bridge connection.
type Client struct {
	conn     *websocket.Conn
	clientID string

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string]chan Frame
	pongs   []chan Frame
	events  chan Frame
	err     error

	done chan struct{}
}

// Dial connects, authenticates when an API key is given and waits for the
// bridge's auth_response.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	wsURL, origin, err := endpointURL(opts)
	if err != nil {
		return nil, err
	}
	cfg, err := websocket.NewConfig(wsURL, origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConnection, "dial bridge", err)
	}

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = timeouts.Auth
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if opts.APIKey != "" {
		if err := websocket.JSON.Send(conn, protocol.Envelope{Type: protocol.TypeAuth, APIKey: opts.APIKey}); err != nil {
			_ = conn.Close()
			return nil, apperrors.Wrap(apperrors.CodeConnection, "send auth", err)
		}
	}
	var greeting Frame
	if err := websocket.JSON.Receive(conn, &greeting); err != nil {
		_ = conn.Close()
		return nil, apperrors.Wrap(apperrors.CodeConnection, "read auth response", err)
	}
	if err := greeting.Err(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if greeting.Type != protocol.TypeAuthResponse || !greeting.Success {
		_ = conn.Close()
		return nil, apperrors.WithDetail(apperrors.CodeProtocol, "unknown message type", greeting.Type)
	}
	_ = conn.SetDeadline(time.Time{})

	c := &Client{
		conn:     conn,
		clientID: greeting.ClientID,
		waiters:  make(map[string]chan Frame),
		events:   make(chan Frame, 16),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func endpointURL(opts Options) (string, string, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return "", "", fmt.Errorf("base url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", "", fmt.Errorf("parse base url: %w", err)
	}
	origin := *u
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
		origin.Scheme = "http"
	case "https":
		u.Scheme = "wss"
	case "ws":
		origin.Scheme = "http"
	case "wss":
		origin.Scheme = "https"
	default:
		return "", "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	path := opts.Path
	if path == "" {
		path = RequesterPath
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	query := url.Values{}
	if opts.ConnID != "" {
		query.Set(ConnIDParam, opts.ConnID)
	}
	if opts.Lang != "" {
		query.Set(platformi18n.LangParam, opts.Lang)
	}
	u.RawQuery = query.Encode()
	origin.Path = ""
	origin.RawQuery = ""
	return u.String(), origin.String(), nil
}

// ClientID is the connection ID the bridge assigned.
func (c *Client) ClientID() string { return c.clientID }

// Events delivers frames no caller is waiting for, such as a displacement
// or shutdown notice. Frames are dropped when the buffer is full.
func (c *Client) Events() <-chan Frame { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send submits command and waits for its result. A bridge error frame is
// returned as a coded error.
func (c *Client) Send(ctx context.Context, command string, params any) (Result, error) {
	id := uuid.NewString()
	frame := map[string]any{
		"type":    protocol.TypeCommand,
		"id":      id,
		"command": command,
	}
	if params != nil {
		frame["params"] = params
	}

	ch := make(chan Frame, 4)
	if err := c.addWaiter(id, ch); err != nil {
		return Result{}, err
	}
	defer c.removeWaiter(id)

	if err := c.write(frame); err != nil {
		return Result{}, err
	}

	result := Result{ID: id, Command: command}
	for {
		select {
		case f := <-ch:
			switch f.Type {
			case protocol.TypeCommandReceived:
				result.Acked = true
			case protocol.TypeResult:
				result.Value = f.Result
				return result, nil
			case protocol.TypeError:
				return result, f.Err()
			}
		case <-c.done:
			return result, c.closedErr()
		case <-ctx.Done():
			return result, apperrors.Wrap(apperrors.CodeCancelled, "request cancelled", ctx.Err())
		}
	}
}

// Ping asks the bridge for its status.
func (c *Client) Ping(ctx context.Context) (protocol.ServerStatus, error) {
	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return protocol.ServerStatus{}, c.closedErr()
	}
	c.pongs = append(c.pongs, ch)
	c.mu.Unlock()

	if err := c.write(protocol.Envelope{Type: protocol.TypePing}); err != nil {
		c.removePong(ch)
		return protocol.ServerStatus{}, err
	}
	select {
	case f := <-ch:
		if f.ServerStatus == nil {
			return protocol.ServerStatus{}, nil
		}
		return *f.ServerStatus, nil
	case <-c.done:
		return protocol.ServerStatus{}, c.closedErr()
	case <-ctx.Done():
		c.removePong(ch)
		return protocol.ServerStatus{}, apperrors.Wrap(apperrors.CodeCancelled, "request cancelled", ctx.Err())
	}
}

// removePong drops ch from the pong queue if it is still waiting there.
func (c *Client) removePong(ch chan Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, waiting := range c.pongs {
		if waiting == ch {
			c.pongs = append(c.pongs[:i], c.pongs[i+1:]...)
			return
		}
	}
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeouts.Write))
	if err := websocket.JSON.Send(c.conn, v); err != nil {
		return apperrors.Wrap(apperrors.CodeConnection, "send failed", err)
	}
	return nil
}

func (c *Client) addWaiter(id string, ch chan Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.closedErrLocked()
	}
	c.waiters[id] = ch
	return nil
}

func (c *Client) removeWaiter(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedErrLocked()
}

func (c *Client) closedErrLocked() error {
	if c.err == nil {
		return apperrors.ErrConnectionClosed
	}
	if _, ok := apperrors.As(c.err); ok {
		return c.err
	}
	return apperrors.Wrap(apperrors.CodeConnection, "connection closed", c.err)
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		if err == nil {
			err = errClosed
		}
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		var raw []byte
		if err = websocket.Message.Receive(c.conn, &raw); err != nil {
			return
		}
		var frame Frame
		if json.Unmarshal(raw, &frame) != nil {
			continue
		}
		c.route(frame)
	}
}

func (c *Client) route(frame Frame) {
	c.mu.Lock()
	if frame.Type == protocol.TypePong && len(c.pongs) > 0 {
		ch := c.pongs[0]
		c.pongs = c.pongs[1:]
		c.mu.Unlock()
		ch <- frame
		return
	}
	ch, ok := c.waiters[frame.ID]
	c.mu.Unlock()
	if ok && frame.ID != "" {
		select {
		case ch <- frame:
		default:
		}
		return
	}
	select {
	case c.events <- frame:
	default:
	}
}
