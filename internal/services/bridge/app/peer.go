package app

import (
	"context"
	"sync"
	"time"

	"github.com/louisbranch/browserbridge/internal/platform/timeouts"
	"golang.org/x/net/websocket"
	"golang.org/x/text/language"
)

// wsPeer serializes writes to one websocket. It is the broker.Sender for
// every registered connection.
type wsPeer struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	lang         language.Tag
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func newWSPeer(conn *websocket.Conn, lang language.Tag) *wsPeer {
	return &wsPeer{conn: conn, lang: lang, writeTimeout: timeouts.Write}
}

// Send writes v as one JSON text frame.
func (p *wsPeer) Send(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := time.Now().Add(p.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = p.conn.SetWriteDeadline(deadline)
	return websocket.JSON.Send(p.conn, v)
}

// Close closes the websocket once.
func (p *wsPeer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}
