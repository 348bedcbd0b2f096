package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
)

// Role separates executor peers from requester peers. Each role has its own
// registry and ID space.
type Role string

const (
	RoleExecutor  Role = "executor"
	RoleRequester Role = "requester"
)

// Sender is the transport side of a connection.
type Sender interface {
	Send(ctx context.Context, v any) error
	Close() error
}

// Conn is a registered, live peer connection.
type Conn struct {
	id          string
	role        Role
	sender      Sender
	connectedAt time.Time

	lastActivity atomic.Int64
	closed       atomic.Bool
	done         chan struct{}
	closeOnce    sync.Once
}

func newConn(id string, role Role, sender Sender, now time.Time) *Conn {
	c := &Conn{
		id:          id,
		role:        role,
		sender:      sender,
		connectedAt: now,
		done:        make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// ID returns the registry identifier.
func (c *Conn) ID() string { return c.id }

// Role returns which side of the bridge the peer is on.
func (c *Conn) Role() Role { return c.role }

// ConnectedAt returns the registration time.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity returns the time of the last inbound frame.
func (c *Conn) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

// Touch records inbound activity.
func (c *Conn) Touch(now time.Time) { c.lastActivity.Store(now.UnixNano()) }

// Sender returns the transport. Evict hooks use it to write a final frame
// after the connection has left the registry.
func (c *Conn) Sender() Sender { return c.sender }

// Alive reports whether the connection is still registered.
func (c *Conn) Alive() bool { return !c.closed.Load() }

// Done is closed once the connection leaves the registry.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send writes v to the peer.
func (c *Conn) Send(ctx context.Context, v any) error {
	if !c.Alive() {
		return apperrors.ErrConnectionClosed
	}
	if err := c.sender.Send(ctx, v); err != nil {
		return apperrors.Wrap(apperrors.CodeConnection, "send failed", err)
	}
	return nil
}

// markClosed flips the connection to dead and wakes every waiter. It does not
// touch the transport.
func (c *Conn) markClosed() bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closed.Store(true)
		close(c.done)
	})
	return first
}

// ConnInfo is a point-in-time view of a connection.
type ConnInfo struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Info snapshots c.
func (c *Conn) Info() ConnInfo {
	return ConnInfo{ID: c.id, Role: c.role, ConnectedAt: c.connectedAt, LastActivity: c.LastActivity()}
}
