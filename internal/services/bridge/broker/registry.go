package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
)

// DuplicatePolicy decides what happens when a peer registers an ID that is
// already held.
type DuplicatePolicy string

const (
	// DuplicateDisplace evicts the current holder in favour of the newcomer.
	DuplicateDisplace DuplicatePolicy = "displace"
	// DuplicateReject refuses the newcomer.
	DuplicateReject DuplicatePolicy = "reject"
)

// ParseDuplicatePolicy validates a configured policy name.
func ParseDuplicatePolicy(value string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", DuplicateDisplace:
		return DuplicateDisplace, nil
	case DuplicateReject:
		return DuplicateReject, nil
	default:
		return "", fmt.Errorf("unknown duplicate policy %q", value)
	}
}

var (
	// ErrDisplaced is handed to the evict hook when a newer session takes over an ID.
	ErrDisplaced = apperrors.New(apperrors.CodeDisplaced, "connection replaced by a newer session")
	// ErrIDInUse is returned by Register under DuplicateReject.
	ErrIDInUse = apperrors.New(apperrors.CodeConnection, "connection id already in use")
)

// EvictFunc is called, outside the registry lock, for connections the
// registry removes on its own: displaced holders and CloseAll. It is where the
// transport gets notified and closed.
type EvictFunc func(c *Conn, reason error)

// Registry tracks live connections of one role by ID.
type Registry struct {
	role     Role
	policy   DuplicatePolicy
	observer Observer
	onEvict  EvictFunc
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time

	mu    sync.RWMutex
	conns map[string]*Conn
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDuplicatePolicy sets the duplicate-ID policy.
func WithDuplicatePolicy(policy DuplicatePolicy) RegistryOption {
	return func(r *Registry) { r.policy = policy }
}

// WithRegistryObserver reports connection count changes.
func WithRegistryObserver(observer Observer) RegistryOption {
	return func(r *Registry) {
		if observer != nil {
			r.observer = observer
		}
	}
}

// WithEvictHook sets the hook run for displaced and force-closed connections.
func WithEvictHook(fn EvictFunc) RegistryOption {
	return func(r *Registry) { r.onEvict = fn }
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithConnIDGenerator overrides the generator used for unnamed connections.
func WithConnIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// NewRegistry creates an empty registry for role.
func NewRegistry(role Role, opts ...RegistryOption) *Registry {
	r := &Registry{
		role:     role,
		policy:   DuplicateDisplace,
		observer: nopObserver{},
		logger:   slog.Default(),
		newID:    uuid.NewString,
		now:      time.Now,
		conns:    make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry", "role", string(role))
	return r
}

// Role returns the role this registry tracks.
func (r *Registry) Role() Role { return r.role }

// Register adds a connection under preferredID, or under a generated ID when
// preferredID is empty.
func (r *Registry) Register(preferredID string, sender Sender) (*Conn, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	id := strings.TrimSpace(preferredID)

	r.mu.Lock()
	var displaced *Conn
	if id == "" {
		for id == "" || r.conns[id] != nil {
			id = r.newID()
		}
	} else if existing := r.conns[id]; existing != nil {
		if r.policy == DuplicateReject {
			r.mu.Unlock()
			return nil, apperrors.WithDetail(ErrIDInUse.Code, ErrIDInUse.Message, id)
		}
		displaced = existing
		displaced.markClosed()
	}
	conn := newConn(id, r.role, sender, r.now())
	r.conns[id] = conn
	count := len(r.conns)
	r.mu.Unlock()

	if displaced != nil {
		r.logger.Info("connection displaced", "conn_id", id)
		r.evict(displaced, ErrDisplaced)
	}
	r.logger.Debug("connection registered", "conn_id", id, "count", count)
	r.observer.ConnectionsChanged(r.role, count)
	return conn, nil
}

// Unregister removes id. Unknown IDs are a no-op.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	count := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return false
	}
	conn.markClosed()
	r.logger.Debug("connection unregistered", "conn_id", id, "count", count)
	r.observer.ConnectionsChanged(r.role, count)
	return true
}

// Release removes conn only while it still holds its ID, so a displaced
// connection cannot remove its replacement. conn is marked closed either way.
func (r *Registry) Release(conn *Conn) bool {
	if conn == nil {
		return false
	}
	r.mu.Lock()
	held := r.conns[conn.id] == conn
	if held {
		delete(r.conns, conn.id)
	}
	count := len(r.conns)
	r.mu.Unlock()

	conn.markClosed()
	if held {
		r.logger.Debug("connection released", "conn_id", conn.id, "count", count)
		r.observer.ConnectionsChanged(r.role, count)
	}
	return held
}

// Lookup returns the live connection registered under id.
func (r *Registry) Lookup(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok || !conn.Alive() {
		return nil, false
	}
	return conn, true
}

// Any returns an arbitrary live connection.
func (r *Registry) Any() (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conn := range r.conns {
		if conn.Alive() {
			return conn, true
		}
	}
	return nil, false
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// List snapshots every registered connection, oldest first.
func (r *Registry) List() []ConnInfo {
	r.mu.RLock()
	infos := make([]ConnInfo, 0, len(r.conns))
	for _, conn := range r.conns {
		infos = append(infos, conn.Info())
	}
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Broadcast sends v to every live connection and returns how many writes
// succeeded.
func (r *Registry) Broadcast(ctx context.Context, v any) int {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range conns {
		if err := conn.Send(ctx, v); err != nil {
			r.logger.Debug("broadcast send failed", "conn_id", conn.id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// CloseAll empties the registry, handing every connection to the evict hook.
func (r *Registry) CloseAll(reason error) int {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for id, conn := range r.conns {
		conns = append(conns, conn)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		conn.markClosed()
		r.evict(conn, reason)
	}
	if len(conns) > 0 {
		r.observer.ConnectionsChanged(r.role, 0)
	}
	return len(conns)
}

func (r *Registry) evict(conn *Conn, reason error) {
	if r.onEvict != nil {
		r.onEvict(conn, reason)
		return
	}
	if err := conn.sender.Close(); err != nil {
		r.logger.Debug("close evicted connection", "conn_id", conn.id, "error", err)
	}
}
