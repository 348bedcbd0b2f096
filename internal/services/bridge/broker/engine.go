package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
	"github.com/louisbranch/browserbridge/internal/platform/otel"
	"github.com/louisbranch/browserbridge/internal/platform/timeouts"
	"github.com/louisbranch/browserbridge/internal/services/bridge/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Reply is an inbound frame answering an exchange.
type Reply struct {
	From     *Conn
	Envelope protocol.Envelope
	Raw      json.RawMessage
}

// exchange is one in-flight correlated request. It completes exactly once;
// every exit path, including a successful reply, goes through complete.
type exchange struct {
	id        string
	command   string
	target    *Conn
	startedAt time.Time

	once    sync.Once
	done    chan struct{}
	reply   Reply
	err     error
	outcome Outcome
}

func (x *exchange) complete(reply Reply, err error, outcome Outcome) bool {
	completed := false
	x.once.Do(func() {
		x.reply = reply
		x.err = err
		x.outcome = outcome
		completed = true
		close(x.done)
	})
	return completed
}

// Engine correlates outbound requests with their replies.
type Engine struct {
	registry *Registry
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer
	newID    func() string
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*exchange
	closed  bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDefaultTimeout sets the wait used when SendAndAwait gets no timeout.
func WithDefaultTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithEngineObserver reports finished exchanges.
func WithEngineObserver(observer Observer) EngineOption {
	return func(e *Engine) {
		if observer != nil {
			e.observer = observer
		}
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithExchangeIDGenerator overrides exchange ID generation.
func WithExchangeIDGenerator(fn func() string) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// NewEngine creates an engine sending to connections in registry.
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		timeout:  timeouts.Exchange,
		observer: nopObserver{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("browserbridge/broker"),
		newID:    uuid.NewString,
		now:      time.Now,
		pending:  make(map[string]*exchange),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// SendAndAwait sends req to targetID, or to any live connection when targetID
// is empty, and blocks until the reply arrives, timeout elapses, the target
// disconnects, ctx ends or the engine closes. A caller-supplied correlation ID
// on req is kept; otherwise one is generated.
func (e *Engine) SendAndAwait(ctx context.Context, req protocol.Envelope, targetID string, timeout time.Duration) (Reply, error) {
	startedAt := e.now()
	ctx, span := e.tracer.Start(ctx, "broker.send_and_await", trace.WithAttributes(
		attribute.String("bridge.command", req.Command),
		attribute.String("bridge.target", targetID),
	))
	defer span.End()

	target, err := e.target(targetID)
	if err != nil {
		e.report(ExchangeSummary{TargetID: targetID, Command: req.Command, Outcome: OutcomeNoTarget, StartedAt: startedAt, Err: err}, span)
		return Reply{}, err
	}

	ex, err := e.register(req, target, startedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Reply{}, err
	}
	defer e.remove(ex)
	span.SetAttributes(attribute.String("bridge.exchange_id", ex.id))

	if timeout <= 0 {
		timeout = e.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := target.Send(ctx, req.WithExchangeID(ex.id)); err != nil {
		ex.complete(Reply{}, err, OutcomeSendFailed)
	}

	select {
	case <-ex.done:
	case <-timer.C:
		ex.complete(Reply{}, apperrors.WithDetail(apperrors.CodeTimeout, apperrors.ErrTimeout.Message, timeout.String()), OutcomeTimeout)
	case <-target.Done():
		ex.complete(Reply{}, apperrors.WithDetail(apperrors.CodeConnection, apperrors.ErrConnectionClosed.Message, target.ID()), OutcomeDisconnected)
	case <-ctx.Done():
		err := contextError(ctx.Err())
		outcome := OutcomeCancelled
		if errors.Is(err, apperrors.ErrTimeout) {
			outcome = OutcomeTimeout
		}
		ex.complete(Reply{}, err, outcome)
	}
	<-ex.done

	e.report(ExchangeSummary{
		ExchangeID: ex.id,
		TargetID:   target.ID(),
		Command:    ex.command,
		Outcome:    ex.outcome,
		StartedAt:  startedAt,
		Duration:   e.now().Sub(startedAt),
		Err:        ex.err,
	}, span)
	return ex.reply, ex.err
}

// Resolve hands reply to the exchange it answers. Unknown, already resolved
// and foreign replies are logged and dropped.
func (e *Engine) Resolve(reply Reply) bool {
	id := reply.Envelope.CorrelationID()
	e.mu.Lock()
	ex := e.pending[id]
	e.mu.Unlock()

	if ex == nil {
		e.logger.Debug("discarding reply for unknown exchange", "exchange_id", id)
		return false
	}
	if reply.From != nil && reply.From != ex.target {
		e.logger.Warn("discarding reply from non-target connection", "exchange_id", id, "from", reply.From.ID(), "target", ex.target.ID())
		return false
	}
	if !ex.complete(reply, nil, OutcomeResolved) {
		e.logger.Debug("discarding duplicate reply", "exchange_id", id)
		return false
	}
	return true
}

// Tracks reports whether id is pending.
func (e *Engine) Tracks(id string) bool {
	if id == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

// Pending returns the number of in-flight exchanges.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close fails every pending exchange with a shutdown error and refuses new
// ones. It is safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	inflight := make([]*exchange, 0, len(e.pending))
	for _, ex := range e.pending {
		inflight = append(inflight, ex)
	}
	e.mu.Unlock()

	for _, ex := range inflight {
		ex.complete(Reply{}, apperrors.ErrShutdown, OutcomeShutdown)
	}
	if len(inflight) > 0 {
		e.logger.Info("cancelled pending exchanges", "count", len(inflight))
	}
}

func (e *Engine) target(targetID string) (*Conn, error) {
	if targetID = strings.TrimSpace(targetID); targetID != "" {
		conn, ok := e.registry.Lookup(targetID)
		if !ok {
			return nil, apperrors.WithDetail(apperrors.CodeConnection, apperrors.ErrNoSuchConnection.Message, targetID)
		}
		return conn, nil
	}
	conn, ok := e.registry.Any()
	if !ok {
		return nil, apperrors.ErrNoActiveConnections
	}
	return conn, nil
}

func (e *Engine) register(req protocol.Envelope, target *Conn, startedAt time.Time) (*exchange, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, apperrors.ErrShutdown
	}
	id := req.CorrelationID()
	if id == "" {
		for id == "" || e.pending[id] != nil {
			id = e.newID()
		}
	} else if e.pending[id] != nil {
		return nil, apperrors.WithDetail(apperrors.CodeDuplicateExchange, "duplicate exchange id", id)
	}
	ex := &exchange{
		id:        id,
		command:   req.Command,
		target:    target,
		startedAt: startedAt,
		done:      make(chan struct{}),
	}
	e.pending[id] = ex
	return ex, nil
}

func (e *Engine) remove(ex *exchange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending[ex.id] == ex {
		delete(e.pending, ex.id)
	}
}

func (e *Engine) report(summary ExchangeSummary, span trace.Span) {
	span.SetAttributes(attribute.String("bridge.outcome", string(summary.Outcome)))
	if summary.Err != nil {
		span.RecordError(summary.Err)
		span.SetStatus(codes.Error, summary.Err.Error())
	}
	e.observer.ExchangeFinished(summary)
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodeTimeout, apperrors.ErrTimeout.Message, err)
	}
	return apperrors.Wrap(apperrors.CodeCancelled, apperrors.ErrCancelled.Message, err)
}
