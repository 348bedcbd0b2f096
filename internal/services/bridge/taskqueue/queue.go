// Package taskqueue buffers decoded commands and runs them through registered
// handlers, in arrival order or with bounded concurrency.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
	"github.com/louisbranch/browserbridge/internal/platform/otel"
	"github.com/louisbranch/browserbridge/internal/platform/timeouts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultCapacity = 256

// Task is one queued command.
type Task struct {
	ID        string
	ConnID    string
	Command   string
	Params    json.RawMessage
	CreatedAt time.Time
	// Locale is the originator's language tag, used for error replies.
	Locale string

	handler Handler
}

// Handler runs a task and returns its result payload.
type Handler interface {
	Handle(ctx context.Context, task Task) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task) (any, error)

// Handle implements Handler.
func (fn HandlerFunc) Handle(ctx context.Context, task Task) (any, error) {
	return fn(ctx, task)
}

// Outcome is the result of one task.
type Outcome struct {
	Task     Task
	Value    any
	Err      error
	Duration time.Duration
}

// Reporter delivers outcomes, typically back to the originating connection.
type Reporter interface {
	Report(ctx context.Context, outcome Outcome)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, outcome Outcome)

// Report implements Reporter.
func (fn ReporterFunc) Report(ctx context.Context, outcome Outcome) {
	fn(ctx, outcome)
}

// Queue is a bounded task buffer with a fixed worker pool.
type Queue struct {
	workers   int
	capacity  int
	reporters []Reporter
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu       sync.Mutex
	tasks    chan Task
	started  bool
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	aborting atomic.Bool
	inflight atomic.Int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers sets how many tasks may run at once. One keeps strict FIFO.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithCapacity sets the buffer size.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithReporter adds an outcome reporter. Reporters run in order.
func WithReporter(r Reporter) Option {
	return func(q *Queue) {
		if r != nil {
			q.reporters = append(q.reporters, r)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// New creates a stopped queue. Call Start to begin processing.
func New(opts ...Option) *Queue {
	q := &Queue{
		workers:  1,
		capacity: defaultCapacity,
		logger:   slog.Default(),
		tracer:   otel.Tracer("browserbridge/taskqueue"),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "taskqueue")
	q.tasks = make(chan Task, q.capacity)
	return q
}

// Register binds a handler to a command name, replacing any previous one.
func (q *Queue) Register(command string, h Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[command] = h
}

// Has reports whether command has a handler.
func (q *Queue) Has(command string) bool {
	return q.handler(command) != nil
}

// Commands lists registered command names.
func (q *Queue) Commands() []string {
	q.handlersMu.RLock()
	names := make([]string, 0, len(q.handlers))
	for name := range q.handlers {
		names = append(names, name)
	}
	q.handlersMu.RUnlock()
	sort.Strings(names)
	return names
}

func (q *Queue) handler(command string) Handler {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	return q.handlers[command]
}

// Start launches the workers. Handlers run under a context derived from ctx.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(runCtx)
	}
}

// AddTask enqueues task without blocking. It fails once the queue is stopped
// or when the buffer is full.
func (q *Queue) AddTask(task Task) error {
	task.Command = strings.TrimSpace(task.Command)
	if task.Command == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "missing command name")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = q.now()
	}
	task.handler = q.handler(task.Command)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return apperrors.ErrShutdown
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		return apperrors.ErrQueueFull
	}
}

// Len returns queued plus running tasks.
func (q *Queue) Len() int {
	return len(q.tasks) + int(q.inflight.Load())
}

// Stop refuses new tasks and drains the buffer until ctx ends. Whatever is
// still queued after that is reported as aborted, and running handlers see
// their context cancelled.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	started := q.started
	q.mu.Unlock()

	if !started {
		q.aborting.Store(true)
		for task := range q.tasks {
			q.report(task, nil, apperrors.ErrShutdown, 0)
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.aborting.Store(true)
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for task := range q.tasks {
		if q.aborting.Load() {
			q.report(task, nil, apperrors.ErrShutdown, 0)
			continue
		}
		q.run(ctx, task)
	}
}

func (q *Queue) run(ctx context.Context, task Task) {
	q.inflight.Add(1)
	defer q.inflight.Add(-1)

	ctx, span := q.tracer.Start(ctx, "taskqueue.handle", trace.WithAttributes(
		attribute.String("bridge.task_id", task.ID),
		attribute.String("bridge.command", task.Command),
	))
	defer span.End()

	started := q.now()
	value, err := q.invoke(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	q.report(task, value, err, q.now().Sub(started))
}

func (q *Queue) invoke(ctx context.Context, task Task) (value any, err error) {
	if task.handler == nil {
		task.handler = q.handler(task.Command)
	}
	if task.handler == nil {
		return nil, apperrors.WithDetail(apperrors.CodeUnknownCommand, "unknown command", task.Command)
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task handler panic", "task_id", task.ID, "command", task.Command, "panic", r)
			value = nil
			err = apperrors.WithDetail(apperrors.CodeHandlerFailed, "command handler failed", fmt.Sprint(r))
		}
	}()

	value, err = task.handler.Handle(ctx, task)
	if err != nil {
		if _, ok := apperrors.As(err); !ok {
			err = &apperrors.Error{
				Code:     apperrors.CodeHandlerFailed,
				Message:  "command handler failed",
				Metadata: map[string]string{apperrors.MetaDetail: err.Error()},
				Cause:    err,
			}
		}
		return nil, err
	}
	return value, nil
}

func (q *Queue) report(task Task, value any, err error, duration time.Duration) {
	if err != nil {
		q.logger.Debug("task failed", "task_id", task.ID, "command", task.Command, "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.Write)
	defer cancel()
	outcome := Outcome{Task: task, Value: value, Err: err, Duration: duration}
	for _, r := range q.reporters {
		r.Report(ctx, outcome)
	}
}
