package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
	"github.com/louisbranch/browserbridge/internal/services/bridge/broker"
	"github.com/louisbranch/browserbridge/internal/services/bridge/taskqueue"
)

const (
	defaultRecorderBuffer = 512
	recordTimeout         = 2 * time.Second
)

// Recorder writes audit records off the hot path. It observes the engine and
// the task queue; when its buffer is full records are dropped and logged.
type Recorder struct {
	store  AuditStore
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	writes chan func(context.Context) error
	done   chan struct{}
}

// NewRecorder starts a recorder writing to store.
func NewRecorder(store AuditStore, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  store,
		logger: logger.With("component", "audit"),
		writes: make(chan func(context.Context) error, buffer),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer close(r.done)
	for write := range r.writes {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := write(ctx); err != nil {
			r.logger.Warn("write audit record", "error", err)
		}
		cancel()
	}
}

func (r *Recorder) enqueue(write func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.writes <- write:
	default:
		r.logger.Warn("audit buffer full, dropping record")
	}
}

// ConnectionsChanged implements broker.Observer.
func (r *Recorder) ConnectionsChanged(broker.Role, int) {}

// ExchangeFinished implements broker.Observer.
func (r *Recorder) ExchangeFinished(summary broker.ExchangeSummary) {
	record := ExchangeRecord{
		ExchangeID: summary.ExchangeID,
		TargetID:   summary.TargetID,
		Command:    summary.Command,
		Outcome:    string(summary.Outcome),
		Duration:   summary.Duration,
		StartedAt:  summary.StartedAt,
	}
	if summary.Err != nil {
		record.Error = summary.Err.Error()
	}
	r.enqueue(func(ctx context.Context) error { return r.store.RecordExchange(ctx, record) })
}

// Report implements taskqueue.Reporter.
func (r *Recorder) Report(_ context.Context, outcome taskqueue.Outcome) {
	record := TaskRecord{
		TaskID:    outcome.Task.ID,
		ConnID:    outcome.Task.ConnID,
		Command:   outcome.Task.Command,
		Status:    TaskStatusOK,
		Duration:  outcome.Duration,
		CreatedAt: outcome.Task.CreatedAt,
	}
	if outcome.Err != nil {
		record.Status = TaskStatusError
		record.ErrorCode = string(apperrors.CodeOf(outcome.Err))
		record.Error = outcome.Err.Error()
	}
	r.enqueue(func(ctx context.Context) error { return r.store.RecordTask(ctx, record) })
}

// Close stops accepting records and waits for buffered ones to be written.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.writes)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	_ broker.Observer    = (*Recorder)(nil)
	_ taskqueue.Reporter = (*Recorder)(nil)
)
