// Package storage defines the audit ledger for exchanges and tasks. It records
// what happened; it is never replayed.
package storage

import (
	"context"
	"time"
)

// ExchangeRecord is one finished correlated exchange.
type ExchangeRecord struct {
	ID         int64
	ExchangeID string
	TargetID   string
	Command    string
	Outcome    string
	Error      string
	Duration   time.Duration
	StartedAt  time.Time
}

// TaskRecord is one finished requester task.
type TaskRecord struct {
	ID        int64
	TaskID    string
	ConnID    string
	Command   string
	Status    string
	ErrorCode string
	Error     string
	Duration  time.Duration
	CreatedAt time.Time
}

// Task statuses.
const (
	TaskStatusOK    = "ok"
	TaskStatusError = "error"
)

// AuditStore persists exchange and task records.
type AuditStore interface {
	RecordExchange(ctx context.Context, record ExchangeRecord) error
	ListExchanges(ctx context.Context, limit int) ([]ExchangeRecord, error)
	RecordTask(ctx context.Context, record TaskRecord) error
	ListTasks(ctx context.Context, limit int) ([]TaskRecord, error)
}
