package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/browserbridge/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/browserbridge/internal/services/bridge/storage"
	"github.com/louisbranch/browserbridge/internal/services/bridge/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed audit persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens an audit SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// RecordExchange persists one finished exchange.
func (s *Store) RecordExchange(ctx context.Context, record storage.ExchangeRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	record.Command = strings.TrimSpace(record.Command)
	record.Outcome = strings.TrimSpace(record.Outcome)
	if record.Command == "" {
		return fmt.Errorf("command is required")
	}
	if record.Outcome == "" {
		return fmt.Errorf("outcome is required")
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO exchanges (
	exchange_id,
	target_id,
	command,
	outcome,
	error,
	duration_ms,
	started_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		record.ExchangeID,
		record.TargetID,
		record.Command,
		record.Outcome,
		record.Error,
		record.Duration.Milliseconds(),
		record.StartedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record exchange: %w", err)
	}
	return nil
}

// ListExchanges lists newest-first exchange records.
func (s *Store) ListExchanges(ctx context.Context, limit int) ([]storage.ExchangeRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, exchange_id, target_id, command, outcome, error, duration_ms, started_at
FROM exchanges
ORDER BY started_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list exchanges: %w", err)
	}
	defer rows.Close()

	records := make([]storage.ExchangeRecord, 0, limit)
	for rows.Next() {
		var record storage.ExchangeRecord
		var durationMillis, startedAt int64
		if err := rows.Scan(
			&record.ID,
			&record.ExchangeID,
			&record.TargetID,
			&record.Command,
			&record.Outcome,
			&record.Error,
			&durationMillis,
			&startedAt,
		); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		record.Duration = time.Duration(durationMillis) * time.Millisecond
		record.StartedAt = time.UnixMilli(startedAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return records, nil
}

// RecordTask persists one finished task.
func (s *Store) RecordTask(ctx context.Context, record storage.TaskRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	record.TaskID = strings.TrimSpace(record.TaskID)
	record.Command = strings.TrimSpace(record.Command)
	record.Status = strings.TrimSpace(record.Status)
	if record.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	if record.Command == "" {
		return fmt.Errorf("command is required")
	}
	if record.Status == "" {
		return fmt.Errorf("status is required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO tasks (
	task_id,
	conn_id,
	command,
	status,
	error_code,
	error,
	duration_ms,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.TaskID,
		record.ConnID,
		record.Command,
		record.Status,
		record.ErrorCode,
		record.Error,
		record.Duration.Milliseconds(),
		record.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}
	return nil
}

// ListTasks lists newest-first task records.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]storage.TaskRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, task_id, conn_id, command, status, error_code, error, duration_ms, created_at
FROM tasks
ORDER BY created_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	records := make([]storage.TaskRecord, 0, limit)
	for rows.Next() {
		var record storage.TaskRecord
		var durationMillis, createdAt int64
		if err := rows.Scan(
			&record.ID,
			&record.TaskID,
			&record.ConnID,
			&record.Command,
			&record.Status,
			&record.ErrorCode,
			&record.Error,
			&durationMillis,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		record.Duration = time.Duration(durationMillis) * time.Millisecond
		record.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return records, nil
}

var _ storage.AuditStore = (*Store)(nil)
