package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/browserbridge/internal/services/bridge/storage"
)

func TestRecordAndListExchanges(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	if err := store.RecordExchange(context.Background(), storage.ExchangeRecord{
		ExchangeID: "ex-1",
		TargetID:   "browser-tools",
		Command:    "screenshot",
		Outcome:    "timeout",
		Error:      "timed out waiting for reply",
		Duration:   5 * time.Second,
		StartedAt:  now,
	}); err != nil {
		t.Fatalf("record exchange: %v", err)
	}
	if err := store.RecordExchange(context.Background(), storage.ExchangeRecord{
		ExchangeID: "ex-2",
		TargetID:   "browser-tools",
		Command:    "screenshot",
		Outcome:    "resolved",
		Duration:   120 * time.Millisecond,
		StartedAt:  now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("record exchange second: %v", err)
	}

	records, err := store.ListExchanges(context.Background(), 10)
	if err != nil {
		t.Fatalf("list exchanges: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records len = %d, want 2", len(records))
	}
	if records[0].ExchangeID != "ex-2" {
		t.Fatalf("records[0].exchange_id = %q, want %q", records[0].ExchangeID, "ex-2")
	}
	if records[0].Duration != 120*time.Millisecond {
		t.Fatalf("records[0].duration = %v, want 120ms", records[0].Duration)
	}
	if records[1].Error != "timed out waiting for reply" {
		t.Fatalf("records[1].error = %q", records[1].Error)
	}
	if !records[1].StartedAt.Equal(now) {
		t.Fatalf("records[1].started_at = %v, want %v", records[1].StartedAt, now)
	}
}

func TestRecordAndListTasks(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	if err := store.RecordTask(context.Background(), storage.TaskRecord{
		TaskID:    "t-1",
		ConnID:    "cli-1",
		Command:   "add",
		Status:    storage.TaskStatusOK,
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("record task: %v", err)
	}
	if err := store.RecordTask(context.Background(), storage.TaskRecord{
		TaskID:    "t-2",
		ConnID:    "cli-1",
		Command:   "screenshot",
		Status:    storage.TaskStatusError,
		ErrorCode: "CONNECTION",
		Error:     "no active connections",
		CreatedAt: now.Add(time.Second),
	}); err != nil {
		t.Fatalf("record task second: %v", err)
	}

	records, err := store.ListTasks(context.Background(), 1)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records len = %d, want 1", len(records))
	}
	if records[0].TaskID != "t-2" || records[0].ErrorCode != "CONNECTION" {
		t.Fatalf("records[0] = %+v", records[0])
	}
}

func TestRecordValidation(t *testing.T) {
	store := openTempStore(t)

	if err := store.RecordExchange(context.Background(), storage.ExchangeRecord{}); err == nil {
		t.Fatal("expected validation error for empty exchange")
	}
	if err := store.RecordTask(context.Background(), storage.TaskRecord{Command: "add", Status: "ok"}); err == nil {
		t.Fatal("expected validation error for missing task id")
	}
}

func TestListLimitValidation(t *testing.T) {
	store := openTempStore(t)

	if _, err := store.ListExchanges(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero limit")
	}
	if _, err := store.ListTasks(context.Background(), -1); err == nil {
		t.Fatal("expected error for negative limit")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.RecordTask(context.Background(), storage.TaskRecord{TaskID: "t-1", Command: "add", Status: "ok"}); err != nil {
		t.Fatalf("record task: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	records, err := reopened.ListTasks(context.Background(), 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records len = %d, want 1", len(records))
	}
}

func TestNilStoreIsNotConfigured(t *testing.T) {
	var store *Store
	if err := store.RecordTask(context.Background(), storage.TaskRecord{}); err == nil {
		t.Fatal("expected error for nil store")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
