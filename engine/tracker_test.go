package engine

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/franksops/filehub/store"
)

type memStore struct {
	records map[string]*store.TransferRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*store.TransferRecord)}
}

func (m *memStore) SaveRecord(rec *store.TransferRecord) error {
	m.records[rec.ID] = rec
	return nil
}

func (m *memStore) GetRecord(id string) (*store.TransferRecord, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, store.ErrRecordNotFound
	}
	return rec, nil
}

func (m *memStore) ListRecords(string) ([]*store.TransferRecord, error) { return nil, nil }
func (m *memStore) Close() error                                        { return nil }

func TestJobTracker(t *testing.T) {
	ms := newMemStore()
	tracker := NewJobTracker(ms, DefaultCheckpointConfig)

	err := tracker.InitJob(TransferJob{
		ID:              "rec-1",
		Flow:            "payments",
		FileName:        "Payment_001.xml",
		SourcePath:      "/out/Payment_001.xml",
		DestinationPath: "/in/Payment_001.xml",
		Size:            120,
	})
	if err != nil {
		t.Fatalf("Failed to init job: %v", err)
	}

	record, err := ms.GetRecord("rec-1")
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if record.State != store.StatePending || record.TotalBytes != 120 {
		t.Errorf("Expected pending record of 120 bytes, got %s/%d", record.State, record.TotalBytes)
	}

	if err := tracker.MarkInProgress("rec-1"); err != nil {
		t.Fatalf("Failed to mark in progress: %v", err)
	}
	if record.State != store.StateInProgress {
		t.Errorf("Expected state %s, got %s", store.StateInProgress, record.State)
	}

	if err := tracker.MarkCompleted("rec-1", 120); err != nil {
		t.Fatalf("Failed to mark completed: %v", err)
	}
	if record.State != store.StateCompleted || record.Bytes != 120 {
		t.Errorf("Expected completed with 120 bytes, got %s/%d", record.State, record.Bytes)
	}

	if err := tracker.MarkFailed("rec-1", "size mismatch"); err != nil {
		t.Fatalf("Failed to mark failed: %v", err)
	}
	if record.State != store.StateFailed || record.Error != "size mismatch" {
		t.Errorf("Expected failed record, got %s/%q", record.State, record.Error)
	}

	if err := tracker.MarkInProgress("unknown"); !errors.Is(err, store.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestJobTracker_NilIsNoop(t *testing.T) {
	var tracker *JobTracker
	if err := tracker.InitJob(TransferJob{ID: "x"}); err != nil {
		t.Errorf("nil tracker should not fail: %v", err)
	}
	if err := tracker.MarkCompleted("x", 1); err != nil {
		t.Errorf("nil tracker should not fail: %v", err)
	}

	buf := new(bytes.Buffer)
	tw := tracker.NewTrackedWriter(buf, "x")
	if _, err := tw.Write([]byte("abc")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if tw.BytesWritten() != 3 || buf.String() != "abc" {
		t.Errorf("Expected 3 bytes passed through, got %d", tw.BytesWritten())
	}
}

func TestTrackedWriter_Checkpointing(t *testing.T) {
	ms := newMemStore()
	tracker := NewJobTracker(ms, CheckpointConfig{
		BytesInterval: 10,
		TimeInterval:  time.Hour,
	})

	if err := tracker.InitJob(TransferJob{ID: "rec-2"}); err != nil {
		t.Fatalf("Failed: %v", err)
	}

	buf := new(bytes.Buffer)
	tw := tracker.NewTrackedWriter(buf, "rec-2")

	// 5 bytes stay below the interval
	if n, err := tw.Write([]byte("12345")); err != nil || n != 5 {
		t.Fatalf("Write failed: n=%d err=%v", n, err)
	}
	record, _ := ms.GetRecord("rec-2")
	if record.Bytes != 0 {
		t.Errorf("Expected no checkpoint yet, got %d", record.Bytes)
	}

	if n, err := tw.Write([]byte("678901")); err != nil || n != 6 {
		t.Fatalf("Write failed: n=%d err=%v", n, err)
	}
	record, _ = ms.GetRecord("rec-2")
	if record.Bytes != 11 {
		t.Errorf("Expected 11 bytes checkpointed, got %d", record.Bytes)
	}
}
