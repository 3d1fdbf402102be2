package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingInsert struct {
	mu      sync.Mutex
	batches [][]*ToolCallEvent
	err     error
}

func (r *recordingInsert) insert(_ context.Context, events []*ToolCallEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]*ToolCallEvent(nil), events...))
	return r.err
}

func (r *recordingInsert) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestClickHouseWriter_FlushesOnTick(t *testing.T) {
	rec := &recordingInsert{}
	w := newWriter(rec.insert, zap.NewNop())
	defer w.Close()

	w.Write(&ToolCallEvent{RequestID: "r1", ToolName: "projects_list"})
	w.Write(&ToolCallEvent{RequestID: "r2", ToolName: "projects_create"})

	deadline := time.Now().Add(2 * time.Second)
	for rec.total() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("events were not flushed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClickHouseWriter_CloseDrains(t *testing.T) {
	rec := &recordingInsert{}
	w := newWriter(rec.insert, nil)
	for i := 0; i < 50; i++ {
		w.Write(&ToolCallEvent{RequestID: "r"})
	}
	w.Close()
	if got := rec.total(); got != 50 {
		t.Fatalf("expected 50 events after close, got %d", got)
	}
}

func TestClickHouseWriter_LogsInsertFailures(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	rec := &recordingInsert{err: errors.New("connection reset")}
	w := newWriter(rec.insert, zap.New(core))
	w.Write(&ToolCallEvent{RequestID: "r1"})
	w.Close()
	if logs.FilterMessage("clickhouse batch send failed").Len() != 1 {
		t.Fatal("expected the failed batch to be logged")
	}
}

func TestLogWriter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	w := NewLogWriter(zap.New(core))
	w.Write(&ToolCallEvent{RequestID: "r1", ToolName: "cart_pay", StateBefore: "payment", StateAfter: "confirmed"})
	w.Close()

	entries := logs.FilterMessage("tool_call_event").All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["state_after"] != "confirmed" {
		t.Fatalf("unexpected fields %v", entries[0].ContextMap())
	}
}

func TestIsLocal(t *testing.T) {
	if !isLocal([]string{"localhost:9000", "127.0.0.1:9000"}) {
		t.Fatal("loopback addresses are local")
	}
	if isLocal([]string{"localhost:9000", "ch.example.com:9440"}) || isLocal(nil) {
		t.Fatal("remote or empty address lists are not local")
	}
}
