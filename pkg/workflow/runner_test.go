package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRunner(Config{
		Addr:       mr.Addr(),
		Stream:     "events:test",
		Group:      "workers",
		Consumer:   "test",
		MaxRetries: 2,
		Block:      50 * time.Millisecond,
		RetryDelay: 10 * time.Millisecond,
		ClaimIdle:  time.Minute,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func waitForStatus(t *testing.T, r *Runner, eventID, want string) RunStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, ok, err := r.GetRun(context.Background(), eventID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if ok && run.Status == want {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _, _ := r.GetRun(context.Background(), eventID)
	t.Fatalf("run %s never reached %q, last status %q (error %q)", eventID, want, run.Status, run.ErrorMessage)
	return RunStatus{}
}

func TestSendAndGetRunQueued(t *testing.T) {
	r := newTestRunner(t)

	id, err := r.Send(context.Background(), "doc.ingest", map[string]string{"docId": "d1"}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	run, ok, err := r.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !ok {
		t.Fatal("expected run to exist")
	}
	if run.Status != StatusQueued {
		t.Fatalf("status = %q, want %q", run.Status, StatusQueued)
	}
	if run.Name != "doc.ingest" {
		t.Fatalf("name = %q, want doc.ingest", run.Name)
	}
}

func TestGetRunUnknownID(t *testing.T) {
	r := newTestRunner(t)

	_, ok, err := r.GetRun(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if ok {
		t.Fatal("expected unknown run to be absent")
	}
}

func TestRunnerProcessesEvent(t *testing.T) {
	r := newTestRunner(t)
	r.Register("doc.ingest", func(ctx context.Context, run *Run) (any, error) {
		var payload struct {
			DocID string `json:"docId"`
		}
		if err := run.Bind(&payload); err != nil {
			return nil, err
		}
		return map[string]any{"docId": payload.DocID, "chunks": 3}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx, 1)

	id, err := r.Send(context.Background(), "doc.ingest", map[string]string{"docId": "d1"}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	run := waitForStatus(t, r, id, StatusDone)

	var out struct {
		DocID  string `json:"docId"`
		Chunks int    `json:"chunks"`
	}
	if err := json.Unmarshal(run.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.DocID != "d1" || out.Chunks != 3 {
		t.Fatalf("output = %+v", out)
	}
}

func TestRunnerRetriesThenFails(t *testing.T) {
	r := newTestRunner(t)
	var attempts atomic.Int32
	r.Register("doc.ingest", func(ctx context.Context, run *Run) (any, error) {
		attempts.Add(1)
		return nil, errors.New("parse error")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx, 1)

	id, err := r.Send(context.Background(), "doc.ingest", nil, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	run := waitForStatus(t, r, id, StatusFailed)

	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	if run.ErrorMessage != "parse error" {
		t.Fatalf("error = %q, want parse error", run.ErrorMessage)
	}
}

func TestStepMemoizedAcrossRetries(t *testing.T) {
	r := newTestRunner(t)
	var firstStepRuns, handlerRuns atomic.Int32
	r.Register("doc.ingest", func(ctx context.Context, run *Run) (any, error) {
		attempt := handlerRuns.Add(1)
		data, err := run.Step(ctx, "load-and-chunk", func(ctx context.Context) (any, error) {
			firstStepRuns.Add(1)
			return []string{"chunk-a", "chunk-b"}, nil
		})
		if err != nil {
			return nil, err
		}
		if attempt == 1 {
			return nil, errors.New("embedding unavailable")
		}
		var chunks []string
		if err := json.Unmarshal(data, &chunks); err != nil {
			return nil, err
		}
		return map[string]int{"chunks": len(chunks)}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx, 1)

	id, err := r.Send(context.Background(), "doc.ingest", nil, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	run := waitForStatus(t, r, id, StatusDone)

	if got := firstStepRuns.Load(); got != 1 {
		t.Fatalf("step executions = %d, want 1", got)
	}
	if got := handlerRuns.Load(); got != 2 {
		t.Fatalf("handler executions = %d, want 2", got)
	}
	var out struct {
		Chunks int `json:"chunks"`
	}
	if err := json.Unmarshal(run.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Chunks != 2 {
		t.Fatalf("chunks = %d, want 2", out.Chunks)
	}
}

func TestSendIdempotencyKeyDedupsLiveRuns(t *testing.T) {
	r := newTestRunner(t)

	first, err := r.Send(context.Background(), "doc.ingest", nil, SendOptions{IdempotencyKey: "doc-d1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	second, err := r.Send(context.Background(), "doc.ingest", nil, SendOptions{IdempotencyKey: "doc-d1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if second != first {
		t.Fatalf("second send returned %s, want dedup to %s", second, first)
	}
	other, err := r.Send(context.Background(), "doc.ingest", nil, SendOptions{IdempotencyKey: "doc-d2"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if other == first {
		t.Fatal("distinct keys must get distinct runs")
	}
}

func TestUnknownEventNameFailsRun(t *testing.T) {
	r := newTestRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx, 1)

	id, err := r.Send(context.Background(), "doc.unknown", nil, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitForStatus(t, r, id, StatusFailed)
}
