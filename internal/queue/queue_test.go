package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/store"
)

func newTestQueue(t *testing.T, cfg Config) (*MultiTypeQueue, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, cfg), s
}

func msg(n int) Message {
	return Message{Type: TypeStateless, Payload: json.RawMessage(`{"n":` + itoa(n) + `}`), ModuleName: "mod"}
}

func itoa(n int) string {
	return string(rune('0' + n))
}

func TestPushOrderingPreserved(t *testing.T) {
	q, _ := newTestQueue(t, Config{Stateless: Limits{MaxCount: 100}})

	for i := 0; i < 5; i++ {
		if _, err := q.Push(msg(i)); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	batch, err := q.GetBatch(TypeStateless, 0, 0)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if len(batch) != 5 {
		t.Fatalf("got %d messages, want 5", len(batch))
	}
	for i, m := range batch {
		want := `{"n":` + itoa(i) + `}`
		if string(m.Payload) != want {
			t.Fatalf("message %d payload = %s, want %s", i, m.Payload, want)
		}
	}
}

func TestBackpressureDoesNotMutateState(t *testing.T) {
	q, _ := newTestQueue(t, Config{Stateless: Limits{MaxCount: 2}})

	if _, err := q.Push(msg(0)); err != nil {
		t.Fatalf("Push 0: %v", err)
	}
	if _, err := q.Push(msg(1)); err != nil {
		t.Fatalf("Push 1: %v", err)
	}

	before, err := q.Count(TypeStateless)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}

	_, err = q.Push(msg(2))
	if !errors.Is(err, ErrChannelFull) {
		t.Fatalf("got err %v, want ErrChannelFull", err)
	}

	after, err := q.Count(TypeStateless)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if after != before {
		t.Fatalf("count changed on rejected push: before=%d after=%d", before, after)
	}
}

func TestUnacknowledgedBatchReplays(t *testing.T) {
	q, _ := newTestQueue(t, Config{Stateless: Limits{MaxCount: 100}})
	for i := 0; i < 3; i++ {
		if _, err := q.Push(msg(i)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	first, err := q.GetBatch(TypeStateless, 2, 0)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	// No Remove() call -- simulate a failed delivery.

	second, err := q.GetBatch(TypeStateless, 2, 0)
	if err != nil {
		t.Fatalf("GetBatch (retry): %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("batch lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Sequence != second[i].Sequence {
			t.Fatalf("batch %d differs on retry: %d vs %d", i, first[i].Sequence, second[i].Sequence)
		}
	}
}

func TestPushOrWaitUnblocksOnRemove(t *testing.T) {
	q, _ := newTestQueue(t, Config{Stateless: Limits{MaxCount: 1}})
	if _, err := q.Push(msg(0)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := q.PushOrWait(ctx, msg(1), time.Time{})
		done <- err
	}()

	// Give the waiter time to subscribe before freeing space.
	time.Sleep(50 * time.Millisecond)
	batch, err := q.GetBatch(TypeStateless, 1, 0)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if err := q.Remove(TypeStateless, batch[len(batch)-1].Sequence); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PushOrWait: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("PushOrWait did not unblock after Remove")
	}
}

func TestPushOrWaitRespectsDeadline(t *testing.T) {
	q, _ := newTestQueue(t, Config{Stateless: Limits{MaxCount: 1}})
	if _, err := q.Push(msg(0)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	deadline := time.Now().Add(100 * time.Millisecond)
	_, err := q.PushOrWait(context.Background(), msg(1), deadline)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got err %v, want DeadlineExceeded", err)
	}
}
