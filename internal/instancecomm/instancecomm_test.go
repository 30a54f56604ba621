//go:build !windows

package instancecomm

import (
	"context"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/events"
)

func newTestServer(t *testing.T, h Handlers) (*Server, string) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "agent.sock")
	lis, err := NewListener(sockPath)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	return New(lis, h, events.New(), nil), sockPath
}

func dialAndSend(t *testing.T, sockPath, line string) {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestServeInvokesReloadAllOnRELOAD(t *testing.T) {
	var calls int32
	s, sockPath := newTestServer(t, Handlers{ReloadAll: func() { atomic.AddInt32(&calls, 1) }})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	dialAndSend(t, sockPath, "RELOAD\n")
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve returned %v, want nil", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("ReloadAll calls = %d, want 1", calls)
	}
}

func TestServeInvokesReloadModuleWithName(t *testing.T) {
	var gotName string
	s, sockPath := newTestServer(t, Handlers{ReloadModule: func(name string) { gotName = name }})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	dialAndSend(t, sockPath, "RELOAD-MODULE:fim\n")
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done
	if gotName != "fim" {
		t.Fatalf("ReloadModule name = %q, want fim", gotName)
	}
}

func TestServeRejectsUnrecognizedMessageWithoutPanicking(t *testing.T) {
	var calls int32
	s, sockPath := newTestServer(t, Handlers{ReloadAll: func() { atomic.AddInt32(&calls, 1) }})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	dialAndSend(t, sockPath, "GARBAGE\n")
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("ReloadAll calls = %d, want 0 for unrecognized message", calls)
	}
}

func TestServeRejectsLineWithoutNewlineWithinBudget(t *testing.T) {
	s, sockPath := newTestServer(t, Handlers{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	oversized := make([]byte, maxLineBytes+10)
	for i := range oversized {
		oversized[i] = 'a'
	}
	if _, err := conn.Write(oversized); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
}

func TestStopUnblocksServe(t *testing.T) {
	s, _ := newTestServer(t, Handlers{})

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	s.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}
