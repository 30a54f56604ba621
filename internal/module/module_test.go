package module

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeModule struct {
	name        string
	startErr    error
	stopErr     error
	idempotent  bool
	startCalled bool
	stopCalled  bool
	stopLog     *[]string
}

func (f *fakeModule) Name() string                         { return f.name }
func (f *fakeModule) Setup(json.RawMessage) error           { return nil }
func (f *fakeModule) Start(context.Context) error           { f.startCalled = true; return f.startErr }
func (f *fakeModule) Stop(context.Context) error {
	f.stopCalled = true
	if f.stopLog != nil {
		*f.stopLog = append(*f.stopLog, f.name)
	}
	return f.stopErr
}
func (f *fakeModule) IdempotentRedispatch() bool            { return f.idempotent }
func (f *fakeModule) ExecuteCommand(context.Context, string, json.RawMessage) (Result, error) {
	return Result{Message: "ok"}, nil
}

func TestNewRegistryRejectsDuplicateNames(t *testing.T) {
	_, err := NewRegistry(&fakeModule{name: "a"}, &fakeModule{name: "a"})
	if err == nil {
		t.Fatal("expected error for duplicate module name")
	}
}

func TestLookupFindsRegisteredModule(t *testing.T) {
	m := &fakeModule{name: "a"}
	r, err := NewRegistry(m)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	got, ok := r.Lookup("a")
	if !ok || got != m {
		t.Fatalf("Lookup(a) = %v, %v", got, ok)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Fatal("Lookup(missing) = true")
	}
}

func TestStopAllRunsInReverseOrder(t *testing.T) {
	var stopped []string
	a := &fakeModule{name: "a", stopLog: &stopped}
	b := &fakeModule{name: "b", stopLog: &stopped}
	r, err := NewRegistry(a, b)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if !a.startCalled || !b.startCalled {
		t.Fatal("not all modules started")
	}

	if err := r.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if !a.stopCalled || !b.stopCalled {
		t.Fatal("not all modules stopped")
	}
	if len(stopped) != 2 || stopped[0] != "b" || stopped[1] != "a" {
		t.Fatalf("stop order = %v, want [b a]", stopped)
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("Names() = %v, want [a b]", names)
	}
}

func TestStopAllCollectsFirstErrorButStopsEveryModule(t *testing.T) {
	a := &fakeModule{name: "a", stopErr: errors.New("boom")}
	b := &fakeModule{name: "b"}
	r, err := NewRegistry(a, b)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	err = r.StopAll(context.Background())
	if err == nil {
		t.Fatal("expected error from StopAll")
	}
	if !a.stopCalled || !b.stopCalled {
		t.Fatal("StopAll did not call Stop on every module")
	}
}
