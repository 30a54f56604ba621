package agentinfo

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/Will-Luck/Docker-Sentinel/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	a := New(openTestStore(t), nil)
	info := Info{Name: "host-01", UUID: NewUUID(), Key: "A1B2C3D4E5F6G7H8I9J0K1L2M3N4O5P6", Groups: []string{"default"}}

	if err := a.Save(info); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := a.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("Load: ok = false, want true")
	}
	if got.Name != info.Name || got.UUID != info.UUID || got.Key != info.Key {
		t.Fatalf("got %+v, want %+v", got, info)
	}
}

func TestLoadBeforeSaveReturnsNotOK(t *testing.T) {
	a := New(openTestStore(t), nil)
	_, ok, err := a.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatal("Load: ok = true before any Save")
	}
}

func TestSaveRejectsInvalidKey(t *testing.T) {
	a := New(openTestStore(t), nil)
	err := a.Save(Info{Name: "host-01", UUID: NewUUID(), Key: "too-short"})
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}
}

func TestResetClearsIdentity(t *testing.T) {
	a := New(openTestStore(t), nil)
	info := Info{Name: "host-01", UUID: NewUUID(), Key: "A1B2C3D4E5F6G7H8I9J0K1L2M3N4O5P6"}
	if err := a.Save(info); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := a.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	_, ok, err := a.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatal("Load: ok = true after Reset")
	}
}
