package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestQueueOrderingAndRemoval(t *testing.T) {
	s := openTestStore(t)

	var seqs []uint64
	for i := 0; i < 5; i++ {
		seq, _, err := s.StoreMessage(ChannelStateless, json.RawMessage(`{"n":1}`), "mod", "type", "")
		if err != nil {
			t.Fatalf("StoreMessage: %v", err)
		}
		seqs = append(seqs, seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not strictly increasing: %v", seqs)
		}
	}

	recs, err := s.RetrieveMultiple(ChannelStateless, 3, 0)
	if err != nil {
		t.Fatalf("RetrieveMultiple: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, r := range recs {
		if r.Sequence != seqs[i] {
			t.Fatalf("record %d: got seq %d, want %d", i, r.Sequence, seqs[i])
		}
	}

	if err := s.Remove(ChannelStateless, recs[1].Sequence); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	n, err := s.Count(ChannelStateless)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Fatalf("got %d remaining, want 3", n)
	}

	remaining, err := s.RetrieveMultiple(ChannelStateless, 0, 0)
	if err != nil {
		t.Fatalf("RetrieveMultiple: %v", err)
	}
	if len(remaining) != 3 || remaining[0].Sequence != seqs[2] {
		t.Fatalf("unexpected remaining records: %+v", remaining)
	}
}

func TestQueueDurabilityAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, _, err := s.StoreMessage(ChannelStateful, json.RawMessage(`{}`), "mod", "", ""); err != nil {
			t.Fatalf("StoreMessage: %v", err)
		}
	}
	// Simulate a crash: close without any explicit flush beyond bbolt's own
	// transaction durability.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	n, err := reopened.Count(ChannelStateful)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 4 {
		t.Fatalf("got %d after reopen, want 4", n)
	}
}

func TestCommandLifecycle(t *testing.T) {
	s := openTestStore(t)

	rec := CommandRecord{ID: "c1", Module: "logcollector", Command: "reload", Status: CommandInProgress, CreatedAt: 1}
	if err := s.UpsertCommand(rec); err != nil {
		t.Fatalf("UpsertCommand: %v", err)
	}

	got, ok, err := s.GetCommand("c1")
	if err != nil || !ok {
		t.Fatalf("GetCommand: ok=%v err=%v", ok, err)
	}
	if got.Status != CommandInProgress {
		t.Fatalf("got status %v, want InProgress", got.Status)
	}

	got.Status = CommandSuccess
	got.ResultMessage = "ok"
	if err := s.UpsertCommand(got); err != nil {
		t.Fatalf("UpsertCommand (update): %v", err)
	}

	list, err := s.GetCommandsByStatus(CommandSuccess)
	if err != nil {
		t.Fatalf("GetCommandsByStatus: %v", err)
	}
	if len(list) != 1 || list[0].ID != "c1" {
		t.Fatalf("unexpected list: %+v", list)
	}

	if err := s.DeleteCommand("c1"); err != nil {
		t.Fatalf("DeleteCommand: %v", err)
	}
	if _, ok, err := s.GetCommand("c1"); err != nil || ok {
		t.Fatalf("expected command gone, ok=%v err=%v", ok, err)
	}
}

func TestAgentIdentityRoundTrip(t *testing.T) {
	s := openTestStore(t)

	identity := AgentIdentity{
		Name:        "hostA",
		UUID:        "u-1",
		Key:         "A1B2C3D4E5F6G7H8I9J0K1L2M3N4O5P6",
		Groups:      []string{"default", "linux"},
		Fingerprint: "deadbeef",
	}
	if err := s.SaveAgentIdentity(identity); err != nil {
		t.Fatalf("SaveAgentIdentity: %v", err)
	}

	got, ok, err := s.LoadAgentIdentity()
	if err != nil || !ok {
		t.Fatalf("LoadAgentIdentity: ok=%v err=%v", ok, err)
	}
	if got.Key != identity.Key {
		t.Fatalf("got key %q, want %q", got.Key, identity.Key)
	}
	if got.UUID != identity.UUID || got.Name != identity.Name {
		t.Fatalf("identity mismatch: %+v", got)
	}

	if err := s.ResetAgentIdentity(); err != nil {
		t.Fatalf("ResetAgentIdentity: %v", err)
	}
	if _, ok, err := s.LoadAgentIdentity(); err != nil || ok {
		t.Fatalf("expected no identity after reset, ok=%v err=%v", ok, err)
	}
}
