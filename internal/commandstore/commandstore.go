// Package commandstore wraps internal/store's command persistence in the
// domain vocabulary the spec describes: CommandEntry, Status, and the
// Unknown -> InProgress -> {Success, Failure, Timeout} lifecycle, with
// terminal states sticky.
package commandstore

import (
	"encoding/json"

	"github.com/Will-Luck/Docker-Sentinel/internal/clock"
	"github.com/Will-Luck/Docker-Sentinel/internal/store"
)

// Status mirrors store.CommandStatus in the command's own vocabulary.
type Status = store.CommandStatus

const (
	Unknown    = store.CommandUnknown
	InProgress = store.CommandInProgress
	Success    = store.CommandSuccess
	Failure    = store.CommandFailure
	Timeout    = store.CommandTimeout
)

// Entry is one command's full lifecycle record.
type Entry struct {
	ID            string
	Module        string
	Command       string
	Parameters    json.RawMessage
	Status        Status
	ResultMessage string
	CreatedAt     int64
	StartedAt     int64
	CompletedAt   int64
}

func fromRecord(r store.CommandRecord) Entry {
	return Entry{
		ID:            r.ID,
		Module:        r.Module,
		Command:       r.Command,
		Parameters:    r.Parameters,
		Status:        r.Status,
		ResultMessage: r.ResultMessage,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
}

func (e Entry) toRecord() store.CommandRecord {
	return store.CommandRecord{
		ID:            e.ID,
		Module:        e.Module,
		Command:       e.Command,
		Parameters:    e.Parameters,
		Status:        e.Status,
		ResultMessage: e.ResultMessage,
		CreatedAt:     e.CreatedAt,
		StartedAt:     e.StartedAt,
		CompletedAt:   e.CompletedAt,
	}
}

// Store is the command lifecycle log, built on internal/store.
type Store struct {
	s     *store.Store
	clock clock.Clock
}

// New wraps s. Timestamps written by Begin/Complete use clk.
func New(s *store.Store, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{s: s, clock: clk}
}

// Lookup reports an existing entry for id, if any.
func (cs *Store) Lookup(id string) (Entry, bool, error) {
	rec, ok, err := cs.s.GetCommand(id)
	if err != nil || !ok {
		return Entry{}, ok, err
	}
	return fromRecord(rec), true, nil
}

// Begin inserts a new InProgress entry for a command id not seen before.
// Callers must have already confirmed via Lookup that id is new.
func (cs *Store) Begin(id, module, command string, parameters json.RawMessage, createdAt int64) error {
	return cs.s.UpsertCommand(store.CommandRecord{
		ID:         id,
		Module:     module,
		Command:    command,
		Parameters: parameters,
		Status:     InProgress,
		CreatedAt:  createdAt,
		StartedAt:  cs.clock.Now().Unix(),
	})
}

// Complete transitions id to a terminal status with a result message and
// completion timestamp. Callers are responsible for not calling Complete on
// an id already in a terminal state (Status.Terminal() sentinel check lives
// in commandhandler, which owns the read-then-write transaction).
func (cs *Store) Complete(id string, status Status, message string) error {
	rec, ok, err := cs.s.GetCommand(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	rec.Status = status
	rec.ResultMessage = message
	rec.CompletedAt = cs.clock.Now().Unix()
	return cs.s.UpsertCommand(rec)
}

// InProgressEntries returns every entry currently InProgress, used by
// commandhandler's startup recovery scan.
func (cs *Store) InProgressEntries() ([]Entry, error) {
	recs, err := cs.s.GetCommandsByStatus(InProgress)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(recs))
	for i, r := range recs {
		out[i] = fromRecord(r)
	}
	return out, nil
}

// Delete removes id from the store entirely. No sweep in the agent calls it;
// terminal entries stay until deleted explicitly.
func (cs *Store) Delete(id string) error {
	return cs.s.DeleteCommand(id)
}
