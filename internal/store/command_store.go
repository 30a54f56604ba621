package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

// CommandStatus is the lifecycle status of a persisted command.
type CommandStatus int

const (
	CommandUnknown CommandStatus = iota
	CommandInProgress
	CommandSuccess
	CommandFailure
	CommandTimeout
)

// Terminal reports whether status allows no further transitions.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandSuccess, CommandFailure, CommandTimeout:
		return true
	default:
		return false
	}
}

func (s CommandStatus) String() string {
	switch s {
	case CommandUnknown:
		return "unknown"
	case CommandInProgress:
		return "in_progress"
	case CommandSuccess:
		return "success"
	case CommandFailure:
		return "failure"
	case CommandTimeout:
		return "timeout"
	default:
		return "invalid"
	}
}

// CommandRecord is the durable representation of a CommandEntry.
type CommandRecord struct {
	ID            string          `json:"id"`
	Module        string          `json:"module"`
	Command       string          `json:"command"`
	Parameters    json.RawMessage `json:"parameters"`
	Status        CommandStatus   `json:"status"`
	ResultMessage string          `json:"result_message"`
	CreatedAt     int64           `json:"created_at"`
	StartedAt     int64           `json:"started_at,omitempty"`
	CompletedAt   int64           `json:"completed_at,omitempty"`
}

// UpsertCommand inserts or replaces the command row keyed by rec.ID.
func (s *Store) UpsertCommand(rec CommandRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommandStore).Put([]byte(rec.ID), data)
	})
	return wrapErr("upsert command", err)
}

// GetCommand looks up a command by id. ok is false if no such row exists.
func (s *Store) GetCommand(id string) (rec CommandRecord, ok bool, err error) {
	dbErr := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCommandStore).Get([]byte(id))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &rec)
	})
	if dbErr != nil {
		return CommandRecord{}, false, wrapErr("get command", dbErr)
	}
	return rec, ok, nil
}

// GetCommandsByStatus returns every command row currently in status.
func (s *Store) GetCommandsByStatus(status CommandStatus) ([]CommandRecord, error) {
	var out []CommandRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommandStore).ForEach(func(_, v []byte) error {
			var rec CommandRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip corrupt row
			}
			if rec.Status == status {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("get commands by status", err)
	}
	return out, nil
}

// DeleteCommand removes a command row by id. Deleting an id that does not
// exist is a no-op.
func (s *Store) DeleteCommand(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommandStore).Delete([]byte(id))
	})
	return wrapErr("delete command", err)
}
