// Package queue implements the agent's typed, durable multi-queue: three
// disjoint FIFO channels (stateless telemetry, stateful telemetry, inbound
// commands) backed by internal/store. It is the component every module
// producer and every long-running agent task (Communicator, CommandHandler)
// shares.
package queue

import (
	"encoding/json"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/store"
)

// Type identifies which of the three channels a Message belongs to.
type Type string

const (
	TypeStateless Type = "stateless"
	TypeStateful  Type = "stateful"
	TypeCommand   Type = "command"
)

func (t Type) channel() store.Channel {
	switch t {
	case TypeStateless:
		return store.ChannelStateless
	case TypeStateful:
		return store.ChannelStateful
	case TypeCommand:
		return store.ChannelCommand
	default:
		return ""
	}
}

// Message is a record produced by a module, destined for one channel.
type Message struct {
	Type       Type
	Payload    json.RawMessage
	ModuleName string
	ModuleType string
	Metadata   string
}

// QueuedMessage is a Message plus the sequence and on-disk size assigned to
// it at enqueue time.
type QueuedMessage struct {
	Message
	Sequence      uint64
	PersistedSize int
}

func fromRecord(t Type, r store.Record) QueuedMessage {
	return QueuedMessage{
		Message: Message{
			Type:       t,
			Payload:    r.Payload,
			ModuleName: r.Module,
			ModuleType: r.ModuleType,
			Metadata:   r.Metadata,
		},
		Sequence:      r.Sequence,
		PersistedSize: r.Size,
	}
}

// Now is an overridable clock hook. Nothing in the queue package reads it;
// the queue stores messages as given and synthesizes none of its own.
var Now = time.Now
