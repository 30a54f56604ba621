package queue

import (
	"context"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/store"
)

// Config bounds each of the three channels independently.
type Config struct {
	Stateless Limits
	Stateful  Limits
	Command   Limits
}

// MultiTypeQueue owns the three disjoint message channels. It is safe for
// concurrent use by any number of producers and consumers; no external lock
// is needed.
type MultiTypeQueue struct {
	stateless *channel
	stateful  *channel
	command   *channel
}

// New wraps s with the three channels described by cfg.
func New(s *store.Store, cfg Config) *MultiTypeQueue {
	return &MultiTypeQueue{
		stateless: newChannel(TypeStateless, s, cfg.Stateless),
		stateful:  newChannel(TypeStateful, s, cfg.Stateful),
		command:   newChannel(TypeCommand, s, cfg.Command),
	}
}

func (q *MultiTypeQueue) channelFor(t Type) *channel {
	switch t {
	case TypeStateless:
		return q.stateless
	case TypeStateful:
		return q.stateful
	case TypeCommand:
		return q.command
	default:
		return nil
	}
}

// Push is the non-blocking producer path. It returns ErrChannelFull without
// mutating persisted state if either the channel's count or byte limit would
// be exceeded.
func (q *MultiTypeQueue) Push(msg Message) (QueuedMessage, error) {
	return q.channelFor(msg.Type).push(msg)
}

// PushOrWait cooperatively suspends the caller until space frees in the
// target channel, ctx is cancelled, or deadline elapses (zero deadline means
// wait indefinitely, bounded only by ctx).
func (q *MultiTypeQueue) PushOrWait(ctx context.Context, msg Message, deadline time.Time) (QueuedMessage, error) {
	return q.channelFor(msg.Type).pushOrWait(ctx, msg, deadline)
}

// GetBatch returns a contiguous FIFO prefix of t's channel, bounded by
// maxCount and maxBytes. The batch remains in the channel until Remove
// acknowledges it: an unacknowledged batch has no effect, so callers that
// retry after a failed delivery will see the same messages again.
func (q *MultiTypeQueue) GetBatch(t Type, maxCount int, maxBytes int64) ([]QueuedMessage, error) {
	return q.channelFor(t).getBatch(maxCount, maxBytes)
}

// Remove acknowledges delivery of every message in t's channel with
// sequence <= uptoSeq.
func (q *MultiTypeQueue) Remove(t Type, uptoSeq uint64) error {
	return q.channelFor(t).remove(uptoSeq)
}

// Count returns the number of messages currently queued in t's channel.
func (q *MultiTypeQueue) Count(t Type) (int, error) {
	return q.channelFor(t).count()
}

// Bytes returns the total persisted size in bytes of t's channel.
func (q *MultiTypeQueue) Bytes(t Type) (int64, error) {
	return q.channelFor(t).bytes()
}
