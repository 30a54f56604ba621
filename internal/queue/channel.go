package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/metrics"
	"github.com/Will-Luck/Docker-Sentinel/internal/store"
)

// ErrChannelFull is returned by Push (PushOrWait waits instead) when accepting a message
// would exceed the channel's count or byte capacity. Persisted state is
// left untouched.
var ErrChannelFull = errors.New("queue: channel full")

// Limits bounds a single channel's capacity.
type Limits struct {
	MaxCount int   // <=0 means unbounded
	MaxBytes int64 // <=0 means unbounded
}

// channel is one of the three FIFOs, backed by store.Store.
type channel struct {
	typ     Type
	store   *store.Store
	limits  Limits
	name    string // for metrics labels
	mu      sync.Mutex
	waiters []chan struct{}
}

func newChannel(typ Type, s *store.Store, limits Limits) *channel {
	c := &channel{typ: typ, store: s, limits: limits, name: string(typ)}
	c.refreshMetrics()
	return c
}

func (c *channel) refreshMetrics() {
	n, _ := c.store.Count(c.typ.channel())
	b, _ := c.store.Bytes(c.typ.channel())
	metrics.SetQueueDepth(c.name, n)
	metrics.SetQueueBytes(c.name, b)
}

// wouldExceed reports whether adding size bytes/1 message would exceed the
// channel's configured limits.
func (c *channel) wouldExceed(size int) (bool, error) {
	n, err := c.store.Count(c.typ.channel())
	if err != nil {
		return false, err
	}
	if c.limits.MaxCount > 0 && n+1 > c.limits.MaxCount {
		return true, nil
	}
	b, err := c.store.Bytes(c.typ.channel())
	if err != nil {
		return false, err
	}
	if c.limits.MaxBytes > 0 && b+int64(size) > c.limits.MaxBytes {
		return true, nil
	}
	return false, nil
}

// push attempts a non-blocking enqueue, checking capacity against an
// estimated size before writing (the exact persisted size is only known
// after the store serializes the record). channel.mu serializes callers so
// the estimate and the real write never race each other.
func (c *channel) push(msg Message) (QueuedMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	estimate := len(msg.Payload) + len(msg.ModuleName) + len(msg.ModuleType) + len(msg.Metadata) + 32
	exceed, err := c.wouldExceed(estimate)
	if err != nil {
		return QueuedMessage{}, err
	}
	if exceed {
		return QueuedMessage{}, ErrChannelFull
	}

	seq, size, err := c.store.StoreMessage(c.typ.channel(), msg.Payload, msg.ModuleName, msg.ModuleType, msg.Metadata)
	if err != nil {
		return QueuedMessage{}, err
	}
	c.refreshMetrics()
	return fromRecord(c.typ, store.Record{Sequence: seq, Module: msg.ModuleName, ModuleType: msg.ModuleType, Metadata: msg.Metadata, Payload: msg.Payload, Size: size}), nil
}

// pushOrWait retries push until it succeeds, ctx is cancelled, or deadline
// elapses, cooperatively suspending on a broadcast channel signalled by
// remove acknowledgement rather than busy-polling.
func (c *channel) pushOrWait(ctx context.Context, msg Message, deadline time.Time) (QueuedMessage, error) {
	for {
		qm, err := c.push(msg)
		if err == nil {
			return qm, nil
		}
		if !errors.Is(err, ErrChannelFull) {
			return QueuedMessage{}, err
		}

		wait := c.subscribe()
		var timer *time.Timer
		var timerCh <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return QueuedMessage{}, context.DeadlineExceeded
			}
			timer = time.NewTimer(d)
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return QueuedMessage{}, ctx.Err()
		case <-timerCh:
			return QueuedMessage{}, context.DeadlineExceeded
		case <-wait:
			if timer != nil {
				timer.Stop()
			}
			// space may have freed; loop and retry push
		}
	}
}

// subscribe returns a channel that is closed the next time space frees.
func (c *channel) subscribe() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	return ch
}

// broadcast wakes every current waiter. Must not be called with c.mu held.
func (c *channel) broadcast() {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (c *channel) getBatch(maxCount int, maxBytes int64) ([]QueuedMessage, error) {
	recs, err := c.store.RetrieveMultiple(c.typ.channel(), maxCount, maxBytes)
	if err != nil {
		return nil, err
	}
	out := make([]QueuedMessage, len(recs))
	for i, r := range recs {
		out[i] = fromRecord(c.typ, r)
	}
	return out, nil
}

func (c *channel) remove(uptoSeq uint64) error {
	if err := c.store.Remove(c.typ.channel(), uptoSeq); err != nil {
		return err
	}
	c.refreshMetrics()
	c.broadcast()
	return nil
}

func (c *channel) count() (int, error) {
	return c.store.Count(c.typ.channel())
}

func (c *channel) bytes() (int64, error) {
	return c.store.Bytes(c.typ.channel())
}
