// Package backoff implements the exponential-backoff-with-cap retry policy
// used by the agent's long-running retry loops: the HTTP client's long-poll
// retry (httpclient.CoLongPoll) and the token refresh loop
// (communicator.RunTokenRefresh).
package backoff

import "time"

// Policy describes an exponential backoff sequence, doubling from Initial up
// to Max, with no jitter (callers that need jitter wrap Next
// themselves).
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

// Backoff tracks the current delay of a single retry sequence. It is not
// safe for concurrent use; callers own one per retry loop.
type Backoff struct {
	policy  Policy
	current time.Duration
}

// New returns a Backoff ready to produce its first delay.
func New(policy Policy) *Backoff {
	if policy.Initial <= 0 {
		policy.Initial = time.Second
	}
	if policy.Max <= 0 || policy.Max < policy.Initial {
		policy.Max = policy.Initial
	}
	return &Backoff{policy: policy}
}

// Next returns the delay to wait before the next attempt and advances the
// sequence. The first call returns Initial.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.policy.Initial
		return b.current
	}
	b.current *= 2
	if b.current > b.policy.Max {
		b.current = b.policy.Max
	}
	return b.current
}

// Reset restarts the sequence so the next call to Next returns Initial
// again. Callers reset on every successful attempt.
func (b *Backoff) Reset() {
	b.current = 0
}
