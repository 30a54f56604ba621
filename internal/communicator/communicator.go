// Package communicator owns the agent's three long-lived cooperative tasks
// that talk to the manager: token refresh (T1), command long-poll (T2), and
// telemetry upload (T3). All three share one token and one HttpClient, and
// none holds a lock across a network call.
package communicator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Will-Luck/Docker-Sentinel/internal/backoff"
	"github.com/Will-Luck/Docker-Sentinel/internal/commandstore"
	"github.com/Will-Luck/Docker-Sentinel/internal/events"
	"github.com/Will-Luck/Docker-Sentinel/internal/httpclient"
	"github.com/Will-Luck/Docker-Sentinel/internal/metrics"
	"github.com/Will-Luck/Docker-Sentinel/internal/queue"
)

// Config holds tuning knobs for the three tasks.
type Config struct {
	Server httpclient.Params // Host/Port/Scheme/Verify; Method/Path/Body overwritten per call

	UUID string // basic-auth user for token refresh
	Key  string // basic-auth pass for token refresh

	SafetySkew    time.Duration // subtracted from token expiry before scheduling refresh
	LongPollWait  time.Duration // seconds sent as ?wait= to /commands
	RetryInterval time.Duration // base retry interval for transient failures

	BatchSize        int
	BatchBytes       int64
	MaxPoisonRetries int // after this many 4xx (non-401) attempts, drop the batch
}

func (c Config) withDefaults() Config {
	if c.SafetySkew <= 0 {
		c.SafetySkew = 30 * time.Second
	}
	if c.LongPollWait <= 0 {
		c.LongPollWait = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxPoisonRetries <= 0 {
		c.MaxPoisonRetries = 5
	}
	return c
}

// Communicator runs T1/T2/T3. Exported Run* methods are meant to be
// supervised by an errgroup in internal/taskmanager.
type Communicator struct {
	cfg    Config
	client *httpclient.Client
	q      *queue.MultiTypeQueue
	cmds   *commandstore.Store
	bus    *events.Bus
	log    *slog.Logger

	token       tokenBox
	refreshSF   singleflight.Group
	keepRunning atomic.Bool
}

// New builds a Communicator. keepRunning starts true; call Stop to flip it.
func New(client *httpclient.Client, q *queue.MultiTypeQueue, cmds *commandstore.Store, bus *events.Bus, log *slog.Logger, cfg Config) *Communicator {
	if log == nil {
		log = slog.Default()
	}
	c := &Communicator{cfg: cfg.withDefaults(), client: client, q: q, cmds: cmds, bus: bus, log: log}
	c.keepRunning.Store(true)
	return c
}

// Stop requests cooperative shutdown; running tasks observe this at their
// next suspension point.
func (c *Communicator) Stop() {
	c.keepRunning.Store(false)
}

func (c *Communicator) running() bool { return c.keepRunning.Load() }

// Token returns the currently held bearer token, or the empty string if none
// has been acquired yet.
func (c *Communicator) Token() string {
	return bearerHeader(c.token.Load())
}

// refresh performs one /security/user/authenticate call and installs the
// result, coalescing concurrent callers via singleflight so T2 and T3
// blocked on the same expired token only trigger one network call.
func (c *Communicator) refresh(ctx context.Context) error {
	_, err, _ := c.refreshSF.Do("refresh", func() (any, error) {
		params := c.cfg.Server
		params.Method = http.MethodPost
		params.Path = "/security/user/authenticate"
		params.BasicUser = c.cfg.UUID
		params.BasicPass = c.cfg.Key

		resp, err := c.client.CoRequest(ctx, params)
		if err != nil {
			if isUnauthorized(err) {
				metrics.TokenRefreshes.WithLabelValues("auth_lost").Inc()
				metrics.AuthLost.Inc()
				c.bus.Publish(events.Event{Type: events.EventConnectionState, Message: "auth lost", Timestamp: time.Now()})
				return nil, err
			}
			metrics.TokenRefreshes.WithLabelValues("transient_failure").Inc()
			return nil, err
		}

		var auth authenticateResponse
		if err := json.Unmarshal(resp.Body, &auth); err != nil {
			metrics.TokenRefreshes.WithLabelValues("malformed_response").Inc()
			return nil, fmt.Errorf("communicator: malformed authenticate response: %w", err)
		}

		tok, err := tokenFromResponse(auth, c.cfg.SafetySkew)
		if err != nil {
			metrics.TokenRefreshes.WithLabelValues("bad_token").Inc()
			return nil, err
		}
		c.token.Store(tok)
		metrics.TokenRefreshes.WithLabelValues("success").Inc()
		c.bus.Publish(events.Event{Type: events.EventTokenRefreshed, Timestamp: time.Now()})
		return tok, nil
	})
	return err
}

func isUnauthorized(err error) bool {
	he, ok := err.(*httpclient.Error)
	return ok && he.Kind == httpclient.KindUnauthorized
}

// RunTokenRefresh is T1: acquire an initial token, then sleep until
// expiry-safetySkew and refresh again, looping until Stop. Transport
// failures retry with exponential backoff capped at 5 minutes; a 401
// response halts the loop entirely (AuthLost is terminal until an operator
// re-registers).
func (c *Communicator) RunTokenRefresh(ctx context.Context) error {
	bo := backoff.New(backoff.Policy{Initial: time.Second, Max: 5 * time.Minute})

	for c.running() {
		if err := c.refresh(ctx); err != nil {
			if isUnauthorized(err) {
				return nil
			}
			delay := bo.Next()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()

		tok := c.token.Load()
		sleepFor := time.Until(tok.Expiry)
		if sleepFor <= 0 {
			sleepFor = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
	}
	return nil
}

// RunCommandPoll is T2: long-poll /commands and push each distinct command
// into the command channel.
func (c *Communicator) RunCommandPoll(ctx context.Context) error {
	params := c.cfg.Server
	params.Method = http.MethodGet
	params.Path = fmt.Sprintf("/commands?wait=%d", int(c.cfg.LongPollWait.Seconds()))
	params.BearerToken = c.Token()

	return c.client.CoLongPoll(ctx, params, httpclient.LongPollOptions{
		RetryInterval:  c.cfg.RetryInterval,
		ShouldContinue: c.running,
		OnBatch:        c.handleCommandBatch,
		OnUnauthorized: func() {
			// Suspend until T1 installs a fresh token; CoLongPoll's caller loop
			// re-enters here only if ShouldContinue is still true, so block
			// briefly to avoid a tight spin while waiting for refresh.
			time.Sleep(c.cfg.RetryInterval)
		},
	})
}

func (c *Communicator) handleCommandBatch(resp httpclient.Response) error {
	var wire []struct {
		ID         string          `json:"id"`
		Module     string          `json:"module"`
		Command    string          `json:"command"`
		Parameters json.RawMessage `json:"parameters"`
		Time       int64           `json:"time"`
	}
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		c.log.Warn("malformed command batch", "error", err)
		return nil
	}

	for _, cmd := range wire {
		if _, known, err := c.cmds.Lookup(cmd.ID); err != nil {
			c.log.Warn("command store lookup failed", "id", cmd.ID, "error", err)
			continue
		} else if known {
			continue // dedup: already seen (terminal or in-progress)
		}

		payload, err := json.Marshal(cmd)
		if err != nil {
			continue
		}
		if _, err := c.q.Push(queue.Message{Type: queue.TypeCommand, Payload: payload, ModuleName: cmd.Module}); err != nil {
			c.log.Warn("command queue push failed", "id", cmd.ID, "error", err)
		}
	}
	return nil
}

// poisonTracker counts consecutive 4xx (non-401) attempts per first-sequence of a
// batch so a channel that the manager keeps rejecting doesn't wedge forever.
type poisonTracker struct {
	lastFirstSeq uint64
	failures     int
}

// RunUpload is T3: repeatedly pick a channel via weighted round-robin, drain
// a batch, and ship it. Successful delivery acknowledges the batch;
// persistent failure for the same batch eventually drops it (poison).
func (c *Communicator) RunUpload(ctx context.Context) error {
	sched := newScheduler()
	trackers := map[queue.Type]*poisonTracker{
		queue.TypeStateful:  {},
		queue.TypeStateless: {},
	}

	for c.running() {
		typ := sched.Next()
		batch, err := c.q.GetBatch(typ, c.cfg.BatchSize, c.cfg.BatchBytes)
		if err != nil {
			c.log.Warn("get batch failed", "channel", typ, "error", err)
			continue
		}
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryInterval):
			}
			continue
		}

		if err := c.uploadBatch(ctx, typ, batch); err != nil {
			tr := trackers[typ]
			if he, ok := err.(*httpclient.Error); ok && he.Kind == httpclient.KindNetworkPermanent {
				if tr.lastFirstSeq != batch[0].Sequence {
					tr.lastFirstSeq = batch[0].Sequence
					tr.failures = 0
				}
				tr.failures++
			}
			metrics.UploadFailures.WithLabelValues(string(typ), classifyUploadFailure(err)).Inc()

			if tr.failures >= c.cfg.MaxPoisonRetries {
				c.log.Warn("dropping poison batch", "channel", typ, "first_seq", batch[0].Sequence, "attempts", tr.failures)
				metrics.PoisonMessagesTotal.WithLabelValues(string(typ)).Inc()
				if err := c.q.Remove(typ, batch[len(batch)-1].Sequence); err != nil {
					c.log.Warn("failed to drop poison batch", "channel", typ, "error", err)
				}
				tr.failures = 0
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryInterval):
			}
			continue
		}

		trackers[typ].failures = 0
		metrics.MessagesUploaded.WithLabelValues(string(typ)).Add(float64(len(batch)))
		if err := c.q.Remove(typ, batch[len(batch)-1].Sequence); err != nil {
			c.log.Warn("ack batch failed", "channel", typ, "error", err)
		}
	}
	return nil
}

func (c *Communicator) uploadBatch(ctx context.Context, typ queue.Type, batch []queue.QueuedMessage) error {
	type wireMessage struct {
		Type       string          `json:"type"`
		Payload    json.RawMessage `json:"payload"`
		ModuleName string          `json:"module_name"`
		ModuleType string          `json:"module_type,omitempty"`
		Metadata   string          `json:"metadata,omitempty"`
	}
	wire := make([]wireMessage, len(batch))
	for i, m := range batch {
		wire[i] = wireMessage{Type: string(m.Type), Payload: m.Payload, ModuleName: m.ModuleName, ModuleType: m.ModuleType, Metadata: m.Metadata}
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return err
	}

	params := c.cfg.Server
	params.Method = http.MethodPost
	params.BearerToken = c.Token()
	if typ == queue.TypeStateful {
		params.Path = "/events/stateful"
	} else {
		params.Path = "/events/stateless"
	}
	params.Body = body

	_, err = c.client.CoRequest(ctx, params)
	return err
}

func classifyUploadFailure(err error) string {
	if he, ok := err.(*httpclient.Error); ok {
		return he.Kind.String()
	}
	return "unknown"
}
