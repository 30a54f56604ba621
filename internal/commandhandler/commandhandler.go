// Package commandhandler drains the command channel, dispatches each
// command to its target module, and records the outcome in the command
// store before acknowledging the queue entry -- giving at-least-once
// dispatch with idempotent replay on crash.
package commandhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/clock"
	"github.com/Will-Luck/Docker-Sentinel/internal/commandstore"
	"github.com/Will-Luck/Docker-Sentinel/internal/events"
	"github.com/Will-Luck/Docker-Sentinel/internal/metrics"
	"github.com/Will-Luck/Docker-Sentinel/internal/module"
	"github.com/Will-Luck/Docker-Sentinel/internal/queue"
)

// Config tunes the handler's polling and dispatch defaults.
type Config struct {
	IdleBackoff    time.Duration // sleep between empty polls, default 1s
	DefaultTimeout time.Duration // per-command dispatch timeout, default 5m
}

func (c Config) withDefaults() Config {
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	return c
}

// wireCommand is the shape pushed onto the command channel by
// internal/communicator.
type wireCommand struct {
	ID         string          `json:"id"`
	Module     string          `json:"module"`
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters"`
	Time       int64           `json:"time"`
}

// resultMessage is the stateful telemetry payload describing a command's
// outcome, shipped by the Communicator once pushed.
type resultMessage struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Handler runs the single cooperative command-dispatch loop.
type Handler struct {
	cfg      Config
	q        *queue.MultiTypeQueue
	cmds     *commandstore.Store
	registry *module.Registry
	bus      *events.Bus
	log      *slog.Logger
	clk      clock.Clock
}

// New builds a Handler.
func New(q *queue.MultiTypeQueue, cmds *commandstore.Store, registry *module.Registry, bus *events.Bus, log *slog.Logger, clk clock.Clock, cfg Config) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Handler{cfg: cfg.withDefaults(), q: q, cmds: cmds, registry: registry, bus: bus, log: log, clk: clk}
}

// RecoverInProgress scans the command store for rows left InProgress by an
// unclean shutdown. A module that declares IdempotentRedispatch is
// re-dispatched; otherwise the row is marked Failure("interrupted"). Call
// once at startup before Run.
func (h *Handler) RecoverInProgress(ctx context.Context) error {
	entries, err := h.cmds.InProgressEntries()
	if err != nil {
		return fmt.Errorf("commandhandler: scan in-progress: %w", err)
	}
	for _, e := range entries {
		mod, ok := h.registry.Lookup(e.Module)
		if ok && mod.IdempotentRedispatch() {
			h.dispatch(ctx, wireCommand{ID: e.ID, Module: e.Module, Command: e.Command, Parameters: e.Parameters})
			continue
		}
		if err := h.cmds.Complete(e.ID, commandstore.Failure, "interrupted"); err != nil {
			h.log.Warn("failed to mark interrupted command", "id", e.ID, "error", err)
		}
	}
	return nil
}

// Run loops until ctx is cancelled: pop the next command (non-blocking),
// dispatch it, and acknowledge the queue entry only after the command store
// row reaches a terminal state.
func (h *Handler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := h.q.GetBatch(queue.TypeCommand, 1, 0)
		if err != nil {
			h.log.Warn("get command batch failed", "error", err)
			h.sleep(ctx, h.cfg.IdleBackoff)
			continue
		}
		if len(batch) == 0 {
			h.sleep(ctx, h.cfg.IdleBackoff)
			continue
		}

		msg := batch[0]
		var cmd wireCommand
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			h.log.Warn("malformed queued command, dropping", "error", err)
			if err := h.q.Remove(queue.TypeCommand, msg.Sequence); err != nil {
				h.log.Warn("remove malformed command failed", "error", err)
			}
			continue
		}

		h.dispatch(ctx, cmd)

		if rec, known, err := h.cmds.Lookup(cmd.ID); err != nil || !known || !rec.Status.Terminal() {
			h.log.Warn("command not recorded as terminal, keeping queue entry", "id", cmd.ID, "error", err)
			h.sleep(ctx, h.cfg.IdleBackoff)
			continue
		}

		if err := h.q.Remove(queue.TypeCommand, msg.Sequence); err != nil {
			h.log.Warn("ack command failed", "id", cmd.ID, "error", err)
		}
	}
}

// SweepWedged re-scans InProgress rows whose StartedAt exceeds timeout --
// command executions that crashed between dispatch and completion without
// triggering the ordinary startup recovery path (e.g. the agent itself
// stayed up but a module goroutine leaked or wedged). Invoked periodically
// by the cron schedule in internal/taskmanager.
func (h *Handler) SweepWedged(timeout time.Duration) error {
	entries, err := h.cmds.InProgressEntries()
	if err != nil {
		return fmt.Errorf("commandhandler: sweep scan: %w", err)
	}
	now := h.clk.Now().Unix()
	for _, e := range entries {
		if e.StartedAt == 0 || now-e.StartedAt < int64(timeout.Seconds()) {
			continue
		}
		h.log.Warn("sweeping wedged command", "id", e.ID, "started_at", e.StartedAt)
		h.complete(e.ID, commandstore.Timeout, "wedged: exceeded timeout without completion")
	}
	return nil
}

func (h *Handler) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-h.clk.After(d):
	}
}

// dispatch resolves, runs, and records the outcome of one command. It never
// returns an error: a command-store failure is logged and leaves the row
// non-terminal, in which case Run keeps the queue entry for a later attempt.
func (h *Handler) dispatch(ctx context.Context, cmd wireCommand) {
	existing, known, err := h.cmds.Lookup(cmd.ID)
	if err != nil {
		h.log.Warn("command store lookup failed", "id", cmd.ID, "error", err)
		return
	}
	if known && existing.Status.Terminal() {
		return // dedup: already resolved
	}
	if !known {
		if err := h.cmds.Begin(cmd.ID, cmd.Module, cmd.Command, cmd.Parameters, h.clk.Now().Unix()); err != nil {
			h.log.Warn("command store begin failed", "id", cmd.ID, "error", err)
			return
		}
	}
	// known && !Terminal() falls through: InProgress crash-recovery re-dispatch.

	mod, ok := h.registry.Lookup(cmd.Module)
	if !ok {
		h.complete(cmd.ID, commandstore.Failure, "unknown module")
		return
	}

	metrics.CommandsInFlight.Inc()
	defer metrics.CommandsInFlight.Dec()

	dispatchCtx, cancel := context.WithTimeout(ctx, h.cfg.DefaultTimeout)
	defer cancel()

	start := h.clk.Now()
	resultCh := make(chan module.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := mod.ExecuteCommand(dispatchCtx, cmd.Command, cmd.Parameters)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()

	select {
	case <-dispatchCtx.Done():
		metrics.CommandDuration.Observe(h.clk.Now().Sub(start).Seconds())
		h.complete(cmd.ID, commandstore.Timeout, "command timed out")
		metrics.CommandsDispatched.WithLabelValues("timeout").Inc()
	case err := <-errCh:
		metrics.CommandDuration.Observe(h.clk.Now().Sub(start).Seconds())
		h.complete(cmd.ID, commandstore.Failure, err.Error())
		metrics.CommandsDispatched.WithLabelValues("failure").Inc()
	case res := <-resultCh:
		metrics.CommandDuration.Observe(h.clk.Now().Sub(start).Seconds())
		h.complete(cmd.ID, commandstore.Success, res.Message)
		metrics.CommandsDispatched.WithLabelValues("success").Inc()
	}
}

func (h *Handler) complete(id string, status commandstore.Status, message string) {
	if err := h.cmds.Complete(id, status, message); err != nil {
		h.log.Warn("command store complete failed", "id", id, "error", err)
	}

	body, err := json.Marshal(resultMessage{ID: id, Status: status.String(), Message: message})
	if err != nil {
		h.log.Warn("marshal command result failed", "id", id, "error", err)
		return
	}
	if _, err := h.q.Push(queue.Message{Type: queue.TypeStateful, Payload: body, ModuleName: "commandhandler"}); err != nil {
		h.log.Warn("push command result failed", "id", id, "error", err)
	}
	h.bus.Publish(events.Event{Type: events.EventCommandCompleted, Subject: id, Message: status.String(), Timestamp: h.clk.Now()})
}
