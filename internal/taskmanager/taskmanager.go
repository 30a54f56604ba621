// Package taskmanager is the cooperative executor every long-running agent
// component runs on: a bounded worker pool for ad hoc tasks, plus an
// errgroup-supervised set of the agent's fixed long-lived tasks (the
// Communicator's T1/T2/T3, CommandHandler's loop, InstanceCommunicator's
// accept loop) so a failure in one triggers an orderly shutdown of the rest.
package taskmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// task is one unit of work submitted to the worker pool.
type task struct {
	id string
	fn func(ctx context.Context) error
}

// Manager runs a bounded pool of workers draining an ad hoc task queue, and
// separately supervises the agent's fixed long-lived tasks via errgroup.
type Manager struct {
	log *slog.Logger

	tasks chan task
	wg    sync.WaitGroup

	stopOnce sync.Once
	cancel   context.CancelFunc
	ctx      context.Context

	mu      sync.Mutex
	running map[string]struct{}

	cron *cron.Cron
}

// New builds a Manager. Call StartThreadPool or RunSingleThread to begin
// draining ad hoc tasks.
func New(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:     log,
		tasks:   make(chan task, 256),
		cancel:  cancel,
		ctx:     ctx,
		running: make(map[string]struct{}),
		cron:    cron.New(),
	}
}

func (m *Manager) runWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case t, ok := <-m.tasks:
			if !ok {
				return
			}
			m.mu.Lock()
			m.running[t.id] = struct{}{}
			m.mu.Unlock()

			if err := t.fn(m.ctx); err != nil {
				m.log.Warn("task returned error", "id", t.id, "error", err)
			}

			m.mu.Lock()
			delete(m.running, t.id)
			m.mu.Unlock()
		}
	}
}

// StartThreadPool spawns n workers, each draining the ad hoc task queue
// until Stop is called.
func (m *Manager) StartThreadPool(n int) {
	if n <= 0 {
		n = 1
	}
	m.wg.Add(n)
	for i := 0; i < n; i++ {
		go m.runWorker()
	}
}

// RunSingleThread blocks the calling goroutine as the sole worker -- used by
// service hosts that want the executor to occupy main rather than being
// spawned.
func (m *Manager) RunSingleThread() {
	m.wg.Add(1)
	m.runWorker()
}

// EnqueueTask submits a one-shot function. id is used only for Stop's
// shutdown diagnostics and must be unique among concurrently running tasks.
func (m *Manager) EnqueueTask(id string, fn func(ctx context.Context) error) {
	select {
	case m.tasks <- task{id: id, fn: fn}:
	case <-m.ctx.Done():
	}
}

// EnqueueCoroutine is an alias for EnqueueTask: in this runtime, cooperative
// tasks and plain functions are both goroutines, so there is no separate
// coroutine submission path.
func (m *Manager) EnqueueCoroutine(id string, fn func(ctx context.Context) error) {
	m.EnqueueTask(id, fn)
}

// ScheduleCron registers fn to run on cron's standard 5-field schedule
// (minute hour dom month dow). Used for periodic housekeeping, e.g. the
// command store's wedged-InProgress sweep.
func (m *Manager) ScheduleCron(schedule string, fn func()) error {
	_, err := m.cron.AddFunc(schedule, fn)
	if err != nil {
		return fmt.Errorf("taskmanager: schedule cron %q: %w", schedule, err)
	}
	return nil
}

// StartCron begins running any schedules registered with ScheduleCron.
func (m *Manager) StartCron() {
	m.cron.Start()
}

// SupervisedTask is one of the agent's fixed long-lived tasks (Communicator
// T1/T2/T3, CommandHandler.Run, InstanceCommunicator.Serve).
type SupervisedTask struct {
	ID string
	Fn func(ctx context.Context) error
}

// Supervise runs tasks under an errgroup.Group sharing ctx: if any task
// returns a non-nil error, the group's derived context is cancelled, which
// propagates to every other supervised task at its next suspension point.
// Supervise blocks until every task has returned.
func (m *Manager) Supervise(ctx context.Context, tasks []SupervisedTask) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			if err := t.Fn(gctx); err != nil {
				m.log.Warn("supervised task exited", "id", t.ID, "error", err)
				return fmt.Errorf("%s: %w", t.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop stops the cron schedule and cancels every enqueued task, then waits up
// to timeout for the ad hoc worker pool to drain. Supervised tasks are not
// cancelled by Stop; they follow the context passed to Supervise. Workers still
// running after timeout are logged and abandoned (their goroutines exit
// whenever they next observe ctx.Done()).
func (m *Manager) Stop(timeout time.Duration) {
	m.stopOnce.Do(func() {
		cronCtx := m.cron.Stop()
		<-cronCtx.Done()

		m.cancel()
		close(m.tasks)

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			m.mu.Lock()
			stillRunning := make([]string, 0, len(m.running))
			for id := range m.running {
				stillRunning = append(stillRunning, id)
			}
			m.mu.Unlock()
			m.log.Warn("taskmanager stop timed out, abandoning tasks", "ids", stillRunning)
		}
	})
}
