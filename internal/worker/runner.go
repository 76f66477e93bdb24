package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/scheduler"
)

// DefaultHeartbeatInterval is how often an idle runner refreshes its status.
const DefaultHeartbeatInterval = 10 * time.Second

// Worker status values written with heartbeats.
const (
	StatusRunning = "running"
	StatusError   = "error"
	StatusStopped = "stopped"
)

// Runner drives a Worker from the queue through a scheduler and publishes
// its heartbeat to the state store.
type Runner struct {
	worker   Worker
	deps     Deps
	sch      *scheduler.Scheduler
	interval time.Duration
	log      *slog.Logger

	processed atomic.Int64
	failures  atomic.Int64
	lastErr   atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewRunner wires w onto a scheduler reading the worker's channels.
func NewRunner(w Worker, deps Deps, cfg *scheduler.Config, heartbeat time.Duration) *Runner {
	deps = deps.withDefaults()
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	r := &Runner{
		worker:   w,
		deps:     deps,
		interval: heartbeat,
		log:      deps.Logger.With("component", "runner", "worker_id", w.ID()),
	}
	r.sch = scheduler.New(w.ID(), deps.Queue, w.Channels(), r.handle, deps.PDR, cfg, deps.Logger)
	return r
}

// Worker returns the driven worker.
func (r *Runner) Worker() Worker { return r.worker }

// Scheduler exposes the underlying scheduler for stats.
func (r *Runner) Scheduler() *scheduler.Scheduler { return r.sch }

func (r *Runner) handle(ctx context.Context, msg *models.TaskMessage) error {
	err := r.worker.Handle(ctx, msg)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.failures.Add(1)
		r.lastErr.Store(true)
	} else if err == nil {
		r.processed.Add(1)
		r.lastErr.Store(false)
	}
	r.heartbeat(StatusRunning)
	return err
}

// Start begins consuming and heartbeating.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	r.heartbeat(StatusRunning)
	r.sch.Start()
	go r.heartbeatLoop(ctx)
	r.log.Info("worker started", "kind", r.worker.Kind(), "channels", r.worker.Channels())
}

// Stop drains the scheduler and writes a final stopped heartbeat.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.cancel == nil || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	r.sch.Stop()
	cancel()
	<-done
	r.heartbeat(StatusStopped)
	r.log.Info("worker stopped", "processed", r.processed.Load(), "errors", r.failures.Load())
}

// Run starts the runner and blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.Start()
	<-ctx.Done()
	r.Stop()
	return nil
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(StatusRunning)
		}
	}
}

// heartbeat writes the worker's status. Failures are logged only.
func (r *Runner) heartbeat(status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.deps.Store.SetWorkerStatus(ctx, r.Status(status)); err != nil {
		r.log.Warn("heartbeat failed", "err", err)
	}
}

// Status builds the current status record. A running worker whose last
// message failed reports StatusError.
func (r *Runner) Status(status string) *models.WorkerStatus {
	if status == StatusRunning && r.lastErr.Load() {
		status = StatusError
	}
	return &models.WorkerStatus{
		WorkerID:       r.worker.ID(),
		Kind:           string(r.worker.Kind()),
		Status:         status,
		TasksProcessed: r.processed.Load(),
		ErrorsCount:    r.failures.Load(),
		InFlight:       r.sch.Stats().ActiveHandlers,
		LastHeartbeat:  time.Now().UTC(),
	}
}

// Counters returns processed and failed message counts.
func (r *Runner) Counters() (processed, errs int64) {
	return r.processed.Load(), r.failures.Load()
}
