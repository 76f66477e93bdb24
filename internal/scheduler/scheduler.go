package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/audit"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/queue"
)

const (
	receiveErrorBackoff = 500 * time.Millisecond
	settleTimeout       = 10 * time.Second
)

// ErrPermanent marks a handler failure that a retry cannot fix. The message
// is dead-lettered on the first such failure.
var ErrPermanent = errors.New("permanent failure")

// Handler processes one task message. A nil error acks the message; any other
// error leaves it for redelivery until MaxDeliveries is reached.
type Handler func(ctx context.Context, msg *models.TaskMessage) error

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Name           string `json:"name"`
	ActiveHandlers int    `json:"active_handlers"`
	MaxConcurrent  int    `json:"max_concurrent"`
	Processed      int64  `json:"processed"`
	Failed         int64  `json:"failed"`
	Redelivered    int64  `json:"redelivered"`
	DeadLettered   int64  `json:"dead_lettered"`
}

// Scheduler leases messages from a set of channels and dispatches each to the
// handler in its own goroutine, admitting at most MaxConcurrent at a time.
type Scheduler struct {
	name     string
	queue    queue.Queue
	channels []string
	handler  Handler
	pdr      *audit.PDRWriter
	config   *Config
	logger   *slog.Logger

	sem chan struct{}

	// Counters
	mu           sync.Mutex
	active       int
	processed    int64
	failed       int64
	redelivered  int64
	deadLettered int64
	running      bool

	// Control: ctx stops receiving, handlerCtx is cancelled only when the
	// shutdown grace runs out.
	ctx           context.Context
	cancel        context.CancelFunc
	handlerCtx    context.Context
	handlerCancel context.CancelFunc
	loopWG        sync.WaitGroup
	handlerWG     sync.WaitGroup
}

// New creates a new scheduler. pdr may be nil.
func New(name string, q queue.Queue, channels []string, h Handler, pdr *audit.PDRWriter, cfg *Config, logger *slog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	handlerCtx, handlerCancel := context.WithCancel(context.Background())

	return &Scheduler{
		name:          name,
		queue:         q,
		channels:      channels,
		handler:       h,
		pdr:           pdr,
		config:        cfg,
		logger:        logger.With("component", "scheduler", "scheduler", name),
		sem:           make(chan struct{}, cfg.MaxConcurrent),
		ctx:           ctx,
		cancel:        cancel,
		handlerCtx:    handlerCtx,
		handlerCancel: handlerCancel,
	}
}

// Name returns the scheduler name.
func (sch *Scheduler) Name() string {
	return sch.name
}

// Start begins the consume loop.
func (sch *Scheduler) Start() {
	sch.mu.Lock()
	if sch.running {
		sch.mu.Unlock()
		return
	}
	sch.running = true
	sch.mu.Unlock()

	sch.loopWG.Add(1)
	go sch.consumeLoop()
	sch.logger.Info("scheduler started", "channels", sch.channels, "max_concurrent", sch.config.MaxConcurrent)
}

// Stop stops receiving and waits for in-flight handlers. With a shutdown
// grace set, handlers still running when it elapses are cancelled.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		sch.handlerWG.Wait()
		close(done)
	}()

	var grace <-chan time.Time
	if sch.config.ShutdownGrace > 0 {
		timer := time.NewTimer(sch.config.ShutdownGrace)
		defer timer.Stop()
		grace = timer.C
	}
	select {
	case <-done:
	case <-grace:
		sch.logger.Warn("shutdown grace elapsed, cancelling in-flight handlers", "active", sch.Stats().ActiveHandlers)
		sch.handlerCancel()
		<-done
	}
	sch.handlerCancel()

	sch.mu.Lock()
	sch.running = false
	sch.mu.Unlock()
	sch.logger.Info("scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done, then stops it.
func (sch *Scheduler) Run(ctx context.Context) error {
	sch.Start()
	select {
	case <-ctx.Done():
	case <-sch.ctx.Done():
	}
	sch.Stop()
	return nil
}

// consumeLoop takes a pool slot, then leases a message to fill it.
func (sch *Scheduler) consumeLoop() {
	defer sch.loopWG.Done()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case sch.sem <- struct{}{}:
		}

		d, err := sch.queue.Receive(sch.ctx, sch.channels, sch.config.PollWait)
		if err != nil {
			<-sch.sem
			if sch.ctx.Err() != nil {
				return
			}
			sch.logger.Warn("receive failed", "err", err)
			select {
			case <-sch.ctx.Done():
				return
			case <-time.After(receiveErrorBackoff):
			}
			continue
		}
		if d == nil {
			<-sch.sem
			continue
		}

		sch.mu.Lock()
		sch.active++
		sch.mu.Unlock()

		sch.handlerWG.Add(1)
		go sch.dispatch(d)
	}
}

// dispatch runs the handler and settles the delivery.
func (sch *Scheduler) dispatch(d *queue.Delivery) {
	defer sch.handlerWG.Done()
	defer func() {
		sch.mu.Lock()
		sch.active--
		sch.mu.Unlock()
		<-sch.sem
	}()

	msg := d.Message
	log := sch.logger.With(
		"kind", msg.Kind,
		"item_id", msg.ItemID,
		"sub_task_id", msg.SubTaskID,
		"message_id", msg.MessageID,
		"attempt", d.Deliveries,
	)

	start := time.Now()
	err := sch.invoke(msg)

	settleCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if err == nil {
		sch.mu.Lock()
		sch.processed++
		sch.mu.Unlock()
		if ackErr := sch.queue.Ack(settleCtx, d); ackErr != nil {
			log.Warn("ack failed", "err", ackErr)
		}
		log.Debug("message handled", "duration", time.Since(start))
		return
	}

	sch.mu.Lock()
	sch.failed++
	sch.mu.Unlock()
	log.Error("handler failed", "err", err, "duration", time.Since(start))

	if errors.Is(err, ErrPermanent) || d.Deliveries >= sch.config.MaxDeliveries {
		sch.deadLetter(settleCtx, d, err, log)
		return
	}

	delay := sch.config.RetryDelayFor(d.Deliveries)
	if relErr := sch.queue.Release(settleCtx, d, delay); relErr != nil {
		// The lease still expires on its own
		log.Warn("release failed", "err", relErr)
		return
	}
	sch.mu.Lock()
	sch.redelivered++
	sch.mu.Unlock()
	log.Info("message released for redelivery", "delay", delay)
}

// invoke calls the handler, turning a panic into an error.
func (sch *Scheduler) invoke(msg *models.TaskMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sch.handler(sch.handlerCtx, msg)
}

func (sch *Scheduler) deadLetter(ctx context.Context, d *queue.Delivery, cause error, log *slog.Logger) {
	if err := sch.queue.Ack(ctx, d); err != nil {
		log.Warn("ack dead letter failed", "err", err)
	}
	sch.mu.Lock()
	sch.deadLettered++
	sch.mu.Unlock()
	log.Error("message dead-lettered", "deliveries", d.Deliveries, "err", cause)

	sch.pdr.Emit(ctx, audit.ActionDeadLetter, map[string]interface{}{
		"message_id":  d.Message.MessageID,
		"channel":     d.Channel,
		"kind":        d.Message.Kind,
		"sub_task_id": d.Message.SubTaskID,
	}, "dropped", d.Message.ItemID, fmt.Sprintf("after %d deliveries: %v", d.Deliveries, cause))
}

// Stats returns a snapshot of the counters.
func (sch *Scheduler) Stats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return Stats{
		Name:           sch.name,
		ActiveHandlers: sch.active,
		MaxConcurrent:  sch.config.MaxConcurrent,
		Processed:      sch.processed,
		Failed:         sch.failed,
		Redelivered:    sch.redelivered,
		DeadLettered:   sch.deadLettered,
	}
}
