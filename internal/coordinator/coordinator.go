// Package coordinator seeds items into the pipeline, polls for their
// completion and shuts the workers down when the run ends.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/audit"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/progress"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/queue"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/store"
)

// ErrTimeout is returned by Wait when the hard timeout fires first.
var ErrTimeout = errors.New("pipeline timed out")

// Config holds the coordinator settings.
type Config struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	HardTimeout      time.Duration `yaml:"hard_timeout"`
	// RetrySweepInterval re-publishes missing work for unfinished items. Zero disables it.
	RetrySweepInterval time.Duration `yaml:"retry_sweep_interval"`
	// TargetCount is how many items must complete. Zero means all seeded items.
	TargetCount int `yaml:"target_count"`
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:     2 * time.Second,
		ProgressInterval: 5 * time.Second,
		HardTimeout:      1800 * time.Second,
	}
}

// Stopper is anything the coordinator stops on shutdown, such as a worker runner.
type Stopper interface {
	Stop()
}

// Result describes how a run ended.
type Result struct {
	Items     []string      `json:"items"`
	Completed []string      `json:"completed"`
	Target    int           `json:"target"`
	Elapsed   time.Duration `json:"elapsed"`
	TimedOut  bool          `json:"timed_out"`
}

// Shortfall is how many items were missing at the end of the run.
func (r Result) Shortfall() int {
	if n := r.Target - len(r.Completed); n > 0 {
		return n
	}
	return 0
}

// Coordinator drives one pipeline run.
type Coordinator struct {
	store   store.StateStore
	queue   queue.Queue
	pdr     *audit.PDRWriter
	tracker *progress.Tracker
	cfg     Config
	log     *slog.Logger

	mu       sync.Mutex
	stoppers []Stopper
	closers  []io.Closer
	shutdown bool
}

// New creates a coordinator. pdr and tracker may be nil.
func New(st store.StateStore, q queue.Queue, pdr *audit.PDRWriter, tracker *progress.Tracker, cfg Config, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = def.ProgressInterval
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = def.HardTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:   st,
		queue:   q,
		pdr:     pdr,
		tracker: tracker,
		cfg:     cfg,
		log:     logger.With("component", "coordinator"),
	}
}

// Init checks the state store, drops expired state and creates every
// pipeline channel. Failures here are fatal to the run.
func (c *Coordinator) Init(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("state store unreachable: %w", err)
	}
	purged, err := c.store.PurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("purge expired state: %w", err)
	}
	if purged > 0 {
		c.log.Info("expired state purged", "rows", purged)
	}
	for _, ch := range models.AllChannels() {
		if err := c.queue.CreateChannel(ctx, ch); err != nil {
			return fmt.Errorf("create channel %s: %w", ch, err)
		}
	}
	return nil
}

// Reset clears prior state for items and purges the work channels.
func (c *Coordinator) Reset(ctx context.Context, items []string) error {
	for _, item := range items {
		if err := c.store.ClearItem(ctx, item); err != nil {
			return err
		}
	}
	var purged int64
	for _, ch := range []string{models.ChannelQuestionTasks, models.ChannelLinkCheckTasks, models.ChannelArticleTasks} {
		n, err := c.queue.Purge(ctx, ch)
		if err != nil {
			return err
		}
		purged += n
	}
	c.pdr.Emit(ctx, audit.ActionReset, map[string]interface{}{"items": items}, "cleared", "", fmt.Sprintf("%d items, %d messages purged", len(items), purged))
	c.log.Info("prior state cleared", "items", len(items), "purged_messages", purged)
	return nil
}

// Seed enqueues every item and publishes one answer task per sub-task id.
// Items that already finished are left alone.
func (c *Coordinator) Seed(ctx context.Context, items []string) error {
	completed, err := c.completedSet(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item == "" {
			return models.ErrMissingItemID
		}
		done, err := c.finished(ctx, item, completed)
		if err != nil {
			return err
		}
		if done {
			c.log.Info("item already completed, not seeding", "item_id", item)
			continue
		}
		if err := c.store.EnqueueItem(ctx, item); err != nil {
			return err
		}
		if err := c.store.SetStatus(ctx, item, models.ItemStatusQueued, nil); err != nil {
			return err
		}
		for _, id := range models.SubTaskIDs() {
			if err := c.publishSubTask(ctx, item, id); err != nil {
				return err
			}
		}
		c.pdr.Emit(ctx, audit.ActionSeed, map[string]interface{}{"item_id": item}, "seeded", item, fmt.Sprintf("%d sub-tasks", models.SubTaskCount))
		c.log.Info("item seeded", "item_id", item)
	}
	return nil
}

func (c *Coordinator) completedSet(ctx context.Context) (map[string]bool, error) {
	ids, err := c.store.ListCompleted(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// finished reports whether the item is done. An item whose artifact is stored
// but which never reached the completed set is moved there first.
func (c *Coordinator) finished(ctx context.Context, item string, completed map[string]bool) (bool, error) {
	if completed[item] {
		return true, nil
	}
	a, err := c.store.GetArtifact(ctx, item)
	if err != nil {
		return false, err
	}
	if a == nil {
		return false, nil
	}
	if err := c.store.MarkCompleted(ctx, item); err != nil {
		return false, err
	}
	completed[item] = true
	c.log.Info("item had an artifact, marked completed", "item_id", item)
	return true, nil
}

func (c *Coordinator) publishSubTask(ctx context.Context, item string, id int) error {
	return c.queue.Publish(ctx, models.ChannelQuestionTasks, &models.TaskMessage{
		Kind:      models.KindAnswerSubTask,
		ItemID:    item,
		SubTaskID: id,
	})
}

func (c *Coordinator) publishAggregate(ctx context.Context, item, reason string) error {
	return c.queue.Publish(ctx, models.ChannelArticleTasks, &models.TaskMessage{
		Kind:    models.KindAggregate,
		ItemID:  item,
		Payload: map[string]interface{}{"triggered_by": reason},
	})
}

// Reseed re-publishes the missing sub-tasks of an unfinished item. With
// aggregate set it re-triggers aggregation instead, which only helps once all
// answers are stored. It returns the number of messages published, which is
// zero for an item that already completed.
func (c *Coordinator) Reseed(ctx context.Context, item string, aggregate bool) (int, error) {
	if item == "" {
		return 0, models.ErrMissingItemID
	}
	if aggregate {
		if err := c.publishAggregate(ctx, item, "reseed"); err != nil {
			return 0, err
		}
		c.pdr.Emit(ctx, audit.ActionItemReseed, map[string]interface{}{"item_id": item, "aggregate": true}, "aggregate_enqueued", item, "")
		return 1, nil
	}

	completed, err := c.completedSet(ctx)
	if err != nil {
		return 0, err
	}
	done, err := c.finished(ctx, item, completed)
	if err != nil {
		return 0, err
	}
	if done {
		c.log.Info("item already completed, nothing to reseed", "item_id", item)
		return 0, nil
	}

	missing, err := c.missingSubTasks(ctx, item)
	if err != nil {
		return 0, err
	}
	if len(missing) > 0 {
		if err := c.store.EnqueueItem(ctx, item); err != nil {
			return 0, err
		}
	}
	for _, id := range missing {
		if err := c.publishSubTask(ctx, item, id); err != nil {
			return 0, err
		}
	}
	c.pdr.Emit(ctx, audit.ActionItemReseed, map[string]interface{}{"item_id": item, "sub_tasks": missing}, "subtasks_enqueued", item, fmt.Sprintf("%d sub-tasks", len(missing)))
	c.log.Info("item reseeded", "item_id", item, "sub_tasks", missing)
	return len(missing), nil
}

func (c *Coordinator) missingSubTasks(ctx context.Context, item string) ([]int, error) {
	results, err := c.store.GetAllSubTaskResults(ctx, item)
	if err != nil {
		return nil, err
	}
	var missing []int
	for _, id := range models.SubTaskIDs() {
		if _, ok := results[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Sweep re-publishes work for every queued item: missing sub-tasks, or the
// aggregation of an item whose answers are all stored but has no artifact.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	queued, err := c.store.ListQueued(ctx)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, item := range queued {
		missing, err := c.missingSubTasks(ctx, item)
		if err != nil {
			return published, err
		}
		if len(missing) > 0 {
			for _, id := range missing {
				if err := c.publishSubTask(ctx, item, id); err != nil {
					return published, err
				}
				published++
			}
			continue
		}
		a, err := c.store.GetArtifact(ctx, item)
		if err != nil {
			return published, err
		}
		if a != nil {
			continue
		}
		if err := c.publishAggregate(ctx, item, "sweep"); err != nil {
			return published, err
		}
		published++
	}
	if published > 0 {
		c.pdr.Emit(ctx, audit.ActionRetrySweep, map[string]interface{}{"items": queued}, "republished", "", fmt.Sprintf("%d messages", published))
		c.log.Info("retry sweep republished work", "messages", published)
	}
	return published, nil
}

// Wait polls the completed set until the target is met, ctx is done or the
// hard timeout fires. On timeout it returns ErrTimeout with the shortfall.
func (c *Coordinator) Wait(ctx context.Context, items []string) (Result, error) {
	target := c.cfg.TargetCount
	if target <= 0 || target > len(items) {
		target = len(items)
	}
	res := Result{Items: items, Target: target}
	start := time.Now()

	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()
	report := time.NewTicker(c.cfg.ProgressInterval)
	defer report.Stop()
	deadline := time.NewTimer(c.cfg.HardTimeout)
	defer deadline.Stop()

	var sweep <-chan time.Time
	if c.cfg.RetrySweepInterval > 0 {
		t := time.NewTicker(c.cfg.RetrySweepInterval)
		defer t.Stop()
		sweep = t.C
	}

	check := func() bool {
		done, err := c.completed(ctx, items)
		if err != nil {
			c.log.Warn("poll completed items failed", "err", err)
			return false
		}
		res.Completed = done
		return len(done) >= target
	}

	for {
		if check() {
			res.Elapsed = time.Since(start)
			c.log.Info("all items completed", "completed", len(res.Completed), "target", target, "elapsed", res.Elapsed.Round(time.Millisecond))
			return res, nil
		}
		select {
		case <-ctx.Done():
			res.Elapsed = time.Since(start)
			return res, ctx.Err()
		case <-deadline.C:
			// A last look before declaring the shortfall
			if check() {
				res.Elapsed = time.Since(start)
				return res, nil
			}
			res.Elapsed = time.Since(start)
			res.TimedOut = true
			c.log.Error("hard timeout reached", "completed", len(res.Completed), "target", target, "shortfall", res.Shortfall(), "timeout", c.cfg.HardTimeout)
			c.logProgress(ctx, items)
			return res, fmt.Errorf("%w after %s: %d of %d items completed, %d short",
				ErrTimeout, c.cfg.HardTimeout, len(res.Completed), target, res.Shortfall())
		case <-report.C:
			c.logProgress(ctx, items)
		case <-sweep:
			if _, err := c.Sweep(ctx); err != nil {
				c.log.Warn("retry sweep failed", "err", err)
			}
		case <-poll.C:
		}
	}
}

// completed returns the members of items found in the completed set.
func (c *Coordinator) completed(ctx context.Context, items []string) ([]string, error) {
	all, err := c.store.ListCompleted(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(items))
	for _, item := range items {
		want[item] = true
	}
	var done []string
	for _, item := range all {
		if want[item] {
			done = append(done, item)
		}
	}
	sort.Strings(done)
	return done, nil
}

// ItemProgress is one item's position in the pipeline.
type ItemProgress struct {
	ItemID   string            `json:"item_id"`
	Status   models.ItemStatus `json:"status"`
	Stored   int               `json:"stored_results"`
	Artifact bool              `json:"artifact"`
}

// Progress reports every item's status and stored answer count.
func Progress(ctx context.Context, st store.StateStore, items []string) ([]ItemProgress, error) {
	out := make([]ItemProgress, 0, len(items))
	for _, item := range items {
		p := ItemProgress{ItemID: item}
		rec, err := st.GetStatus(ctx, item)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			p.Status = rec.Status
		}
		results, err := st.GetAllSubTaskResults(ctx, item)
		if err != nil {
			return nil, err
		}
		p.Stored = len(results)
		a, err := st.GetArtifact(ctx, item)
		if err != nil {
			return nil, err
		}
		p.Artifact = a != nil
		out = append(out, p)
	}
	return out, nil
}

func (c *Coordinator) logProgress(ctx context.Context, items []string) {
	stats, err := c.store.ProcessingStats(ctx)
	if err != nil {
		c.log.Warn("read processing stats failed", "err", err)
		return
	}
	c.log.Info("progress", "completed", stats.BillsCompleted, "queued", stats.BillsInQueue)

	if prog, err := Progress(ctx, c.store, items); err == nil {
		var writing []string
		for _, p := range prog {
			if p.Stored > 0 && p.Stored < models.SubTaskCount {
				writing = append(writing, fmt.Sprintf("%s %d/%d", p.ItemID, p.Stored, models.SubTaskCount))
			}
		}
		if len(writing) > 0 {
			c.log.Info("writing", "items", strings.Join(writing, ", "))
		}
	}

	if statuses, err := c.store.ListWorkerStatuses(ctx); err == nil {
		for _, ws := range statuses {
			if ws.ErrorsCount > 0 {
				c.log.Warn("worker errors", "worker_id", ws.WorkerID, "kind", ws.Kind, "errors", ws.ErrorsCount, "processed", ws.TasksProcessed)
			}
		}
	}

	if c.tracker != nil {
		c.log.Info(c.tracker.Snapshot(len(items) * (models.SubTaskCount + 1)).String())
	}
}

// Register adds stoppers to halt on shutdown, in registration order.
func (c *Coordinator) Register(s ...Stopper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stoppers = append(c.stoppers, s...)
}

// RegisterCloser adds connections to close after the workers stop.
func (c *Coordinator) RegisterCloser(cl ...io.Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, cl...)
}

// StopWorkers stops every registered stopper concurrently and waits for
// their in-flight handlers.
func (c *Coordinator) StopWorkers() {
	c.mu.Lock()
	stoppers := c.stoppers
	c.stoppers = nil
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range stoppers {
		wg.Add(1)
		go func(s Stopper) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
	if len(stoppers) > 0 {
		c.log.Info("workers stopped", "count", len(stoppers))
	}
}

// Shutdown stops the workers and then closes the registered connections.
// Calling it twice is a no-op.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	c.mu.Unlock()

	c.StopWorkers()

	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	for _, cl := range closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
