// Package progress collects pipeline timing metrics: task durations,
// collaborator call durations, throughput and ETA.
package progress

import (
	"fmt"
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of the tracker.
type Stats struct {
	TotalTasks     int                `json:"total_tasks"`
	CompletedTasks int                `json:"completed_tasks"`
	FailedTasks    int                `json:"failed_tasks"`
	APICalls       int                `json:"api_calls"`
	LLMCalls       int                `json:"llm_calls"`
	AvgTaskTime    float64            `json:"avg_task_time"`
	AvgAPITime     float64            `json:"avg_api_time"`
	AvgLLMTime     float64            `json:"avg_llm_time"`
	TasksPerSecond float64            `json:"tasks_per_second"`
	ETASeconds     float64            `json:"eta_seconds"`
	Active         map[string]int     `json:"active"`
	AvgByKind      map[string]float64 `json:"avg_by_kind"`
}

type activeTask struct {
	kind  string
	start time.Time
}

type durations struct {
	count int
	total time.Duration
}

func (d *durations) add(v time.Duration) {
	d.count++
	d.total += v
}

func (d durations) avg() float64 {
	if d.count == 0 {
		return 0
	}
	return d.total.Seconds() / float64(d.count)
}

// Tracker is safe for concurrent use. It satisfies the recorder interfaces
// of the llm and congress clients.
type Tracker struct {
	mu        sync.Mutex
	start     time.Time
	now       func() time.Time
	active    map[string]activeTask
	completed int
	failed    int
	tasks     durations
	byKind    map[string]*durations
	api       durations
	llm       durations
}

// New creates a tracker whose throughput clock starts now.
func New() *Tracker {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Tracker {
	return &Tracker{
		start:  now(),
		now:    now,
		active: make(map[string]activeTask),
		byKind: make(map[string]*durations),
	}
}

// StartTask begins timing taskID. Starting an id that is already active restarts it.
func (t *Tracker) StartTask(taskID, kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[taskID] = activeTask{kind: kind, start: t.now()}
}

// EndTask finishes timing taskID. Unknown ids are ignored.
func (t *Tracker) EndTask(taskID string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.active[taskID]
	if !ok {
		return
	}
	delete(t.active, taskID)

	d := t.now().Sub(task.start)
	t.completed++
	if !success {
		t.failed++
	}
	t.tasks.add(d)
	k, ok := t.byKind[task.kind]
	if !ok {
		k = &durations{}
		t.byKind[task.kind] = k
	}
	k.add(d)
}

// RecordAPICall records one data-provider request.
func (t *Tracker) RecordAPICall(d time.Duration) {
	t.mu.Lock()
	t.api.add(d)
	t.mu.Unlock()
}

// RecordLLMCall records one generation request.
func (t *Tracker) RecordLLMCall(d time.Duration) {
	t.mu.Lock()
	t.llm.add(d)
	t.mu.Unlock()
}

// Snapshot computes stats against an expected totalTasks (0 means unknown).
func (t *Tracker) Snapshot(totalTasks int) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		TotalTasks:     totalTasks,
		CompletedTasks: t.completed,
		FailedTasks:    t.failed,
		APICalls:       t.api.count,
		LLMCalls:       t.llm.count,
		AvgTaskTime:    t.tasks.avg(),
		AvgAPITime:     t.api.avg(),
		AvgLLMTime:     t.llm.avg(),
		Active:         make(map[string]int),
		AvgByKind:      make(map[string]float64, len(t.byKind)),
	}
	for _, a := range t.active {
		s.Active[a.kind]++
	}
	for kind, d := range t.byKind {
		s.AvgByKind[kind] = d.avg()
	}

	if elapsed := t.now().Sub(t.start).Seconds(); elapsed > 0 {
		s.TasksPerSecond = float64(t.completed) / elapsed
	}
	if remaining := totalTasks - t.completed; totalTasks > 0 && remaining > 0 && s.TasksPerSecond > 0 {
		s.ETASeconds = float64(remaining) / s.TasksPerSecond
	}
	return s
}

// String renders the one-line progress summary.
func (s Stats) String() string {
	eta := int(s.ETASeconds)
	return fmt.Sprintf("Tasks: %d/%d completed (%d failed) | Speed: %.2f tasks/s | Avg times: Task=%.1fs, API=%.1fs, LLM=%.1fs | ETA: %dm %ds",
		s.CompletedTasks, s.TotalTasks, s.FailedTasks,
		s.TasksPerSecond,
		s.AvgTaskTime, s.AvgAPITime, s.AvgLLMTime,
		eta/60, eta%60)
}
