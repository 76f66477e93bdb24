package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/audit"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/congress"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/llm"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/prompt"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/references"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/scheduler"
)

// AnswerConfidence is stored with every generated answer.
const AnswerConfidence = 0.9

// SubTaskWorker answers one of the seven questions for a bill.
type SubTaskWorker struct {
	id   string
	deps Deps
	data congress.Provider
	gen  llm.Generator
	log  *slog.Logger
}

var _ Worker = (*SubTaskWorker)(nil)

// NewSubTask creates a sub-task worker. An empty id gets a generated one.
func NewSubTask(id string, deps Deps, data congress.Provider, gen llm.Generator) *SubTaskWorker {
	if id == "" {
		id = NewID(KindSubTask)
	}
	deps = deps.withDefaults()
	return &SubTaskWorker{
		id:   id,
		deps: deps,
		data: data,
		gen:  gen,
		log:  deps.Logger.With("component", "worker", "worker_id", id),
	}
}

func (w *SubTaskWorker) ID() string         { return w.id }
func (w *SubTaskWorker) Kind() Kind         { return KindSubTask }
func (w *SubTaskWorker) Channels() []string { return []string{models.ChannelQuestionTasks} }

// Handle stores the answer for (item, sub-task) unless one exists, queues
// validation of its references and triggers aggregation once all seven
// answers are present.
func (w *SubTaskWorker) Handle(ctx context.Context, msg *models.TaskMessage) (err error) {
	if msg.Kind != models.KindAnswerSubTask {
		return wrongKind(w, msg)
	}
	taskID := fmt.Sprintf("%s-Q%d", msg.ItemID, msg.SubTaskID)
	w.deps.Tracker.StartTask(taskID, "question")
	defer func() { w.deps.Tracker.EndTask(taskID, err == nil) }()

	log := w.log.With("item_id", msg.ItemID, "sub_task_id", msg.SubTaskID)

	existing, err := w.deps.Store.GetSubTaskResult(ctx, msg.ItemID, msg.SubTaskID)
	if err != nil {
		return err
	}
	if existing != nil {
		log.Debug("sub-task already answered")
		// A redelivery may follow a crash between storing and triggering
		if msg.Attempt > 0 {
			return w.triggerAggregate(ctx, msg.ItemID, log)
		}
		return nil
	}

	bill, err := w.data.FetchBill(ctx, msg.ItemID)
	if err != nil {
		return err
	}
	req, err := prompt.Answer(bill, msg.SubTaskID)
	if err != nil {
		return fmt.Errorf("%w: %v", scheduler.ErrPermanent, err)
	}
	text, err := w.gen.Generate(ctx, req)
	if err != nil {
		return err
	}

	refs := references.Extract(text)
	result, err := models.NewSubTaskResult(msg.ItemID, msg.SubTaskID, text, refs, AnswerConfidence)
	if err != nil {
		return fmt.Errorf("%w: %v", scheduler.ErrPermanent, err)
	}
	if err := w.deps.Store.SetSubTaskResult(ctx, result); err != nil {
		return err
	}
	w.recordProgress(ctx, msg.ItemID, log)
	w.deps.PDR.Emit(ctx, audit.ActionSubTaskStored, map[string]interface{}{
		"item_id":     msg.ItemID,
		"sub_task_id": msg.SubTaskID,
		"references":  refs,
	}, "stored", msg.ItemID, fmt.Sprintf("sub-task %d by %s", msg.SubTaskID, w.id))

	if len(refs) > 0 {
		// Validation is advisory; a lost task only costs enrichment
		if err := publish(ctx, w.deps.Queue, models.KindValidateReferences, msg.ItemID, map[string]interface{}{"references": refs}); err != nil {
			log.Warn("queue reference validation failed", "err", err)
		}
	}

	log.Info("sub-task answered", "references", len(refs))
	return w.triggerAggregate(ctx, msg.ItemID, log)
}

// triggerAggregate enqueues aggregation when all answers are present. Two
// workers finishing the last answers may both enqueue; the aggregator
// tolerates the duplicate.
func (w *SubTaskWorker) triggerAggregate(ctx context.Context, itemID string, log *slog.Logger) error {
	ready, err := w.deps.Store.AllSubTasksPresent(ctx, itemID)
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}
	if a, err := w.deps.Store.GetArtifact(ctx, itemID); err != nil {
		return err
	} else if a != nil {
		return nil
	}

	if err := publish(ctx, w.deps.Queue, models.KindAggregate, itemID, map[string]interface{}{"triggered_by": w.id}); err != nil {
		return err
	}
	w.deps.PDR.Emit(ctx, audit.ActionAggregate, map[string]interface{}{"item_id": itemID}, "enqueued", itemID, "all sub-tasks present")
	log.Info("all sub-tasks present, aggregation queued")
	return nil
}

// recordProgress keeps the item in processing with its stored answer count.
// Completed items are left alone.
func (w *SubTaskWorker) recordProgress(ctx context.Context, itemID string, log *slog.Logger) {
	rec, err := w.deps.Store.GetStatus(ctx, itemID)
	if err != nil {
		log.Warn("read status failed", "err", err)
		return
	}
	if rec != nil && rec.Status == models.ItemStatusCompleted {
		return
	}
	results, err := w.deps.Store.GetAllSubTaskResults(ctx, itemID)
	if err != nil {
		log.Warn("count results failed", "err", err)
		return
	}
	meta := map[string]interface{}{"stored_results": len(results), "required_results": models.SubTaskCount}
	if err := w.deps.Store.SetStatus(ctx, itemID, models.ItemStatusProcessing, meta); err != nil {
		log.Warn("set status failed", "err", err)
	}
}
