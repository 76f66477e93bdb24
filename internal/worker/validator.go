package worker

import (
	"context"
	"log/slog"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
)

// ReferenceChecker validates a batch of references. *validator.Checker implements it.
type ReferenceChecker interface {
	CheckAll(ctx context.Context, urls []string) []models.ReferenceCheck
}

// ValidatorWorker checks references cited by sub-task answers and keeps a
// per-item validation summary.
type ValidatorWorker struct {
	id      string
	deps    Deps
	checker ReferenceChecker
	log     *slog.Logger
}

var _ Worker = (*ValidatorWorker)(nil)

// NewValidator creates a validator worker. An empty id gets a generated one.
func NewValidator(id string, deps Deps, checker ReferenceChecker) *ValidatorWorker {
	if id == "" {
		id = NewID(KindValidator)
	}
	deps = deps.withDefaults()
	return &ValidatorWorker{
		id:      id,
		deps:    deps,
		checker: checker,
		log:     deps.Logger.With("component", "worker", "worker_id", id),
	}
}

func (w *ValidatorWorker) ID() string         { return w.id }
func (w *ValidatorWorker) Kind() Kind         { return KindValidator }
func (w *ValidatorWorker) Channels() []string { return []string{models.ChannelLinkCheckTasks} }

// Handle checks the message's references and merges the outcome into the
// item's stored validation. A newer check of the same URL replaces the older.
func (w *ValidatorWorker) Handle(ctx context.Context, msg *models.TaskMessage) (err error) {
	if msg.Kind != models.KindValidateReferences {
		return wrongKind(w, msg)
	}
	refs := msg.References()
	if len(refs) == 0 {
		return nil
	}

	taskID := "links-" + msg.MessageID
	w.deps.Tracker.StartTask(taskID, "link_check")
	defer func() { w.deps.Tracker.EndTask(taskID, err == nil) }()

	checks := w.checker.CheckAll(ctx, refs)

	prev, err := w.deps.Store.GetReferenceValidation(ctx, msg.ItemID)
	if err != nil {
		return err
	}
	merged := mergeChecks(prev, checks)
	v := models.NewReferenceValidation(msg.ItemID, merged)
	if err := w.deps.Store.SetReferenceValidation(ctx, v); err != nil {
		return err
	}

	w.log.Info("references checked", "item_id", msg.ItemID, "checked", len(checks), "valid", v.ValidCount, "invalid", v.InvalidCount)
	return nil
}

// mergeChecks keeps the first-seen URL order and the latest result per URL.
func mergeChecks(prev *models.ReferenceValidation, latest []models.ReferenceCheck) []models.ReferenceCheck {
	var out []models.ReferenceCheck
	index := make(map[string]int)
	if prev != nil {
		for _, c := range prev.Results {
			if i, ok := index[c.Reference]; ok {
				out[i] = c
				continue
			}
			index[c.Reference] = len(out)
			out = append(out, c)
		}
	}
	for _, c := range latest {
		if i, ok := index[c.Reference]; ok {
			out[i] = c
			continue
		}
		index[c.Reference] = len(out)
		out = append(out, c)
	}
	if out == nil {
		out = []models.ReferenceCheck{}
	}
	return out
}
