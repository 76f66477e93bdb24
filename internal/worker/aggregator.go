package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/audit"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/congress"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/llm"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/prompt"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/references"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/sink"
)

// DefaultClaimTTL bounds how long an aggregator may hold an item claim.
const DefaultClaimTTL = 10 * time.Minute

// AggregatorOptions tunes the aggregator.
type AggregatorOptions struct {
	// Claim takes an expiring per-item claim before generating, so only one
	// aggregator composes an item at a time.
	Claim    bool
	ClaimTTL time.Duration
	// Sink receives each newly stored artifact. May be nil.
	Sink sink.Sink
}

// AggregatorWorker composes the final article once all answers exist.
type AggregatorWorker struct {
	id   string
	deps Deps
	data congress.Provider
	gen  llm.Generator
	opts AggregatorOptions
	log  *slog.Logger
}

var _ Worker = (*AggregatorWorker)(nil)

// NewAggregator creates an aggregator worker. An empty id gets a generated one.
func NewAggregator(id string, deps Deps, data congress.Provider, gen llm.Generator, opts AggregatorOptions) *AggregatorWorker {
	if id == "" {
		id = NewID(KindAggregator)
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	deps = deps.withDefaults()
	return &AggregatorWorker{
		id:   id,
		deps: deps,
		data: data,
		gen:  gen,
		opts: opts,
		log:  deps.Logger.With("component", "worker", "worker_id", id),
	}
}

func (w *AggregatorWorker) ID() string         { return w.id }
func (w *AggregatorWorker) Kind() Kind         { return KindAggregator }
func (w *AggregatorWorker) Channels() []string { return []string{models.ChannelArticleTasks} }

// Handle builds, stores and delivers the artifact for the message's item.
// Existing artifacts, held claims and incomplete answer sets are no-ops.
func (w *AggregatorWorker) Handle(ctx context.Context, msg *models.TaskMessage) (err error) {
	if msg.Kind != models.KindAggregate {
		return wrongKind(w, msg)
	}
	itemID := msg.ItemID
	log := w.log.With("item_id", itemID)

	existing, err := w.deps.Store.GetArtifact(ctx, itemID)
	if err != nil {
		return err
	}
	if existing != nil {
		log.Debug("artifact already exists")
		return w.ensureCompleted(ctx, itemID)
	}

	if w.opts.Claim {
		ok, err := w.deps.Store.ClaimItem(ctx, itemID, w.id, w.opts.ClaimTTL)
		if err != nil {
			return err
		}
		if !ok {
			log.Info("item claimed by another aggregator, skipping")
			return nil
		}
		defer func() {
			// A background context so the claim is freed even on cancellation
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if relErr := w.deps.Store.ReleaseClaim(relCtx, itemID, w.id); relErr != nil {
				log.Warn("release claim failed", "err", relErr)
			}
		}()
	}

	ready, err := w.deps.Store.AllSubTasksPresent(ctx, itemID)
	if err != nil {
		return err
	}
	if !ready {
		log.Warn("aggregation triggered before all sub-tasks were present, skipping")
		return nil
	}

	taskID := itemID + "-article"
	w.deps.Tracker.StartTask(taskID, "article")
	defer func() { w.deps.Tracker.EndTask(taskID, err == nil) }()

	artifact, err := w.compose(ctx, itemID, log)
	if err != nil {
		return err
	}

	created, err := w.deps.Store.SetArtifact(ctx, artifact)
	if err != nil {
		return err
	}
	if !created {
		log.Info("another aggregator stored the artifact first")
		return w.ensureCompleted(ctx, itemID)
	}
	if err := w.deps.Store.MarkCompleted(ctx, itemID); err != nil {
		return err
	}
	w.deps.PDR.Emit(ctx, audit.ActionItemCompleted, map[string]interface{}{
		"item_id":    itemID,
		"word_count": artifact.WordCount,
		"link_count": artifact.LinkCount,
	}, "completed", itemID, fmt.Sprintf("artifact by %s", w.id))

	if w.opts.Sink != nil {
		// The artifact is already stored; a sink failure does not undo completion
		if err := w.opts.Sink.Deliver(ctx, artifact); err != nil {
			log.Error("artifact delivery failed", "err", err)
		}
	}

	log.Info("article completed", "words", artifact.WordCount, "links", artifact.LinkCount)
	return nil
}

func (w *AggregatorWorker) compose(ctx context.Context, itemID string, log *slog.Logger) (*models.FinalArtifact, error) {
	results, err := w.deps.Store.GetAllSubTaskResults(ctx, itemID)
	if err != nil {
		return nil, err
	}
	answers := make(map[int]string, len(results))
	for id, r := range results {
		answers[id] = r.ResultText
	}

	validation, err := w.deps.Store.GetReferenceValidation(ctx, itemID)
	if err != nil {
		// Validation is enrichment only
		log.Warn("read reference validation failed", "err", err)
		validation = nil
	}

	bill, err := w.data.FetchBill(ctx, itemID)
	if err != nil {
		return nil, err
	}
	content, err := w.gen.Generate(ctx, prompt.Article(bill, answers, validation))
	if err != nil {
		return nil, err
	}

	return &models.FinalArtifact{
		ItemID:     itemID,
		Title:      bill.Title,
		Metadata:   bill.Metadata(),
		Content:    content,
		ProducedAt: time.Now().UTC(),
		WordCount:  references.CountWords(content),
		LinkCount:  references.CountLinks(content),
	}, nil
}

// ensureCompleted finishes an item whose artifact exists but whose
// completion was never recorded.
func (w *AggregatorWorker) ensureCompleted(ctx context.Context, itemID string) error {
	rec, err := w.deps.Store.GetStatus(ctx, itemID)
	if err != nil {
		return err
	}
	if rec != nil && rec.Status == models.ItemStatusCompleted {
		return nil
	}
	return w.deps.Store.MarkCompleted(ctx, itemID)
}
