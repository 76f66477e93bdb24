package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/audit"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/congress"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/llm"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/logging"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/prompt"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/queue"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/scheduler"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/store"
)

const billURL = "https://www.congress.gov/bill/118th-congress/house-bill/1"

// --- Fakes ---

type fakeData struct {
	bills map[string]*models.BillData
}

func newFakeData(ids ...string) *fakeData {
	d := &fakeData{bills: make(map[string]*models.BillData)}
	for i, id := range ids {
		d.bills[id] = &models.BillData{
			BillID:     id,
			Congress:   "118",
			BillType:   "HR",
			BillNumber: i + 1,
			Title:      "A bill numbered " + id,
			Sponsor:    &models.Member{BioguideID: "S001176", FullName: "Rep. Example", Party: "R", State: "LA"},
			Committees: []models.Committee{{Name: "Natural Resources", SystemCode: "hsii00"}},
		}
	}
	return d
}

func (d *fakeData) FetchBill(_ context.Context, id string) (*models.BillData, error) {
	b, ok := d.bills[id]
	if !ok {
		return nil, fmt.Errorf("%w: bill %s not found", congress.ErrDataFetch, id)
	}
	return b, nil
}

type fakeGen struct {
	answers  atomic.Int64
	articles atomic.Int64
	fail     func(req llm.Request) error
}

func (g *fakeGen) Generate(_ context.Context, req llm.Request) (string, error) {
	if g.fail != nil {
		if err := g.fail(req); err != nil {
			return "", err
		}
	}
	if req.MaxTokens == prompt.ArticleMaxTokens {
		g.articles.Add(1)
		return "# Headline\n\nThe bill advanced this week. Read the [bill text](" + billURL + ").", nil
	}
	g.answers.Add(1)
	return "It was referred to committee. " + billURL, nil
}

type fakeChecker struct {
	valid map[string]bool
}

func (c fakeChecker) CheckAll(_ context.Context, urls []string) []models.ReferenceCheck {
	out := make([]models.ReferenceCheck, 0, len(urls))
	for _, u := range urls {
		out = append(out, models.ReferenceCheck{Reference: u, IsValid: c.valid[u], StatusCode: 200, CheckedAt: time.Now()})
	}
	return out
}

type recordingSink struct {
	mu        sync.Mutex
	delivered []*models.FinalArtifact
}

func (s *recordingSink) Deliver(_ context.Context, a *models.FinalArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, a)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

// --- Helpers ---

func newTestDeps(t *testing.T) (Deps, *store.Store, *queue.SQLQueue) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), time.Hour)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.NewSQL(st, time.Minute)
	for _, ch := range models.AllChannels() {
		if err := q.CreateChannel(context.Background(), ch); err != nil {
			t.Fatalf("CreateChannel failed: %v", err)
		}
	}
	deps := Deps{
		Store:  st,
		Queue:  q,
		PDR:    audit.NewPDRWriter(st, logging.Discard()),
		Logger: logging.Discard(),
	}
	return deps, st, q
}

func subTaskMsg(item string, id int) *models.TaskMessage {
	return &models.TaskMessage{MessageID: fmt.Sprintf("%s-%d", item, id), Kind: models.KindAnswerSubTask, ItemID: item, SubTaskID: id}
}

func storeAllResults(t *testing.T, st store.StateStore, item string, n int) {
	t.Helper()
	for id := 1; id <= n; id++ {
		r, err := models.NewSubTaskResult(item, id, fmt.Sprintf("answer %d", id), nil, AnswerConfidence)
		if err != nil {
			t.Fatal(err)
		}
		if err := st.SetSubTaskResult(context.Background(), r); err != nil {
			t.Fatalf("SetSubTaskResult failed: %v", err)
		}
	}
}

func depth(t *testing.T, q queue.Queue, ch string) int {
	t.Helper()
	d, err := q.Depth(context.Background(), ch)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	return d.Visible + d.InFlight
}

func countPDR(t *testing.T, st store.StateStore, item, action string) int {
	t.Helper()
	entries, err := st.ListPDR(context.Background(), item, 500)
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	n := 0
	for _, e := range entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("Timeout waiting for %s", what)
		case <-ticker.C:
		}
	}
}

func testSchedulerConfig() *scheduler.Config {
	return &scheduler.Config{
		MaxConcurrent: 4,
		PollWait:      50 * time.Millisecond,
		MaxDeliveries: 3,
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: 50 * time.Millisecond,
		ShutdownGrace: 5 * time.Second,
	}
}

// --- Sub-task worker ---

func TestSubTaskStoresAnswerAndQueuesValidation(t *testing.T) {
	deps, st, q := newTestDeps(t)
	gen := &fakeGen{}
	w := NewSubTask("subtask-1", deps, newFakeData("H.R.1"), gen)
	ctx := context.Background()

	if err := w.Handle(ctx, subTaskMsg("H.R.1", 2)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	r, err := st.GetSubTaskResult(ctx, "H.R.1", 2)
	if err != nil || r == nil {
		t.Fatalf("Expected stored result, got %v, %v", r, err)
	}
	if len(r.ExtractedReferences) != 1 || r.ExtractedReferences[0] != billURL {
		t.Errorf("Unexpected references: %v", r.ExtractedReferences)
	}
	if r.Confidence != AnswerConfidence {
		t.Errorf("Expected confidence %v, got %v", AnswerConfidence, r.Confidence)
	}

	if n := depth(t, q, models.ChannelLinkCheckTasks); n != 1 {
		t.Errorf("Expected 1 validation task, got %d", n)
	}
	if n := depth(t, q, models.ChannelArticleTasks); n != 0 {
		t.Errorf("Aggregation must wait for all sub-tasks, got %d tasks", n)
	}

	rec, err := st.GetStatus(ctx, "H.R.1")
	if err != nil || rec == nil {
		t.Fatalf("Expected status record, got %v, %v", rec, err)
	}
	if rec.Status != models.ItemStatusProcessing || fmt.Sprint(rec.Metadata["stored_results"]) != "1" {
		t.Errorf("Unexpected status: %+v", rec)
	}
	if countPDR(t, st, "H.R.1", audit.ActionSubTaskStored) != 1 {
		t.Error("Expected a subtask.stored decision record")
	}
}

func TestSubTaskDuplicateDeliveryIsNoop(t *testing.T) {
	deps, st, q := newTestDeps(t)
	gen := &fakeGen{}
	w := NewSubTask("", deps, newFakeData("H.R.1"), gen)
	ctx := context.Background()

	msg := subTaskMsg("H.R.1", 1)
	if err := w.Handle(ctx, msg); err != nil {
		t.Fatal(err)
	}
	first, _ := st.GetSubTaskResult(ctx, "H.R.1", 1)

	if err := w.Handle(ctx, msg); err != nil {
		t.Fatalf("Duplicate Handle failed: %v", err)
	}
	second, _ := st.GetSubTaskResult(ctx, "H.R.1", 1)

	if gen.answers.Load() != 1 {
		t.Errorf("Expected 1 generation, got %d", gen.answers.Load())
	}
	if !first.ProducedAt.Equal(second.ProducedAt) {
		t.Error("Duplicate delivery overwrote the stored result")
	}
	if n := depth(t, q, models.ChannelLinkCheckTasks); n != 1 {
		t.Errorf("Duplicate delivery queued extra validation: %d", n)
	}
}

func TestLastSubTaskTriggersAggregation(t *testing.T) {
	deps, st, q := newTestDeps(t)
	w := NewSubTask("", deps, newFakeData("H.R.1"), &fakeGen{})
	ctx := context.Background()

	for id := 1; id < models.SubTaskCount; id++ {
		if err := w.Handle(ctx, subTaskMsg("H.R.1", id)); err != nil {
			t.Fatal(err)
		}
	}
	if n := depth(t, q, models.ChannelArticleTasks); n != 0 {
		t.Fatalf("Expected no aggregation with 6 of 7 results, got %d", n)
	}

	if err := w.Handle(ctx, subTaskMsg("H.R.1", models.SubTaskCount)); err != nil {
		t.Fatal(err)
	}
	if n := depth(t, q, models.ChannelArticleTasks); n != 1 {
		t.Errorf("Expected 1 aggregation task, got %d", n)
	}
	if countPDR(t, st, "H.R.1", audit.ActionAggregate) != 1 {
		t.Error("Expected an aggregate.trigger decision record")
	}
}

func TestSubTaskRedeliveryRetriggersAggregation(t *testing.T) {
	deps, st, q := newTestDeps(t)
	w := NewSubTask("", deps, newFakeData("H.R.1"), &fakeGen{})
	ctx := context.Background()
	storeAllResults(t, st, "H.R.1", models.SubTaskCount)

	if err := w.Handle(ctx, subTaskMsg("H.R.1", 7)); err != nil {
		t.Fatal(err)
	}
	if n := depth(t, q, models.ChannelArticleTasks); n != 0 {
		t.Fatalf("First-delivery duplicate should be a no-op, got %d tasks", n)
	}

	msg := subTaskMsg("H.R.1", 7)
	msg.Attempt = 1
	if err := w.Handle(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if n := depth(t, q, models.ChannelArticleTasks); n != 1 {
		t.Errorf("Expected redelivery to re-trigger aggregation, got %d tasks", n)
	}
}

func TestSubTaskErrors(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	ctx := context.Background()

	genErr := fmt.Errorf("%w: model unavailable", llm.ErrGeneration)
	w := NewSubTask("", deps, newFakeData("H.R.1"), &fakeGen{fail: func(llm.Request) error { return genErr }})
	if err := w.Handle(ctx, subTaskMsg("H.R.1", 1)); !errors.Is(err, llm.ErrGeneration) {
		t.Errorf("Expected generation error, got %v", err)
	}
	if err := w.Handle(ctx, subTaskMsg("S.404", 1)); !errors.Is(err, congress.ErrDataFetch) {
		t.Errorf("Expected data fetch error, got %v", err)
	}
	if err := w.Handle(ctx, subTaskMsg("H.R.1", 9)); !errors.Is(err, scheduler.ErrPermanent) {
		t.Errorf("Expected permanent error for bad sub-task id, got %v", err)
	}
	wrong := &models.TaskMessage{Kind: models.KindAggregate, ItemID: "H.R.1"}
	if err := w.Handle(ctx, wrong); !errors.Is(err, scheduler.ErrPermanent) {
		t.Errorf("Expected permanent error for wrong kind, got %v", err)
	}
}

// --- Validator worker ---

func TestValidatorMergesChecks(t *testing.T) {
	deps, st, _ := newTestDeps(t)
	ctx := context.Background()
	a, b, c := "https://a.example", "https://b.example", "https://c.example"

	first := NewValidator("", deps, fakeChecker{valid: map[string]bool{a: true}})
	msg := &models.TaskMessage{Kind: models.KindValidateReferences, ItemID: "H.R.1", Payload: map[string]interface{}{"references": []interface{}{a, b}}}
	if err := first.Handle(ctx, msg); err != nil {
		t.Fatal(err)
	}

	second := NewValidator("", deps, fakeChecker{valid: map[string]bool{b: true, c: true}})
	msg = &models.TaskMessage{Kind: models.KindValidateReferences, ItemID: "H.R.1", Payload: map[string]interface{}{"references": []string{b, c}}}
	if err := second.Handle(ctx, msg); err != nil {
		t.Fatal(err)
	}

	v, err := st.GetReferenceValidation(ctx, "H.R.1")
	if err != nil || v == nil {
		t.Fatalf("Expected validation, got %v, %v", v, err)
	}
	if len(v.Results) != 3 || v.ValidCount != 3 || v.InvalidCount != 0 {
		t.Errorf("Unexpected summary: %+v", v)
	}
	order := []string{a, b, c}
	for i, r := range v.Results {
		if r.Reference != order[i] {
			t.Errorf("Result %d: expected %s, got %s", i, order[i], r.Reference)
		}
	}
}

func TestValidatorIgnoresEmptyPayload(t *testing.T) {
	deps, st, _ := newTestDeps(t)
	w := NewValidator("", deps, fakeChecker{})
	msg := &models.TaskMessage{Kind: models.KindValidateReferences, ItemID: "H.R.1"}
	if err := w.Handle(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if v, _ := st.GetReferenceValidation(context.Background(), "H.R.1"); v != nil {
		t.Errorf("Expected no validation for empty payload, got %+v", v)
	}
}

// --- Aggregator worker ---

func aggregateMsg(item string) *models.TaskMessage {
	return &models.TaskMessage{Kind: models.KindAggregate, ItemID: item}
}

func TestAggregatorWaitsForAllSubTasks(t *testing.T) {
	deps, st, _ := newTestDeps(t)
	gen := &fakeGen{}
	w := NewAggregator("", deps, newFakeData("H.R.1"), gen, AggregatorOptions{Claim: true})
	ctx := context.Background()
	storeAllResults(t, st, "H.R.1", models.SubTaskCount-1)

	if err := w.Handle(ctx, aggregateMsg("H.R.1")); err != nil {
		t.Fatalf("Expected premature trigger to be acked, got %v", err)
	}
	if a, _ := st.GetArtifact(ctx, "H.R.1"); a != nil {
		t.Error("Artifact created with 6 of 7 results")
	}
	if gen.articles.Load() != 0 {
		t.Error("Article generated before all results were present")
	}
	if completed, _ := st.ListCompleted(ctx); len(completed) != 0 {
		t.Errorf("Item marked completed early: %v", completed)
	}
}

func TestAggregatorCompletesItem(t *testing.T) {
	deps, st, _ := newTestDeps(t)
	sink := &recordingSink{}
	w := NewAggregator("aggregator-1", deps, newFakeData("H.R.1"), &fakeGen{}, AggregatorOptions{Claim: true, Sink: sink})
	ctx := context.Background()
	if err := st.EnqueueItem(ctx, "H.R.1"); err != nil {
		t.Fatal(err)
	}
	storeAllResults(t, st, "H.R.1", models.SubTaskCount)

	if err := w.Handle(ctx, aggregateMsg("H.R.1")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	a, err := st.GetArtifact(ctx, "H.R.1")
	if err != nil || a == nil {
		t.Fatalf("Expected artifact, got %v, %v", a, err)
	}
	if a.Title != "A bill numbered H.R.1" || a.Metadata.SponsorBioguideID != "S001176" {
		t.Errorf("Unexpected artifact: %+v", a)
	}
	if a.LinkCount != 1 || a.WordCount == 0 {
		t.Errorf("Unexpected counts: words=%d links=%d", a.WordCount, a.LinkCount)
	}

	completed, _ := st.ListCompleted(ctx)
	queued, _ := st.ListQueued(ctx)
	if len(completed) != 1 || len(queued) != 0 {
		t.Errorf("Expected item moved to completed, got completed=%v queued=%v", completed, queued)
	}
	if sink.count() != 1 {
		t.Errorf("Expected 1 delivery, got %d", sink.count())
	}
	if countPDR(t, st, "H.R.1", audit.ActionItemCompleted) != 1 {
		t.Error("Expected an item.completed decision record")
	}
}

func TestAggregatorExactlyOnce(t *testing.T) {
	for _, claim := range []bool{true, false} {
		t.Run(fmt.Sprintf("claim=%v", claim), func(t *testing.T) {
			deps, st, _ := newTestDeps(t)
			sink := &recordingSink{}
			data := newFakeData("H.R.1")
			storeAllResults(t, st, "H.R.1", models.SubTaskCount)

			const n = 8
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				w := NewAggregator(fmt.Sprintf("aggregator-%d", i), deps, data, &fakeGen{}, AggregatorOptions{Claim: claim, Sink: sink})
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- w.Handle(context.Background(), aggregateMsg("H.R.1"))
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Errorf("Handle failed: %v", err)
				}
			}

			if sink.count() != 1 {
				t.Errorf("Expected exactly 1 delivered artifact, got %d", sink.count())
			}
			if got := countPDR(t, st, "H.R.1", audit.ActionItemCompleted); got != 1 {
				t.Errorf("Expected exactly 1 completion record, got %d", got)
			}
			completed, _ := st.ListCompleted(context.Background())
			if len(completed) != 1 {
				t.Errorf("Expected item once in completed set, got %v", completed)
			}
		})
	}
}

func TestAggregatorRecoversMissingCompletion(t *testing.T) {
	deps, st, _ := newTestDeps(t)
	gen := &fakeGen{}
	w := NewAggregator("", deps, newFakeData("H.R.1"), gen, AggregatorOptions{})
	ctx := context.Background()
	if err := st.EnqueueItem(ctx, "H.R.1"); err != nil {
		t.Fatal(err)
	}
	// Artifact stored but completion never recorded
	if _, err := st.SetArtifact(ctx, &models.FinalArtifact{ItemID: "H.R.1", Content: "x", ProducedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if err := w.Handle(ctx, aggregateMsg("H.R.1")); err != nil {
		t.Fatal(err)
	}
	if gen.articles.Load() != 0 {
		t.Error("Existing artifact should not be regenerated")
	}
	rec, _ := st.GetStatus(ctx, "H.R.1")
	if rec == nil || rec.Status != models.ItemStatusCompleted {
		t.Errorf("Expected completed status, got %+v", rec)
	}
}

func TestAggregatorSkipsHeldClaim(t *testing.T) {
	deps, st, _ := newTestDeps(t)
	gen := &fakeGen{}
	w := NewAggregator("aggregator-2", deps, newFakeData("H.R.1"), gen, AggregatorOptions{Claim: true})
	ctx := context.Background()
	storeAllResults(t, st, "H.R.1", models.SubTaskCount)

	ok, err := st.ClaimItem(ctx, "H.R.1", "aggregator-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("ClaimItem failed: %v, %v", ok, err)
	}
	if err := w.Handle(ctx, aggregateMsg("H.R.1")); err != nil {
		t.Fatal(err)
	}
	if gen.articles.Load() != 0 {
		t.Error("Aggregator generated while another held the claim")
	}
}

// --- Runner ---

func startRunners(t *testing.T, deps Deps, data congress.Provider, gen llm.Generator, concurrency int) []*Runner {
	t.Helper()
	workers := []Worker{
		NewSubTask("subtask-1", deps, data, gen),
		NewValidator("validator-1", deps, fakeChecker{valid: map[string]bool{billURL: true}}),
		NewAggregator("aggregator-1", deps, data, gen, AggregatorOptions{Claim: true}),
	}
	var runners []*Runner
	for _, w := range workers {
		cfg := testSchedulerConfig()
		cfg.MaxConcurrent = concurrency
		r := NewRunner(w, deps, cfg, 50*time.Millisecond)
		r.Start()
		runners = append(runners, r)
	}
	t.Cleanup(func() {
		for _, r := range runners {
			r.Stop()
		}
	})
	return runners
}

func seed(t *testing.T, st store.StateStore, q queue.Queue, items ...string) {
	t.Helper()
	ctx := context.Background()
	for _, item := range items {
		if err := st.EnqueueItem(ctx, item); err != nil {
			t.Fatal(err)
		}
		for _, id := range models.SubTaskIDs() {
			if err := q.Publish(ctx, models.ChannelQuestionTasks, subTaskMsg(item, id)); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
		}
	}
}

func TestRunnersCompleteItems(t *testing.T) {
	deps, st, q := newTestDeps(t)
	gen := &fakeGen{}
	runners := startRunners(t, deps, newFakeData("H.R.1", "S.2"), gen, 4)
	seed(t, st, q, "H.R.1", "S.2")
	ctx := context.Background()

	waitFor(t, 10*time.Second, "both items completed", func() bool {
		completed, _ := st.ListCompleted(ctx)
		return len(completed) == 2
	})

	for _, item := range []string{"H.R.1", "S.2"} {
		results, _ := st.GetAllSubTaskResults(ctx, item)
		if len(results) != models.SubTaskCount {
			t.Errorf("%s: expected %d results, got %d", item, models.SubTaskCount, len(results))
		}
		if a, _ := st.GetArtifact(ctx, item); a == nil {
			t.Errorf("%s: missing artifact", item)
		}
	}
	if gen.articles.Load() != 2 {
		t.Errorf("Expected 2 article generations, got %d", gen.articles.Load())
	}
	if processed, _ := runners[0].Counters(); processed != 14 {
		t.Errorf("Expected 14 sub-tasks processed, got %d", processed)
	}

	for _, r := range runners {
		r.Stop()
	}
	statuses, err := st.ListWorkerStatuses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 3 {
		t.Fatalf("Expected 3 worker statuses, got %d", len(statuses))
	}
	for _, ws := range statuses {
		if ws.Status != StatusStopped {
			t.Errorf("%s: expected stopped, got %s", ws.WorkerID, ws.Status)
		}
	}
}

func TestRunnersPartialFailure(t *testing.T) {
	deps, st, q := newTestDeps(t)
	gen := &fakeGen{fail: func(req llm.Request) error {
		if strings.Contains(req.Prompt, "Bill: S.2 -") && strings.Contains(req.Prompt, prompt.Questions[3]) {
			return fmt.Errorf("%w: model unavailable", llm.ErrGeneration)
		}
		return nil
	}}
	// One handler at a time keeps the status metadata writes ordered
	runners := startRunners(t, deps, newFakeData("H.R.1", "S.2"), gen, 1)
	seed(t, st, q, "H.R.1", "S.2")
	ctx := context.Background()

	waitFor(t, 10*time.Second, "healthy item completed and failing task dead-lettered", func() bool {
		completed, _ := st.ListCompleted(ctx)
		return len(completed) == 1 && runners[0].Scheduler().Stats().DeadLettered == 1
	})
	waitFor(t, 5*time.Second, "six results stored for failing item", func() bool {
		results, _ := st.GetAllSubTaskResults(ctx, "S.2")
		return len(results) == models.SubTaskCount-1
	})

	completed, _ := st.ListCompleted(ctx)
	if len(completed) != 1 || completed[0] != "H.R.1" {
		t.Errorf("Expected only H.R.1 completed, got %v", completed)
	}
	if a, _ := st.GetArtifact(ctx, "S.2"); a != nil {
		t.Error("Failing item must not get an artifact")
	}
	rec, _ := st.GetStatus(ctx, "S.2")
	if rec == nil || rec.Status == models.ItemStatusCompleted {
		t.Fatalf("Unexpected status for failing item: %+v", rec)
	}
	if got := fmt.Sprint(rec.Metadata["stored_results"]); got != "6" {
		t.Errorf("Expected 6 stored results in status metadata, got %s", got)
	}
	if _, errs := runners[0].Counters(); errs != 3 {
		t.Errorf("Expected 3 failed deliveries, got %d", errs)
	}
	if countPDR(t, st, "S.2", audit.ActionDeadLetter) != 1 {
		t.Error("Expected a dead-letter decision record")
	}
}
