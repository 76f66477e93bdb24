package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/audit"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/coordinator"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/logging"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/progress"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/queue"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server  *Server
	store   *store.Store
	queue   *queue.SQLQueue
	tracker *progress.Tracker
}

func newTestEnv(t *testing.T, withCoordinator bool) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), time.Hour)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	q := queue.NewSQL(st, time.Minute)
	tracker := progress.New()

	var coord *coordinator.Coordinator
	if withCoordinator {
		coord = coordinator.New(st, q, audit.NewPDRWriter(st, logging.Discard()), tracker, coordinator.DefaultConfig(), logging.Discard())
		if err := coord.Init(context.Background()); err != nil {
			t.Fatalf("Init failed: %v", err)
		}
	}
	service := NewService(st, q, coord, tracker, []string{"H.R.1", "S.2"})
	return &testEnv{
		server:  NewServer(service, "127.0.0.1:0", logging.Discard()),
		store:   st,
		queue:   q,
		tracker: tracker,
	}
}

func (e *testEnv) request(t *testing.T, method, path string, out interface{}) int {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	if out != nil && w.Code < 400 {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("Failed to decode %s: %v (%s)", path, err, w.Body.String())
		}
	}
	return w.Code
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t, false)

	var health HealthResponse
	if code := env.request(t, http.MethodGet, "/health", &health); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if !health.OK || health.Store != "ok" {
		t.Errorf("Unexpected health: %+v", health)
	}
	if health.Version == "" || health.Time == "" {
		t.Error("Expected version and time to be set")
	}
}

func TestHealthEndpoint_StoreError(t *testing.T) {
	env := newTestEnv(t, false)
	env.store.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", w.Code)
	}
	var health HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK || health.Store == "ok" {
		t.Errorf("Expected store error in health, got %+v", health)
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, false)
	if code := env.request(t, http.MethodPost, "/health", nil); code != http.StatusNotFound && code != http.StatusMethodNotAllowed {
		t.Errorf("Expected POST /health to be rejected, got %d", code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	if err := env.store.EnqueueItem(ctx, "H.R.1"); err != nil {
		t.Fatal(err)
	}
	if err := env.queue.Publish(ctx, models.ChannelQuestionTasks, &models.TaskMessage{
		Kind: models.KindAnswerSubTask, ItemID: "H.R.1", SubTaskID: 1,
	}); err != nil {
		t.Fatal(err)
	}

	var stats StatsResponse
	if code := env.request(t, http.MethodGet, "/stats", &stats); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if stats.Stats.BillsInQueue != 1 {
		t.Errorf("Expected 1 bill in queue, got %d", stats.Stats.BillsInQueue)
	}
	if len(stats.Queues) != len(models.AllChannels()) {
		t.Errorf("Expected every channel, got %v", stats.Queues)
	}
	if stats.Queues[models.ChannelQuestionTasks].Visible != 1 {
		t.Errorf("Expected 1 visible question task, got %+v", stats.Queues[models.ChannelQuestionTasks])
	}
}

func TestItemsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	if err := env.store.MarkCompleted(ctx, "S.5"); err != nil {
		t.Fatal(err)
	}

	var items []coordinator.ItemProgress
	if code := env.request(t, http.MethodGet, "/items", &items); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if len(items) != 3 {
		t.Fatalf("Expected configured items plus S.5, got %+v", items)
	}
	if items[0].ItemID != "H.R.1" || items[1].ItemID != "S.2" || items[2].ItemID != "S.5" {
		t.Errorf("Unexpected order: %+v", items)
	}
}

func TestItemEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	for _, id := range []int{3, 1} {
		r, err := models.NewSubTaskResult("H.R.1", id, "answer", nil, 0.9)
		if err != nil {
			t.Fatal(err)
		}
		if err := env.store.SetSubTaskResult(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.store.SetStatus(ctx, "H.R.1", models.ItemStatusProcessing, nil); err != nil {
		t.Fatal(err)
	}

	var item ItemDetail
	if code := env.request(t, http.MethodGet, "/items/H.R.1", &item); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if item.Status == nil || item.Status.Status != models.ItemStatusProcessing {
		t.Errorf("Unexpected status: %+v", item.Status)
	}
	if len(item.Results) != 2 || item.Results[0].SubTaskID != 1 || item.Results[1].SubTaskID != 3 {
		t.Errorf("Expected results ordered by sub-task, got %+v", item.Results)
	}
	if item.Artifact != nil {
		t.Error("Expected no artifact yet")
	}
}

func TestItemEndpoint_NotFound(t *testing.T) {
	env := newTestEnv(t, false)
	if code := env.request(t, http.MethodGet, "/items/H.R.999", nil); code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", code)
	}
}

func TestWorkersEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	var workers []models.WorkerStatus
	if code := env.request(t, http.MethodGet, "/workers", &workers); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if workers == nil || len(workers) != 0 {
		t.Errorf("Expected an empty list, got %v", workers)
	}

	if err := env.store.SetWorkerStatus(context.Background(), &models.WorkerStatus{
		WorkerID: "subtask-1", Kind: "subtask", Status: "running", LastHeartbeat: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	env.request(t, http.MethodGet, "/workers", &workers)
	if len(workers) != 1 || workers[0].WorkerID != "subtask-1" {
		t.Errorf("Unexpected workers: %+v", workers)
	}
}

func TestProgressEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	env.tracker.StartTask("H.R.1:q1", "question")
	env.tracker.EndTask("H.R.1:q1", true)

	var stats progress.Stats
	if code := env.request(t, http.MethodGet, "/progress", &stats); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if stats.CompletedTasks != 1 || stats.TotalTasks != 16 {
		t.Errorf("Unexpected progress: %+v", stats)
	}
}

func TestReseedEndpoint(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	r, err := models.NewSubTaskResult("S.2", 4, "answer", nil, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.store.SetSubTaskResult(ctx, r); err != nil {
		t.Fatal(err)
	}

	var resp ReseedResponse
	if code := env.request(t, http.MethodPost, "/items/S.2/reseed", &resp); code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", code)
	}
	if resp.Published != 6 || resp.Aggregate {
		t.Errorf("Unexpected reseed: %+v", resp)
	}

	if code := env.request(t, http.MethodPost, "/items/S.2/aggregate", &resp); code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", code)
	}
	if resp.Published != 1 || !resp.Aggregate {
		t.Errorf("Unexpected aggregate reseed: %+v", resp)
	}
	d, err := env.queue.Depth(ctx, models.ChannelArticleTasks)
	if err != nil {
		t.Fatal(err)
	}
	if d.Visible != 1 {
		t.Errorf("Expected 1 aggregate message, got %+v", d)
	}
}

func TestReseedEndpoint_Errors(t *testing.T) {
	env := newTestEnv(t, true)
	if code := env.request(t, http.MethodPost, "/items/S.2/reseed?aggregate=maybe", nil); code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", code)
	}
	if code := env.request(t, http.MethodPost, "/items/H.J.Res.9/reseed", nil); code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", code)
	}

	observer := newTestEnv(t, false)
	if code := observer.request(t, http.MethodPost, "/items/S.2/reseed", nil); code != http.StatusNotImplemented {
		t.Errorf("Expected status 501 without a coordinator, got %d", code)
	}
}

func TestClientRoundTrip(t *testing.T) {
	env := newTestEnv(t, true)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	client := NewClient(ts.URL)
	ctx := context.Background()

	health, err := client.Health(ctx)
	if err != nil || !health.OK {
		t.Fatalf("Health failed: %v %+v", err, health)
	}
	items, err := client.Items(ctx)
	if err != nil || len(items) != 2 {
		t.Fatalf("Items failed: %v %+v", err, items)
	}
	resp, err := client.Reseed(ctx, "H.R.1", false)
	if err != nil || resp.Published != models.SubTaskCount {
		t.Fatalf("Reseed failed: %v %+v", err, resp)
	}
	detail, err := client.Item(ctx, "H.R.1")
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if len(detail.History) == 0 {
		t.Error("Expected the reseed to be recorded")
	}
	if _, err := client.Item(ctx, "H.R.404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
