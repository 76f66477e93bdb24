package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir := t.TempDir()
	s, err := New(filepath.Join(tmpDir, "test.db"), time.Hour)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func mustResult(t *testing.T, itemID string, id int, text string) *models.SubTaskResult {
	t.Helper()
	r, err := models.NewSubTaskResult(itemID, id, text, []string{"https://www.congress.gov/bill/118th-congress/house-bill/1"}, 0.9)
	if err != nil {
		t.Fatalf("NewSubTaskResult failed: %v", err)
	}
	return r
}

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath, 0)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if s.TTL() != DefaultTTL {
		t.Errorf("Expected default TTL, got %v", s.TTL())
	}
}

func TestSubTaskResultUpsert(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.SetSubTaskResult(ctx, mustResult(t, "H.R.1", 2, "first")); err != nil {
		t.Fatalf("SetSubTaskResult failed: %v", err)
	}
	if err := s.SetSubTaskResult(ctx, mustResult(t, "H.R.1", 2, "second")); err != nil {
		t.Fatalf("SetSubTaskResult failed: %v", err)
	}

	got, err := s.GetSubTaskResult(ctx, "H.R.1", 2)
	if err != nil {
		t.Fatalf("GetSubTaskResult failed: %v", err)
	}
	if got == nil || got.ResultText != "second" {
		t.Fatalf("Expected latest write to win, got %+v", got)
	}
	if len(got.ExtractedReferences) != 1 {
		t.Errorf("Expected 1 reference, got %v", got.ExtractedReferences)
	}

	all, err := s.GetAllSubTaskResults(ctx, "H.R.1")
	if err != nil {
		t.Fatalf("GetAllSubTaskResults failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Expected a single stored result, got %d", len(all))
	}

	missing, err := s.GetSubTaskResult(ctx, "H.R.1", 5)
	if err != nil {
		t.Fatalf("GetSubTaskResult failed: %v", err)
	}
	if missing != nil {
		t.Error("Expected nil for a missing result")
	}
}

func TestSubTaskResultRejectsInvalidID(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	r := &models.SubTaskResult{ItemID: "H.R.1", SubTaskID: 9}
	if err := s.SetSubTaskResult(context.Background(), r); err == nil {
		t.Error("Expected error for sub-task id 9")
	}
}

func TestAllSubTasksPresent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	for _, id := range models.SubTaskIDs()[:6] {
		if err := s.SetSubTaskResult(ctx, mustResult(t, "S.24", id, "answer")); err != nil {
			t.Fatalf("SetSubTaskResult failed: %v", err)
		}
	}
	ok, err := s.AllSubTasksPresent(ctx, "S.24")
	if err != nil {
		t.Fatalf("AllSubTasksPresent failed: %v", err)
	}
	if ok {
		t.Error("Expected false with 6 of 7 results")
	}

	if err := s.SetSubTaskResult(ctx, mustResult(t, "S.24", 7, "answer")); err != nil {
		t.Fatalf("SetSubTaskResult failed: %v", err)
	}
	ok, err = s.AllSubTasksPresent(ctx, "S.24")
	if err != nil {
		t.Fatalf("AllSubTasksPresent failed: %v", err)
	}
	if !ok {
		t.Error("Expected true with all 7 results")
	}
}

func TestSetArtifactFirstWriterWins(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := &models.FinalArtifact{
				ItemID:     "H.R.5371",
				Title:      "Continuing Appropriations",
				Content:    fmt.Sprintf("writer %d", i),
				ProducedAt: time.Now(),
			}
			ok, err := s.SetArtifact(ctx, a)
			if err != nil {
				t.Errorf("SetArtifact failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("Expected exactly one writer to win, got %d", created)
	}

	got, err := s.GetArtifact(ctx, "H.R.5371")
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if got == nil || got.Title != "Continuing Appropriations" {
		t.Fatalf("Unexpected artifact: %+v", got)
	}
}

func TestMarkCompletedKeepsSetsDisjoint(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	for _, id := range []string{"H.R.1", "H.R.2"} {
		if err := s.EnqueueItem(ctx, id); err != nil {
			t.Fatalf("EnqueueItem failed: %v", err)
		}
	}
	if err := s.MarkCompleted(ctx, "H.R.1"); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	// Completing twice is harmless
	if err := s.MarkCompleted(ctx, "H.R.1"); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	queued, _ := s.ListQueued(ctx)
	completed, _ := s.ListCompleted(ctx)
	if len(queued) != 1 || queued[0] != "H.R.2" {
		t.Errorf("Unexpected queued set: %v", queued)
	}
	if len(completed) != 1 || completed[0] != "H.R.1" {
		t.Errorf("Unexpected completed set: %v", completed)
	}

	rec, err := s.GetStatus(ctx, "H.R.1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if rec.Status != models.ItemStatusCompleted {
		t.Errorf("Expected completed status, got %s", rec.Status)
	}
	if _, ok := rec.Metadata["completed_at"]; !ok {
		t.Error("Expected completed_at in status metadata")
	}

	stats, err := s.ProcessingStats(ctx)
	if err != nil {
		t.Fatalf("ProcessingStats failed: %v", err)
	}
	if stats.BillsInQueue != 1 || stats.BillsCompleted != 1 || stats.CompletionRate != 0.5 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestSetStatusKeepsCompleted(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	if err := s.SetStatus(ctx, "H.R.1", models.ItemStatusProcessing, nil); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := s.MarkCompleted(ctx, "H.R.1"); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	// A late sub-task write must not downgrade the item
	for _, st := range []models.ItemStatus{models.ItemStatusProcessing, models.ItemStatusQueued} {
		if err := s.SetStatus(ctx, "H.R.1", st, map[string]interface{}{"stored_results": 7}); err != nil {
			t.Fatalf("SetStatus failed: %v", err)
		}
		rec, _ := s.GetStatus(ctx, "H.R.1")
		if rec == nil || rec.Status != models.ItemStatusCompleted {
			t.Errorf("Expected completed status to survive %s, got %+v", st, rec)
		}
	}

	// Once the completed record expires a new run may take the item
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	if err := s.SetStatus(ctx, "H.R.1", models.ItemStatusQueued, nil); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if rec, _ := s.GetStatus(ctx, "H.R.1"); rec == nil || rec.Status != models.ItemStatusQueued {
		t.Errorf("Expected queued after expiry, got %+v", rec)
	}
}

func TestClearItem(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	s.SetSubTaskResult(ctx, mustResult(t, "S.2296", 1, "answer"))
	s.SetArtifact(ctx, &models.FinalArtifact{ItemID: "S.2296", Title: "NDAA", ProducedAt: time.Now()})
	s.SetStatus(ctx, "S.2296", models.ItemStatusProcessing, nil)
	s.EnqueueItem(ctx, "S.2296")
	s.ClaimItem(ctx, "S.2296", "agg-1", time.Minute)

	if err := s.ClearItem(ctx, "S.2296"); err != nil {
		t.Fatalf("ClearItem failed: %v", err)
	}

	if r, _ := s.GetSubTaskResult(ctx, "S.2296", 1); r != nil {
		t.Error("Sub-task result should be cleared")
	}
	if a, _ := s.GetArtifact(ctx, "S.2296"); a != nil {
		t.Error("Artifact should be cleared")
	}
	if rec, _ := s.GetStatus(ctx, "S.2296"); rec != nil {
		t.Error("Status should be cleared")
	}
	if q, _ := s.ListQueued(ctx); len(q) != 0 {
		t.Errorf("Queued set should be empty, got %v", q)
	}
	ok, err := s.ClaimItem(ctx, "S.2296", "agg-2", time.Minute)
	if err != nil || !ok {
		t.Errorf("Claim should be free after clear: ok=%v err=%v", ok, err)
	}
}

func TestClaimItem(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	ok, err := s.ClaimItem(ctx, "H.R.1", "agg-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("First claim should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = s.ClaimItem(ctx, "H.R.1", "agg-2", time.Minute)
	if err != nil {
		t.Fatalf("ClaimItem failed: %v", err)
	}
	if ok {
		t.Error("Second holder should not get the claim")
	}

	// Release by a non-holder does nothing
	s.ReleaseClaim(ctx, "H.R.1", "agg-2")
	if ok, _ := s.ClaimItem(ctx, "H.R.1", "agg-2", time.Minute); ok {
		t.Error("Claim should still be held by agg-1")
	}

	s.ReleaseClaim(ctx, "H.R.1", "agg-1")
	if ok, _ := s.ClaimItem(ctx, "H.R.1", "agg-2", time.Minute); !ok {
		t.Error("Claim should be free after release")
	}
}

func TestClaimItemExpires(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	if ok, _ := s.ClaimItem(ctx, "H.R.1", "agg-1", time.Second); !ok {
		t.Fatal("First claim should succeed")
	}

	s.now = func() time.Time { return base.Add(2 * time.Second) }
	ok, err := s.ClaimItem(ctx, "H.R.1", "agg-2", time.Second)
	if err != nil {
		t.Fatalf("ClaimItem failed: %v", err)
	}
	if !ok {
		t.Error("Expired claim should be taken over")
	}
}

func TestTTLExpiry(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	s.SetSubTaskResult(ctx, mustResult(t, "H.R.1", 1, "answer"))
	s.EnqueueItem(ctx, "H.R.1")
	s.SetArtifact(ctx, &models.FinalArtifact{ItemID: "H.R.1", Title: "old", ProducedAt: base})

	s.now = func() time.Time { return base.Add(2 * time.Hour) }

	if r, _ := s.GetSubTaskResult(ctx, "H.R.1", 1); r != nil {
		t.Error("Result should have expired")
	}
	if q, _ := s.ListQueued(ctx); len(q) != 0 {
		t.Errorf("Queued membership should have expired, got %v", q)
	}

	// An expired artifact can be replaced
	created, err := s.SetArtifact(ctx, &models.FinalArtifact{ItemID: "H.R.1", Title: "new", ProducedAt: base})
	if err != nil {
		t.Fatalf("SetArtifact failed: %v", err)
	}
	if !created {
		t.Error("Expected expired artifact to be replaced")
	}

	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if n < 2 {
		t.Errorf("Expected at least 2 purged rows, got %d", n)
	}
}

func TestPurgeExpiredDropsStaleMessages(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	if err := s.CreateChannel(ctx, "question-tasks"); err != nil {
		t.Fatal(err)
	}
	if err := s.PushMessage(ctx, "question-tasks", "old", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	if err := s.PushMessage(ctx, "question-tasks", "fresh", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 purged message, got %d", n)
	}
	visible, inFlight, err := s.ChannelDepth(ctx, "question-tasks")
	if err != nil {
		t.Fatal(err)
	}
	if visible != 1 || inFlight != 0 {
		t.Errorf("Expected only the fresh message left, got %d visible %d in flight", visible, inFlight)
	}
}

func TestReferenceValidationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	v := models.NewReferenceValidation("H.R.1", []models.ReferenceCheck{
		{Reference: "https://www.congress.gov", IsValid: true, StatusCode: 200},
		{Reference: "https://broken.example", IsValid: false, Error: "timeout"},
	})
	if err := s.SetReferenceValidation(ctx, v); err != nil {
		t.Fatalf("SetReferenceValidation failed: %v", err)
	}
	got, err := s.GetReferenceValidation(ctx, "H.R.1")
	if err != nil {
		t.Fatalf("GetReferenceValidation failed: %v", err)
	}
	if got.ValidCount != 1 || got.InvalidCount != 1 || len(got.Results) != 2 {
		t.Errorf("Unexpected validation: %+v", got)
	}
}

func TestWorkerStatus(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	for _, id := range []string{"subtask-2", "subtask-1"} {
		ws := &models.WorkerStatus{WorkerID: id, Kind: "subtask", Status: "running", LastHeartbeat: time.Now()}
		if err := s.SetWorkerStatus(ctx, ws); err != nil {
			t.Fatalf("SetWorkerStatus failed: %v", err)
		}
	}
	list, err := s.ListWorkerStatuses(ctx)
	if err != nil {
		t.Fatalf("ListWorkerStatuses failed: %v", err)
	}
	if len(list) != 2 || list[0].WorkerID != "subtask-1" {
		t.Errorf("Unexpected worker list: %+v", list)
	}
}

func TestPDROperations(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if _, err := s.WritePDR(ctx, "dead_letter", "abc123", "dropped", "H.R.1", "max deliveries"); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}
	if _, err := s.WritePDR(ctx, "reset", "def456", "ok", "", ""); err != nil {
		t.Fatalf("WritePDR failed: %v", err)
	}

	all, err := s.ListPDR(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 PDR entries, got %d", len(all))
	}

	filtered, err := s.ListPDR(ctx, "H.R.1", 10)
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Action != "dead_letter" {
		t.Errorf("Unexpected filtered entries: %+v", filtered)
	}
}

func TestMessageLeaseAckRelease(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.CreateChannel(ctx, "question-tasks"); err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	if err := s.CreateChannel(ctx, "question-tasks"); err != nil {
		t.Fatalf("CreateChannel should be idempotent: %v", err)
	}
	if ok, _ := s.ChannelExists(ctx, "question-tasks"); !ok {
		t.Error("Channel should exist")
	}

	s.PushMessage(ctx, "question-tasks", "m1", []byte(`{"n":1}`))
	s.PushMessage(ctx, "question-tasks", "m2", []byte(`{"n":2}`))

	m, err := s.LeaseMessage(ctx, []string{"question-tasks"}, time.Minute)
	if err != nil {
		t.Fatalf("LeaseMessage failed: %v", err)
	}
	if m == nil || m.ID != "m1" || m.Deliveries != 1 {
		t.Fatalf("Expected oldest message on first delivery, got %+v", m)
	}

	visible, inFlight, err := s.ChannelDepth(ctx, "question-tasks")
	if err != nil {
		t.Fatalf("ChannelDepth failed: %v", err)
	}
	if visible != 1 || inFlight != 1 {
		t.Errorf("Expected 1 visible / 1 in flight, got %d / %d", visible, inFlight)
	}

	// Release puts m1 back for redelivery
	if err := s.ReleaseMessage(ctx, m.ID, m.Receipt, 0); err != nil {
		t.Fatalf("ReleaseMessage failed: %v", err)
	}
	again, _ := s.LeaseMessage(ctx, []string{"question-tasks"}, time.Minute)
	if again == nil || again.ID != "m1" || again.Deliveries != 2 {
		t.Fatalf("Expected m1 redelivered, got %+v", again)
	}

	// Stale receipt does not ack
	if ok, _ := s.AckMessage(ctx, again.ID, m.Receipt); ok {
		t.Error("Stale receipt should not ack")
	}
	if ok, _ := s.AckMessage(ctx, again.ID, again.Receipt); !ok {
		t.Error("Current receipt should ack")
	}

	n, err := s.PurgeChannel(ctx, "question-tasks")
	if err != nil {
		t.Fatalf("PurgeChannel failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 purged message, got %d", n)
	}
}

func TestMessageVisibilityTimeout(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	s.PushMessage(ctx, "article-tasks", "m1", []byte(`{}`))

	first, _ := s.LeaseMessage(ctx, []string{"article-tasks"}, 30*time.Second)
	if first == nil {
		t.Fatal("Expected a lease")
	}
	if m, _ := s.LeaseMessage(ctx, []string{"article-tasks"}, 30*time.Second); m != nil {
		t.Error("Leased message should be hidden")
	}

	s.now = func() time.Time { return base.Add(31 * time.Second) }
	second, _ := s.LeaseMessage(ctx, []string{"article-tasks"}, 30*time.Second)
	if second == nil || second.ID != "m1" {
		t.Fatal("Expected redelivery after visibility timeout")
	}
	if second.Receipt == first.Receipt {
		t.Error("Redelivery should issue a new receipt")
	}
}
