package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/logging"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
)

// Test10ParallelHandlers verifies that ten handlers run at once and no
// message is delivered to two handlers at the same time.
func Test10ParallelHandlers(t *testing.T) {
	s := newTestStore(t)
	q := newTestQueue(t, s)

	// Ten distinct (item, sub-task) pairs
	for _, item := range []string{"H.R.1", "S.24"} {
		for id := 1; id <= 5; id++ {
			msg := &models.TaskMessage{Kind: models.KindAnswerSubTask, ItemID: item, SubTaskID: id}
			if err := q.Publish(context.Background(), models.ChannelQuestionTasks, msg); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
		}
	}

	var mu sync.Mutex
	holding := make(map[string]bool)
	release := make(chan struct{})
	h := func(ctx context.Context, msg *models.TaskMessage) error {
		mu.Lock()
		if holding[msg.MessageID] {
			t.Errorf("Message %s delivered to two handlers", msg.MessageID)
		}
		holding[msg.MessageID] = true
		mu.Unlock()

		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	sch := New("subtask", q, []string{models.ChannelQuestionTasks}, h, nil, testConfig(10), logging.Discard())
	sch.Start()
	defer sch.Stop() // Ensure scheduler stops even on test failure to prevent goroutine leaks

	waitFor(t, 15*time.Second, "10 active handlers", func() bool {
		return sch.Stats().ActiveHandlers == 10
	})

	mu.Lock()
	if len(holding) != 10 {
		t.Errorf("Expected 10 unique messages held, got %d", len(holding))
	}
	mu.Unlock()

	close(release)
	waitFor(t, 15*time.Second, "all processed", func() bool { return sch.Stats().Processed == 10 })
}
