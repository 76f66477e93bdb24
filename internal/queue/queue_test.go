package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/store"
)

func newTestSQLQueue(t *testing.T, visibility time.Duration) *SQLQueue {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), time.Hour)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewSQL(s, visibility)
}

func newTestRedisQueue(t *testing.T, visibility time.Duration) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisWithClient(rdb, visibility)
}

func backends(t *testing.T, visibility time.Duration) map[string]Queue {
	return map[string]Queue{
		"sqlite": newTestSQLQueue(t, visibility),
		"redis":  newTestRedisQueue(t, visibility),
	}
}

func subTask(item string, id int) *models.TaskMessage {
	return &models.TaskMessage{Kind: models.KindAnswerSubTask, ItemID: item, SubTaskID: id}
}

func TestPublishReceiveAck(t *testing.T) {
	for name, q := range backends(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := q.CreateChannel(ctx, models.ChannelQuestionTasks); err != nil {
				t.Fatalf("CreateChannel failed: %v", err)
			}
			if err := q.CreateChannel(ctx, models.ChannelQuestionTasks); err != nil {
				t.Fatalf("CreateChannel should be idempotent: %v", err)
			}

			for _, id := range []int{1, 2} {
				if err := q.Publish(ctx, models.ChannelQuestionTasks, subTask("H.R.1", id)); err != nil {
					t.Fatalf("Publish failed: %v", err)
				}
			}

			d, err := q.Receive(ctx, []string{models.ChannelQuestionTasks}, time.Second)
			if err != nil {
				t.Fatalf("Receive failed: %v", err)
			}
			if d == nil {
				t.Fatal("Expected a delivery")
			}
			if d.Message.SubTaskID != 1 || d.Deliveries != 1 {
				t.Errorf("Expected FIFO first delivery of sub-task 1, got id=%d deliveries=%d", d.Message.SubTaskID, d.Deliveries)
			}
			if d.Message.MessageID == "" || d.Message.Channel != models.ChannelQuestionTasks || d.Message.EnqueuedAt.IsZero() {
				t.Errorf("Envelope fields not stamped: %+v", d.Message)
			}
			if err := q.Ack(ctx, d); err != nil {
				t.Fatalf("Ack failed: %v", err)
			}

			depth, err := q.Depth(ctx, models.ChannelQuestionTasks)
			if err != nil {
				t.Fatalf("Depth failed: %v", err)
			}
			if depth.Visible != 1 || depth.InFlight != 0 {
				t.Errorf("Expected 1 visible, 0 in flight, got %+v", depth)
			}
		})
	}
}

func TestPublishUnknownChannel(t *testing.T) {
	for name, q := range backends(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			err := q.Publish(context.Background(), "nowhere", subTask("H.R.1", 1))
			if !errors.Is(err, ErrQueue) || !errors.Is(err, ErrUnknownChannel) {
				t.Errorf("Expected ErrQueue wrapping ErrUnknownChannel, got %v", err)
			}
		})
	}
}

func TestPublishInvalidMessage(t *testing.T) {
	for name, q := range backends(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q.CreateChannel(ctx, models.ChannelQuestionTasks)
			err := q.Publish(ctx, models.ChannelQuestionTasks, subTask("H.R.1", 0))
			if !errors.Is(err, models.ErrInvalidSubTask) {
				t.Errorf("Expected ErrInvalidSubTask, got %v", err)
			}
		})
	}
}

func TestReceiveEmptyTimesOut(t *testing.T) {
	for name, q := range backends(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q.CreateChannel(ctx, models.ChannelArticleTasks)

			start := time.Now()
			d, err := q.Receive(ctx, []string{models.ChannelArticleTasks}, 150*time.Millisecond)
			if err != nil {
				t.Fatalf("Receive failed: %v", err)
			}
			if d != nil {
				t.Errorf("Expected no delivery, got %+v", d)
			}
			if time.Since(start) < 100*time.Millisecond {
				t.Error("Receive returned before the wait elapsed")
			}
		})
	}
}

func TestReleaseRedelivers(t *testing.T) {
	for name, q := range backends(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q.CreateChannel(ctx, models.ChannelArticleTasks)
			q.Publish(ctx, models.ChannelArticleTasks, &models.TaskMessage{Kind: models.KindAggregate, ItemID: "S.24"})

			first, _ := q.Receive(ctx, []string{models.ChannelArticleTasks}, time.Second)
			if first == nil {
				t.Fatal("Expected a delivery")
			}
			if err := q.Release(ctx, first, 0); err != nil {
				t.Fatalf("Release failed: %v", err)
			}

			second, _ := q.Receive(ctx, []string{models.ChannelArticleTasks}, time.Second)
			if second == nil {
				t.Fatal("Expected redelivery after release")
			}
			if second.Message.MessageID != first.Message.MessageID {
				t.Error("Redelivery should carry the same message id")
			}
			if second.Deliveries != 2 || second.Message.Attempt != 1 {
				t.Errorf("Expected second delivery, got deliveries=%d attempt=%d", second.Deliveries, second.Message.Attempt)
			}

			// The first receipt is stale now
			if err := q.Ack(ctx, first); !errors.Is(err, ErrLeaseLost) {
				t.Errorf("Expected ErrLeaseLost for stale receipt, got %v", err)
			}
			if err := q.Ack(ctx, second); err != nil {
				t.Errorf("Ack failed: %v", err)
			}
		})
	}
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	for name, q := range backends(t, 100*time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q.CreateChannel(ctx, models.ChannelLinkCheckTasks)
			q.Publish(ctx, models.ChannelLinkCheckTasks, &models.TaskMessage{Kind: models.KindValidateReferences, ItemID: "H.R.1"})

			first, _ := q.Receive(ctx, []string{models.ChannelLinkCheckTasks}, time.Second)
			if first == nil {
				t.Fatal("Expected a delivery")
			}
			// Never acked: simulates a crashed consumer
			second, err := q.Receive(ctx, []string{models.ChannelLinkCheckTasks}, 3*time.Second)
			if err != nil {
				t.Fatalf("Receive failed: %v", err)
			}
			if second == nil {
				t.Fatal("Expected redelivery after the visibility timeout")
			}
			if second.Message.MessageID != first.Message.MessageID || second.Deliveries != 2 {
				t.Errorf("Unexpected redelivery: %+v deliveries=%d", second.Message, second.Deliveries)
			}
		})
	}
}

func TestReceiveAcrossChannels(t *testing.T) {
	for name, q := range backends(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, ch := range models.AllChannels() {
				q.CreateChannel(ctx, ch)
			}
			q.Publish(ctx, models.ChannelArticleTasks, &models.TaskMessage{Kind: models.KindAggregate, ItemID: "S.24"})
			q.Publish(ctx, models.ChannelLinkCheckTasks, &models.TaskMessage{Kind: models.KindValidateReferences, ItemID: "S.24"})

			seen := map[string]bool{}
			channels := []string{models.ChannelArticleTasks, models.ChannelLinkCheckTasks}
			for i := 0; i < 2; i++ {
				d, err := q.Receive(ctx, channels, time.Second)
				if err != nil || d == nil {
					t.Fatalf("Receive %d failed: %v", i, err)
				}
				seen[d.Channel] = true
				q.Ack(ctx, d)
			}
			if len(seen) != 2 {
				t.Errorf("Expected deliveries from both channels, got %v", seen)
			}
		})
	}
}

func TestReceiveDiscardsUndecodable(t *testing.T) {
	ctx := context.Background()
	sq := newTestSQLQueue(t, time.Minute)
	rq := newTestRedisQueue(t, time.Minute)
	inject := map[string]func() error{
		"sqlite": func() error {
			return sq.store.PushMessage(ctx, models.ChannelQuestionTasks, "bad-1", []byte("not json"))
		},
		"redis": func() error {
			return rq.rdb.LPush(ctx, readyKey(models.ChannelQuestionTasks), "not json").Err()
		},
	}
	for name, q := range map[string]Queue{"sqlite": sq, "redis": rq} {
		t.Run(name, func(t *testing.T) {
			if err := q.CreateChannel(ctx, models.ChannelQuestionTasks); err != nil {
				t.Fatal(err)
			}
			if err := inject[name](); err != nil {
				t.Fatalf("Failed to inject message: %v", err)
			}

			d, err := q.Receive(ctx, []string{models.ChannelQuestionTasks}, time.Second)
			if !errors.Is(err, ErrQueue) || d != nil {
				t.Fatalf("Expected a decode error, got %v %+v", err, d)
			}
			depth, err := q.Depth(ctx, models.ChannelQuestionTasks)
			if err != nil {
				t.Fatal(err)
			}
			if depth.Visible+depth.InFlight != 0 {
				t.Errorf("Undecodable message should be discarded, got %+v", depth)
			}
		})
	}
}

func TestPurge(t *testing.T) {
	for name, q := range backends(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q.CreateChannel(ctx, models.ChannelQuestionTasks)
			for id := 1; id <= 3; id++ {
				q.Publish(ctx, models.ChannelQuestionTasks, subTask("H.R.1", id))
			}
			n, err := q.Purge(ctx, models.ChannelQuestionTasks)
			if err != nil {
				t.Fatalf("Purge failed: %v", err)
			}
			if n != 3 {
				t.Errorf("Expected 3 purged, got %d", n)
			}
			if d, _ := q.Receive(ctx, []string{models.ChannelQuestionTasks}, 50*time.Millisecond); d != nil {
				t.Error("Channel should be empty after purge")
			}
		})
	}
}

func TestClosedQueueRejectsPublish(t *testing.T) {
	for name, q := range backends(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q.CreateChannel(ctx, models.ChannelQuestionTasks)
			if err := q.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			err := q.Publish(ctx, models.ChannelQuestionTasks, subTask("H.R.1", 1))
			if !errors.Is(err, ErrQueue) || !errors.Is(err, ErrClosed) {
				t.Errorf("Expected ErrQueue wrapping ErrClosed, got %v", err)
			}
		})
	}
}

func TestRedisReleaseWithDelay(t *testing.T) {
	q := newTestRedisQueue(t, time.Minute)
	ctx := context.Background()
	q.CreateChannel(ctx, models.ChannelQuestionTasks)
	q.Publish(ctx, models.ChannelQuestionTasks, subTask("S.24", 4))

	d, _ := q.Receive(ctx, []string{models.ChannelQuestionTasks}, time.Second)
	if d == nil {
		t.Fatal("Expected a delivery")
	}
	if err := q.Release(ctx, d, 200*time.Millisecond); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	depth, _ := q.Depth(ctx, models.ChannelQuestionTasks)
	if depth.Visible != 0 || depth.InFlight != 1 {
		t.Errorf("Delayed message should be in flight, got %+v", depth)
	}

	again, _ := q.Receive(ctx, []string{models.ChannelQuestionTasks}, 3*time.Second)
	if again == nil || again.Deliveries != 2 {
		t.Fatalf("Expected delayed redelivery, got %+v", again)
	}
}
