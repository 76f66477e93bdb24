// Package worker implements the pipeline consumers: sub-task answering,
// reference validation and aggregation, plus the runner that drives them
// from the queue and publishes heartbeats.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/audit"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/queue"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/scheduler"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/store"
)

// Kind names a worker type.
type Kind string

const (
	KindSubTask    Kind = "subtask"
	KindValidator  Kind = "validator"
	KindAggregator Kind = "aggregator"
)

// ParseKind accepts a worker kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindSubTask, KindValidator, KindAggregator:
		return k, nil
	}
	return "", fmt.Errorf("unknown worker kind %q", s)
}

// Worker handles the messages of one or more channels.
type Worker interface {
	ID() string
	Kind() Kind
	Channels() []string
	// Handle processes one message. nil acks it; an error leaves it for redelivery.
	Handle(ctx context.Context, msg *models.TaskMessage) error
}

// TaskTracker times handled tasks. *progress.Tracker implements it.
type TaskTracker interface {
	StartTask(taskID, kind string)
	EndTask(taskID string, success bool)
}

type nopTracker struct{}

func (nopTracker) StartTask(string, string) {}
func (nopTracker) EndTask(string, bool)     {}

// Deps are the collaborators every worker shares.
type Deps struct {
	Store   store.StateStore
	Queue   queue.Queue
	PDR     *audit.PDRWriter
	Tracker TaskTracker
	Logger  *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Tracker == nil {
		d.Tracker = nopTracker{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// NewID returns a worker id like "subtask-1a2b3c4d".
func NewID(kind Kind) string {
	return fmt.Sprintf("%s-%s", kind, uuid.New().String()[:8])
}

// wrongKind rejects a message routed to the wrong worker; retrying cannot help.
func wrongKind(w Worker, msg *models.TaskMessage) error {
	return fmt.Errorf("%w: %s worker cannot handle %q", scheduler.ErrPermanent, w.Kind(), msg.Kind)
}

// publish sends a follow-on task for itemID.
func publish(ctx context.Context, q queue.Queue, kind models.TaskKind, itemID string, payload map[string]interface{}) error {
	return q.Publish(ctx, models.ChannelFor(kind), &models.TaskMessage{
		Kind:    kind,
		ItemID:  itemID,
		Payload: payload,
	})
}
