package tui

import (
	"context"
	"time"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/controlplane"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/coordinator"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/progress"
)

// Source is the read side of the control plane API. *controlplane.Client
// satisfies it.
type Source interface {
	Health(ctx context.Context) (*controlplane.HealthResponse, error)
	Stats(ctx context.Context) (*controlplane.StatsResponse, error)
	Items(ctx context.Context) ([]coordinator.ItemProgress, error)
	Item(ctx context.Context, id string) (*controlplane.ItemDetail, error)
	Workers(ctx context.Context) ([]models.WorkerStatus, error)
	Progress(ctx context.Context) (*progress.Stats, error)
	Reseed(ctx context.Context, id string, aggregate bool) (*controlplane.ReseedResponse, error)
}

// Snapshot is one poll of the API.
type Snapshot struct {
	Online    bool
	Stats     *controlplane.StatsResponse
	Items     []coordinator.ItemProgress
	Workers   []models.WorkerStatus
	Progress  *progress.Stats
	FetchedAt time.Time
}

// Completion returns the completed fraction of the known items.
func (s Snapshot) Completion() float64 {
	if len(s.Items) == 0 {
		return 0
	}
	done := 0
	for _, it := range s.Items {
		if it.Status == models.ItemStatusCompleted {
			done++
		}
	}
	return float64(done) / float64(len(s.Items))
}

type snapshotMsg struct {
	snap Snapshot
	err  error
}

type detailMsg struct {
	item *controlplane.ItemDetail
	err  error
}

type reseedMsg struct {
	resp *controlplane.ReseedResponse
	err  error
}

type tickMsg time.Time
