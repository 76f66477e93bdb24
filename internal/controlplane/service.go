// Package controlplane provides the HTTP API and service layer used to
// inspect and steer a running pipeline.
package controlplane

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/coordinator"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/progress"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/queue"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/store"
)

// historyLimit caps the decision records returned with an item.
const historyLimit = 50

// Service provides the control plane business logic.
type Service struct {
	store   store.StateStore
	queue   queue.Queue
	coord   *coordinator.Coordinator
	tracker *progress.Tracker
	items   []string
}

// NewService creates a control plane service over the configured items.
// coord and tracker may be nil in processes that only observe.
func NewService(st store.StateStore, q queue.Queue, coord *coordinator.Coordinator, tracker *progress.Tracker, items []string) *Service {
	return &Service{
		store:   st,
		queue:   q,
		coord:   coord,
		tracker: tracker,
		items:   items,
	}
}

// Ping checks the state store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// StatsResponse combines the store counters with per-channel queue depth.
type StatsResponse struct {
	Stats  models.ProcessingStats `json:"stats"`
	Queues map[string]queue.Depth `json:"queues"`
}

// Stats returns processing counters and queue depths.
func (s *Service) Stats(ctx context.Context) (*StatsResponse, error) {
	stats, err := s.store.ProcessingStats(ctx)
	if err != nil {
		return nil, err
	}
	resp := &StatsResponse{Stats: stats, Queues: make(map[string]queue.Depth)}
	for _, ch := range models.AllChannels() {
		d, err := s.queue.Depth(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("depth of %s: %w", ch, err)
		}
		resp.Queues[ch] = d
	}
	return resp, nil
}

// Items returns the progress of every known item: the configured ones plus
// anything queued or completed in the store.
func (s *Service) Items(ctx context.Context) ([]coordinator.ItemProgress, error) {
	ids, err := s.knownItems(ctx)
	if err != nil {
		return nil, err
	}
	return coordinator.Progress(ctx, s.store, ids)
}

func (s *Service) knownItems(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	add := func(list []string) {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	add(s.items)

	queued, err := s.store.ListQueued(ctx)
	if err != nil {
		return nil, err
	}
	completed, err := s.store.ListCompleted(ctx)
	if err != nil {
		return nil, err
	}
	extra := append(queued, completed...)
	sort.Strings(extra)
	add(extra)
	return ids, nil
}

// ItemDetail is everything the store holds for one item.
type ItemDetail struct {
	ItemID     string                      `json:"item_id"`
	Status     *models.StatusRecord        `json:"status,omitempty"`
	Results    []*models.SubTaskResult     `json:"results"`
	Validation *models.ReferenceValidation `json:"validation,omitempty"`
	Artifact   *models.FinalArtifact       `json:"artifact,omitempty"`
	History    []models.PDREntry           `json:"history"`
}

// Item returns the detail of one item. Items that are neither configured nor
// present in the store are reported as ErrItemNotFound.
func (s *Service) Item(ctx context.Context, id string) (*ItemDetail, error) {
	status, err := s.store.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if status == nil && !s.configured(id) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}

	d := &ItemDetail{ItemID: id, Status: status, Results: []*models.SubTaskResult{}}
	results, err := s.store.GetAllSubTaskResults(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, subID := range models.SubTaskIDs() {
		if r, ok := results[subID]; ok {
			d.Results = append(d.Results, r)
		}
	}
	if d.Validation, err = s.store.GetReferenceValidation(ctx, id); err != nil {
		return nil, err
	}
	if d.Artifact, err = s.store.GetArtifact(ctx, id); err != nil {
		return nil, err
	}
	if d.History, err = s.store.ListPDR(ctx, id, historyLimit); err != nil {
		return nil, err
	}
	if d.History == nil {
		d.History = []models.PDREntry{}
	}
	return d, nil
}

func (s *Service) configured(id string) bool {
	for _, item := range s.items {
		if item == id {
			return true
		}
	}
	return false
}

// Workers returns the latest heartbeat of every worker.
func (s *Service) Workers(ctx context.Context) ([]models.WorkerStatus, error) {
	workers, err := s.store.ListWorkerStatuses(ctx)
	if err != nil {
		return nil, err
	}
	if workers == nil {
		workers = []models.WorkerStatus{}
	}
	return workers, nil
}

// Progress returns the in-process task timings.
func (s *Service) Progress() (progress.Stats, error) {
	if s.tracker == nil {
		return progress.Stats{}, ErrNoTracker
	}
	return s.tracker.Snapshot(len(s.items) * (models.SubTaskCount + 1)), nil
}

// ReseedResponse reports what a reseed published.
type ReseedResponse struct {
	ItemID    string    `json:"item_id"`
	Aggregate bool      `json:"aggregate"`
	Published int       `json:"published"`
	At        time.Time `json:"at"`
}

// Reseed re-publishes an item's missing work, or its aggregation trigger.
func (s *Service) Reseed(ctx context.Context, id string, aggregate bool) (*ReseedResponse, error) {
	if s.coord == nil {
		return nil, ErrNoCoordinator
	}
	status, err := s.store.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if status == nil && !s.configured(id) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	n, err := s.coord.Reseed(ctx, id, aggregate)
	if err != nil {
		return nil, err
	}
	return &ReseedResponse{ItemID: id, Aggregate: aggregate, Published: n, At: time.Now().UTC()}, nil
}
