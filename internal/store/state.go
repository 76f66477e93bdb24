package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
)

const (
	// DefaultTTL is applied to every state write unless configured otherwise.
	DefaultTTL = 24 * time.Hour
	// WorkerStatusTTL bounds how long a worker heartbeat stays visible.
	WorkerStatusTTL = 300 * time.Second
)

// Set names for item membership.
const (
	SetQueued    = "processing_queue"
	SetCompleted = "completed_bills"
)

var (
	// ErrStateStore wraps connectivity and serialization failures of the state store.
	ErrStateStore = errors.New("state store error")
	// ErrClaimHeld indicates another holder owns the item claim.
	ErrClaimHeld = errors.New("item claim held by another holder")
)

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStateStore, err)
}

// StateStore is the source of truth for item status, sub-results and artifacts.
// All writes carry the store TTL so stale runs expire on their own.
type StateStore interface {
	SetSubTaskResult(ctx context.Context, r *models.SubTaskResult) error
	GetSubTaskResult(ctx context.Context, itemID string, subTaskID int) (*models.SubTaskResult, error)
	// GetAllSubTaskResults returns only the results that are present.
	GetAllSubTaskResults(ctx context.Context, itemID string) (map[int]*models.SubTaskResult, error)
	// AllSubTasksPresent is true iff every required sub-task id has a result.
	AllSubTasksPresent(ctx context.Context, itemID string) (bool, error)

	// SetArtifact stores the artifact unless one already exists; created reports which happened.
	SetArtifact(ctx context.Context, a *models.FinalArtifact) (created bool, err error)
	GetArtifact(ctx context.Context, itemID string) (*models.FinalArtifact, error)

	SetReferenceValidation(ctx context.Context, v *models.ReferenceValidation) error
	GetReferenceValidation(ctx context.Context, itemID string) (*models.ReferenceValidation, error)

	SetStatus(ctx context.Context, itemID string, status models.ItemStatus, metadata map[string]interface{}) error
	GetStatus(ctx context.Context, itemID string) (*models.StatusRecord, error)

	EnqueueItem(ctx context.Context, itemID string) error
	DequeueItem(ctx context.Context, itemID string) error
	ListQueued(ctx context.Context) ([]string, error)
	// MarkCompleted adds the item to the completed set, removes it from the
	// queued set and sets its status to completed.
	MarkCompleted(ctx context.Context, itemID string) error
	ListCompleted(ctx context.Context) ([]string, error)

	// ClearItem removes sub-results, artifact, validation, status, claim and set
	// membership for a fresh run.
	ClearItem(ctx context.Context, itemID string) error

	// ClaimItem takes an expiring per-item claim; false means another holder has it.
	ClaimItem(ctx context.Context, itemID, holderID string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, itemID, holderID string) error

	SetWorkerStatus(ctx context.Context, ws *models.WorkerStatus) error
	ListWorkerStatuses(ctx context.Context) ([]models.WorkerStatus, error)

	ProcessingStats(ctx context.Context) (models.ProcessingStats, error)

	WritePDR(ctx context.Context, action, inputsHash, outcome, itemID, details string) (*models.PDREntry, error)
	ListPDR(ctx context.Context, itemID string, limit int) ([]models.PDREntry, error)

	// PurgeExpired drops rows whose TTL has passed and reports how many went.
	PurgeExpired(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
