// Package models defines the core domain types for the bill news pipeline.
package models

import (
	"errors"
	"fmt"
	"time"
)

// SubTaskCount is the fixed number of sub-results every item needs before aggregation.
const SubTaskCount = 7

// SubTaskIDs returns the required sub-task ids in order (1..7).
func SubTaskIDs() []int {
	ids := make([]int, SubTaskCount)
	for i := range ids {
		ids[i] = i + 1
	}
	return ids
}

// ItemStatus represents the lifecycle state of a work item.
type ItemStatus string

const (
	ItemStatusQueued     ItemStatus = "queued"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
)

// TaskKind identifies what a queued message asks a worker to do.
type TaskKind string

const (
	KindAnswerSubTask      TaskKind = "answer_subtask"
	KindValidateReferences TaskKind = "validate_references"
	KindAggregate          TaskKind = "aggregate"
	KindArtifactCompleted  TaskKind = "artifact_completed"
)

// Channel names used by the pipeline.
const (
	ChannelQuestionTasks     = "question-tasks"
	ChannelLinkCheckTasks    = "link-check-tasks"
	ChannelArticleTasks      = "article-tasks"
	ChannelCompletedArticles = "completed-articles"
)

// AllChannels lists every channel the pipeline creates on startup.
func AllChannels() []string {
	return []string{ChannelQuestionTasks, ChannelLinkCheckTasks, ChannelArticleTasks, ChannelCompletedArticles}
}

// ChannelFor returns the channel a task kind is published on.
func ChannelFor(kind TaskKind) string {
	switch kind {
	case KindAnswerSubTask:
		return ChannelQuestionTasks
	case KindValidateReferences:
		return ChannelLinkCheckTasks
	case KindAggregate:
		return ChannelArticleTasks
	default:
		return ChannelCompletedArticles
	}
}

var (
	// ErrInvalidSubTask indicates a sub-task id outside 1..SubTaskCount.
	ErrInvalidSubTask = errors.New("invalid sub-task id")
	// ErrInvalidKind indicates an unknown task kind.
	ErrInvalidKind = errors.New("invalid task kind")
	// ErrInvalidConfidence indicates a confidence outside [0, 1].
	ErrInvalidConfidence = errors.New("confidence out of range")
	// ErrMissingItemID indicates an empty item id.
	ErrMissingItemID = errors.New("item id required")
)

// ValidSubTaskID reports whether id is one of the required sub-task ids.
func ValidSubTaskID(id int) bool {
	return id >= 1 && id <= SubTaskCount
}

// WorkItem is one unit of top-level work (a bill).
type WorkItem struct {
	ItemID      string     `json:"item_id"`
	Status      ItemStatus `json:"status"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StatusRecord is the per-item status entry kept by the state store.
type StatusRecord struct {
	ItemID    string                 `json:"item_id"`
	Status    ItemStatus             `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SubTaskResult is one of the seven answers required per item.
type SubTaskResult struct {
	ItemID              string    `json:"item_id"`
	SubTaskID           int       `json:"sub_task_id"`
	ResultText          string    `json:"result_text"`
	ExtractedReferences []string  `json:"extracted_references"`
	Confidence          float64   `json:"confidence"`
	ProducedAt          time.Time `json:"produced_at"`
}

// NewSubTaskResult builds a validated sub-task result.
func NewSubTaskResult(itemID string, subTaskID int, text string, refs []string, confidence float64) (*SubTaskResult, error) {
	if itemID == "" {
		return nil, ErrMissingItemID
	}
	if !ValidSubTaskID(subTaskID) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSubTask, subTaskID)
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfidence, confidence)
	}
	if refs == nil {
		refs = []string{}
	}
	return &SubTaskResult{
		ItemID:              itemID,
		SubTaskID:           subTaskID,
		ResultText:          text,
		ExtractedReferences: refs,
		Confidence:          confidence,
		ProducedAt:          time.Now().UTC(),
	}, nil
}

// ReferenceCheck is the outcome of validating one reference.
type ReferenceCheck struct {
	Reference    string    `json:"url"`
	IsValid      bool      `json:"is_valid"`
	StatusCode   int       `json:"status_code,omitempty"`
	Error        string    `json:"error,omitempty"`
	Title        string    `json:"title,omitempty"`
	ResponseTime float64   `json:"response_time,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// ReferenceValidation is the advisory per-item validation summary.
type ReferenceValidation struct {
	ItemID       string           `json:"item_id"`
	Results      []ReferenceCheck `json:"results"`
	ValidCount   int              `json:"valid_count"`
	InvalidCount int              `json:"invalid_count"`
	CheckedAt    time.Time        `json:"checked_at"`
}

// NewReferenceValidation builds a summary and computes its counts.
func NewReferenceValidation(itemID string, results []ReferenceCheck) *ReferenceValidation {
	v := &ReferenceValidation{ItemID: itemID, Results: results, CheckedAt: time.Now().UTC()}
	for _, r := range results {
		if r.IsValid {
			v.ValidCount++
		} else {
			v.InvalidCount++
		}
	}
	return v
}

// ValidReferences returns the references that passed validation.
func (v *ReferenceValidation) ValidReferences() []string {
	if v == nil {
		return nil
	}
	var out []string
	for _, r := range v.Results {
		if r.IsValid {
			out = append(out, r.Reference)
		}
	}
	return out
}

// ArtifactMetadata carries derived bill fields stored alongside an article.
type ArtifactMetadata struct {
	SponsorBioguideID string   `json:"sponsor_bioguide_id,omitempty"`
	CommitteeIDs      []string `json:"bill_committee_ids"`
	Congress          string   `json:"congress,omitempty"`
	BillType          string   `json:"bill_type,omitempty"`
	BillNumber        int      `json:"bill_number,omitempty"`
}

// FinalArtifact is the generated article for a completed item.
type FinalArtifact struct {
	ItemID     string           `json:"item_id"`
	Title      string           `json:"title"`
	Metadata   ArtifactMetadata `json:"metadata"`
	Content    string           `json:"content"`
	ProducedAt time.Time        `json:"produced_at"`
	WordCount  int              `json:"word_count"`
	LinkCount  int              `json:"link_count"`
}

// TaskMessage is the queue payload.
type TaskMessage struct {
	MessageID  string                 `json:"id"`
	Channel    string                 `json:"topic"`
	Key        string                 `json:"key,omitempty"`
	Kind       TaskKind               `json:"kind"`
	ItemID     string                 `json:"item_id"`
	SubTaskID  int                    `json:"sub_task_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	EnqueuedAt time.Time              `json:"timestamp"`
	Attempt    int                    `json:"attempt"`
}

// Validate checks the message is well formed for its kind.
func (m *TaskMessage) Validate() error {
	if m.ItemID == "" {
		return ErrMissingItemID
	}
	switch m.Kind {
	case KindAnswerSubTask:
		if !ValidSubTaskID(m.SubTaskID) {
			return fmt.Errorf("%w: %d", ErrInvalidSubTask, m.SubTaskID)
		}
	case KindValidateReferences, KindAggregate, KindArtifactCompleted:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, m.Kind)
	}
	return nil
}

// References reads the reference list carried by a validate_references payload.
func (m *TaskMessage) References() []string {
	raw, ok := m.Payload["references"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// WorkerStatus is a heartbeat record for one worker.
type WorkerStatus struct {
	WorkerID       string    `json:"worker_id"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	TasksProcessed int64     `json:"tasks_processed"`
	ErrorsCount    int64     `json:"errors_count"`
	InFlight       int       `json:"in_flight"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// ProcessingStats summarises queued and completed items.
type ProcessingStats struct {
	BillsInQueue   int     `json:"bills_in_queue"`
	BillsCompleted int     `json:"bills_completed"`
	TotalBills     int     `json:"total_bills"`
	CompletionRate float64 `json:"completion_rate"`
}

// NewProcessingStats derives the completion rate from the two set sizes.
func NewProcessingStats(queued, completed int) ProcessingStats {
	total := queued + completed
	stats := ProcessingStats{BillsInQueue: queued, BillsCompleted: completed, TotalBills: total}
	if total > 0 {
		stats.CompletionRate = float64(completed) / float64(total)
	}
	return stats
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	ItemID     string    `json:"item_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
