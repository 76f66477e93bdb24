// Package audit provides PDR (Process Decision Record) writing for pipeline state transitions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
)

// Actions recorded by the pipeline.
const (
	ActionReset         = "pipeline.reset"
	ActionSeed          = "pipeline.seed"
	ActionSubTaskStored = "subtask.stored"
	ActionAggregate     = "aggregate.trigger"
	ActionItemCompleted = "item.completed"
	ActionItemReseed    = "item.reseed"
	ActionDeadLetter    = "message.dead_letter"
	ActionRetrySweep    = "pipeline.retry_sweep"
)

// Store persists decision records. Both state store backends implement it.
type Store interface {
	WritePDR(ctx context.Context, action, inputsHash, outcome, itemID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	store  Store
	logger *slog.Logger
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s Store, logger *slog.Logger) *PDRWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDRWriter{store: s, logger: logger}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs interface{}, outcome, itemID, details string) (*models.PDREntry, error) {
	inputsHash := HashInputs(inputs)
	return w.store.WritePDR(ctx, action, inputsHash, outcome, itemID, details)
}

// Emit records like Record but only logs a failure. A nil writer is a no-op.
func (w *PDRWriter) Emit(ctx context.Context, action string, inputs interface{}, outcome, itemID, details string) {
	if w == nil {
		return
	}
	if _, err := w.Record(ctx, action, inputs, outcome, itemID, details); err != nil {
		w.logger.Warn("write decision record", "action", action, "item_id", itemID, "err", err)
	}
}

// HashInputs creates a SHA256 hash of the inputs for reproducibility.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
