// Package store provides the pipeline state store with SQLite and Redis backends.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed state store. It also hosts the message tables
// used by the SQL queue.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

var _ StateStore = (*Store)(nil)

// New creates a new Store and runs migrations. A non-positive ttl uses DefaultTTL.
func New(dbPath string, ttl time.Duration) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, storeErr("open db", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{db: db, ttl: ttl, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, storeErr("migrate", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// TTL returns the expiry applied to state writes.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subtask_results (
		item_id TEXT NOT NULL,
		sub_task_id INTEGER NOT NULL,
		result_text TEXT NOT NULL,
		refs TEXT NOT NULL,
		confidence REAL NOT NULL,
		produced_at DATETIME NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (item_id, sub_task_id)
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		item_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		metadata TEXT NOT NULL,
		content TEXT NOT NULL,
		word_count INTEGER NOT NULL,
		link_count INTEGER NOT NULL,
		produced_at DATETIME NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS item_status (
		item_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		metadata TEXT,
		updated_at DATETIME NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS item_sets (
		set_name TEXT NOT NULL,
		item_id TEXT NOT NULL,
		added_at DATETIME NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (set_name, item_id)
	);

	CREATE TABLE IF NOT EXISTS reference_validations (
		item_id TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		checked_at DATETIME NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS worker_status (
		worker_id TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS locks (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL UNIQUE,
		holder_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		item_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channels (
		name TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		channel TEXT NOT NULL,
		body TEXT NOT NULL,
		deliveries INTEGER NOT NULL DEFAULT 0,
		receipt TEXT,
		visible_at INTEGER NOT NULL,
		enqueued_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_item_sets_name ON item_sets(set_name);
	CREATE INDEX IF NOT EXISTS idx_pdr_item_id ON pdr(item_id);
	CREATE INDEX IF NOT EXISTS idx_messages_channel_visible ON messages(channel, visible_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) expiry() int64 {
	return s.now().Add(s.ttl).UnixMilli()
}

func (s *Store) nowMilli() int64 {
	return s.now().UnixMilli()
}

// --- Sub-task Results ---

// SetSubTaskResult upserts the result for (item, sub-task). Repeated writes keep only the latest.
func (s *Store) SetSubTaskResult(ctx context.Context, r *models.SubTaskResult) error {
	if !models.ValidSubTaskID(r.SubTaskID) {
		return fmt.Errorf("%w: %d", models.ErrInvalidSubTask, r.SubTaskID)
	}
	refs, err := json.Marshal(r.ExtractedReferences)
	if err != nil {
		return storeErr("encode references", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subtask_results (item_id, sub_task_id, result_text, refs, confidence, produced_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item_id, sub_task_id) DO UPDATE SET
			result_text = excluded.result_text,
			refs = excluded.refs,
			confidence = excluded.confidence,
			produced_at = excluded.produced_at,
			expires_at = excluded.expires_at`,
		r.ItemID, r.SubTaskID, r.ResultText, string(refs), r.Confidence, r.ProducedAt.UTC(), s.expiry(),
	)
	if err != nil {
		return storeErr("upsert subtask result", err)
	}
	return nil
}

// GetSubTaskResult returns the stored result or nil when absent.
func (s *Store) GetSubTaskResult(ctx context.Context, itemID string, subTaskID int) (*models.SubTaskResult, error) {
	r := &models.SubTaskResult{}
	var refs string
	err := s.db.QueryRowContext(ctx,
		`SELECT item_id, sub_task_id, result_text, refs, confidence, produced_at
		 FROM subtask_results WHERE item_id = ? AND sub_task_id = ? AND expires_at > ?`,
		itemID, subTaskID, s.nowMilli(),
	).Scan(&r.ItemID, &r.SubTaskID, &r.ResultText, &refs, &r.Confidence, &r.ProducedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("query subtask result", err)
	}
	if err := json.Unmarshal([]byte(refs), &r.ExtractedReferences); err != nil {
		return nil, storeErr("decode references", err)
	}
	return r, nil
}

// GetAllSubTaskResults returns the present results keyed by sub-task id.
func (s *Store) GetAllSubTaskResults(ctx context.Context, itemID string) (map[int]*models.SubTaskResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, sub_task_id, result_text, refs, confidence, produced_at
		 FROM subtask_results WHERE item_id = ? AND expires_at > ? ORDER BY sub_task_id`,
		itemID, s.nowMilli(),
	)
	if err != nil {
		return nil, storeErr("query subtask results", err)
	}
	defer rows.Close()

	results := make(map[int]*models.SubTaskResult)
	for rows.Next() {
		r := &models.SubTaskResult{}
		var refs string
		if err := rows.Scan(&r.ItemID, &r.SubTaskID, &r.ResultText, &refs, &r.Confidence, &r.ProducedAt); err != nil {
			return nil, storeErr("scan subtask result", err)
		}
		if err := json.Unmarshal([]byte(refs), &r.ExtractedReferences); err != nil {
			return nil, storeErr("decode references", err)
		}
		results[r.SubTaskID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate subtask results", err)
	}
	return results, nil
}

// AllSubTasksPresent reports whether every required sub-task id has a live result.
func (s *Store) AllSubTasksPresent(ctx context.Context, itemID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT sub_task_id) FROM subtask_results
		 WHERE item_id = ? AND sub_task_id BETWEEN 1 AND ? AND expires_at > ?`,
		itemID, models.SubTaskCount, s.nowMilli(),
	).Scan(&n)
	if err != nil {
		return false, storeErr("count subtask results", err)
	}
	return n == models.SubTaskCount, nil
}

// --- Artifacts ---

// SetArtifact inserts the artifact if none is live for the item.
// An expired row is replaced.
func (s *Store) SetArtifact(ctx context.Context, a *models.FinalArtifact) (bool, error) {
	md, err := json.Marshal(a.Metadata)
	if err != nil {
		return false, storeErr("encode artifact metadata", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (item_id, title, metadata, content, word_count, link_count, produced_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET
			title = excluded.title,
			metadata = excluded.metadata,
			content = excluded.content,
			word_count = excluded.word_count,
			link_count = excluded.link_count,
			produced_at = excluded.produced_at,
			expires_at = excluded.expires_at
		 WHERE artifacts.expires_at <= ?`,
		a.ItemID, a.Title, string(md), a.Content, a.WordCount, a.LinkCount, a.ProducedAt.UTC(), s.expiry(), s.nowMilli(),
	)
	if err != nil {
		return false, storeErr("insert artifact", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("check rows affected", err)
	}
	return n > 0, nil
}

// GetArtifact returns the live artifact for an item, or nil.
func (s *Store) GetArtifact(ctx context.Context, itemID string) (*models.FinalArtifact, error) {
	a := &models.FinalArtifact{}
	var md string
	err := s.db.QueryRowContext(ctx,
		`SELECT item_id, title, metadata, content, word_count, link_count, produced_at
		 FROM artifacts WHERE item_id = ? AND expires_at > ?`,
		itemID, s.nowMilli(),
	).Scan(&a.ItemID, &a.Title, &md, &a.Content, &a.WordCount, &a.LinkCount, &a.ProducedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("query artifact", err)
	}
	if err := json.Unmarshal([]byte(md), &a.Metadata); err != nil {
		return nil, storeErr("decode artifact metadata", err)
	}
	return a, nil
}

// --- Reference Validations ---

// SetReferenceValidation stores the validation summary (last write wins).
func (s *Store) SetReferenceValidation(ctx context.Context, v *models.ReferenceValidation) error {
	body, err := json.Marshal(v)
	if err != nil {
		return storeErr("encode validation", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reference_validations (item_id, body, checked_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET body = excluded.body, checked_at = excluded.checked_at, expires_at = excluded.expires_at`,
		v.ItemID, string(body), v.CheckedAt.UTC(), s.expiry(),
	)
	if err != nil {
		return storeErr("upsert validation", err)
	}
	return nil
}

// GetReferenceValidation returns the stored validation summary, or nil.
func (s *Store) GetReferenceValidation(ctx context.Context, itemID string) (*models.ReferenceValidation, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM reference_validations WHERE item_id = ? AND expires_at > ?`,
		itemID, s.nowMilli(),
	).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("query validation", err)
	}
	v := &models.ReferenceValidation{}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return nil, storeErr("decode validation", err)
	}
	return v, nil
}

// --- Status ---

// SetStatus writes the status record for an item. A live completed record is
// only replaced by another completed one.
func (s *Store) SetStatus(ctx context.Context, itemID string, status models.ItemStatus, metadata map[string]interface{}) error {
	return s.setStatus(ctx, s.db, itemID, status, metadata)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) setStatus(ctx context.Context, ex execer, itemID string, status models.ItemStatus, metadata map[string]interface{}) error {
	md, err := json.Marshal(metadata)
	if err != nil {
		return storeErr("encode status metadata", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO item_status (item_id, status, metadata, updated_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET
			status = excluded.status,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
		 WHERE item_status.status != ? OR excluded.status = ? OR item_status.expires_at <= ?`,
		itemID, status, string(md), s.now().UTC(), s.expiry(),
		models.ItemStatusCompleted, models.ItemStatusCompleted, s.nowMilli(),
	)
	if err != nil {
		return storeErr("upsert status", err)
	}
	return nil
}

// GetStatus returns the status record for an item, or nil.
func (s *Store) GetStatus(ctx context.Context, itemID string) (*models.StatusRecord, error) {
	rec := &models.StatusRecord{}
	var md sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT item_id, status, metadata, updated_at FROM item_status WHERE item_id = ? AND expires_at > ?`,
		itemID, s.nowMilli(),
	).Scan(&rec.ItemID, &rec.Status, &md, &rec.Timestamp)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("query status", err)
	}
	if md.Valid && md.String != "" && md.String != "null" {
		if err := json.Unmarshal([]byte(md.String), &rec.Metadata); err != nil {
			return nil, storeErr("decode status metadata", err)
		}
	}
	return rec, nil
}

// --- Item Sets ---

func (s *Store) addToSet(ctx context.Context, ex execer, set, itemID string) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO item_sets (set_name, item_id, added_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(set_name, item_id) DO UPDATE SET expires_at = excluded.expires_at`,
		set, itemID, s.now().UTC(), s.expiry(),
	)
	if err != nil {
		return storeErr("add to "+set, err)
	}
	return nil
}

func (s *Store) removeFromSet(ctx context.Context, ex execer, set, itemID string) error {
	_, err := ex.ExecContext(ctx, `DELETE FROM item_sets WHERE set_name = ? AND item_id = ?`, set, itemID)
	if err != nil {
		return storeErr("remove from "+set, err)
	}
	return nil
}

func (s *Store) listSet(ctx context.Context, set string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id FROM item_sets WHERE set_name = ? AND expires_at > ? ORDER BY item_id`,
		set, s.nowMilli(),
	)
	if err != nil {
		return nil, storeErr("list "+set, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan "+set, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate "+set, err)
	}
	return ids, nil
}

// EnqueueItem adds the item to the queued set.
func (s *Store) EnqueueItem(ctx context.Context, itemID string) error {
	return s.addToSet(ctx, s.db, SetQueued, itemID)
}

// DequeueItem removes the item from the queued set.
func (s *Store) DequeueItem(ctx context.Context, itemID string) error {
	return s.removeFromSet(ctx, s.db, SetQueued, itemID)
}

// ListQueued returns the queued item ids.
func (s *Store) ListQueued(ctx context.Context) ([]string, error) {
	return s.listSet(ctx, SetQueued)
}

// ListCompleted returns the completed item ids.
func (s *Store) ListCompleted(ctx context.Context) ([]string, error) {
	return s.listSet(ctx, SetCompleted)
}

// MarkCompleted moves the item into the completed set in one transaction.
func (s *Store) MarkCompleted(ctx context.Context, itemID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	if err := s.addToSet(ctx, tx, SetCompleted, itemID); err != nil {
		return err
	}
	if err := s.removeFromSet(ctx, tx, SetQueued, itemID); err != nil {
		return err
	}
	md := map[string]interface{}{"completed_at": s.now().UTC().Format(time.RFC3339)}
	if err := s.setStatus(ctx, tx, itemID, models.ItemStatusCompleted, md); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit transaction", err)
	}
	return nil
}

// ClearItem removes every record kept for the item.
func (s *Store) ClearItem(ctx context.Context, itemID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmts := []struct {
		query string
		arg   string
	}{
		{`DELETE FROM subtask_results WHERE item_id = ?`, itemID},
		{`DELETE FROM artifacts WHERE item_id = ?`, itemID},
		{`DELETE FROM reference_validations WHERE item_id = ?`, itemID},
		{`DELETE FROM item_status WHERE item_id = ?`, itemID},
		{`DELETE FROM item_sets WHERE item_id = ?`, itemID},
		{`DELETE FROM locks WHERE resource_id = ?`, claimResource(itemID)},
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt.query, stmt.arg); err != nil {
			return storeErr("clear item", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit transaction", err)
	}
	return nil
}

// --- Claims ---

func claimResource(itemID string) string {
	return "aggregate:" + itemID
}

// ClaimItem acquires an expiring claim on the item. It first cleans up an
// expired claim, then attempts to insert a new one.
func (s *Store) ClaimItem(ctx context.Context, itemID, holderID string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	resource := claimResource(itemID)
	now := s.now()

	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE resource_id = ? AND expires_at <= ?`, resource, now.UnixMilli()); err != nil {
		return false, storeErr("clean expired claims", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO locks (id, resource_id, holder_id, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), resource, holderID, now.UTC(), now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "unique constraint") {
			return false, nil
		}
		return false, storeErr("insert claim", err)
	}

	if err := tx.Commit(); err != nil {
		return false, storeErr("commit transaction", err)
	}
	return true, nil
}

// ReleaseClaim drops the claim if holderID owns it.
func (s *Store) ReleaseClaim(ctx context.Context, itemID, holderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE resource_id = ? AND holder_id = ?`,
		claimResource(itemID), holderID,
	)
	if err != nil {
		return storeErr("release claim", err)
	}
	return nil
}

// --- Worker Heartbeats ---

// SetWorkerStatus records a worker heartbeat that expires after WorkerStatusTTL.
func (s *Store) SetWorkerStatus(ctx context.Context, ws *models.WorkerStatus) error {
	body, err := json.Marshal(ws)
	if err != nil {
		return storeErr("encode worker status", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO worker_status (worker_id, body, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(worker_id) DO UPDATE SET body = excluded.body, expires_at = excluded.expires_at`,
		ws.WorkerID, string(body), s.now().Add(WorkerStatusTTL).UnixMilli(),
	)
	if err != nil {
		return storeErr("upsert worker status", err)
	}
	return nil
}

// ListWorkerStatuses returns live worker heartbeats ordered by worker id.
func (s *Store) ListWorkerStatuses(ctx context.Context) ([]models.WorkerStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM worker_status WHERE expires_at > ? ORDER BY worker_id`,
		s.nowMilli(),
	)
	if err != nil {
		return nil, storeErr("query worker status", err)
	}
	defer rows.Close()

	var out []models.WorkerStatus
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, storeErr("scan worker status", err)
		}
		var ws models.WorkerStatus
		if err := json.Unmarshal([]byte(body), &ws); err != nil {
			return nil, storeErr("decode worker status", err)
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate worker status", err)
	}
	return out, nil
}

// ProcessingStats summarises the queued and completed sets.
func (s *Store) ProcessingStats(ctx context.Context) (models.ProcessingStats, error) {
	queued, err := s.ListQueued(ctx)
	if err != nil {
		return models.ProcessingStats{}, err
	}
	completed, err := s.ListCompleted(ctx)
	if err != nil {
		return models.ProcessingStats{}, err
	}
	return models.NewProcessingStats(len(queued), len(completed)), nil
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(ctx context.Context, action, inputsHash, outcome, itemID, details string) (*models.PDREntry, error) {
	now := s.now().UTC()
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		ItemID:     itemID,
		Details:    details,
		Timestamp:  now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pdr (id, action, inputs_hash, outcome, item_id, details, timestamp, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.ItemID, pdr.Details, pdr.Timestamp, s.expiry(),
	)
	if err != nil {
		return nil, storeErr("insert pdr", err)
	}
	return pdr, nil
}

// ListPDR returns the newest records, optionally filtered by item.
func (s *Store) ListPDR(ctx context.Context, itemID string, limit int) ([]models.PDREntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, action, inputs_hash, outcome, item_id, details, timestamp FROM pdr WHERE expires_at > ?`
	args := []interface{}{s.nowMilli()}
	if itemID != "" {
		query += ` AND item_id = ?`
		args = append(args, itemID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query pdr", err)
	}
	defer rows.Close()

	var out []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var item, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &item, &details, &e.Timestamp); err != nil {
			return nil, storeErr("scan pdr", err)
		}
		e.ItemID = item.String
		e.Details = details.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate pdr", err)
	}
	return out, nil
}

// PurgeExpired deletes rows whose TTL has passed, and queue messages left
// unleased for longer than the TTL.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.nowMilli()
	tables := []string{"subtask_results", "artifacts", "item_status", "item_sets", "reference_validations", "worker_status", "locks", "pdr"}

	var total int64
	for _, table := range tables {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at <= ?`, now)
		if err != nil {
			return total, storeErr("purge "+table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	// Messages nobody leased within a TTL refer to state that is gone
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE visible_at <= ?`, s.now().Add(-s.ttl).UnixMilli())
	if err != nil {
		return total, storeErr("purge messages", err)
	}
	n, _ := res.RowsAffected()
	return total + n, nil
}
