package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
)

const (
	pdrLogKey    = "pdr:log"
	pdrLogMaxLen = 5000
)

// releaseClaimScript deletes the claim only when the caller still holds it.
var releaseClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// setStatusScript writes a status record unless a completed one would be
// replaced by anything else.
var setStatusScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur and ARGV[3] ~= "completed" and cjson.decode(cur).status == "completed" then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

func subTaskKey(itemID string, subTaskID int) string {
	return fmt.Sprintf("bill:%s:q%d", itemID, subTaskID)
}

func artifactKey(itemID string) string   { return "bill:" + itemID + ":article" }
func statusKey(itemID string) string     { return "bill:" + itemID + ":status" }
func validationKey(itemID string) string { return "bill:" + itemID + ":link_check" }
func claimKey(itemID string) string      { return "bill:" + itemID + ":claim" }
func workerKey(workerID string) string   { return "worker:" + workerID + ":status" }

// RedisStore is the Redis-backed state store.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ StateStore = (*RedisStore)(nil)

// NewRedis connects to the Redis URL (redis://host:port/db) and verifies the connection.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, storeErr("parse redis url", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, storeErr("connect redis", err)
	}
	return NewRedisWithClient(rdb, ttl), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// Client exposes the underlying client so the queue can share the connection pool.
func (s *RedisStore) Client() *redis.Client {
	return s.rdb
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Ping checks the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (s *RedisStore) setJSON(ctx context.Context, op, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return storeErr("encode "+op, err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return storeErr("set "+op, err)
	}
	return nil
}

// getJSON decodes key into v. It reports false when the key is absent.
func (s *RedisStore) getJSON(ctx context.Context, op, key string, v interface{}) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("get "+op, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, storeErr("decode "+op, err)
	}
	return true, nil
}

// SetSubTaskResult stores the result under bill:{id}:q{n}, replacing any previous one.
func (s *RedisStore) SetSubTaskResult(ctx context.Context, r *models.SubTaskResult) error {
	if !models.ValidSubTaskID(r.SubTaskID) {
		return fmt.Errorf("%w: %d", models.ErrInvalidSubTask, r.SubTaskID)
	}
	return s.setJSON(ctx, "subtask result", subTaskKey(r.ItemID, r.SubTaskID), r, s.ttl)
}

// GetSubTaskResult returns the stored result or nil.
func (s *RedisStore) GetSubTaskResult(ctx context.Context, itemID string, subTaskID int) (*models.SubTaskResult, error) {
	var r models.SubTaskResult
	ok, err := s.getJSON(ctx, "subtask result", subTaskKey(itemID, subTaskID), &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// GetAllSubTaskResults fetches all seven keys in one MGET.
func (s *RedisStore) GetAllSubTaskResults(ctx context.Context, itemID string) (map[int]*models.SubTaskResult, error) {
	ids := models.SubTaskIDs()
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = subTaskKey(itemID, id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeErr("mget subtask results", err)
	}

	results := make(map[int]*models.SubTaskResult)
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var r models.SubTaskResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, storeErr("decode subtask result", err)
		}
		results[ids[i]] = &r
	}
	return results, nil
}

// AllSubTasksPresent counts the existing sub-task keys.
func (s *RedisStore) AllSubTasksPresent(ctx context.Context, itemID string) (bool, error) {
	keys := make([]string, 0, models.SubTaskCount)
	for _, id := range models.SubTaskIDs() {
		keys = append(keys, subTaskKey(itemID, id))
	}
	n, err := s.rdb.Exists(ctx, keys...).Result()
	if err != nil {
		return false, storeErr("exists subtask results", err)
	}
	return n == int64(models.SubTaskCount), nil
}

// SetArtifact stores the artifact with SET NX so only the first writer wins.
func (s *RedisStore) SetArtifact(ctx context.Context, a *models.FinalArtifact) (bool, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return false, storeErr("encode artifact", err)
	}
	created, err := s.rdb.SetNX(ctx, artifactKey(a.ItemID), data, s.ttl).Result()
	if err != nil {
		return false, storeErr("set artifact", err)
	}
	return created, nil
}

// GetArtifact returns the artifact or nil.
func (s *RedisStore) GetArtifact(ctx context.Context, itemID string) (*models.FinalArtifact, error) {
	var a models.FinalArtifact
	ok, err := s.getJSON(ctx, "artifact", artifactKey(itemID), &a)
	if err != nil || !ok {
		return nil, err
	}
	return &a, nil
}

// SetReferenceValidation stores the validation summary (last write wins).
func (s *RedisStore) SetReferenceValidation(ctx context.Context, v *models.ReferenceValidation) error {
	return s.setJSON(ctx, "validation", validationKey(v.ItemID), v, s.ttl)
}

// GetReferenceValidation returns the validation summary or nil.
func (s *RedisStore) GetReferenceValidation(ctx context.Context, itemID string) (*models.ReferenceValidation, error) {
	var v models.ReferenceValidation
	ok, err := s.getJSON(ctx, "validation", validationKey(itemID), &v)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

func (s *RedisStore) statusRecord(itemID string, status models.ItemStatus, metadata map[string]interface{}) *models.StatusRecord {
	return &models.StatusRecord{ItemID: itemID, Status: status, Timestamp: time.Now().UTC(), Metadata: metadata}
}

// SetStatus writes the status record for an item. A completed record is only
// replaced by another completed one.
func (s *RedisStore) SetStatus(ctx context.Context, itemID string, status models.ItemStatus, metadata map[string]interface{}) error {
	data, err := json.Marshal(s.statusRecord(itemID, status, metadata))
	if err != nil {
		return storeErr("encode status", err)
	}
	err = setStatusScript.Run(ctx, s.rdb, []string{statusKey(itemID)}, string(data), s.ttl.Milliseconds(), string(status)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return storeErr("set status", err)
	}
	return nil
}

// GetStatus returns the status record or nil.
func (s *RedisStore) GetStatus(ctx context.Context, itemID string) (*models.StatusRecord, error) {
	var rec models.StatusRecord
	ok, err := s.getJSON(ctx, "status", statusKey(itemID), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) addToSet(ctx context.Context, set, itemID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, set, itemID)
		pipe.Expire(ctx, set, s.ttl)
		return nil
	})
	if err != nil {
		return storeErr("add to "+set, err)
	}
	return nil
}

func (s *RedisStore) listSet(ctx context.Context, set string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, set).Result()
	if err != nil {
		return nil, storeErr("list "+set, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// EnqueueItem adds the item to the queued set.
func (s *RedisStore) EnqueueItem(ctx context.Context, itemID string) error {
	return s.addToSet(ctx, SetQueued, itemID)
}

// DequeueItem removes the item from the queued set.
func (s *RedisStore) DequeueItem(ctx context.Context, itemID string) error {
	if err := s.rdb.SRem(ctx, SetQueued, itemID).Err(); err != nil {
		return storeErr("remove from "+SetQueued, err)
	}
	return nil
}

// ListQueued returns the queued item ids.
func (s *RedisStore) ListQueued(ctx context.Context) ([]string, error) {
	return s.listSet(ctx, SetQueued)
}

// ListCompleted returns the completed item ids.
func (s *RedisStore) ListCompleted(ctx context.Context) ([]string, error) {
	return s.listSet(ctx, SetCompleted)
}

// MarkCompleted moves the item to the completed set inside MULTI/EXEC.
func (s *RedisStore) MarkCompleted(ctx context.Context, itemID string) error {
	rec := s.statusRecord(itemID, models.ItemStatusCompleted, map[string]interface{}{
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	})
	data, err := json.Marshal(rec)
	if err != nil {
		return storeErr("encode status", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, SetCompleted, itemID)
		pipe.Expire(ctx, SetCompleted, s.ttl)
		pipe.SRem(ctx, SetQueued, itemID)
		pipe.Set(ctx, statusKey(itemID), data, s.ttl)
		return nil
	})
	if err != nil {
		return storeErr("mark completed", err)
	}
	return nil
}

// ClearItem deletes every key kept for the item and drops its set membership.
func (s *RedisStore) ClearItem(ctx context.Context, itemID string) error {
	keys := []string{artifactKey(itemID), statusKey(itemID), validationKey(itemID), claimKey(itemID)}
	for _, id := range models.SubTaskIDs() {
		keys = append(keys, subTaskKey(itemID, id))
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, SetQueued, itemID)
		pipe.SRem(ctx, SetCompleted, itemID)
		return nil
	})
	if err != nil {
		return storeErr("clear item", err)
	}
	return nil
}

// ClaimItem takes the claim with SET NX and a TTL.
func (s *RedisStore) ClaimItem(ctx context.Context, itemID, holderID string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, claimKey(itemID), holderID, ttl).Result()
	if err != nil {
		return false, storeErr("claim item", err)
	}
	return ok, nil
}

// ReleaseClaim deletes the claim if holderID still owns it.
func (s *RedisStore) ReleaseClaim(ctx context.Context, itemID, holderID string) error {
	if err := releaseClaimScript.Run(ctx, s.rdb, []string{claimKey(itemID)}, holderID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return storeErr("release claim", err)
	}
	return nil
}

// SetWorkerStatus records a worker heartbeat that expires after WorkerStatusTTL.
func (s *RedisStore) SetWorkerStatus(ctx context.Context, ws *models.WorkerStatus) error {
	return s.setJSON(ctx, "worker status", workerKey(ws.WorkerID), ws, WorkerStatusTTL)
}

// ListWorkerStatuses scans worker:*:status keys.
func (s *RedisStore) ListWorkerStatuses(ctx context.Context) ([]models.WorkerStatus, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, "worker:*:status", 100).Result()
		if err != nil {
			return nil, storeErr("scan worker status", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)

	var out []models.WorkerStatus
	for _, key := range keys {
		var ws models.WorkerStatus
		ok, err := s.getJSON(ctx, "worker status", key, &ws)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ws)
		}
	}
	return out, nil
}

// ProcessingStats reads both set cardinalities.
func (s *RedisStore) ProcessingStats(ctx context.Context) (models.ProcessingStats, error) {
	queued, err := s.rdb.SCard(ctx, SetQueued).Result()
	if err != nil {
		return models.ProcessingStats{}, storeErr("count queued", err)
	}
	completed, err := s.rdb.SCard(ctx, SetCompleted).Result()
	if err != nil {
		return models.ProcessingStats{}, storeErr("count completed", err)
	}
	return models.NewProcessingStats(int(queued), int(completed)), nil
}

// WritePDR pushes a decision record onto a capped list.
func (s *RedisStore) WritePDR(ctx context.Context, action, inputsHash, outcome, itemID, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		ItemID:     itemID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(pdr)
	if err != nil {
		return nil, storeErr("encode pdr", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, pdrLogKey, data)
		pipe.LTrim(ctx, pdrLogKey, 0, pdrLogMaxLen-1)
		pipe.Expire(ctx, pdrLogKey, s.ttl)
		return nil
	})
	if err != nil {
		return nil, storeErr("insert pdr", err)
	}
	return pdr, nil
}

// ListPDR returns the newest records, optionally filtered by item.
func (s *RedisStore) ListPDR(ctx context.Context, itemID string, limit int) ([]models.PDREntry, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := s.rdb.LRange(ctx, pdrLogKey, 0, pdrLogMaxLen-1).Result()
	if err != nil {
		return nil, storeErr("query pdr", err)
	}
	var out []models.PDREntry
	for _, r := range raw {
		var e models.PDREntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, storeErr("decode pdr", err)
		}
		if itemID != "" && e.ItemID != itemID {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PurgeExpired is a no-op: Redis expires keys itself.
func (s *RedisStore) PurgeExpired(ctx context.Context) (int64, error) {
	return 0, nil
}
