package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
)

const (
	channelsKey  = "queue:channels"
	reapInterval = time.Second
)

func readyKey(channel string) string      { return "queue:" + channel }
func processingKey(channel string) string { return "queue:" + channel + ":processing" }
func leasesKey(channel string) string     { return "queue:" + channel + ":leases" }
func delayedKey(channel string) string    { return "queue:" + channel + ":delayed" }

// leaseScript moves the oldest ready message into the processing list and
// records its lease deadline in one step.
var leaseScript = redis.NewScript(`
local v = redis.call("RPOPLPUSH", KEYS[1], KEYS[2])
if v then
	redis.call("ZADD", KEYS[3], ARGV[1], v)
end
return v
`)

// RedisQueue is a reliable-list queue: ready list, processing list, a lease
// sorted set scored by deadline and a delayed set for released messages.
type RedisQueue struct {
	rdb        *redis.Client
	visibility time.Duration
	ownsClient bool

	mu       sync.Mutex
	closed   bool
	lastReap time.Time
	next     int
}

var _ Queue = (*RedisQueue)(nil)

// NewRedis connects to url and owns the client.
func NewRedis(ctx context.Context, url string, visibility time.Duration) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, queueErr("parse redis url", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, queueErr("connect redis", err)
	}
	q := NewRedisWithClient(rdb, visibility)
	q.ownsClient = true
	return q, nil
}

// NewRedisWithClient shares an existing client. Close leaves it open.
func NewRedisWithClient(rdb *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &RedisQueue{rdb: rdb, visibility: visibility}
}

func (q *RedisQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// CreateChannel adds the channel to the registry set.
func (q *RedisQueue) CreateChannel(ctx context.Context, name string) error {
	if q.isClosed() {
		return queueErr("create channel", ErrClosed)
	}
	if err := q.rdb.SAdd(ctx, channelsKey, name).Err(); err != nil {
		return queueErr("create channel", err)
	}
	return nil
}

// Publish pushes the message onto the head of the ready list.
func (q *RedisQueue) Publish(ctx context.Context, channel string, msg *models.TaskMessage) error {
	if q.isClosed() {
		return queueErr("publish", ErrClosed)
	}
	ok, err := q.rdb.SIsMember(ctx, channelsKey, channel).Result()
	if err != nil {
		return queueErr("publish", err)
	}
	if !ok {
		return queueErr("publish "+channel, ErrUnknownChannel)
	}
	body, err := prepare(channel, msg)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, readyKey(channel), body).Err(); err != nil {
		return queueErr("publish", err)
	}
	return nil
}

// Receive leases from the channels in rotation until one yields a message.
func (q *RedisQueue) Receive(ctx context.Context, channels []string, wait time.Duration) (*Delivery, error) {
	if q.isClosed() {
		return nil, queueErr("receive", ErrClosed)
	}
	if len(channels) == 0 {
		return nil, nil
	}
	return pollUntil(ctx, wait, func() (*Delivery, error) {
		if err := q.maybeReap(ctx, channels); err != nil {
			return nil, err
		}
		q.mu.Lock()
		start := q.next
		q.next++
		q.mu.Unlock()

		for i := range channels {
			ch := channels[(start+i)%len(channels)]
			d, err := q.leaseFrom(ctx, ch)
			if err != nil || d != nil {
				return d, err
			}
		}
		return nil, nil
	})
}

func (q *RedisQueue) leaseFrom(ctx context.Context, channel string) (*Delivery, error) {
	deadline := time.Now().Add(q.visibility).UnixMilli()
	raw, err := leaseScript.Run(ctx, q.rdb,
		[]string{readyKey(channel), processingKey(channel), leasesKey(channel)},
		deadline,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, queueErr("receive", err)
	}
	msg, err := decode([]byte(raw))
	if err != nil {
		if _, dropErr := q.drop(ctx, channel, raw); dropErr != nil {
			return nil, errors.Join(err, queueErr("discard undecodable message", dropErr))
		}
		return nil, err
	}
	return &Delivery{Channel: channel, Message: msg, Receipt: raw, Deliveries: msg.Attempt + 1}, nil
}

// drop removes a leased entry from the processing list and lease set.
func (q *RedisQueue) drop(ctx context.Context, channel, receipt string) (bool, error) {
	n, err := q.rdb.ZRem(ctx, leasesKey(channel), receipt).Result()
	if err != nil {
		return false, err
	}
	if err := q.rdb.LRem(ctx, processingKey(channel), 1, receipt).Err(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ack removes the leased message.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	held, err := q.drop(ctx, d.Channel, d.Receipt)
	if err != nil {
		return queueErr("ack", err)
	}
	if !held {
		return ErrLeaseLost
	}
	return nil
}

// bump re-encodes a message body with its attempt counter incremented.
func bump(raw string) (string, error) {
	var msg models.TaskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return "", err
	}
	msg.Attempt++
	body, err := json.Marshal(&msg)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// requeue puts a bumped body back on the ready list, or on the delayed set
// when delay is positive.
func (q *RedisQueue) requeue(ctx context.Context, channel, raw string, delay time.Duration) error {
	body, err := bump(raw)
	if err != nil {
		return err
	}
	if delay > 0 {
		at := float64(time.Now().Add(delay).UnixMilli())
		return q.rdb.ZAdd(ctx, delayedKey(channel), &redis.Z{Score: at, Member: body}).Err()
	}
	return q.rdb.LPush(ctx, readyKey(channel), body).Err()
}

// Release returns the message to the channel after delay.
func (q *RedisQueue) Release(ctx context.Context, d *Delivery, delay time.Duration) error {
	held, err := q.drop(ctx, d.Channel, d.Receipt)
	if err != nil {
		return queueErr("release", err)
	}
	if !held {
		return ErrLeaseLost
	}
	if err := q.requeue(ctx, d.Channel, d.Receipt, delay); err != nil {
		return queueErr("release", err)
	}
	return nil
}

func (q *RedisQueue) maybeReap(ctx context.Context, channels []string) error {
	q.mu.Lock()
	due := time.Since(q.lastReap) >= reapInterval
	if due {
		q.lastReap = time.Now()
	}
	q.mu.Unlock()
	if !due {
		return nil
	}
	for _, ch := range channels {
		if _, err := q.Reap(ctx, ch); err != nil {
			return err
		}
	}
	return nil
}

// Reap re-queues messages whose lease expired and delayed messages that are
// due. ZREM decides the single winner when several consumers reap at once.
func (q *RedisQueue) Reap(ctx context.Context, channel string) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	moved := 0

	expired, err := q.rdb.ZRangeByScore(ctx, leasesKey(channel), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, queueErr("reap leases", err)
	}
	for _, raw := range expired {
		held, err := q.drop(ctx, channel, raw)
		if err != nil {
			return moved, queueErr("reap leases", err)
		}
		if !held {
			continue
		}
		if err := q.requeue(ctx, channel, raw, 0); err != nil {
			return moved, queueErr("reap leases", err)
		}
		moved++
	}

	ready, err := q.rdb.ZRangeByScore(ctx, delayedKey(channel), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return moved, queueErr("reap delayed", err)
	}
	for _, raw := range ready {
		n, err := q.rdb.ZRem(ctx, delayedKey(channel), raw).Result()
		if err != nil {
			return moved, queueErr("reap delayed", err)
		}
		if n == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, readyKey(channel), raw).Err(); err != nil {
			return moved, queueErr("reap delayed", err)
		}
		moved++
	}
	return moved, nil
}

// Purge deletes the channel's lists and sets.
func (q *RedisQueue) Purge(ctx context.Context, channel string) (int64, error) {
	n, err := q.rdb.LLen(ctx, readyKey(channel)).Result()
	if err != nil {
		return 0, queueErr("purge", err)
	}
	if err := q.rdb.Del(ctx, readyKey(channel), processingKey(channel), leasesKey(channel), delayedKey(channel)).Err(); err != nil {
		return 0, queueErr("purge", err)
	}
	return n, nil
}

// Depth reports ready messages as visible and leased plus delayed ones as in flight.
func (q *RedisQueue) Depth(ctx context.Context, channel string) (Depth, error) {
	visible, err := q.rdb.LLen(ctx, readyKey(channel)).Result()
	if err != nil {
		return Depth{}, queueErr("depth", err)
	}
	leased, err := q.rdb.ZCard(ctx, leasesKey(channel)).Result()
	if err != nil {
		return Depth{}, queueErr("depth", err)
	}
	delayed, err := q.rdb.ZCard(ctx, delayedKey(channel)).Result()
	if err != nil {
		return Depth{}, queueErr("depth", err)
	}
	return Depth{Visible: int(visible), InFlight: int(leased + delayed)}, nil
}

// Close marks the queue closed and closes the client if it owns it.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	if q.ownsClient {
		return q.rdb.Close()
	}
	return nil
}
