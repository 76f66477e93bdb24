package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/store"
)

// SQLQueue keeps messages in the SQLite store's messages table.
type SQLQueue struct {
	store      *store.Store
	visibility time.Duration

	mu     sync.RWMutex
	closed bool
}

var _ Queue = (*SQLQueue)(nil)

// NewSQL creates a queue over an open store. The store is not closed by Close.
func NewSQL(s *store.Store, visibility time.Duration) *SQLQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &SQLQueue{store: s, visibility: visibility}
}

func (q *SQLQueue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// CreateChannel registers the channel name.
func (q *SQLQueue) CreateChannel(ctx context.Context, name string) error {
	if q.isClosed() {
		return queueErr("create channel", ErrClosed)
	}
	if err := q.store.CreateChannel(ctx, name); err != nil {
		return queueErr("create channel", err)
	}
	return nil
}

// Publish inserts the message as immediately visible.
func (q *SQLQueue) Publish(ctx context.Context, channel string, msg *models.TaskMessage) error {
	if q.isClosed() {
		return queueErr("publish", ErrClosed)
	}
	ok, err := q.store.ChannelExists(ctx, channel)
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
	if err := q.store.PushMessage(ctx, channel, msg.MessageID, body); err != nil {
		return queueErr("publish", err)
	}
	return nil
}

// Receive polls the messages table until a message is leased or wait elapses.
func (q *SQLQueue) Receive(ctx context.Context, channels []string, wait time.Duration) (*Delivery, error) {
	if q.isClosed() {
		return nil, queueErr("receive", ErrClosed)
	}
	return pollUntil(ctx, wait, func() (*Delivery, error) {
		m, err := q.store.LeaseMessage(ctx, channels, q.visibility)
		if err != nil {
			return nil, queueErr("receive", err)
		}
		if m == nil {
			return nil, nil
		}
		msg, err := decode(m.Body)
		if err != nil {
			// Undecodable rows would be redelivered forever
			if _, ackErr := q.store.AckMessage(ctx, m.ID, m.Receipt); ackErr != nil {
				return nil, errors.Join(err, queueErr("discard undecodable message", ackErr))
			}
			return nil, err
		}
		msg.Attempt = m.Deliveries - 1
		return &Delivery{Channel: m.Channel, Message: msg, Receipt: m.Receipt, Deliveries: m.Deliveries}, nil
	})
}

// Ack deletes the message.
func (q *SQLQueue) Ack(ctx context.Context, d *Delivery) error {
	ok, err := q.store.AckMessage(ctx, d.Message.MessageID, d.Receipt)
	if err != nil {
		return queueErr("ack", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// Release makes the message visible again after delay.
func (q *SQLQueue) Release(ctx context.Context, d *Delivery, delay time.Duration) error {
	if err := q.store.ReleaseMessage(ctx, d.Message.MessageID, d.Receipt, delay); err != nil {
		return queueErr("release", err)
	}
	return nil
}

// Purge deletes all messages on the channel.
func (q *SQLQueue) Purge(ctx context.Context, channel string) (int64, error) {
	n, err := q.store.PurgeChannel(ctx, channel)
	if err != nil {
		return 0, queueErr("purge", err)
	}
	return n, nil
}

// Depth counts visible and leased messages.
func (q *SQLQueue) Depth(ctx context.Context, channel string) (Depth, error) {
	visible, inFlight, err := q.store.ChannelDepth(ctx, channel)
	if err != nil {
		return Depth{}, queueErr("depth", err)
	}
	return Depth{Visible: visible, InFlight: inFlight}, nil
}

// Close stops accepting publishes and receives.
func (q *SQLQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
