// Package queue provides named task channels with lease/ack delivery.
//
// A received message is hidden for the visibility timeout. Ack deletes it;
// Release or an expired lease makes it visible again with its delivery count
// incremented, so a crashed consumer does not lose work.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
)

const (
	// DefaultVisibilityTimeout hides a received message until it is acked or released.
	DefaultVisibilityTimeout = 5 * time.Minute
	// receivePollInterval is the sleep between empty lease attempts.
	receivePollInterval = 100 * time.Millisecond
)

var (
	// ErrQueue wraps publish and consume transport failures.
	ErrQueue = errors.New("queue error")
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
	// ErrUnknownChannel is returned when publishing to a channel that was never created.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrLeaseLost means the lease expired and the message was handed to another consumer.
	ErrLeaseLost = errors.New("lease expired before ack")
)

func queueErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrQueue, err)
}

// Delivery is a leased message. Ack or Release it with the same value.
type Delivery struct {
	Channel    string
	Message    *models.TaskMessage
	Receipt    string
	Deliveries int
}

// Depth reports how many messages a channel holds.
type Depth struct {
	Visible  int `json:"visible"`
	InFlight int `json:"in_flight"`
}

// Queue is the task transport shared by the coordinator and the workers.
type Queue interface {
	// CreateChannel registers a channel. Calling it again is a no-op.
	CreateChannel(ctx context.Context, name string) error
	// Publish appends msg to channel, filling its id, channel and timestamp if unset.
	Publish(ctx context.Context, channel string, msg *models.TaskMessage) error
	// Receive leases the next message from any of the channels, waiting up to
	// wait. It returns nil when nothing arrived in time.
	Receive(ctx context.Context, channels []string, wait time.Duration) (*Delivery, error)
	// Ack removes a delivered message for good.
	Ack(ctx context.Context, d *Delivery) error
	// Release makes a delivered message visible again after delay.
	Release(ctx context.Context, d *Delivery, delay time.Duration) error
	// Purge drops every message on a channel.
	Purge(ctx context.Context, channel string) (int64, error)
	Depth(ctx context.Context, channel string) (Depth, error)
	Close() error
}

// prepare stamps the envelope fields and encodes the message.
func prepare(channel string, msg *models.TaskMessage) ([]byte, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	msg.Channel = channel
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	if msg.Key == "" {
		msg.Key = msg.ItemID
	}
	if err := msg.Validate(); err != nil {
		return nil, queueErr("validate message", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, queueErr("encode message", err)
	}
	return body, nil
}

func decode(body []byte) (*models.TaskMessage, error) {
	var msg models.TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, queueErr("decode message", err)
	}
	return &msg, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pollUntil calls try until it returns a delivery, an error, or wait elapses.
func pollUntil(ctx context.Context, wait time.Duration, try func() (*Delivery, error)) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		d, err := try()
		if err != nil || d != nil {
			return d, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if remaining > receivePollInterval {
			remaining = receivePollInterval
		}
		if err := sleep(ctx, remaining); err != nil {
			return nil, nil
		}
	}
}
