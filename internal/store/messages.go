package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StoredMessage is a leased queue row.
type StoredMessage struct {
	ID         string
	Channel    string
	Body       []byte
	Deliveries int
	Receipt    string
	EnqueuedAt time.Time
}

// CreateChannel registers a channel name. Calling it again is a no-op.
func (s *Store) CreateChannel(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, s.now().UTC(),
	)
	if err != nil {
		return storeErr("create channel", err)
	}
	return nil
}

// ChannelExists reports whether the channel was created.
func (s *Store) ChannelExists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE name = ?`, name).Scan(&n); err != nil {
		return false, storeErr("query channel", err)
	}
	return n > 0, nil
}

// PushMessage appends a message to a channel, visible immediately.
func (s *Store) PushMessage(ctx context.Context, channel, id string, body []byte) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel, body, visible_at, enqueued_at) VALUES (?, ?, ?, ?, ?)`,
		id, channel, string(body), now.UnixMilli(), now.UTC(),
	)
	if err != nil {
		return storeErr("insert message", err)
	}
	return nil
}

// LeaseMessage takes the oldest visible message from any of the channels and
// hides it for the visibility timeout. It returns nil when nothing is visible.
func (s *Store) LeaseMessage(ctx context.Context, channels []string, visibility time.Duration) (*StoredMessage, error) {
	if len(channels) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	now := s.now()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(channels)), ",")
	args := make([]interface{}, 0, len(channels)+1)
	for _, c := range channels {
		args = append(args, c)
	}
	args = append(args, now.UnixMilli())

	m := &StoredMessage{}
	var body string
	err = tx.QueryRowContext(ctx,
		`SELECT id, channel, body, deliveries, enqueued_at FROM messages
		 WHERE channel IN (`+placeholders+`) AND visible_at <= ?
		 ORDER BY seq LIMIT 1`,
		args...,
	).Scan(&m.ID, &m.Channel, &body, &m.Deliveries, &m.EnqueuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("select message", err)
	}

	newReceipt := uuid.New().String()
	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET receipt = ?, deliveries = deliveries + 1, visible_at = ?
		 WHERE id = ? AND visible_at <= ?`,
		newReceipt, now.Add(visibility).UnixMilli(), m.ID, now.UnixMilli(),
	)
	if err != nil {
		return nil, storeErr("lease message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("check rows affected", err)
	}
	if n == 0 {
		// Leased by another consumer between select and update
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit transaction", err)
	}

	m.Body = []byte(body)
	m.Deliveries++
	m.Receipt = newReceipt
	return m, nil
}

// AckMessage deletes a leased message. A stale receipt (lease expired and
// re-leased elsewhere) leaves the message in place and reports false.
func (s *Store) AckMessage(ctx context.Context, id, receipt string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND receipt = ?`, id, receipt)
	if err != nil {
		return false, storeErr("ack message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("check rows affected", err)
	}
	return n > 0, nil
}

// ReleaseMessage makes a leased message visible again after delay.
func (s *Store) ReleaseMessage(ctx context.Context, id, receipt string, delay time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET visible_at = ?, receipt = NULL WHERE id = ? AND receipt = ?`,
		s.now().Add(delay).UnixMilli(), id, receipt,
	)
	if err != nil {
		return storeErr("release message", err)
	}
	return nil
}

// PurgeChannel deletes every message on a channel.
func (s *Store) PurgeChannel(ctx context.Context, channel string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = ?`, channel)
	if err != nil {
		return 0, storeErr("purge channel", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ChannelDepth returns the visible and in-flight message counts for a channel.
func (s *Store) ChannelDepth(ctx context.Context, channel string) (visible, inFlight int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN visible_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN visible_at > ? THEN 1 ELSE 0 END), 0)
		 FROM messages WHERE channel = ?`,
		s.nowMilli(), s.nowMilli(), channel,
	).Scan(&visible, &inFlight)
	if err != nil {
		return 0, 0, storeErr("query channel depth", err)
	}
	return visible, inFlight, nil
}
