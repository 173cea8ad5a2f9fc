package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/babel/internal/model"
)

// EnqueueOutboxMessage appends a message at the next index of the queue,
// creating the queue's cursor on first use. Two concurrent enqueues on the
// same queue collide on the (outbox_ref, idx) key and one fails with
// ErrDuplicate, rolling back its transaction.
func (s *SQLStore) EnqueueOutboxMessage(ctx context.Context, outboxRef, kind string, content []byte) (uint64, error) {
	if _, err := s.exec(ctx,
		`INSERT INTO outboxes (id, revision, current_index) VALUES (?, 0, 0) ON CONFLICT (id) DO NOTHING`,
		outboxRef,
	); err != nil {
		return 0, fmt.Errorf("ensure outbox: %w", err)
	}

	var last int64
	if err := s.queryRow(ctx,
		`SELECT COALESCE(MAX(idx), 0) FROM outbox_messages WHERE outbox_ref = ?`, outboxRef,
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("read last outbox index: %w", err)
	}

	index := uint64(last) + 1
	_, err := s.exec(ctx,
		`INSERT INTO outbox_messages (outbox_ref, idx, kind, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		outboxRef, int64(index), kind, content, time.Now().UTC(),
	)
	if s.dialect.isDuplicate(err) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, fmt.Errorf("insert outbox message: %w", err)
	}
	return index, nil
}

// GetOutbox retrieves the cursor of a queue.
func (s *SQLStore) GetOutbox(ctx context.Context, id string) (*model.Outbox, error) {
	o := &model.Outbox{}
	var current int64
	err := s.queryRow(ctx,
		`SELECT id, revision, current_index FROM outboxes WHERE id = ?`, id,
	).Scan(&o.ID, &o.Revision, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox: %w", err)
	}
	o.CurrentIndex = uint64(current)
	return o, nil
}

// ListPendingOutboxes returns the cursors of every queue holding undelivered
// messages, ordered by queue id.
func (s *SQLStore) ListPendingOutboxes(ctx context.Context) ([]*model.Outbox, error) {
	rows, err := s.query(ctx,
		`SELECT o.id, o.revision, o.current_index FROM outboxes o
		WHERE EXISTS (
			SELECT 1 FROM outbox_messages m
			WHERE m.outbox_ref = o.id AND m.idx > o.current_index
		)
		ORDER BY o.id`)
	if err != nil {
		return nil, fmt.Errorf("list pending outboxes: %w", err)
	}
	defer rows.Close()

	var outboxes []*model.Outbox
	for rows.Next() {
		o := &model.Outbox{}
		var current int64
		if err := rows.Scan(&o.ID, &o.Revision, &current); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		o.CurrentIndex = uint64(current)
		outboxes = append(outboxes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outboxes: %w", err)
	}
	return outboxes, nil
}

// ListOutboxMessages returns messages after afterIndex in ascending index order.
func (s *SQLStore) ListOutboxMessages(ctx context.Context, outboxRef string, afterIndex uint64, limit int) ([]*model.OutboxMessage, error) {
	rows, err := s.query(ctx,
		`SELECT outbox_ref, idx, kind, content, created_at FROM outbox_messages
		WHERE outbox_ref = ? AND idx > ?
		ORDER BY idx ASC LIMIT ?`,
		outboxRef, int64(afterIndex), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbox messages: %w", err)
	}
	defer rows.Close()

	var msgs []*model.OutboxMessage
	for rows.Next() {
		m := &model.OutboxMessage{}
		var index int64
		if err := rows.Scan(&m.OutboxRef, &index, &m.Kind, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		m.Index = uint64(index)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}
	return msgs, nil
}

// AdvanceOutbox moves the queue cursor forward to index. The update only
// applies if nobody advanced the cursor since o was read.
func (s *SQLStore) AdvanceOutbox(ctx context.Context, o *model.Outbox, index uint64) error {
	result, err := s.exec(ctx,
		`UPDATE outboxes SET current_index = ?, revision = revision + 1
		WHERE id = ? AND revision = ? AND current_index < ?`,
		int64(index), o.ID, o.Revision, int64(index),
	)
	if err != nil {
		return fmt.Errorf("advance outbox: %w", err)
	}
	if err := expectOne(result, errNoRows); err != nil {
		if errors.Is(err, errNoRows) {
			return s.casMiss(ctx, "outboxes", o.ID)
		}
		return err
	}
	o.Revision++
	o.CurrentIndex = index
	return nil
}

// OutboxBacklog reports undelivered message counts per queue.
func (s *SQLStore) OutboxBacklog(ctx context.Context) ([]model.QueueBacklog, error) {
	rows, err := s.query(ctx,
		`SELECT o.id, o.current_index, COUNT(m.idx) FROM outboxes o
		JOIN outbox_messages m ON m.outbox_ref = o.id AND m.idx > o.current_index
		GROUP BY o.id, o.current_index
		ORDER BY o.id`)
	if err != nil {
		return nil, fmt.Errorf("outbox backlog: %w", err)
	}
	defer rows.Close()

	var backlog []model.QueueBacklog
	for rows.Next() {
		var b model.QueueBacklog
		var current int64
		if err := rows.Scan(&b.OutboxRef, &current, &b.Pending); err != nil {
			return nil, fmt.Errorf("scan backlog: %w", err)
		}
		b.CurrentIndex = uint64(current)
		backlog = append(backlog, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backlog: %w", err)
	}
	return backlog, nil
}
