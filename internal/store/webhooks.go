package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/babel/internal/model"
)

// CreateWebhook inserts a new webhook subscription.
func (s *SQLStore) CreateWebhook(ctx context.Context, h *model.Webhook) error {
	events, err := json.Marshal(h.Events)
	if err != nil {
		return fmt.Errorf("encode webhook events: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO webhooks (id, owner, url, secret, events, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		h.ID, h.Owner, h.URL, h.Secret, string(events), h.CreatedAt,
	)
	if s.dialect.isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func scanWebhook(row scanner) (*model.Webhook, error) {
	h := &model.Webhook{}
	var events string
	if err := row.Scan(&h.ID, &h.Owner, &h.URL, &h.Secret, &events, &h.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(events), &h.Events); err != nil {
		return nil, fmt.Errorf("decode webhook events: %w", err)
	}
	return h, nil
}

// GetWebhook retrieves a webhook by ID.
func (s *SQLStore) GetWebhook(ctx context.Context, id string) (*model.Webhook, error) {
	h, err := scanWebhook(s.queryRow(ctx,
		`SELECT id, owner, url, secret, events, created_at FROM webhooks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return h, nil
}

// ListWebhooks returns the webhooks of an owner, oldest first.
func (s *SQLStore) ListWebhooks(ctx context.Context, owner string) ([]*model.Webhook, error) {
	rows, err := s.query(ctx,
		`SELECT id, owner, url, secret, events, created_at FROM webhooks
		WHERE owner = ? ORDER BY created_at ASC, id ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []*model.Webhook
	for rows.Next() {
		h, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		hooks = append(hooks, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}
	return hooks, nil
}

// DeleteWebhook removes a webhook subscription. Pending deliveries to it are
// dropped by the delivery runner when it cannot find the hook.
func (s *SQLStore) DeleteWebhook(ctx context.Context, id string) error {
	result, err := s.exec(ctx, "DELETE FROM webhooks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return expectOne(result, ErrNotFound)
}

const deliveryColumns = `id, hook_id, event, body, status, attempts, next_attempt_ms,
	last_status, last_error, created_at`

func scanDelivery(row scanner) (*model.WebhookDelivery, error) {
	d := &model.WebhookDelivery{}
	var nextMS int64
	if err := row.Scan(
		&d.ID, &d.HookID, &d.Event, &d.Body, &d.Status, &d.Attempts, &nextMS,
		&d.LastStatus, &d.LastError, &d.CreatedAt,
	); err != nil {
		return nil, err
	}
	d.NextAttemptAt = time.UnixMilli(nextMS).UTC()
	return d, nil
}

// CreateWebhookDelivery inserts a delivery record.
func (s *SQLStore) CreateWebhookDelivery(ctx context.Context, d *model.WebhookDelivery) error {
	_, err := s.exec(ctx,
		`INSERT INTO webhook_deliveries (`+deliveryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.HookID, d.Event, d.Body, d.Status, d.Attempts, d.NextAttemptAt.UnixMilli(),
		d.LastStatus, d.LastError, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

// ListDueWebhookDeliveries returns pending deliveries whose next attempt is due.
func (s *SQLStore) ListDueWebhookDeliveries(ctx context.Context, now time.Time, limit int) ([]*model.WebhookDelivery, error) {
	rows, err := s.query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status = ? AND next_attempt_ms <= ?
		ORDER BY next_attempt_ms ASC LIMIT ?`,
		model.DeliveryPending, now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

// ListWebhookDeliveries returns every delivery made to a hook, oldest first.
func (s *SQLStore) ListWebhookDeliveries(ctx context.Context, hookID string) ([]*model.WebhookDelivery, error) {
	rows, err := s.query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE hook_id = ? ORDER BY created_at ASC, id ASC`, hookID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func collectDeliveries(rows *sql.Rows) ([]*model.WebhookDelivery, error) {
	var out []*model.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

// ClaimWebhookDelivery leases a listed delivery to the caller by moving its
// next attempt to until. It fails with ErrConcurrentModification when another
// runner claimed or updated it first.
func (s *SQLStore) ClaimWebhookDelivery(ctx context.Context, d *model.WebhookDelivery, until time.Time) error {
	result, err := s.exec(ctx,
		`UPDATE webhook_deliveries SET next_attempt_ms = ?
		WHERE id = ? AND status = ? AND next_attempt_ms = ?`,
		until.UnixMilli(), d.ID, model.DeliveryPending, d.NextAttemptAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("claim delivery: %w", err)
	}
	if err := expectOne(result, ErrConcurrentModification); err != nil {
		return err
	}
	d.NextAttemptAt = time.UnixMilli(until.UnixMilli()).UTC()
	return nil
}

// UpdateWebhookDelivery records the outcome of a delivery attempt.
func (s *SQLStore) UpdateWebhookDelivery(ctx context.Context, d *model.WebhookDelivery) error {
	result, err := s.exec(ctx,
		`UPDATE webhook_deliveries SET
			status = ?, attempts = ?, next_attempt_ms = ?, last_status = ?, last_error = ?
		WHERE id = ?`,
		d.Status, d.Attempts, d.NextAttemptAt.UnixMilli(), d.LastStatus, d.LastError, d.ID,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return expectOne(result, ErrNotFound)
}
