// Package webhook notifies clients of build events over HTTP.
//
// SendEvent records one durable delivery per subscribed hook; the Runner
// posts due deliveries with an HMAC signature and retries failures with
// exponential back-off. Webhook failures are logged and never reach the
// build pipeline.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/seantiz/babel/internal/model"
	"github.com/seantiz/babel/internal/store"
)

// ErrInvalidWebhook is returned by Subscribe for a malformed subscription.
var ErrInvalidWebhook = errors.New("invalid webhook")

var knownEvents = []string{model.EventBuildStarted, model.EventBuildFinished}

// envelope is the JSON body of every delivery.
type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// EventBody returns the delivery body of an event.
func EventBody(event string, payload any) ([]byte, error) {
	body, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event, err)
	}
	return body, nil
}

// Service manages subscriptions and records deliveries.
type Service struct {
	store  store.WebhookStore
	logger *slog.Logger
	notify func()
	now    func() time.Time
}

// NewService creates a webhook service. notify, if not nil, is called after
// new deliveries are recorded; it is normally Runner.Notify.
func NewService(s store.WebhookStore, logger *slog.Logger, notify func()) *Service {
	if notify == nil {
		notify = func() {}
	}
	return &Service{store: s, logger: logger, notify: notify, now: time.Now}
}

// Subscribe registers url to receive the given events of owner, signed with
// secret.
func (s *Service) Subscribe(ctx context.Context, owner, hookURL, secret string, events []string) (*model.Webhook, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidWebhook)
	}
	if secret == "" {
		return nil, fmt.Errorf("%w: secret is required", ErrInvalidWebhook)
	}
	u, err := url.Parse(hookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidWebhook)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: at least one event is required", ErrInvalidWebhook)
	}
	for _, e := range events {
		if !slices.Contains(knownEvents, e) {
			return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidWebhook, e)
		}
	}
	events = slices.Clone(events)
	slices.Sort(events)

	h := &model.Webhook{
		ID:        model.NewID(),
		Owner:     owner,
		URL:       hookURL,
		Secret:    secret,
		Events:    slices.Compact(events),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateWebhook(ctx, h); err != nil {
		return nil, err
	}
	s.logger.Info("webhook subscribed", "webhook_id", h.ID, "owner", owner, "events", h.Events)
	return h, nil
}

// SendEvent records a delivery of the event to every hook of owner
// subscribed to it and wakes the runner. Owners without such hooks cost one
// query.
func (s *Service) SendEvent(ctx context.Context, event, owner string, payload any) error {
	n, err := s.record(ctx, s.store, event, owner, payload)
	if err != nil {
		return err
	}
	if n > 0 {
		s.notify()
	}
	return nil
}

// RecordEvent is SendEvent without the wake-up, writing through tx so the
// deliveries commit with the change that caused the event. Call Notify once
// the transaction has committed.
func (s *Service) RecordEvent(ctx context.Context, tx store.WebhookStore, event, owner string, payload any) error {
	_, err := s.record(ctx, tx, event, owner, payload)
	return err
}

func (s *Service) record(ctx context.Context, tx store.WebhookStore, event, owner string, payload any) (int, error) {
	hooks, err := tx.ListWebhooks(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("list webhooks of %s: %w", owner, err)
	}
	hooks = slices.DeleteFunc(hooks, func(h *model.Webhook) bool { return !h.Subscribes(event) })
	if len(hooks) == 0 {
		return 0, nil
	}

	body, err := EventBody(event, payload)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	for _, h := range hooks {
		d := &model.WebhookDelivery{
			ID:            model.NewHolderID(),
			HookID:        h.ID,
			Event:         event,
			Body:          body,
			Status:        model.DeliveryPending,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
		if err := tx.CreateWebhookDelivery(ctx, d); err != nil {
			return 0, fmt.Errorf("record %s delivery to %s: %w", event, h.ID, err)
		}
		s.logger.Debug("webhook delivery recorded", "delivery_id", d.ID, "webhook_id", h.ID, "event", event)
	}
	return len(hooks), nil
}

// Notify wakes the delivery runner.
func (s *Service) Notify() {
	s.notify()
}
