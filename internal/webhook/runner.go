package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/seantiz/babel/internal/model"
	"github.com/seantiz/babel/internal/store"
)

// DefaultInterval is the polling period of the Runner when none is
// configured.
const DefaultInterval = time.Second

const (
	defaultBatchSize = 20
	workers          = 4
	requestTimeout   = 10 * time.Second

	// claimLease hides a claimed delivery from other runners while it is
	// being posted.
	claimLease = time.Minute
)

// Runner posts due webhook deliveries.
type Runner struct {
	store    store.WebhookStore
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
	batch    int
	now      func() time.Time

	notify chan struct{}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithHTTPClient replaces the client used to post deliveries.
func WithHTTPClient(c *http.Client) RunnerOption {
	return func(r *Runner) { r.client = c }
}

// WithClock replaces time.Now for scheduling.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a delivery runner polling every interval.
func NewRunner(s store.WebhookStore, logger *slog.Logger, interval time.Duration, opts ...RunnerOption) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Runner{
		store:    s,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   logger,
		interval: interval,
		batch:    defaultBatchSize,
		now:      time.Now,
		notify:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Notify wakes Run for an immediate pass. It never blocks.
func (r *Runner) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run processes due deliveries on every tick and every Notify until ctx is
// cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("webhook runner started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Process(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("webhook processing failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("webhook runner stopped")
			return
		case <-ticker.C:
		case <-r.notify:
		}
	}
}

// Process claims and posts the deliveries due now. It returns how many
// deliveries it attempted.
func (r *Runner) Process(ctx context.Context) (int, error) {
	due, err := r.store.ListDueWebhookDeliveries(ctx, r.now(), r.batch)
	if err != nil {
		return 0, fmt.Errorf("list due deliveries: %w", err)
	}

	// Deliveries claimed before a failing claim are still posted; otherwise
	// they would stay hidden for the claim lease.
	var (
		claimed  []*model.WebhookDelivery
		claimErr error
	)
	for _, d := range due {
		err := r.store.ClaimWebhookDelivery(ctx, d, r.now().Add(claimLease))
		if errors.Is(err, store.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			claimErr = fmt.Errorf("claim delivery %s: %w", d.ID, err)
			break
		}
		claimed = append(claimed, d)
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, d := range claimed {
		sem <- struct{}{}
		wg.Go(func() {
			defer func() { <-sem }()
			r.attempt(ctx, d)
		})
	}
	wg.Wait()
	return len(claimed), claimErr
}

// attempt posts one claimed delivery and records the outcome.
func (r *Runner) attempt(ctx context.Context, d *model.WebhookDelivery) {
	hook, err := r.store.GetWebhook(ctx, d.HookID)
	if errors.Is(err, store.ErrNotFound) {
		d.Status = model.DeliveryFailed
		d.LastError = "webhook deleted"
		r.save(ctx, d)
		deliveriesTotal.WithLabelValues(resultFailed).Inc()
		return
	}
	if err != nil {
		// The claim expires and the delivery is picked up again.
		r.logger.Warn("failed to load webhook", "delivery_id", d.ID, "webhook_id", d.HookID, "error", err)
		return
	}

	status, err := r.post(ctx, hook, d)
	d.Attempts++
	d.LastStatus = status
	d.LastError = ""

	switch {
	case err == nil:
		d.Status = model.DeliveryDelivered
		deliveriesTotal.WithLabelValues(resultDelivered).Inc()
		r.logger.Info("webhook delivered", "delivery_id", d.ID, "webhook_id", hook.ID, "event", d.Event, "attempts", d.Attempts)
	case d.Attempts >= MaxAttempts:
		d.Status = model.DeliveryFailed
		d.LastError = err.Error()
		deliveriesTotal.WithLabelValues(resultFailed).Inc()
		r.logger.Error("permanent webhook failure",
			"delivery_id", d.ID, "webhook_id", hook.ID, "url", hook.URL, "event", d.Event,
			"attempts", d.Attempts, "error", err)
	default:
		d.LastError = err.Error()
		d.NextAttemptAt = r.now().Add(RetryDelay(d.Attempts))
		deliveriesTotal.WithLabelValues(resultRetried).Inc()
		r.logger.Warn("webhook delivery failed, will retry",
			"delivery_id", d.ID, "webhook_id", hook.ID, "attempts", d.Attempts,
			"next_attempt_at", d.NextAttemptAt, "error", err)
	}
	r.save(ctx, d)
}

func (r *Runner) save(ctx context.Context, d *model.WebhookDelivery) {
	if err := r.store.UpdateWebhookDelivery(context.WithoutCancel(ctx), d); err != nil {
		r.logger.Error("failed to record webhook delivery", "delivery_id", d.ID, "error", err)
	}
}

// post sends the delivery body to the hook. Any status outside 2xx is an
// error.
func (r *Runner) post(ctx context.Context, hook *model.Webhook, d *model.WebhookDelivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(d.Body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(hook.Secret, d.Body))
	req.Header.Set(HeaderEvent, d.Event)
	req.Header.Set(HeaderDelivery, d.ID)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post %s: %w", hook.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("post %s: status %d", hook.URL, resp.StatusCode)
	}
	return resp.StatusCode, nil
}
