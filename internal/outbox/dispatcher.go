package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/babel/internal/model"
	"github.com/seantiz/babel/internal/store"
)

// DefaultInterval is the dispatch period when none is configured.
const DefaultInterval = 2 * time.Second

// defaultBatchSize is how many messages of one queue are loaded at a time.
const defaultBatchSize = 50

// Dispatcher delivers outbox messages to registered handlers. Any number of
// dispatchers may run against the same store; the revision-guarded cursor
// keeps each queue in order.
type Dispatcher struct {
	store    store.OutboxStore
	logger   *slog.Logger
	interval time.Duration
	batch    int

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	notify chan struct{}
}

// NewDispatcher creates a dispatcher polling the store every interval.
func NewDispatcher(s store.OutboxStore, logger *slog.Logger, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Dispatcher{
		store:    s,
		logger:   logger,
		interval: interval,
		batch:    defaultBatchSize,
		handlers: make(map[string]HandlerFunc),
		notify:   make(chan struct{}, 1),
	}
}

// Register sets the handler for a message kind.
func (d *Dispatcher) Register(kind string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

func (d *Dispatcher) handler(kind string) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[kind]
	return h, ok
}

// Notify wakes Run for an immediate dispatch cycle. It never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Pending reports the undelivered backlog of every queue.
func (d *Dispatcher) Pending(ctx context.Context) ([]model.QueueBacklog, error) {
	return d.store.OutboxBacklog(ctx)
}

// Run dispatches on every tick and on every Notify until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("outbox dispatcher started", "interval", d.interval)
	d.cycle(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
		case <-d.notify:
		}
		d.cycle(ctx)
	}
}

func (d *Dispatcher) cycle(ctx context.Context) {
	if err := d.Dispatch(ctx); err != nil && ctx.Err() == nil {
		d.logger.Warn("outbox dispatch incomplete", "error", err)
	}
}

// Dispatch makes one pass over every queue with pending messages. A failing
// message halts only its own queue; the failures of all queues are joined in
// the returned error.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	outboxes, err := d.store.ListPendingOutboxes(ctx)
	if err != nil {
		return fmt.Errorf("list pending outboxes: %w", err)
	}

	var errs []error
	for _, o := range outboxes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.dispatchQueue(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dispatchQueue delivers the messages of one queue in index order until the
// queue is drained or a handler fails.
func (d *Dispatcher) dispatchQueue(ctx context.Context, o *model.Outbox) error {
	for {
		msgs, err := d.store.ListOutboxMessages(ctx, o.ID, o.CurrentIndex, d.batch)
		if err != nil {
			return fmt.Errorf("list messages of %s: %w", o.ID, err)
		}
		if len(msgs) == 0 {
			return nil
		}

		for _, msg := range msgs {
			if err := d.deliver(ctx, msg); err != nil {
				dispatchFailures.WithLabelValues(msg.Kind).Inc()
				d.logger.Warn("outbox delivery failed, halting queue",
					"outbox_ref", msg.OutboxRef, "index", msg.Index, "kind", msg.Kind, "error", err)
				return fmt.Errorf("deliver %s/%d (%s): %w", msg.OutboxRef, msg.Index, msg.Kind, err)
			}
			messagesDispatched.WithLabelValues(msg.Kind).Inc()

			err := d.store.AdvanceOutbox(ctx, o, msg.Index)
			if errors.Is(err, store.ErrConcurrentModification) {
				// Another dispatcher moved the cursor; continue from wherever
				// it is now.
				fresh, err := d.store.GetOutbox(ctx, o.ID)
				if err != nil {
					return fmt.Errorf("reload outbox %s: %w", o.ID, err)
				}
				d.logger.Debug("outbox cursor moved concurrently",
					"outbox_ref", o.ID, "index", msg.Index, "current_index", fresh.CurrentIndex)
				o = fresh
				break
			}
			if err != nil {
				return fmt.Errorf("advance outbox %s to %d: %w", o.ID, msg.Index, err)
			}
			d.logger.Debug("outbox message delivered", "outbox_ref", o.ID, "index", msg.Index, "kind", msg.Kind)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg *model.OutboxMessage) error {
	h, ok := d.handler(msg.Kind)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, msg.Kind)
	}
	return h(ctx, msg)
}
