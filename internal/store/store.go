package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/babel/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConcurrentModification is returned when a revision-guarded update
	// loses to a concurrent writer. Callers re-read and retry.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrDuplicate is returned when an insert-if-absent finds the record present.
	ErrDuplicate = errors.New("record already exists")
)

// EngineStore persists engine records.
type EngineStore interface {
	CreateEngine(ctx context.Context, e *model.Engine) error
	GetEngine(ctx context.Context, id string) (*model.Engine, error)
	// UpdateEngine replaces the engine if its revision still equals e.Revision,
	// then bumps e.Revision.
	UpdateEngine(ctx context.Context, e *model.Engine) error
	DeleteEngine(ctx context.Context, id string) error
}

// BuildStore persists build records.
type BuildStore interface {
	CreateBuild(ctx context.Context, b *model.Build) error
	GetBuild(ctx context.Context, id string) (*model.Build, error)
	ListBuilds(ctx context.Context, engineID string) ([]*model.Build, error)
	// UpdateBuild replaces the build if its revision still equals b.Revision,
	// then bumps b.Revision.
	UpdateBuild(ctx context.Context, b *model.Build) error
}

// OutboxStore persists outbox queues and their cursors.
type OutboxStore interface {
	// EnqueueOutboxMessage appends a message to the queue and returns its index.
	// It must run in the same transaction as the mutation it accompanies.
	EnqueueOutboxMessage(ctx context.Context, outboxRef, kind string, content []byte) (uint64, error)
	GetOutbox(ctx context.Context, id string) (*model.Outbox, error)
	// ListPendingOutboxes returns every cursor with messages past it.
	ListPendingOutboxes(ctx context.Context) ([]*model.Outbox, error)
	// ListOutboxMessages returns up to limit messages with index > afterIndex in
	// ascending index order.
	ListOutboxMessages(ctx context.Context, outboxRef string, afterIndex uint64, limit int) ([]*model.OutboxMessage, error)
	// AdvanceOutbox moves the cursor to index if its revision still equals
	// o.Revision, then updates o.
	AdvanceOutbox(ctx context.Context, o *model.Outbox, index uint64) error
	OutboxBacklog(ctx context.Context) ([]model.QueueBacklog, error)
}

// LockStore persists reader/writer lock records.
type LockStore interface {
	GetRWLock(ctx context.Context, id string) (*model.RWLock, error)
	// InsertRWLock inserts l or returns ErrDuplicate if a record exists.
	InsertRWLock(ctx context.Context, l *model.RWLock) error
	// UpdateRWLock replaces l if its revision still equals l.Revision, then
	// bumps l.Revision.
	UpdateRWLock(ctx context.Context, l *model.RWLock) error
}

// WebhookStore persists webhook subscriptions and their deliveries.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, h *model.Webhook) error
	GetWebhook(ctx context.Context, id string) (*model.Webhook, error)
	ListWebhooks(ctx context.Context, owner string) ([]*model.Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error

	CreateWebhookDelivery(ctx context.Context, d *model.WebhookDelivery) error
	// ListDueWebhookDeliveries returns pending deliveries due at or before now.
	ListDueWebhookDeliveries(ctx context.Context, now time.Time, limit int) ([]*model.WebhookDelivery, error)
	// ClaimWebhookDelivery pushes the next attempt of a due delivery to until,
	// succeeding only if nobody else claimed it since it was listed.
	ClaimWebhookDelivery(ctx context.Context, d *model.WebhookDelivery, until time.Time) error
	UpdateWebhookDelivery(ctx context.Context, d *model.WebhookDelivery) error
	ListWebhookDeliveries(ctx context.Context, hookID string) ([]*model.WebhookDelivery, error)
}

// Tx is the set of operations available inside a transaction. Outbox enqueues
// and webhook deliveries commit or roll back together with the business
// mutations they describe.
type Tx interface {
	EngineStore
	BuildStore
	OutboxStore
	WebhookStore
}

// Store is the durable store shared by all service processes.
type Store interface {
	EngineStore
	BuildStore
	OutboxStore
	LockStore
	WebhookStore

	// InTx runs fn in a transaction, committing if fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// InTxRetry runs fn in a transaction of s, starting over whenever a
// revision check inside it loses to a concurrent writer. fn re-reads
// everything it depends on, so each attempt sees fresh state.
func InTxRetry(ctx context.Context, s Store, fn func(tx Tx) error) error {
	for {
		err := s.InTx(ctx, fn)
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
