// Package build tracks long-running engine builds through their state
// machine. Engines report progress asynchronously and possibly late or
// twice; the tracker applies a report only if it is still meaningful, so
// stale progress never overwrites a terminal state.
//
// A build holds the write lock of its engine's model artifacts while it is
// active, keeping inference readers out until the build finishes.
package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/babel/internal/lock"
	"github.com/seantiz/babel/internal/model"
	"github.com/seantiz/babel/internal/outbox"
	"github.com/seantiz/babel/internal/store"
)

var (
	// ErrInvalidTransition is returned when a requested state change is not
	// allowed from the build's current state.
	ErrInvalidTransition = errors.New("invalid build state transition")

	// ErrAlreadyBuilding is returned by Submit when the engine has a build in
	// progress.
	ErrAlreadyBuilding = errors.New("engine is already building")

	// ErrNotBuilding is returned by Cancel when the engine has no build in
	// progress.
	ErrNotBuilding = errors.New("engine has no build in progress")
)

// Default lease settings for the engine write lock held by an active build.
const (
	DefaultLease       = time.Minute
	DefaultLockTimeout = 10 * time.Second
)

// EventSender records lifecycle events for delivery to the owner's webhooks.
// RecordEvent writes through the transaction of the state change that caused
// the event; Notify runs after that transaction commits.
type EventSender interface {
	RecordEvent(ctx context.Context, tx store.WebhookStore, event, owner string, payload any) error
	Notify()
}

// Tracker applies build state transitions.
type Tracker struct {
	store  store.Store
	locks  *lock.Manager
	events EventSender
	broker *Broker
	logger *slog.Logger

	now         func() time.Time
	lease       time.Duration
	lockTimeout time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now for build timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLease sets the write lock lease of active builds and how long Start
// waits for the lock.
func WithLease(lease, lockTimeout time.Duration) Option {
	return func(t *Tracker) {
		if lease > 0 {
			t.lease = lease
		}
		if lockTimeout > 0 {
			t.lockTimeout = lockTimeout
		}
	}
}

// NewTracker creates a build tracker.
func NewTracker(s store.Store, locks *lock.Manager, events EventSender, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:       s,
		locks:       locks,
		events:      events,
		broker:      NewBroker(),
		logger:      logger,
		now:         time.Now,
		lease:       DefaultLease,
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Broker returns the tracker's progress broker for SSE subscription.
func (t *Tracker) Broker() *Broker {
	return t.broker
}

// Create inserts b as a new pending build. It runs inside the caller's
// transaction so the build and the command that starts it commit together.
func (t *Tracker) Create(ctx context.Context, tx store.BuildStore, b *model.Build) error {
	if b.ID == "" {
		b.ID = model.NewID()
	}
	b.Revision = 0
	b.State = model.StatePending
	b.CreatedAt = t.now().UTC()
	if err := tx.CreateBuild(ctx, b); err != nil {
		return fmt.Errorf("create build: %w", err)
	}
	return nil
}

// Submit creates a pending build for an engine, marks the engine as building
// and enqueues the StartBuild command, all in one transaction.
func (t *Tracker) Submit(ctx context.Context, engineID string, options json.RawMessage) (*model.Build, error) {
	var b *model.Build
	err := store.InTxRetry(ctx, t.store, func(tx store.Tx) error {
		e, err := tx.GetEngine(ctx, engineID)
		if err != nil {
			return err
		}
		building, err := t.stillBuilding(ctx, tx, e)
		if err != nil {
			return err
		}
		if building {
			return ErrAlreadyBuilding
		}

		b = &model.Build{EngineRef: e.ID, Owner: e.Owner, Options: options}
		if err := t.Create(ctx, tx, b); err != nil {
			return err
		}

		e.IsBuilding = true
		e.CurrentBuildID = b.ID
		e.BuildRevision++
		if err := tx.UpdateEngine(ctx, e); err != nil {
			return err
		}
		_, err = outbox.Enqueue(ctx, tx, e.QueueRef(), model.KindStartBuild, outbox.NewBuildCommand(e, b))
		return err
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("build submitted", "build_id", b.ID, "engine_id", engineID)
	return b, nil
}

// Cancel requests cancellation of the engine's current build and enqueues
// the CancelBuild command. A pending build is canceled at once; an active
// one moves to canceling until the engine confirms.
func (t *Tracker) Cancel(ctx context.Context, engineID string) (*model.Build, error) {
	var (
		b        *model.Build
		finished bool
	)
	err := store.InTxRetry(ctx, t.store, func(tx store.Tx) error {
		finished = false
		e, err := tx.GetEngine(ctx, engineID)
		if err != nil {
			return err
		}
		if !e.IsBuilding {
			return ErrNotBuilding
		}
		b, err = tx.GetBuild(ctx, e.CurrentBuildID)
		if err != nil {
			return fmt.Errorf("get current build of %s: %w", engineID, err)
		}
		if model.IsTerminal(b.State) {
			return ErrNotBuilding
		}

		if !applyCancel(b, t.now().UTC()) {
			return nil
		}
		if err := tx.UpdateBuild(ctx, b); err != nil {
			return err
		}
		if b.State == model.StateCanceled {
			finished = true
			e.IsBuilding = false
			e.CurrentBuildID = ""
			if err := tx.UpdateEngine(ctx, e); err != nil {
				return err
			}
			if err := t.record(ctx, tx, model.EventBuildFinished, b); err != nil {
				return err
			}
		}
		_, err = outbox.Enqueue(ctx, tx, e.QueueRef(), model.KindCancelBuild, outbox.NewBuildCommand(e, b))
		return err
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("build cancellation requested", "build_id", b.ID, "engine_id", engineID, "state", b.State)
	if finished {
		t.finished(b)
	}
	return b, nil
}

// Start moves a pending build to active once it holds the write lock of its
// engine's model. It returns false without error if the build already
// started. If the lock is not granted in time the build stays pending and
// the lock.ErrTimedOut error is returned.
func (t *Tracker) Start(ctx context.Context, buildID string) (bool, error) {
	current, err := t.store.GetBuild(ctx, buildID)
	if err != nil {
		return false, err
	}
	switch current.State {
	case model.StatePending:
	case model.StateActive, model.StateCanceling:
		return false, nil
	default:
		return false, fmt.Errorf("start build %s in state %s: %w", buildID, current.State, ErrInvalidTransition)
	}

	resource := model.EngineResourceID(current.EngineRef)
	claim, err := t.locks.AcquireWrite(ctx, resource, buildID, t.lease, t.lockTimeout)
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", resource, err)
	}

	b, changed, err := t.update(ctx, buildID, func(b *model.Build, now time.Time) (bool, error) {
		if b.State != model.StatePending {
			return false, nil
		}
		b.State = model.StateActive
		b.StartedAt = &now
		b.LockID = claim.ID
		return true, nil
	}, func(tx store.Tx, b *model.Build) error {
		return t.record(ctx, tx, model.EventBuildStarted, b)
	})
	if err != nil || !changed {
		t.releaseLock(resource, claim.ID)
		return false, err
	}

	t.logger.Info("build started", "build_id", b.ID, "engine_id", b.EngineRef, "lock_id", claim.ID)
	t.broker.Publish(Update{BuildID: b.ID, State: b.State, Progress: b.Progress()})
	t.notify()
	return true, nil
}

// RequestCancel cancels a pending build or moves an active one to
// canceling. Builds already canceling or finished are left alone.
func (t *Tracker) RequestCancel(ctx context.Context, buildID string) (bool, error) {
	b, changed, err := t.update(ctx, buildID, func(b *model.Build, now time.Time) (bool, error) {
		return applyCancel(b, now), nil
	}, func(tx store.Tx, b *model.Build) error {
		if b.State != model.StateCanceled {
			return nil
		}
		return t.terminate(ctx, tx, b)
	})
	if err != nil || !changed {
		return false, err
	}
	if b.State == model.StateCanceled {
		t.finished(b)
	}
	return true, nil
}

// ReportProgress stores a progress report of an active build and renews the
// build's engine lock. Reports for builds that are not active, or that
// change nothing, are rejected with (false, nil).
func (t *Tracker) ReportProgress(ctx context.Context, buildID string, p model.Progress) (bool, error) {
	b, changed, err := t.update(ctx, buildID, func(b *model.Build, _ time.Time) (bool, error) {
		if b.State != model.StateActive || b.Progress() == p {
			return false, nil
		}
		b.PercentCompleted = p.PercentCompleted
		b.Message = p.Message
		b.Step = p.Step
		b.QueueDepth = p.QueueDepth
		return true, nil
	}, nil)
	if err != nil {
		return false, err
	}
	if !changed {
		staleReports.Inc()
		t.logger.Debug("stale build update rejected", "build_id", buildID, "state", b.State, "step", p.Step)
		return false, nil
	}

	if b.LockID != "" {
		resource := model.EngineResourceID(b.EngineRef)
		if _, err := t.locks.Renew(ctx, resource, model.Lock{ID: b.LockID}, t.lease); err != nil {
			t.logger.Warn("failed to renew build lock", "build_id", b.ID, "resource", resource, "error", err)
		}
	}
	t.broker.Publish(Update{BuildID: b.ID, State: b.State, Progress: b.Progress()})
	return true, nil
}

// Finish moves a build to a terminal state, records BuildFinished in the
// same transaction and then releases the engine lock. Finishing an already
// finished build returns (false, nil); state must be terminal.
func (t *Tracker) Finish(ctx context.Context, buildID, state, message string) (bool, error) {
	if !model.IsTerminal(state) {
		return false, fmt.Errorf("finish build %s as %s: %w", buildID, state, ErrInvalidTransition)
	}

	b, changed, err := t.update(ctx, buildID, func(b *model.Build, now time.Time) (bool, error) {
		if model.IsTerminal(b.State) {
			return false, nil
		}
		if !model.ValidTransition(b.State, state) {
			return false, fmt.Errorf("finish build %s from %s as %s: %w", buildID, b.State, state, ErrInvalidTransition)
		}
		b.State = state
		b.FinishedAt = &now
		if message != "" {
			b.Message = message
		}
		if state == model.StateCompleted {
			b.PercentCompleted = 1
		}
		return true, nil
	}, func(tx store.Tx, b *model.Build) error {
		return t.terminate(ctx, tx, b)
	})
	if err != nil {
		return false, err
	}
	if !changed {
		t.logger.Debug("build already finished", "build_id", buildID, "state", b.State, "requested", state)
		return false, nil
	}

	t.finished(b)
	return true, nil
}

// update runs a read-mutate-compare-and-set cycle on a build in a
// transaction, starting over when the revision check fails. If mutate changes
// the build, after runs in the same transaction. The returned build is the
// stored one when nothing changed.
func (t *Tracker) update(ctx context.Context, buildID string, mutate func(b *model.Build, now time.Time) (bool, error), after func(tx store.Tx, b *model.Build) error) (*model.Build, bool, error) {
	var (
		b       *model.Build
		changed bool
	)
	err := store.InTxRetry(ctx, t.store, func(tx store.Tx) error {
		var err error
		b, err = tx.GetBuild(ctx, buildID)
		if err != nil {
			return err
		}
		changed, err = mutate(b, t.now().UTC())
		if err != nil || !changed {
			return err
		}
		if err := tx.UpdateBuild(ctx, b); err != nil {
			return err
		}
		if after != nil {
			return after(tx, b)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return b, changed, nil
}

// stillBuilding reports whether e's current build is unfinished. An engine
// flagged as building whose build already finished is repaired in place.
func (t *Tracker) stillBuilding(ctx context.Context, tx store.Tx, e *model.Engine) (bool, error) {
	if !e.IsBuilding {
		return false, nil
	}
	b, err := tx.GetBuild(ctx, e.CurrentBuildID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if err == nil && !model.IsTerminal(b.State) {
		return true, nil
	}
	t.logger.Warn("clearing stale build flag", "engine_id", e.ID, "build_id", e.CurrentBuildID)
	e.IsBuilding = false
	e.CurrentBuildID = ""
	return false, nil
}

// terminate clears the engine's reference to a build that just finished and
// records BuildFinished, inside the transaction that finished it.
func (t *Tracker) terminate(ctx context.Context, tx store.Tx, b *model.Build) error {
	e, err := tx.GetEngine(ctx, b.EngineRef)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load engine of build %s: %w", b.ID, err)
	case e.CurrentBuildID == b.ID:
		e.IsBuilding = false
		e.CurrentBuildID = ""
		if err := tx.UpdateEngine(ctx, e); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return t.record(ctx, tx, model.EventBuildFinished, b)
}

// finished runs the side effects of the one committed transition into a
// terminal state.
func (t *Tracker) finished(b *model.Build) {
	if b.LockID != "" {
		t.releaseLock(model.EngineResourceID(b.EngineRef), b.LockID)
	}
	buildsFinished.WithLabelValues(b.State).Inc()
	t.logger.Info("build finished", "build_id", b.ID, "engine_id", b.EngineRef, "state", b.State)

	t.broker.Publish(Update{BuildID: b.ID, State: b.State, Progress: b.Progress()})
	t.broker.Close(b.ID)
	t.notify()
}

// releaseLock runs detached from the caller's context, which may be the
// reason the lock has to go.
func (t *Tracker) releaseLock(resource, lockID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.locks.Release(ctx, resource, lockID); err != nil {
		t.logger.Warn("failed to release build lock", "resource", resource, "lock_id", lockID, "error", err)
	}
}

// record writes a lifecycle event of b through tx. A failure rolls back the
// state change, so the event is recorded exactly when the change commits.
func (t *Tracker) record(ctx context.Context, tx store.Tx, event string, b *model.Build) error {
	if t.events == nil {
		return nil
	}
	payload := map[string]string{
		"BuildId":  b.ID,
		"EngineId": b.EngineRef,
	}
	if event == model.EventBuildFinished {
		payload["BuildState"] = b.State
		payload["Message"] = b.Message
	}
	if err := t.events.RecordEvent(ctx, tx, event, b.Owner, payload); err != nil {
		return fmt.Errorf("record %s event of build %s: %w", event, b.ID, err)
	}
	return nil
}

func (t *Tracker) notify() {
	if t.events != nil {
		t.events.Notify()
	}
}

// applyCancel is the cancellation transition shared by Cancel and
// RequestCancel.
func applyCancel(b *model.Build, now time.Time) bool {
	switch b.State {
	case model.StatePending:
		b.State = model.StateCanceled
		b.FinishedAt = &now
		return true
	case model.StateActive:
		b.State = model.StateCanceling
		return true
	}
	return false
}
