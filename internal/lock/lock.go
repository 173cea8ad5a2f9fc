// Package lock implements a reader/writer lock shared by independent
// processes through the store. Every change to a lock record is a
// revision-guarded compare-and-set; holders never unlock explicitly on crash,
// their leases simply run out.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/babel/internal/model"
	"github.com/seantiz/babel/internal/store"
)

var (
	// ErrTimedOut is returned when a lock could not be granted before the
	// caller's timeout. The API reports it as "resource busy".
	ErrTimedOut = errors.New("lock acquisition timed out")

	// ErrNotHeld is returned by Renew when the lock expired and was reclaimed.
	ErrNotHeld = errors.New("lock not held")
)

// DefaultPollInterval is the wait between acquisition attempts.
const DefaultPollInterval = 100 * time.Millisecond

// queuedPolls is the minimum lifetime of a writer queue entry in poll
// intervals. An entry is refreshed once half of it is left, so it always
// outlives the wait until the next poll.
const queuedPolls = 4

// Manager grants and renews leases on RWLock records.
type Manager struct {
	store  store.LockStore
	logger *slog.Logger
	now    func() time.Time
	poll   time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now. Tests use it to expire leases deterministically.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithPollInterval sets the wait between acquisition attempts.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.poll = d
		}
	}
}

// NewManager creates a lock manager on the given store.
func NewManager(s store.LockStore, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		logger: logger,
		now:    time.Now,
		poll:   DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AcquireRead waits until resourceID admits a new reader and returns the
// reader's claim. No reader is admitted while any writer holds or waits for
// the resource.
func (m *Manager) AcquireRead(ctx context.Context, resourceID, hostID string, lease, timeout time.Duration) (model.Lock, error) {
	claim := model.Lock{ID: model.NewHolderID(), HostID: hostID}
	start := m.now()
	deadline := start.Add(timeout)

	for {
		var granted bool
		_, err := m.update(ctx, resourceID, func(rw *model.RWLock, now time.Time) (bool, error) {
			granted = false
			if !rw.IsAvailableForReading(now) {
				return false, nil
			}
			claim.ExpiresAt = now.Add(lease)
			rw.ReaderLocks = append(rw.ReaderLocks, claim)
			granted = true
			return true, nil
		})
		if err != nil {
			return model.Lock{}, err
		}
		if granted {
			m.observe(modeRead, resultAcquired, start)
			m.logger.Debug("read lock acquired", "resource", resourceID, "lock_id", claim.ID, "host_id", hostID)
			return claim, nil
		}

		if err := m.wait(ctx, deadline); err != nil {
			m.observe(modeRead, resultFor(err), start)
			return model.Lock{}, err
		}
	}
}

// AcquireWrite queues a writer on resourceID and waits until it reaches the
// head of the queue with no live reader or writer, then promotes it to the
// writer slot. While waiting, the queue entry is refreshed so that a crashed
// waiter falls out of the queue on its own. The entry lives for the lease but
// never less than a few poll intervals, so a short lease cannot let it lapse
// between polls. On timeout or cancellation the entry is removed.
func (m *Manager) AcquireWrite(ctx context.Context, resourceID, hostID string, lease, timeout time.Duration) (model.Lock, error) {
	claim := model.Lock{ID: model.NewHolderID(), HostID: hostID}
	start := m.now()
	deadline := start.Add(timeout)
	hold := max(lease, queuedPolls*m.poll)

	for {
		var granted bool
		_, err := m.update(ctx, resourceID, func(rw *model.RWLock, now time.Time) (bool, error) {
			granted = false
			changed := false
			queued := claim
			queued.ExpiresAt = now.Add(hold)

			pos := rw.QueuePosition(claim.ID)
			switch {
			case pos < 0:
				rw.WriterQueue = append(rw.WriterQueue, queued)
				changed = true
			case rw.WriterQueue[pos].ExpiresAt.Sub(now) < hold/2:
				rw.WriterQueue[pos].ExpiresAt = queued.ExpiresAt
				changed = true
			}

			if rw.IsAvailableForWriting(now, claim.ID) {
				claim.ExpiresAt = now.Add(lease)
				w := claim
				rw.WriterLock = &w
				rw.WriterQueue = rw.WriterQueue[1:]
				granted = true
				changed = true
			}
			return changed, nil
		})
		if err != nil {
			m.abandon(resourceID, claim.ID)
			return model.Lock{}, err
		}
		if granted {
			m.observe(modeWrite, resultAcquired, start)
			m.logger.Debug("write lock acquired", "resource", resourceID, "lock_id", claim.ID, "host_id", hostID)
			return claim, nil
		}

		if err := m.wait(ctx, deadline); err != nil {
			m.abandon(resourceID, claim.ID)
			m.observe(modeWrite, resultFor(err), start)
			return model.Lock{}, err
		}
	}
}

// Renew extends the lease of a held claim. It returns ErrNotHeld if the claim
// expired or was released.
func (m *Manager) Renew(ctx context.Context, resourceID string, claim model.Lock, lease time.Duration) (model.Lock, error) {
	var renewed model.Lock
	_, err := m.update(ctx, resourceID, func(rw *model.RWLock, now time.Time) (bool, error) {
		if !rw.Holds(now, claim.ID) {
			return false, ErrNotHeld
		}
		expires := now.Add(lease)
		if rw.WriterLock != nil && rw.WriterLock.ID == claim.ID {
			rw.WriterLock.ExpiresAt = expires
			renewed = *rw.WriterLock
			return true, nil
		}
		for i := range rw.ReaderLocks {
			if rw.ReaderLocks[i].ID == claim.ID {
				rw.ReaderLocks[i].ExpiresAt = expires
				renewed = rw.ReaderLocks[i]
			}
		}
		return true, nil
	})
	if err != nil {
		return model.Lock{}, err
	}
	return renewed, nil
}

// Release drops a claim, held or queued. Releasing a claim that already
// expired or was never granted is not an error.
func (m *Manager) Release(ctx context.Context, resourceID, lockID string) error {
	_, err := m.update(ctx, resourceID, func(rw *model.RWLock, _ time.Time) (bool, error) {
		return rw.Remove(lockID), nil
	})
	if err != nil {
		return err
	}
	m.logger.Debug("lock released", "resource", resourceID, "lock_id", lockID)
	return nil
}

// Get returns the current lock record of a resource with expired claims
// pruned.
func (m *Manager) Get(ctx context.Context, resourceID string) (*model.RWLock, error) {
	rw, err := m.store.GetRWLock(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	rw.Prune(m.now())
	return rw, nil
}

// update runs a read-mutate-compare-and-set cycle on the lock record of
// resourceID until it commits or mutate declines to change anything. mutate
// receives a pruned copy; returning false leaves the stored record alone.
// A missing record is created on first write.
func (m *Manager) update(ctx context.Context, resourceID string, mutate func(rw *model.RWLock, now time.Time) (bool, error)) (*model.RWLock, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := m.store.GetRWLock(ctx, resourceID)
		isNew := errors.Is(err, store.ErrNotFound)
		if isNew {
			current = &model.RWLock{ID: resourceID}
		} else if err != nil {
			return nil, fmt.Errorf("get lock %s: %w", resourceID, err)
		}

		now := m.now()
		next := current.Clone()
		next.Prune(now)
		changed, err := mutate(next, now)
		if err != nil {
			return nil, err
		}
		if !changed {
			return current, nil
		}

		if isNew {
			err = m.store.InsertRWLock(ctx, next)
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
		} else {
			err = m.store.UpdateRWLock(ctx, next)
			if errors.Is(err, store.ErrConcurrentModification) || errors.Is(err, store.ErrNotFound) {
				continue
			}
		}
		if err != nil {
			return nil, fmt.Errorf("write lock %s: %w", resourceID, err)
		}
		return next, nil
	}
}

// wait sleeps one poll interval, or until the deadline or ctx ends.
func (m *Manager) wait(ctx context.Context, deadline time.Time) error {
	remaining := deadline.Sub(m.now())
	if remaining <= 0 {
		return ErrTimedOut
	}
	timer := time.NewTimer(min(m.poll, remaining))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// abandon removes a queued writer after a failed acquisition. It runs on a
// detached context because the caller's may already be cancelled.
func (m *Manager) abandon(resourceID, lockID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Release(ctx, resourceID, lockID); err != nil {
		m.logger.Warn("failed to leave writer queue", "resource", resourceID, "lock_id", lockID, "error", err)
	}
}

func (m *Manager) observe(mode, result string, start time.Time) {
	acquisitionsTotal.WithLabelValues(mode, result).Inc()
	if result == resultAcquired {
		waitDuration.WithLabelValues(mode).Observe(m.now().Sub(start).Seconds())
	}
}

func resultFor(err error) string {
	if errors.Is(err, ErrTimedOut) {
		return resultTimedOut
	}
	return resultCanceled
}
