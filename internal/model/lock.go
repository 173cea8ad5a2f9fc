package model

import (
	"slices"
	"time"
)

// Lock is one holder's claim on an RWLock, either as a reader or as a writer.
// A claim whose ExpiresAt is not after the current time is vacant.
type Lock struct {
	ID        string    `json:"id"`
	HostID    string    `json:"host_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the lease of l has run out at now.
func (l Lock) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// RWLock is the persisted reader/writer lock of one protected resource.
//
// WriterLock is nil when no writer holds the resource. WriterQueue holds
// writers waiting in arrival order; while it is non-empty no new reader is
// admitted.
type RWLock struct {
	ID          string `json:"id"`
	Revision    int    `json:"revision"`
	WriterLock  *Lock  `json:"writer_lock,omitempty"`
	ReaderLocks []Lock `json:"reader_locks"`
	WriterQueue []Lock `json:"writer_queue"`
}

// IsAvailableForReading reports whether a new reader may be granted at now.
func (rw *RWLock) IsAvailableForReading(now time.Time) bool {
	return rw.writerVacant(now) && len(rw.WriterQueue) == 0
}

// IsAvailableForWriting reports whether a writer may be granted at now. When
// lockID is non-empty the writer must also be at the head of the queue.
func (rw *RWLock) IsAvailableForWriting(now time.Time, lockID string) bool {
	if !rw.writerVacant(now) {
		return false
	}
	for _, r := range rw.ReaderLocks {
		if !r.IsExpired(now) {
			return false
		}
	}
	if lockID == "" {
		return true
	}
	return len(rw.WriterQueue) > 0 && rw.WriterQueue[0].ID == lockID
}

func (rw *RWLock) writerVacant(now time.Time) bool {
	return rw.WriterLock == nil || rw.WriterLock.IsExpired(now)
}

// Prune drops every expired claim: an expired writer, expired readers and
// writers that stopped refreshing their place in the queue.
func (rw *RWLock) Prune(now time.Time) {
	if rw.WriterLock != nil && rw.WriterLock.IsExpired(now) {
		rw.WriterLock = nil
	}
	expired := func(l Lock) bool { return l.IsExpired(now) }
	rw.ReaderLocks = slices.DeleteFunc(rw.ReaderLocks, expired)
	rw.WriterQueue = slices.DeleteFunc(rw.WriterQueue, expired)
}

// QueuePosition returns the index of lockID in the writer queue, or -1.
func (rw *RWLock) QueuePosition(lockID string) int {
	return slices.IndexFunc(rw.WriterQueue, func(l Lock) bool { return l.ID == lockID })
}

// Holds reports whether lockID is a live writer or reader claim at now.
func (rw *RWLock) Holds(now time.Time, lockID string) bool {
	if rw.WriterLock != nil && rw.WriterLock.ID == lockID && !rw.WriterLock.IsExpired(now) {
		return true
	}
	for _, r := range rw.ReaderLocks {
		if r.ID == lockID && !r.IsExpired(now) {
			return true
		}
	}
	return false
}

// Remove drops every claim with the given id, held or queued. It reports
// whether anything was removed.
func (rw *RWLock) Remove(lockID string) bool {
	removed := false
	if rw.WriterLock != nil && rw.WriterLock.ID == lockID {
		rw.WriterLock = nil
		removed = true
	}
	match := func(l Lock) bool { return l.ID == lockID }
	n := len(rw.ReaderLocks) + len(rw.WriterQueue)
	rw.ReaderLocks = slices.DeleteFunc(rw.ReaderLocks, match)
	rw.WriterQueue = slices.DeleteFunc(rw.WriterQueue, match)
	return removed || n != len(rw.ReaderLocks)+len(rw.WriterQueue)
}

// Clone returns a deep copy of rw so a mutation attempt can be discarded when
// the compare-and-set fails.
func (rw *RWLock) Clone() *RWLock {
	c := &RWLock{
		ID:          rw.ID,
		Revision:    rw.Revision,
		ReaderLocks: slices.Clone(rw.ReaderLocks),
		WriterQueue: slices.Clone(rw.WriterQueue),
	}
	if rw.WriterLock != nil {
		w := *rw.WriterLock
		c.WriterLock = &w
	}
	return c
}
