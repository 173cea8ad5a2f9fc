package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/babel/internal/model"
)

// lockDoc is the JSON document stored in rw_locks.doc.
type lockDoc struct {
	WriterLock  *model.Lock  `json:"writer_lock,omitempty"`
	ReaderLocks []model.Lock `json:"reader_locks,omitempty"`
	WriterQueue []model.Lock `json:"writer_queue,omitempty"`
}

func encodeLockDoc(l *model.RWLock) (string, error) {
	doc, err := json.Marshal(lockDoc{
		WriterLock:  l.WriterLock,
		ReaderLocks: l.ReaderLocks,
		WriterQueue: l.WriterQueue,
	})
	if err != nil {
		return "", fmt.Errorf("encode lock: %w", err)
	}
	return string(doc), nil
}

// GetRWLock retrieves the lock record of a resource.
func (s *SQLStore) GetRWLock(ctx context.Context, id string) (*model.RWLock, error) {
	l := &model.RWLock{}
	var raw string
	err := s.queryRow(ctx, `SELECT id, revision, doc FROM rw_locks WHERE id = ?`, id).
		Scan(&l.ID, &l.Revision, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}

	var doc lockDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode lock %s: %w", id, err)
	}
	l.WriterLock = doc.WriterLock
	l.ReaderLocks = doc.ReaderLocks
	l.WriterQueue = doc.WriterQueue
	return l, nil
}

// InsertRWLock inserts a lock record unless one exists for the resource.
func (s *SQLStore) InsertRWLock(ctx context.Context, l *model.RWLock) error {
	doc, err := encodeLockDoc(l)
	if err != nil {
		return err
	}
	result, err := s.exec(ctx,
		`INSERT INTO rw_locks (id, revision, doc) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		l.ID, l.Revision, doc,
	)
	if err != nil {
		return fmt.Errorf("insert lock: %w", err)
	}
	return expectOne(result, ErrDuplicate)
}

// UpdateRWLock replaces the lock document, guarded by revision.
func (s *SQLStore) UpdateRWLock(ctx context.Context, l *model.RWLock) error {
	doc, err := encodeLockDoc(l)
	if err != nil {
		return err
	}
	result, err := s.exec(ctx,
		`UPDATE rw_locks SET doc = ?, revision = revision + 1 WHERE id = ? AND revision = ?`,
		doc, l.ID, l.Revision,
	)
	if err != nil {
		return fmt.Errorf("update lock: %w", err)
	}
	if err := expectOne(result, errNoRows); err != nil {
		if errors.Is(err, errNoRows) {
			return s.casMiss(ctx, "rw_locks", l.ID)
		}
		return err
	}
	l.Revision++
	return nil
}
