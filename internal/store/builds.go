package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/babel/internal/model"
)

const buildColumns = `id, revision, engine_ref, owner, state, percent_completed, message,
	step, queue_depth, lock_id, options, created_at, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*model.Build, error) {
	b := &model.Build{}
	var options []byte
	err := row.Scan(
		&b.ID, &b.Revision, &b.EngineRef, &b.Owner, &b.State, &b.PercentCompleted, &b.Message,
		&b.Step, &b.QueueDepth, &b.LockID, &options, &b.CreatedAt, &b.StartedAt, &b.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(options) > 0 {
		b.Options = options
	}
	return b, nil
}

// CreateBuild inserts a new build record.
func (s *SQLStore) CreateBuild(ctx context.Context, b *model.Build) error {
	var options []byte
	if len(b.Options) > 0 {
		options = b.Options
	}
	_, err := s.exec(ctx,
		`INSERT INTO builds (`+buildColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Revision, b.EngineRef, b.Owner, b.State, b.PercentCompleted, b.Message,
		b.Step, b.QueueDepth, b.LockID, options, b.CreatedAt, b.StartedAt, b.FinishedAt,
	)
	if s.dialect.isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

// GetBuild retrieves a build by ID.
func (s *SQLStore) GetBuild(ctx context.Context, id string) (*model.Build, error) {
	b, err := scanBuild(s.queryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}
	return b, nil
}

// ListBuilds returns the builds of an engine, oldest first.
func (s *SQLStore) ListBuilds(ctx context.Context, engineID string) ([]*model.Build, error) {
	rows, err := s.query(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE engine_ref = ? ORDER BY created_at ASC, id ASC`, engineID)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var builds []*model.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate builds: %w", err)
	}
	return builds, nil
}

// UpdateBuild replaces the mutable build fields, guarded by revision.
func (s *SQLStore) UpdateBuild(ctx context.Context, b *model.Build) error {
	result, err := s.exec(ctx,
		`UPDATE builds SET
			revision = revision + 1, state = ?, percent_completed = ?, message = ?,
			step = ?, queue_depth = ?, lock_id = ?, started_at = ?, finished_at = ?
		WHERE id = ? AND revision = ?`,
		b.State, b.PercentCompleted, b.Message,
		b.Step, b.QueueDepth, b.LockID, b.StartedAt, b.FinishedAt,
		b.ID, b.Revision,
	)
	if err != nil {
		return fmt.Errorf("update build: %w", err)
	}
	if err := expectOne(result, errNoRows); err != nil {
		if errors.Is(err, errNoRows) {
			return s.casMiss(ctx, "builds", b.ID)
		}
		return err
	}
	b.Revision++
	return nil
}
