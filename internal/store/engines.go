package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/babel/internal/model"
)

// CreateEngine inserts a new engine record.
func (s *SQLStore) CreateEngine(ctx context.Context, e *model.Engine) error {
	_, err := s.exec(ctx,
		`INSERT INTO engines (
			id, revision, owner, type, source_language, target_language,
			is_building, current_build_id, build_revision, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Revision, e.Owner, e.Type, e.SourceLanguage, e.TargetLanguage,
		e.IsBuilding, e.CurrentBuildID, e.BuildRevision, e.CreatedAt,
	)
	if s.dialect.isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert engine: %w", err)
	}
	return nil
}

// GetEngine retrieves an engine by ID.
func (s *SQLStore) GetEngine(ctx context.Context, id string) (*model.Engine, error) {
	e := &model.Engine{}
	err := s.queryRow(ctx,
		`SELECT id, revision, owner, type, source_language, target_language,
			is_building, current_build_id, build_revision, created_at
		FROM engines WHERE id = ?`, id,
	).Scan(
		&e.ID, &e.Revision, &e.Owner, &e.Type, &e.SourceLanguage, &e.TargetLanguage,
		&e.IsBuilding, &e.CurrentBuildID, &e.BuildRevision, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get engine: %w", err)
	}
	return e, nil
}

// UpdateEngine replaces the mutable engine fields, guarded by revision.
func (s *SQLStore) UpdateEngine(ctx context.Context, e *model.Engine) error {
	result, err := s.exec(ctx,
		`UPDATE engines SET
			revision = revision + 1, source_language = ?, target_language = ?,
			is_building = ?, current_build_id = ?, build_revision = ?
		WHERE id = ? AND revision = ?`,
		e.SourceLanguage, e.TargetLanguage,
		e.IsBuilding, e.CurrentBuildID, e.BuildRevision,
		e.ID, e.Revision,
	)
	if err != nil {
		return fmt.Errorf("update engine: %w", err)
	}
	if err := expectOne(result, errNoRows); err != nil {
		if errors.Is(err, errNoRows) {
			return s.casMiss(ctx, "engines", e.ID)
		}
		return err
	}
	e.Revision++
	return nil
}

// DeleteEngine removes an engine and its builds.
func (s *SQLStore) DeleteEngine(ctx context.Context, id string) error {
	result, err := s.exec(ctx, "DELETE FROM engines WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete engine: %w", err)
	}
	if err := expectOne(result, ErrNotFound); err != nil {
		return err
	}
	if _, err := s.exec(ctx, "DELETE FROM builds WHERE engine_ref = ?", id); err != nil {
		return fmt.Errorf("delete engine builds: %w", err)
	}
	return nil
}

// errNoRows marks a revision-guarded update that matched nothing.
var errNoRows = errors.New("no rows affected")
