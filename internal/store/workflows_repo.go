package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cronflow/internal/core"
)

// UpsertWorkflow inserts the definition or replaces the stored one, keeping
// the original creation time.
func (s *Store) UpsertWorkflow(ctx context.Context, def *core.WorkflowDefinition) error {
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO workflows (name, definition, schedule, paused, last_evaluated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			definition = excluded.definition,
			schedule = excluded.schedule,
			paused = excluded.paused,
			last_evaluated_at = excluded.last_evaluated_at,
			updated_at = excluded.updated_at
	`, def.Name, string(body), def.Schedule, def.Paused, nullableTime(def.LastEvaluatedAt),
		formatTime(def.CreatedAt), formatTime(def.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

func (s *Store) DeleteWorkflow(ctx context.Context, name string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM workflows WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrWorkflowNotFound
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, name string) (*core.WorkflowDefinition, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT definition, paused, last_evaluated_at, created_at, updated_at
		FROM workflows WHERE name = ?
	`, name)
	def, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrWorkflowNotFound
		}
		return nil, err
	}
	return def, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]*core.WorkflowDefinition, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT definition, paused, last_evaluated_at, created_at, updated_at
		FROM workflows
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()
	var defs []*core.WorkflowDefinition
	for rows.Next() {
		def, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return defs, nil
}

// UpdateWatermark moves the schedule watermark forward. An older value than
// the stored one is ignored.
func (s *Store) UpdateWatermark(ctx context.Context, name string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE workflows
		SET last_evaluated_at = ?, updated_at = ?
		WHERE name = ? AND (last_evaluated_at IS NULL OR last_evaluated_at < ?)
	`, formatTime(at), formatTime(time.Now()), name, formatTime(at))
	if err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetWorkflow(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func scanWorkflow(sc scanner) (*core.WorkflowDefinition, error) {
	var (
		body          string
		paused        bool
		lastEvaluated sql.NullString
		createdAt     string
		updatedAt     string
	)
	if err := sc.Scan(&body, &paused, &lastEvaluated, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	var def core.WorkflowDefinition
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	def.Paused = paused
	def.LastEvaluatedAt = parseNullTime(lastEvaluated)
	def.CreatedAt = mustParseTime(createdAt)
	def.UpdatedAt = mustParseTime(updatedAt)
	return &def, nil
}
