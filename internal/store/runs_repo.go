package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"

	"cronflow/internal/core"
)

const defaultRunPageSize = 20

var runColumns = []string{"id", "workflow", "logical_time", "state", "external", "created_at", "started_at", "ended_at"}

var instanceColumns = []string{"run_id", "task_id", "state", "attempts", "last_error", "next_attempt_at", "started_at", "ended_at", "updated_at"}

// CreateRun inserts the run and its instances in one transaction. When a run
// for the same workflow and logical time exists it is returned unchanged.
func (s *Store) CreateRun(ctx context.Context, run *core.Run, instances []*core.TaskInstance) (*core.Run, bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin create run: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO runs (id, workflow, logical_time, state, external, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Workflow, formatTime(run.LogicalTime), run.State, run.External,
		formatTime(run.CreatedAt), nullableTime(run.StartedAt), nullableTime(run.EndedAt))
	if err != nil {
		return nil, false, fmt.Errorf("insert run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if rows == 0 {
		row := tx.QueryRowContext(ctx, `
			SELECT id, workflow, logical_time, state, external, created_at, started_at, ended_at
			FROM runs WHERE workflow = ? AND logical_time = ?
		`, run.Workflow, formatTime(run.LogicalTime))
		existing, err := scanRun(row)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	insert := s.sb.Insert("task_instances").Columns(instanceColumns...)
	for _, ti := range instances {
		insert = insert.Values(ti.RunID, ti.TaskID, ti.State, ti.Attempts, nullableString(ti.LastError),
			nullableTime(ti.NextAttemptAt), nullableTime(ti.StartedAt), nullableTime(ti.EndedAt), formatTime(ti.UpdatedAt))
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, false, fmt.Errorf("insert task instances: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit create run: %w", err)
	}
	cp := *run
	return &cp, true, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*core.Run, error) {
	query, args, err := s.sb.Select(runColumns...).From("runs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	run, err := scanRun(s.DB.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs matching filter, newest logical time first.
func (s *Store) ListRuns(ctx context.Context, filter core.RunFilter) ([]*core.Run, error) {
	sb := s.sb.Select(runColumns...).From("runs").OrderBy("logical_time DESC", "id")
	if filter.Workflow != "" {
		sb = sb.Where(sq.Eq{"workflow": filter.Workflow})
	}
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, st := range filter.States {
			states = append(states, string(st))
		}
		sb = sb.Where(sq.Eq{"state": states})
	}
	if filter.Limit > 0 {
		sb = sb.Limit(uint64(filter.Limit))
		if filter.Offset > 0 {
			sb = sb.Offset(uint64(filter.Offset))
		}
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *Store) UpdateRun(ctx context.Context, run *core.Run) error {
	query, args, err := s.sb.Update("runs").
		SetMap(sq.Eq{
			"state":      run.State,
			"started_at": nullableTime(run.StartedAt),
			"ended_at":   nullableTime(run.EndedAt),
		}).
		Where(sq.Eq{"id": run.ID}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return expectRow(res, core.ErrRunNotFound)
}

func (s *Store) ListTaskInstances(ctx context.Context, runID string) ([]*core.TaskInstance, error) {
	query, args, err := s.sb.Select(instanceColumns...).From("task_instances").
		Where(sq.Eq{"run_id": runID}).
		OrderBy("rowid").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task instances: %w", err)
	}
	defer rows.Close()
	var out []*core.TaskInstance
	for rows.Next() {
		ti, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateTaskInstance(ctx context.Context, ti *core.TaskInstance) error {
	query, args, err := s.sb.Update("task_instances").
		SetMap(instanceValues(ti)).
		Where(sq.Eq{"run_id": ti.RunID, "task_id": ti.TaskID}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task instance: %w", err)
	}
	return expectRow(res, core.ErrRunNotFound)
}

// ClaimTaskInstance moves a ready instance to running. The update only
// matches while the instance is still ready at the previous attempt count,
// so at most one scheduler wins each attempt.
func (s *Store) ClaimTaskInstance(ctx context.Context, ti *core.TaskInstance) (bool, error) {
	query, args, err := s.sb.Update("task_instances").
		SetMap(instanceValues(ti)).
		Where(sq.Eq{
			"run_id":   ti.RunID,
			"task_id":  ti.TaskID,
			"state":    core.TaskStateReady,
			"attempts": ti.Attempts - 1,
		}).
		ToSql()
	if err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("claim task instance: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// PruneRuns deletes finished runs that ended before cutoff together with
// their instances and log directories. It returns the number of runs removed.
func (s *Store) PruneRuns(ctx context.Context, cutoff time.Time) (int, error) {
	query, args, err := s.sb.Select("id").From("runs").
		Where(sq.Eq{"state": []string{
			string(core.RunStateSucceeded),
			string(core.RunStateFailed),
			string(core.RunStateCancelled),
		}}).
		Where(sq.Lt{"ended_at": formatTime(cutoff)}).
		ToSql()
	if err != nil {
		return 0, err
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("query runs for pruning: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := s.DB.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete run %s: %w", id, err)
		}
		_ = os.RemoveAll(s.RunLogDir(id))
	}
	return len(ids), nil
}

// RunLogDir returns the directory holding a run's attempt logs.
func (s *Store) RunLogDir(runID string) string {
	return filepath.Join(s.StateDir, "runs", runID)
}

// TaskLogPath returns the log file of one attempt of a task.
func (s *Store) TaskLogPath(runID, taskID string, attempt int) string {
	return filepath.Join(s.RunLogDir(runID), taskID+"."+strconv.Itoa(attempt)+".log")
}

// EnsureRunLogDir makes sure the directory for a run's logs exists.
func (s *Store) EnsureRunLogDir(runID string) error {
	return os.MkdirAll(s.RunLogDir(runID), 0o755)
}

func instanceValues(ti *core.TaskInstance) sq.Eq {
	return sq.Eq{
		"state":           ti.State,
		"attempts":        ti.Attempts,
		"last_error":      nullableString(ti.LastError),
		"next_attempt_at": nullableTime(ti.NextAttemptAt),
		"started_at":      nullableTime(ti.StartedAt),
		"ended_at":        nullableTime(ti.EndedAt),
		"updated_at":      formatTime(ti.UpdatedAt),
	}
}

func expectRow(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func scanRun(sc scanner) (*core.Run, error) {
	var (
		id          string
		workflow    string
		logicalTime string
		state       string
		external    bool
		createdAt   string
		startedAt   sql.NullString
		endedAt     sql.NullString
	)
	if err := sc.Scan(&id, &workflow, &logicalTime, &state, &external, &createdAt, &startedAt, &endedAt); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &core.Run{
		ID:          id,
		Workflow:    workflow,
		LogicalTime: mustParseTime(logicalTime),
		State:       core.RunState(state),
		External:    external,
		CreatedAt:   mustParseTime(createdAt),
		StartedAt:   parseNullTime(startedAt),
		EndedAt:     parseNullTime(endedAt),
	}, nil
}

func scanInstance(sc scanner) (*core.TaskInstance, error) {
	var (
		runID       string
		taskID      string
		state       string
		attempts    int
		lastError   sql.NullString
		nextAttempt sql.NullString
		startedAt   sql.NullString
		endedAt     sql.NullString
		updatedAt   string
	)
	if err := sc.Scan(&runID, &taskID, &state, &attempts, &lastError, &nextAttempt, &startedAt, &endedAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task instance: %w", err)
	}
	ti := &core.TaskInstance{
		RunID:         runID,
		TaskID:        taskID,
		State:         core.TaskState(state),
		Attempts:      attempts,
		NextAttemptAt: parseNullTime(nextAttempt),
		StartedAt:     parseNullTime(startedAt),
		EndedAt:       parseNullTime(endedAt),
		UpdatedAt:     mustParseTime(updatedAt),
	}
	if lastError.Valid {
		ti.LastError = &lastError.String
	}
	return ti, nil
}
