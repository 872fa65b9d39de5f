package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/convsync/internal/model"
)

const taskColumns = `id, type, related, from_member, retry_count, being_processed, exhausted,
	acked_id, created_at`

// InsertTask persists a new task and returns it with its id.
// Returns ErrDuplicate if a task of the same type already exists for the
// same event.
func (s *Store) InsertTask(ctx context.Context, t model.Task) (model.Task, error) {
	id, err := insertTask(ctx, s.db, t)
	if err != nil {
		return model.Task{}, err
	}
	t.ID = id
	return t, nil
}

func insertTask(ctx context.Context, q querier, t model.Task) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO tasks (type, related, from_member, retry_count, being_processed, exhausted, acked_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.Type), t.Related, t.From, t.RetryCount, boolInt(t.BeingProcessed),
		boolInt(t.Exhausted), t.AckedID, formatTime(t.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("insert %s task for %s: %w", t.Type, t.Related, ErrDuplicate)
		}
		return 0, fmt.Errorf("insert %s task for %s: %w", t.Type, t.Related, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// UpdateTask saves the mutable fields of a task.
func (s *Store) UpdateTask(ctx context.Context, t model.Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET retry_count = ?, being_processed = ?, exhausted = ?, acked_id = ?
		WHERE id = ?`,
		t.RetryCount, boolInt(t.BeingProcessed), boolInt(t.Exhausted), t.AckedID, t.ID)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update task %d: %w", t.ID, ErrNotFound)
	}
	return nil
}

// DeleteTask removes a task. Missing tasks are not an error.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	return nil
}

// DeleteTasksFor removes every task related to an event.
func (s *Store) DeleteTasksFor(ctx context.Context, eventUUID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE related = ?`, eventUUID); err != nil {
		return fmt.Errorf("delete tasks for %s: %w", eventUUID, err)
	}
	return nil
}

// FindTask returns the task of the given type for an event, or ErrNotFound.
func (s *Store) FindTask(ctx context.Context, typ model.TaskType, related string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE type = ? AND related = ?`, string(typ), related)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("%s task for %s: %w", typ, related, ErrNotFound)
	}
	return t, err
}

// PendingTasks returns up to limit dispatchable tasks (not in flight, not
// exhausted, not waiting for an echo) in creation order.
func (s *Store) PendingTasks(ctx context.Context, limit int) ([]model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE being_processed = 0 AND exhausted = 0 AND acked_id = ''
		ORDER BY id ASC
		LIMIT ?`, limit)
}

// AckedTasks returns send tasks that were accepted by the server but whose
// echo has not been applied yet.
func (s *Store) AckedTasks(ctx context.Context) ([]model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE acked_id != ''
		ORDER BY id ASC`)
}

// ListTasks returns every task in creation order.
func (s *Store) ListTasks(ctx context.Context) ([]model.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id ASC`)
}

// ClearTaskProcessing resets the in-flight flag on every task. Run once at
// startup: a task still marked in flight was interrupted by a crash.
func (s *Store) ClearTaskProcessing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET being_processed = 0 WHERE being_processed = 1`)
	if err != nil {
		return 0, fmt.Errorf("clear task processing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetExhausted makes exhausted tasks dispatchable again with a fresh
// retry budget.
func (s *Store) ResetExhausted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET exhausted = 0, retry_count = 0, being_processed = 0
		WHERE exhausted = 1`)
	if err != nil {
		return 0, fmt.Errorf("reset exhausted tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	out := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func scanTask(row scanner) (model.Task, error) {
	var (
		t               model.Task
		typ, created    string
		busy, exhausted int
	)
	err := row.Scan(&t.ID, &typ, &t.Related, &t.From, &t.RetryCount, &busy, &exhausted,
		&t.AckedID, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("scan task: %w", err)
	}
	t.Type = model.TaskType(typ)
	t.BeingProcessed = busy != 0
	t.Exhausted = exhausted != 0
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	return t, nil
}
