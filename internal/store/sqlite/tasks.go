package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"distfs/internal/store"
)

var _ store.TaskQueue = (*Store)(nil)

func (s *Store) Enqueue(ctx context.Context, task store.TaskRecord) error {
	if task.Status == "" {
		task.Status = store.TaskPending
	}
	if task.RunAfter.IsZero() {
		task.RunAfter = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, payload, status, run_after, attempts, locked_by, locked_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?)
	`, task.ID, task.Kind, task.Payload, string(task.Status), formatTime(task.RunAfter), task.Attempts, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("enqueue task %q: %w", task.ID, err)
	}
	return nil
}

// Claim atomically selects and locks up to n pending, due tasks for
// workerID. SQLite serializes writers, so the select-then-update pair
// inside one transaction is race-free.
func (s *Store) Claim(ctx context.Context, workerID string, n int) ([]store.TaskRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = ? AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT ?
	`, string(store.TaskPending), formatTime(time.Now()), n)
	if err != nil {
		return nil, fmt.Errorf("select claimable tasks: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := formatTime(time.Now())
	claimed := make([]store.TaskRecord, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, locked_by = ?, locked_at = ?, attempts = attempts + 1
			WHERE id = ?
		`, string(store.TaskRunning), workerID, now, id); err != nil {
			return nil, fmt.Errorf("lock task %q: %w", id, err)
		}

		row := tx.QueryRowContext(ctx, `
			SELECT id, kind, payload, status, run_after, attempts, locked_by, locked_at, created_at
			FROM tasks WHERE id = ?
		`, id)
		rec, err := scanTask(row)
		if err != nil {
			return nil, fmt.Errorf("read claimed task %q: %w", id, err)
		}
		claimed = append(claimed, rec)
	}

	return claimed, tx.Commit()
}

func scanTask(row interface{ Scan(...any) error }) (store.TaskRecord, error) {
	var rec store.TaskRecord
	var status, runAfter, createdAt string
	var lockedBy, lockedAt *string
	err := row.Scan(&rec.ID, &rec.Kind, &rec.Payload, &status, &runAfter, &rec.Attempts, &lockedBy, &lockedAt, &createdAt)
	if err != nil {
		return store.TaskRecord{}, err
	}
	rec.Status = store.TaskStatus(status)
	if lockedBy != nil {
		rec.LockedBy = *lockedBy
	}
	if rec.RunAfter, err = parseTime(runAfter); err != nil {
		return store.TaskRecord{}, fmt.Errorf("parse run_after %q: %w", runAfter, err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return store.TaskRecord{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	if rec.LockedAt, err = scanNullTime(lockedAt); err != nil {
		return store.TaskRecord{}, fmt.Errorf("parse locked_at: %w", err)
	}
	return rec, nil
}

func (s *Store) Complete(ctx context.Context, taskID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, "UPDATE tasks SET status = ? WHERE id = ?",
		string(store.TaskSucceeded), taskID)
	if err != nil {
		return fmt.Errorf("complete task %q: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete task %q: %w", taskID, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Fail(ctx context.Context, taskID uuid.UUID, reason string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE tasks SET status = ? WHERE id = ?",
		string(store.TaskFailed), taskID)
	if err != nil {
		return fmt.Errorf("fail task %q (%s): %w", taskID, reason, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail task %q: %w", taskID, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Reschedule(ctx context.Context, taskID uuid.UUID, runAfter time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, run_after = ?, locked_by = NULL, locked_at = NULL
		WHERE id = ?
	`, string(store.TaskPending), formatTime(runAfter), taskID)
	if err != nil {
		return fmt.Errorf("reschedule task %q: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reschedule task %q: %w", taskID, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
