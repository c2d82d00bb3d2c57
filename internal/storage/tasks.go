package storage

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

func (s *Store) EnqueueTask(task Task) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !task.RunAfter.IsZero() {
		runAfter = task.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := task.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	_, err := s.db.Exec(`
		INSERT INTO sync_tasks (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		task.ID, task.Type, task.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextTask marks the oldest due pending task of the given types as
// running and returns it, or nil when nothing is due.
func (s *Store) ClaimNextTask(types []string) (*Task, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM sync_tasks
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var t Task
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&t.ID, &t.Type, &t.PayloadJSON, &t.Status, &t.Attempts, &t.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next task: %w", err)
	}

	res, err := tx.Exec(`UPDATE sync_tasks SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, t.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating task status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	t.Status = "running"
	t.LastError = lastError.String
	if t.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for task %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for task %s: %w", t.ID, err)
	}
	return &t, nil
}

func (s *Store) CompleteTask(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE sync_tasks SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailTask records a failed attempt. The task is retried with exponential
// backoff until max_attempts, then marked failed.
func (s *Store) FailTask(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM sync_tasks WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE sync_tasks SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE sync_tasks SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// DeferTask puts a claimed task back to pending until runAfter without
// counting an attempt.
func (s *Store) DeferTask(id string, runAfter time.Time, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE sync_tasks SET status = 'pending', run_after = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		runAfter.UTC().Format(time.RFC3339), reason, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingTasks counts tasks of type typ that have not completed or failed.
func (s *Store) PendingTasks(typ string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_tasks WHERE type = ? AND status IN ('pending', 'running')`, typ).Scan(&n)
	return n, err
}
