// Package reportsync uploads reports that were saved to the local corpus
// because the remote store was unreachable or the user was signed out.
package reportsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/cihq/internal/apperr"
	"github.com/kalambet/cihq/internal/report"
	"github.com/kalambet/cihq/internal/storage"
)

// TaskType is the queue type of report uploads.
const TaskType = "report_sync"

// TaskQueue abstracts the durable task queue.
// Implemented by storage.Store.
type TaskQueue interface {
	Enqueuer
	ClaimNextTask(types []string) (*storage.Task, error)
	CompleteTask(id string) error
	FailTask(id string, errMsg string) error
	DeferTask(id string, runAfter time.Time, reason string) error
}

// Enqueuer adds a task to the queue.
type Enqueuer interface {
	EnqueueTask(task storage.Task) error
}

// UserSource resolves the signed-in user.
// Implemented by auth.SessionSource.
type UserSource interface {
	UserID(ctx context.Context) (string, error)
}

// errSignedOut parks a task until a user signs in. It does not count as a
// failed attempt.
var errSignedOut = errors.New("no signed-in user")

type payload struct {
	ReportID string `json:"report_id"`
	UserID   string `json:"user_id"`
}

// Enqueue schedules the upload of a locally saved report.
func Enqueue(q Enqueuer, r report.Report) error {
	data, err := json.Marshal(payload{ReportID: r.ID, UserID: r.UserID})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	task := storage.Task{
		ID:          uuid.New().String(),
		Type:        TaskType,
		PayloadJSON: string(data),
	}
	if err := q.EnqueueTask(task); err != nil {
		return fmt.Errorf("enqueueing report sync: %w", err)
	}
	return nil
}

// Worker processes report_sync tasks from the SQLite task queue.
type Worker struct {
	queue  TaskQueue
	local  report.Store
	remote report.Store
	users  UserSource
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 5s.
func NewWorker(queue TaskQueue, local, remote report.Store, users UserSource, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Worker{
		queue:  queue,
		local:  local,
		remote: remote,
		users:  users,
		poll:   pollInterval,
		logger: slog.Default().With("component", "reportsync"),
	}
}

// Run polls for tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single report_sync task.
// Returns true if a task was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.queue.ClaimNextTask([]string{TaskType})
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	err = w.process(ctx, task)
	if errors.Is(err, errSignedOut) {
		w.logger.Debug("report sync waiting for sign-in", "task_id", task.ID)
		if deferErr := w.queue.DeferTask(task.ID, time.Now().Add(w.poll), err.Error()); deferErr != nil {
			return true, fmt.Errorf("deferring task %s: %w", task.ID, deferErr)
		}
		return true, nil
	}
	if err != nil {
		w.logger.Warn("report sync failed", "task_id", task.ID, "attempt", task.Attempts+1, "error", err)
		if failErr := w.queue.FailTask(task.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark task as failed", "task_id", task.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.queue.CompleteTask(task.ID); err != nil {
		return true, fmt.Errorf("completing task %s: %w", task.ID, err)
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, task *storage.Task) error {
	var p payload
	if err := json.Unmarshal([]byte(task.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	r, err := w.local.Get(ctx, p.UserID, p.ReportID)
	if errors.Is(err, report.ErrNotFound) {
		// Deleted locally before it could be uploaded.
		w.logger.Info("report no longer in local corpus, skipping", "report_id", p.ReportID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading local report %s: %w", p.ReportID, err)
	}

	userID, err := w.users.UserID(ctx)
	if errors.Is(err, apperr.ErrAuthRequired) || (err == nil && userID == "") {
		return errSignedOut
	}
	if err != nil {
		return fmt.Errorf("resolving user: %w", err)
	}

	r.ID = ""
	r.UserID = userID
	saved, err := w.remote.Upsert(ctx, r)
	if err != nil {
		return fmt.Errorf("uploading report: %w", err)
	}

	if err := w.local.Delete(ctx, p.UserID, p.ReportID); err != nil && !errors.Is(err, report.ErrNotFound) {
		w.logger.Warn("failed to remove synced local report", "report_id", p.ReportID, "error", err)
	}
	w.logger.Info("report synced", "local_id", p.ReportID, "remote_id", saved.ID, "url", saved.URL)
	return nil
}
