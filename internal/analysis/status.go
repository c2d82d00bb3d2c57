package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/cihq/internal/apperr"
	"github.com/kalambet/cihq/internal/jobs"
	"github.com/kalambet/cihq/internal/storage"
)

// JobState is what a reattaching surface learns about a job.
type JobState string

const (
	StateRunning  JobState = "running"
	StateComplete JobState = "complete"
	StateStale    JobState = "stale"
	StateUnknown  JobState = "unknown"
)

type Status struct {
	State   JobState      `json:"state"`
	Job     *jobs.Job     `json:"job,omitempty"`
	Last    *LastAnalysis `json:"lastAnalysis,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Recover reports on a job a surface was following. A finished job has no
// record, so the last completed analysis stands in for its result.
func (s *Service) Recover(ctx context.Context, jobID string) (Status, error) {
	job, err := s.deps.Jobs.Observe(ctx, jobID)
	switch {
	case err == nil:
		return Status{State: StateRunning, Job: &job}, nil
	case errors.Is(err, apperr.ErrStaleJob):
		return Status{State: StateStale, Message: apperr.Message(err)}, nil
	case !errors.Is(err, jobs.ErrUnknownJob):
		return Status{}, err
	}

	last, err := s.LastAnalysis()
	if errors.Is(err, ErrNoLastAnalysis) {
		return Status{State: StateUnknown}, nil
	}
	if err != nil {
		return Status{}, err
	}
	if last.ID == jobID {
		return Status{State: StateComplete, Last: &last}, nil
	}
	return Status{State: StateUnknown, Last: &last}, nil
}

// Usage counts completion requests.
type Usage struct {
	CallsToday   int       `json:"api_calls_today"`
	CallsTotal   int       `json:"api_calls_total"`
	LastUsed     time.Time `json:"last_used"`
	LastUsedDate string    `json:"last_used_date"`
}

// Usage returns the request counters. The daily count reads zero once the
// day has changed.
func (s *Service) Usage() (Usage, error) {
	var u Usage
	err := s.deps.State.GetJSON(storage.KeyUsageStats, &u)
	if errors.Is(err, storage.ErrNotFound) {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("loading usage: %w", err)
	}
	if u.LastUsedDate != s.now().Format(time.DateOnly) {
		u.CallsToday = 0
	}
	return u, nil
}

func (s *Service) recordUsage() {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()

	u, err := s.Usage()
	if err != nil {
		s.logger.Warn("failed to read usage", "error", err)
	}
	now := s.now()
	u.CallsToday++
	u.CallsTotal++
	u.LastUsed = now
	u.LastUsedDate = now.Format(time.DateOnly)
	if err := s.deps.State.SetJSON(storage.KeyUsageStats, u); err != nil {
		s.logger.Warn("failed to update usage", "error", err)
	}
}
