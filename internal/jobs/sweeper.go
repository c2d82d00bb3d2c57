package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the stale-job sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// Sweeper runs Manager.Sweep on a cron schedule.
type Sweeper struct {
	cron    *cron.Cron
	manager *Manager
	logger  *slog.Logger
}

// NewSweeper schedules sweeps of m. An empty schedule uses
// DefaultSweepSchedule.
func NewSweeper(m *Manager, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{
		cron:    cron.New(),
		manager: m,
		logger:  slog.Default().With("component", "sweeper"),
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("adding sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start sweeps once immediately, then on schedule.
func (s *Sweeper) Start() {
	s.sweep()
	s.cron.Start()
}

// Stop halts the schedule and waits for a sweep in progress.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	n, err := s.manager.Sweep(context.Background())
	if err != nil {
		s.logger.Error("stale job sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("expired stale jobs", "count", n)
	}
}
