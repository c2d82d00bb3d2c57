package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/kalambet/cihq/internal/apperr"
	"github.com/kalambet/cihq/internal/storage"
)

var (
	errStopped  = errors.New("stopped by user")
	errShutdown = errors.New("service shutting down")
)

type run struct {
	job    Job
	cancel context.CancelCauseFunc
	subs   map[int]*subscriber
	nextID int
}

// Manager starts jobs, fans their events out to subscribers, and expires
// jobs whose record is older than the stale threshold.
type Manager struct {
	store      Store
	clock      Clock
	staleAfter time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]*run
	lastMS  int64
	wg      sync.WaitGroup
}

// NewManager creates a Manager. staleAfter <= 0 uses DefaultStaleAfter.
func NewManager(store Store, staleAfter time.Duration) *Manager {
	return NewManagerWithClock(store, realClock{}, staleAfter)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, staleAfter time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{
		store:      store,
		clock:      clock,
		staleAfter: staleAfter,
		logger:     slog.Default().With("component", "jobs"),
		running:    make(map[string]*run),
	}
}

// Start persists a record for a new job and runs work in the background.
// The job outlives ctx; use Stop to cancel it. A second analysis-family job
// is rejected with ErrBusy while one is running.
func (m *Manager) Start(ctx context.Context, kind Kind, tabID string, work Work) (Job, error) {
	m.mu.Lock()
	if kind.Exclusive() {
		for _, r := range m.running {
			if r.job.Kind.Exclusive() {
				m.mu.Unlock()
				return Job{}, fmt.Errorf("%w: job %s", ErrBusy, r.job.ID)
			}
		}
	}

	now := m.clock.Now()
	job := Job{ID: m.nextID(now), Kind: kind, TabID: tabID, StartedAt: now}
	if err := m.store.SaveJob(job.record()); err != nil {
		m.mu.Unlock()
		return Job{}, fmt.Errorf("persisting job: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	runCtx = context.WithValue(runCtx, jobIDKey{}, job.ID)
	r := &run{job: job, cancel: cancel, subs: make(map[int]*subscriber)}
	m.running[job.ID] = r
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("job started", "job_id", job.ID, "kind", kind)
	go m.execute(runCtx, r, work)
	return job, nil
}

// nextID returns "job_<epoch-ms>", bumped past the previous id when two jobs
// start in the same millisecond. Caller holds m.mu.
func (m *Manager) nextID(now time.Time) string {
	ms := now.UnixMilli()
	if ms <= m.lastMS {
		ms = m.lastMS + 1
	}
	m.lastMS = ms
	return "job_" + strconv.FormatInt(ms, 10)
}

func (m *Manager) execute(ctx context.Context, r *run, work Work) {
	defer m.wg.Done()

	progress := func(msg string) {
		m.publish(r, Event{JobID: r.job.ID, Type: EventProgress, Message: msg, At: m.clock.Now()})
	}
	result, err := work(ctx, progress)

	ev := Event{JobID: r.job.ID, At: m.clock.Now()}
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errStopped):
		ev.Type = EventAborted
		ev.Message = "Stopped by user"
	case errors.Is(cause, errShutdown):
		ev.Type = EventAborted
		ev.Message = "Stopped: service shutting down"
	case errors.Is(cause, apperr.ErrStaleJob):
		ev.Type = EventError
		ev.Message = apperr.Message(cause)
		ev.ErrorKind = apperr.Kind(cause)
	case err != nil:
		ev.Type = EventError
		ev.Message = apperr.Message(err)
		ev.ErrorKind = apperr.Kind(err)
	default:
		ev.Type = EventComplete
		if result != nil {
			data, merr := json.Marshal(result)
			if merr != nil {
				ev.Type = EventError
				ev.Message = apperr.Message(fmt.Errorf("encoding result: %w", merr))
				ev.ErrorKind = apperr.Kind(merr)
				break
			}
			ev.Result = data
		}
	}

	m.finish(r, ev)
	r.cancel(nil)
}

// publish queues a progress event for every subscriber. Nothing is dropped:
// chat stream deltas are only correct when all of them arrive.
func (m *Manager) publish(r *run, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range r.subs {
		sub.push(ev)
	}
}

// finish removes the job record before delivering ev, so a listener that
// sees the terminal event never observes the job as running.
func (m *Manager) finish(r *run, ev Event) {
	if err := m.store.DeleteJob(r.job.ID); err != nil {
		m.logger.Warn("failed to delete job record", "job_id", r.job.ID, "error", err)
	}

	m.mu.Lock()
	delete(m.running, r.job.ID)
	for id, sub := range r.subs {
		sub.push(ev)
		delete(r.subs, id)
	}
	m.mu.Unlock()

	m.logger.Info("job finished", "job_id", r.job.ID, "kind", r.job.Kind, "event", ev.Type)
}

// Subscribe attaches a listener to a running job. Events arrive in emission
// order and none are dropped for a slow listener; the channel receives the
// terminal event and is then closed. Events published before the listener
// attached are not replayed. Always call the returned function once done
// reading; it also detaches early.
func (m *Manager) Subscribe(jobID string) (<-chan Event, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.running[jobID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	sub := newSubscriber()
	id := r.nextID
	r.nextID++
	r.subs[id] = sub

	unsubscribe := func() {
		m.mu.Lock()
		delete(r.subs, id)
		m.mu.Unlock()
		sub.detach()
	}
	return sub.out, unsubscribe, nil
}

// Stop cancels a running job. Its terminal event is "aborted".
func (m *Manager) Stop(jobID string) error {
	m.mu.Lock()
	r, ok := m.running[jobID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	r.cancel(errStopped)
	m.logger.Info("job stop requested", "job_id", jobID)
	return nil
}

// Observe loads the persisted record of a job. A record older than the stale
// threshold is deleted, its job cancelled, and ErrStaleJob returned.
func (m *Manager) Observe(ctx context.Context, jobID string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	rec, err := m.store.GetJob(jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if err != nil {
		return Job{}, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if m.isStale(rec) {
		m.expire(rec)
		return Job{}, fmt.Errorf("%w: %s started %s ago", apperr.ErrStaleJob, jobID, m.clock.Now().Sub(rec.StartedAt).Round(time.Second))
	}
	return jobFromRecord(rec), nil
}

// Sweep expires every stale job record and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	recs, err := m.store.ListJobs()
	if err != nil {
		return 0, fmt.Errorf("listing jobs: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if m.isStale(rec) {
			m.expire(rec)
			n++
		}
	}
	return n, nil
}

func (m *Manager) isStale(rec storage.JobRecord) bool {
	return m.clock.Now().Sub(rec.StartedAt) > m.staleAfter
}

func (m *Manager) expire(rec storage.JobRecord) {
	if err := m.store.DeleteJob(rec.ID); err != nil {
		m.logger.Warn("failed to delete stale job record", "job_id", rec.ID, "error", err)
	}
	m.mu.Lock()
	r, ok := m.running[rec.ID]
	m.mu.Unlock()
	if ok {
		r.cancel(fmt.Errorf("%w: %s", apperr.ErrStaleJob, rec.ID))
	}
	m.logger.Warn("job expired", "job_id", rec.ID, "kind", rec.Kind, "started_at", rec.StartedAt)
}

// Running returns the jobs currently executing in this process, oldest first.
func (m *Manager) Running() []Job {
	m.mu.Lock()
	out := make([]Job, 0, len(m.running))
	for _, r := range m.running {
		out = append(out, r.job)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close aborts every running job and waits for them to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, r := range m.running {
		r.cancel(errShutdown)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
