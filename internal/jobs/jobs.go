// Package jobs owns the lifecycle of long-running requests: a job is started,
// emits progress events, and ends with exactly one terminal event. Only
// running jobs are persisted.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kalambet/cihq/internal/storage"
)

type Kind string

const (
	KindAnalysis     Kind = "analysis"
	KindDeepAnalysis Kind = "deepAnalysis"
	KindChatStream   Kind = "chatStream"
)

// Exclusive reports whether at most one job of this kind family may run.
func (k Kind) Exclusive() bool {
	return k == KindAnalysis || k == KindDeepAnalysis
}

type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	EventAborted  EventType = "aborted"
)

const (
	DefaultStaleAfter      = 10 * time.Minute
	DefaultListenerTimeout = 5 * time.Minute
)

var (
	ErrBusy            = errors.New("an analysis is already running")
	ErrUnknownJob      = errors.New("unknown job")
	ErrListenerTimeout = errors.New("no result received before the listener timeout")
)

type Job struct {
	ID        string    `json:"jobId"`
	Kind      Kind      `json:"kind"`
	TabID     string    `json:"tabId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

type Event struct {
	JobID     string          `json:"jobId"`
	Type      EventType       `json:"type"`
	Message   string          `json:"message,omitempty"`
	ErrorKind string          `json:"errorKind,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	At        time.Time       `json:"at"`
}

// Terminal reports whether e ends its job.
func (e Event) Terminal() bool {
	return e.Type != EventProgress
}

// Work is the body of a job. progress publishes a progress event; the
// returned value becomes the complete event's result.
type Work func(ctx context.Context, progress func(message string)) (any, error)

type jobIDKey struct{}

// IDFromContext returns the id of the job whose Work was handed ctx.
func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

// Store persists running job records.
// Implemented by storage.Store.
type Store interface {
	SaveJob(j storage.JobRecord) error
	GetJob(id string) (storage.JobRecord, error)
	DeleteJob(id string) error
	ListJobs() ([]storage.JobRecord, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (j Job) record() storage.JobRecord {
	return storage.JobRecord{ID: j.ID, Kind: string(j.Kind), TabID: j.TabID, StartedAt: j.StartedAt}
}

func jobFromRecord(r storage.JobRecord) Job {
	return Job{ID: r.ID, Kind: Kind(r.Kind), TabID: r.TabID, StartedAt: r.StartedAt}
}
