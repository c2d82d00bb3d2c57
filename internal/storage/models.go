package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// State keys in the kv table.
const (
	KeyLastAnalysis        = "last_analysis"
	KeySession             = "session"
	KeyAnalysisPreferences = "analysis_preferences"
	KeyCompanyContext      = "company_context"
	KeyCustomPrompts       = "custom_prompts"
	KeyInitialModel        = "initial_model"
	KeyDeepModel           = "deep_model"
	KeyUsageStats          = "usage_stats"
)

// JobRecord is the durable part of a running job. Only running jobs have a
// record; it is deleted when the job reaches a terminal state.
type JobRecord struct {
	ID        string
	Kind      string
	TabID     string
	StartedAt time.Time
}

type Thread struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
}

type Turn struct {
	ID        int64
	ThreadID  string
	Role      string // "user", "assistant", "system"
	Content   string
	CreatedAt time.Time
}

// Task is a retryable background unit of work in the sync queue.
type Task struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
