// Package analysis orchestrates page analysis and report chat: it runs the
// extraction, prompt and completion steps inside jobs and saves the results.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/cihq/internal/apperr"
	"github.com/kalambet/cihq/internal/jobs"
	"github.com/kalambet/cihq/internal/prompt"
	"github.com/kalambet/cihq/internal/proxy"
	"github.com/kalambet/cihq/internal/report"
	"github.com/kalambet/cihq/internal/reportsync"
	"github.com/kalambet/cihq/internal/settings"
	"github.com/kalambet/cihq/internal/snapshot"
	"github.com/kalambet/cihq/internal/storage"
)

// Fetcher loads and extracts a page.
// Implemented by snapshot.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*snapshot.Snapshot, error)
}

// Completer is the completion provider.
// Implemented by proxy.Client.
type Completer interface {
	Complete(ctx context.Context, req proxy.CompletionRequest) (string, error)
	Stream(ctx context.Context, req proxy.CompletionRequest, onDelta func(string) error) (string, error)
}

// SettingsSource returns the current user settings.
// Implemented by settings.Manager.
type SettingsSource interface {
	Get() (settings.Settings, error)
}

// Retriever picks the reports a question is answered from.
// Implemented by retrieval.Retriever.
type Retriever interface {
	FindRelevant(ctx context.Context, query string) ([]report.Report, error)
	Resolve(ctx context.Context, ids []string) ([]report.Report, error)
}

// UserSource resolves the signed-in user.
// Implemented by auth.SessionSource.
type UserSource interface {
	UserID(ctx context.Context) (string, error)
}

// StateStore holds the JSON values of the kv table.
// Implemented by storage.Store.
type StateStore interface {
	GetJSON(key string, v any) error
	SetJSON(key string, v any) error
}

// ThreadStore persists chat threads.
// Implemented by storage.Store.
type ThreadStore interface {
	CreateThread(userID, title string) (storage.Thread, error)
	GetThread(id string) (storage.Thread, error)
	AppendTurn(threadID, role, content string) (storage.Turn, error)
	ListTurns(threadID string, limit int) ([]storage.Turn, error)
}

// Limits are the per-step timeouts and completion parameters.
type Limits struct {
	ExtractTimeout      time.Duration
	CompletionTimeout   time.Duration
	AnalysisMaxTokens   int
	AnalysisTemperature float64
	ChatMaxTokens       int
	ChatTemperature     float64
}

func (l Limits) withDefaults() Limits {
	if l.ExtractTimeout <= 0 {
		l.ExtractTimeout = 30 * time.Second
	}
	if l.CompletionTimeout <= 0 {
		l.CompletionTimeout = 120 * time.Second
	}
	if l.AnalysisMaxTokens <= 0 {
		l.AnalysisMaxTokens = 2000
	}
	if l.ChatMaxTokens <= 0 {
		l.ChatMaxTokens = 1500
	}
	return l
}

// Deps holds the collaborators of a Service. Remote and Sync may be nil when
// no hosted report store is configured.
type Deps struct {
	Jobs      *jobs.Manager
	Fetcher   Fetcher
	LLM       Completer
	Prompts   *prompt.Assembler
	Settings  SettingsSource
	Remote    report.Store
	Local     report.Store
	Users     UserSource
	Retriever Retriever
	State     StateStore
	Threads   ThreadStore
	Sync      reportsync.Enqueuer
	Limits    Limits
}

var (
	ErrNoLastAnalysis = errors.New("no completed analysis")
	ErrEmptyMessage   = errors.New("message is required")
)

// Service runs analysis and chat requests.
type Service struct {
	deps   Deps
	limits Limits
	now    func() time.Time
	logger *slog.Logger

	usageMu sync.Mutex
}

func NewService(deps Deps) *Service {
	if deps.Prompts == nil {
		deps.Prompts = prompt.New(0)
	}
	return &Service{
		deps:   deps,
		limits: deps.Limits.withDefaults(),
		now:    time.Now,
		logger: slog.Default().With("component", "analysis"),
	}
}

// Request asks for the analysis of one page. A Snapshot captured by the
// caller is used as-is; otherwise URL is fetched.
type Request struct {
	URL        string             `json:"url"`
	TabID      string             `json:"tabId,omitempty"`
	Snapshot   *snapshot.Snapshot `json:"pageData,omitempty"`
	References []string           `json:"referencedDocs,omitempty"`
}

// LastAnalysis is the most recent completed analysis, kept for surfaces that
// reattach after the job's terminal event.
type LastAnalysis struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
	PageData  *snapshot.Snapshot `json:"pageData"`
	Report    string             `json:"report"`
	ReportID  string             `json:"reportId,omitempty"`
	Deep      bool               `json:"deep,omitempty"`
}

// StartAnalysis starts a quick analysis job.
func (s *Service) StartAnalysis(ctx context.Context, req Request) (jobs.Job, error) {
	return s.start(ctx, jobs.KindAnalysis, req)
}

// StartDeepAnalysis starts a deep analysis job using the deep model.
func (s *Service) StartDeepAnalysis(ctx context.Context, req Request) (jobs.Job, error) {
	return s.start(ctx, jobs.KindDeepAnalysis, req)
}

func (s *Service) start(ctx context.Context, kind jobs.Kind, req Request) (jobs.Job, error) {
	if req.Snapshot == nil && req.URL == "" {
		return jobs.Job{}, fmt.Errorf("%w: url or page data is required", apperr.ErrInvalidSnapshot)
	}
	return s.deps.Jobs.Start(ctx, kind, req.TabID, func(ctx context.Context, progress func(string)) (any, error) {
		return s.run(ctx, kind == jobs.KindDeepAnalysis, req, progress)
	})
}

func (s *Service) run(ctx context.Context, deep bool, req Request, progress func(string)) (LastAnalysis, error) {
	jobID := jobs.IDFromContext(ctx)
	progress("Extracting page content...")
	snap, err := s.snapshot(ctx, req)
	if err != nil {
		return LastAnalysis{}, err
	}
	s.recordUsage()

	progress("Building prompt...")
	cfg, err := s.deps.Settings.Get()
	if err != nil {
		return LastAnalysis{}, fmt.Errorf("loading settings: %w", err)
	}
	opts := cfg.PromptOptions()
	model := cfg.InitialModel
	var p prompt.Prompt
	if deep {
		model = cfg.DeepModel
		opts.Referenced = s.deepReferences(ctx, req, snap)
		opts.Query = snap.Title
		p, err = s.deps.Prompts.BuildDeep(snap, opts)
	} else {
		p, err = s.deps.Prompts.Build(snap, opts)
	}
	if err != nil {
		return LastAnalysis{}, err
	}

	progress(fmt.Sprintf("Contacting model (%s)...", model))
	cctx, cancel := context.WithTimeout(ctx, s.limits.CompletionTimeout)
	text, err := s.deps.LLM.Complete(cctx, proxy.CompletionRequest{
		Model:       model,
		Messages:    p.Messages(),
		MaxTokens:   s.limits.AnalysisMaxTokens,
		Temperature: proxy.Temp(s.limits.AnalysisTemperature),
	})
	cancel()
	if err != nil {
		return LastAnalysis{}, err
	}

	generated := s.now()
	content := prompt.RenderReport(p.Type, snap.URL, model, text, generated)

	progress("Saving report...")
	saved, err := s.saveReport(ctx, report.Report{
		Title:        prompt.ReportTitle(snap),
		URL:          snap.URL,
		Domain:       report.DomainFromURL(snap.URL),
		AnalysisType: p.Type,
		Content:      content,
		PageSnapshot: snap,
		ModelUsed:    model,
		TokenCount:   prompt.EstimateTokens(content),
		CreatedAt:    generated,
	})
	if err != nil {
		if ctx.Err() != nil {
			return LastAnalysis{}, ctx.Err()
		}
		s.logger.Warn("report not saved", "url", snap.URL, "error", err)
	}

	last := LastAnalysis{
		ID:        jobID,
		Status:    "complete",
		Timestamp: generated,
		PageData:  snap,
		Report:    content,
		ReportID:  saved.ID,
		Deep:      deep,
	}
	if err := s.deps.State.SetJSON(storage.KeyLastAnalysis, last); err != nil {
		s.logger.Warn("failed to save last analysis", "job_id", jobID, "error", err)
	}
	return last, nil
}

func (s *Service) snapshot(ctx context.Context, req Request) (*snapshot.Snapshot, error) {
	if req.Snapshot != nil {
		snap := *req.Snapshot
		snap.Clamp()
		if err := snap.Validate(); err != nil {
			return nil, err
		}
		return &snap, nil
	}
	ectx, cancel := context.WithTimeout(ctx, s.limits.ExtractTimeout)
	defer cancel()
	snap, err := s.deps.Fetcher.Fetch(ectx, req.URL)
	if err != nil {
		return nil, err
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrExtractionFailure, err)
	}
	return snap, nil
}

// deepReferences loads the reports a deep analysis compares against: the
// ones the caller referenced, or else earlier reports about the same page.
func (s *Service) deepReferences(ctx context.Context, req Request, snap *snapshot.Snapshot) []report.Report {
	if s.deps.Retriever == nil {
		return nil
	}
	var (
		refs []report.Report
		err  error
	)
	if len(req.References) > 0 {
		refs, err = s.deps.Retriever.Resolve(ctx, req.References)
	} else {
		refs, err = s.deps.Retriever.FindRelevant(ctx, snap.Title+" "+report.DomainFromURL(snap.URL))
	}
	if err != nil {
		s.logger.Warn("referenced reports unavailable", "error", err)
		return nil
	}
	// A re-analysis should not be compared against its own previous report.
	out := refs[:0]
	for _, r := range refs {
		if r.URL != snap.URL {
			out = append(out, r)
		}
	}
	return out
}

// saveReport upserts r into the remote store for the signed-in user. When
// that is not possible the report goes to the local corpus and an upload is
// queued for later.
func (s *Service) saveReport(ctx context.Context, r report.Report) (report.Report, error) {
	if s.deps.Remote != nil {
		userID, err := s.deps.Users.UserID(ctx)
		if err == nil {
			r.UserID = userID
			saved, err := s.deps.Remote.Upsert(ctx, r)
			if err == nil {
				return saved, nil
			}
			if ctx.Err() != nil {
				return report.Report{}, ctx.Err()
			}
			s.logger.Warn("remote save failed, keeping report locally", "url", r.URL, "error", err)
		} else {
			s.logger.Warn("not signed in, keeping report locally", "url", r.URL, "error", err)
		}
	}

	r.UserID = report.LocalUserID
	saved, err := s.deps.Local.Upsert(ctx, r)
	if err != nil {
		return report.Report{}, fmt.Errorf("saving report locally: %w", err)
	}
	if s.deps.Remote != nil && s.deps.Sync != nil {
		if err := reportsync.Enqueue(s.deps.Sync, saved); err != nil {
			s.logger.Warn("failed to queue report upload", "report_id", saved.ID, "error", err)
		}
	}
	return saved, nil
}

// SaveReport stores a report produced elsewhere, such as by a browser
// surface, with the same remote-then-local policy as analyses.
func (s *Service) SaveReport(ctx context.Context, r report.Report) (report.Report, error) {
	if r.URL == "" {
		return report.Report{}, errors.New("report url is required")
	}
	if r.Title == "" {
		r.Title = "Untitled Analysis"
	}
	if r.Domain == "" {
		r.Domain = report.DomainFromURL(r.URL)
	}
	if !r.AnalysisType.Valid() {
		r.AnalysisType = report.General
	}
	if r.TokenCount == 0 {
		r.TokenCount = report.EstimateTokens(r.Content)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	return s.saveReport(ctx, r)
}

// LastAnalysis returns the most recent completed analysis.
func (s *Service) LastAnalysis() (LastAnalysis, error) {
	var last LastAnalysis
	err := s.deps.State.GetJSON(storage.KeyLastAnalysis, &last)
	if errors.Is(err, storage.ErrNotFound) {
		return LastAnalysis{}, ErrNoLastAnalysis
	}
	if err != nil {
		return LastAnalysis{}, fmt.Errorf("loading last analysis: %w", err)
	}
	return last, nil
}

// Stop aborts a running job.
func (s *Service) Stop(jobID string) error {
	return s.deps.Jobs.Stop(jobID)
}
