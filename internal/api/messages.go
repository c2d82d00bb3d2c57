package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/cihq/internal/analysis"
	"github.com/kalambet/cihq/internal/jobs"
	"github.com/kalambet/cihq/internal/report"
)

// Service is what UI surfaces can ask of the background service.
// Implemented by analysis.Service.
type Service interface {
	StartAnalysis(ctx context.Context, req analysis.Request) (jobs.Job, error)
	StartDeepAnalysis(ctx context.Context, req analysis.Request) (jobs.Job, error)
	Chat(ctx context.Context, req analysis.ChatRequest) (analysis.ChatResult, error)
	StartChatStream(ctx context.Context, req analysis.ChatRequest) (jobs.Job, error)
	Stop(jobID string) error
	ListReports(ctx context.Context, f report.Filter) ([]report.Report, error)
	SaveReport(ctx context.Context, r report.Report) (report.Report, error)
	UpdateReport(ctx context.Context, id string, u report.Update) (report.Report, error)
	DeleteReport(ctx context.Context, id string) error
	ExportReports(ctx context.Context) (analysis.Export, error)
	ReportStats(ctx context.Context) (analysis.Stats, error)
	ClearReports(ctx context.Context) (int, error)
	LastAnalysis() (analysis.LastAnalysis, error)
	Recover(ctx context.Context, jobID string) (analysis.Status, error)
	Usage() (analysis.Usage, error)
}

// Request is one UI message. The variants below are the complete set.
type Request interface {
	requestType() string
}

type StartAnalysis struct{ analysis.Request }

type StartDeepAnalysis struct{ analysis.Request }

type AIChat struct{ analysis.ChatRequest }

// AIChatStream starts a streamed chat; the response deltas arrive on the
// returned job's event stream.
type AIChatStream struct{ analysis.ChatRequest }

type StopChatStream struct {
	JobID string `json:"jobId"`
}

type GetUserAnalyses struct{ report.Filter }

type SaveAnalysis struct {
	Analysis report.Report `json:"analysisData"`
}

type UpdateAnalysis struct {
	ID      string        `json:"id"`
	Updates report.Update `json:"updates"`
}

type DeleteAnalysis struct {
	ID string `json:"id"`
}

type ExportAnalyses struct{}

type GetAnalysisStats struct{}

// ClearAllAnalyses deletes every report. Confirm must be set.
type ClearAllAnalyses struct {
	Confirm bool `json:"confirm"`
}

func (StartAnalysis) requestType() string     { return "startAnalysis" }
func (StartDeepAnalysis) requestType() string { return "startDeepAnalysis" }
func (AIChat) requestType() string            { return "aiChat" }
func (AIChatStream) requestType() string      { return "aiChatStream" }
func (StopChatStream) requestType() string    { return "stopChatStream" }
func (GetUserAnalyses) requestType() string   { return "getUserAnalyses" }
func (SaveAnalysis) requestType() string      { return "saveAnalysis" }
func (UpdateAnalysis) requestType() string    { return "updateAnalysis" }
func (DeleteAnalysis) requestType() string    { return "deleteAnalysis" }
func (ExportAnalyses) requestType() string    { return "exportAnalyses" }
func (GetAnalysisStats) requestType() string  { return "getAnalysisStats" }
func (ClearAllAnalyses) requestType() string  { return "clearAllAnalyses" }

var ErrUnknownRequest = errors.New("unknown request type")

// ErrNotConfirmed rejects a clear that was not confirmed by the user.
var ErrNotConfirmed = errors.New("clearing all reports requires confirmation")

var decoders = map[string]func([]byte) (Request, error){
	"startAnalysis":     decodeAs[StartAnalysis],
	"startDeepAnalysis": decodeAs[StartDeepAnalysis],
	"aiChat":            decodeAs[AIChat],
	"aiChatStream":      decodeAs[AIChatStream],
	"stopChatStream":    decodeAs[StopChatStream],
	"getUserAnalyses":   decodeAs[GetUserAnalyses],
	"saveAnalysis":      decodeAs[SaveAnalysis],
	"updateAnalysis":    decodeAs[UpdateAnalysis],
	"deleteAnalysis":    decodeAs[DeleteAnalysis],
	"exportAnalyses":    decodeAs[ExportAnalyses],
	"getAnalysisStats":  decodeAs[GetAnalysisStats],
	"clearAllAnalyses":  decodeAs[ClearAllAnalyses],
}

func decodeAs[T Request](data []byte) (Request, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeRequest parses a {"type": ..., ...payload} message.
func DecodeRequest(data []byte) (Request, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	decode, ok := decoders[head.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequest, head.Type)
	}
	req, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", head.Type, err)
	}
	return req, nil
}

// Response is the reply envelope of every message.
type Response struct {
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

// Dispatch runs req against svc.
func Dispatch(ctx context.Context, svc Service, req Request) (any, error) {
	switch r := req.(type) {
	case StartAnalysis:
		return svc.StartAnalysis(ctx, r.Request)
	case StartDeepAnalysis:
		return svc.StartDeepAnalysis(ctx, r.Request)
	case AIChat:
		return svc.Chat(ctx, r.ChatRequest)
	case AIChatStream:
		return svc.StartChatStream(ctx, r.ChatRequest)
	case StopChatStream:
		if r.JobID == "" {
			return nil, errors.New("jobId is required")
		}
		if err := svc.Stop(r.JobID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "stopping"}, nil
	case GetUserAnalyses:
		reports, err := svc.ListReports(ctx, r.Filter)
		if err != nil {
			return nil, err
		}
		if reports == nil {
			reports = []report.Report{}
		}
		return reports, nil
	case SaveAnalysis:
		return svc.SaveReport(ctx, r.Analysis)
	case UpdateAnalysis:
		if r.ID == "" {
			return nil, errors.New("id is required")
		}
		return svc.UpdateReport(ctx, r.ID, r.Updates)
	case DeleteAnalysis:
		if r.ID == "" {
			return nil, errors.New("id is required")
		}
		if err := svc.DeleteReport(ctx, r.ID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "deleted"}, nil
	case ExportAnalyses:
		return svc.ExportReports(ctx)
	case GetAnalysisStats:
		return svc.ReportStats(ctx)
	case ClearAllAnalyses:
		if !r.Confirm {
			return nil, ErrNotConfirmed
		}
		n, err := svc.ClearReports(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"deleted": n}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownRequest, req)
	}
}
