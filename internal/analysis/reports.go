package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/cihq/internal/report"
)

// signedIn returns the remote store user, or "" when reports can only live
// in the local corpus.
func (s *Service) signedIn(ctx context.Context) string {
	if s.deps.Remote == nil || s.deps.Users == nil {
		return ""
	}
	id, err := s.deps.Users.UserID(ctx)
	if err != nil {
		return ""
	}
	return id
}

// ListReports lists the user's reports together with those still waiting in
// the local corpus, merged in the filter's order before the limit applies.
func (s *Service) ListReports(ctx context.Context, f report.Filter) ([]report.Report, error) {
	var out []report.Report
	if userID := s.signedIn(ctx); userID != "" {
		remote, err := s.deps.Remote.List(ctx, userID, f)
		if err != nil {
			return nil, err
		}
		out = remote
	}

	local, err := s.deps.Local.List(ctx, report.LocalUserID, f)
	if err != nil {
		return nil, err
	}
	out = append(out, local...)
	report.Sort(out, f)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetReport loads one report from the remote store or the local corpus.
func (s *Service) GetReport(ctx context.Context, id string) (report.Report, error) {
	if userID := s.signedIn(ctx); userID != "" {
		r, err := s.deps.Remote.Get(ctx, userID, id)
		if !errors.Is(err, report.ErrNotFound) {
			return r, err
		}
	}
	return s.deps.Local.Get(ctx, report.LocalUserID, id)
}

// UpdateReport changes the tags, category or favorite flag of a report.
func (s *Service) UpdateReport(ctx context.Context, id string, u report.Update) (report.Report, error) {
	if u.Empty() {
		return report.Report{}, report.ErrNoUpdates
	}
	if userID := s.signedIn(ctx); userID != "" {
		r, err := s.deps.Remote.Update(ctx, userID, id, u)
		if !errors.Is(err, report.ErrNotFound) {
			return r, err
		}
	}
	return s.deps.Local.Update(ctx, report.LocalUserID, id, u)
}

// DeleteReport removes a report. Deleting a report that is still queued
// for upload cancels the upload.
func (s *Service) DeleteReport(ctx context.Context, id string) error {
	if userID := s.signedIn(ctx); userID != "" {
		err := s.deps.Remote.Delete(ctx, userID, id)
		if !errors.Is(err, report.ErrNotFound) {
			return err
		}
	}
	return s.deps.Local.Delete(ctx, report.LocalUserID, id)
}

// Export is a dump of every saved report.
type Export struct {
	ExportDate    time.Time       `json:"exportDate"`
	TotalAnalyses int             `json:"totalAnalyses"`
	Analyses      []report.Report `json:"analyses"`
}

// ExportReports returns all of the user's reports, newest first.
func (s *Service) ExportReports(ctx context.Context) (Export, error) {
	reports, err := s.ListReports(ctx, report.Filter{})
	if err != nil {
		return Export{}, fmt.Errorf("listing reports: %w", err)
	}
	if reports == nil {
		reports = []report.Report{}
	}
	return Export{ExportDate: s.now().UTC(), TotalAnalyses: len(reports), Analyses: reports}, nil
}

// Stats counts saved reports.
type Stats struct {
	Total     int `json:"totalAnalyses"`
	Feature   int `json:"featureReports"`
	Pricing   int `json:"pricingReports"`
	General   int `json:"generalReports"`
	ThisMonth int `json:"thisMonth"`
}

// ReportStats counts the user's reports per analysis type and those created
// since the start of the current month, local time.
func (s *Service) ReportStats(ctx context.Context) (Stats, error) {
	reports, err := s.ListReports(ctx, report.Filter{})
	if err != nil {
		return Stats{}, fmt.Errorf("listing reports: %w", err)
	}
	now := s.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	st := Stats{Total: len(reports)}
	for _, r := range reports {
		switch r.AnalysisType {
		case report.FeatureExtraction:
			st.Feature++
		case report.PricingAnalysis:
			st.Pricing++
		default:
			st.General++
		}
		if !r.CreatedAt.Before(monthStart) {
			st.ThisMonth++
		}
	}
	return st, nil
}

// ClearReports deletes every report of the user, queued local ones included,
// and returns how many were removed.
func (s *Service) ClearReports(ctx context.Context) (int, error) {
	reports, err := s.ListReports(ctx, report.Filter{})
	if err != nil {
		return 0, fmt.Errorf("listing reports: %w", err)
	}
	n := 0
	for _, r := range reports {
		if err := s.DeleteReport(ctx, r.ID); err != nil && !errors.Is(err, report.ErrNotFound) {
			return n, fmt.Errorf("deleting report %s: %w", r.ID, err)
		}
		n++
	}
	s.logger.Info("reports cleared", "count", n)
	return n, nil
}
