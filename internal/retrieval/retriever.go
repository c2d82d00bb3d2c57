// Package retrieval loads the user's report corpus and picks the reports a
// chat question should be answered from.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/cihq/internal/report"
	"github.com/kalambet/cihq/internal/relevance"
)

const (
	// DefaultLimit is how many reports auto-discovery returns.
	DefaultLimit = 3

	// CorpusLimit bounds how many reports are scored per question.
	CorpusLimit = 200

	resolveConcurrency = 4
)

// UserSource resolves the signed-in user.
// Implemented by auth.SessionSource.
type UserSource interface {
	UserID(ctx context.Context) (string, error)
}

// Retriever reads the remote store for the signed-in user and the local
// corpus of reports saved while signed out or offline.
type Retriever struct {
	remote report.Store
	local  report.Store
	users  UserSource
	limit  int
	logger *slog.Logger
}

// NewRetriever creates a Retriever. remote may be nil when no hosted store is
// configured. limit <= 0 uses DefaultLimit.
func NewRetriever(remote, local report.Store, users UserSource, limit int) *Retriever {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Retriever{
		remote: remote,
		local:  local,
		users:  users,
		limit:  limit,
		logger: slog.Default().With("component", "retrieval"),
	}
}

// Corpus returns every report visible to the current user, newest first.
// Remote reports shadow local ones for the same URL. Store failures are
// logged and the reachable part of the corpus is returned.
func (r *Retriever) Corpus(ctx context.Context) ([]report.Report, error) {
	f := report.Filter{Limit: CorpusLimit}
	var out []report.Report
	seen := make(map[string]bool)

	if r.remote != nil {
		if userID, err := r.users.UserID(ctx); err == nil {
			reports, err := r.remote.List(ctx, userID, f)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				r.logger.Warn("remote corpus unavailable, using local reports", "error", err)
			}
			for _, rep := range reports {
				seen[rep.URL] = true
				out = append(out, rep)
			}
		}
	}

	local, err := r.local.List(ctx, report.LocalUserID, f)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("local corpus unavailable", "error", err)
	}
	for _, rep := range local {
		if !seen[rep.URL] {
			out = append(out, rep)
		}
	}
	return out, nil
}

// FindRelevant returns up to the configured limit of reports matching query,
// best first. An empty or stopword-only query matches nothing.
func (r *Retriever) FindRelevant(ctx context.Context, query string) ([]report.Report, error) {
	return r.FindRelevantN(ctx, query, r.limit)
}

// FindRelevantN is FindRelevant with an explicit limit. limit <= 0 uses the
// configured one.
func (r *Retriever) FindRelevantN(ctx context.Context, query string, limit int) ([]report.Report, error) {
	if limit <= 0 {
		limit = r.limit
	}
	if len(relevance.Tokenize(query)) == 0 {
		return nil, nil
	}
	corpus, err := r.Corpus(ctx)
	if err != nil {
		return nil, err
	}
	found := relevance.FindRelevant(query, corpus, report.Report.RelevanceDocument, limit)
	r.logger.Debug("relevant reports", "corpus", len(corpus), "found", len(found))
	return found, nil
}

// Resolve loads the referenced reports in the order given. Ids found in
// neither store are skipped.
func (r *Retriever) Resolve(ctx context.Context, ids []string) ([]report.Report, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	userID := ""
	if r.remote != nil {
		if id, err := r.users.UserID(ctx); err == nil {
			userID = id
		}
	}

	found := make([]*report.Report, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			rep, err := r.get(gctx, userID, id)
			if errors.Is(err, report.ErrNotFound) {
				r.logger.Debug("referenced report not found", "report_id", id)
				return nil
			}
			if err != nil {
				return fmt.Errorf("loading report %s: %w", id, err)
			}
			found[i] = &rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]report.Report, 0, len(ids))
	for _, rep := range found {
		if rep != nil {
			out = append(out, *rep)
		}
	}
	return out, nil
}

func (r *Retriever) get(ctx context.Context, userID, id string) (report.Report, error) {
	if userID != "" {
		rep, err := r.remote.Get(ctx, userID, id)
		if err == nil {
			return rep, nil
		}
		if ctx.Err() != nil {
			return report.Report{}, ctx.Err()
		}
		if !errors.Is(err, report.ErrNotFound) {
			r.logger.Warn("remote lookup failed, trying local corpus", "report_id", id, "error", err)
		}
	}
	return r.local.Get(ctx, report.LocalUserID, id)
}
