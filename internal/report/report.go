// Package report defines the durable analysis record and the store contract
// shared by the remote REST store and the local fallback corpus.
package report

import (
	"cmp"
	"context"
	"errors"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/kalambet/cihq/internal/relevance"
	"github.com/kalambet/cihq/internal/snapshot"
)

type AnalysisType string

const (
	FeatureExtraction AnalysisType = "feature_extraction"
	PricingAnalysis   AnalysisType = "pricing_analysis"
	General           AnalysisType = "general"
)

// Valid reports whether t is a known analysis type.
func (t AnalysisType) Valid() bool {
	switch t {
	case FeatureExtraction, PricingAnalysis, General:
		return true
	}
	return false
}

// LocalUserID owns reports saved while no user is signed in.
const LocalUserID = "local"

var (
	ErrNotFound  = errors.New("report not found")
	ErrNoUpdates = errors.New("no valid updates provided")
)

type Report struct {
	ID           string             `json:"id"`
	UserID       string             `json:"user_id"`
	Title        string             `json:"title"`
	URL          string             `json:"url"`
	Domain       string             `json:"domain"`
	AnalysisType AnalysisType       `json:"analysis_type"`
	Content      string             `json:"content"`
	PageSnapshot *snapshot.Snapshot `json:"page_data,omitempty"`
	ModelUsed    string             `json:"model_used"`
	TokenCount   int                `json:"token_count"`
	Tags         []string           `json:"tags"`
	Category     *string            `json:"category"`
	IsFavorite   bool               `json:"is_favorite"`
	CreatedAt    time.Time          `json:"created_at"`
}

// RelevanceDocument exposes the fields the relevance scorer reads.
func (r Report) RelevanceDocument() relevance.Document {
	return relevance.Document{Title: r.Title, Domain: r.Domain, Content: r.Content}
}

// Documents converts reports for scoring, preserving order.
func Documents(reports []Report) []relevance.Document {
	docs := make([]relevance.Document, len(reports))
	for i, r := range reports {
		docs[i] = r.RelevanceDocument()
	}
	return docs
}

// Filter selects reports for listing. Zero values mean "no constraint";
// ordering defaults to newest first.
type Filter struct {
	OrderBy      string       `json:"order_by,omitempty"`
	Order        string       `json:"order,omitempty"`
	Limit        int          `json:"limit,omitempty"`
	Domain       string       `json:"domain,omitempty"`
	Type         AnalysisType `json:"analysis_type,omitempty"`
	FavoriteOnly bool         `json:"is_favorite,omitempty"`
	Search       string       `json:"search,omitempty"`
}

// Sort orders reports the way f asks a store to: by f.OrderBy (created_at
// when empty or unknown), newest or largest first unless f.Order is "asc",
// ties broken by id.
func Sort(reports []Report, f Filter) {
	key := func(a, b Report) int {
		switch f.OrderBy {
		case "title":
			return strings.Compare(a.Title, b.Title)
		case "domain":
			return strings.Compare(a.Domain, b.Domain)
		case "analysis_type":
			return strings.Compare(string(a.AnalysisType), string(b.AnalysisType))
		case "token_count":
			return cmp.Compare(a.TokenCount, b.TokenCount)
		default:
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	}
	desc := !strings.EqualFold(f.Order, "asc")
	slices.SortStableFunc(reports, func(a, b Report) int {
		c := key(a, b)
		if desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// Update carries the only mutable fields of a report. Nil means unchanged.
type Update struct {
	Tags       *[]string `json:"tags,omitempty"`
	Category   *string   `json:"category,omitempty"`
	IsFavorite *bool     `json:"is_favorite,omitempty"`
}

func (u Update) Empty() bool {
	return u.Tags == nil && u.Category == nil && u.IsFavorite == nil
}

// Store persists reports scoped to a user. Upsert replaces the report with
// the same (UserID, URL) instead of creating a second one.
type Store interface {
	Upsert(ctx context.Context, r Report) (Report, error)
	List(ctx context.Context, userID string, f Filter) ([]Report, error)
	Get(ctx context.Context, userID, id string) (Report, error)
	Update(ctx context.Context, userID, id string, u Update) (Report, error)
	Delete(ctx context.Context, userID, id string) error
}

// DomainFromURL returns the lowercased host of raw with any leading "www."
// removed, or "" when raw has no host.
func DomainFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// EstimateTokens is ceil(len(text)/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
