// Package reportstore is the REST client for the hosted report table. It
// speaks the PostgREST dialect and implements report.Store.
package reportstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/cihq/internal/apperr"
	"github.com/kalambet/cihq/internal/report"
	"github.com/kalambet/cihq/internal/snapshot"
)

const (
	defaultTable   = "analyses"
	defaultTimeout = 30 * time.Second
)

// TokenSource supplies the access token of the signed-in user.
// Implemented by auth.SessionSource.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Client struct {
	baseURL    string
	anonKey    string
	table      string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a report store client for the project at baseURL. An
// empty table uses "analyses".
func NewClient(baseURL, anonKey, table string, tokens TokenSource) *Client {
	if table == "" {
		table = defaultTable
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		table:      table,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default().With("component", "reportstore"),
	}
}

var _ report.Store = (*Client)(nil)

// row is the wire shape of a report. Tags, category and favorite are omitted
// on insert when unset so a merge keeps the values already stored.
type row struct {
	ID           string             `json:"id,omitempty"`
	UserID       string             `json:"user_id"`
	Title        string             `json:"title"`
	URL          string             `json:"url"`
	Domain       string             `json:"domain"`
	AnalysisType string             `json:"analysis_type"`
	Content      string             `json:"content"`
	PageData     *snapshot.Snapshot `json:"page_data,omitempty"`
	ModelUsed    string             `json:"model_used"`
	TokenCount   int                `json:"token_count"`
	Tags         []string           `json:"tags,omitempty"`
	Category     *string            `json:"category,omitempty"`
	IsFavorite   *bool              `json:"is_favorite,omitempty"`
	CreatedAt    *time.Time         `json:"created_at,omitempty"`
}

func (r row) report() report.Report {
	out := report.Report{
		ID:           r.ID,
		UserID:       r.UserID,
		Title:        r.Title,
		URL:          r.URL,
		Domain:       r.Domain,
		AnalysisType: report.AnalysisType(r.AnalysisType),
		Content:      r.Content,
		PageSnapshot: r.PageData,
		ModelUsed:    r.ModelUsed,
		TokenCount:   r.TokenCount,
		Tags:         r.Tags,
		Category:     r.Category,
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	if r.IsFavorite != nil {
		out.IsFavorite = *r.IsFavorite
	}
	if r.CreatedAt != nil {
		out.CreatedAt = *r.CreatedAt
	}
	if !out.AnalysisType.Valid() {
		out.AnalysisType = report.General
	}
	return out
}

// Upsert inserts r, merging into the existing row for the same (user, url).
func (c *Client) Upsert(ctx context.Context, r report.Report) (report.Report, error) {
	if r.UserID == "" || r.URL == "" {
		return report.Report{}, errors.New("report needs a user id and url")
	}
	if r.Domain == "" {
		r.Domain = report.DomainFromURL(r.URL)
	}
	if r.AnalysisType == "" {
		r.AnalysisType = report.General
	}
	in := row{
		UserID:       r.UserID,
		Title:        r.Title,
		URL:          r.URL,
		Domain:       r.Domain,
		AnalysisType: string(r.AnalysisType),
		Content:      r.Content,
		PageData:     r.PageSnapshot,
		ModelUsed:    r.ModelUsed,
		TokenCount:   r.TokenCount,
		Tags:         r.Tags,
		Category:     r.Category,
	}
	if r.IsFavorite {
		in.IsFavorite = &r.IsFavorite
	}
	if !r.CreatedAt.IsZero() {
		in.CreatedAt = &r.CreatedAt
	}

	q := url.Values{"on_conflict": {"user_id,url"}}
	var out []row
	err := c.do(ctx, http.MethodPost, q, in, "resolution=merge-duplicates,return=representation", &out)
	if err != nil {
		return report.Report{}, fmt.Errorf("saving report: %w", err)
	}
	if len(out) == 0 {
		return report.Report{}, fmt.Errorf("%w: save returned no rows", apperr.ErrProviderError)
	}
	return out[0].report(), nil
}

// List returns the user's reports matching f, newest first by default.
func (c *Client) List(ctx context.Context, userID string, f report.Filter) ([]report.Report, error) {
	q := listQuery(userID, f)
	var rows []row
	if err := c.do(ctx, http.MethodGet, q, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	out := make([]report.Report, len(rows))
	for i, r := range rows {
		out[i] = r.report()
	}
	return out, nil
}

func listQuery(userID string, f report.Filter) url.Values {
	q := url.Values{}
	if userID != "" {
		q.Set("user_id", "eq."+userID)
	}
	orderBy := f.OrderBy
	if orderBy == "" {
		orderBy = "created_at"
	}
	order := strings.ToLower(f.Order)
	if order != "asc" {
		order = "desc"
	}
	q.Set("order", orderBy+"."+order)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Domain != "" {
		q.Set("domain", "eq."+f.Domain)
	}
	if f.Type != "" {
		q.Set("analysis_type", "eq."+string(f.Type))
	}
	if f.FavoriteOnly {
		q.Set("is_favorite", "eq.true")
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		// PostgREST reserves , ( ) inside logic trees.
		s = strings.NewReplacer(",", " ", "(", " ", ")", " ").Replace(s)
		q.Set("or", fmt.Sprintf("(title.ilike.*%s*,content.ilike.*%s*)", s, s))
	}
	return q
}

func (c *Client) Get(ctx context.Context, userID, id string) (report.Report, error) {
	q := url.Values{"id": {"eq." + id}}
	if userID != "" {
		q.Set("user_id", "eq."+userID)
	}
	var rows []row
	if err := c.do(ctx, http.MethodGet, q, nil, "", &rows); err != nil {
		return report.Report{}, fmt.Errorf("loading report %s: %w", id, err)
	}
	if len(rows) == 0 {
		return report.Report{}, fmt.Errorf("%w: %s", report.ErrNotFound, id)
	}
	return rows[0].report(), nil
}

// Update changes only tags, category and favorite state.
func (c *Client) Update(ctx context.Context, userID, id string, u report.Update) (report.Report, error) {
	if u.Empty() {
		return report.Report{}, report.ErrNoUpdates
	}
	patch := map[string]any{}
	if u.Tags != nil {
		tags := *u.Tags
		if tags == nil {
			tags = []string{}
		}
		patch["tags"] = tags
	}
	if u.Category != nil {
		if *u.Category == "" {
			patch["category"] = nil
		} else {
			patch["category"] = *u.Category
		}
	}
	if u.IsFavorite != nil {
		patch["is_favorite"] = *u.IsFavorite
	}

	q := url.Values{"id": {"eq." + id}}
	if userID != "" {
		q.Set("user_id", "eq."+userID)
	}
	var rows []row
	if err := c.do(ctx, http.MethodPatch, q, patch, "return=representation", &rows); err != nil {
		return report.Report{}, fmt.Errorf("updating report %s: %w", id, err)
	}
	if len(rows) == 0 {
		return report.Report{}, fmt.Errorf("%w: %s", report.ErrNotFound, id)
	}
	return rows[0].report(), nil
}

func (c *Client) Delete(ctx context.Context, userID, id string) error {
	q := url.Values{"id": {"eq." + id}}
	if userID != "" {
		q.Set("user_id", "eq."+userID)
	}
	var rows []row
	if err := c.do(ctx, http.MethodDelete, q, nil, "return=representation", &rows); err != nil {
		return fmt.Errorf("deleting report %s: %w", id, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("%w: %s", report.ErrNotFound, id)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, q url.Values, body any, prefer string, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	endpoint := c.baseURL + "/rest/v1/" + c.table
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: report store: %v", apperr.ErrTimeout, err)
		}
		return fmt.Errorf("%w: report store: %v", apperr.ErrProviderError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s", apperr.ErrAuthRequired, strings.TrimSpace(string(msg)))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = "Unknown error"
		}
		c.logger.Warn("report store request failed", "method", method, "status", resp.StatusCode)
		return fmt.Errorf("%w: %d %s", apperr.ErrProviderError, resp.StatusCode, text)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", apperr.ErrProviderError, err)
	}
	return nil
}
