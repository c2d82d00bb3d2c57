package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/cihq/internal/report"
	"github.com/kalambet/cihq/internal/snapshot"
)

// ReportStore is the local report corpus. It implements report.Store and is
// used when the remote store is unavailable.
type ReportStore struct {
	db *sql.DB
}

// Reports returns the local report corpus backed by this database.
func (s *Store) Reports() *ReportStore {
	return &ReportStore{db: s.db}
}

const reportColumns = `id, user_id, title, url, domain, analysis_type, content, page_data, model_used, token_count, tags, category, is_favorite, created_at`

var reportOrderColumns = map[string]string{
	"created_at":    "created_at",
	"title":         "title",
	"domain":        "domain",
	"analysis_type": "analysis_type",
	"token_count":   "token_count",
}

// Upsert inserts r or replaces the analysis fields of the report with the same
// (UserID, URL). Tags, category and favorite state survive a re-analysis.
func (rs *ReportStore) Upsert(ctx context.Context, r report.Report) (report.Report, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Domain == "" {
		r.Domain = report.DomainFromURL(r.URL)
	}
	if r.AnalysisType == "" {
		r.AnalysisType = report.General
	}

	var pageData sql.NullString
	if r.PageSnapshot != nil {
		data, err := json.Marshal(r.PageSnapshot)
		if err != nil {
			return report.Report{}, fmt.Errorf("encoding page data: %w", err)
		}
		pageData = sql.NullString{String: string(data), Valid: true}
	}
	tags, err := json.Marshal(nonNilTags(r.Tags))
	if err != nil {
		return report.Report{}, fmt.Errorf("encoding tags: %w", err)
	}

	_, err = rs.db.ExecContext(ctx, `
		INSERT INTO reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, url) DO UPDATE SET
			title = excluded.title,
			domain = excluded.domain,
			analysis_type = excluded.analysis_type,
			content = excluded.content,
			page_data = excluded.page_data,
			model_used = excluded.model_used,
			token_count = excluded.token_count,
			created_at = excluded.created_at`,
		r.ID, r.UserID, r.Title, r.URL, r.Domain, string(r.AnalysisType), r.Content, pageData,
		r.ModelUsed, r.TokenCount, string(tags), nullString(r.Category), r.IsFavorite, formatTime(r.CreatedAt),
	)
	if err != nil {
		return report.Report{}, fmt.Errorf("upserting report: %w", err)
	}

	row := rs.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE user_id = ? AND url = ?`, r.UserID, r.URL)
	return scanReport(row)
}

// List returns the user's reports matching f. Ordering defaults to newest
// first; unknown order columns fall back to created_at.
func (rs *ReportStore) List(ctx context.Context, userID string, f report.Filter) ([]report.Report, error) {
	var where []string
	args := []any{userID}
	where = append(where, "user_id = ?")
	if f.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, strings.ToLower(f.Domain))
	}
	if f.Type != "" {
		where = append(where, "analysis_type = ?")
		args = append(args, string(f.Type))
	}
	if f.FavoriteOnly {
		where = append(where, "is_favorite = 1")
	}
	if f.Search != "" {
		where = append(where, "(title LIKE ? OR content LIKE ?)")
		pattern := "%" + f.Search + "%"
		args = append(args, pattern, pattern)
	}

	col, ok := reportOrderColumns[f.OrderBy]
	if !ok {
		col = "created_at"
	}
	dir := "DESC"
	if strings.EqualFold(f.Order, "asc") {
		dir = "ASC"
	}

	query := `SELECT ` + reportColumns + ` FROM reports WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY ` + col + ` ` + dir + `, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := rs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	defer rows.Close()

	var out []report.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (rs *ReportStore) Get(ctx context.Context, userID, id string) (report.Report, error) {
	row := rs.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE user_id = ? AND id = ?`, userID, id)
	return scanReport(row)
}

// Update changes only tags, category and favorite state.
func (rs *ReportStore) Update(ctx context.Context, userID, id string, u report.Update) (report.Report, error) {
	if u.Empty() {
		return report.Report{}, report.ErrNoUpdates
	}

	var sets []string
	var args []any
	if u.Tags != nil {
		tags, err := json.Marshal(nonNilTags(*u.Tags))
		if err != nil {
			return report.Report{}, fmt.Errorf("encoding tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(tags))
	}
	if u.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, nullString(u.Category))
	}
	if u.IsFavorite != nil {
		sets = append(sets, "is_favorite = ?")
		args = append(args, *u.IsFavorite)
	}
	args = append(args, userID, id)

	res, err := rs.db.ExecContext(ctx, `UPDATE reports SET `+strings.Join(sets, ", ")+` WHERE user_id = ? AND id = ?`, args...)
	if err != nil {
		return report.Report{}, fmt.Errorf("updating report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return report.Report{}, err
	}
	if n == 0 {
		return report.Report{}, report.ErrNotFound
	}
	return rs.Get(ctx, userID, id)
}

func (rs *ReportStore) Delete(ctx context.Context, userID, id string) error {
	res, err := rs.db.ExecContext(ctx, `DELETE FROM reports WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("deleting report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return report.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (report.Report, error) {
	var r report.Report
	var typ, tags, createdAt string
	var pageData, category sql.NullString
	err := row.Scan(&r.ID, &r.UserID, &r.Title, &r.URL, &r.Domain, &typ, &r.Content, &pageData,
		&r.ModelUsed, &r.TokenCount, &tags, &category, &r.IsFavorite, &createdAt)
	if err == sql.ErrNoRows {
		return report.Report{}, report.ErrNotFound
	}
	if err != nil {
		return report.Report{}, err
	}

	r.AnalysisType = report.AnalysisType(typ)
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return report.Report{}, fmt.Errorf("decoding tags for report %s: %w", r.ID, err)
	}
	if category.Valid {
		c := category.String
		r.Category = &c
	}
	if pageData.Valid {
		var snap snapshot.Snapshot
		if err := json.Unmarshal([]byte(pageData.String), &snap); err != nil {
			return report.Report{}, fmt.Errorf("decoding page data for report %s: %w", r.ID, err)
		}
		r.PageSnapshot = &snap
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return report.Report{}, fmt.Errorf("parsing created_at for report %s: %w", r.ID, err)
	}
	return r, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
