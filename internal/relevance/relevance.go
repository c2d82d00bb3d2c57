// Package relevance ranks stored reports against a free-text query with a
// keyword-frequency heuristic. It is deterministic, not exhaustive.
package relevance

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultLimit is used when a caller passes a non-positive limit.
const DefaultLimit = 3

const (
	titleWeight  = 5
	domainWeight = 3

	minSectionLen = 20
	truncMarker   = "..."
	// truncReserve is left free when cutting a section mid-way.
	truncReserve = 50
	// minTruncated is the shortest cut section worth including.
	minTruncated = 100
)

var sectionSplit = regexp.MustCompile(`\n\n+`)

// Document is the view of a report the scorer reads.
type Document struct {
	Title   string
	Domain  string
	Content string
}

// Tokenize lowercases query, splits it on whitespace and keeps tokens
// longer than three characters. Duplicates are kept.
func Tokenize(query string) []string {
	var tokens []string
	for _, f := range strings.Fields(strings.ToLower(query)) {
		if utf8.RuneCountInString(f) > 3 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Score sums, per token: 5 if it occurs in the title, 3 if it occurs in the
// domain, and 1 per non-overlapping occurrence in title+content+domain.
func Score(tokens []string, d Document) int {
	title := strings.ToLower(d.Title)
	domain := strings.ToLower(d.Domain)
	all := title + " " + strings.ToLower(d.Content) + " " + domain

	score := 0
	for _, tok := range tokens {
		if strings.Contains(title, tok) {
			score += titleWeight
		}
		if strings.Contains(domain, tok) {
			score += domainWeight
		}
		score += strings.Count(all, tok)
	}
	return score
}

// Scored pairs a corpus index with its score.
type Scored struct {
	Index int
	Score int
}

// Rank scores docs against query and returns the positive-scoring entries
// best-first. Equal scores keep corpus order. At most limit entries are
// returned.
func Rank(query string, docs []Document, limit int) []Scored {
	if limit <= 0 {
		limit = DefaultLimit
	}
	tokens := Tokenize(query)
	if len(tokens) == 0 || len(docs) == 0 {
		return nil
	}

	var ranked []Scored
	for i, d := range docs {
		if s := Score(tokens, d); s > 0 {
			ranked = append(ranked, Scored{Index: i, Score: s})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// FindRelevant returns the items of corpus most relevant to query,
// best-first, using doc to view each item. Items scoring zero are never
// returned.
func FindRelevant[T any](query string, corpus []T, doc func(T) Document, limit int) []T {
	docs := make([]Document, len(corpus))
	for i, item := range corpus {
		docs[i] = doc(item)
	}
	ranked := Rank(query, docs, limit)
	out := make([]T, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, corpus[r.Index])
	}
	return out
}

// ChunkContent condenses content to at most maxLength characters (plus the
// "..." marker) by keeping the paragraphs that mention query tokens most
// often. Content already within maxLength is returned unchanged.
func ChunkContent(content, query string, maxLength int) string {
	if maxLength <= 0 {
		return ""
	}
	if utf8.RuneCountInString(content) <= maxLength {
		return content
	}

	tokens := Tokenize(query)
	type section struct {
		text  string
		score int
	}
	var sections []section
	anyScored := false
	for _, raw := range sectionSplit.Split(content, -1) {
		text := strings.TrimSpace(raw)
		if utf8.RuneCountInString(text) <= minSectionLen {
			continue
		}
		lower := strings.ToLower(text)
		s := 0
		for _, tok := range tokens {
			s += strings.Count(lower, tok)
		}
		if s > 0 {
			anyScored = true
		}
		sections = append(sections, section{text: text, score: s})
	}
	if !anyScored {
		return fallback(content, maxLength)
	}

	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].score > sections[j].score
	})

	var b strings.Builder
	current := 0
	for _, sec := range sections {
		n := utf8.RuneCountInString(sec.text)
		if current+n+2 <= maxLength {
			b.WriteString(sec.text)
			b.WriteString("\n\n")
			current += n + 2
			continue
		}
		if remaining := maxLength - current - truncReserve; remaining > minTruncated {
			b.WriteString(cut(sec.text, remaining))
			b.WriteString(truncMarker)
		}
		break
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return fallback(content, maxLength)
	}
	return out
}

func fallback(content string, maxLength int) string {
	return cut(content, maxLength) + truncMarker
}

func cut(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
