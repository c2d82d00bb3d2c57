// Package snapshot turns a rendered web page into a bounded, structured
// PageSnapshot suitable for prompt assembly.
package snapshot

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/cihq/internal/apperr"
)

// Per-item ceilings, in characters. Atomic items (headings, buttons, links,
// image alt text, metadata values, form fields) longer than their cap are
// dropped. Title and TextContent are truncated.
const (
	MaxTitle       = 300
	MaxHeading     = 200
	MaxButton      = 100
	MaxLink        = 100
	MaxImageAlt    = 200
	MaxMetaKey     = 100
	MaxMetaValue   = 500
	MaxFormField   = 100
	MaxFormAction  = 500
	MaxTextContent = 20000

	// MaxItems bounds every list field.
	MaxItems = 200
)

type Snapshot struct {
	Title       string            `json:"title"`
	URL         string            `json:"url"`
	TextContent string            `json:"textContent"`
	Headings    []Heading         `json:"headings,omitempty"`
	Buttons     []string          `json:"buttons,omitempty"`
	Links       []string          `json:"links,omitempty"`
	Images      []string          `json:"images,omitempty"`
	Forms       []Form            `json:"forms,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

type Form struct {
	Action string   `json:"action,omitempty"`
	Method string   `json:"method,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// Validate reports ErrInvalidSnapshot when a field required for prompt
// assembly is missing.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: snapshot is nil", apperr.ErrInvalidSnapshot)
	}
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("%w: title is required", apperr.ErrInvalidSnapshot)
	}
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("%w: url is required", apperr.ErrInvalidSnapshot)
	}
	return nil
}

// HeadingTexts returns the heading texts in document order.
func (s *Snapshot) HeadingTexts() []string {
	out := make([]string, 0, len(s.Headings))
	for _, h := range s.Headings {
		out = append(out, h.Text)
	}
	return out
}

// Clamp enforces the ceilings on a snapshot that did not come from Extract,
// such as one posted by a browser surface.
func (s *Snapshot) Clamp() {
	s.Title = Truncate(s.Title, MaxTitle)
	s.TextContent = Truncate(s.TextContent, MaxTextContent)

	headings := s.Headings[:0]
	for _, h := range s.Headings {
		if fits(h.Text, MaxHeading) && h.Level >= 1 && h.Level <= 6 && len(headings) < MaxItems {
			headings = append(headings, h)
		}
	}
	s.Headings = headings
	s.Buttons = keepFitting(s.Buttons, MaxButton)
	s.Links = keepFitting(s.Links, MaxLink)
	s.Images = keepFitting(s.Images, MaxImageAlt)

	forms := s.Forms[:0]
	for _, f := range s.Forms {
		if len(forms) >= MaxItems {
			break
		}
		if !fits(f.Action, MaxFormAction) {
			f.Action = ""
		}
		f.Fields = keepFitting(f.Fields, MaxFormField)
		forms = append(forms, f)
	}
	s.Forms = forms

	for k, v := range s.Metadata {
		if !fits(k, MaxMetaKey) || !fits(v, MaxMetaValue) {
			delete(s.Metadata, k)
		}
	}
}

// Truncate cuts s to at most n characters.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func fits(s string, max int) bool {
	return utf8.RuneCountInString(s) <= max
}

func keepFitting(items []string, max int) []string {
	out := items[:0]
	for _, it := range items {
		if it != "" && fits(it, max) && len(out) < MaxItems {
			out = append(out, it)
		}
	}
	return out
}
