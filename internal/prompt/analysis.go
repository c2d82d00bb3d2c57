// Package prompt assembles the system and user messages sent to the
// completion provider for page analysis and chat.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/cihq/internal/proxy"
	"github.com/kalambet/cihq/internal/report"
	"github.com/kalambet/cihq/internal/snapshot"
)

const (
	defaultTextLimit = 8000
	defaultChunkSize = 3000
	maxHeadings      = 15
	maxButtons       = 10
)

const extractionSystem = "You are a feature extraction specialist. Your job is to quickly identify and summarize the key features, capabilities, and pricing information from competitor websites. Be concise and factual. Avoid strategic analysis or deep insights - just extract the core information clearly."

const deepSystem = "You are a senior competitive strategy analyst. Produce a thorough, evidence-based assessment of the competitor page provided. Ground every claim in the page content, separate facts from inference, and be explicit about uncertainty."

// Preferences are independent flags that each add one instruction line.
type Preferences struct {
	IncludeActionableInsights bool `json:"includeActionableInsights" yaml:"include_actionable_insights"`
	FocusOnDifferentiators    bool `json:"focusOnDifferentiators" yaml:"focus_on_differentiators"`
	IncludeMarketContext      bool `json:"includeMarketContext" yaml:"include_market_context"`
	PrioritizeThreats         bool `json:"prioritizeThreats" yaml:"prioritize_threats"`
}

// Any reports whether at least one flag is set.
func (p Preferences) Any() bool {
	return p.IncludeActionableInsights || p.FocusOnDifferentiators || p.IncludeMarketContext || p.PrioritizeThreats
}

// Options carries the optional context sections. Empty fields add nothing.
type Options struct {
	CompanyContext     string
	CustomInstructions string
	Preferences        Preferences
	Referenced         []report.Report
	// Query selects the relevant sections of oversized referenced reports.
	Query string
}

// Prompt is an assembled request body.
type Prompt struct {
	System string
	User   string
	Type   report.AnalysisType
}

// Messages returns the system and user turns.
func (p Prompt) Messages() []proxy.Message {
	return []proxy.Message{
		{Role: "system", Content: p.System},
		{Role: "user", Content: p.User},
	}
}

// Assembler builds prompts. The zero value is not usable; call New.
type Assembler struct {
	TextLimit int
	ChunkSize int
}

// New creates an Assembler. Non-positive chunkSize uses 3000 characters per
// referenced report.
func New(chunkSize int) *Assembler {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Assembler{TextLimit: defaultTextLimit, ChunkSize: chunkSize}
}

// IsPricingPage is a heuristic: the url or title mentions "pricing", or the
// text mentions both "plan" and "price". It misclassifies some pages.
func IsPricingPage(s *snapshot.Snapshot) bool {
	if strings.Contains(strings.ToLower(s.URL), "pricing") || strings.Contains(strings.ToLower(s.Title), "pricing") {
		return true
	}
	text := strings.ToLower(s.TextContent)
	return strings.Contains(text, "plan") && strings.Contains(text, "price")
}

// Build assembles the quick extraction prompt, choosing the pricing or the
// feature template. It fails only with apperr.ErrInvalidSnapshot.
func (a *Assembler) Build(s *snapshot.Snapshot, opts Options) (Prompt, error) {
	if err := s.Validate(); err != nil {
		return Prompt{}, err
	}

	var b strings.Builder
	comparison := ""
	if opts.CompanyContext != "" {
		comparison = "\n6. %s COMPARISON WITH YOUR COMPANY"
	}

	if IsPricingPage(s) {
		b.WriteString("Extract pricing information from this competitor's pricing page.\n\n")
		b.WriteString("PRICING PAGE ANALYSIS:\n")
		a.writeHeader(&b, s, opts)
		a.writePageContent(&b, s)
		a.writeReferenced(&b, opts)
		b.WriteString("\n\nPlease provide a simple pricing analysis:\n\n")
		b.WriteString("1. PRICING PLANS (list each plan with key details)\n")
		b.WriteString("2. PRICING STRUCTURE (monthly/annual, per user, etc.)\n")
		b.WriteString("3. KEY FEATURES BY PLAN\n")
		b.WriteString("4. FREE TRIAL/FREEMIUM OPTIONS\n")
		b.WriteString("5. ENTERPRISE/CUSTOM PRICING")
		if comparison != "" {
			fmt.Fprintf(&b, comparison, "PRICING")
		}
		b.WriteString("\n\nKeep it concise and focused on pricing details only.")
		return Prompt{System: extractionSystem, User: b.String(), Type: report.PricingAnalysis}, nil
	}

	b.WriteString("Extract the key features and capabilities from this competitor's website.\n\n")
	b.WriteString("FEATURE EXTRACTION:\n")
	a.writeHeader(&b, s, opts)
	a.writeElements(&b, s)
	a.writePageContent(&b, s)
	a.writeReferenced(&b, opts)
	b.WriteString("\n\nPlease provide a simple feature summary:\n\n")
	b.WriteString("1. CORE FEATURES (list main product features)\n")
	b.WriteString("2. KEY CAPABILITIES (what the product does)\n")
	b.WriteString("3. TARGET USERS (who it's for)\n")
	b.WriteString("4. INTEGRATIONS (if mentioned)\n")
	b.WriteString("5. UNIQUE SELLING POINTS")
	if comparison != "" {
		fmt.Fprintf(&b, comparison, "FEATURE")
	}
	b.WriteString("\n\nKeep it simple and focused on features only. Avoid strategic analysis.")
	return Prompt{System: extractionSystem, User: b.String(), Type: report.FeatureExtraction}, nil
}

// BuildDeep assembles the strategic analysis prompt used with the deep
// model. Referenced reports are included for cross-competitor comparison.
func (a *Assembler) BuildDeep(s *snapshot.Snapshot, opts Options) (Prompt, error) {
	if err := s.Validate(); err != nil {
		return Prompt{}, err
	}

	typ := report.FeatureExtraction
	if IsPricingPage(s) {
		typ = report.PricingAnalysis
	}

	var b strings.Builder
	b.WriteString("Produce a strategic competitive assessment of this page.\n\n")
	b.WriteString("STRATEGIC DEEP ANALYSIS:\n")
	a.writeHeader(&b, s, opts)
	a.writeElements(&b, s)
	a.writePageContent(&b, s)
	a.writeReferenced(&b, opts)
	b.WriteString("\n\nCover:\n\n")
	b.WriteString("1. POSITIONING (who they target and how they describe themselves)\n")
	b.WriteString("2. OFFERING (features, packaging and pricing signals)\n")
	b.WriteString("3. STRENGTHS AND WEAKNESSES\n")
	b.WriteString("4. THREATS AND OPPORTUNITIES")
	if opts.CompanyContext != "" {
		b.WriteString("\n5. IMPLICATIONS FOR YOUR COMPANY")
	}
	b.WriteString("\n\nCite the page content for each point.")
	return Prompt{System: deepSystem, User: b.String(), Type: typ}, nil
}

func (a *Assembler) writeHeader(b *strings.Builder, s *snapshot.Snapshot, opts Options) {
	fmt.Fprintf(b, "Company: %s\nURL: %s", s.Title, s.URL)
	if opts.CompanyContext != "" {
		fmt.Fprintf(b, "\nYOUR COMPANY CONTEXT (For Comparison):\n%s\n", opts.CompanyContext)
	}
	if opts.CustomInstructions != "" {
		fmt.Fprintf(b, "\nCUSTOM ANALYSIS INSTRUCTIONS:\n%s\n", opts.CustomInstructions)
	}
	b.WriteString(preferencesSection(opts.Preferences))
}

func (a *Assembler) writeElements(b *strings.Builder, s *snapshot.Snapshot) {
	headings := s.HeadingTexts()
	if len(headings) > maxHeadings {
		headings = headings[:maxHeadings]
	}
	buttons := s.Buttons
	if len(buttons) > maxButtons {
		buttons = buttons[:maxButtons]
	}
	b.WriteString("\n\nKEY PAGE ELEMENTS:\n")
	fmt.Fprintf(b, "Main Headings: %s\n", strings.Join(headings, ", "))
	fmt.Fprintf(b, "Call-to-Actions: %s", strings.Join(buttons, ", "))
}

func (a *Assembler) writePageContent(b *strings.Builder, s *snapshot.Snapshot) {
	b.WriteString("\n\nPAGE CONTENT:\n")
	b.WriteString(snapshot.Truncate(s.TextContent, a.TextLimit))
	b.WriteString("...")
}

func (a *Assembler) writeReferenced(b *strings.Builder, opts Options) {
	if len(opts.Referenced) > 0 {
		b.WriteString(a.documentBlock(opts.Referenced, opts.Query))
	}
}

func preferencesSection(p Preferences) string {
	if !p.Any() {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nANALYSIS PREFERENCES:\n")
	if p.IncludeActionableInsights {
		b.WriteString("- Include specific actionable recommendations\n")
	}
	if p.FocusOnDifferentiators {
		b.WriteString("- Emphasize competitive differentiators\n")
	}
	if p.IncludeMarketContext {
		b.WriteString("- Include broader market context when possible\n")
	}
	if p.PrioritizeThreats {
		b.WriteString("- Prioritize competitive threats and opportunities\n")
	}
	return b.String()
}

// RenderReport wraps the provider's analysis in the stored report text.
func RenderReport(typ report.AnalysisType, sourceURL, model, analysis string, generated time.Time) string {
	label := "FEATURE EXTRACTION"
	if typ == report.PricingAnalysis {
		label = "PRICING ANALYSIS"
	}
	return fmt.Sprintf("📋 %s REPORT\nGenerated: %s\nSource: %s\n\n%s\n\n---\nPowered by %s | CI HQ",
		label, generated.Format("2006-01-02 15:04:05 MST"), sourceURL, analysis, model)
}

// ReportTitle derives a stored report title from the page title.
func ReportTitle(s *snapshot.Snapshot) string {
	return snapshot.Truncate(strings.TrimSpace(s.Title), 200)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return report.EstimateTokens(text)
}
