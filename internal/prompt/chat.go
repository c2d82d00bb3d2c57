package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/cihq/internal/proxy"
	"github.com/kalambet/cihq/internal/relevance"
	"github.com/kalambet/cihq/internal/report"
)

// historyTurns is how many prior turns are replayed to the provider.
const historyTurns = 10

const analystPrompt = `You are an expert competitive intelligence analyst with deep expertise in business strategy, market analysis, and competitive positioning. Your role is to analyze competitive intelligence data and provide actionable strategic insights.

CORE RESPONSIBILITIES:
- Extract and analyze key information from competitive intelligence reports
- Compare competitors' strategies, features, pricing, and positioning against the user's company context
- Identify market trends, opportunities, and threats specific to the user's business
- Provide specific, actionable strategic recommendations tailored to the user's company
- Reference specific details from documents when available

ANALYSIS APPROACH:
- When documents are provided: always ground responses in the specific data provided
- Quote relevant sections from documents when making points
- If comparing multiple documents, clearly differentiate between them
- If asked about something not in the provided documents, clearly state that
- When no documents are available: provide general competitive intelligence guidance

RESPONSE STYLE:
- Be direct and actionable
- Use bullet points and clear structure when analyzing multiple points
- Always be honest about the availability of specific data
- If no relevant information is found, suggest how the user can get better results`

const noDocumentsNote = "\n\nNOTE: No specific documents were referenced or found to be relevant to this query. Please provide general competitive intelligence guidance or ask the user to reference specific documents using @ mentions.\n"

// BuildChat assembles the chat request: a system message carrying the
// analyst instructions and settings, the most recent history turns, and the
// user's query with the referenced-document block appended.
func (a *Assembler) BuildChat(query string, history []proxy.Message, opts Options) []proxy.Message {
	var sys strings.Builder
	if opts.CompanyContext != "" {
		fmt.Fprintf(&sys, "IMPORTANT - YOUR COMPANY CONTEXT:\n%s\n\n"+
			"This is critical information about the user's company. Always consider this context when providing competitive analysis and comparisons.\n\n"+
			"=====================================\n\n", opts.CompanyContext)
	}
	sys.WriteString(analystPrompt)
	if opts.Preferences.Any() {
		sys.WriteString("\n\nUSER PREFERENCES:")
		if opts.Preferences.IncludeActionableInsights {
			sys.WriteString("\n- Always include specific, actionable recommendations in your responses")
		}
		if opts.Preferences.FocusOnDifferentiators {
			sys.WriteString("\n- Emphasize unique competitive differentiators and key distinguishing factors")
		}
		if opts.Preferences.IncludeMarketContext {
			sys.WriteString("\n- When possible, include broader market context and industry trends")
		}
		if opts.Preferences.PrioritizeThreats {
			sys.WriteString("\n- Prioritize identification of competitive threats and market opportunities")
		}
	}
	if opts.CustomInstructions != "" {
		fmt.Fprintf(&sys, "\n\nCUSTOM ANALYSIS INSTRUCTIONS:\n%s", opts.CustomInstructions)
	}

	msgs := []proxy.Message{{Role: "system", Content: sys.String()}}

	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	for _, h := range history {
		if h.Role == "user" || h.Role == "assistant" {
			msgs = append(msgs, h)
		}
	}

	user := query
	if len(opts.Referenced) > 0 {
		user += a.documentBlock(opts.Referenced, query)
		if opts.CompanyContext != "" {
			user += "\n\nCRITICAL: YOUR COMPANY INFORMATION FOR COMPETITIVE ANALYSIS:\n" + opts.CompanyContext +
				"\n\nINSTRUCTIONS: When analyzing the documents above, compare competitor features, pricing and strategies against YOUR company's offerings and tailor recommendations to YOUR company.\n"
		}
	} else {
		user += noDocumentsNote
		if opts.CompanyContext != "" {
			user += "\n\nREMEMBER: My company context is: " + opts.CompanyContext +
				"\n\nPlease relate your response to my specific company situation."
		}
	}
	msgs = append(msgs, proxy.Message{Role: "user", Content: user})
	return msgs
}

// documentBlock renders referenced reports. Reports over the chunk size are
// reduced to the sections most relevant to query.
func (a *Assembler) documentBlock(docs []report.Report, query string) string {
	var b strings.Builder
	b.WriteString("\n\n=== REFERENCED DOCUMENTS FOR ANALYSIS ===\n")
	for i, d := range docs {
		n := i + 1
		fmt.Fprintf(&b, "\n--- DOCUMENT %d: \"%s\" ---\n", n, d.Title)
		fmt.Fprintf(&b, "• Company/Source: %s\n", d.Domain)
		fmt.Fprintf(&b, "• URL: %s\n", d.URL)
		fmt.Fprintf(&b, "• Analysis Type: %s\n", strings.ToUpper(string(d.AnalysisType)))
		date := "unknown"
		if !d.CreatedAt.IsZero() {
			date = d.CreatedAt.UTC().Format("2006-01-02")
		}
		fmt.Fprintf(&b, "• Date Analyzed: %s\n", date)

		if utf8.RuneCountInString(d.Content) <= a.ChunkSize {
			fmt.Fprintf(&b, "• Full Analysis Content:\n\n%s\n\n", d.Content)
		} else {
			fmt.Fprintf(&b, "• Relevant Content Sections:\n\n%s\n\n", relevance.ChunkContent(d.Content, query, a.ChunkSize))
		}
		fmt.Fprintf(&b, "--- END OF DOCUMENT %d ---\n\n", n)
	}
	b.WriteString("\nIMPORTANT: Base your analysis ONLY on the content provided above. Reference specific details, quotes, or sections from these documents in your response.\n")
	return b.String()
}
