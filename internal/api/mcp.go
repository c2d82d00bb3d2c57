package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/cihq/internal/analysis"
	"github.com/kalambet/cihq/internal/apperr"
	"github.com/kalambet/cihq/internal/jobs"
	"github.com/kalambet/cihq/internal/report"
	"github.com/kalambet/cihq/internal/settings"
)

const (
	excerptLen       = 300
	maxRelevantLimit = 20
)

// MCPRetriever finds the reports relevant to a question.
// Implemented by retrieval.Retriever.
type MCPRetriever interface {
	FindRelevantN(ctx context.Context, query string, limit int) ([]report.Report, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service         Service
	Jobs            JobEvents
	Retriever       MCPRetriever
	Settings        SettingsStore
	ListenerTimeout time.Duration
}

// NewMCPServer creates an MCP server exposing the report corpus and page
// analysis as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"cihq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("cihq: competitive intelligence reports. Analyze competitor pages and answer questions from saved reports."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("find_relevant_reports",
			mcp.WithDescription("Find saved competitor reports relevant to a question."),
			mcp.WithString("query", mcp.Description("Question or keywords"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of reports (default 3, at most 20)")),
		),
		mcpFindRelevant(deps),
	)

	s.AddTool(
		mcp.NewTool("analyze_url",
			mcp.WithDescription("Analyze a competitor web page and save the report. Waits for the analysis to finish."),
			mcp.WithString("url", mcp.Description("Page URL"), mcp.Required()),
			mcp.WithBoolean("deep", mcp.Description("Run the strategic deep analysis with the deep model")),
		),
		mcpAnalyzeURL(deps),
	)

	s.AddTool(
		mcp.NewTool("list_reports",
			mcp.WithDescription("List saved reports, newest first."),
			mcp.WithString("domain", mcp.Description("Only reports for this domain")),
			mcp.WithString("search", mcp.Description("Text to match in title or content")),
			mcp.WithBoolean("favorites", mcp.Description("Only favorite reports")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of reports (default 20)")),
		),
		mcpListReports(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_reports",
			mcp.WithDescription("Answer a question from the saved reports."),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithArray("report_ids", mcp.Description("Reports to answer from; discovered when omitted")),
		),
		mcpAskReports(deps),
	)

	s.AddTool(
		mcp.NewTool("set_company_context",
			mcp.WithDescription("Describe your own company so analyses compare competitors against it."),
			mcp.WithString("context", mcp.Description("Company description"), mcp.Required()),
		),
		mcpSetCompanyContext(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"cihq://settings",
			"Settings",
			mcp.WithResourceDescription("Company context, custom instructions, preferences and models"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSettings(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"cihq://last-analysis",
			"Last Analysis",
			mcp.WithResourceDescription("The most recent completed analysis"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceLastAnalysis(deps),
	)

	return s
}

type reportSummary struct {
	ID           string              `json:"id"`
	Title        string              `json:"title"`
	URL          string              `json:"url"`
	Domain       string              `json:"domain"`
	AnalysisType report.AnalysisType `json:"analysis_type"`
	CreatedAt    string              `json:"created_at"`
	Excerpt      string              `json:"excerpt,omitempty"`
}

func summarize(reports []report.Report, withExcerpt bool) []reportSummary {
	out := make([]reportSummary, len(reports))
	for i, r := range reports {
		out[i] = reportSummary{
			ID:           r.ID,
			Title:        r.Title,
			URL:          r.URL,
			Domain:       r.Domain,
			AnalysisType: r.AnalysisType,
			CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if withExcerpt {
			excerpt := r.Content
			if utf8.RuneCountInString(excerpt) > excerptLen {
				excerpt = string([]rune(excerpt)[:excerptLen]) + "..."
			}
			out[i].Excerpt = excerpt
		}
	}
	return out
}

func mcpFindRelevant(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := min(req.GetInt("limit", 0), maxRelevantLimit)

		found, err := deps.Retriever.FindRelevantN(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(found) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(summarize(found, true))
	}
}

func mcpAnalyzeURL(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rawURL, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}
		areq := analysis.Request{URL: rawURL}

		var job jobs.Job
		if req.GetBool("deep", false) {
			job, err = deps.Service.StartDeepAnalysis(ctx, areq)
		} else {
			job, err = deps.Service.StartAnalysis(ctx, areq)
		}
		if err != nil {
			return mcpError(fmt.Sprintf("analysis not started: %s", apperr.Message(err))), nil
		}

		last, err := awaitAnalysis(ctx, deps, job.ID)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(last.Report), nil
	}
}

// awaitAnalysis waits for an analysis job and returns its result. A job that
// finished before the listener attached is read back from the last result.
func awaitAnalysis(ctx context.Context, deps MCPDeps, jobID string) (analysis.LastAnalysis, error) {
	ch, unsubscribe, err := deps.Jobs.Subscribe(jobID)
	if errors.Is(err, jobs.ErrUnknownJob) {
		st, err := deps.Service.Recover(ctx, jobID)
		if err != nil {
			return analysis.LastAnalysis{}, err
		}
		if st.State != analysis.StateComplete {
			return analysis.LastAnalysis{}, fmt.Errorf("analysis %s did not complete", jobID)
		}
		return *st.Last, nil
	}
	if err != nil {
		return analysis.LastAnalysis{}, err
	}
	defer unsubscribe()

	ev, err := jobs.Await(ctx, ch, deps.ListenerTimeout, nil)
	if err != nil {
		return analysis.LastAnalysis{}, err
	}
	if ev.Type != jobs.EventComplete {
		return analysis.LastAnalysis{}, fmt.Errorf("analysis %s: %s", ev.Type, ev.Message)
	}
	var last analysis.LastAnalysis
	if err := json.Unmarshal(ev.Result, &last); err != nil {
		return analysis.LastAnalysis{}, fmt.Errorf("decoding result: %w", err)
	}
	return last, nil
}

func mcpListReports(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 || limit > 100 {
			limit = 20
		}
		reports, err := deps.Service.ListReports(ctx, report.Filter{
			Domain:       req.GetString("domain", ""),
			Search:       req.GetString("search", ""),
			FavoriteOnly: req.GetBool("favorites", false),
			Limit:        limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("listing reports failed: %s", apperr.Message(err))), nil
		}
		return mcpJSON(summarize(reports, false))
	}
}

func mcpAskReports(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		res, err := deps.Service.Chat(ctx, analysis.ChatRequest{
			Message:    question,
			References: req.GetStringSlice("report_ids", nil),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %s", apperr.Message(err))), nil
		}
		return mcpJSON(res)
	}
}

func mcpSetCompanyContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("context")
		if err != nil {
			return mcpError("context is required"), nil
		}
		if err := deps.Settings.Apply(settings.Patch{CompanyContext: &text}); err != nil {
			return mcpError(fmt.Sprintf("failed to save company context: %v", err)), nil
		}
		return mcpText("Company context updated"), nil
	}
}

func mcpResourceSettings(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		s, err := deps.Settings.Get()
		if err != nil {
			return nil, fmt.Errorf("failed to get settings: %w", err)
		}
		return jsonResource(req.Params.URI, s)
	}
}

func mcpResourceLastAnalysis(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		last, err := deps.Service.LastAnalysis()
		if errors.Is(err, analysis.ErrNoLastAnalysis) {
			return jsonResource(req.Params.URI, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get last analysis: %w", err)
		}
		return jsonResource(req.Params.URI, last)
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
