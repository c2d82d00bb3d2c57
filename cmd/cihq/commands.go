package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/cihq/internal/analysis"
	"github.com/kalambet/cihq/internal/auth"
	"github.com/kalambet/cihq/internal/config"
	"github.com/kalambet/cihq/internal/jobs"
	"github.com/kalambet/cihq/internal/report"
	"github.com/kalambet/cihq/internal/settings"
)

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <url>",
	Short: "Analyze a competitor web page",
	Long: `Analyze a competitor web page and save the report.

Examples:
  cihq analyze https://competitor.com/pricing
  cihq analyze --deep https://competitor.com/pricing
  cihq analyze --deep --ref 3f1c...,9a2b... https://competitor.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deep, _ := cmd.Flags().GetBool("deep")
		refs, _ := cmd.Flags().GetString("ref")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		last, err := runAnalysis(cmd.Context(), client, args[0], deep, splitList(refs))
		if err != nil {
			return err
		}
		outf("%s\n", renderReport(last.Report))
		if last.ReportID != "" {
			printSuccess("Saved report %s", last.ReportID)
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().Bool("deep", false, "run the strategic deep analysis")
	analyzeCmd.Flags().String("ref", "", "comma-separated report ids to compare against (deep only)")
}

func runAnalysis(ctx context.Context, client *apiClient, rawURL string, deep bool, refs []string) (analysis.LastAnalysis, error) {
	msgType := "startAnalysis"
	if deep {
		msgType = "startDeepAnalysis"
	}
	msg := map[string]any{"type": msgType, "url": rawURL}
	if len(refs) > 0 {
		msg["referencedDocs"] = refs
	}

	var job jobs.Job
	if err := client.message(ctx, msg, &job); err != nil {
		return analysis.LastAnalysis{}, err
	}

	ev, err := client.follow(ctx, job.ID, func(ev jobs.Event) {
		printStep("%s", ev.Message)
	})
	if err != nil {
		return analysis.LastAnalysis{}, fmt.Errorf("following job %s: %w", job.ID, err)
	}
	return lastFromEvent(ev)
}

func lastFromEvent(ev jobs.Event) (analysis.LastAnalysis, error) {
	switch ev.Type {
	case jobs.EventComplete:
		var last analysis.LastAnalysis
		if err := json.Unmarshal(ev.Result, &last); err != nil {
			return analysis.LastAnalysis{}, fmt.Errorf("decoding result: %w", err)
		}
		return last, nil
	case jobs.EventAborted:
		return analysis.LastAnalysis{}, errors.New("analysis stopped")
	default:
		if ev.ErrorKind != "" {
			return analysis.LastAnalysis{}, fmt.Errorf("%s (%s)", ev.Message, ev.ErrorKind)
		}
		return analysis.LastAnalysis{}, errors.New(ev.Message)
	}
}

var lastCmd = &cobra.Command{
	Use:   "last",
	Short: "Print the most recent completed analysis",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/last-analysis")
		if err != nil {
			return err
		}
		var last analysis.LastAnalysis
		if err := decodeJSON(resp, &last); err != nil {
			return err
		}
		printStatus("Analyzed", "%s", last.Timestamp.Local().Format("2006-01-02 15:04"))
		if last.PageData != nil {
			printStatus("Page", "%s", last.PageData.URL)
		}
		outf("%s\n", renderReport(last.Report))
		return nil
	},
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect or stop background jobs",
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show what is known about a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var st analysis.Status
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printStatus("State", "%s", st.State)
		if st.Job != nil {
			printStatus("Kind", "%s", st.Job.Kind)
			printStatus("Started", "%s", st.Job.StartedAt.Local().Format("15:04:05"))
		}
		if st.Message != "" {
			printStatus("Message", "%s", st.Message)
		}
		return nil
	},
}

var jobStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/jobs/"+url.PathEscape(args[0])+"/stop", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Stopping job %s", args[0])
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobStatusCmd)
	jobCmd.AddCommand(jobStopCmd)
}

// --- reports ---

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List and organize saved reports",
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved reports, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		domain, _ := cmd.Flags().GetString("domain")
		search, _ := cmd.Flags().GetString("search")
		typ, _ := cmd.Flags().GetString("type")
		favorites, _ := cmd.Flags().GetBool("favorites")
		limit, _ := cmd.Flags().GetInt("limit")

		if typ != "" && !report.AnalysisType(typ).Valid() {
			return fmt.Errorf("unknown analysis type %q", typ)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var reports []report.Report
		err = client.message(cmd.Context(), map[string]any{
			"type":          "getUserAnalyses",
			"domain":        domain,
			"search":        search,
			"analysis_type": typ,
			"is_favorite":   favorites,
			"limit":         limit,
		}, &reports)
		if err != nil {
			return err
		}

		if len(reports) == 0 {
			outf("No reports found.\n")
			return nil
		}
		for _, r := range reports {
			star := " "
			if r.IsFavorite {
				star = colorize(colorYellow, "*")
			}
			outf("%s %s  %s  %s\n",
				star,
				colorize(colorCyan, r.ID),
				r.CreatedAt.Local().Format("2006-01-02"),
				truncate(r.Title, 70),
			)
			if len(r.Tags) > 0 {
				outf("    tags: %s\n", strings.Join(r.Tags, ", "))
			}
		}
		return nil
	},
}

var reportsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.message(cmd.Context(), map[string]any{"type": "deleteAnalysis", "id": args[0]}, nil); err != nil {
			return err
		}
		printSuccess("Deleted report %s", args[0])
		return nil
	},
}

var reportsFavoriteCmd = &cobra.Command{
	Use:   "favorite <id>",
	Short: "Mark a report as favorite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")
		fav := !off
		return updateReport(cmd.Context(), args[0], report.Update{IsFavorite: &fav})
	},
}

var reportsTagCmd = &cobra.Command{
	Use:   "tag <id> [tag...]",
	Short: "Replace a report's tags (no tags clears them)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tags := append([]string{}, args[1:]...)
		return updateReport(cmd.Context(), args[0], report.Update{Tags: &tags})
	},
}

var reportsCategoryCmd = &cobra.Command{
	Use:   "category <id> <category>",
	Short: "Set a report's category",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		category := args[1]
		return updateReport(cmd.Context(), args[0], report.Update{Category: &category})
	},
}

var reportsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export every report as JSON",
	Long: `Export every report as one JSON document with its export date and count.

Examples:
  cihq reports export > reports.json
  cihq reports export --output reports.json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/reports/export")
		if err != nil {
			return err
		}
		var raw json.RawMessage
		if err := decodeJSON(resp, &raw); err != nil {
			return err
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, raw, "", "  "); err != nil {
			return fmt.Errorf("formatting export: %w", err)
		}
		pretty.WriteByte('\n')

		if output == "" {
			_, err := stdout.Write(pretty.Bytes())
			return err
		}
		if err := os.WriteFile(output, pretty.Bytes(), 0o600); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}
		printSuccess("Exported reports to %s", output)
		return nil
	},
}

var reportsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count reports by analysis type",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/reports/stats")
		if err != nil {
			return err
		}
		var st analysis.Stats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		outf("Total:       %d\n", st.Total)
		outf("Features:    %d\n", st.Feature)
		outf("Pricing:     %d\n", st.Pricing)
		outf("General:     %d\n", st.General)
		outf("This month:  %d\n", st.ThisMonth)
		return nil
	},
}

var reportsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every saved report",
	Long: `Delete every saved report, local and synced. This cannot be undone.

Examples:
  cihq reports export --output backup.json && cihq reports clear --yes`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return errors.New("refusing to delete every report without --yes")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/reports?confirm=true")
		if err != nil {
			return err
		}
		var result struct {
			Deleted int `json:"deleted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted %d reports", result.Deleted)
		return nil
	},
}

func updateReport(ctx context.Context, id string, u report.Update) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var updated report.Report
	if err := client.message(ctx, map[string]any{"type": "updateAnalysis", "id": id, "updates": u}, &updated); err != nil {
		return err
	}
	printSuccess("Updated report %s", updated.ID)
	return nil
}

func init() {
	reportsListCmd.Flags().String("domain", "", "only reports for this domain")
	reportsListCmd.Flags().String("search", "", "text to match in title or content")
	reportsListCmd.Flags().String("type", "", "analysis type (feature_extraction, pricing_analysis, general)")
	reportsListCmd.Flags().Bool("favorites", false, "only favorite reports")
	reportsListCmd.Flags().Int("limit", 20, "maximum number of reports")
	reportsFavoriteCmd.Flags().Bool("off", false, "remove the favorite mark")
	reportsExportCmd.Flags().StringP("output", "o", "", "write the export to this file instead of stdout")
	reportsClearCmd.Flags().Bool("yes", false, "confirm deleting every report")

	reportsCmd.AddCommand(reportsListCmd)
	reportsCmd.AddCommand(reportsDeleteCmd)
	reportsCmd.AddCommand(reportsFavoriteCmd)
	reportsCmd.AddCommand(reportsTagCmd)
	reportsCmd.AddCommand(reportsCategoryCmd)
	reportsCmd.AddCommand(reportsExportCmd)
	reportsCmd.AddCommand(reportsStatsCmd)
	reportsCmd.AddCommand(reportsClearCmd)
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <question>",
	Short: "Ask a question about your saved reports",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refs, _ := cmd.Flags().GetString("ref")
		thread, _ := cmd.Flags().GetString("thread")
		stream, _ := cmd.Flags().GetBool("stream")

		msg := map[string]any{"message": strings.Join(args, " ")}
		if ids := splitList(refs); len(ids) > 0 {
			msg["referencedDocs"] = ids
		}
		if thread != "" {
			msg["threadId"] = thread
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if stream {
			return streamChat(cmd.Context(), client, msg)
		}

		msg["type"] = "aiChat"
		var res analysis.ChatResult
		if err := client.message(cmd.Context(), msg, &res); err != nil {
			return err
		}
		outf("%s\n", renderReport(res.Response))
		printChatSources(res)
		return nil
	},
}

func streamChat(ctx context.Context, client *apiClient, msg map[string]any) error {
	msg["type"] = "aiChatStream"
	var job jobs.Job
	if err := client.message(ctx, msg, &job); err != nil {
		return err
	}
	var streamed strings.Builder
	ev, err := client.follow(ctx, job.ID, func(ev jobs.Event) {
		streamed.WriteString(ev.Message)
		outf("%s", ev.Message)
	})
	outf("\n")
	if err != nil {
		return fmt.Errorf("following job %s: %w", job.ID, err)
	}
	switch ev.Type {
	case jobs.EventComplete:
		var res analysis.ChatResult
		if err := json.Unmarshal(ev.Result, &res); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
		// The terminal result is authoritative if the stream came up short.
		if strings.TrimSpace(streamed.String()) != strings.TrimSpace(res.Response) {
			printWarning("Stream was incomplete, full response follows")
			outf("%s\n", res.Response)
		}
		printChatSources(res)
		return nil
	case jobs.EventAborted:
		printWarning("Response stopped")
		return nil
	default:
		return errors.New(ev.Message)
	}
}

func printChatSources(res analysis.ChatResult) {
	for _, d := range res.DocumentsUsed {
		printStatus("Source", "%s (%s)", d.Title, d.ID)
	}
	if res.ThreadID != "" {
		printStatus("Thread", "%s", res.ThreadID)
	}
}

func init() {
	chatCmd.Flags().String("ref", "", "comma-separated report ids to answer from")
	chatCmd.Flags().String("thread", "", "continue a conversation thread")
	chatCmd.Flags().Bool("stream", false, "print the answer as it is generated")
}

// --- auth ---

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Email a one-time sign-in code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/auth/otp", map[string]string{"email": args[0]})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Code sent to %s. Run `cihq verify %s <code>`", args[0], args[0])
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <email> <code>",
	Short: "Sign in with the emailed code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/auth/verify", map[string]string{"email": args[0], "code": args[1]})
		if err != nil {
			return err
		}
		var result struct {
			User auth.User `json:"user"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Signed in as %s", result.User.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/auth/session")
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Signed out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/auth/session")
		if err != nil {
			return err
		}
		var result struct {
			User auth.User `json:"user"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		outf("%s (%s)\n", result.User.Email, result.User.ID)
		return nil
	},
}

// --- settings ---

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change analysis settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current settings as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/settings")
		if err != nil {
			return err
		}
		var s settings.Settings
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	},
}

var settingsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Apply settings from a YAML file",
	Long: `Apply settings from a YAML file. Only the keys present are changed.

Example file:
  company_context: We sell project management software to agencies.
  analysis_preferences:
    focus_on_differentiators: true
    prioritize_threats: true`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening settings file: %w", err)
		}
		defer f.Close()

		// Parse locally so a bad file fails before reaching the server.
		if _, err := settings.ParseYAML(f); err != nil {
			return err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.request(cmd.Context(), "PUT", "/v1/settings", "application/yaml", f)
		if err != nil {
			return err
		}
		var s settings.Settings
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		printSuccess("Settings updated")
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <field> <value>",
	Short: "Set company_context, custom_prompts, initial_model or deep_model",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		field, value := args[0], args[1]
		var p settings.Patch
		switch field {
		case "company_context":
			p.CompanyContext = &value
		case "custom_prompts":
			p.CustomPrompts = &value
		case "initial_model":
			p.InitialModel = &value
		case "deep_model":
			p.DeepModel = &value
		default:
			return fmt.Errorf("unknown settings field %q", field)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.do(cmd.Context(), "PUT", "/v1/settings", p)
		if err != nil {
			return err
		}
		var s settings.Settings
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		printSuccess("Set %s", field)
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsImportCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			outf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(config.NewSecretStore(), args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ValidKeys() {
			outf("%s\n", k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
	configCmd.AddCommand(configKeysCmd)
}
