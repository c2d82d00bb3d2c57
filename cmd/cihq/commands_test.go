package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/cihq/internal/jobs"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if strings.HasPrefix(resp, "event: ") {
				w.Header().Set("Content-Type", "text/event-stream")
			} else {
				w.Header().Set("Content-Type", "application/json")
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points the commands at ts and captures their stdout.
func useServer(t *testing.T, ts *testServer) *bytes.Buffer {
	t.Helper()
	oldClient, oldOut := newAPIClient, stdout
	var out bytes.Buffer
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	stdout = &out
	t.Cleanup(func() { newAPIClient, stdout = oldClient, oldOut })
	return &out
}

func execute(args ...string) error {
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func sse(events ...string) string {
	var b strings.Builder
	for _, ev := range events {
		var head struct {
			Type string `json:"type"`
		}
		json.Unmarshal([]byte(ev), &head)
		b.WriteString("event: " + head.Type + "\ndata: " + ev + "\n\n")
	}
	return b.String()
}

var ctx = context.Background()

func TestAnalyzeCommand_Deep(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/messages": `{"success":true,"result":{"jobId":"job_1","kind":"deepAnalysis","startedAt":"2025-03-01T14:30:00Z"}}`,
		"GET /v1/jobs/job_1/events": sse(
			`{"jobId":"job_1","type":"progress","message":"Extracting page content..."}`,
			`{"jobId":"job_1","type":"complete","result":{"id":"job_1","status":"complete","report":"# Acme\nStrategic view","reportId":"r-9","deep":true}}`,
		),
	})
	out := useServer(t, ts)

	if err := execute("analyze", "--deep", "--ref", "r1, r2", "https://acme.com/pricing"); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !strings.Contains(out.String(), "# Acme\nStrategic view") {
		t.Errorf("stdout = %q", out.String())
	}

	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["type"] != "startDeepAnalysis" || body["url"] != "https://acme.com/pricing" {
		t.Errorf("body = %v", body)
	}
	if refs, _ := body["referencedDocs"].([]any); len(refs) != 2 || refs[1] != "r2" {
		t.Errorf("referencedDocs = %v", body["referencedDocs"])
	}
	if ts.requests[1].Path != "/v1/jobs/job_1/events" {
		t.Errorf("events path = %q", ts.requests[1].Path)
	}
}

func TestRunAnalysis_ErrorEvent(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/messages": `{"success":true,"result":{"jobId":"job_1","kind":"analysis"}}`,
		"GET /v1/jobs/job_1/events": sse(
			`{"jobId":"job_1","type":"error","message":"Could not extract page content","errorKind":"extraction_failure"}`,
		),
	})

	_, err := runAnalysis(ctx, ts.client(), "https://acme.com", false, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "Could not extract page content (extraction_failure)" {
		t.Errorf("error = %q", err.Error())
	}
	var body map[string]any
	json.Unmarshal([]byte(ts.requests[0].Body), &body)
	if body["type"] != "startAnalysis" {
		t.Errorf("type = %v", body["type"])
	}
	if _, ok := body["referencedDocs"]; ok {
		t.Error("referencedDocs sent without refs")
	}
}

func TestRunAnalysis_TruncatedStream(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/messages":         `{"success":true,"result":{"jobId":"job_1","kind":"analysis"}}`,
		"GET /v1/jobs/job_1/events": sse(`{"jobId":"job_1","type":"progress","message":"Analyzing..."}`),
	})

	_, err := runAnalysis(ctx, ts.client(), "https://acme.com", false, nil)
	if err == nil || !strings.Contains(err.Error(), "following job job_1") {
		t.Fatalf("err = %v", err)
	}
}

func TestMessage_Failure(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/messages": `{"success":false,"error":"An analysis is already running","errorKind":"busy"}`,
	})

	err := ts.client().message(ctx, map[string]any{"type": "startAnalysis", "url": "https://a.com"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "An analysis is already running (busy)" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestReportsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/messages": `{"success":true,"result":[
			{"id":"r1","title":"Acme pricing","url":"https://acme.com/pricing","tags":["pricing"],"is_favorite":true,"created_at":"2025-03-01T10:00:00Z"},
			{"id":"r2","title":"Globex features","url":"https://globex.com","tags":[],"created_at":"2025-02-01T10:00:00Z"}
		]}`,
	})
	out := useServer(t, ts)
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	if err := execute("reports", "list", "--domain", "acme.com", "--limit", "5"); err != nil {
		t.Fatalf("reports list: %v", err)
	}
	if !strings.Contains(out.String(), "* r1") || !strings.Contains(out.String(), "Globex features") {
		t.Errorf("stdout = %q", out.String())
	}
	if !strings.Contains(out.String(), "tags: pricing") {
		t.Errorf("tags missing: %q", out.String())
	}

	var body map[string]any
	json.Unmarshal([]byte(ts.requests[0].Body), &body)
	if body["type"] != "getUserAnalyses" || body["domain"] != "acme.com" || body["limit"] != float64(5) {
		t.Errorf("body = %v", body)
	}
}

func TestReportsList_InvalidType(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	useServer(t, ts)

	err := execute("reports", "list", "--type", "swot")
	if err == nil || !strings.Contains(err.Error(), "unknown analysis type") {
		t.Fatalf("err = %v", err)
	}
	if len(ts.requests) != 0 {
		t.Error("request sent for an invalid type")
	}
	reportsListCmd.Flags().Set("type", "")
}

func TestReportsTag_EmptyClears(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/messages": `{"success":true,"result":{"id":"r1","tags":[]}}`,
	})
	useServer(t, ts)

	if err := execute("reports", "tag", "r1"); err != nil {
		t.Fatalf("reports tag: %v", err)
	}
	if !strings.Contains(ts.requests[0].Body, `"updates":{"tags":[]}`) {
		t.Errorf("body = %s", ts.requests[0].Body)
	}
}

func TestReportsExport_File(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/reports/export": `{"exportDate":"2025-03-01T14:30:00Z","totalAnalyses":1,"analyses":[{"id":"r1","title":"Acme"}]}`,
	})
	useServer(t, ts)
	path := filepath.Join(t.TempDir(), "export.json")
	defer reportsExportCmd.Flags().Set("output", "")

	if err := execute("reports", "export", "--output", path); err != nil {
		t.Fatalf("reports export: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "\n  \"totalAnalyses\": 1,") {
		t.Errorf("export file = %s", data)
	}
}

func TestReportsStats(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/reports/stats": `{"totalAnalyses":5,"featureReports":2,"pricingReports":1,"generalReports":2,"thisMonth":3}`,
	})
	out := useServer(t, ts)

	if err := execute("reports", "stats"); err != nil {
		t.Fatalf("reports stats: %v", err)
	}
	want := "Total:       5\nFeatures:    2\nPricing:     1\nGeneral:     2\nThis month:  3\n"
	if out.String() != want {
		t.Errorf("stdout = %q, want %q", out.String(), want)
	}
}

func TestReportsClear(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /v1/reports": `{"deleted":4}`,
	})
	useServer(t, ts)

	err := execute("reports", "clear")
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("err = %v", err)
	}
	if len(ts.requests) != 0 {
		t.Fatal("request sent without --yes")
	}

	defer reportsClearCmd.Flags().Set("yes", "false")
	if err := execute("reports", "clear", "--yes"); err != nil {
		t.Fatalf("reports clear: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Path != "/v1/reports?confirm=true" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestChatStream(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/messages": `{"success":true,"result":{"jobId":"job_2","kind":"chatStream"}}`,
		"GET /v1/jobs/job_2/events": sse(
			`{"jobId":"job_2","type":"progress","message":"Acme "}`,
			`{"jobId":"job_2","type":"progress","message":"charges $25."}`,
			`{"jobId":"job_2","type":"complete","result":{"response":"Acme charges $25.","threadId":"t1","documentsUsed":[]}}`,
		),
	})
	out := useServer(t, ts)

	msg := map[string]any{"message": "what does acme charge?", "threadId": "t1"}
	if err := streamChat(ctx, ts.client(), msg); err != nil {
		t.Fatalf("streamChat: %v", err)
	}
	if out.String() != "Acme charges $25.\n" {
		t.Errorf("stdout = %q", out.String())
	}
	var body map[string]any
	json.Unmarshal([]byte(ts.requests[0].Body), &body)
	if body["type"] != "aiChatStream" || body["threadId"] != "t1" {
		t.Errorf("body = %v", body)
	}
}

func TestChatStream_IncompleteStreamPrintsResult(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/messages": `{"success":true,"result":{"jobId":"job_3","kind":"chatStream"}}`,
		"GET /v1/jobs/job_3/events": sse(
			`{"jobId":"job_3","type":"progress","message":"Acme "}`,
			`{"jobId":"job_3","type":"complete","result":{"response":"Acme charges $25.","threadId":"t1","documentsUsed":[]}}`,
		),
	})
	out := useServer(t, ts)

	if err := streamChat(ctx, ts.client(), map[string]any{"message": "what does acme charge?"}); err != nil {
		t.Fatalf("streamChat: %v", err)
	}
	if out.String() != "Acme \nAcme charges $25.\n" {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestSettingsImport_RejectsBadYAML(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	useServer(t, ts)

	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("company_context: [unclosed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := execute("settings", "import", path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if len(ts.requests) != 0 {
		t.Error("request sent for an invalid file")
	}
}

func TestSettingsImport_SendsYAML(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /v1/settings": `{"companyContext":"We sell to agencies."}`,
	})
	useServer(t, ts)

	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := "company_context: We sell to agencies.\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := execute("settings", "import", path); err != nil {
		t.Fatalf("settings import: %v", err)
	}
	r := ts.requests[0]
	if r.ContentType != "application/yaml" || r.Body != content {
		t.Errorf("request = %+v", r)
	}
}

func TestResponseError(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	resp, err := ts.client().get(ctx, "/v1/last-analysis")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil || err.Error() != "server returned 404: not found" {
		t.Errorf("err = %v", err)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestLastFromEvent_Aborted(t *testing.T) {
	_, err := lastFromEvent(jobs.Event{Type: jobs.EventAborted})
	if err == nil || err.Error() != "analysis stopped" {
		t.Errorf("err = %v", err)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil || pid != os.Getpid() {
		t.Errorf("readPIDFile = %d, %v", pid, err)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}

func TestSplitListAndTruncate(t *testing.T) {
	if got := splitList(" r1, ,r2 ,"); len(got) != 2 || got[0] != "r1" || got[1] != "r2" {
		t.Errorf("splitList = %q", got)
	}
	if splitList("") != nil {
		t.Error("splitList(\"\") should be nil")
	}
	if got := truncate("Acme\n  pricing   page", 100); got != "Acme pricing page" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("héllo world", 5); got != "héllo..." {
		t.Errorf("truncate = %q", got)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestRenderReport_RawWhenPiped(t *testing.T) {
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	defer func() { stdout = old }()

	md := "# Acme\n\n- **Pro** $49/mo"
	if got := renderReport(md); got != md {
		t.Errorf("renderReport = %q, want raw markdown", got)
	}
}
