package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/cihq/internal/analysis"
	"github.com/kalambet/cihq/internal/apperr"
	"github.com/kalambet/cihq/internal/auth"
	"github.com/kalambet/cihq/internal/jobs"
	"github.com/kalambet/cihq/internal/report"
	"github.com/kalambet/cihq/internal/settings"
	"github.com/kalambet/cihq/internal/storage"
)

const testToken = "test-token-12345"

// --- mocks ---

type mockService struct {
	mu sync.Mutex

	startErr error
	started  []analysis.Request
	deep     bool

	chatResult analysis.ChatResult
	chatErr    error
	chats      []analysis.ChatRequest

	stopErr error
	stopped []string

	reports    []report.Report
	listErr    error
	listFilter report.Filter

	saved     report.Report
	updatedID string
	update    report.Update
	deleted   []string
	deleteErr error

	export  analysis.Export
	stats   analysis.Stats
	cleared int

	last    analysis.LastAnalysis
	lastErr error
	status  analysis.Status
	usage   analysis.Usage
}

func (m *mockService) startJob(kind jobs.Kind, req analysis.Request) (jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return jobs.Job{}, m.startErr
	}
	m.started = append(m.started, req)
	m.deep = kind == jobs.KindDeepAnalysis
	return jobs.Job{ID: "job_1", Kind: kind, TabID: req.TabID}, nil
}

func (m *mockService) StartAnalysis(_ context.Context, req analysis.Request) (jobs.Job, error) {
	return m.startJob(jobs.KindAnalysis, req)
}

func (m *mockService) StartDeepAnalysis(_ context.Context, req analysis.Request) (jobs.Job, error) {
	return m.startJob(jobs.KindDeepAnalysis, req)
}

func (m *mockService) Chat(_ context.Context, req analysis.ChatRequest) (analysis.ChatResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats = append(m.chats, req)
	return m.chatResult, m.chatErr
}

func (m *mockService) StartChatStream(_ context.Context, req analysis.ChatRequest) (jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats = append(m.chats, req)
	return jobs.Job{ID: "job_2", Kind: jobs.KindChatStream}, nil
}

func (m *mockService) Stop(jobID string) error {
	m.stopped = append(m.stopped, jobID)
	return m.stopErr
}

func (m *mockService) ListReports(_ context.Context, f report.Filter) ([]report.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listFilter = f
	return m.reports, m.listErr
}

func (m *mockService) SaveReport(_ context.Context, r report.Report) (report.Report, error) {
	r.ID = "r-new"
	m.saved = r
	return r, nil
}

func (m *mockService) UpdateReport(_ context.Context, id string, u report.Update) (report.Report, error) {
	m.updatedID, m.update = id, u
	if u.Empty() {
		return report.Report{}, report.ErrNoUpdates
	}
	return report.Report{ID: id}, nil
}

func (m *mockService) DeleteReport(_ context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return m.deleteErr
}

func (m *mockService) ExportReports(context.Context) (analysis.Export, error) { return m.export, nil }

func (m *mockService) ReportStats(context.Context) (analysis.Stats, error) { return m.stats, nil }

func (m *mockService) ClearReports(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared++
	return 3, nil
}

func (m *mockService) LastAnalysis() (analysis.LastAnalysis, error) { return m.last, m.lastErr }

func (m *mockService) Recover(_ context.Context, jobID string) (analysis.Status, error) {
	return m.status, nil
}

func (m *mockService) Usage() (analysis.Usage, error) { return m.usage, nil }

type fakeJobEvents struct {
	ch  chan jobs.Event
	err error
}

func (f *fakeJobEvents) Subscribe(jobID string) (<-chan jobs.Event, func(), error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.ch, func() {}, nil
}

type fakeAuth struct {
	sent    []string
	session auth.Session
	err     error
}

func (f *fakeAuth) SendOTP(_ context.Context, email string) error {
	f.sent = append(f.sent, email)
	return f.err
}

func (f *fakeAuth) VerifyOTP(_ context.Context, email, code string) (auth.Session, error) {
	if code != "123456" {
		return auth.Session{}, fmt.Errorf("%w: Token has expired or is invalid", apperr.ErrProviderError)
	}
	return f.session, f.err
}

type fakeSessions struct {
	saved   *auth.Session
	cleared bool
}

func (f *fakeSessions) Save(s auth.Session) error {
	if !s.Valid() {
		return fmt.Errorf("%w: incomplete session", apperr.ErrAuthRequired)
	}
	f.saved = &s
	return nil
}

func (f *fakeSessions) Clear() error {
	f.saved = nil
	f.cleared = true
	return nil
}

func (f *fakeSessions) Session(context.Context) (auth.Session, error) {
	if f.saved == nil {
		return auth.Session{}, apperr.ErrAuthRequired
	}
	return *f.saved, nil
}

// --- helpers ---

type testEnv struct {
	handler  http.Handler
	svc      *mockService
	events   *fakeJobEvents
	auth     *fakeAuth
	sessions *fakeSessions
	settings *settings.Manager
}

func setupHandler(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		svc:      &mockService{},
		events:   &fakeJobEvents{ch: make(chan jobs.Event, 8)},
		auth:     &fakeAuth{session: auth.Session{AccessToken: "at", RefreshToken: "rt", User: auth.User{ID: "u1", Email: "a@b.co"}}},
		sessions: &fakeSessions{},
		settings: settings.NewManager(store, settings.Settings{InitialModel: "gpt-4o-mini", DeepModel: "gpt-4o"}),
	}
	env.handler = NewHandler(Deps{
		Service:         env.svc,
		Jobs:            env.events,
		Settings:        env.settings,
		Auth:            env.auth,
		Sessions:        env.sessions,
		Token:           testToken,
		ListenerTimeout: time.Second,
	})
	return env
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(env *testEnv, method, url, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding envelope %q: %v", rr.Body.String(), err)
	}
	return resp
}

// --- tests ---

func TestHealth_NoAuth(t *testing.T) {
	env := setupHandler(t)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Fatalf("health = %d %s", rr.Code, rr.Body.String())
	}
}

func TestBearerAuth(t *testing.T) {
	env := setupHandler(t)
	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"missing", authReq(http.MethodGet, "/v1/usage", "", ""), http.StatusUnauthorized},
		{"wrong", authReq(http.MethodGet, "/v1/usage", "", "nope"), http.StatusUnauthorized},
		{"valid", authReq(http.MethodGet, "/v1/usage", "", testToken), http.StatusOK},
		{"query token ignored outside event streams", authReq(http.MethodGet, "/v1/usage?access_token="+testToken, "", ""), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			env.handler.ServeHTTP(rr, tt.req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestBearerAuth_EmptyTokenRejectsAll(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer ")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestMessages_StartAnalysis(t *testing.T) {
	env := setupHandler(t)
	rr := serve(env, http.MethodPost, "/v1/messages", `{"type":"startAnalysis","url":"https://acme.com/pricing","tabId":"3"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	resp := decodeEnvelope(t, rr)
	if !resp.Success {
		t.Fatalf("envelope = %+v", resp)
	}
	result := resp.Result.(map[string]any)
	if result["jobId"] != "job_1" || result["kind"] != "analysis" {
		t.Errorf("result = %v", result)
	}
	if len(env.svc.started) != 1 || env.svc.started[0].URL != "https://acme.com/pricing" || env.svc.started[0].TabID != "3" {
		t.Errorf("started = %+v", env.svc.started)
	}
}

func TestMessages_Errors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*mockService)
		body     string
		wantCode int
		wantKind string
	}{
		{"unknown type", nil, `{"type":"supabaseDbInsert"}`, http.StatusBadRequest, "invalid_request"},
		{"malformed", nil, `{"type":`, http.StatusBadRequest, "invalid_request"},
		{"busy", func(m *mockService) { m.startErr = fmt.Errorf("%w: job job_0", jobs.ErrBusy) }, `{"type":"startDeepAnalysis","url":"https://a.com"}`, http.StatusConflict, "busy"},
		{"auth", func(m *mockService) { m.listErr = apperr.ErrAuthRequired }, `{"type":"getUserAnalyses"}`, http.StatusUnauthorized, "auth_required"},
		{"provider", func(m *mockService) { m.chatErr = fmt.Errorf("%w: 429 rate limited", apperr.ErrProviderError) }, `{"type":"aiChat","message":"hi"}`, http.StatusBadGateway, "provider_error"},
		{"not found", func(m *mockService) { m.deleteErr = report.ErrNotFound }, `{"type":"deleteAnalysis","id":"r9"}`, http.StatusNotFound, "not_found"},
		{"no updates", nil, `{"type":"updateAnalysis","id":"r1","updates":{}}`, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupHandler(t)
			if tt.setup != nil {
				tt.setup(env.svc)
			}
			rr := serve(env, http.MethodPost, "/v1/messages", tt.body)
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tt.wantCode, rr.Body.String())
			}
			resp := decodeEnvelope(t, rr)
			if resp.Success || resp.Error == "" || resp.ErrorKind != tt.wantKind {
				t.Errorf("envelope = %+v, want kind %q", resp, tt.wantKind)
			}
		})
	}
}

func TestMessages_GetUserAnalysesEmptyIsArray(t *testing.T) {
	env := setupHandler(t)
	rr := serve(env, http.MethodPost, "/v1/messages", `{"type":"getUserAnalyses","domain":"acme.com","is_favorite":true,"limit":5}`)
	if !strings.Contains(rr.Body.String(), `"result":[]`) {
		t.Errorf("body = %s", rr.Body.String())
	}
	f := env.svc.listFilter
	if f.Domain != "acme.com" || !f.FavoriteOnly || f.Limit != 5 {
		t.Errorf("filter = %+v", f)
	}
}

func TestRecoverJob(t *testing.T) {
	env := setupHandler(t)
	env.svc.status = analysis.Status{State: analysis.StateStale, Message: "Analysis timed out. Please try again."}
	rr := serve(env, http.MethodGet, "/v1/jobs/job_1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var st analysis.Status
	json.Unmarshal(rr.Body.Bytes(), &st)
	if st.State != analysis.StateStale {
		t.Errorf("state = %q", st.State)
	}
}

func TestStopJob(t *testing.T) {
	env := setupHandler(t)
	if rr := serve(env, http.MethodPost, "/v1/jobs/job_2/stop", ""); rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(env.svc.stopped) != 1 || env.svc.stopped[0] != "job_2" {
		t.Errorf("stopped = %v", env.svc.stopped)
	}

	env.svc.stopErr = fmt.Errorf("%w: job_9", jobs.ErrUnknownJob)
	if rr := serve(env, http.MethodPost, "/v1/jobs/job_9/stop", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", rr.Code)
	}
}

func TestLastAnalysis(t *testing.T) {
	env := setupHandler(t)
	env.svc.lastErr = analysis.ErrNoLastAnalysis
	if rr := serve(env, http.MethodGet, "/v1/last-analysis", ""); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}

	env.svc.lastErr = nil
	env.svc.last = analysis.LastAnalysis{ID: "job_1", Status: "complete", Report: "📋 PRICING ANALYSIS REPORT"}
	rr := serve(env, http.MethodGet, "/v1/last-analysis", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "PRICING ANALYSIS REPORT") {
		t.Errorf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
}

func TestSettings_JSONAndYAML(t *testing.T) {
	env := setupHandler(t)

	rr := serve(env, http.MethodPut, "/v1/settings", `{"companyContext":"We sell CRM software"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT json = %d; body = %s", rr.Code, rr.Body.String())
	}

	req := authReq(http.MethodPut, "/v1/settings", "custom_prompts: Focus on SMB pricing\nanalysis_preferences:\n  prioritize_threats: true\n", testToken)
	req.Header.Set("Content-Type", "application/yaml")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT yaml = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = serve(env, http.MethodGet, "/v1/settings", "")
	var got settings.Settings
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.CompanyContext != "We sell CRM software" || got.CustomPrompts != "Focus on SMB pricing" || !got.Preferences.PrioritizeThreats {
		t.Errorf("settings = %+v", got)
	}
	if got.InitialModel != "gpt-4o-mini" {
		t.Errorf("InitialModel = %q", got.InitialModel)
	}

	if rr := serve(env, http.MethodPut, "/v1/settings", `not json`); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid body status = %d", rr.Code)
	}
}

func TestAuth_OTPFlow(t *testing.T) {
	env := setupHandler(t)

	if rr := serve(env, http.MethodPost, "/v1/auth/otp", `{"email":" a@b.co "}`); rr.Code != http.StatusOK {
		t.Fatalf("otp status = %d", rr.Code)
	}
	if len(env.auth.sent) != 1 || env.auth.sent[0] != "a@b.co" {
		t.Errorf("sent = %v", env.auth.sent)
	}

	if rr := serve(env, http.MethodPost, "/v1/auth/verify", `{"email":"a@b.co","code":"000000"}`); rr.Code != http.StatusBadGateway {
		t.Errorf("bad code status = %d", rr.Code)
	}

	rr := serve(env, http.MethodPost, "/v1/auth/verify", `{"email":"a@b.co","code":"123456"}`)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"u1"`) {
		t.Fatalf("verify = %d %s", rr.Code, rr.Body.String())
	}
	if env.sessions.saved == nil {
		t.Fatal("session not saved")
	}

	if rr := serve(env, http.MethodGet, "/v1/auth/session", ""); rr.Code != http.StatusOK {
		t.Errorf("session status = %d", rr.Code)
	}
	if rr := serve(env, http.MethodDelete, "/v1/auth/session", ""); rr.Code != http.StatusOK || !env.sessions.cleared {
		t.Errorf("sign out = %d", rr.Code)
	}
	if rr := serve(env, http.MethodGet, "/v1/auth/session", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("session after sign out = %d, want 401", rr.Code)
	}
}

func TestAuth_Callback(t *testing.T) {
	env := setupHandler(t)
	body := `{"url":"https://ext.example/cb#access_token=at&refresh_token=rt&expires_in=3600"}`
	if rr := serve(env, http.MethodPost, "/v1/auth/callback", body); rr.Code != http.StatusOK {
		t.Fatalf("callback = %d %s", rr.Code, rr.Body.String())
	}
	if env.sessions.saved == nil || env.sessions.saved.RefreshToken != "rt" {
		t.Errorf("saved = %+v", env.sessions.saved)
	}

	body = `{"url":"https://ext.example/cb#error_description=Email+link+is+invalid"}`
	if rr := serve(env, http.MethodPost, "/v1/auth/callback", body); rr.Code != http.StatusUnauthorized {
		t.Errorf("error redirect = %d, want 401", rr.Code)
	}
}

func TestAuth_NotConfigured(t *testing.T) {
	h := NewHandler(Deps{Service: &mockService{}, Token: testToken})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/auth/otp", `{"email":"a@b.co"}`, testToken))
	if rr.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rr.Code)
	}
}

func TestReports_ExportAndStats(t *testing.T) {
	env := setupHandler(t)
	env.svc.export = analysis.Export{
		ExportDate:    time.Date(2025, 3, 1, 14, 30, 0, 0, time.UTC),
		TotalAnalyses: 1,
		Analyses:      []report.Report{{ID: "r1", Title: "Acme"}},
	}
	env.svc.stats = analysis.Stats{Total: 4, Pricing: 2, ThisMonth: 1}

	rr := serve(env, http.MethodGet, "/v1/reports/export", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("export = %d %s", rr.Code, rr.Body.String())
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "competitive-intelligence-export-2025-03-01.json") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	var exp map[string]any
	json.Unmarshal(rr.Body.Bytes(), &exp)
	if exp["totalAnalyses"] != float64(1) || exp["exportDate"] == nil || len(exp["analyses"].([]any)) != 1 {
		t.Errorf("export body = %s", rr.Body.String())
	}

	rr = serve(env, http.MethodGet, "/v1/reports/stats", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"pricingReports":2`) || !strings.Contains(rr.Body.String(), `"thisMonth":1`) {
		t.Errorf("stats = %d %s", rr.Code, rr.Body.String())
	}
}

func TestReports_ClearNeedsConfirmation(t *testing.T) {
	env := setupHandler(t)

	rr := serve(env, http.MethodDelete, "/v1/reports", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unconfirmed clear = %d", rr.Code)
	}
	resp := decodeEnvelope(t, serve(env, http.MethodPost, "/v1/messages", `{"type":"clearAllAnalyses"}`))
	if resp.Success || resp.ErrorKind != "invalid_request" {
		t.Errorf("unconfirmed message = %+v", resp)
	}
	if env.svc.cleared != 0 {
		t.Fatalf("cleared without confirmation")
	}

	rr = serve(env, http.MethodDelete, "/v1/reports?confirm=true", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"deleted":3`) {
		t.Errorf("clear = %d %s", rr.Code, rr.Body.String())
	}
	resp = decodeEnvelope(t, serve(env, http.MethodPost, "/v1/messages", `{"type":"clearAllAnalyses","confirm":true}`))
	if !resp.Success || env.svc.cleared != 2 {
		t.Errorf("confirmed message = %+v, cleared %d", resp, env.svc.cleared)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{jobs.ErrBusy, http.StatusConflict},
		{fmt.Errorf("x: %w", jobs.ErrUnknownJob), http.StatusNotFound},
		{analysis.ErrEmptyMessage, http.StatusBadRequest},
		{apperr.ErrInvalidSnapshot, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{apperr.ErrExtractionFailure, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
