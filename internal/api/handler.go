package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/cihq/internal/analysis"
	"github.com/kalambet/cihq/internal/apperr"
	"github.com/kalambet/cihq/internal/auth"
	"github.com/kalambet/cihq/internal/jobs"
	"github.com/kalambet/cihq/internal/report"
	"github.com/kalambet/cihq/internal/settings"
)

const maxRequestBodySize = 4 << 20 // 4MB, page snapshots included

// JobEvents attaches listeners to running jobs.
// Implemented by jobs.Manager.
type JobEvents interface {
	Subscribe(jobID string) (<-chan jobs.Event, func(), error)
}

// SettingsStore reads and changes user settings.
// Implemented by settings.Manager.
type SettingsStore interface {
	Get() (settings.Settings, error)
	Apply(p settings.Patch) error
}

// Authenticator runs the email one-time code flow.
// Implemented by auth.Client.
type Authenticator interface {
	SendOTP(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, email, code string) (auth.Session, error)
}

// Sessions holds the signed-in session.
// Implemented by auth.SessionSource.
type Sessions interface {
	Save(s auth.Session) error
	Clear() error
	Session(ctx context.Context) (auth.Session, error)
}

// Deps holds the collaborators of the HTTP handler. Auth and Sessions may be
// nil when no identity provider is configured.
type Deps struct {
	Service         Service
	Jobs            JobEvents
	Settings        SettingsStore
	Auth            Authenticator
	Sessions        Sessions
	Token           string
	ListenerTimeout time.Duration
}

// NewHandler returns the UI-facing HTTP API. Everything except /health
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.ListenerTimeout <= 0 {
		deps.ListenerTimeout = jobs.DefaultListenerTimeout
	}
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/messages", handleMessage(deps))
		r.Get("/v1/jobs/{id}", handleRecoverJob(deps))
		r.Get("/v1/jobs/{id}/events", handleJobEvents(deps))
		r.Post("/v1/jobs/{id}/stop", handleStopJob(deps))
		r.Get("/v1/last-analysis", handleLastAnalysis(deps))
		r.Get("/v1/usage", handleUsage(deps))
		r.Get("/v1/reports/export", handleExportReports(deps))
		r.Get("/v1/reports/stats", handleReportStats(deps))
		r.Delete("/v1/reports", handleClearReports(deps))
		r.Get("/v1/settings", handleGetSettings(deps))
		r.Put("/v1/settings", handlePutSettings(deps))

		r.Post("/v1/auth/otp", handleSendOTP(deps))
		r.Post("/v1/auth/verify", handleVerifyOTP(deps))
		r.Post("/v1/auth/callback", handleAuthCallback(deps))
		r.Get("/v1/auth/session", handleGetSession(deps))
		r.Delete("/v1/auth/session", handleSignOut(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Response{Error: fmt.Sprintf("reading request body: %v", err), ErrorKind: "invalid_request"})
			return
		}
		req, err := DecodeRequest(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Response{Error: err.Error(), ErrorKind: "invalid_request"})
			return
		}

		result, err := Dispatch(r.Context(), deps.Service, req)
		if err != nil {
			slog.Debug("message failed", "type", req.requestType(), "error", err)
			writeJSON(w, statusFor(err), Response{Error: apperr.Message(err), ErrorKind: errorKind(err)})
			return
		}
		writeJSON(w, http.StatusOK, Response{Success: true, Result: result})
	}
}

func handleRecoverJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Service.Recover(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, statusFor(err), errorKind(err), "%s", apperr.Message(err))
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleStopJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.Stop(chi.URLParam(r, "id")); err != nil {
			httpError(w, statusFor(err), errorKind(err), "%s", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
	}
}

func handleLastAnalysis(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		last, err := deps.Service.LastAnalysis()
		if err != nil {
			httpError(w, statusFor(err), errorKind(err), "%s", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, last)
	}
}

func handleUsage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := deps.Service.Usage()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read usage: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

func handleExportReports(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exp, err := deps.Service.ExportReports(r.Context())
		if err != nil {
			httpError(w, statusFor(err), errorKind(err), "%s", apperr.Message(err))
			return
		}
		name := "competitive-intelligence-export-" + exp.ExportDate.Format("2006-01-02") + ".json"
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		writeJSON(w, http.StatusOK, exp)
	}
}

func handleReportStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Service.ReportStats(r.Context())
		if err != nil {
			httpError(w, statusFor(err), errorKind(err), "%s", apperr.Message(err))
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// handleClearReports deletes every report; the caller confirms with
// ?confirm=true.
func handleClearReports(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("confirm") != "true" {
			httpError(w, http.StatusBadRequest, "invalid_request", "%s", ErrNotConfirmed)
			return
		}
		n, err := deps.Service.ClearReports(r.Context())
		if err != nil {
			httpError(w, statusFor(err), errorKind(err), "%s", apperr.Message(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

func handleGetSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Settings.Get()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get settings: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

// handlePutSettings applies a settings patch sent as JSON, or as YAML when
// the request says so.
func handlePutSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var (
			p   settings.Patch
			err error
		)
		mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		switch mt {
		case "application/yaml", "application/x-yaml", "text/yaml":
			p, err = settings.ParseYAML(r.Body)
		default:
			err = json.NewDecoder(r.Body).Decode(&p)
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid settings: %v", err)
			return
		}
		if err := deps.Settings.Apply(p); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save settings: %v", err)
			return
		}
		s, err := deps.Settings.Get()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get settings: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

type otpRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func handleSendOTP(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Auth == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "identity provider not configured")
			return
		}
		var req otpRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := deps.Auth.SendOTP(r.Context(), strings.TrimSpace(req.Email)); err != nil {
			httpError(w, statusFor(err), errorKind(err), "%s", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	}
}

func handleVerifyOTP(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Auth == nil || deps.Sessions == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "identity provider not configured")
			return
		}
		var req otpRequest
		if !decodeBody(w, r, &req) {
			return
		}
		s, err := deps.Auth.VerifyOTP(r.Context(), strings.TrimSpace(req.Email), strings.TrimSpace(req.Code))
		if err != nil {
			httpError(w, statusFor(err), errorKind(err), "%s", err.Error())
			return
		}
		saveSession(w, r, deps, s)
	}
}

// handleAuthCallback finishes a browser sign-in from the provider's
// redirect URL, whose fragment carries the tokens.
func handleAuthCallback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Sessions == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "identity provider not configured")
			return
		}
		var req struct {
			URL string `json:"url"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		s, err := auth.ParseRedirectFragment(req.URL, time.Now())
		if err != nil {
			httpError(w, statusFor(err), errorKind(err), "%s", err.Error())
			return
		}
		saveSession(w, r, deps, s)
	}
}

func saveSession(w http.ResponseWriter, r *http.Request, deps Deps, s auth.Session) {
	if err := deps.Sessions.Save(s); err != nil {
		httpError(w, statusFor(err), errorKind(err), "failed to save session: %v", err)
		return
	}
	saved, err := deps.Sessions.Session(r.Context())
	if err != nil {
		httpError(w, statusFor(err), errorKind(err), "%s", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": saved.User, "expiresAt": saved.ExpiresAt})
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Sessions == nil {
			httpError(w, http.StatusUnauthorized, "auth_required", "not signed in")
			return
		}
		s, err := deps.Sessions.Session(r.Context())
		if err != nil {
			httpError(w, statusFor(err), errorKind(err), "%s", apperr.Message(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": s.User, "expiresAt": s.ExpiresAt})
	}
}

func handleSignOut(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Sessions != nil {
			if err := deps.Sessions.Clear(); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to clear session: %v", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrUnknownJob), errors.Is(err, report.ErrNotFound), errors.Is(err, analysis.ErrNoLastAnalysis):
		return http.StatusNotFound
	case errors.Is(err, ErrUnknownRequest), errors.Is(err, report.ErrNoUpdates), errors.Is(err, analysis.ErrEmptyMessage),
		errors.Is(err, apperr.ErrInvalidSnapshot), errors.Is(err, ErrNotConfirmed):
		return http.StatusBadRequest
	}
	switch apperr.Kind(err) {
	case "auth_required":
		return http.StatusUnauthorized
	case "timeout", "stale_job":
		return http.StatusGatewayTimeout
	case "provider_error", "extraction_failure":
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, jobs.ErrBusy):
		return "busy"
	case errors.Is(err, jobs.ErrUnknownJob), errors.Is(err, report.ErrNotFound), errors.Is(err, analysis.ErrNoLastAnalysis):
		return "not_found"
	case errors.Is(err, report.ErrNoUpdates), errors.Is(err, analysis.ErrEmptyMessage), errors.Is(err, ErrNotConfirmed):
		return "invalid_request"
	}
	return apperr.Kind(err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
