// Package auth talks to the hosted identity provider: email one-time codes,
// token refresh, and the persisted session used to sign report store calls.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/cihq/internal/apperr"
)

const (
	defaultTimeout = 30 * time.Second

	// defaultLifetime is assumed when the provider reports no expiry.
	defaultLifetime = time.Hour
)

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Valid reports whether s carries both tokens.
func (s Session) Valid() bool {
	return s.AccessToken != "" && s.RefreshToken != ""
}

// Client calls the identity provider's REST endpoints.
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a client for the provider at baseURL, authenticating
// requests with the project's anon key.
func NewClient(baseURL, anonKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		now:        time.Now,
	}
}

// SendOTP asks the provider to email a one-time code, creating the user when
// needed.
func (c *Client) SendOTP(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return errors.New("email is required")
	}
	body := map[string]any{"email": email, "create_user": true}
	return c.post(ctx, "/auth/v1/otp", body, nil)
}

// VerifyOTP exchanges an emailed code for a session.
func (c *Client) VerifyOTP(ctx context.Context, email, code string) (Session, error) {
	email, code = strings.TrimSpace(email), strings.TrimSpace(code)
	if email == "" || code == "" {
		return Session{}, errors.New("email and code are required")
	}
	var tr tokenResponse
	body := map[string]string{"type": "email", "email": email, "token": code}
	if err := c.post(ctx, "/auth/v1/verify", body, &tr); err != nil {
		return Session{}, err
	}
	return tr.session(c.now())
}

// Refresh trades a refresh token for a new session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, fmt.Errorf("%w: no refresh token", apperr.ErrAuthRequired)
	}
	var tr tokenResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.post(ctx, "/auth/v1/token?grant_type=refresh_token", body, &tr); err != nil {
		// A rejected refresh token means the user has to sign in again.
		if errors.Is(err, errRejected) {
			return Session{}, fmt.Errorf("%w: %v", apperr.ErrAuthRequired, err)
		}
		return Session{}, err
	}
	return tr.session(c.now())
}

// errRejected marks 4xx answers from the provider.
var errRejected = errors.New("rejected by identity provider")

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: identity provider: %v", apperr.ErrTimeout, err)
		}
		return fmt.Errorf("%w: identity provider: %v", apperr.ErrProviderError, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := errorText(respBody)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %w: %s", apperr.ErrProviderError, errRejected, msg)
		}
		return fmt.Errorf("%w: status %d: %s", apperr.ErrProviderError, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", apperr.ErrProviderError, err)
	}
	return nil
}

// errorText picks the human-readable message out of a provider error body.
func errorText(body []byte) string {
	var e struct {
		Msg              string `json:"msg"`
		ErrorDescription string `json:"error_description"`
		Error            string `json:"error"`
		Message          string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		for _, s := range []string{e.Msg, e.ErrorDescription, e.Message, e.Error} {
			if s != "" {
				return s
			}
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return "Unknown error"
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

func (tr tokenResponse) session(now time.Time) (Session, error) {
	s := Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    expiry(now, tr.ExpiresAt, tr.ExpiresIn),
		User:         tr.User,
	}
	if !s.Valid() {
		return Session{}, fmt.Errorf("%w: no session returned", apperr.ErrProviderError)
	}
	return s, nil
}

func expiry(now time.Time, expiresAt, expiresIn int64) time.Time {
	switch {
	case expiresAt > 0:
		return time.Unix(expiresAt, 0).UTC()
	case expiresIn > 0:
		return now.Add(time.Duration(expiresIn) * time.Second).UTC()
	default:
		return now.Add(defaultLifetime).UTC()
	}
}

// ParseRedirectFragment reads a session from the fragment of an OAuth
// redirect URL ("...#access_token=...&refresh_token=...&expires_in=3600").
// The user is not part of the fragment and is left empty.
func ParseRedirectFragment(rawURL string, now time.Time) (Session, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Session{}, fmt.Errorf("parsing redirect URL: %w", err)
	}
	vals, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return Session{}, fmt.Errorf("parsing redirect fragment: %w", err)
	}
	if desc := vals.Get("error_description"); desc != "" {
		return Session{}, fmt.Errorf("%w: %s", apperr.ErrAuthRequired, desc)
	}
	at, _ := strconv.ParseInt(vals.Get("expires_at"), 10, 64)
	in, _ := strconv.ParseInt(vals.Get("expires_in"), 10, 64)
	s := Session{
		AccessToken:  vals.Get("access_token"),
		RefreshToken: vals.Get("refresh_token"),
		ExpiresAt:    expiry(now, at, in),
	}
	if !s.Valid() {
		return Session{}, fmt.Errorf("%w: redirect carries no tokens", apperr.ErrAuthRequired)
	}
	return s, nil
}
