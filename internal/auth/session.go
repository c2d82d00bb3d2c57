package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/cihq/internal/apperr"
	"github.com/kalambet/cihq/internal/storage"
)

// refreshWindow is how close to expiry a token is refreshed before use.
const refreshWindow = 60 * time.Second

// SessionStore persists the session blob.
// Implemented by storage.Store.
type SessionStore interface {
	GetJSON(key string, v any) error
	SetJSON(key string, v any) error
	DeleteState(key string) error
}

// Refresher exchanges a refresh token for a new session.
// Implemented by Client.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Session, error)
}

// SessionSource hands out a valid access token, refreshing and persisting
// the session as needed.
type SessionSource struct {
	store     SessionStore
	refresher Refresher
	now       func() time.Time
	logger    *slog.Logger

	mu sync.Mutex
}

func NewSessionSource(store SessionStore, refresher Refresher) *SessionSource {
	return &SessionSource{
		store:     store,
		refresher: refresher,
		now:       time.Now,
		logger:    slog.Default().With("component", "auth"),
	}
}

// Save persists s, filling the user id from the access token when the
// provider did not return one.
func (ss *SessionSource) Save(s Session) error {
	if !s.Valid() {
		return fmt.Errorf("%w: incomplete session", apperr.ErrAuthRequired)
	}
	if s.User.ID == "" {
		s.User.ID = subjectFromJWT(s.AccessToken)
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.store.SetJSON(storage.KeySession, s)
}

// Clear forgets the session.
func (ss *SessionSource) Clear() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.store.DeleteState(storage.KeySession)
}

// Session returns the current session, refreshing it when it expires within
// the next minute. With no stored session it returns ErrAuthRequired.
func (ss *SessionSource) Session(ctx context.Context) (Session, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	var s Session
	err := ss.store.GetJSON(storage.KeySession, &s)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !s.Valid()) {
		return Session{}, fmt.Errorf("%w: not signed in", apperr.ErrAuthRequired)
	}
	if err != nil {
		return Session{}, fmt.Errorf("loading session: %w", err)
	}

	if ss.now().Add(refreshWindow).Before(s.ExpiresAt) {
		return s, nil
	}

	ss.logger.Debug("refreshing session", "expires_at", s.ExpiresAt)
	fresh, err := ss.refresher.Refresh(ctx, s.RefreshToken)
	if err != nil {
		if errors.Is(err, apperr.ErrAuthRequired) {
			if derr := ss.store.DeleteState(storage.KeySession); derr != nil {
				ss.logger.Warn("failed to clear rejected session", "error", derr)
			}
		}
		return Session{}, fmt.Errorf("refreshing session: %w", err)
	}
	if fresh.User.ID == "" {
		fresh.User = s.User
	}
	if err := ss.store.SetJSON(storage.KeySession, fresh); err != nil {
		ss.logger.Warn("failed to persist refreshed session", "error", err)
	}
	return fresh, nil
}

// Token returns a valid access token.
func (ss *SessionSource) Token(ctx context.Context) (string, error) {
	s, err := ss.Session(ctx)
	if err != nil {
		return "", err
	}
	return s.AccessToken, nil
}

// UserID returns the signed-in user's id.
func (ss *SessionSource) UserID(ctx context.Context) (string, error) {
	s, err := ss.Session(ctx)
	if err != nil {
		return "", err
	}
	if s.User.ID == "" {
		return "", fmt.Errorf("%w: session has no user", apperr.ErrAuthRequired)
	}
	return s.User.ID, nil
}

// subjectFromJWT returns the unverified "sub" claim of a JWT, or "".
func subjectFromJWT(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Sub string `json:"sub"`
	}
	if json.Unmarshal(payload, &claims) != nil {
		return ""
	}
	return claims.Sub
}
