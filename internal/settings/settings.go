// Package settings provides cached access to the user's analysis settings
// stored in the local key/value table.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/cihq/internal/prompt"
	"github.com/kalambet/cihq/internal/storage"
)

// StateStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type StateStore interface {
	GetState(key string) (string, error)
	SetState(key, value string) error
	DeleteState(key string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Settings are the user-editable inputs to prompt assembly and model choice.
type Settings struct {
	CompanyContext string             `json:"companyContext" yaml:"company_context"`
	CustomPrompts  string             `json:"customPrompts" yaml:"custom_prompts"`
	Preferences    prompt.Preferences `json:"analysisPreferences" yaml:"analysis_preferences"`
	InitialModel   string             `json:"initialModel" yaml:"initial_model"`
	DeepModel      string             `json:"deepModel" yaml:"deep_model"`
}

// PromptOptions returns the prompt options these settings contribute.
func (s Settings) PromptOptions() prompt.Options {
	return prompt.Options{
		CompanyContext:     s.CompanyContext,
		CustomInstructions: s.CustomPrompts,
		Preferences:        s.Preferences,
	}
}

// Patch changes a subset of settings. Nil fields are left alone; an empty
// string clears a text setting.
type Patch struct {
	CompanyContext *string             `json:"companyContext,omitempty" yaml:"company_context"`
	CustomPrompts  *string             `json:"customPrompts,omitempty" yaml:"custom_prompts"`
	Preferences    *prompt.Preferences `json:"analysisPreferences,omitempty" yaml:"analysis_preferences"`
	InitialModel   *string             `json:"initialModel,omitempty" yaml:"initial_model"`
	DeepModel      *string             `json:"deepModel,omitempty" yaml:"deep_model"`
}

// Manager reads settings through a short-lived cache and invalidates it on
// every write. Unset models fall back to the configured defaults.
type Manager struct {
	store    StateStore
	clock    Clock
	ttl      time.Duration
	defaults Settings

	mu       sync.RWMutex
	cached   *Settings
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL. defaults supplies
// the initial and deep model used when none is stored.
func NewManager(store StateStore, defaults Settings) *Manager {
	return NewManagerWithClock(store, defaults, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store StateStore, defaults Settings, clock Clock, ttl time.Duration) *Manager {
	return &Manager{store: store, defaults: defaults, clock: clock, ttl: ttl}
}

// Get returns the current settings.
func (m *Manager) Get() (Settings, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		s := *m.cached
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return *m.cached, nil
	}

	s, err := m.load()
	if err != nil {
		return Settings{}, err
	}
	m.cached = &s
	m.cachedAt = m.clock.Now()
	return s, nil
}

func (m *Manager) load() (Settings, error) {
	s := Settings{InitialModel: m.defaults.InitialModel, DeepModel: m.defaults.DeepModel}

	text := map[string]*string{
		storage.KeyCompanyContext: &s.CompanyContext,
		storage.KeyCustomPrompts:  &s.CustomPrompts,
		storage.KeyInitialModel:   &s.InitialModel,
		storage.KeyDeepModel:      &s.DeepModel,
	}
	for key, dst := range text {
		v, err := m.store.GetState(key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return Settings{}, fmt.Errorf("loading %s: %w", key, err)
		}
		if v != "" {
			*dst = v
		}
	}

	raw, err := m.store.GetState(storage.KeyAnalysisPreferences)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return Settings{}, fmt.Errorf("loading %s: %w", storage.KeyAnalysisPreferences, err)
	default:
		if err := json.Unmarshal([]byte(raw), &s.Preferences); err != nil {
			slog.Warn("malformed analysis preferences, using defaults", "error", err)
			s.Preferences = prompt.Preferences{}
		}
	}
	return s, nil
}

// Apply writes every non-nil field of p and invalidates the cache.
func (m *Manager) Apply(p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.cached = nil }()

	text := []struct {
		key string
		val *string
	}{
		{storage.KeyCompanyContext, p.CompanyContext},
		{storage.KeyCustomPrompts, p.CustomPrompts},
		{storage.KeyInitialModel, p.InitialModel},
		{storage.KeyDeepModel, p.DeepModel},
	}
	for _, f := range text {
		if f.val == nil {
			continue
		}
		v := strings.TrimSpace(*f.val)
		var err error
		if v == "" {
			err = m.store.DeleteState(f.key)
		} else {
			err = m.store.SetState(f.key, v)
		}
		if err != nil {
			return fmt.Errorf("saving %s: %w", f.key, err)
		}
	}

	if p.Preferences != nil {
		data, err := json.Marshal(p.Preferences)
		if err != nil {
			return fmt.Errorf("encoding preferences: %w", err)
		}
		if err := m.store.SetState(storage.KeyAnalysisPreferences, string(data)); err != nil {
			return fmt.Errorf("saving %s: %w", storage.KeyAnalysisPreferences, err)
		}
	}
	return nil
}

// ParseYAML reads a settings file. Keys that are absent leave the
// corresponding setting unchanged when the patch is applied.
func ParseYAML(r io.Reader) (Patch, error) {
	var p Patch
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return Patch{}, nil
		}
		return Patch{}, fmt.Errorf("parsing settings YAML: %w", err)
	}
	return p, nil
}
