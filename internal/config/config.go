package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Store     StoreConfig
	Storage   StorageConfig
	Jobs      JobsConfig
	Retrieval RetrievalConfig
	Snapshot  SnapshotConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

// LLMConfig points at an OpenAI-compatible chat completion endpoint.
type LLMConfig struct {
	BaseURL             string
	APIKey              string
	InitialModel        string
	DeepModel           string
	AnalysisMaxTokens   int
	AnalysisTemperature float64
	ChatMaxTokens       int
	ChatTemperature     float64
}

// StoreConfig describes the hosted backend: REST report storage and the
// identity provider share a base URL and anon key.
type StoreConfig struct {
	URL     string
	AnonKey string
	Table   string
}

type StorageConfig struct {
	DataDir string
}

type JobsConfig struct {
	StaleAfter        time.Duration
	ListenerTimeout   time.Duration
	ExtractTimeout    time.Duration
	CompletionTimeout time.Duration
	SweepSchedule     string
}

type RetrievalConfig struct {
	Limit     int
	ChunkSize int
}

// SnapshotConfig tunes page extraction.
type SnapshotConfig struct {
	// FullBody disables readability main-text selection.
	FullBody bool
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		LLM: LLMConfig{
			BaseURL:             "https://api.openai.com/v1",
			InitialModel:        "gpt-4o-mini",
			DeepModel:           "gpt-4o",
			AnalysisMaxTokens:   2000,
			AnalysisTemperature: 0.3,
			ChatMaxTokens:       1500,
			ChatTemperature:     0.7,
		},
		Store: StoreConfig{
			Table: "analyses",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Jobs: JobsConfig{
			StaleAfter:        10 * time.Minute,
			ListenerTimeout:   5 * time.Minute,
			ExtractTimeout:    30 * time.Second,
			CompletionTimeout: 120 * time.Second,
			SweepSchedule:     "@every 1m",
		},
		Retrieval: RetrievalConfig{
			Limit:     3,
			ChunkSize: 3000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the YAML config file, the secrets file and
// environment variables.
//
// The config file lives at $XDG_CONFIG_HOME/cihq/config.yaml and holds flat
// dotted keys ("llm.base_url: ..."). Secrets (the LLM API key and the local
// API token) are read from $XDG_DATA_HOME/cihq/secrets.yaml when not set in
// the environment.
//
// Environment variables (CIHQ_*) override file values.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), NewSecretStore())
}

// secretReader abstracts secret lookup for testing.
type secretReader interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, sr secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.typ != kString {
			continue
		}
		if cur, _ := s.extract(cfg).(string); cur != "" {
			continue
		}
		if v, err := sr.Get(secretService, secretAccount(s.key)); err == nil && v != "" {
			s.apply(&cfg, strings.TrimSpace(v))
		}
	}

	return cfg, nil
}

// Validate reports configuration the server cannot run without.
func (c Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("missing required config: LLM API key. " +
			"Set it via environment variable CIHQ_LLM_API_KEY or `cihq config set-secret llm.api_key`")
	}
	if c.Jobs.StaleAfter <= 0 {
		return fmt.Errorf("invalid config: jobs.stale_after must be positive")
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "cihq-data"
		}
	}
	return filepath.Join(dir, "cihq")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "cihq", "config.yaml")
}
