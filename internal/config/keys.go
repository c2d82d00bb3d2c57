package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CIHQ_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "llm.base_url", typ: kString, env: "CIHQ_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "CIHQ_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.initial_model", typ: kString, env: "CIHQ_LLM_INITIAL_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.InitialModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.InitialModel },
	},
	{
		key: "llm.deep_model", typ: kString, env: "CIHQ_LLM_DEEP_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.DeepModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.DeepModel },
	},
	{
		key: "llm.analysis_max_tokens", typ: kInt, env: "CIHQ_LLM_ANALYSIS_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.LLM.AnalysisMaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.AnalysisMaxTokens },
	},
	{
		key: "llm.analysis_temperature", typ: kFloat, env: "CIHQ_LLM_ANALYSIS_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.AnalysisTemperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.AnalysisTemperature },
	},
	{
		key: "llm.chat_max_tokens", typ: kInt, env: "CIHQ_LLM_CHAT_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.LLM.ChatMaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.ChatMaxTokens },
	},
	{
		key: "llm.chat_temperature", typ: kFloat, env: "CIHQ_LLM_CHAT_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.ChatTemperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.ChatTemperature },
	},
	{
		key: "store.url", typ: kString, env: "CIHQ_STORE_URL",
		apply:   func(cfg *Config, v any) { cfg.Store.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.URL },
	},
	{
		key: "store.anon_key", typ: kString, env: "CIHQ_STORE_ANON_KEY",
		apply:   func(cfg *Config, v any) { cfg.Store.AnonKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.AnonKey },
	},
	{
		key: "store.table", typ: kString, env: "CIHQ_STORE_TABLE",
		apply:   func(cfg *Config, v any) { cfg.Store.Table = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.Table },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CIHQ_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "jobs.stale_after", typ: kDuration, env: "CIHQ_JOBS_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Jobs.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.StaleAfter },
	},
	{
		key: "jobs.listener_timeout", typ: kDuration, env: "CIHQ_JOBS_LISTENER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Jobs.ListenerTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.ListenerTimeout },
	},
	{
		key: "jobs.extract_timeout", typ: kDuration, env: "CIHQ_JOBS_EXTRACT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Jobs.ExtractTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.ExtractTimeout },
	},
	{
		key: "jobs.completion_timeout", typ: kDuration, env: "CIHQ_JOBS_COMPLETION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Jobs.CompletionTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.CompletionTimeout },
	},
	{
		key: "jobs.sweep_schedule", typ: kString, env: "CIHQ_JOBS_SWEEP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Jobs.SweepSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Jobs.SweepSchedule },
	},
	{
		key: "retrieval.limit", typ: kInt, env: "CIHQ_RETRIEVAL_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.Limit },
	},
	{
		key: "retrieval.chunk_size", typ: kInt, env: "CIHQ_RETRIEVAL_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ChunkSize },
	},
	{
		key: "snapshot.full_body", typ: kBool, env: "CIHQ_SNAPSHOT_FULL_BODY",
		apply:   func(cfg *Config, v any) { cfg.Snapshot.FullBody = v.(bool) },
		extract: func(cfg Config) any { return cfg.Snapshot.FullBody },
	},
	{
		key: "log.level", typ: kString, env: "CIHQ_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := parseValue(s.typ, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration must be positive")
		}
		return d, nil
	default:
		return raw, nil
	}
}
