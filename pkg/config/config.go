package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

type Config struct {
	Provider    ProviderConfig    `json:"provider"`
	Providers   ProvidersConfig   `json:"providers"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Retrieval   RetrievalConfig   `json:"retrieval"`
	Generation  GenerationConfig  `json:"generation"`
	Extraction  ExtractionConfig  `json:"extraction"`
	Privacy     PrivacyConfig     `json:"privacy"`
	Memory      MemoryConfig      `json:"memory"`
	Log         LogConfig         `json:"log"`
	mu          sync.RWMutex
}

// ProviderConfig selects the LLM backend shared by every agent.
type ProviderConfig struct {
	Name              string `json:"name" env:"DOTMEMORY_PROVIDER_NAME"`
	Model             string `json:"model" env:"DOTMEMORY_PROVIDER_MODEL"`
	RequestsPerMinute int    `json:"requests_per_minute" env:"DOTMEMORY_PROVIDER_REQUESTS_PER_MINUTE"`
	Burst             int    `json:"burst" env:"DOTMEMORY_PROVIDER_BURST"`
	TimeoutSeconds    int    `json:"timeout_seconds" env:"DOTMEMORY_PROVIDER_TIMEOUT_SECONDS"`
}

type ProvidersConfig struct {
	OpenRouter CredentialConfig `json:"openrouter" envPrefix:"DOTMEMORY_PROVIDERS_OPENROUTER_"`
	OpenAI     CredentialConfig `json:"openai" envPrefix:"DOTMEMORY_PROVIDERS_OPENAI_"`
	Anthropic  CredentialConfig `json:"anthropic" envPrefix:"DOTMEMORY_PROVIDERS_ANTHROPIC_"`
}

type CredentialConfig struct {
	APIKey  string `json:"api_key" env:"API_KEY"`
	APIBase string `json:"api_base,omitempty" env:"API_BASE"`
	Proxy   string `json:"proxy,omitempty" env:"PROXY"`
}

// Budgets are advisory per-agent token limits; overruns are logged, never
// enforced.
type Budgets struct {
	PrivacyCheck int `json:"privacy_check" env:"DOTMEMORY_BUDGET_PRIVACY_CHECK"`
	Retrieval    int `json:"retrieval" env:"DOTMEMORY_BUDGET_RETRIEVAL"`
	Generation   int `json:"generation" env:"DOTMEMORY_BUDGET_GENERATION"`
	Extraction   int `json:"extraction" env:"DOTMEMORY_BUDGET_EXTRACTION"`
	Analysis     int `json:"analysis" env:"DOTMEMORY_BUDGET_ANALYSIS"`
	Turn         int `json:"turn" env:"DOTMEMORY_BUDGET_TURN"`
}

type CoordinatorConfig struct {
	AnalysisInterval   int     `json:"analysis_interval" env:"DOTMEMORY_COORDINATOR_ANALYSIS_INTERVAL"`
	StepTimeoutSeconds int     `json:"step_timeout_seconds" env:"DOTMEMORY_COORDINATOR_STEP_TIMEOUT_SECONDS"`
	HistoryLimit       int     `json:"history_limit" env:"DOTMEMORY_COORDINATOR_HISTORY_LIMIT"`
	FallbackReply      string  `json:"fallback_reply" env:"DOTMEMORY_COORDINATOR_FALLBACK_REPLY"`
	Budgets            Budgets `json:"budgets"`
}

type Weights struct {
	Semantic   float64 `json:"semantic" env:"DOTMEMORY_RETRIEVAL_WEIGHT_SEMANTIC"`
	Recency    float64 `json:"recency" env:"DOTMEMORY_RETRIEVAL_WEIGHT_RECENCY"`
	Importance float64 `json:"importance" env:"DOTMEMORY_RETRIEVAL_WEIGHT_IMPORTANCE"`
	Mentions   float64 `json:"mentions" env:"DOTMEMORY_RETRIEVAL_WEIGHT_MENTIONS"`
	Keyword    float64 `json:"keyword" env:"DOTMEMORY_RETRIEVAL_WEIGHT_KEYWORD"`
}

func (w Weights) Sum() float64 {
	return w.Semantic + w.Recency + w.Importance + w.Mentions + w.Keyword
}

type RetrievalConfig struct {
	TopN                int     `json:"top_n" env:"DOTMEMORY_RETRIEVAL_TOP_N"`
	CandidateLimit      int     `json:"candidate_limit" env:"DOTMEMORY_RETRIEVAL_CANDIDATE_LIMIT"`
	RecencyWindowDays   int     `json:"recency_window_days" env:"DOTMEMORY_RETRIEVAL_RECENCY_WINDOW_DAYS"`
	RecencyHalfLifeDays float64 `json:"recency_half_life_days" env:"DOTMEMORY_RETRIEVAL_RECENCY_HALF_LIFE_DAYS"`
	UseLLMIntent        bool    `json:"use_llm_intent" env:"DOTMEMORY_RETRIEVAL_USE_LLM_INTENT"`
	IntentCacheSeconds  int     `json:"intent_cache_seconds" env:"DOTMEMORY_RETRIEVAL_INTENT_CACHE_SECONDS"`
	Weights             Weights `json:"weights"`
}

type GenerationConfig struct {
	Temperature           float64 `json:"temperature" env:"DOTMEMORY_GENERATION_TEMPERATURE"`
	MaxTokens             int     `json:"max_tokens" env:"DOTMEMORY_GENERATION_MAX_TOKENS"`
	HistoryTurns          int     `json:"history_turns" env:"DOTMEMORY_GENERATION_HISTORY_TURNS"`
	MaxMemoryContextChars int     `json:"max_memory_context_chars" env:"DOTMEMORY_GENERATION_MAX_MEMORY_CONTEXT_CHARS"`
	MinResponseChars      int     `json:"min_response_chars" env:"DOTMEMORY_GENERATION_MIN_RESPONSE_CHARS"`
	MaxResponseChars      int     `json:"max_response_chars" env:"DOTMEMORY_GENERATION_MAX_RESPONSE_CHARS"`
	MinRelevance          float64 `json:"min_relevance" env:"DOTMEMORY_GENERATION_MIN_RELEVANCE"`
	QualityRetry          bool    `json:"quality_retry" env:"DOTMEMORY_GENERATION_QUALITY_RETRY"`
}

type ExtractionConfig struct {
	UseLLM         bool    `json:"use_llm" env:"DOTMEMORY_EXTRACTION_USE_LLM"`
	MaxCandidates  int     `json:"max_candidates" env:"DOTMEMORY_EXTRACTION_MAX_CANDIDATES"`
	MinImportance  float64 `json:"min_importance" env:"DOTMEMORY_EXTRACTION_MIN_IMPORTANCE"`
	DedupThreshold float64 `json:"dedup_threshold" env:"DOTMEMORY_EXTRACTION_DEDUP_THRESHOLD"`
	Temperature    float64 `json:"temperature" env:"DOTMEMORY_EXTRACTION_TEMPERATURE"`
	MaxTokens      int     `json:"max_tokens" env:"DOTMEMORY_EXTRACTION_MAX_TOKENS"`
}

type PrivacyConfig struct {
	// RulesFile optionally points at a YAML file extending the built-in
	// keyword lists and patterns.
	RulesFile string `json:"rules_file,omitempty" env:"DOTMEMORY_PRIVACY_RULES_FILE"`
}

type MemoryConfig struct {
	DataDir        string  `json:"data_dir" env:"DOTMEMORY_MEMORY_DATA_DIR"`
	EmbeddingModel string  `json:"embedding_model" env:"DOTMEMORY_MEMORY_EMBEDDING_MODEL"`
	SweepEnabled   bool    `json:"sweep_enabled" env:"DOTMEMORY_MEMORY_SWEEP_ENABLED"`
	SweepSchedule  string  `json:"sweep_schedule" env:"DOTMEMORY_MEMORY_SWEEP_SCHEDULE"`
	SweepThreshold float64 `json:"sweep_threshold" env:"DOTMEMORY_MEMORY_SWEEP_THRESHOLD"`
}

type LogConfig struct {
	Level string `json:"level" env:"DOTMEMORY_LOG_LEVEL"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:              "openrouter",
			Model:             "",
			RequestsPerMinute: 60,
			Burst:             5,
			TimeoutSeconds:    120,
		},
		Coordinator: CoordinatorConfig{
			AnalysisInterval:   5,
			StepTimeoutSeconds: 90,
			HistoryLimit:       20,
			FallbackReply:      "I'm sorry, I couldn't fully process that. Could you try again?",
			Budgets: Budgets{
				PrivacyCheck: 500,
				Retrieval:    1000,
				Generation:   4000,
				Extraction:   2000,
				Analysis:     500,
				Turn:         8000,
			},
		},
		Retrieval: RetrievalConfig{
			TopN:                5,
			CandidateLimit:      20,
			RecencyWindowDays:   30,
			RecencyHalfLifeDays: 7,
			UseLLMIntent:        false,
			IntentCacheSeconds:  300,
			Weights: Weights{
				Semantic:   0.4,
				Recency:    0.2,
				Importance: 0.2,
				Mentions:   0.1,
				Keyword:    0.1,
			},
		},
		Generation: GenerationConfig{
			Temperature:           0.7,
			MaxTokens:             800,
			HistoryTurns:          10,
			MaxMemoryContextChars: 2000,
			MinResponseChars:      1,
			MaxResponseChars:      4000,
			MinRelevance:          0.1,
			QualityRetry:          true,
		},
		Extraction: ExtractionConfig{
			UseLLM:         true,
			MaxCandidates:  5,
			MinImportance:  0.3,
			DedupThreshold: 0.6,
			Temperature:    0.2,
			MaxTokens:      600,
		},
		Memory: MemoryConfig{
			DataDir:        "~/.dotmemory",
			EmbeddingModel: "dotmemory-chargram-384-v1",
			SweepEnabled:   true,
			SweepSchedule:  "0 3 * * *",
			SweepThreshold: 0.6,
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultPath is where the CLI looks for its config file.
func DefaultPath() string {
	return filepath.Join(expandHome("~/.dotmemory"), "config.json")
}

// LoadConfig reads path over the defaults, then applies DOTMEMORY_*
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config env: %w", err)
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate checks the values the agents cannot sensibly default on their own.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b := c.Coordinator.Budgets
	for name, v := range map[string]int{
		"privacy_check": b.PrivacyCheck,
		"retrieval":     b.Retrieval,
		"generation":    b.Generation,
		"extraction":    b.Extraction,
		"analysis":      b.Analysis,
		"turn":          b.Turn,
	} {
		if v <= 0 {
			return fmt.Errorf("coordinator.budgets.%s must be positive, got %d", name, v)
		}
	}
	if c.Coordinator.AnalysisInterval < 0 {
		return fmt.Errorf("coordinator.analysis_interval must not be negative")
	}

	w := c.Retrieval.Weights
	for name, v := range map[string]float64{
		"semantic":   w.Semantic,
		"recency":    w.Recency,
		"importance": w.Importance,
		"mentions":   w.Mentions,
		"keyword":    w.Keyword,
	} {
		if v < 0 {
			return fmt.Errorf("retrieval.weights.%s must not be negative", name)
		}
	}
	if math.Abs(w.Sum()-1) > 0.01 {
		return fmt.Errorf("retrieval.weights must sum to 1, got %.3f", w.Sum())
	}
	if c.Retrieval.TopN <= 0 {
		return fmt.Errorf("retrieval.top_n must be positive")
	}

	if c.Extraction.MinImportance < 0 || c.Extraction.MinImportance > 1 {
		return fmt.Errorf("extraction.min_importance must be in [0,1]")
	}
	if t := c.Extraction.DedupThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("extraction.dedup_threshold must be in (0,1], got %.2f", t)
	}

	if c.Memory.SweepEnabled && !gronx.New().IsValid(c.Memory.SweepSchedule) {
		return fmt.Errorf("memory.sweep_schedule %q is not a valid cron expression", c.Memory.SweepSchedule)
	}
	return nil
}

func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Memory.DataDir)
}

func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir(), "memory.db")
}

func (c *Config) VectorDir() string {
	return filepath.Join(c.DataDir(), "vectors")
}

func (c *Config) ProviderName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name := strings.ToLower(strings.TrimSpace(c.Provider.Name))
	if name == "" {
		return "openrouter"
	}
	return name
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
