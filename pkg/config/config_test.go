package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// TestDefaultConfig_Validates verifies the shipped defaults pass validation
func TestDefaultConfig_Validates(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

// TestDefaultConfig_RetrievalWeights verifies the ranking weights
func TestDefaultConfig_RetrievalWeights(t *testing.T) {
	w := DefaultConfig().Retrieval.Weights

	if w.Semantic != 0.4 || w.Recency != 0.2 || w.Importance != 0.2 || w.Mentions != 0.1 || w.Keyword != 0.1 {
		t.Errorf("unexpected default weights: %+v", w)
	}
}

// TestDefaultConfig_Budgets verifies per-agent token budgets
func TestDefaultConfig_Budgets(t *testing.T) {
	b := DefaultConfig().Coordinator.Budgets

	if b.Generation != 4000 {
		t.Errorf("Generation budget = %d, want 4000", b.Generation)
	}
	if b.Turn != 8000 {
		t.Errorf("Turn budget = %d, want 8000", b.Turn)
	}
}

// TestDefaultConfig_AnalysisInterval verifies analysis runs every fifth turn
func TestDefaultConfig_AnalysisInterval(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Coordinator.AnalysisInterval != 5 {
		t.Errorf("AnalysisInterval = %d, want 5", cfg.Coordinator.AnalysisInterval)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"weights do not sum to one", func(c *Config) { c.Retrieval.Weights.Semantic = 0.9 }},
		{"negative weight", func(c *Config) {
			c.Retrieval.Weights.Semantic = -0.1
			c.Retrieval.Weights.Recency = 0.7
		}},
		{"zero budget", func(c *Config) { c.Coordinator.Budgets.Retrieval = 0 }},
		{"zero top n", func(c *Config) { c.Retrieval.TopN = 0 }},
		{"dedup threshold out of range", func(c *Config) { c.Extraction.DedupThreshold = 1.5 }},
		{"bad cron", func(c *Config) { c.Memory.SweepSchedule = "whenever" }},
		{"negative analysis interval", func(c *Config) { c.Coordinator.AnalysisInterval = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidate_SweepDisabledIgnoresSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.SweepEnabled = false
	cfg.Memory.SweepSchedule = "whenever"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled sweep should skip schedule validation: %v", err)
	}
}

func TestLoadConfig_MissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("DOTMEMORY_PROVIDER_NAME", "anthropic")
	t.Setenv("DOTMEMORY_PROVIDERS_ANTHROPIC_API_KEY", "sk-test")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ProviderName() != "anthropic" {
		t.Errorf("ProviderName = %q, want anthropic", cfg.ProviderName())
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test" {
		t.Errorf("Anthropic key not applied from env")
	}
	if cfg.Retrieval.TopN != 5 {
		t.Errorf("TopN = %d, want default 5", cfg.Retrieval.TopN)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Retrieval.TopN = 9
	cfg.Memory.DataDir = "/tmp/dotmemory-test"

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("config perms = %v, want 0600", info.Mode().Perm())
		}
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Retrieval.TopN != 9 {
		t.Errorf("TopN = %d, want 9", loaded.Retrieval.TopN)
	}
	if loaded.DBPath() != filepath.Join("/tmp/dotmemory-test", "memory.db") {
		t.Errorf("DBPath = %q", loaded.DBPath())
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := expandHome("~/.dotmemory"); got != home+"/.dotmemory" {
		t.Errorf("expandHome = %q", got)
	}
	if got := expandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("expandHome changed absolute path: %q", got)
	}
}
