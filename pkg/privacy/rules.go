package privacy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PatternRule is a user-supplied regular expression detector.
type PatternRule struct {
	Name        string   `yaml:"name"`
	Pattern     string   `yaml:"pattern"`
	Severity    Severity `yaml:"severity"`
	Placeholder string   `yaml:"placeholder,omitempty"`
}

// Rules holds the keyword lists and extra patterns the detector runs on top
// of its built-in expressions.
type Rules struct {
	FinancialKeywords []string      `yaml:"financial_keywords"`
	HealthKeywords    []string      `yaml:"health_keywords"`
	Patterns          []PatternRule `yaml:"patterns"`
}

func DefaultRules() *Rules {
	return &Rules{
		FinancialKeywords: []string{
			"bank account",
			"account number",
			"routing number",
			"iban",
			"swift code",
			"credit score",
			"tax return",
			"pin number",
			"salary",
			"net worth",
		},
		HealthKeywords: []string{
			"diagnosed",
			"diagnosis",
			"medication",
			"prescription",
			"medical condition",
			"mental health",
			"therapy",
			"therapist",
			"hiv",
			"cancer",
			"diabetes",
			"depression",
			"surgery",
			"pregnant",
		},
	}
}

// LoadRules reads a YAML rules file and appends it to the defaults. An empty
// path returns the defaults.
func LoadRules(path string) (*Rules, error) {
	rules := DefaultRules()
	path = strings.TrimSpace(path)
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read privacy rules: %w", err)
	}
	var extra Rules
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("parse privacy rules %s: %w", path, err)
	}
	for i, p := range extra.Patterns {
		if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Pattern) == "" {
			return nil, fmt.Errorf("privacy rule %d: name and pattern are required", i)
		}
		if !p.Severity.Valid() {
			return nil, fmt.Errorf("privacy rule %q: unknown severity %q", p.Name, p.Severity)
		}
	}
	rules.FinancialKeywords = appendUnique(rules.FinancialKeywords, extra.FinancialKeywords...)
	rules.HealthKeywords = appendUnique(rules.HealthKeywords, extra.HealthKeywords...)
	rules.Patterns = append(rules.Patterns, extra.Patterns...)
	return rules, nil
}

func appendUnique(base []string, more ...string) []string {
	seen := make(map[string]struct{}, len(base))
	for _, s := range base {
		seen[strings.ToLower(s)] = struct{}{}
	}
	for _, s := range more {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		base = append(base, s)
	}
	return base
}
