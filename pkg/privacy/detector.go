// Package privacy detects personal data in chat text and enforces the
// per-session privacy mode before any memory is read or written.
//
// Detection is heuristic. Pattern and keyword lists miss things and
// occasionally over-match, so callers must treat it as a best-effort filter
// rather than a redaction guarantee.
package privacy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	return s.rank() > 0
}

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	}
	return 0
}

type ViolationType string

const (
	ViolationEmail        ViolationType = "email"
	ViolationPhone        ViolationType = "phone"
	ViolationCreditCard   ViolationType = "credit_card"
	ViolationSSN          ViolationType = "ssn"
	ViolationAddress      ViolationType = "address"
	ViolationDateOfBirth  ViolationType = "date_of_birth"
	ViolationName         ViolationType = "personal_name"
	ViolationFinancial    ViolationType = "financial"
	ViolationHealth       ViolationType = "health"
	ViolationCredential   ViolationType = "credential"
	ViolationProfileScope ViolationType = "profile_isolation"
)

// Violation is one detected sensitive span. Start and End are byte offsets
// into the scanned text.
type Violation struct {
	Type     ViolationType
	Content  string
	Severity Severity
	Start    int
	End      int
}

var builtinPlaceholders = map[ViolationType]string{
	ViolationEmail:       "[EMAIL REDACTED]",
	ViolationPhone:       "[PHONE REDACTED]",
	ViolationCreditCard:  "[CREDIT CARD REDACTED]",
	ViolationSSN:         "[SSN REDACTED]",
	ViolationAddress:     "[ADDRESS REDACTED]",
	ViolationDateOfBirth: "[DOB REDACTED]",
	ViolationName:        "[NAME REDACTED]",
	ViolationFinancial:   "[FINANCIAL INFO REDACTED]",
	ViolationHealth:      "[HEALTH INFO REDACTED]",
	ViolationCredential:  "[CREDENTIAL REDACTED]",
}

type detectorRule struct {
	kind        ViolationType
	severity    Severity
	re          *regexp.Regexp
	group       int
	placeholder string
}

var builtinRules = []detectorRule{
	{kind: ViolationEmail, severity: SeverityLow, re: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{kind: ViolationPhone, severity: SeverityLow, re: regexp.MustCompile(`(?:\+\d{1,2}[\s.\-]?)?(?:\(\d{3}\)|\b\d{3})[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)},
	{kind: ViolationCreditCard, severity: SeverityHigh, re: regexp.MustCompile(`\b(?:\d{4}[\s\-]?){3}\d{4}\b|\b3[47]\d{2}[\s\-]?\d{6}[\s\-]?\d{5}\b`)},
	{kind: ViolationSSN, severity: SeverityHigh, re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{kind: ViolationAddress, severity: SeverityMedium, re: regexp.MustCompile(`(?i)\b\d{1,5}\s+(?:[A-Za-z0-9]+\s+){0,3}(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl)\b\.?`)},
	{kind: ViolationDateOfBirth, severity: SeverityMedium, re: regexp.MustCompile(`(?i)\b(?:born on|date of birth|dob|birthday)\b[:\s]*(?:is\s+)?(?:\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4}|[A-Za-z]+\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4})`)},
	{kind: ViolationName, severity: SeverityMedium, re: regexp.MustCompile(`\b(?i:my name is|call me|my name's)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`), group: 1},
	{kind: ViolationCredential, severity: SeverityHigh, re: regexp.MustCompile(`(?i)(?:api[_ \-]?key|password)\s*(?:is|[:=])\s*\S+|\bsk-[A-Za-z0-9]{12,}|\bghp_[A-Za-z0-9]{20,}|-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
}

// Detector scans text for personal data.
type Detector struct {
	rules []detectorRule
}

// NewDetector compiles rules on top of the built-in patterns. A nil rules
// value uses DefaultRules.
func NewDetector(rules *Rules) (*Detector, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	d := &Detector{rules: append([]detectorRule(nil), builtinRules...)}
	if re := keywordRegexp(rules.FinancialKeywords); re != nil {
		d.rules = append(d.rules, detectorRule{kind: ViolationFinancial, severity: SeverityHigh, re: re})
	}
	if re := keywordRegexp(rules.HealthKeywords); re != nil {
		d.rules = append(d.rules, detectorRule{kind: ViolationHealth, severity: SeverityHigh, re: re})
	}
	for _, p := range rules.Patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile privacy rule %q: %w", p.Name, err)
		}
		sev := p.Severity
		if !sev.Valid() {
			sev = SeverityMedium
		}
		d.rules = append(d.rules, detectorRule{
			kind:        ViolationType(strings.ToLower(strings.TrimSpace(p.Name))),
			severity:    sev,
			re:          re,
			placeholder: p.Placeholder,
		})
	}
	return d, nil
}

func keywordRegexp(keywords []string) *regexp.Regexp {
	parts := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		parts = append(parts, strings.ReplaceAll(regexp.QuoteMeta(k), " ", `\s+`))
	}
	if len(parts) == 0 {
		return nil
	}
	// Longest first so "bank account number" wins over "bank account".
	sort.SliceStable(parts, func(i, j int) bool { return len(parts[i]) > len(parts[j]) })
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(parts, "|") + `)\b`)
}

// Detect returns non-overlapping violations ordered by position. When two
// matches overlap the more severe one wins, then the longer one.
func (d *Detector) Detect(text string) []Violation {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var found []Violation
	for _, rule := range d.rules {
		for _, loc := range rule.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if rule.group > 0 && len(loc) > 2*rule.group+1 && loc[2*rule.group] >= 0 {
				start, end = loc[2*rule.group], loc[2*rule.group+1]
			}
			if end <= start {
				continue
			}
			found = append(found, Violation{
				Type:     rule.kind,
				Content:  text[start:end],
				Severity: rule.severity,
				Start:    start,
				End:      end,
			})
		}
	}
	if len(found) == 0 {
		return nil
	}

	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if a.Severity.rank() != b.Severity.rank() {
			return a.Severity.rank() > b.Severity.rank()
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return a.Start < b.Start
	})
	kept := make([]Violation, 0, len(found))
	for _, v := range found {
		overlaps := false
		for _, k := range kept {
			if v.Start < k.End && k.Start < v.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, v)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// Placeholder is the replacement token used when redacting t.
func (d *Detector) Placeholder(t ViolationType) string {
	for _, r := range d.rules {
		if r.kind == t && r.placeholder != "" {
			return r.placeholder
		}
	}
	if p, ok := builtinPlaceholders[t]; ok {
		return p
	}
	return "[" + strings.ToUpper(strings.ReplaceAll(string(t), "_", " ")) + " REDACTED]"
}

// Redact replaces every violation span with its placeholder. violations must
// come from Detect on the same text.
func (d *Detector) Redact(text string, violations []Violation) string {
	if len(violations) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, v := range violations {
		if v.Start < last || v.End > len(text) {
			continue
		}
		b.WriteString(text[last:v.Start])
		b.WriteString(d.Placeholder(v.Type))
		last = v.End
	}
	b.WriteString(text[last:])
	return b.String()
}

// MaxSeverity returns the highest severity present, or "" for none.
func MaxSeverity(violations []Violation) Severity {
	var out Severity
	for _, v := range violations {
		if v.Severity.rank() > out.rank() {
			out = v.Severity
		}
	}
	return out
}

// maskPreview keeps just enough of a match to make an audit row useful.
func maskPreview(content string) string {
	r := []rune(strings.TrimSpace(content))
	if len(r) <= 4 {
		return "***"
	}
	return string(r[:2]) + "***" + string(r[len(r)-1:])
}
