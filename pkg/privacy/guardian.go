package privacy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

// AuditSink receives the append-only privacy trail.
type AuditSink interface {
	AppendPrivacyAudit(ctx context.Context, e memory.PrivacyAuditEntry) error
}

// CheckRequest is one message to vet before the rest of the turn runs.
// ProfileID is the profile the caller asked for; SessionProfileID is the one
// bound to the session. A non-empty ProfileID must equal SessionProfileID.
type CheckRequest struct {
	SessionID        string
	Text             string
	Mode             memory.PrivacyMode
	ProfileID        string
	SessionProfileID string
}

type CheckResult struct {
	Allowed          bool
	Violations       []Violation
	Warnings         []string
	SanitizedContent string
	// BlockReason is set when Allowed is false. It names categories only,
	// never matched values.
	BlockReason string
}

// Guardian applies the privacy-mode policy to incoming messages.
type Guardian struct {
	detector *Detector
	audit    AuditSink
	now      func() time.Time
}

func NewGuardian(detector *Detector, audit AuditSink) *Guardian {
	if detector == nil {
		detector, _ = NewDetector(nil)
	}
	return &Guardian{detector: detector, audit: audit, now: time.Now}
}

// Check scans req.Text and decides what the rest of the turn may see.
//
//   - normal: always allowed, text unchanged, warnings are informational.
//   - incognito: detected spans are redacted; any high-severity hit blocks.
//   - pause_memory: always allowed, text unchanged, warns that no memories
//     are created.
//
// A profile mismatch blocks in every mode. Every violation is written to the
// audit sink whatever the outcome.
func (g *Guardian) Check(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	if !req.Mode.Valid() {
		return nil, goerr.New("invalid privacy mode", goerr.V("mode", req.Mode))
	}

	violations := g.detector.Detect(req.Text)
	res := &CheckResult{
		Allowed:          true,
		Violations:       violations,
		SanitizedContent: req.Text,
	}

	switch req.Mode {
	case memory.PrivacyNormal:
		if len(violations) > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Your message appears to contain sensitive information (%s). It may be stored as memory.", categories(violations)))
		}
	case memory.PrivacyIncognito:
		res.SanitizedContent = g.detector.Redact(req.Text, violations)
		if MaxSeverity(violations) == SeverityHigh {
			res.Allowed = false
			res.BlockReason = fmt.Sprintf("message contains highly sensitive information (%s)", categories(highOnly(violations)))
		}
		if len(violations) > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Sensitive information (%s) was redacted in incognito mode.", categories(violations)))
		}
	case memory.PrivacyPauseMemory:
		res.Warnings = append(res.Warnings, "Memory is paused: no new memories will be created from this message.")
		if len(violations) > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Your message appears to contain sensitive information (%s).", categories(violations)))
		}
	}

	// A session with no bound profile accepts no profile either.
	if req.ProfileID != "" && !g.VerifyAccess(ctx, req.SessionID, req.ProfileID, req.SessionProfileID) {
		res.Allowed = false
		res.BlockReason = "requested profile does not match the session profile"
	}

	if len(violations) > 0 {
		g.record(ctx, req.SessionID, req.ProfileID, req.Mode, res.Allowed, auditViolations(violations))
	}
	return res, nil
}

// VerifyAccess reports whether profileID may be used in a session bound to
// sessionProfileID. Any mismatch is audited as an isolation violation.
func (g *Guardian) VerifyAccess(ctx context.Context, sessionID, profileID, sessionProfileID string) bool {
	if profileID == sessionProfileID {
		return true
	}
	logger.WarnCF("privacy", "Profile isolation violation", map[string]interface{}{
		"session_id":         sessionID,
		"profile_id":         profileID,
		"session_profile_id": sessionProfileID,
	})
	g.record(ctx, sessionID, profileID, "", false, []memory.AuditViolation{{
		Type:     string(ViolationProfileScope),
		Severity: string(SeverityHigh),
		Preview:  "session profile " + maskPreview(sessionProfileID),
	}})
	return false
}

func (g *Guardian) record(ctx context.Context, sessionID, profileID string, mode memory.PrivacyMode, allowed bool, violations []memory.AuditViolation) {
	fields := map[string]interface{}{
		"session_id": sessionID,
		"profile_id": profileID,
		"mode":       string(mode),
		"allowed":    allowed,
		"violations": len(violations),
	}
	logger.InfoCF("privacy", "Privacy violations detected", fields)
	if g.audit == nil {
		return
	}
	// The audit row must survive a cancelled turn.
	err := g.audit.AppendPrivacyAudit(context.WithoutCancel(ctx), memory.PrivacyAuditEntry{
		SessionID:  sessionID,
		ProfileID:  profileID,
		Mode:       mode,
		Violations: violations,
		Allowed:    allowed,
		CreatedAt:  g.now(),
	})
	if err != nil {
		fields["error"] = err.Error()
		logger.ErrorCF("privacy", "Failed to write privacy audit entry", fields)
	}
}

func auditViolations(vs []Violation) []memory.AuditViolation {
	out := make([]memory.AuditViolation, 0, len(vs))
	for _, v := range vs {
		out = append(out, memory.AuditViolation{
			Type:     string(v.Type),
			Severity: string(v.Severity),
			Preview:  maskPreview(v.Content),
		})
	}
	return out
}

func highOnly(vs []Violation) []Violation {
	out := make([]Violation, 0, len(vs))
	for _, v := range vs {
		if v.Severity == SeverityHigh {
			out = append(out, v)
		}
	}
	return out
}

// categories renders the distinct violation types for user-facing text.
func categories(vs []Violation) string {
	seen := map[string]struct{}{}
	for _, v := range vs {
		seen[strings.ReplaceAll(string(v.Type), "_", " ")] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
