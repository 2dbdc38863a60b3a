package memory

import (
	"fmt"
	"strings"
	"time"
)

// PrivacyMode controls how a session may read and write long-term memory.
type PrivacyMode string

const (
	// PrivacyNormal reads and writes memory.
	PrivacyNormal PrivacyMode = "normal"
	// PrivacyIncognito neither reads nor writes memory.
	PrivacyIncognito PrivacyMode = "incognito"
	// PrivacyPauseMemory reads memory but never writes it.
	PrivacyPauseMemory PrivacyMode = "pause_memory"
)

func (m PrivacyMode) Valid() bool {
	switch m {
	case PrivacyNormal, PrivacyIncognito, PrivacyPauseMemory:
		return true
	}
	return false
}

// CanRead reports whether memories may be retrieved in this mode.
func (m PrivacyMode) CanRead() bool { return m == PrivacyNormal || m == PrivacyPauseMemory }

// CanWrite reports whether memories may be extracted and persisted in this mode.
func (m PrivacyMode) CanWrite() bool { return m == PrivacyNormal }

// ParsePrivacyMode accepts the canonical names plus a few aliases used by the CLI.
func ParsePrivacyMode(raw string) (PrivacyMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "normal":
		return PrivacyNormal, nil
	case "incognito":
		return PrivacyIncognito, nil
	case "pause_memory", "pause-memory", "pause":
		return PrivacyPauseMemory, nil
	}
	return "", fmt.Errorf("unknown privacy mode %q", raw)
}

// MemoryType classifies a long-term memory.
type MemoryType string

const (
	MemoryFact         MemoryType = "fact"
	MemoryPreference   MemoryType = "preference"
	MemoryEvent        MemoryType = "event"
	MemoryRelationship MemoryType = "relationship"
	MemoryOther        MemoryType = "other"
)

// MemoryTypes lists every type in rendering order.
var MemoryTypes = []MemoryType{MemoryPreference, MemoryFact, MemoryEvent, MemoryRelationship, MemoryOther}

func (t MemoryType) Valid() bool {
	for _, known := range MemoryTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseMemoryType normalizes t, returning MemoryOther for anything unknown.
func ParseMemoryType(raw string) MemoryType {
	t := MemoryType(strings.ToLower(strings.TrimSpace(raw)))
	if t.Valid() {
		return t
	}
	return MemoryOther
}

// Personality tunes generated replies for a profile.
type Personality struct {
	Tone               string `json:"tone,omitempty"`
	Verbosity          string `json:"verbosity,omitempty"`
	Humor              bool   `json:"humor,omitempty"`
	Empathy            bool   `json:"empathy,omitempty"`
	CustomSystemPrompt string `json:"custom_system_prompt,omitempty"`
}

// DefaultPersonality is used when a profile has no personality configured.
func DefaultPersonality() Personality {
	return Personality{Tone: "friendly", Verbosity: "balanced", Empathy: true}
}

// Profile is an isolated persona owned by a user. Memories never cross
// profiles.
type Profile struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	IsDefault   bool
	Personality Personality
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Session is a conversation bound to at most one profile.
type Session struct {
	ID          string
	OwnerID     string
	ProfileID   string
	PrivacyMode PrivacyMode
	Title       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one persisted chat message.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Agent     string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Memory is a durable fact, preference, event or relationship scoped to one
// profile.
type Memory struct {
	ID             string
	OwnerID        string
	ProfileID      string
	Content        string
	Importance     float64
	Type           MemoryType
	Tags           []string
	MentionedCount int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LogStatus is the outcome recorded for one agent step.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
	LogWarning LogStatus = "warning"
	LogSkipped LogStatus = "skipped"
)

// AgentLog records one agent step execution or a side record such as an
// insight or a memory conflict.
type AgentLog struct {
	ID            string
	SessionID     string
	AgentName     string
	Action        string
	InputSummary  string
	OutputSummary string
	ExecutionTime time.Duration
	Status        LogStatus
	ErrorMessage  string
	CreatedAt     time.Time
}

// AuditViolation is the redacted form of a detected violation kept in the
// privacy audit trail. Raw matched content is never persisted.
type AuditViolation struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Preview  string `json:"preview,omitempty"`
}

// PrivacyAuditEntry is one row of the privacy audit trail.
type PrivacyAuditEntry struct {
	ID         string
	SessionID  string
	ProfileID  string
	Mode       PrivacyMode
	Violations []AuditViolation
	Allowed    bool
	CreatedAt  time.Time
}

// Stats summarizes the memories of one profile.
type Stats struct {
	ProfileID      string
	Total          int
	ByType         map[MemoryType]int
	AvgImportance  float64
	TotalMentions  int
	OldestMemoryAt time.Time
	NewestMemoryAt time.Time
}
