package memory

import (
	"context"
	"time"
)

// Store provides durable relational persistence for profiles, sessions,
// memories and the agent/privacy audit trails.
type Store interface {
	Close() error

	CreateProfile(ctx context.Context, p Profile) (Profile, error)
	GetProfile(ctx context.Context, id string) (Profile, error)
	ListProfiles(ctx context.Context, ownerID string) ([]Profile, error)
	ListProfileIDs(ctx context.Context) ([]string, error)
	UpdateProfile(ctx context.Context, p Profile) (Profile, error)
	SetDefaultProfile(ctx context.Context, ownerID, profileID string) error
	DeleteProfile(ctx context.Context, ownerID, profileID string) error

	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, ownerID string, limit int) ([]Session, error)
	UpdateSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, ownerID, id string) error
	AppendMessage(ctx context.Context, m Message) (Message, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)

	InsertMemory(ctx context.Context, m Memory) (Memory, error)
	UpdateMemory(ctx context.Context, m Memory) (Memory, error)
	GetMemory(ctx context.Context, profileID, id string) (Memory, error)
	GetMemoriesByIDs(ctx context.Context, profileID string, ids []string) ([]Memory, error)
	ListMemories(ctx context.Context, profileID string, limit int) ([]Memory, error)
	ListRecentMemories(ctx context.Context, profileID string, since time.Time, limit int) ([]Memory, error)
	SearchMemories(ctx context.Context, profileID string, terms []string, limit int) ([]Memory, error)
	MatchMemories(ctx context.Context, profileID string, terms []string, limit int) ([]Memory, error)
	MarkMemoryMerged(ctx context.Context, profileID, id, intoID string) error
	MemoryStats(ctx context.Context, profileID string) (Stats, error)

	AppendAgentLog(ctx context.Context, l AgentLog) error
	ListAgentLogs(ctx context.Context, sessionID string, limit int) ([]AgentLog, error)
	AppendPrivacyAudit(ctx context.Context, e PrivacyAuditEntry) error
	ListPrivacyAudit(ctx context.Context, sessionID string, limit int) ([]PrivacyAuditEntry, error)
}

// VectorHit is one semantic match. Score is a similarity in [0,1].
type VectorHit struct {
	MemoryID string
	Score    float64
}

// VectorIndex stores memory embeddings in one namespace per profile.
type VectorIndex interface {
	Upsert(ctx context.Context, profileID, memoryID, text string) error
	Remove(ctx context.Context, profileID string, memoryIDs ...string) error
	Query(ctx context.Context, profileID, text string, topK int) ([]VectorHit, error)
	DeleteProfile(ctx context.Context, profileID string) error
}
