package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "memory.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func defaultCount(profiles []Profile) int {
	n := 0
	for _, p := range profiles {
		if p.IsDefault {
			n++
		}
	}
	return n
}

func TestCreateProfile_FirstBecomesDefault(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.CreateProfile(ctx, Profile{OwnerID: "u1", Name: "Work"})
	require.NoError(t, err)
	assert.True(t, first.IsDefault)

	second, err := store.CreateProfile(ctx, Profile{OwnerID: "u1", Name: "Home"})
	require.NoError(t, err)
	assert.False(t, second.IsDefault)

	third, err := store.CreateProfile(ctx, Profile{OwnerID: "u1", Name: "Gym", IsDefault: true})
	require.NoError(t, err)
	assert.True(t, third.IsDefault)

	profiles, err := store.ListProfiles(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, profiles, 3)
	assert.Equal(t, 1, defaultCount(profiles))
	assert.Equal(t, third.ID, profiles[0].ID)
}

func TestCreateProfile_DuplicateName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.CreateProfile(ctx, Profile{OwnerID: "u1", Name: "Work"})
	require.NoError(t, err)
	_, err = store.CreateProfile(ctx, Profile{OwnerID: "u1", Name: "Work"})
	assert.ErrorIs(t, err, ErrDuplicateProfileName)

	// another owner may reuse the name
	_, err = store.CreateProfile(ctx, Profile{OwnerID: "u2", Name: "Work"})
	assert.NoError(t, err)
}

func TestSetDefaultProfile_KeepsSingleDefault(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a, err := store.CreateProfile(ctx, Profile{OwnerID: "u1", Name: "A"})
	require.NoError(t, err)
	b, err := store.CreateProfile(ctx, Profile{OwnerID: "u1", Name: "B"})
	require.NoError(t, err)

	require.NoError(t, store.SetDefaultProfile(ctx, "u1", b.ID))
	profiles, err := store.ListProfiles(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, defaultCount(profiles))
	assert.Equal(t, b.ID, profiles[0].ID)

	assert.ErrorIs(t, store.SetDefaultProfile(ctx, "u2", a.ID), ErrNotFound)
}

func TestDeleteProfile_Guards(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	only, err := store.CreateProfile(ctx, Profile{OwnerID: "u1", Name: "Only"})
	require.NoError(t, err)
	assert.ErrorIs(t, store.DeleteProfile(ctx, "u1", only.ID), ErrLastProfile)
	assert.ErrorIs(t, store.DeleteProfile(ctx, "u1", "missing"), ErrNotFound)
	assert.ErrorIs(t, store.DeleteProfile(ctx, "intruder", only.ID), ErrNotFound)
}

func TestDeleteProfile_CascadesAndPromotesDefault(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	work, err := store.CreateProfile(ctx, Profile{OwnerID: "u1", Name: "Work"})
	require.NoError(t, err)
	home, err := store.CreateProfile(ctx, Profile{OwnerID: "u1", Name: "Home"})
	require.NoError(t, err)

	sess, err := store.CreateSession(ctx, Session{OwnerID: "u1", ProfileID: work.ID})
	require.NoError(t, err)
	_, err = store.InsertMemory(ctx, Memory{ProfileID: work.ID, OwnerID: "u1", Content: "Works at Acme", Type: MemoryFact, Importance: 0.6})
	require.NoError(t, err)
	_, err = store.InsertMemory(ctx, Memory{ProfileID: home.ID, OwnerID: "u1", Content: "Has a cat named Miso", Type: MemoryFact, Importance: 0.6})
	require.NoError(t, err)

	require.NoError(t, store.DeleteProfile(ctx, "u1", work.ID))

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ProfileID)

	workMems, err := store.ListMemories(ctx, work.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, workMems)
	found, err := store.SearchMemories(ctx, work.ID, []string{"acme"}, 10)
	require.NoError(t, err)
	assert.Empty(t, found)

	homeMems, err := store.ListMemories(ctx, home.ID, 10)
	require.NoError(t, err)
	assert.Len(t, homeMems, 1)

	promoted, err := store.GetProfile(ctx, home.ID)
	require.NoError(t, err)
	assert.True(t, promoted.IsDefault)
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	p, err := store.CreateProfile(ctx, Profile{OwnerID: "u1", Name: "Work"})
	require.NoError(t, err)
	p.Name = "Office"
	p.Personality = Personality{Tone: "formal", Verbosity: "concise"}
	updated, err := store.UpdateProfile(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "Office", updated.Name)
	assert.Equal(t, "formal", updated.Personality.Tone)
	assert.True(t, updated.IsDefault)

	p.OwnerID = "someone-else"
	_, err = store.UpdateProfile(ctx, p)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionMessagesAndCascade(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sess, err := store.CreateSession(ctx, Session{OwnerID: "u1", PrivacyMode: PrivacyIncognito, Title: "chat"})
	require.NoError(t, err)
	assert.Empty(t, sess.ProfileID)

	base := time.Now().Add(-time.Minute)
	for i, content := range []string{"one", "two", "three"} {
		_, err := store.AppendMessage(ctx, Message{SessionID: sess.ID, Role: RoleUser, Content: content, CreatedAt: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	msgs, err := store.ListMessages(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "three", msgs[1].Content)

	sess.PrivacyMode = PrivacyPauseMemory
	require.NoError(t, store.UpdateSession(ctx, sess))
	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, PrivacyPauseMemory, got.PrivacyMode)

	sess.PrivacyMode = "loud"
	assert.Error(t, store.UpdateSession(ctx, sess))

	require.NoError(t, store.DeleteSession(ctx, "u1", sess.ID))
	_, err = store.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	msgs, err = store.ListMessages(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemories_SearchIsProfileScoped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.InsertMemory(ctx, Memory{ProfileID: "p1", Content: "User prefers Python", Type: MemoryPreference, Importance: 0.7})
	require.NoError(t, err)
	_, err = store.InsertMemory(ctx, Memory{ProfileID: "p2", Content: "User prefers Rust", Type: MemoryPreference, Importance: 0.7})
	require.NoError(t, err)

	hits, err := store.SearchMemories(ctx, "p1", []string{"prefer"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "User prefers Python", hits[0].Content)

	// FTS syntax in user text is neutralized
	hits, err = store.SearchMemories(ctx, "p1", []string{`py"thon*`, "NEAR("}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestMatchMemories_Substring(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.InsertMemory(ctx, Memory{ProfileID: "p1", Content: "Works at 100% capacity on Python_3 projects"})
	require.NoError(t, err)
	_, err = store.InsertMemory(ctx, Memory{ProfileID: "p2", Content: "Python lover"})
	require.NoError(t, err)

	hits, err := store.MatchMemories(ctx, "p1", []string{"PYTHON"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = store.MatchMemories(ctx, "p1", []string{"100%"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = store.MatchMemories(ctx, "p1", []string{"n_3", "zzz"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = store.MatchMemories(ctx, "p1", []string{"%"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = store.MatchMemories(ctx, "p1", []string{"1_0"}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = store.MatchMemories(ctx, "p1", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemories_UpdateRecentAndMerged(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	old := time.Now().Add(-72 * time.Hour)

	a, err := store.InsertMemory(ctx, Memory{ProfileID: "p1", Content: "Old fact", CreatedAt: old, Importance: 2})
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.Importance)
	assert.Equal(t, MemoryOther, a.Type)
	assert.Equal(t, 1, a.MentionedCount)

	b, err := store.InsertMemory(ctx, Memory{ProfileID: "p1", Content: "Fresh fact", Type: MemoryFact, Importance: 0.5, Tags: []string{"Fresh", "fresh", "fact"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh", "fact"}, b.Tags)

	recent, err := store.ListRecentMemories(ctx, "p1", time.Now().Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, b.ID, recent[0].ID)

	b.Content = "Fresh fact, updated"
	b.MentionedCount = 3
	b.UpdatedAt = time.Time{}
	updated, err := store.UpdateMemory(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 3, updated.MentionedCount)
	hits, err := store.SearchMemories(ctx, "p1", []string{"updated"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	_, err = store.UpdateMemory(ctx, Memory{ID: b.ID, ProfileID: "p2", Content: "hijack"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.MarkMemoryMerged(ctx, "p1", a.ID, b.ID))
	_, err = store.GetMemory(ctx, "p1", a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	byIDs, err := store.GetMemoriesByIDs(ctx, "p1", []string{a.ID, b.ID, b.ID})
	require.NoError(t, err)
	require.Len(t, byIDs, 1)
	assert.Equal(t, b.ID, byIDs[0].ID)
}

func TestMemories_FullTextFollowsUpdatesAndDeletes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.db")
	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// reopening rebuilds the triggers over the existing schema
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m, err := store.InsertMemory(ctx, Memory{ProfileID: "p1", Content: "User loves hiking", Type: MemoryPreference})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		m.Content = "User loves climbing"
		m.MentionedCount = i + 2
		m, err = store.UpdateMemory(ctx, m)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.MentionedCount)

	hits, err := store.SearchMemories(ctx, "p1", []string{"hiking"}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
	hits, err = store.SearchMemories(ctx, "p1", []string{"climbing"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, m.ID, hits[0].ID)

	_, err = store.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, m.ID)
	require.NoError(t, err)
	var indexed int
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories_fts`).Scan(&indexed))
	assert.Zero(t, indexed)
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, m := range []Memory{
		{ProfileID: "p1", Content: "likes tea", Type: MemoryPreference, Importance: 0.8},
		{ProfileID: "p1", Content: "lives in Oslo", Type: MemoryFact, Importance: 0.6, MentionedCount: 3},
		{ProfileID: "p1", Content: "sister is Ana", Type: MemoryRelationship, Importance: 0.4},
		{ProfileID: "p2", Content: "unrelated", Type: MemoryFact, Importance: 0.1},
	} {
		_, err := store.InsertMemory(ctx, m)
		require.NoError(t, err)
	}

	stats, err := store.MemoryStats(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByType[MemoryFact])
	assert.Equal(t, 5, stats.TotalMentions)
	assert.InDelta(t, 0.6, stats.AvgImportance, 1e-9)
	assert.False(t, stats.OldestMemoryAt.IsZero())

	empty, err := store.MemoryStats(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
}

func TestAgentLogsAndPrivacyAudit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.AppendAgentLog(ctx, AgentLog{SessionID: "s1", AgentName: "MemoryRetriever", Action: "retrieve", ExecutionTime: 42 * time.Millisecond}))
	require.NoError(t, store.AppendAgentLog(ctx, AgentLog{SessionID: "s1", AgentName: "ResponseGenerator", Action: "generate", Status: LogError, ErrorMessage: "boom"}))
	logs, err := store.ListAgentLogs(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	statuses := []LogStatus{logs[0].Status, logs[1].Status}
	assert.ElementsMatch(t, []LogStatus{LogSuccess, LogError}, statuses)

	require.NoError(t, store.AppendPrivacyAudit(ctx, PrivacyAuditEntry{
		SessionID:  "s1",
		ProfileID:  "p1",
		Mode:       PrivacyIncognito,
		Violations: []AuditViolation{{Type: "credit_card", Severity: "high", Preview: "****1111"}},
	}))
	audit, err := store.ListPrivacyAudit(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.False(t, audit[0].Allowed)
	require.Len(t, audit[0].Violations, 1)
	assert.Equal(t, "credit_card", audit[0].Violations[0].Type)
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	p, err := store.CreateProfile(context.Background(), Profile{OwnerID: "u", Name: "Default"})
	require.NoError(t, err)
	got, err := store.GetProfile(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Default", got.Name)
}
