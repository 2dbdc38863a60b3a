package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const memoryColumns = `id, owner_id, profile_id, content, importance, memory_type, tags_json, mentioned_count, created_at_ms, updated_at_ms`

func scanMemory(row rowScanner) (Memory, error) {
	var (
		m                  Memory
		memType, tagsRaw   string
		createdMS, updated int64
	)
	if err := row.Scan(&m.ID, &m.OwnerID, &m.ProfileID, &m.Content, &m.Importance, &memType, &tagsRaw, &m.MentionedCount, &createdMS, &updated); err != nil {
		return Memory{}, err
	}
	m.Type = ParseMemoryType(memType)
	m.Tags = decodeTags(tagsRaw)
	m.CreatedAt = fromMS(createdMS)
	m.UpdatedAt = fromMS(updated)
	return m, nil
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	out := []Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

func clampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// InsertMemory persists a new memory. Missing timestamps default to now and
// the mention count to one.
func (s *SQLiteStore) InsertMemory(ctx context.Context, m Memory) (Memory, error) {
	m.Content = strings.TrimSpace(m.Content)
	if m.ProfileID == "" {
		return Memory{}, fmt.Errorf("insert memory: empty profile id")
	}
	if m.Content == "" {
		return Memory{}, fmt.Errorf("insert memory: empty content")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if !m.Type.Valid() {
		m.Type = MemoryOther
	}
	if m.MentionedCount < 1 {
		m.MentionedCount = 1
	}
	m.Importance = clampImportance(m.Importance)
	m.Tags = MergeTags(m.Tags)
	created := toMS(m.CreatedAt)
	updated := created
	if !m.UpdatedAt.IsZero() {
		updated = m.UpdatedAt.UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO memories(`+memoryColumns+`, content_key)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OwnerID, m.ProfileID, m.Content, m.Importance, string(m.Type), encodeJSON(m.Tags, "[]"), m.MentionedCount, created, updated, ContentKey("mem", m.Content))
	if err != nil {
		return Memory{}, fmt.Errorf("insert memory: %w", err)
	}
	m.CreatedAt = fromMS(created)
	m.UpdatedAt = fromMS(updated)
	return m, nil
}

// UpdateMemory rewrites the mutable fields of a live memory within its profile.
func (s *SQLiteStore) UpdateMemory(ctx context.Context, m Memory) (Memory, error) {
	m.Content = strings.TrimSpace(m.Content)
	if m.Content == "" {
		return Memory{}, fmt.Errorf("update memory: empty content")
	}
	if !m.Type.Valid() {
		m.Type = MemoryOther
	}
	if m.MentionedCount < 1 {
		m.MentionedCount = 1
	}
	updated := toMS(m.UpdatedAt)
	res, err := s.db.ExecContext(ctx, `
UPDATE memories
SET content = ?, content_key = ?, importance = ?, memory_type = ?, tags_json = ?, mentioned_count = ?, updated_at_ms = ?
WHERE id = ? AND profile_id = ? AND deleted_at_ms = 0`,
		m.Content, ContentKey("mem", m.Content), clampImportance(m.Importance), string(m.Type), encodeJSON(MergeTags(m.Tags), "[]"), m.MentionedCount, updated, m.ID, m.ProfileID)
	if err != nil {
		return Memory{}, fmt.Errorf("update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Memory{}, ErrNotFound
	}
	return s.GetMemory(ctx, m.ProfileID, m.ID)
}

func (s *SQLiteStore) GetMemory(ctx context.Context, profileID, id string) (Memory, error) {
	m, err := scanMemory(s.db.QueryRowContext(ctx, `
SELECT `+memoryColumns+`
FROM memories
WHERE id = ? AND profile_id = ? AND deleted_at_ms = 0`, id, profileID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Memory{}, ErrNotFound
		}
		return Memory{}, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

// GetMemoriesByIDs silently skips ids that are missing, merged or belong to
// another profile.
func (s *SQLiteStore) GetMemoriesByIDs(ctx context.Context, profileID string, ids []string) ([]Memory, error) {
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return []Memory{}, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, profileID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+memoryColumns+`
FROM memories
WHERE profile_id = ? AND deleted_at_ms = 0
AND id IN (`+placeholders(len(ids))+`)
ORDER BY updated_at_ms DESC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("get memories by ids: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *SQLiteStore) ListMemories(ctx context.Context, profileID string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+memoryColumns+`
FROM memories
WHERE profile_id = ? AND deleted_at_ms = 0
ORDER BY updated_at_ms DESC, id ASC
LIMIT ?`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListRecentMemories returns memories touched at or after since.
func (s *SQLiteStore) ListRecentMemories(ctx context.Context, profileID string, since time.Time, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+memoryColumns+`
FROM memories
WHERE profile_id = ? AND deleted_at_ms = 0 AND updated_at_ms >= ?
ORDER BY updated_at_ms DESC, id ASC
LIMIT ?`, profileID, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchMemories runs a prefix OR-query over the full-text index.
func (s *SQLiteStore) SearchMemories(ctx context.Context, profileID string, terms []string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	query := ftsQuery(terms)
	if query == "" {
		return []Memory{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.owner_id, m.profile_id, m.content, m.importance, m.memory_type, m.tags_json, m.mentioned_count, m.created_at_ms, m.updated_at_ms
FROM memories_fts
JOIN memories m ON m.rowid = memories_fts.rowid
WHERE memories_fts MATCH ?
AND m.profile_id = ?
AND m.deleted_at_ms = 0
ORDER BY bm25(memories_fts), m.updated_at_ms DESC, m.id ASC
LIMIT ?`, query, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ftsQuery quotes every term so user text can never inject FTS syntax.
func ftsQuery(terms []string) string {
	parts := []string{}
	seen := map[string]struct{}{}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		term = strings.Map(func(r rune) rune {
			if r == '"' || r == '*' || r == '^' {
				return -1
			}
			return r
		}, term)
		if term == "" {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		parts = append(parts, `"`+term+`"*`)
	}
	return strings.Join(parts, " OR ")
}

// MatchMemories is the plain substring search used when the full-text index
// cannot serve a query. A memory matches when it contains any term.
func (s *SQLiteStore) MatchMemories(ctx context.Context, profileID string, terms []string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{}
	args := []any{profileID}
	for _, term := range uniqueStrings(terms) {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		term = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(term)
		clauses = append(clauses, `lower(content) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+term+"%")
	}
	if len(clauses) == 0 {
		return []Memory{}, nil
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT `+memoryColumns+`
FROM memories
WHERE profile_id = ? AND deleted_at_ms = 0
AND (`+strings.Join(clauses, " OR ")+`)
ORDER BY updated_at_ms DESC, id ASC
LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("match memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// MarkMemoryMerged soft-deletes id as folded into intoID.
func (s *SQLiteStore) MarkMemoryMerged(ctx context.Context, profileID, id, intoID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE memories SET merged_into = ?, deleted_at_ms = ?
WHERE id = ? AND profile_id = ? AND deleted_at_ms = 0`, intoID, nowMS(), id, profileID)
	if err != nil {
		return fmt.Errorf("mark memory merged: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) MemoryStats(ctx context.Context, profileID string) (Stats, error) {
	out := Stats{ProfileID: profileID, ByType: map[MemoryType]int{}}
	rows, err := s.db.QueryContext(ctx, `
SELECT memory_type, COUNT(*), SUM(importance), SUM(mentioned_count), MIN(created_at_ms), MAX(updated_at_ms)
FROM memories
WHERE profile_id = ? AND deleted_at_ms = 0
GROUP BY memory_type`, profileID)
	if err != nil {
		return Stats{}, fmt.Errorf("memory stats: %w", err)
	}
	defer rows.Close()

	var importanceSum float64
	var oldest, newest int64
	for rows.Next() {
		var (
			memType         string
			count, mentions int
			impSum          float64
			minMS, maxMS    int64
		)
		if err := rows.Scan(&memType, &count, &impSum, &mentions, &minMS, &maxMS); err != nil {
			return Stats{}, fmt.Errorf("scan memory stats: %w", err)
		}
		out.ByType[ParseMemoryType(memType)] += count
		out.Total += count
		out.TotalMentions += mentions
		importanceSum += impSum
		if oldest == 0 || minMS < oldest {
			oldest = minMS
		}
		if maxMS > newest {
			newest = maxMS
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate memory stats: %w", err)
	}
	if out.Total > 0 {
		out.AvgImportance = importanceSum / float64(out.Total)
	}
	out.OldestMemoryAt = fromMS(oldest)
	out.NewestMemoryAt = fromMS(newest)
	return out, nil
}

// Agent logs and privacy audit

func (s *SQLiteStore) AppendAgentLog(ctx context.Context, l AgentLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = LogSuccess
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO agent_logs(id, session_id, agent_name, action, input_summary, output_summary, execution_ms, status, error_message, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.SessionID, l.AgentName, l.Action, l.InputSummary, l.OutputSummary, l.ExecutionTime.Milliseconds(), string(l.Status), l.ErrorMessage, toMS(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("append agent log: %w", err)
	}
	return nil
}

// ListAgentLogs returns the newest entries first.
func (s *SQLiteStore) ListAgentLogs(ctx context.Context, sessionID string, limit int) ([]AgentLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, agent_name, action, input_summary, output_summary, execution_ms, status, error_message, created_at_ms
FROM agent_logs
WHERE session_id = ?
ORDER BY created_at_ms DESC, rowid DESC
LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list agent logs: %w", err)
	}
	defer rows.Close()

	out := []AgentLog{}
	for rows.Next() {
		var (
			l               AgentLog
			execMS, created int64
			status          string
		)
		if err := rows.Scan(&l.ID, &l.SessionID, &l.AgentName, &l.Action, &l.InputSummary, &l.OutputSummary, &execMS, &status, &l.ErrorMessage, &created); err != nil {
			return nil, fmt.Errorf("scan agent log: %w", err)
		}
		l.ExecutionTime = time.Duration(execMS) * time.Millisecond
		l.Status = LogStatus(status)
		l.CreatedAt = fromMS(created)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent logs: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AppendPrivacyAudit(ctx context.Context, e PrivacyAuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO privacy_audit(id, session_id, profile_id, mode, violations_json, allowed, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.ProfileID, string(e.Mode), encodeJSON(e.Violations, "[]"), boolInt(e.Allowed), toMS(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append privacy audit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPrivacyAudit(ctx context.Context, sessionID string, limit int) ([]PrivacyAuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, profile_id, mode, violations_json, allowed, created_at_ms
FROM privacy_audit
WHERE session_id = ?
ORDER BY created_at_ms DESC, rowid DESC
LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list privacy audit: %w", err)
	}
	defer rows.Close()

	out := []PrivacyAuditEntry{}
	for rows.Next() {
		var (
			e         PrivacyAuditEntry
			mode, raw string
			allowed   int
			created   int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ProfileID, &mode, &raw, &allowed, &created); err != nil {
			return nil, fmt.Errorf("scan privacy audit: %w", err)
		}
		e.Mode = PrivacyMode(mode)
		e.Allowed = allowed == 1
		e.CreatedAt = fromMS(created)
		if err := json.Unmarshal([]byte(raw), &e.Violations); err != nil {
			e.Violations = nil
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate privacy audit: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func uniqueStrings(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
