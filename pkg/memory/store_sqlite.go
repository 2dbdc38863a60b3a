package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical relational store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates/opens the database at path. ":memory:" opens a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create memory db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection: avoids SQLite writer lock contention and keeps
	// ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_default INTEGER NOT NULL DEFAULT 0,
			personality_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS profiles_owner_name_idx ON profiles(owner_id, name);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			profile_id TEXT,
			privacy_mode TEXT NOT NULL DEFAULT 'normal',
			title TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_owner_idx ON sessions(owner_id, updated_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS sessions_profile_idx ON sessions(profile_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			agent TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_id, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			profile_id TEXT NOT NULL,
			content TEXT NOT NULL,
			content_key TEXT NOT NULL DEFAULT '',
			importance REAL NOT NULL DEFAULT 0.5,
			memory_type TEXT NOT NULL DEFAULT 'other',
			tags_json TEXT NOT NULL DEFAULT '[]',
			mentioned_count INTEGER NOT NULL DEFAULT 1,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			merged_into TEXT NOT NULL DEFAULT '',
			deleted_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memories_profile_idx ON memories(profile_id, deleted_at_ms, updated_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS agent_logs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL,
			action TEXT NOT NULL,
			input_summary TEXT NOT NULL DEFAULT '',
			output_summary TEXT NOT NULL DEFAULT '',
			execution_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS agent_logs_session_idx ON agent_logs(session_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS privacy_audit (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			profile_id TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			violations_json TEXT NOT NULL DEFAULT '[]',
			allowed INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS privacy_audit_session_idx ON privacy_audit(session_id, created_at_ms DESC);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(memory_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, memory_id, content) VALUES (new.rowid, new.id, new.content);
		END;`,
		// memories_fts keeps its own copy of content, so rows are removed by
		// rowid rather than with the external-content 'delete' command.
		`DROP TRIGGER IF EXISTS memories_au;`,
		`DROP TRIGGER IF EXISTS memories_ad;`,
		`CREATE TRIGGER memories_au AFTER UPDATE OF content ON memories BEGIN
			DELETE FROM memories_fts WHERE rowid = old.rowid;
			INSERT INTO memories_fts(rowid, memory_id, content) VALUES (new.rowid, new.id, new.content);
		END;`,
		`CREATE TRIGGER memories_ad AFTER DELETE ON memories BEGIN
			DELETE FROM memories_fts WHERE rowid = old.rowid;
		END;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return nowMS()
	}
	return t.UnixMilli()
}

func encodeJSON(v any, empty string) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func decodeTags(raw string) []string {
	out := []string{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{}
	}
	return out
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Profiles

const profileColumns = `id, owner_id, name, description, is_default, personality_json, created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (Profile, error) {
	var (
		p                  Profile
		isDefault          int
		personality        string
		createdMS, updated int64
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &isDefault, &personality, &createdMS, &updated); err != nil {
		return Profile{}, err
	}
	p.IsDefault = isDefault == 1
	_ = json.Unmarshal([]byte(personality), &p.Personality)
	p.CreatedAt = fromMS(createdMS)
	p.UpdatedAt = fromMS(updated)
	return p, nil
}

// CreateProfile inserts p. The first profile of an owner always becomes the
// default; a new default clears the flag on every other profile of the owner.
func (s *SQLiteStore) CreateProfile(ctx context.Context, p Profile) (Profile, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.OwnerID == "" || p.Name == "" {
		return Profile{}, fmt.Errorf("create profile: owner and name are required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("create profile begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles WHERE owner_id = ?`, p.OwnerID).Scan(&existing); err != nil {
		return Profile{}, fmt.Errorf("create profile count: %w", err)
	}
	if existing == 0 {
		p.IsDefault = true
	}
	if p.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE profiles SET is_default = 0 WHERE owner_id = ?`, p.OwnerID); err != nil {
			return Profile{}, fmt.Errorf("create profile clear default: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO profiles(`+profileColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Name, p.Description, boolInt(p.IsDefault), encodeJSON(p.Personality, "{}"), p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return Profile{}, ErrDuplicateProfileName
		}
		return Profile{}, fmt.Errorf("create profile insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Profile{}, fmt.Errorf("create profile commit: %w", err)
	}
	p.CreatedAt = fromMS(p.CreatedAt.UnixMilli())
	p.UpdatedAt = p.CreatedAt
	return p, nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// ListProfiles returns the owner's profiles, default first, then by creation.
func (s *SQLiteStore) ListProfiles(ctx context.Context, ownerID string) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+profileColumns+`
FROM profiles
WHERE owner_id = ?
ORDER BY is_default DESC, created_at_ms ASC, id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	out := []Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListProfileIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM profiles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list profile ids: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan profile id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpdateProfile rewrites name, description and personality. The default flag
// only moves through SetDefaultProfile.
func (s *SQLiteStore) UpdateProfile(ctx context.Context, p Profile) (Profile, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Profile{}, fmt.Errorf("update profile: name is required")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE profiles
SET name = ?, description = ?, personality_json = ?, updated_at_ms = ?
WHERE id = ? AND owner_id = ?`,
		p.Name, p.Description, encodeJSON(p.Personality, "{}"), nowMS(), p.ID, p.OwnerID)
	if err != nil {
		if isUniqueViolation(err) {
			return Profile{}, ErrDuplicateProfileName
		}
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Profile{}, ErrNotFound
	}
	return s.GetProfile(ctx, p.ID)
}

func (s *SQLiteStore) SetDefaultProfile(ctx context.Context, ownerID, profileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set default profile begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles WHERE id = ? AND owner_id = ?`, profileID, ownerID).Scan(&exists); err != nil {
		return fmt.Errorf("set default profile lookup: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE profiles SET is_default = CASE WHEN id = ? THEN 1 ELSE 0 END, updated_at_ms = ? WHERE owner_id = ?`, profileID, nowMS(), ownerID); err != nil {
		return fmt.Errorf("set default profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set default profile commit: %w", err)
	}
	return nil
}

// DeleteProfile removes a profile with its memories and unbinds its sessions.
// The owner's last profile cannot be deleted; deleting the default promotes
// the oldest remaining profile.
func (s *SQLiteStore) DeleteProfile(ctx context.Context, ownerID, profileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete profile begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var isDefault int
	err = tx.QueryRowContext(ctx, `SELECT is_default FROM profiles WHERE id = ? AND owner_id = ?`, profileID, ownerID).Scan(&isDefault)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("delete profile lookup: %w", err)
	}
	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles WHERE owner_id = ?`, ownerID).Scan(&total); err != nil {
		return fmt.Errorf("delete profile count: %w", err)
	}
	if total <= 1 {
		return ErrLastProfile
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("delete profile memories: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET profile_id = NULL, updated_at_ms = ? WHERE profile_id = ?`, nowMS(), profileID); err != nil {
		return fmt.Errorf("delete profile unbind sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, profileID); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if isDefault == 1 {
		if _, err := tx.ExecContext(ctx, `
UPDATE profiles SET is_default = 1
WHERE id = (SELECT id FROM profiles WHERE owner_id = ? ORDER BY created_at_ms ASC, id ASC LIMIT 1)`, ownerID); err != nil {
			return fmt.Errorf("delete profile promote default: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete profile commit: %w", err)
	}
	return nil
}

// Sessions and messages

const sessionColumns = `id, owner_id, profile_id, privacy_mode, title, created_at_ms, updated_at_ms`

func scanSession(row rowScanner) (Session, error) {
	var (
		out                Session
		profileID          sql.NullString
		mode               string
		createdMS, updated int64
	)
	if err := row.Scan(&out.ID, &out.OwnerID, &profileID, &mode, &out.Title, &createdMS, &updated); err != nil {
		return Session{}, err
	}
	out.ProfileID = profileID.String
	out.PrivacyMode = PrivacyMode(mode)
	out.CreatedAt = fromMS(createdMS)
	out.UpdatedAt = fromMS(updated)
	return out, nil
}

func nullableID(id string) any {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	return id
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.OwnerID == "" {
		return Session{}, fmt.Errorf("create session: owner is required")
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.PrivacyMode == "" {
		sess.PrivacyMode = PrivacyNormal
	}
	if !sess.PrivacyMode.Valid() {
		return Session{}, fmt.Errorf("create session: invalid privacy mode %q", sess.PrivacyMode)
	}
	created := toMS(sess.CreatedAt)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(`+sessionColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, nullableID(sess.ProfileID), string(sess.PrivacyMode), sess.Title, created, created)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	sess.CreatedAt = fromMS(created)
	sess.UpdatedAt = sess.CreatedAt
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	out, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE owner_id = ?
ORDER BY updated_at_ms DESC, id ASC
LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	out := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSession rewrites profile binding, privacy mode and title.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess Session) error {
	if !sess.PrivacyMode.Valid() {
		return fmt.Errorf("update session: invalid privacy mode %q", sess.PrivacyMode)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET profile_id = ?, privacy_mode = ?, title = ?, updated_at_ms = ?
WHERE id = ? AND owner_id = ?`,
		nullableID(sess.ProfileID), string(sess.PrivacyMode), sess.Title, nowMS(), sess.ID, sess.OwnerID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes the session and all of its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, ownerID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete session commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) (Message, error) {
	if strings.TrimSpace(m.SessionID) == "" {
		return Message{}, fmt.Errorf("append message: empty session id")
	}
	if strings.TrimSpace(m.Role) == "" {
		return Message{}, fmt.Errorf("append message: empty role")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	created := toMS(m.CreatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("append message begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, session_id, role, content, agent, metadata_json, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)`, m.ID, m.SessionID, m.Role, m.Content, m.Agent, encodeJSON(m.Metadata, "{}"), created); err != nil {
		return Message{}, fmt.Errorf("append message insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at_ms = ? WHERE id = ?`, created, m.SessionID); err != nil {
		return Message{}, fmt.Errorf("append message touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("append message commit: %w", err)
	}
	m.CreatedAt = fromMS(created)
	return m, nil
}

// ListMessages returns the latest limit messages in chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, role, content, agent, metadata_json, created_at_ms
FROM messages
WHERE session_id = ?
ORDER BY created_at_ms DESC, rowid DESC
LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var (
			m       Message
			meta    string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Agent, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Metadata = decodeMap(meta)
		m.CreatedAt = fromMS(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
