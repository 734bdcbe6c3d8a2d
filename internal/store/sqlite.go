package store

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

	_ "github.com/glebarez/go-sqlite"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/approval"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  engine_session_id TEXT NOT NULL DEFAULT '',
  archived INTEGER NOT NULL DEFAULT 0,
  created_at_ms INTEGER NOT NULL,
  updated_at_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  session_id TEXT NOT NULL REFERENCES sessions(id),
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  metadata_json TEXT,
  created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
CREATE TABLE IF NOT EXISTS approvals (
  request_id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  tool_name TEXT NOT NULL,
  tool_input TEXT,
  is_dangerous INTEGER NOT NULL,
  decision TEXT NOT NULL,
  cause TEXT NOT NULL,
  created_at_unix_nano INTEGER NOT NULL,
  resolved_at_unix_nano INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_session ON approvals(session_id, created_at_unix_nano);
`

// SQLiteStore keeps sessions, messages and approvals in one sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at dsn, which is a file
// path or ":memory:".
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing sqlite dsn")
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases shared and writers serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, id string) (*types.Session, error) {
	if id != "" {
		return s.GetSession(ctx, id)
	}
	session := newSession()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (id, title, engine_session_id, archived, created_at_ms, updated_at_ms)
VALUES (?, ?, '', 0, ?, ?)
`, session.ID, session.Title, session.Time.Created, session.Time.Updated)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

const sessionColumns = `id, title, engine_session_id, archived, created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		session  types.Session
		archived int
	)
	err := row.Scan(&session.ID, &session.Title, &session.EngineSessionID, &archived,
		&session.Time.Created, &session.Time.Updated)
	if err != nil {
		return nil, err
	}
	session.Archived = archived != 0
	return &session, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at_ms DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*types.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, role types.Role, content string, meta *types.MessageMetadata) (*types.Message, error) {
	msg := &types.Message{
		ID:        newID(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  meta,
		Created:   now(),
	}
	var metaJSON sql.NullString
	if meta != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := touchSession(ctx, tx, sessionID, msg.Created); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO messages (id, session_id, role, content, metadata_json, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
`, msg.ID, sessionID, string(role), content, metaJSON, msg.Created)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

func touchSession(ctx context.Context, tx *sql.Tx, sessionID string, ts int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at_ms = ? WHERE id = ?`, ts, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, role, content, metadata_json, created_at_ms
FROM messages WHERE session_id = ? ORDER BY seq
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []*types.Message{}
	for rows.Next() {
		var (
			msg      types.Message
			role     string
			metaJSON sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &metaJSON, &msg.Created); err != nil {
			return nil, err
		}
		msg.Role = types.Role(role)
		if metaJSON.Valid && metaJSON.String != "" {
			var meta types.MessageMetadata
			if err := json.Unmarshal([]byte(metaJSON.String), &meta); err == nil {
				msg.Metadata = &meta
			}
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) UpdateSessionEngineID(ctx context.Context, sessionID, engineID string) error {
	return s.updateSession(ctx, `engine_session_id = ?`, engineID, sessionID)
}

func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	return s.updateSession(ctx, `title = ?`, title, sessionID)
}

func (s *SQLiteStore) updateSession(ctx context.Context, set string, value any, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+set+`, updated_at_ms = ? WHERE id = ?`,
		value, now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveApproval(ctx context.Context, rec approval.Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO approvals (
  request_id, session_id, tool_name, tool_input, is_dangerous,
  decision, cause, created_at_unix_nano, resolved_at_unix_nano
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.RequestID, rec.SessionID, rec.ToolName, string(rec.ToolInput), boolToInt(rec.IsDangerous),
		string(rec.Decision), string(rec.Cause), rec.CreatedAt.UnixNano(), rec.ResolvedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListApprovals(ctx context.Context, sessionID string) ([]approval.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT request_id, session_id, tool_name, tool_input, is_dangerous,
  decision, cause, created_at_unix_nano, resolved_at_unix_nano
FROM approvals WHERE session_id = ? ORDER BY created_at_unix_nano, request_id
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	records := []approval.Record{}
	for rows.Next() {
		var (
			rec                 approval.Record
			toolInput           sql.NullString
			dangerous           int
			decision, cause     string
			createdAt, resolved int64
		)
		err := rows.Scan(&rec.RequestID, &rec.SessionID, &rec.ToolName, &toolInput, &dangerous,
			&decision, &cause, &createdAt, &resolved)
		if err != nil {
			return nil, err
		}
		if toolInput.Valid && toolInput.String != "" {
			rec.ToolInput = json.RawMessage(toolInput.String)
		}
		rec.IsDangerous = dangerous != 0
		rec.Decision = approval.Decision(decision)
		rec.Cause = approval.Cause(cause)
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		rec.ResolvedAt = time.Unix(0, resolved).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
