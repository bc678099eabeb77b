package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrSessionNotFound is returned when a session ID resolves to nothing.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionForbidden is returned when a session belongs to another user.
	ErrSessionForbidden = errors.New("session does not belong to current user")
)

// SessionRecord is one chat session.
type SessionRecord struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// SessionSummary is a session plus its most recent message, for list views.
type SessionSummary struct {
	SessionRecord
	LastMessage string `json:"last_message,omitempty"`
}

// MessageRecord is one persisted chat message.
type MessageRecord struct {
	MessageID int64  `json:"message_id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// DialogueRound pairs a user question with the assistant's final answer.
type DialogueRound struct {
	User      string
	Assistant string
}

// SessionStore persists sessions and messages in a local SQLite database.
type SessionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSessionStore opens (creating if needed) the session database at path
// and ensures the schema exists.
func NewSessionStore(path string) (*SessionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	s := &SessionStore{db: db, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SessionStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_updated
		ON sessions(user_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		message_id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role       TEXT NOT NULL CHECK(role IN ('user', 'assistant')),
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session
		ON messages(session_id, message_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return nil
}

func (s *SessionStore) Close() error {
	return s.db.Close()
}

func (s *SessionStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// CreateSession creates a session owned by userID.
func (s *SessionStore) CreateSession(ctx context.Context, userID, title string) (*SessionRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user_id cannot be empty")
	}
	rec := &SessionRecord{
		SessionID: uuid.NewString(),
		UserID:    userID,
		Title:     strings.TrimSpace(title),
		CreatedAt: s.timestamp(),
		UpdatedAt: s.timestamp(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.UserID, rec.Title, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return rec, nil
}

// GetSession returns the session or ErrSessionNotFound.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, title, created_at, updated_at
		FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&rec.SessionID, &rec.UserID, &rec.Title, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return &rec, nil
}

// GetOwnedSession returns the session after checking ownership.
func (s *SessionStore) GetOwnedSession(ctx context.Context, sessionID, userID string) (*SessionRecord, error) {
	rec, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrSessionForbidden
	}
	return rec, nil
}

// ListSessions returns a user's sessions, most recently updated first,
// each with its latest message.
func (s *SessionStore) ListSessions(ctx context.Context, userID string, limit, offset int) ([]SessionSummary, error) {
	if limit < 1 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.session_id, s.user_id, s.title, s.created_at, s.updated_at,
			COALESCE((
				SELECT m.content FROM messages m
				WHERE m.session_id = s.session_id
				ORDER BY m.message_id DESC LIMIT 1
			), '') AS last_message
		FROM sessions s
		WHERE s.user_id = ?
		ORDER BY s.updated_at DESC, s.session_id
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	out := []SessionSummary{}
	for rows.Next() {
		var item SessionSummary
		if err := rows.Scan(&item.SessionID, &item.UserID, &item.Title,
			&item.CreatedAt, &item.UpdatedAt, &item.LastMessage); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and, via cascade, its messages.
// Returns ErrSessionNotFound when nothing matched.
func (s *SessionStore) DeleteSession(ctx context.Context, sessionID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AppendMessage persists one message and bumps the session's updated_at.
func (s *SessionStore) AppendMessage(ctx context.Context, sessionID, role, content string) (*MessageRecord, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("content cannot be empty")
	}
	if role != "user" && role != "assistant" {
		return nil, fmt.Errorf("role must be user or assistant, got %q", role)
	}

	now := s.timestamp()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`, sessionID, role, content, now)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE session_id = ?`, now, sessionID); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &MessageRecord{
		MessageID: id,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}, nil
}

// ListMessages returns a session's messages in insertion order.
func (s *SessionStore) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]MessageRecord, error) {
	if limit < 1 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, session_id, role, content, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY message_id ASC
		LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	out := []MessageRecord{}
	for rows.Next() {
		var m MessageRecord
		if err := rows.Scan(&m.MessageID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentRounds pairs the last maxRounds user/assistant exchanges.
// Unanswered user messages are skipped so half-finished turns never
// leak into history.
func (s *SessionStore) RecentRounds(ctx context.Context, sessionID string, maxRounds int) ([]DialogueRound, error) {
	if maxRounds <= 0 {
		return nil, nil
	}
	messages, err := s.ListMessages(ctx, sessionID, 1000, 0)
	if err != nil {
		return nil, err
	}

	var rounds []DialogueRound
	pendingUser := ""
	for _, m := range messages {
		switch m.Role {
		case "user":
			pendingUser = m.Content
		case "assistant":
			if pendingUser != "" {
				rounds = append(rounds, DialogueRound{User: pendingUser, Assistant: m.Content})
				pendingUser = ""
			}
		}
	}
	if len(rounds) > maxRounds {
		rounds = rounds[len(rounds)-maxRounds:]
	}
	return rounds, nil
}

// historyTurnMaxChars caps each side of a history round before it is
// injected into prompts.
const historyTurnMaxChars = 2000

// FormatHistory renders dialogue rounds as compact plain-text context
// for the planner and responder prompts.
func FormatHistory(rounds []DialogueRound) string {
	if len(rounds) == 0 {
		return ""
	}
	var b strings.Builder
	for i, r := range rounds {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[Round %d]\n", i+1)
		fmt.Fprintf(&b, "User: %s\n", truncateChars(r.User, historyTurnMaxChars))
		fmt.Fprintf(&b, "Assistant: %s", truncateChars(r.Assistant, historyTurnMaxChars))
	}
	return b.String()
}

func truncateChars(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimRight(string(runes[:max]), " \t\n") + "…"
}
