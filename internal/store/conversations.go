// ABOUTME: Conversation session and message entities and store methods
// ABOUTME: Message appends bump the session updated_at in the same transaction

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConversationSession groups messages under an optional owner.
type ConversationSession struct {
	ID        string
	UserID    *int64 // nil for anonymous sessions
	Title     string
	Model     string
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationMessage is a single message within a session. Messages are
// ordered by creation time (insert order breaks ties).
type ConversationMessage struct {
	ID         int64
	SessionID  string
	Role       string
	Content    string
	Model      string
	TokensUsed int
	LatencyMS  int
	CreatedAt  time.Time
}

// ConversationStore defines conversation persistence.
type ConversationStore interface {
	CreateSession(ctx context.Context, session *ConversationSession) error
	GetSession(ctx context.Context, id string) (*ConversationSession, error)
	ListSessions(ctx context.Context, userID int64, limit int) ([]*ConversationSession, error)
	RenameSession(ctx context.Context, id, title string) error
	DeleteSession(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, msg *ConversationMessage) error
	GetMessages(ctx context.Context, sessionID string, limit int) ([]*ConversationMessage, error)
}

var _ ConversationStore = (*SQLiteStore)(nil)

// CreateSession creates a conversation session. A missing ID is generated.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *ConversationSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}

	metadata, err := marshalJSON(session.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_sessions (id, user_id, title, model, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID,
		session.UserID,
		session.Title,
		nullString(session.Model),
		metadata,
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("session %s: %w", session.ID, ErrConflict)
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created conversation session", "id", session.ID)
	return nil
}

func scanSession(row interface{ Scan(...any) error }) (*ConversationSession, error) {
	var sess ConversationSession
	var userID sql.NullInt64
	var model, metadata sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&sess.ID, &userID, &sess.Title, &model, &metadata, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if userID.Valid {
		sess.UserID = &userID.Int64
	}
	sess.Model = model.String
	unmarshalJSON(metadata, &sess.Metadata)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

const sessionColumns = `id, user_id, title, model, metadata, created_at, updated_at`

// GetSession retrieves a session by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*ConversationSession, error) {
	stmt, err := s.stmts.get(ctx, `SELECT `+sessionColumns+` FROM conversation_sessions WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("preparing session query: %w", err)
	}
	return scanSession(stmt.QueryRowContext(ctx, id))
}

// ListSessions returns a user's sessions ordered by most recent activity.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID int64, limit int) ([]*ConversationSession, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM conversation_sessions
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ConversationSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// RenameSession updates a session's title and bumps updated_at.
func (s *SQLiteStore) RenameSession(ctx context.Context, id, title string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversation_sessions SET title = ?, updated_at = ? WHERE id = ?
	`, title, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("renaming session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and its messages in one transaction.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM conversation_messages WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("deleting session messages: %w", err)
		}
		result, err := tx.ExecContext(ctx,
			`DELETE FROM conversation_sessions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AppendMessage inserts a message and bumps the session's updated_at in the
// same transaction, so session ordering always reflects the latest message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *ConversationMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		// The bump doubles as the existence check: zero rows means there is
		// no session to append to.
		bumped, err := tx.ExecContext(ctx,
			`UPDATE conversation_sessions SET updated_at = ? WHERE id = ?`,
			formatTime(msg.CreatedAt), msg.SessionID)
		if err != nil {
			return fmt.Errorf("bumping session: %w", err)
		}
		if n, _ := bumped.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", msg.SessionID, ErrNotFound)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_messages (session_id, role, content, model, tokens_used, latency_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			msg.SessionID,
			msg.Role,
			msg.Content,
			nullString(msg.Model),
			msg.TokensUsed,
			msg.LatencyMS,
			formatTime(msg.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		if id, err := result.LastInsertId(); err == nil {
			msg.ID = id
		}
		return nil
	})
}

// GetMessages retrieves messages for a session in chronological order.
// With a positive limit, the most recent N are returned (still oldest
// first) via a subquery.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, limit int) ([]*ConversationMessage, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT id, session_id, role, content, model, tokens_used, latency_ms, created_at
			FROM (
				SELECT id, session_id, role, content, model, tokens_used, latency_ms, created_at
				FROM conversation_messages
				WHERE session_id = ?
				ORDER BY created_at DESC, id DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, id ASC
		`
		args = []any{sessionID, limit}
	} else {
		query = `
			SELECT id, session_id, role, content, model, tokens_used, latency_ms, created_at
			FROM conversation_messages
			WHERE session_id = ?
			ORDER BY created_at ASC, id ASC
		`
		args = []any{sessionID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*ConversationMessage
	for rows.Next() {
		var msg ConversationMessage
		var model sql.NullString
		var createdAt string

		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&model, &msg.TokensUsed, &msg.LatencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Model = model.String
		msg.CreatedAt = parseTime(createdAt)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}
