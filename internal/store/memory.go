// ABOUTME: Long-term user memory entities and store methods
// ABOUTME: Memories upsert on (user, category, key) and track access counts

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MemoryCategory values for UserMemory.Category.
const (
	MemoryPreference = "preference"
	MemoryFact       = "fact"
	MemorySkill      = "skill"
	MemoryContext    = "context"
	MemoryGoal       = "goal"
)

var validMemoryCategories = map[string]bool{
	MemoryPreference: true,
	MemoryFact:       true,
	MemorySkill:      true,
	MemoryContext:    true,
	MemoryGoal:       true,
}

// UserMemory is one remembered fact about a user, keyed by
// (user, category, key) with upsert semantics on conflict.
type UserMemory struct {
	ID           string
	UserID       int64
	Category     string
	Key          string
	Value        string
	Importance   float64 // 0..1
	AccessCount  int
	LastAccessed *time.Time
	ExpiresAt    *time.Time
	Tags         []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MemoryStore defines long-term memory persistence.
type MemoryStore interface {
	UpsertMemory(ctx context.Context, mem *UserMemory) error
	GetMemory(ctx context.Context, userID int64, category, key string) (*UserMemory, error)
	ListMemories(ctx context.Context, userID int64, category string, limit int) ([]*UserMemory, error)
	SearchMemories(ctx context.Context, userID int64, query string, limit int) ([]*UserMemory, error)
	DeleteMemory(ctx context.Context, userID int64, category, key string) error
	PruneExpiredMemories(ctx context.Context) (int64, error)
}

var _ MemoryStore = (*SQLiteStore)(nil)

// UpsertMemory inserts a memory, or updates value/importance/tags if one
// already exists for (user, category, key). updated_at is bumped either way.
func (s *SQLiteStore) UpsertMemory(ctx context.Context, mem *UserMemory) error {
	if !validMemoryCategories[mem.Category] {
		return &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", mem.Category)}
	}
	if mem.Importance < 0 || mem.Importance > 1 {
		return &ValidationError{Field: "importance", Reason: "must be between 0 and 1"}
	}
	if mem.Key == "" {
		return &ValidationError{Field: "key", Reason: "must not be empty"}
	}

	if mem.ID == "" {
		mem.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	mem.UpdatedAt = now

	tags, err := marshalJSON(mem.Tags)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_memories
			(id, user_id, category, key, value, importance, tags, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, category, key) DO UPDATE SET
			value = excluded.value,
			importance = excluded.importance,
			tags = excluded.tags,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`,
		mem.ID,
		mem.UserID,
		mem.Category,
		mem.Key,
		mem.Value,
		mem.Importance,
		tags,
		nullTime(mem.ExpiresAt),
		formatTime(mem.CreatedAt),
		formatTime(mem.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting memory: %w", err)
	}

	s.logger.Debug("upserted memory", "user_id", mem.UserID, "category", mem.Category, "key", mem.Key)
	return nil
}

const memoryColumns = `id, user_id, category, key, value, importance, access_count, last_accessed, expires_at, tags, created_at, updated_at`

func scanMemory(row interface{ Scan(...any) error }) (*UserMemory, error) {
	var m UserMemory
	var lastAccessed, expiresAt, tags sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&m.ID, &m.UserID, &m.Category, &m.Key, &m.Value, &m.Importance,
		&m.AccessCount, &lastAccessed, &expiresAt, &tags, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning memory: %w", err)
	}

	m.LastAccessed = parseNullTime(lastAccessed)
	m.ExpiresAt = parseNullTime(expiresAt)
	unmarshalJSON(tags, &m.Tags)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

// GetMemory retrieves one memory and records the access: access_count and
// last_accessed are bumped in the same statement as the lookup's key match,
// so concurrent reads cannot lose increments.
func (s *SQLiteStore) GetMemory(ctx context.Context, userID int64, category, key string) (*UserMemory, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_memories
		SET access_count = access_count + 1, last_accessed = ?
		WHERE user_id = ? AND category = ? AND key = ?
	`, formatTime(time.Now()), userID, category, key)
	if err != nil {
		return nil, fmt.Errorf("recording memory access: %w", err)
	}

	stmt, err := s.stmts.get(ctx, `
		SELECT `+memoryColumns+`
		FROM user_memories
		WHERE user_id = ? AND category = ? AND key = ?
	`)
	if err != nil {
		return nil, fmt.Errorf("preparing memory query: %w", err)
	}
	return scanMemory(stmt.QueryRowContext(ctx, userID, category, key))
}

// ListMemories returns a user's memories, optionally filtered by category,
// most important first.
func (s *SQLiteStore) ListMemories(ctx context.Context, userID int64, category string, limit int) ([]*UserMemory, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT ` + memoryColumns + `
		FROM user_memories
		WHERE user_id = ?
	`
	args := []any{userID}
	if category != "" {
		if !validMemoryCategories[category] {
			return nil, &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", category)}
		}
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY importance DESC, updated_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryMemories(ctx, query, args...)
}

// SearchMemories does a case-insensitive substring search over key and value.
func (s *SQLiteStore) SearchMemories(ctx context.Context, userID int64, query string, limit int) ([]*UserMemory, error) {
	if limit <= 0 {
		limit = 100
	}
	pattern := "%" + query + "%"
	return s.queryMemories(ctx, `
		SELECT `+memoryColumns+`
		FROM user_memories
		WHERE user_id = ? AND (key LIKE ? OR value LIKE ?)
		ORDER BY importance DESC, updated_at DESC
		LIMIT ?
	`, userID, pattern, pattern, limit)
}

func (s *SQLiteStore) queryMemories(ctx context.Context, query string, args ...any) ([]*UserMemory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying memories: %w", err)
	}
	defer rows.Close()

	var memories []*UserMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memory rows: %w", err)
	}
	return memories, nil
}

// DeleteMemory removes one memory. Returns ErrNotFound if absent.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, userID int64, category, key string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM user_memories WHERE user_id = ? AND category = ? AND key = ?`,
		userID, category, key)
	if err != nil {
		return fmt.Errorf("deleting memory: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneExpiredMemories deletes memories whose expires_at has passed and
// returns how many were removed.
func (s *SQLiteStore) PruneExpiredMemories(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM user_memories WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("pruning expired memories: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Debug("pruned expired memories", "count", n)
	}
	return n, nil
}
