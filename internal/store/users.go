// ABOUTME: User account entity and store methods with serialized numeric ID assignment
// ABOUTME: Includes last-admin protection, ordered cascade delete, and admin seeding

package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Role values for User.Role.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
	RoleGuest = "guest"
)

var validRoles = map[string]bool{
	RoleAdmin: true,
	RoleUser:  true,
	RoleGuest: true,
}

// User represents a platform account. IDs are human-readable sequential
// integers assigned at creation.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         string
	Tier         string
	IsActive     bool
	LastLogin    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UpdateUserParams carries the mutable account fields. Nil pointers leave
// the current value in place.
type UpdateUserParams struct {
	Role     *string
	Tier     *string
	IsActive *bool
}

// UserStore defines account persistence.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash, role string) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context, limit int) ([]*User, error)
	UpdateUser(ctx context.Context, id int64, params UpdateUserParams) error
	UpdateLastLogin(ctx context.Context, id int64) error
	CountAdmins(ctx context.Context) (int, error)
	DeleteUser(ctx context.Context, id int64) error
	SeedAdmin(ctx context.Context, username, password string, production bool) error
}

// Ensure SQLiteStore implements UserStore.
var _ UserStore = (*SQLiteStore)(nil)

// CreateUser creates an account with the next sequential numeric ID.
// Concurrent calls cannot race on MAX(id)+1: the counter-row UPDATE takes
// the write lock for the rest of the transaction, so only one writer
// computes the next ID at a time. Returns ErrConflict if the username is
// already taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash, role string) (*User, error) {
	if username == "" {
		return nil, &ValidationError{Field: "username", Reason: "must not be empty"}
	}
	if role == "" {
		role = RoleUser
	}
	if !validRoles[role] {
		return nil, &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}

	now := time.Now().UTC()
	user := &User{
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		Tier:         "free",
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE id_sequences SET next_id = next_id + 1 WHERE name = 'users'`,
		); err != nil {
			return fmt.Errorf("advancing user id sequence: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT next_id FROM id_sequences WHERE name = 'users'`,
		).Scan(&user.ID); err != nil {
			return fmt.Errorf("reading user id sequence: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, username, password_hash, role, tier, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		`,
			user.ID,
			user.Username,
			user.PasswordHash,
			user.Role,
			user.Tier,
			formatTime(user.CreatedAt),
			formatTime(user.UpdatedAt),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("username %q: %w", username, ErrConflict)
			}
			return fmt.Errorf("inserting user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("created user", "id", user.ID, "username", username, "role", role)
	return user, nil
}

const userColumns = `id, username, password_hash, role, tier, is_active, last_login, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var active int
	var lastLogin sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Tier,
		&active, &lastLogin, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	u.IsActive = active != 0
	u.LastLogin = parseNullTime(lastLogin)
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

// GetUser retrieves an account by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	stmt, err := s.stmts.get(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("preparing user query: %w", err)
	}
	return scanUser(stmt.QueryRowContext(ctx, id))
}

// GetUserByUsername retrieves an account by login handle.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	stmt, err := s.stmts.get(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`)
	if err != nil {
		return nil, fmt.Errorf("preparing user query: %w", err)
	}
	return scanUser(stmt.QueryRowContext(ctx, username))
}

// ListUsers returns accounts ordered by ID. A limit of 0 or less defaults
// to 100, capped at 1000.
func (s *SQLiteStore) ListUsers(ctx context.Context, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

// UpdateUser applies the given field changes and bumps updated_at in the
// same transaction. Demoting or deactivating the last active admin returns
// ErrLastAdmin.
func (s *SQLiteStore) UpdateUser(ctx context.Context, id int64, params UpdateUserParams) error {
	if params.Role != nil && !validRoles[*params.Role] {
		return &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", *params.Role)}
	}

	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		current, err := scanUser(tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
		if err != nil {
			return err
		}

		losesAdmin := current.Role == RoleAdmin && current.IsActive &&
			((params.Role != nil && *params.Role != RoleAdmin) ||
				(params.IsActive != nil && !*params.IsActive))
		if losesAdmin {
			if err := requireAnotherAdmin(ctx, tx, id); err != nil {
				return err
			}
		}

		role := current.Role
		if params.Role != nil {
			role = *params.Role
		}
		tier := current.Tier
		if params.Tier != nil {
			tier = *params.Tier
		}
		active := current.IsActive
		if params.IsActive != nil {
			active = *params.IsActive
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE users SET role = ?, tier = ?, is_active = ?, updated_at = ? WHERE id = ?
		`, role, tier, boolToInt(active), formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("updating user: %w", err)
		}
		return nil
	})
}

// UpdateLastLogin stamps last_login (and updated_at) for the account.
func (s *SQLiteStore) UpdateLastLogin(ctx context.Context, id int64) error {
	now := formatTime(time.Now())
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login = ?, updated_at = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountAdmins returns the number of active admin accounts.
func (s *SQLiteStore) CountAdmins(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE role = ? AND is_active = 1`, RoleAdmin).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting admins: %w", err)
	}
	return count, nil
}

// requireAnotherAdmin fails with ErrLastAdmin unless an active admin other
// than exceptID exists. Must run inside the mutating transaction so the
// check and the write cannot be interleaved.
func requireAnotherAdmin(ctx context.Context, tx *sql.Tx, exceptID int64) error {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE role = ? AND is_active = 1 AND id != ?`,
		RoleAdmin, exceptID).Scan(&count)
	if err != nil {
		return fmt.Errorf("counting remaining admins: %w", err)
	}
	if count == 0 {
		return ErrLastAdmin
	}
	return nil
}

// DeleteUser removes an account and everything it owns in one transaction.
// The cascade is explicit and ordered because not every dependent table has
// a database-level cascade: installations, reviews, authored marketplace
// rows (with their reviews and installations), feedback, usage logs, custom
// agents (reparented to NULL, not deleted), canvas documents and versions,
// research sessions and steps, conversation sessions and messages,
// memories, then the account row. Audit rows outlive their actor.
// Deleting the sole remaining active admin returns ErrLastAdmin.
func (s *SQLiteStore) DeleteUser(ctx context.Context, id int64) error {
	err := s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		user, err := scanUser(tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if user.Role == RoleAdmin && user.IsActive {
			if err := requireAnotherAdmin(ctx, tx, id); err != nil {
				return err
			}
		}

		steps := []struct {
			desc  string
			query string
		}{
			{"installations", `DELETE FROM agent_installations WHERE user_id = ?`},
			{"reviews", `DELETE FROM agent_reviews WHERE user_id = ?`},
			{"authored marketplace reviews", `DELETE FROM agent_reviews WHERE marketplace_id IN (SELECT id FROM agent_marketplace WHERE author_id = ?)`},
			{"authored marketplace installations", `DELETE FROM agent_installations WHERE marketplace_id IN (SELECT id FROM agent_marketplace WHERE author_id = ?)`},
			{"authored marketplace rows", `DELETE FROM agent_marketplace WHERE author_id = ?`},
			{"feedback", `DELETE FROM agent_feedback WHERE user_id = ?`},
			{"usage logs", `DELETE FROM agent_usage_logs WHERE user_id = ?`},
			{"custom agents", `UPDATE custom_agents SET user_id = NULL WHERE user_id = ?`},
			{"canvas versions", `DELETE FROM canvas_versions WHERE document_id IN (SELECT id FROM canvas_documents WHERE user_id = ?)`},
			{"canvas documents", `DELETE FROM canvas_documents WHERE user_id = ?`},
			{"research steps", `DELETE FROM research_steps WHERE session_id IN (SELECT id FROM research_sessions WHERE user_id = ?)`},
			{"research sessions", `DELETE FROM research_sessions WHERE user_id = ?`},
			{"conversation messages", `DELETE FROM conversation_messages WHERE session_id IN (SELECT id FROM conversation_sessions WHERE user_id = ?)`},
			{"conversation sessions", `DELETE FROM conversation_sessions WHERE user_id = ?`},
			{"memories", `DELETE FROM user_memories WHERE user_id = ?`},
			{"external files", `DELETE FROM external_files WHERE connection_id IN (SELECT id FROM external_connections WHERE user_id = ?)`},
			{"external connections", `DELETE FROM external_connections WHERE user_id = ?`},
		}
		for _, step := range steps {
			if _, err := tx.ExecContext(ctx, step.query, id); err != nil {
				return fmt.Errorf("cascading %s: %w", step.desc, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting user: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("deleted user and owned data", "id", id)
	return nil
}

// SeedAdmin ensures at least one admin account exists. In production a
// missing password is fatal; otherwise an ephemeral one is generated and
// logged loudly so a developer can still get in.
func (s *SQLiteStore) SeedAdmin(ctx context.Context, username, password string, production bool) error {
	count, err := s.CountAdmins(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if username == "" {
		username = "admin"
	}
	if password == "" {
		if production {
			return fmt.Errorf("seeding admin: no admin password configured in production")
		}
		buf := make([]byte, 12)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generating ephemeral admin password: %w", err)
		}
		password = hex.EncodeToString(buf)
		s.logger.Warn("GENERATED EPHEMERAL ADMIN PASSWORD - set a real one before deploying",
			"username", username, "password", password)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing admin password: %w", err)
	}

	if _, err := s.CreateUser(ctx, username, string(hash), RoleAdmin); err != nil {
		return fmt.Errorf("seeding admin: %w", err)
	}
	s.logger.Info("seeded default admin account", "username", username)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
