// ABOUTME: Idempotent schema creation and additive column migrations
// ABOUTME: Every table/index is create-if-not-exists; safe to run on every start

package store

import (
	"fmt"
)

// ensureSchema creates the database tables if they don't exist.
// It is safe to call on every process start; failure is fatal at startup.
func (s *SQLiteStore) ensureSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			tier TEXT NOT NULL DEFAULT 'free',
			is_active INTEGER NOT NULL DEFAULT 1,
			last_login TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (role IN ('admin', 'user', 'guest'))
		);

		CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);
		CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);

		-- Dedicated counter rows used to serialize sequential ID assignment.
		-- The UPDATE on a counter row takes the write lock for the enclosing
		-- transaction, so only one writer computes the next ID at a time.
		CREATE TABLE IF NOT EXISTS id_sequences (
			name TEXT PRIMARY KEY,
			next_id INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversation_sessions (
			id TEXT PRIMARY KEY,
			user_id INTEGER REFERENCES users(id),
			title TEXT NOT NULL,
			model TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user ON conversation_sessions(user_id, updated_at);

		CREATE TABLE IF NOT EXISTS conversation_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES conversation_sessions(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			model TEXT,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON conversation_messages(session_id, created_at);

		CREATE TABLE IF NOT EXISTS user_memories (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed TEXT,
			expires_at TEXT,
			tags TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			UNIQUE (user_id, category, key),
			CHECK (category IN ('preference', 'fact', 'skill', 'context', 'goal')),
			CHECK (importance >= 0 AND importance <= 1)
		);

		CREATE INDEX IF NOT EXISTS idx_memories_user_category ON user_memories(user_id, category);

		CREATE TABLE IF NOT EXISTS research_sessions (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			topic TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			depth INTEGER NOT NULL DEFAULT 1,
			progress REAL NOT NULL DEFAULT 0,
			key_findings TEXT,
			sources TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_research_user ON research_sessions(user_id, updated_at);

		CREATE TABLE IF NOT EXISTS research_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES research_sessions(id),
			step_number INTEGER NOT NULL,
			query TEXT NOT NULL,
			summary TEXT,
			sources TEXT,
			created_at TEXT NOT NULL,

			UNIQUE (session_id, step_number)
		);

		CREATE TABLE IF NOT EXISTS agent_marketplace (
			id TEXT PRIMARY KEY,
			author_id INTEGER NOT NULL REFERENCES users(id),
			title TEXT NOT NULL,
			description TEXT,
			category TEXT,
			tags TEXT,
			price REAL NOT NULL DEFAULT 0,
			is_free INTEGER NOT NULL DEFAULT 1,
			is_featured INTEGER NOT NULL DEFAULT 0,
			is_verified INTEGER NOT NULL DEFAULT 0,
			downloads INTEGER NOT NULL DEFAULT 0,
			rating_avg REAL NOT NULL DEFAULT 0,
			rating_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			published_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('pending', 'approved', 'rejected', 'suspended'))
		);

		CREATE INDEX IF NOT EXISTS idx_marketplace_status ON agent_marketplace(status);
		CREATE INDEX IF NOT EXISTS idx_marketplace_category ON agent_marketplace(category);
		CREATE INDEX IF NOT EXISTS idx_marketplace_author ON agent_marketplace(author_id);

		CREATE TABLE IF NOT EXISTS agent_reviews (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			marketplace_id TEXT NOT NULL REFERENCES agent_marketplace(id),
			user_id INTEGER NOT NULL REFERENCES users(id),
			rating INTEGER NOT NULL,
			comment TEXT,
			created_at TEXT NOT NULL,

			UNIQUE (marketplace_id, user_id),
			CHECK (rating BETWEEN 1 AND 5)
		);

		CREATE INDEX IF NOT EXISTS idx_reviews_marketplace ON agent_reviews(marketplace_id);

		CREATE TABLE IF NOT EXISTS agent_installations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			marketplace_id TEXT NOT NULL REFERENCES agent_marketplace(id),
			user_id INTEGER NOT NULL REFERENCES users(id),
			installed_at TEXT NOT NULL,

			UNIQUE (marketplace_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_installations_user ON agent_installations(user_id);

		CREATE TABLE IF NOT EXISTS canvas_documents (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			title TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			language TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			share_token TEXT UNIQUE,
			is_shared INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_canvas_user ON canvas_documents(user_id, updated_at);

		CREATE TABLE IF NOT EXISTS canvas_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id TEXT NOT NULL REFERENCES canvas_documents(id),
			version INTEGER NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,

			UNIQUE (document_id, version)
		);

		CREATE TABLE IF NOT EXISTS external_connections (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			service_type TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			token_expires_at TEXT,
			account_email TEXT,
			metadata TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			UNIQUE (user_id, service_type),
			CHECK (service_type IN ('google_drive', 'github', 'notion', 'slack'))
		);

		CREATE TABLE IF NOT EXISTS external_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id TEXT NOT NULL REFERENCES external_connections(id),
			file_id TEXT NOT NULL,
			name TEXT NOT NULL,
			mime_type TEXT,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			modified_at TEXT,
			last_synced TEXT,
			created_at TEXT NOT NULL,

			UNIQUE (connection_id, file_id)
		);

		CREATE TABLE IF NOT EXISTS custom_agents (
			id TEXT PRIMARY KEY,
			user_id INTEGER REFERENCES users(id),
			name TEXT NOT NULL,
			system_prompt TEXT NOT NULL,
			keywords TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_custom_agents_user ON custom_agents(user_id);

		CREATE TABLE IF NOT EXISTS agent_feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			agent_id TEXT NOT NULL,
			session_id TEXT,
			rating INTEGER NOT NULL,
			comment TEXT,
			tags TEXT,
			created_at TEXT NOT NULL,

			CHECK (rating BETWEEN 1 AND 5)
		);

		CREATE INDEX IF NOT EXISTS idx_feedback_agent ON agent_feedback(agent_id);

		CREATE TABLE IF NOT EXISTS agent_usage_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			agent_id TEXT NOT NULL,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 1,
			timestamp TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_agent ON agent_usage_logs(agent_id);

		CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER,
			action TEXT NOT NULL,
			target_type TEXT,
			target_id TEXT,
			details TEXT,
			timestamp TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_logs(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_logs(action);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Seed the user ID counter and re-sync it against existing rows so a
	// database created before the counter existed picks up from MAX(id).
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO id_sequences (name, next_id) VALUES ('users', 0)`); err != nil {
		return fmt.Errorf("seeding id sequence: %w", err)
	}
	_, err := s.db.Exec(`
		UPDATE id_sequences
		SET next_id = (SELECT COALESCE(MAX(id), 0) FROM users)
		WHERE name = 'users'
		  AND next_id < (SELECT COALESCE(MAX(id), 0) FROM users)
	`)
	if err != nil {
		return fmt.Errorf("syncing id sequence: %w", err)
	}
	return nil
}

// runMigrations applies additive schema migrations for existing databases.
// SQLite has no ADD COLUMN IF NOT EXISTS, so each one checks
// pragma_table_info first. Safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "user_memories",
			column: "expires_at",
			apply:  `ALTER TABLE user_memories ADD COLUMN expires_at TEXT`,
		},
		{
			table:  "canvas_documents",
			column: "language",
			apply:  `ALTER TABLE canvas_documents ADD COLUMN language TEXT`,
		},
		{
			table:  "agent_marketplace",
			column: "is_verified",
			apply:  `ALTER TABLE agent_marketplace ADD COLUMN is_verified INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "external_connections",
			column: "account_email",
			apply:  `ALTER TABLE external_connections ADD COLUMN account_email TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}
