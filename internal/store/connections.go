// ABOUTME: External service connection and synced file entities and store methods
// ABOUTME: OAuth tokens pass through the cipher on every write and read

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// External service types.
const (
	ServiceGoogleDrive = "google_drive"
	ServiceGitHub      = "github"
	ServiceNotion      = "notion"
	ServiceSlack       = "slack"
)

var validServiceTypes = map[string]bool{
	ServiceGoogleDrive: true,
	ServiceGitHub:      true,
	ServiceNotion:      true,
	ServiceSlack:       true,
}

// ExternalConnection links a user to a third-party service. One row per
// (user, service); tokens are stored only in encrypted form and returned
// decrypted.
type ExternalConnection struct {
	ID             string
	UserID         int64
	ServiceType    string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
	AccountEmail   string
	Metadata       map[string]string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExternalFile is one remote file synced through a connection.
type ExternalFile struct {
	ID           int64
	ConnectionID string
	FileID       string
	Name         string
	MimeType     string
	SizeBytes    int64
	ModifiedAt   *time.Time
	LastSynced   *time.Time
	CreatedAt    time.Time
}

// ConnectionStore defines external connection persistence.
type ConnectionStore interface {
	UpsertConnection(ctx context.Context, conn *ExternalConnection) error
	GetConnection(ctx context.Context, userID int64, serviceType string) (*ExternalConnection, error)
	ListConnections(ctx context.Context, userID int64) ([]*ExternalConnection, error)
	Disconnect(ctx context.Context, userID int64, serviceType string) error
	SaveFiles(ctx context.Context, connectionID string, files []*ExternalFile) error
	ListFiles(ctx context.Context, connectionID string) ([]*ExternalFile, error)
}

var _ ConnectionStore = (*SQLiteStore)(nil)

// UpsertConnection inserts or refreshes a connection for
// (user, service). Tokens are encrypted before they touch the database.
func (s *SQLiteStore) UpsertConnection(ctx context.Context, conn *ExternalConnection) error {
	if !validServiceTypes[conn.ServiceType] {
		return &ValidationError{Field: "service_type", Reason: fmt.Sprintf("unknown service %q", conn.ServiceType)}
	}
	if conn.AccessToken == "" {
		return &ValidationError{Field: "access_token", Reason: "must not be empty"}
	}

	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	metadata, err := marshalJSON(conn.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO external_connections
			(id, user_id, service_type, access_token, refresh_token, token_expires_at,
			 account_email, metadata, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (user_id, service_type) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			account_email = excluded.account_email,
			metadata = excluded.metadata,
			is_active = 1,
			updated_at = excluded.updated_at
	`,
		conn.ID,
		conn.UserID,
		conn.ServiceType,
		s.cipher.Encrypt(conn.AccessToken),
		nullString(s.cipher.Encrypt(conn.RefreshToken)),
		nullTime(conn.TokenExpiresAt),
		nullString(conn.AccountEmail),
		metadata,
		formatTime(conn.CreatedAt),
		formatTime(conn.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting connection: %w", err)
	}

	s.logger.Debug("upserted external connection", "user_id", conn.UserID, "service", conn.ServiceType)
	return nil
}

const connectionColumns = `id, user_id, service_type, access_token, refresh_token,
	token_expires_at, account_email, metadata, is_active, created_at, updated_at`

func (s *SQLiteStore) scanConnection(row interface{ Scan(...any) error }) (*ExternalConnection, error) {
	var c ExternalConnection
	var refreshToken, expiresAt, email, metadata sql.NullString
	var active int
	var createdAt, updatedAt string

	err := row.Scan(&c.ID, &c.UserID, &c.ServiceType, &c.AccessToken, &refreshToken,
		&expiresAt, &email, &metadata, &active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning connection: %w", err)
	}

	c.AccessToken = s.cipher.Decrypt(c.AccessToken)
	if refreshToken.Valid {
		c.RefreshToken = s.cipher.Decrypt(refreshToken.String)
	}
	c.TokenExpiresAt = parseNullTime(expiresAt)
	c.AccountEmail = email.String
	unmarshalJSON(metadata, &c.Metadata)
	c.IsActive = active != 0
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// GetConnection retrieves one connection with tokens decrypted.
func (s *SQLiteStore) GetConnection(ctx context.Context, userID int64, serviceType string) (*ExternalConnection, error) {
	return s.scanConnection(s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM external_connections WHERE user_id = ? AND service_type = ?`,
		userID, serviceType))
}

// ListConnections returns all of a user's connections.
func (s *SQLiteStore) ListConnections(ctx context.Context, userID int64) ([]*ExternalConnection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM external_connections WHERE user_id = ? ORDER BY service_type`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer rows.Close()

	var conns []*ExternalConnection
	for rows.Next() {
		c, err := s.scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection rows: %w", err)
	}
	return conns, nil
}

// Disconnect removes a connection and its synced files in one transaction.
func (s *SQLiteStore) Disconnect(ctx context.Context, userID int64, serviceType string) error {
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM external_files
			WHERE connection_id IN (
				SELECT id FROM external_connections WHERE user_id = ? AND service_type = ?
			)
		`, userID, serviceType); err != nil {
			return fmt.Errorf("deleting synced files: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`DELETE FROM external_connections WHERE user_id = ? AND service_type = ?`,
			userID, serviceType)
		if err != nil {
			return fmt.Errorf("deleting connection: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SaveFiles replaces the synced file set for a connection in one
// transaction, so a partial sync can never leave a mixed listing.
func (s *SQLiteStore) SaveFiles(ctx context.Context, connectionID string, files []*ExternalFile) error {
	now := time.Now().UTC()
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM external_files WHERE connection_id = ?`, connectionID); err != nil {
			return fmt.Errorf("clearing synced files: %w", err)
		}

		for _, f := range files {
			if f.CreatedAt.IsZero() {
				f.CreatedAt = now
			}
			result, err := tx.ExecContext(ctx, `
				INSERT INTO external_files
					(connection_id, file_id, name, mime_type, size_bytes, modified_at, last_synced, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`,
				connectionID,
				f.FileID,
				f.Name,
				nullString(f.MimeType),
				f.SizeBytes,
				nullTime(f.ModifiedAt),
				formatTime(now),
				formatTime(f.CreatedAt),
			)
			if err != nil {
				return fmt.Errorf("inserting synced file %s: %w", f.FileID, err)
			}
			if id, err := result.LastInsertId(); err == nil {
				f.ID = id
			}
			f.ConnectionID = connectionID
			syncTime := now
			f.LastSynced = &syncTime
		}
		return nil
	})
}

// ListFiles returns the synced files for a connection, by name.
func (s *SQLiteStore) ListFiles(ctx context.Context, connectionID string) ([]*ExternalFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, file_id, name, mime_type, size_bytes, modified_at, last_synced, created_at
		FROM external_files
		WHERE connection_id = ?
		ORDER BY name
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("querying synced files: %w", err)
	}
	defer rows.Close()

	var files []*ExternalFile
	for rows.Next() {
		var f ExternalFile
		var mimeType, modifiedAt, lastSynced sql.NullString
		var createdAt string
		if err := rows.Scan(&f.ID, &f.ConnectionID, &f.FileID, &f.Name, &mimeType,
			&f.SizeBytes, &modifiedAt, &lastSynced, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning synced file: %w", err)
		}
		f.MimeType = mimeType.String
		f.ModifiedAt = parseNullTime(modifiedAt)
		f.LastSynced = parseNullTime(lastSynced)
		f.CreatedAt = parseTime(createdAt)
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating file rows: %w", err)
	}
	return files, nil
}
