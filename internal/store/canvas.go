// ABOUTME: Canvas document and version entities and store methods
// ABOUTME: Content changes snapshot the previous revision before bumping the counter

package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CanvasDocument is a collaborative document with a monotonic version
// counter and an optional share token.
type CanvasDocument struct {
	ID         string
	UserID     int64
	Title      string
	Content    string
	Language   string
	Version    int
	ShareToken *string
	IsShared   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CanvasVersion is a snapshot of a document's content as it was *before*
// an update — version N holds what the document said while its counter
// read N.
type CanvasVersion struct {
	ID         int64
	DocumentID string
	Version    int
	Content    string
	CreatedAt  time.Time
}

// UpdateCanvasParams carries an update; nil pointers leave fields alone.
type UpdateCanvasParams struct {
	Title    *string
	Content  *string
	Language *string
}

// CanvasStore defines canvas persistence.
type CanvasStore interface {
	CreateDocument(ctx context.Context, doc *CanvasDocument) error
	GetDocument(ctx context.Context, id string) (*CanvasDocument, error)
	GetDocumentByShareToken(ctx context.Context, token string) (*CanvasDocument, error)
	ListDocuments(ctx context.Context, userID int64, limit int) ([]*CanvasDocument, error)
	UpdateDocument(ctx context.Context, id string, params UpdateCanvasParams) (*CanvasDocument, error)
	ListVersions(ctx context.Context, documentID string) ([]*CanvasVersion, error)
	GetVersion(ctx context.Context, documentID string, version int) (*CanvasVersion, error)
	RestoreVersion(ctx context.Context, documentID string, version int) (*CanvasDocument, error)
	ShareDocument(ctx context.Context, id string, shared bool) (*CanvasDocument, error)
	DeleteDocument(ctx context.Context, id string) error
}

var _ CanvasStore = (*SQLiteStore)(nil)

// CreateDocument creates a document at version 1.
func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *CanvasDocument) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	doc.Version = 1
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO canvas_documents (id, user_id, title, content, language, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
	`,
		doc.ID,
		doc.UserID,
		doc.Title,
		doc.Content,
		nullString(doc.Language),
		formatTime(doc.CreatedAt),
		formatTime(doc.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("canvas document %s: %w", doc.ID, ErrConflict)
		}
		return fmt.Errorf("inserting canvas document: %w", err)
	}

	s.logger.Debug("created canvas document", "id", doc.ID)
	return nil
}

const canvasColumns = `id, user_id, title, content, language, version, share_token, is_shared, created_at, updated_at`

func scanCanvasDocument(row interface{ Scan(...any) error }) (*CanvasDocument, error) {
	var d CanvasDocument
	var language, shareToken sql.NullString
	var shared int
	var createdAt, updatedAt string

	err := row.Scan(&d.ID, &d.UserID, &d.Title, &d.Content, &language,
		&d.Version, &shareToken, &shared, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning canvas document: %w", err)
	}

	d.Language = language.String
	if shareToken.Valid {
		d.ShareToken = &shareToken.String
	}
	d.IsShared = shared != 0
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

// GetDocument retrieves a document by ID.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*CanvasDocument, error) {
	stmt, err := s.stmts.get(ctx, `SELECT `+canvasColumns+` FROM canvas_documents WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("preparing canvas query: %w", err)
	}
	return scanCanvasDocument(stmt.QueryRowContext(ctx, id))
}

// GetDocumentByShareToken retrieves a shared document by its token.
// Documents whose sharing was revoked are not reachable this way.
func (s *SQLiteStore) GetDocumentByShareToken(ctx context.Context, token string) (*CanvasDocument, error) {
	return scanCanvasDocument(s.db.QueryRowContext(ctx,
		`SELECT `+canvasColumns+` FROM canvas_documents WHERE share_token = ? AND is_shared = 1`, token))
}

// ListDocuments returns a user's documents, most recently updated first.
func (s *SQLiteStore) ListDocuments(ctx context.Context, userID int64, limit int) ([]*CanvasDocument, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+canvasColumns+`
		FROM canvas_documents
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying canvas documents: %w", err)
	}
	defer rows.Close()

	var docs []*CanvasDocument
	for rows.Next() {
		d, err := scanCanvasDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating canvas rows: %w", err)
	}
	return docs, nil
}

// UpdateDocument applies an update. If and only if the new content differs
// from what is stored, the previous content and version number are
// snapshotted into canvas_versions before the update, and the version
// counter is bumped. Metadata-only updates write no version row and leave
// the counter alone. updated_at is bumped either way.
func (s *SQLiteStore) UpdateDocument(ctx context.Context, id string, params UpdateCanvasParams) (*CanvasDocument, error) {
	var updated *CanvasDocument
	err := s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		current, err := scanCanvasDocument(tx.QueryRowContext(ctx,
			`SELECT `+canvasColumns+` FROM canvas_documents WHERE id = ?`, id))
		if err != nil {
			return err
		}

		doc := *current
		if params.Title != nil {
			doc.Title = *params.Title
		}
		if params.Language != nil {
			doc.Language = *params.Language
		}

		contentChanged := params.Content != nil && *params.Content != current.Content
		if contentChanged {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO canvas_versions (document_id, version, content, created_at)
				VALUES (?, ?, ?, ?)
			`, id, current.Version, current.Content, formatTime(time.Now())); err != nil {
				return fmt.Errorf("snapshotting canvas version: %w", err)
			}
			doc.Content = *params.Content
			doc.Version = current.Version + 1
		}

		doc.UpdatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE canvas_documents
			SET title = ?, content = ?, language = ?, version = ?, updated_at = ?
			WHERE id = ?
		`,
			doc.Title,
			doc.Content,
			nullString(doc.Language),
			doc.Version,
			formatTime(doc.UpdatedAt),
			id,
		); err != nil {
			return fmt.Errorf("updating canvas document: %w", err)
		}

		updated = &doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListVersions returns a document's version history, newest first.
func (s *SQLiteStore) ListVersions(ctx context.Context, documentID string) ([]*CanvasVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, version, content, created_at
		FROM canvas_versions
		WHERE document_id = ?
		ORDER BY version DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying canvas versions: %w", err)
	}
	defer rows.Close()

	var versions []*CanvasVersion
	for rows.Next() {
		var v CanvasVersion
		var createdAt string
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.Version, &v.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning canvas version: %w", err)
		}
		v.CreatedAt = parseTime(createdAt)
		versions = append(versions, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating version rows: %w", err)
	}
	return versions, nil
}

// GetVersion retrieves one historical snapshot.
func (s *SQLiteStore) GetVersion(ctx context.Context, documentID string, version int) (*CanvasVersion, error) {
	var v CanvasVersion
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, version, content, created_at
		FROM canvas_versions
		WHERE document_id = ? AND version = ?
	`, documentID, version).Scan(&v.ID, &v.DocumentID, &v.Version, &v.Content, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying canvas version: %w", err)
	}
	v.CreatedAt = parseTime(createdAt)
	return &v, nil
}

// RestoreVersion makes a historical snapshot the current content. It goes
// through the same snapshot-then-bump path as any other content change, so
// the pre-restore content is preserved in the history.
func (s *SQLiteStore) RestoreVersion(ctx context.Context, documentID string, version int) (*CanvasDocument, error) {
	v, err := s.GetVersion(ctx, documentID, version)
	if err != nil {
		return nil, err
	}
	return s.UpdateDocument(ctx, documentID, UpdateCanvasParams{Content: &v.Content})
}

// ShareDocument enables or revokes sharing. Enabling generates a fresh
// token; revoking keeps the token column NULL so an old link cannot
// resurrect access.
func (s *SQLiteStore) ShareDocument(ctx context.Context, id string, shared bool) (*CanvasDocument, error) {
	var token any
	if shared {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generating share token: %w", err)
		}
		token = hex.EncodeToString(buf)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE canvas_documents
		SET share_token = ?, is_shared = ?, updated_at = ?
		WHERE id = ?
	`, token, boolToInt(shared), formatTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("updating share state: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetDocument(ctx, id)
}

// DeleteDocument removes a document and its version history in one
// transaction.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM canvas_versions WHERE document_id = ?`, id); err != nil {
			return fmt.Errorf("deleting canvas versions: %w", err)
		}
		result, err := tx.ExecContext(ctx,
			`DELETE FROM canvas_documents WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting canvas document: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
