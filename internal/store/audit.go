// ABOUTME: Audit log entity and store methods
// ABOUTME: Append-only; rows outlive the account that produced them

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry is one append-only audit record. UserID is nil for system
// actions and for rows whose actor has since been deleted.
type AuditEntry struct {
	ID         int64
	UserID     *int64
	Action     string
	TargetType string
	TargetID   string
	Details    map[string]string
	Timestamp  time.Time
}

// AuditFilter narrows ListAudit results.
type AuditFilter struct {
	UserID *int64
	Action string
	Limit  int
}

// AuditStore defines audit persistence.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
	DistinctAuditActions(ctx context.Context) ([]string, error)
}

var _ AuditStore = (*SQLiteStore)(nil)

// AppendAudit records one audit entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.Action == "" {
		return &ValidationError{Field: "action", Reason: "must not be empty"}
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	details, err := marshalJSON(entry.Details)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (user_id, action, target_type, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.UserID,
		entry.Action,
		nullString(entry.TargetType),
		nullString(entry.TargetID),
		details,
		formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListAudit returns audit entries, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, user_id, action, target_type, target_id, details, timestamp
		FROM audit_logs
		WHERE 1=1
	`
	var args []any
	if filter.UserID != nil {
		query += ` AND user_id = ?`
		args = append(args, *filter.UserID)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var userID sql.NullInt64
		var targetType, targetID, details sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &userID, &e.Action, &targetType, &targetID, &details, &ts); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if userID.Valid {
			e.UserID = &userID.Int64
		}
		e.TargetType = targetType.String
		e.TargetID = targetID.String
		unmarshalJSON(details, &e.Details)
		e.Timestamp = parseTime(ts)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return entries, nil
}

// DistinctAuditActions returns the action types present in the log. This is
// the one reviewed read-only aggregate that bypasses the typed entity API;
// it participates in no invariant.
func (s *SQLiteStore) DistinctAuditActions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT action FROM audit_logs ORDER BY action`)
	if err != nil {
		return nil, fmt.Errorf("querying distinct actions: %w", err)
	}
	defer rows.Close()

	var actions []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scanning action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating action rows: %w", err)
	}
	return actions, nil
}
