// ABOUTME: Research session and step entities with a linear status state machine
// ABOUTME: Completion stamps completed_at in the same update statement

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Research session statuses. Transitions are linear:
// pending -> running -> completed | failed | cancelled.
const (
	ResearchPending   = "pending"
	ResearchRunning   = "running"
	ResearchCompleted = "completed"
	ResearchFailed    = "failed"
	ResearchCancelled = "cancelled"
)

// validResearchTransitions maps a status to the statuses it may move to.
var validResearchTransitions = map[string][]string{
	ResearchPending: {ResearchRunning, ResearchCancelled},
	ResearchRunning: {ResearchCompleted, ResearchFailed, ResearchCancelled},
}

// Source is one cited source attached to a research session or step.
type Source struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// ResearchSession is a multi-step research run owned by a user.
type ResearchSession struct {
	ID          string
	UserID      int64
	Topic       string
	Status      string
	Depth       int
	Progress    float64
	KeyFindings []string
	Sources     []Source
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Steps       []*ResearchStep
}

// ResearchStep is one step within a session, ordered by StepNumber.
type ResearchStep struct {
	ID         int64
	SessionID  string
	StepNumber int
	Query      string
	Summary    string
	Sources    []Source
	CreatedAt  time.Time
}

// ResearchStore defines research persistence.
type ResearchStore interface {
	CreateResearch(ctx context.Context, session *ResearchSession) error
	GetResearch(ctx context.Context, id string) (*ResearchSession, error)
	ListResearch(ctx context.Context, userID int64, limit int) ([]*ResearchSession, error)
	UpdateResearchStatus(ctx context.Context, id, status string) error
	CancelResearch(ctx context.Context, id string) error
	UpdateResearchProgress(ctx context.Context, id string, progress float64, findings []string, sources []Source) error
	AddResearchStep(ctx context.Context, step *ResearchStep) error
}

var _ ResearchStore = (*SQLiteStore)(nil)

// CreateResearch creates a research session in pending status.
func (s *SQLiteStore) CreateResearch(ctx context.Context, session *ResearchSession) error {
	if session.Topic == "" {
		return &ValidationError{Field: "topic", Reason: "must not be empty"}
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = ResearchPending
	}
	if session.Depth <= 0 {
		session.Depth = 1
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	findings, err := marshalJSON(session.KeyFindings)
	if err != nil {
		return err
	}
	sources, err := marshalJSON(session.Sources)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO research_sessions
			(id, user_id, topic, status, depth, progress, key_findings, sources, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID,
		session.UserID,
		session.Topic,
		session.Status,
		session.Depth,
		session.Progress,
		findings,
		sources,
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("research session %s: %w", session.ID, ErrConflict)
		}
		return fmt.Errorf("inserting research session: %w", err)
	}

	s.logger.Debug("created research session", "id", session.ID, "topic", session.Topic)
	return nil
}

const researchColumns = `id, user_id, topic, status, depth, progress, key_findings, sources, completed_at, created_at, updated_at`

func scanResearch(row interface{ Scan(...any) error }) (*ResearchSession, error) {
	var r ResearchSession
	var findings, sources, completedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&r.ID, &r.UserID, &r.Topic, &r.Status, &r.Depth, &r.Progress,
		&findings, &sources, &completedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning research session: %w", err)
	}

	unmarshalJSON(findings, &r.KeyFindings)
	unmarshalJSON(sources, &r.Sources)
	r.CompletedAt = parseNullTime(completedAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// GetResearch retrieves a session with its steps in step order.
func (s *SQLiteStore) GetResearch(ctx context.Context, id string) (*ResearchSession, error) {
	session, err := scanResearch(s.db.QueryRowContext(ctx,
		`SELECT `+researchColumns+` FROM research_sessions WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, step_number, query, summary, sources, created_at
		FROM research_steps
		WHERE session_id = ?
		ORDER BY step_number ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying research steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step ResearchStep
		var summary, sources sql.NullString
		var createdAt string
		if err := rows.Scan(&step.ID, &step.SessionID, &step.StepNumber,
			&step.Query, &summary, &sources, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning research step: %w", err)
		}
		step.Summary = summary.String
		unmarshalJSON(sources, &step.Sources)
		step.CreatedAt = parseTime(createdAt)
		session.Steps = append(session.Steps, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating research steps: %w", err)
	}
	return session, nil
}

// ListResearch returns a user's research sessions, most recent first.
// Steps are not loaded; use GetResearch for the full session.
func (s *SQLiteStore) ListResearch(ctx context.Context, userID int64, limit int) ([]*ResearchSession, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+researchColumns+`
		FROM research_sessions
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying research sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ResearchSession
	for rows.Next() {
		r, err := scanResearch(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating research rows: %w", err)
	}
	return sessions, nil
}

// UpdateResearchStatus moves a session along the state machine. Invalid
// transitions are rejected with a ValidationError. Entering completed
// stamps completed_at in the same UPDATE statement.
func (s *SQLiteStore) UpdateResearchStatus(ctx context.Context, id, status string) error {
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM research_sessions WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading research status: %w", err)
		}

		allowed := false
		for _, next := range validResearchTransitions[current] {
			if next == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return &ValidationError{
				Field:  "status",
				Reason: fmt.Sprintf("cannot transition from %q to %q", current, status),
			}
		}

		now := formatTime(time.Now())
		if status == ResearchCompleted {
			_, err = tx.ExecContext(ctx, `
				UPDATE research_sessions
				SET status = ?, progress = 1.0, completed_at = ?, updated_at = ?
				WHERE id = ?
			`, status, now, now, id)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE research_sessions SET status = ?, updated_at = ? WHERE id = ?
			`, status, now, id)
		}
		if err != nil {
			return fmt.Errorf("updating research status: %w", err)
		}

		s.logger.Debug("research status transition", "id", id, "from", current, "to", status)
		return nil
	})
}

// CancelResearch cancels a pending or running session. Terminal sessions
// cannot be cancelled; the state machine rejects the transition.
func (s *SQLiteStore) CancelResearch(ctx context.Context, id string) error {
	return s.UpdateResearchStatus(ctx, id, ResearchCancelled)
}

// UpdateResearchProgress records progress and the findings/sources gathered
// so far.
func (s *SQLiteStore) UpdateResearchProgress(ctx context.Context, id string, progress float64, findings []string, sources []Source) error {
	if progress < 0 || progress > 1 {
		return &ValidationError{Field: "progress", Reason: "must be between 0 and 1"}
	}

	findingsJSON, err := marshalJSON(findings)
	if err != nil {
		return err
	}
	sourcesJSON, err := marshalJSON(sources)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE research_sessions
		SET progress = ?, key_findings = ?, sources = ?, updated_at = ?
		WHERE id = ?
	`, progress, findingsJSON, sourcesJSON, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating research progress: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddResearchStep appends a step and bumps the session updated_at in the
// same transaction. Duplicate step numbers return ErrConflict.
func (s *SQLiteStore) AddResearchStep(ctx context.Context, step *ResearchStep) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}

	sources, err := marshalJSON(step.Sources)
	if err != nil {
		return err
	}

	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		// The bump doubles as the existence check: zero rows means there is
		// no session to append to.
		bumped, err := tx.ExecContext(ctx,
			`UPDATE research_sessions SET updated_at = ? WHERE id = ?`,
			formatTime(step.CreatedAt), step.SessionID)
		if err != nil {
			return fmt.Errorf("bumping research session: %w", err)
		}
		if n, _ := bumped.RowsAffected(); n == 0 {
			return fmt.Errorf("research session %s: %w", step.SessionID, ErrNotFound)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO research_steps (session_id, step_number, query, summary, sources, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			step.SessionID,
			step.StepNumber,
			step.Query,
			nullString(step.Summary),
			sources,
			formatTime(step.CreatedAt),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("step %d of session %s: %w", step.StepNumber, step.SessionID, ErrConflict)
			}
			return fmt.Errorf("inserting research step: %w", err)
		}
		if id, err := result.LastInsertId(); err == nil {
			step.ID = id
		}
		return nil
	})
}
