// ABOUTME: Custom agent, feedback, and usage log entities and store methods
// ABOUTME: Custom agents are reparented to NULL, not deleted, when their owner goes

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CustomAgent is a user-defined agent configuration. UserID is nil for
// agents whose owner was deleted.
type CustomAgent struct {
	ID           string
	UserID       *int64
	Name         string
	SystemPrompt string
	Keywords     []string
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AgentFeedback is one user's feedback on an agent interaction.
type AgentFeedback struct {
	ID        int64
	UserID    int64
	AgentID   string
	SessionID string
	Rating    int
	Comment   string
	Tags      []string
	CreatedAt time.Time
}

// AgentUsageLog records one agent invocation for analytics.
type AgentUsageLog struct {
	ID         int64
	UserID     int64
	AgentID    string
	TokensUsed int
	LatencyMS  int
	Success    bool
	Timestamp  time.Time
}

// AgentUsageStats is the per-agent aggregate over usage logs.
type AgentUsageStats struct {
	AgentID      string
	Invocations  int
	TotalTokens  int
	AvgLatencyMS float64
	SuccessRate  float64
}

// AgentStore defines custom agent, feedback, and usage persistence.
type AgentStore interface {
	CreateCustomAgent(ctx context.Context, agent *CustomAgent) error
	GetCustomAgent(ctx context.Context, id string) (*CustomAgent, error)
	ListCustomAgents(ctx context.Context, userID int64) ([]*CustomAgent, error)
	UpdateCustomAgent(ctx context.Context, agent *CustomAgent) error
	DeleteCustomAgent(ctx context.Context, id string) error
	AddFeedback(ctx context.Context, fb *AgentFeedback) error
	ListFeedback(ctx context.Context, agentID string, limit int) ([]*AgentFeedback, error)
	LogAgentUsage(ctx context.Context, entry *AgentUsageLog) error
	GetAgentUsageStats(ctx context.Context, agentID string) (*AgentUsageStats, error)
}

var _ AgentStore = (*SQLiteStore)(nil)

// CreateCustomAgent creates a custom agent definition.
func (s *SQLiteStore) CreateCustomAgent(ctx context.Context, agent *CustomAgent) error {
	if agent.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	keywords, err := marshalJSON(agent.Keywords)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO custom_agents (id, user_id, name, system_prompt, keywords, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		agent.ID,
		agent.UserID,
		agent.Name,
		agent.SystemPrompt,
		keywords,
		boolToInt(agent.Enabled),
		formatTime(agent.CreatedAt),
		formatTime(agent.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting custom agent: %w", err)
	}
	return nil
}

const customAgentColumns = `id, user_id, name, system_prompt, keywords, enabled, created_at, updated_at`

func scanCustomAgent(row interface{ Scan(...any) error }) (*CustomAgent, error) {
	var a CustomAgent
	var userID sql.NullInt64
	var keywords sql.NullString
	var enabled int
	var createdAt, updatedAt string

	err := row.Scan(&a.ID, &userID, &a.Name, &a.SystemPrompt, &keywords, &enabled, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning custom agent: %w", err)
	}

	if userID.Valid {
		a.UserID = &userID.Int64
	}
	unmarshalJSON(keywords, &a.Keywords)
	a.Enabled = enabled != 0
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// GetCustomAgent retrieves a custom agent by ID.
func (s *SQLiteStore) GetCustomAgent(ctx context.Context, id string) (*CustomAgent, error) {
	return scanCustomAgent(s.db.QueryRowContext(ctx,
		`SELECT `+customAgentColumns+` FROM custom_agents WHERE id = ?`, id))
}

// ListCustomAgents returns a user's custom agents by name.
func (s *SQLiteStore) ListCustomAgents(ctx context.Context, userID int64) ([]*CustomAgent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+customAgentColumns+` FROM custom_agents WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying custom agents: %w", err)
	}
	defer rows.Close()

	var agents []*CustomAgent
	for rows.Next() {
		a, err := scanCustomAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating custom agent rows: %w", err)
	}
	return agents, nil
}

// UpdateCustomAgent updates name, prompt, keywords, and enabled state.
func (s *SQLiteStore) UpdateCustomAgent(ctx context.Context, agent *CustomAgent) error {
	keywords, err := marshalJSON(agent.Keywords)
	if err != nil {
		return err
	}
	agent.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE custom_agents
		SET name = ?, system_prompt = ?, keywords = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`,
		agent.Name,
		agent.SystemPrompt,
		keywords,
		boolToInt(agent.Enabled),
		formatTime(agent.UpdatedAt),
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("updating custom agent: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCustomAgent removes a custom agent.
func (s *SQLiteStore) DeleteCustomAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM custom_agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting custom agent: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddFeedback records feedback for an agent interaction.
func (s *SQLiteStore) AddFeedback(ctx context.Context, fb *AgentFeedback) error {
	if fb.Rating < 1 || fb.Rating > 5 {
		return &ValidationError{Field: "rating", Reason: "must be between 1 and 5"}
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}

	tags, err := marshalJSON(fb.Tags)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_feedback (user_id, agent_id, session_id, rating, comment, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		fb.UserID,
		fb.AgentID,
		nullString(fb.SessionID),
		fb.Rating,
		nullString(fb.Comment),
		tags,
		formatTime(fb.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting feedback: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		fb.ID = id
	}
	return nil
}

// ListFeedback returns feedback for an agent, newest first.
func (s *SQLiteStore) ListFeedback(ctx context.Context, agentID string, limit int) ([]*AgentFeedback, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, agent_id, session_id, rating, comment, tags, created_at
		FROM agent_feedback
		WHERE agent_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying feedback: %w", err)
	}
	defer rows.Close()

	var feedback []*AgentFeedback
	for rows.Next() {
		var fb AgentFeedback
		var sessionID, comment, tags sql.NullString
		var createdAt string
		if err := rows.Scan(&fb.ID, &fb.UserID, &fb.AgentID, &sessionID,
			&fb.Rating, &comment, &tags, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning feedback: %w", err)
		}
		fb.SessionID = sessionID.String
		fb.Comment = comment.String
		unmarshalJSON(tags, &fb.Tags)
		fb.CreatedAt = parseTime(createdAt)
		feedback = append(feedback, &fb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating feedback rows: %w", err)
	}
	return feedback, nil
}

// LogAgentUsage appends one usage record.
func (s *SQLiteStore) LogAgentUsage(ctx context.Context, entry *AgentUsageLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_usage_logs (user_id, agent_id, tokens_used, latency_ms, success, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.UserID,
		entry.AgentID,
		entry.TokensUsed,
		entry.LatencyMS,
		boolToInt(entry.Success),
		formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting usage log: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// GetAgentUsageStats aggregates usage for one agent. Averages over zero
// rows come back as explicit zeros, not NULLs.
func (s *SQLiteStore) GetAgentUsageStats(ctx context.Context, agentID string) (*AgentUsageStats, error) {
	stats := &AgentUsageStats{AgentID: agentID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(tokens_used), 0),
		       COALESCE(AVG(latency_ms), 0),
		       COALESCE(AVG(success), 0)
		FROM agent_usage_logs
		WHERE agent_id = ?
	`, agentID).Scan(&stats.Invocations, &stats.TotalTokens, &stats.AvgLatencyMS, &stats.SuccessRate)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	return stats, nil
}
