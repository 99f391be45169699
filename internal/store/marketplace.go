// ABOUTME: Marketplace agent, review, and installation entities and store methods
// ABOUTME: Downloads are a guarded counter; ratings are a recomputed aggregate

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Marketplace listing statuses.
const (
	MarketplacePending   = "pending"
	MarketplaceApproved  = "approved"
	MarketplaceRejected  = "rejected"
	MarketplaceSuspended = "suspended"
)

var validMarketplaceStatuses = map[string]bool{
	MarketplacePending:   true,
	MarketplaceApproved:  true,
	MarketplaceRejected:  true,
	MarketplaceSuspended: true,
}

// Marketplace sort keys.
const (
	SortDownloads = "downloads"
	SortRating    = "rating"
	SortNewest    = "newest"
)

// MarketplaceAgent is a published agent listing.
type MarketplaceAgent struct {
	ID          string
	AuthorID    int64
	Title       string
	Description string
	Category    string
	Tags        []string
	Price       float64
	IsFree      bool
	IsFeatured  bool
	IsVerified  bool
	Downloads   int
	RatingAvg   float64
	RatingCount int
	Status      string
	PublishedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AgentReview is one user's review of a listing; one row per
// (marketplace, user), upserted on conflict.
type AgentReview struct {
	ID            int64
	MarketplaceID string
	UserID        int64
	Rating        int
	Comment       string
	CreatedAt     time.Time
}

// PublishParams are the caller-supplied fields for a new listing.
type PublishParams struct {
	AuthorID    int64
	Title       string
	Description string
	Category    string
	Tags        []string
	Price       float64
}

// UpdateMarketplaceParams carries the author-editable listing fields. Nil
// pointers leave the current value in place. Moderation state, counters,
// and aggregates are not reachable from here.
type UpdateMarketplaceParams struct {
	Title       *string
	Description *string
	Category    *string
	Tags        *[]string
	Price       *float64
}

// MarketplaceFilter narrows List results. The zero value lists approved
// agents with the default sort (featured, downloads, rating, all
// descending).
type MarketplaceFilter struct {
	Category     string
	Status       string // default approved; privileged callers may pass any status or "all"
	FeaturedOnly bool
	Search       string // case-insensitive substring on title/description
	Sort         string // downloads | rating | newest
	Limit        int
	Offset       int
}

// MarketplaceStore defines marketplace persistence.
type MarketplaceStore interface {
	Publish(ctx context.Context, params PublishParams) (*MarketplaceAgent, error)
	GetMarketplaceAgent(ctx context.Context, id string) (*MarketplaceAgent, error)
	UpdateMarketplaceAgent(ctx context.Context, id string, params UpdateMarketplaceParams) error
	ListMarketplace(ctx context.Context, filter MarketplaceFilter) ([]*MarketplaceAgent, error)
	SetMarketplaceStatus(ctx context.Context, id, status string) error
	DeleteMarketplaceAgent(ctx context.Context, id string) error
	Install(ctx context.Context, marketplaceID string, userID int64) error
	Uninstall(ctx context.Context, marketplaceID string, userID int64) error
	ListInstalled(ctx context.Context, userID int64) ([]*MarketplaceAgent, error)
	AddReview(ctx context.Context, review *AgentReview) error
	ListReviews(ctx context.Context, marketplaceID string, limit int) ([]*AgentReview, error)
	DeleteReview(ctx context.Context, marketplaceID string, userID int64) error
}

var _ MarketplaceStore = (*SQLiteStore)(nil)

// Publish inserts a new listing in pending status. is_free is derived from
// the price, never supplied by the caller. Returns the row as persisted.
func (s *SQLiteStore) Publish(ctx context.Context, params PublishParams) (*MarketplaceAgent, error) {
	if params.Title == "" {
		return nil, &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if params.Price < 0 {
		return nil, &ValidationError{Field: "price", Reason: "must not be negative"}
	}

	now := time.Now().UTC()
	agent := &MarketplaceAgent{
		ID:          uuid.New().String(),
		AuthorID:    params.AuthorID,
		Title:       params.Title,
		Description: params.Description,
		Category:    params.Category,
		Tags:        params.Tags,
		Price:       params.Price,
		IsFree:      params.Price == 0,
		Status:      MarketplacePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tags, err := marshalJSON(agent.Tags)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_marketplace
			(id, author_id, title, description, category, tags, price, is_free, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		agent.ID,
		agent.AuthorID,
		agent.Title,
		nullString(agent.Description),
		nullString(agent.Category),
		tags,
		agent.Price,
		boolToInt(agent.IsFree),
		agent.Status,
		formatTime(agent.CreatedAt),
		formatTime(agent.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting marketplace agent: %w", err)
	}

	s.logger.Debug("published marketplace agent", "id", agent.ID, "title", agent.Title, "free", agent.IsFree)
	return agent, nil
}

// UpdateMarketplaceAgent applies the author-editable fields of a listing.
// Changing the price re-derives is_free. Returns ErrNotFound if the listing
// does not exist, and leaves the row untouched when no field is set.
func (s *SQLiteStore) UpdateMarketplaceAgent(ctx context.Context, id string, params UpdateMarketplaceParams) error {
	var sets []string
	var args []any

	if params.Title != nil {
		if *params.Title == "" {
			return &ValidationError{Field: "title", Reason: "must not be empty"}
		}
		sets = append(sets, "title = ?")
		args = append(args, *params.Title)
	}
	if params.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullString(*params.Description))
	}
	if params.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, nullString(*params.Category))
	}
	if params.Tags != nil {
		tags, err := marshalJSON(*params.Tags)
		if err != nil {
			return err
		}
		sets = append(sets, "tags = ?")
		args = append(args, tags)
	}
	if params.Price != nil {
		if *params.Price < 0 {
			return &ValidationError{Field: "price", Reason: "must not be negative"}
		}
		sets = append(sets, "price = ?", "is_free = ?")
		args = append(args, *params.Price, boolToInt(*params.Price == 0))
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(time.Now()), id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE agent_marketplace SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating marketplace agent: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const marketplaceColumns = `id, author_id, title, description, category, tags, price,
	is_free, is_featured, is_verified, downloads, rating_avg, rating_count,
	status, published_at, created_at, updated_at`

func scanMarketplaceAgent(row interface{ Scan(...any) error }) (*MarketplaceAgent, error) {
	var a MarketplaceAgent
	var description, category, tags, publishedAt sql.NullString
	var free, featured, verified int
	var createdAt, updatedAt string

	err := row.Scan(&a.ID, &a.AuthorID, &a.Title, &description, &category, &tags, &a.Price,
		&free, &featured, &verified, &a.Downloads, &a.RatingAvg, &a.RatingCount,
		&a.Status, &publishedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning marketplace agent: %w", err)
	}

	a.Description = description.String
	a.Category = category.String
	unmarshalJSON(tags, &a.Tags)
	a.IsFree = free != 0
	a.IsFeatured = featured != 0
	a.IsVerified = verified != 0
	a.PublishedAt = parseNullTime(publishedAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// GetMarketplaceAgent retrieves one listing by ID.
func (s *SQLiteStore) GetMarketplaceAgent(ctx context.Context, id string) (*MarketplaceAgent, error) {
	stmt, err := s.stmts.get(ctx, `SELECT `+marketplaceColumns+` FROM agent_marketplace WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("preparing marketplace query: %w", err)
	}
	return scanMarketplaceAgent(stmt.QueryRowContext(ctx, id))
}

// ListMarketplace returns listings matching the filter. Status defaults to
// approved; pass "all" to skip status filtering (privileged callers only).
// A search without an explicit limit uses a larger default page so "search
// everything reasonable" works without an unbounded scan.
func (s *SQLiteStore) ListMarketplace(ctx context.Context, filter MarketplaceFilter) ([]*MarketplaceAgent, error) {
	var conds []string
	var args []any

	status := filter.Status
	if status == "" {
		status = MarketplaceApproved
	}
	if status != "all" {
		if !validMarketplaceStatuses[status] {
			return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
		}
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if filter.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.FeaturedOnly {
		conds = append(conds, "is_featured = 1")
	}
	if filter.Search != "" {
		conds = append(conds, "(LOWER(title) LIKE ? OR LOWER(description) LIKE ?)")
		pattern := "%" + strings.ToLower(filter.Search) + "%"
		args = append(args, pattern, pattern)
	}

	var order string
	switch filter.Sort {
	case SortDownloads:
		order = "downloads DESC, created_at DESC"
	case SortRating:
		order = "rating_avg DESC, rating_count DESC"
	case SortNewest:
		order = "created_at DESC"
	case "":
		order = "is_featured DESC, downloads DESC, rating_avg DESC"
	default:
		return nil, &ValidationError{Field: "sort", Reason: fmt.Sprintf("unknown sort key %q", filter.Sort)}
	}

	limit := filter.Limit
	if limit <= 0 {
		if filter.Search != "" {
			limit = 100
		} else {
			limit = 20
		}
	}
	if limit > 500 {
		limit = 500
	}

	query := `SELECT ` + marketplaceColumns + ` FROM agent_marketplace`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying marketplace: %w", err)
	}
	defer rows.Close()

	var agents []*MarketplaceAgent
	for rows.Next() {
		a, err := scanMarketplaceAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating marketplace rows: %w", err)
	}
	return agents, nil
}

// SetMarketplaceStatus moves a listing between moderation states. Approval
// stamps published_at (first approval only).
func (s *SQLiteStore) SetMarketplaceStatus(ctx context.Context, id, status string) error {
	if !validMarketplaceStatuses[status] {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}

	now := formatTime(time.Now())
	var result sql.Result
	var err error
	if status == MarketplaceApproved {
		result, err = s.db.ExecContext(ctx, `
			UPDATE agent_marketplace
			SET status = ?, published_at = COALESCE(published_at, ?), updated_at = ?
			WHERE id = ?
		`, status, now, now, id)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE agent_marketplace SET status = ?, updated_at = ? WHERE id = ?
		`, status, now, id)
	}
	if err != nil {
		return fmt.Errorf("updating marketplace status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMarketplaceAgent removes a listing with its reviews and
// installations in one transaction.
func (s *SQLiteStore) DeleteMarketplaceAgent(ctx context.Context, id string) error {
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM agent_reviews WHERE marketplace_id = ?`, id); err != nil {
			return fmt.Errorf("deleting reviews: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM agent_installations WHERE marketplace_id = ?`, id); err != nil {
			return fmt.Errorf("deleting installations: %w", err)
		}
		result, err := tx.ExecContext(ctx,
			`DELETE FROM agent_marketplace WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting marketplace agent: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Install records an installation and bumps the downloads counter as one
// atomic unit. The increment is conditioned on the INSERT OR IGNORE having
// actually added a row, so re-installing is a no-op for the counter.
func (s *SQLiteStore) Install(ctx context.Context, marketplaceID string, userID int64) error {
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM agent_marketplace WHERE id = ?`, marketplaceID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("marketplace agent %s: %w", marketplaceID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("checking marketplace agent: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO agent_installations (marketplace_id, user_id, installed_at)
			VALUES (?, ?, ?)
		`, marketplaceID, userID, formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("inserting installation: %w", err)
		}

		added, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if added == 0 {
			// Already installed; the counter must not move.
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE agent_marketplace
			SET downloads = downloads + 1, updated_at = ?
			WHERE id = ?
		`, formatTime(time.Now()), marketplaceID)
		if err != nil {
			return fmt.Errorf("incrementing downloads: %w", err)
		}

		s.logger.Debug("installed marketplace agent", "marketplace_id", marketplaceID, "user_id", userID)
		return nil
	})
}

// Uninstall is the mirror of Install: the decrement (floored at zero) only
// happens if an installation row was actually deleted.
func (s *SQLiteStore) Uninstall(ctx context.Context, marketplaceID string, userID int64) error {
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM agent_installations WHERE marketplace_id = ? AND user_id = ?`,
			marketplaceID, userID)
		if err != nil {
			return fmt.Errorf("deleting installation: %w", err)
		}

		removed, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if removed == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE agent_marketplace
			SET downloads = CASE WHEN downloads > 0 THEN downloads - 1 ELSE 0 END,
			    updated_at = ?
			WHERE id = ?
		`, formatTime(time.Now()), marketplaceID)
		if err != nil {
			return fmt.Errorf("decrementing downloads: %w", err)
		}

		s.logger.Debug("uninstalled marketplace agent", "marketplace_id", marketplaceID, "user_id", userID)
		return nil
	})
}

// ListInstalled returns the listings a user has installed, most recent
// installation first. The installation row is the source of truth.
func (s *SQLiteStore) ListInstalled(ctx context.Context, userID int64) ([]*MarketplaceAgent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+marketplaceColumns+`
		FROM agent_marketplace
		WHERE id IN (SELECT marketplace_id FROM agent_installations WHERE user_id = ?)
		ORDER BY (SELECT installed_at FROM agent_installations
		          WHERE marketplace_id = agent_marketplace.id AND user_id = ?) DESC
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying installed agents: %w", err)
	}
	defer rows.Close()

	var agents []*MarketplaceAgent
	for rows.Next() {
		a, err := scanMarketplaceAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating installed rows: %w", err)
	}
	return agents, nil
}

// AddReview upserts the review by (marketplace, user), then recomputes
// rating_avg/rating_count from scratch over all reviews in the same
// transaction. The aggregate is never adjusted piecewise, so concurrent
// reviews converge to the correct value regardless of interleaving.
func (s *SQLiteStore) AddReview(ctx context.Context, review *AgentReview) error {
	if review.Rating < 1 || review.Rating > 5 {
		return &ValidationError{Field: "rating", Reason: "must be between 1 and 5"}
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now().UTC()
	}

	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM agent_marketplace WHERE id = ?`, review.MarketplaceID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("marketplace agent %s: %w", review.MarketplaceID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("checking marketplace agent: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO agent_reviews (marketplace_id, user_id, rating, comment, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (marketplace_id, user_id) DO UPDATE SET
				rating = excluded.rating,
				comment = excluded.comment
		`,
			review.MarketplaceID,
			review.UserID,
			review.Rating,
			nullString(review.Comment),
			formatTime(review.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("upserting review: %w", err)
		}

		return recomputeRating(ctx, tx, review.MarketplaceID)
	})
}

// ListReviews returns reviews for a listing, newest first.
func (s *SQLiteStore) ListReviews(ctx context.Context, marketplaceID string, limit int) ([]*AgentReview, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, marketplace_id, user_id, rating, comment, created_at
		FROM agent_reviews
		WHERE marketplace_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, marketplaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*AgentReview
	for rows.Next() {
		var r AgentReview
		var comment sql.NullString
		var createdAt string
		if err := rows.Scan(&r.ID, &r.MarketplaceID, &r.UserID, &r.Rating, &comment, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning review: %w", err)
		}
		r.Comment = comment.String
		r.CreatedAt = parseTime(createdAt)
		reviews = append(reviews, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating review rows: %w", err)
	}
	return reviews, nil
}

// DeleteReview removes one user's review and recomputes the aggregate in
// the same transaction.
func (s *SQLiteStore) DeleteReview(ctx context.Context, marketplaceID string, userID int64) error {
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM agent_reviews WHERE marketplace_id = ? AND user_id = ?`,
			marketplaceID, userID)
		if err != nil {
			return fmt.Errorf("deleting review: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return recomputeRating(ctx, tx, marketplaceID)
	})
}

// recomputeRating refreshes the stored aggregate from the review rows.
// AVG over zero rows is NULL, hence the COALESCE to an explicit zero.
func recomputeRating(ctx context.Context, tx *sql.Tx, marketplaceID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE agent_marketplace
		SET rating_avg = (SELECT COALESCE(AVG(rating), 0) FROM agent_reviews WHERE marketplace_id = ?),
		    rating_count = (SELECT COUNT(*) FROM agent_reviews WHERE marketplace_id = ?),
		    updated_at = ?
		WHERE id = ?
	`, marketplaceID, marketplaceID, formatTime(time.Now()), marketplaceID)
	if err != nil {
		return fmt.Errorf("recomputing rating aggregate: %w", err)
	}
	return nil
}
