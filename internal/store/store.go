// ABOUTME: Shared error taxonomy and composite Store interface for atrium persistence
// ABOUTME: Defines ErrNotFound/ErrConflict sentinels and ValidationError for bad input

package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness constraint.
var ErrConflict = errors.New("conflict")

// ErrLastAdmin is returned when an operation would leave the system
// without a single active admin account.
var ErrLastAdmin = errors.New("cannot remove the last admin account")

// ValidationError reports caller-supplied bad input. It is never retried
// and never reaches the database.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Store is the full persistence contract exposed to route handlers.
// SQLiteStore implements all of it in a single struct; the per-domain
// interfaces keep call sites honest about what they actually need.
type Store interface {
	UserStore
	ConversationStore
	MemoryStore
	ResearchStore
	MarketplaceStore
	CanvasStore
	ConnectionStore
	AgentStore
	AuditStore

	// Close releases the statement cache and the database handle.
	Close() error
}
