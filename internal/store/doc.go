// Package store provides persistent storage for the atrium platform using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with one
// specialized interface per bounded domain:
//
//   - UserStore: accounts, sequential ID assignment, cascade delete
//   - ConversationStore: sessions and ordered messages
//   - MemoryStore: long-term user memories with upsert semantics
//   - ResearchStore: research sessions with a linear status state machine
//   - MarketplaceStore: listings, reviews, installations
//   - CanvasStore: documents with snapshot-on-change version history
//   - ConnectionStore: external service credentials (encrypted at rest)
//   - AgentStore: custom agents, feedback, usage logs
//   - AuditStore: append-only audit log
//
// SQLiteStore implements all interfaces in a single struct, allowing easy
// composition while maintaining clear interface boundaries. Construct it
// once at process start and pass it by dependency injection; there is no
// package-level singleton.
//
// # Transactional invariants
//
// Multi-statement operations go through RunInTransaction. Four patterns
// recur:
//
//   - Guarded counter: Install/Uninstall only move the downloads counter
//     when the installation row was actually inserted or deleted.
//   - Recomputed aggregate: AddReview/DeleteReview refresh rating_avg and
//     rating_count from the review rows inside the same transaction.
//   - Snapshot then bump: UpdateDocument writes the previous content into
//     canvas_versions before incrementing the version counter, and only
//     when content actually changed.
//   - Serialized ID assignment: CreateUser advances a counter row whose
//     UPDATE takes the write lock, so concurrent creates cannot race on
//     the next numeric ID.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrConflict: a uniqueness constraint was violated
//   - ErrLastAdmin: the operation would remove the last active admin
//   - ValidationError: caller-supplied bad input
//
// Transient connection-level failures can be retried with WithRetry; all
// methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewSQLiteStore(":memory:", cipher) for tests with real SQLite.
package store
