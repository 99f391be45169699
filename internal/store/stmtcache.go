// ABOUTME: Prepared statement cache keyed by query text
// ABOUTME: Handles are prepared once, reused concurrently, and closed with the store

package store

import (
	"context"
	"database/sql"
	"sync"
)

// stmtCache memoizes prepared statements to avoid repeated compile cost on
// hot read paths. Cached handles are read-only after creation and safe for
// concurrent use; the cache is scoped to one *sql.DB.
type stmtCache struct {
	db    *sql.DB
	mu    sync.Mutex
	stmts map[string]*sql.Stmt
}

func newStmtCache(db *sql.DB) *stmtCache {
	return &stmtCache{
		db:    db,
		stmts: make(map[string]*sql.Stmt),
	}
}

// get returns a prepared statement for query, preparing it on first use.
func (c *stmtCache) get(ctx context.Context, query string) (*sql.Stmt, error) {
	c.mu.Lock()
	stmt, ok := c.stmts[query]
	c.mu.Unlock()
	if ok {
		return stmt, nil
	}

	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have prepared the same query while we did;
	// keep the first one and close ours.
	if existing, ok := c.stmts[query]; ok {
		_ = stmt.Close()
		return existing, nil
	}
	c.stmts[query] = stmt
	return stmt, nil
}

// closeAll closes every cached statement. Called from Store.Close.
func (c *stmtCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for q, stmt := range c.stmts {
		_ = stmt.Close()
		delete(c.stmts, q)
	}
}
