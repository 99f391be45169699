// ABOUTME: Shared test fixtures for the store package
// ABOUTME: Includes transaction and sequential-ID concurrency coverage

package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/atrium/internal/secrets"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	cipher, err := secrets.NewCipher(secrets.KeySource{
		EncryptionKey: "0123456789abcdef0123456789abcdef",
	})
	require.NoError(t, err)

	store, err := NewSQLiteStore(dbPath, cipher)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// mustCreateUser creates an account or fails the test.
func mustCreateUser(t *testing.T, s *SQLiteStore, username, role string) *User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), username, "hash", role)
	require.NoError(t, err)
	return u
}

func TestStore_SchemaIdempotent(t *testing.T) {
	store := setupTestStore(t)

	// Running schema setup again must be a no-op, not an error.
	require.NoError(t, store.ensureSchema())
	require.NoError(t, store.runMigrations())
}

func TestStore_RunInTransaction_RollsBackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.RunInTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, username, password_hash, role, tier, is_active, created_at, updated_at)
			VALUES (999, 'rollback-me', 'h', 'user', 'free', 1, '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')
		`)
		require.NoError(t, err)
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	_, err = store.GetUser(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RunInTransaction_RollsBackOnPanic(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.Panics(t, func() {
		_ = store.RunInTransaction(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO users (id, username, password_hash, role, tier, is_active, created_at, updated_at)
				VALUES (998, 'panic-me', 'h', 'user', 'free', 1, '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')
			`)
			require.NoError(t, err)
			panic("boom")
		})
	})

	_, err := store.GetUser(ctx, 998)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ConcurrentUserCreation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	ids := make(chan int64, n)
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := store.CreateUser(ctx, fmt.Sprintf("user-%d", i), "hash", RoleUser)
			if err != nil {
				errs <- err
				return
			}
			ids <- u.ID
		}(i)
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate ID %d assigned", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestStore_OpenInvalidCipher(t *testing.T) {
	_, err := NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"), nil)
	require.Error(t, err)
}
