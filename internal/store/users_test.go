// ABOUTME: Tests for account CRUD, last-admin protection, and cascade delete
// ABOUTME: Also covers sequential ID assignment and admin seeding

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateUser(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, "alice", "hash-1", RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, RoleAdmin, u.Role)
	assert.Equal(t, "free", u.Tier)
	assert.True(t, u.IsActive)

	// IDs are sequential
	u2, err := store.CreateUser(ctx, "bob", "hash-2", RoleUser)
	require.NoError(t, err)
	assert.Equal(t, int64(2), u2.ID)
}

func TestStore_CreateUser_DuplicateUsername(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	mustCreateUser(t, store, "alice", RoleUser)
	_, err := store.CreateUser(ctx, "alice", "hash", RoleUser)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStore_CreateUser_Validation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, "", "hash", RoleUser)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "username", verr.Field)

	_, err = store.CreateUser(ctx, "carol", "hash", "superuser")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "role", verr.Field)
}

func TestStore_CreateUser_DefaultRole(t *testing.T) {
	store := setupTestStore(t)

	u, err := store.CreateUser(context.Background(), "dave", "hash", "")
	require.NoError(t, err)
	assert.Equal(t, RoleUser, u.Role)
}

func TestStore_GetUserByUsername(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created := mustCreateUser(t, store, "alice", RoleUser)

	u, err := store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, u.ID)

	_, err = store.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateUser(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, store, "alice", RoleUser)

	tier := "pro"
	require.NoError(t, store.UpdateUser(ctx, u.ID, UpdateUserParams{Tier: &tier}))

	got, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "pro", got.Tier)
	assert.Equal(t, RoleUser, got.Role, "unset fields keep their value")
}

func TestStore_UpdateUser_LastAdminDemotion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	admin := mustCreateUser(t, store, "root", RoleAdmin)

	role := RoleUser
	err := store.UpdateUser(ctx, admin.ID, UpdateUserParams{Role: &role})
	assert.ErrorIs(t, err, ErrLastAdmin)

	inactive := false
	err = store.UpdateUser(ctx, admin.ID, UpdateUserParams{IsActive: &inactive})
	assert.ErrorIs(t, err, ErrLastAdmin)

	// With a second admin present the demotion goes through.
	mustCreateUser(t, store, "root2", RoleAdmin)
	require.NoError(t, store.UpdateUser(ctx, admin.ID, UpdateUserParams{Role: &role}))

	got, err := store.GetUser(ctx, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, got.Role)
}

func TestStore_UpdateLastLogin(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, store, "alice", RoleUser)
	require.Nil(t, u.LastLogin)

	require.NoError(t, store.UpdateLastLogin(ctx, u.ID))

	got, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLogin)
	assert.WithinDuration(t, time.Now(), *got.LastLogin, 5*time.Second)

	assert.ErrorIs(t, store.UpdateLastLogin(ctx, 12345), ErrNotFound)
}

func TestStore_DeleteUser_LastAdmin(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	admin := mustCreateUser(t, store, "root", RoleAdmin)
	assert.ErrorIs(t, store.DeleteUser(ctx, admin.ID), ErrLastAdmin)

	// Still present
	_, err := store.GetUser(ctx, admin.ID)
	require.NoError(t, err)
}

func TestStore_DeleteUser_Cascade(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	mustCreateUser(t, store, "root", RoleAdmin)
	victim := mustCreateUser(t, store, "victim", RoleUser)
	other := mustCreateUser(t, store, "other", RoleUser)

	// Owned data across domains.
	session := &ConversationSession{UserID: &victim.ID, Title: "chat"}
	require.NoError(t, store.CreateSession(ctx, session))
	require.NoError(t, store.AppendMessage(ctx, &ConversationMessage{
		SessionID: session.ID, Role: "user", Content: "hi",
	}))

	require.NoError(t, store.UpsertMemory(ctx, &UserMemory{
		UserID: victim.ID, Category: MemoryFact, Key: "k", Value: "v", Importance: 0.5,
	}))

	doc := &CanvasDocument{UserID: victim.ID, Title: "notes", Content: "a"}
	require.NoError(t, store.CreateDocument(ctx, doc))

	// An authored listing reviewed and installed by someone else.
	listing, err := store.Publish(ctx, PublishParams{AuthorID: victim.ID, Title: "agent"})
	require.NoError(t, err)
	require.NoError(t, store.Install(ctx, listing.ID, other.ID))
	require.NoError(t, store.AddReview(ctx, &AgentReview{
		MarketplaceID: listing.ID, UserID: other.ID, Rating: 4,
	}))

	require.NoError(t, store.DeleteUser(ctx, victim.ID))

	_, err = store.GetUser(ctx, victim.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetMemory(ctx, victim.ID, MemoryFact, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetMarketplaceAgent(ctx, listing.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// The reviewer's account is untouched.
	_, err = store.GetUser(ctx, other.ID)
	require.NoError(t, err)
	installed, err := store.ListInstalled(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, installed)
}

func TestStore_SeedAdmin(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SeedAdmin(ctx, "admin", "s3cret", false))

	u, err := store.GetUserByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, u.Role)
	assert.NotEqual(t, "s3cret", u.PasswordHash, "password must be stored hashed")

	// Idempotent: a second call does not create another account.
	require.NoError(t, store.SeedAdmin(ctx, "admin2", "s3cret", false))
	_, err = store.GetUserByUsername(ctx, "admin2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SeedAdmin_ProductionRequiresPassword(t *testing.T) {
	store := setupTestStore(t)

	err := store.SeedAdmin(context.Background(), "admin", "", true)
	require.Error(t, err)
}
