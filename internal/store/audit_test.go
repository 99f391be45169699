// ABOUTME: Tests for the append-only audit log
// ABOUTME: Audit rows survive deletion of the acting account

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AppendAudit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, store, "alice", RoleUser)

	entry := &AuditEntry{
		UserID:     &u.ID,
		Action:     "user.login",
		TargetType: "user",
		TargetID:   "1",
		Details:    map[string]string{"ip": "10.0.0.1"},
	}
	require.NoError(t, store.AppendAudit(ctx, entry))
	assert.NotZero(t, entry.ID)

	// System events carry no actor.
	require.NoError(t, store.AppendAudit(ctx, &AuditEntry{Action: "system.startup"}))

	var verr *ValidationError
	err := store.AppendAudit(ctx, &AuditEntry{})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "action", verr.Field)
}

func TestStore_ListAudit_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	alice := mustCreateUser(t, store, "alice", RoleUser)
	bob := mustCreateUser(t, store, "bob", RoleUser)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendAudit(ctx, &AuditEntry{
		UserID: &alice.ID, Action: "user.login", Timestamp: base,
	}))
	require.NoError(t, store.AppendAudit(ctx, &AuditEntry{
		UserID: &bob.ID, Action: "user.login", Timestamp: base.Add(time.Minute),
	}))
	require.NoError(t, store.AppendAudit(ctx, &AuditEntry{
		UserID: &alice.ID, Action: "canvas.share", Timestamp: base.Add(2 * time.Minute),
	}))

	all, err := store.ListAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "canvas.share", all[0].Action, "newest first")

	byUser, err := store.ListAudit(ctx, AuditFilter{UserID: &alice.ID})
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	byAction, err := store.ListAudit(ctx, AuditFilter{Action: "user.login"})
	require.NoError(t, err)
	assert.Len(t, byAction, 2)

	limited, err := store.ListAudit(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_AuditSurvivesUserDeletion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	mustCreateUser(t, store, "root", RoleAdmin)
	victim := mustCreateUser(t, store, "victim", RoleUser)

	require.NoError(t, store.AppendAudit(ctx, &AuditEntry{
		UserID: &victim.ID, Action: "user.created",
	}))
	require.NoError(t, store.DeleteUser(ctx, victim.ID))

	entries, err := store.ListAudit(ctx, AuditFilter{UserID: &victim.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "user.created", entries[0].Action)
}

func TestStore_DistinctAuditActions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendAudit(ctx, &AuditEntry{Action: "b.second"}))
	require.NoError(t, store.AppendAudit(ctx, &AuditEntry{Action: "a.first"}))
	require.NoError(t, store.AppendAudit(ctx, &AuditEntry{Action: "a.first"}))

	actions, err := store.DistinctAuditActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.first", "b.second"}, actions)
}
