// ABOUTME: Tests for research sessions, steps, and the status state machine
// ABOUTME: Invalid transitions and completion stamping are the key cases

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestResearch(t *testing.T, s *SQLiteStore, userID int64) *ResearchSession {
	t.Helper()
	session := &ResearchSession{
		UserID: userID,
		Topic:  "sqlite internals",
		Depth:  3,
	}
	require.NoError(t, s.CreateResearch(context.Background(), session))
	return session
}

func TestStore_CreateResearch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, store, "alice", RoleUser)
	session := createTestResearch(t, store, u.ID)

	got, err := store.GetResearch(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, ResearchPending, got.Status)
	assert.Equal(t, 3, got.Depth)
	assert.Equal(t, 0.0, got.Progress)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.Steps)

	_, err = store.GetResearch(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	var verr *ValidationError
	err = store.CreateResearch(ctx, &ResearchSession{UserID: u.ID})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "topic", verr.Field)
}

func TestStore_UpdateResearchStatus_Transitions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, store, "alice", RoleUser)

	// pending cannot jump straight to completed.
	session := createTestResearch(t, store, u.ID)
	err := store.UpdateResearchStatus(ctx, session.ID, ResearchCompleted)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// The happy path: pending -> running -> completed.
	require.NoError(t, store.UpdateResearchStatus(ctx, session.ID, ResearchRunning))
	require.NoError(t, store.UpdateResearchStatus(ctx, session.ID, ResearchCompleted))

	got, err := store.GetResearch(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, ResearchCompleted, got.Status)
	assert.Equal(t, 1.0, got.Progress, "completion forces progress to 1.0")
	require.NotNil(t, got.CompletedAt)

	// Terminal states accept no further transitions.
	err = store.UpdateResearchStatus(ctx, session.ID, ResearchRunning)
	require.ErrorAs(t, err, &verr)

	assert.ErrorIs(t, store.UpdateResearchStatus(ctx, "missing", ResearchRunning), ErrNotFound)
}

func TestStore_CancelResearch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, store, "alice", RoleUser)

	// Cancelling is allowed from both pending and running.
	fromPending := createTestResearch(t, store, u.ID)
	require.NoError(t, store.CancelResearch(ctx, fromPending.ID))

	fromRunning := createTestResearch(t, store, u.ID)
	require.NoError(t, store.UpdateResearchStatus(ctx, fromRunning.ID, ResearchRunning))
	require.NoError(t, store.CancelResearch(ctx, fromRunning.ID))

	got, err := store.GetResearch(ctx, fromRunning.ID)
	require.NoError(t, err)
	assert.Equal(t, ResearchCancelled, got.Status)
	assert.Nil(t, got.CompletedAt, "cancellation does not stamp completed_at")

	// Terminal sessions stay cancelled.
	var verr *ValidationError
	require.ErrorAs(t, store.CancelResearch(ctx, fromRunning.ID), &verr)

	assert.ErrorIs(t, store.CancelResearch(ctx, "missing"), ErrNotFound)
}

func TestStore_UpdateResearchProgress(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, store, "alice", RoleUser)
	session := createTestResearch(t, store, u.ID)

	findings := []string{"WAL means readers never block writers"}
	sources := []Source{{URL: "https://sqlite.org/wal.html", Title: "WAL mode"}}
	require.NoError(t, store.UpdateResearchProgress(ctx, session.ID, 0.4, findings, sources))

	got, err := store.GetResearch(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.4, got.Progress)
	assert.Equal(t, findings, got.KeyFindings)
	assert.Equal(t, sources, got.Sources)

	var verr *ValidationError
	err = store.UpdateResearchProgress(ctx, session.ID, 1.5, nil, nil)
	require.ErrorAs(t, err, &verr)

	assert.ErrorIs(t, store.UpdateResearchProgress(ctx, "missing", 0.5, nil, nil), ErrNotFound)
}

func TestStore_AddResearchStep(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, store, "alice", RoleUser)
	session := createTestResearch(t, store, u.ID)

	require.NoError(t, store.AddResearchStep(ctx, &ResearchStep{
		SessionID:  session.ID,
		StepNumber: 1,
		Query:      "sqlite wal mode",
		Summary:    "read the docs",
		Sources:    []Source{{URL: "https://sqlite.org"}},
	}))
	require.NoError(t, store.AddResearchStep(ctx, &ResearchStep{
		SessionID: session.ID, StepNumber: 2, Query: "busy timeout",
	}))

	// Duplicate step numbers conflict.
	err := store.AddResearchStep(ctx, &ResearchStep{
		SessionID: session.ID, StepNumber: 1, Query: "again",
	})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := store.GetResearch(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, 1, got.Steps[0].StepNumber)
	assert.Equal(t, "sqlite wal mode", got.Steps[0].Query)

	err = store.AddResearchStep(ctx, &ResearchStep{SessionID: "missing", StepNumber: 1, Query: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListResearch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, store, "alice", RoleUser)
	createTestResearch(t, store, u.ID)
	createTestResearch(t, store, u.ID)

	sessions, err := store.ListResearch(ctx, u.ID, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
	assert.Empty(t, sessions[0].Steps, "list does not hydrate steps")
}
