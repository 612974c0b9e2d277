package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/persona_go_server/internal/model"
	"github.com/qs3c/persona_go_server/internal/testutil"
)

func TestPersonaRepository_Create_AssignsUUID(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewPersonaRepository(db)
	ctx := context.Background()
	account := testutil.TestAccount(t, db)

	persona := &model.Persona{AccountID: account.ID, Name: "Aoi", IsActive: true}
	require.NoError(t, repo.Create(ctx, persona))
	assert.Len(t, persona.ID, 36)

	found, err := repo.GetByID(ctx, persona.ID)
	require.NoError(t, err)
	assert.Equal(t, "Aoi", found.Name)
	assert.True(t, found.IsActive)
	assert.False(t, found.LineConfigured())
}

func TestPersonaRepository_GetOwned(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewPersonaRepository(db)
	ctx := context.Background()

	owner := testutil.TestAccount(t, db)
	other := testutil.TestAccount(t, db)
	persona := testutil.TestPersona(t, db, owner.ID)

	found, err := repo.GetOwned(ctx, persona.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, persona.ID, found.ID)

	_, err = repo.GetOwned(ctx, persona.ID, other.ID)
	assert.Error(t, err)
}

func TestPersonaRepository_InactiveAndSuspended(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewPersonaRepository(db)
	ctx := context.Background()
	account := testutil.TestAccount(t, db)

	inactive := testutil.TestPersona(t, db, account.ID, testutil.WithInactive())
	found, err := repo.GetByID(ctx, inactive.ID)
	require.NoError(t, err)
	assert.False(t, found.IsActive)

	active := testutil.TestPersona(t, db, account.ID)
	require.NoError(t, repo.SetSuspended(ctx, active.ID, true))
	found, err = repo.GetByID(ctx, active.ID)
	require.NoError(t, err)
	assert.True(t, found.IsSuspended)

	list, err := repo.ListByAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
