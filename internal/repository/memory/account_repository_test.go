package memory

import (
	"context"
	"testing"
	"time"

	"twofa-service/internal/models"
	"twofa-service/internal/repository"

	"github.com/stretchr/testify/require"
)

func TestCreateGetUpdate(t *testing.T) {
	repo := NewAccountRepository()
	ctx := context.Background()
	key := models.AccountKey{AccountID: "p-1", AccountClass: models.AccountClassPatient}

	_, err := repo.Get(ctx, key)
	require.ErrorIs(t, err, repository.ErrNotFound)

	acct := models.NewTwoFactorAccount(key, time.Now())
	require.NoError(t, repo.Create(ctx, acct))
	require.Equal(t, int64(1), acct.Version)
	require.ErrorIs(t, repo.Create(ctx, acct), repository.ErrAlreadyExists)

	loaded, err := repo.Get(ctx, key)
	require.NoError(t, err)
	loaded.Enabled = true
	require.NoError(t, repo.Update(ctx, loaded, 1))
	require.Equal(t, int64(2), loaded.Version)

	again, err := repo.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, again.Enabled)
}

func TestUpdateRejectsStaleVersion(t *testing.T) {
	repo := NewAccountRepository()
	ctx := context.Background()
	key := models.AccountKey{AccountID: "n-1", AccountClass: models.AccountClassNurse}
	require.NoError(t, repo.Create(ctx, models.NewTwoFactorAccount(key, time.Now())))

	a, err := repo.Get(ctx, key)
	require.NoError(t, err)
	b, err := repo.Get(ctx, key)
	require.NoError(t, err)

	require.NoError(t, repo.Update(ctx, a, a.Version))
	require.ErrorIs(t, repo.Update(ctx, b, b.Version), repository.ErrVersionConflict)
}

func TestStoredRecordIsIsolated(t *testing.T) {
	repo := NewAccountRepository()
	ctx := context.Background()
	key := models.AccountKey{AccountID: "s-1", AccountClass: models.AccountClassStaff}
	require.NoError(t, repo.Create(ctx, models.NewTwoFactorAccount(key, time.Now())))

	a, err := repo.Get(ctx, key)
	require.NoError(t, err)
	a.SecurityLog = append(a.SecurityLog, models.SecurityLogEntry{Action: "x"})

	b, err := repo.Get(ctx, key)
	require.NoError(t, err)
	require.Empty(t, b.SecurityLog)
}
