package repository

import (
	"context"
	"errors"

	"twofa-service/internal/models"
)

var (
	ErrNotFound        = errors.New("2fa account not found")
	ErrAlreadyExists   = errors.New("2fa account already exists")
	ErrVersionConflict = errors.New("2fa account was modified concurrently")
)

// AccountRepository stores one TwoFactorAccount per key. Update succeeds only
// when the stored version equals expectedVersion, and bumps the version.
type AccountRepository interface {
	Get(ctx context.Context, key models.AccountKey) (*models.TwoFactorAccount, error)
	Create(ctx context.Context, acct *models.TwoFactorAccount) error
	Update(ctx context.Context, acct *models.TwoFactorAccount, expectedVersion int64) error
	HealthCheck(ctx context.Context) error
}
