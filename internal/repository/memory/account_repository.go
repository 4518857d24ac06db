package memory

import (
	"context"
	"sync"

	"twofa-service/internal/models"
	"twofa-service/internal/repository"
)

// AccountRepository keeps records in process memory. Used in development and
// tests; values are cloned on the way in and out.
type AccountRepository struct {
	mu       sync.RWMutex
	accounts map[string]*models.TwoFactorAccount
}

func NewAccountRepository() *AccountRepository {
	return &AccountRepository{accounts: make(map[string]*models.TwoFactorAccount)}
}

func (r *AccountRepository) Get(_ context.Context, key models.AccountKey) (*models.TwoFactorAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, ok := r.accounts[key.String()]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return acct.Clone(), nil
}

func (r *AccountRepository) Create(_ context.Context, acct *models.TwoFactorAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := acct.Key().String()
	if _, ok := r.accounts[k]; ok {
		return repository.ErrAlreadyExists
	}
	acct.Version = 1
	r.accounts[k] = acct.Clone()
	return nil
}

func (r *AccountRepository) Update(_ context.Context, acct *models.TwoFactorAccount, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := acct.Key().String()
	current, ok := r.accounts[k]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	acct.Version = expectedVersion + 1
	r.accounts[k] = acct.Clone()
	return nil
}

func (r *AccountRepository) HealthCheck(context.Context) error {
	return nil
}
