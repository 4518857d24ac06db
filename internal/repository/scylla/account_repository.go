package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"twofa-service/internal/bucketing"
	"twofa-service/internal/models"
	"twofa-service/internal/repository"
	"twofa-service/internal/util"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
)

// AccountRepository stores each record as a JSON document in one row,
// partitioned by a murmur3 bucket of the account key. Writes are
// lightweight transactions guarded on the version column.
type AccountRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewAccountRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *AccountRepository {
	return &AccountRepository{client: client, buckets: buckets}
}

func (r *AccountRepository) Get(ctx context.Context, key models.AccountKey) (*models.TwoFactorAccount, error) {
	k := key.String()
	var (
		document []byte
		version  int64
	)
	q := r.client.Query(ctx, r.client.Statements.GetAccount, r.buckets.GetAccountBucket(k), k)
	if err := r.client.ScanWithRetry(ctx, q, &document, &version); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to load 2fa account", util.Account(k), zap.Error(err))
		return nil, fmt.Errorf("failed to load 2fa account: %w", err)
	}

	var acct models.TwoFactorAccount
	if err := json.Unmarshal(document, &acct); err != nil {
		return nil, fmt.Errorf("failed to decode 2fa account %s: %w", k, err)
	}
	acct.Version = version
	return &acct, nil
}

func (r *AccountRepository) Create(ctx context.Context, acct *models.TwoFactorAccount) error {
	k := acct.Key().String()
	acct.Version = 1
	document, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("failed to encode 2fa account: %w", err)
	}

	now := time.Now().UTC()
	q := r.client.Query(ctx, r.client.Statements.CreateAccount,
		r.buckets.GetAccountBucket(k), k, acct.AccountID, string(acct.AccountClass),
		document, acct.Version, now, now)

	applied, err := q.MapScanCAS(map[string]interface{}{})
	if err != nil {
		acct.Version = 0
		util.Error("Failed to create 2fa account", util.Account(k), zap.Error(err))
		return fmt.Errorf("failed to create 2fa account: %w", err)
	}
	if !applied {
		acct.Version = 0
		return repository.ErrAlreadyExists
	}
	return nil
}

func (r *AccountRepository) Update(ctx context.Context, acct *models.TwoFactorAccount, expectedVersion int64) error {
	k := acct.Key().String()
	next := *acct
	next.Version = expectedVersion + 1
	document, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to encode 2fa account: %w", err)
	}

	q := r.client.Query(ctx, r.client.Statements.UpdateAccount,
		document, next.Version, time.Now().UTC(),
		r.buckets.GetAccountBucket(k), k, expectedVersion)

	existing := map[string]interface{}{}
	applied, err := q.MapScanCAS(existing)
	if err != nil {
		util.Error("Failed to update 2fa account", util.Account(k), zap.Error(err))
		return fmt.Errorf("failed to update 2fa account: %w", err)
	}
	if !applied {
		if _, ok := existing["version"]; !ok {
			return repository.ErrNotFound
		}
		util.Debug("2fa account version conflict", util.Account(k),
			zap.Int64("expected", expectedVersion), zap.Any("stored", existing["version"]))
		return repository.ErrVersionConflict
	}

	acct.Version = next.Version
	return nil
}

func (r *AccountRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
