package bucketing

import (
	"hash"
	"sync"
	"time"

	"twofa-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads account records and audit events over a fixed
// number of partitions.
type BucketingManager struct {
	accountBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
}

type BucketAssignment struct {
	AccountBucket int    `json:"account_bucket"`
	EventBucket   int    `json:"event_bucket"`
	DateBucket    string `json:"date_bucket"`
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	bm := &BucketingManager{
		accountBuckets: positive(cfg.AccountBuckets, 64),
		eventBuckets:   positive(cfg.EventBuckets, 16),
	}

	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

func positive(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// GetAccountBucket returns a stable bucket in [0, accountBuckets) for a record key.
func (bm *BucketingManager) GetAccountBucket(accountKey string) int {
	return bm.getBucket(accountKey, bm.accountBuckets)
}

// GetEventBucket returns the bucket for security events of an account.
func (bm *BucketingManager) GetEventBucket(accountKey string) int {
	return bm.getBucket(accountKey, bm.eventBuckets)
}

// GetDateBucket returns the UTC day partition for an event time.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) GetBucketAssignment(accountKey string, at time.Time) *BucketAssignment {
	return &BucketAssignment{
		AccountBucket: bm.GetAccountBucket(accountKey),
		EventBucket:   bm.GetEventBucket(accountKey),
		DateBucket:    bm.GetDateBucket(at),
	}
}

func (bm *BucketingManager) AccountBuckets() int {
	return bm.accountBuckets
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
