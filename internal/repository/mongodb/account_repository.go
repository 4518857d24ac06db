package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"twofa-service/internal/config"
	"twofa-service/internal/models"
	"twofa-service/internal/repository"
	"twofa-service/internal/util"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type accountDocument struct {
	ID                      string `bson:"_id"`
	models.TwoFactorAccount `bson:",inline"`
}

// Connect opens a client and verifies it with a ping.
func Connect(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	util.Info("MongoDB client initialized", zap.String("database", cfg.Database))
	return client, nil
}

// AccountRepository stores one document per account keyed by
// "class:id". Updates replace the document only when the version matches.
type AccountRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewAccountRepository(client *mongo.Client, cfg config.MongoConfig) *AccountRepository {
	return &AccountRepository{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
	}
}

// EnsureIndexes adds the secondary lookup index on account id.
func (r *AccountRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "account_class", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create account index: %w", err)
	}
	return nil
}

func (r *AccountRepository) Get(ctx context.Context, key models.AccountKey) (*models.TwoFactorAccount, error) {
	var doc accountDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": key.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to load 2fa account", util.Account(key.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to load 2fa account: %w", err)
	}
	acct := doc.TwoFactorAccount
	return &acct, nil
}

func (r *AccountRepository) Create(ctx context.Context, acct *models.TwoFactorAccount) error {
	k := acct.Key().String()
	acct.Version = 1
	_, err := r.collection.InsertOne(ctx, accountDocument{ID: k, TwoFactorAccount: *acct})
	if err != nil {
		acct.Version = 0
		if mongo.IsDuplicateKeyError(err) {
			return repository.ErrAlreadyExists
		}
		util.Error("Failed to create 2fa account", util.Account(k), zap.Error(err))
		return fmt.Errorf("failed to create 2fa account: %w", err)
	}
	return nil
}

func (r *AccountRepository) Update(ctx context.Context, acct *models.TwoFactorAccount, expectedVersion int64) error {
	k := acct.Key().String()
	next := *acct
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()

	res, err := r.collection.ReplaceOne(ctx,
		bson.M{"_id": k, "version": expectedVersion},
		accountDocument{ID: k, TwoFactorAccount: next})
	if err != nil {
		util.Error("Failed to update 2fa account", util.Account(k), zap.Error(err))
		return fmt.Errorf("failed to update 2fa account: %w", err)
	}
	if res.MatchedCount == 0 {
		n, err := r.collection.CountDocuments(ctx, bson.M{"_id": k})
		if err != nil {
			return fmt.Errorf("failed to update 2fa account: %w", err)
		}
		if n == 0 {
			return repository.ErrNotFound
		}
		return repository.ErrVersionConflict
	}

	acct.Version = next.Version
	acct.UpdatedAt = next.UpdatedAt
	return nil
}

func (r *AccountRepository) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo health check failed: %w", err)
	}
	return nil
}
