package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"twofa-service/internal/audit"
	"twofa-service/internal/auth"
	"twofa-service/internal/bucketing"
	"twofa-service/internal/client"
	"twofa-service/internal/config"
	"twofa-service/internal/encryption"
	"twofa-service/internal/hashing"
	"twofa-service/internal/lock"
	"twofa-service/internal/repository"
	"twofa-service/internal/repository/memory"
	"twofa-service/internal/repository/mongodb"
	redisrepo "twofa-service/internal/repository/redis"
	"twofa-service/internal/repository/scylla"
	"twofa-service/internal/service"
	"twofa-service/internal/tls"
	"twofa-service/internal/twofa"
	"twofa-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	mongoClient      *mongo.Client
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	serviceVerifier   *auth.ServiceVerifier

	accountRepository repository.AccountRepository
	serviceFactory    *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeRepository(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("redis_enabled", factory.redisClient != nil),
	)

	return factory, nil
}

// initializeClients connects the store backend and every enabled optional
// client. The store is required; optional clients may fail outside production.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch f.config.Store.Backend {
	case "scylla":
		c, err := scylla.NewScyllaClient(f.config)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
		util.Info("ScyllaDB client initialized and healthy")
	case "mongo":
		c, err := mongodb.Connect(ctx, f.config.Mongo)
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		f.mongoClient = c
		util.Info("MongoDB client initialized and healthy")
	}

	var initErrors []error

	if f.config.Redis.Enabled {
		if c, err := client.NewRedisClient(f.config.Redis); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			if err := f.esClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() error {
	hasher, err := hashing.NewHasher(f.config.Hashing)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	f.hasher = hasher

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config.KMS, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing)

	verifier, err := auth.NewServiceVerifier(f.config.Auth)
	if err != nil {
		return fmt.Errorf("service auth: %w", err)
	}
	f.serviceVerifier = verifier

	util.Info("Managers initialized successfully",
		util.Int("pepper_version", f.hasher.CurrentPepperVersion()),
		util.Bool("kms_enabled", kmsClient != nil),
		util.Int("account_buckets", f.bucketingManager.AccountBuckets()),
		util.Int("event_buckets", f.bucketingManager.EventBuckets()),
		util.Int("allowed_callers", len(f.config.Auth.AllowedCallers)),
	)
	return nil
}

func (f *Factory) initializeRepository() error {
	switch f.config.Store.Backend {
	case "scylla":
		f.accountRepository = scylla.NewAccountRepository(f.scyllaClient, f.bucketingManager)
	case "mongo":
		repo := mongodb.NewAccountRepository(f.mongoClient, f.config.Mongo)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := repo.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("mongo indexes: %w", err)
		}
		f.accountRepository = repo
	default:
		util.Warn("Using in-memory account store; records are lost on restart")
		f.accountRepository = memory.NewAccountRepository()
	}
	return nil
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		cfg := f.config.TwoFA

		verifier := twofa.NewTOTPVerifier(cfg.TOTPIssuer)
		guard := twofa.NewGuard(f.hasher, twofa.PolicyFromConfig(cfg), twofa.WithMethodVerifier(verifier))

		var limiter service.SendLimiter
		locker := lock.Chain{lock.NewKeyedMutex()}
		if f.redisClient != nil {
			locker = append(locker, redisrepo.NewAccountLock(f.redisClient, f.config.Redis.LockTTL))
		}
		if cfg.SendLimit > 0 {
			if f.redisClient != nil {
				limiter = redisrepo.NewSendLimiter(f.redisClient, cfg.SendLimit, cfg.SendWindow)
			} else {
				limiter = memory.NewSendLimiter(cfg.SendLimit, cfg.SendWindow)
			}
		}

		f.serviceFactory = service.NewServiceFactory(
			f.accountRepository,
			guard,
			locker,
			f.encryptionManager,
			verifier,
			f.auditDispatcher(),
			limiter,
			cfg.ResendCooldown,
			util.Get(),
		)
	}
	return f.serviceFactory
}

func (f *Factory) auditDispatcher() *audit.Dispatcher {
	sinks := []audit.Sink{audit.NewLogSink(util.Get())}

	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.Topic))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.Index))
	}
	if f.clickhouseClient != nil {
		sink := audit.NewClickHouseSink(f.clickhouseClient, f.config.Clickhouse.Table)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sink.EnsureTable(ctx); err != nil {
			util.Error("Failed to create ClickHouse security events table - sink disabled", util.ErrorField(err))
		} else {
			sinks = append(sinks, sink)
		}
	}

	d := audit.NewDispatcher(f.bucketingManager, f.config.TwoFA.AuditTimeout, sinks...)
	util.Info("Audit dispatcher initialized", util.Any("sinks", d.Sinks()))
	return d
}

// ==============================
// Health Checks
// ==============================

// HealthCheck checks every initialized component concurrently. A nil value
// means healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	checks := map[string]func(context.Context) error{}
	if f.accountRepository != nil {
		checks["repository"] = f.accountRepository.HealthCheck
	}
	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(checks))
		g       errgroup.Group
	)
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			err := check(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		if err != nil && name != "kafka" {
			return false
		}
	}
	return true
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.mongoClient != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := f.mongoClient.Disconnect(ctx); err != nil {
				util.Error("Failed to disconnect MongoDB client", util.ErrorField(err))
			} else {
				util.Info("MongoDB client closed")
			}
			cancel()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) AccountRepository() repository.AccountRepository {
	return f.accountRepository
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.EncryptionManager {
	return f.encryptionManager
}

func (f *Factory) ServiceVerifier() *auth.ServiceVerifier {
	return f.serviceVerifier
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
