package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// StoreConfig selects the account repository backend: memory, scylla or mongo.
type StoreConfig struct {
	Backend string
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
	LockTTL  time.Duration
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
	Table    string
}

// AuthConfig controls which services may call the API. ServiceKeys is a
// comma separated list of kid:secret pairs for HS256 service tokens.
type AuthConfig struct {
	ServiceKeys    string
	Audience       string
	AllowedCallers []string
	MaxTokenTTL    time.Duration
	AllowedOrigins []string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	// Peppers is a comma separated list of version:value pairs, e.g. "1:abc,2:def".
	// The highest version hashes new codes; older versions still verify.
	Peppers string
}

type BucketingConfig struct {
	AccountBuckets int
	EventBuckets   int
}

// TwoFAConfig holds the service-wide guard policy. Per-account settings
// (trust window, OTP expiry) live on the account record.
type TwoFAConfig struct {
	OTPDigits           int
	OTPMaxAttempts      int
	LockoutThreshold    int
	LockoutDuration     time.Duration
	SecurityLogLimit    int
	TrustedDeviceLimit  int
	BackupCodeCount     int
	BackupCodePoolLimit int
	ResendCooldown      time.Duration
	SendLimit           int
	SendWindow          time.Duration
	TOTPIssuer          string
	AuditTimeout        time.Duration
}

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Store         StoreConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Mongo         MongoConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	Auth          AuthConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	TwoFA         TwoFAConfig
}

var (
	current  *Config
	loadOnce sync.Once
)

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() *Config {
	loadOnce.Do(func() {
		_ = godotenv.Load()
		current = FromEnv()
	})
	return current
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	return LoadConfig()
}

// FromEnv builds a Config from environment variables without touching .env files.
func FromEnv() *Config {
	return &Config{
		Environment: GetEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:         getInt("SERVER_PORT", 8080),
			TLSPort:      getInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getBool("SERVER_AUTO_CERT", false),
			Domain:       GetEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:      GetEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  GetEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:        GetEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  GetEnv("LOG_LEVEL", "info"),
			Format: GetEnv("LOG_FORMAT", "console"),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(GetEnv("STORE_BACKEND", "memory")),
		},
		Redis: RedisConfig{
			Enabled:  getBool("REDIS_ENABLED", false),
			URL:      GetEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: GetEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
			PoolSize: getInt("REDIS_POOL_SIZE", 20),
			LockTTL:  getDuration("REDIS_LOCK_TTL", 5*time.Second),
		},
		Scylla: ScyllaConfig{
			Nodes:    getList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: GetEnv("SCYLLA_KEYSPACE", "twofa"),
			Username: GetEnv("SCYLLA_USERNAME", ""),
			Password: GetEnv("SCYLLA_PASSWORD", ""),
		},
		Mongo: MongoConfig{
			URI:        GetEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database:   GetEnv("MONGO_DB", "hospital"),
			Collection: GetEnv("MONGO_COLLECTION", "two_factor_accounts"),
		},
		Kafka: KafkaConfig{
			Enabled: getBool("KAFKA_ENABLED", false),
			Brokers: getList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   GetEnv("KAFKA_SECURITY_TOPIC", "twofa.security-events"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  getBool("ELASTICSEARCH_ENABLED", false),
			URL:      GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: GetEnv("ELASTICSEARCH_USERNAME", ""),
			Password: GetEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    GetEnv("ELASTICSEARCH_SECURITY_INDEX", "twofa-security-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getBool("CLICKHOUSE_ENABLED", false),
			URL:      GetEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: GetEnv("CLICKHOUSE_PASSWORD", ""),
			Database: GetEnv("CLICKHOUSE_DATABASE", "security"),
			Table:    GetEnv("CLICKHOUSE_SECURITY_TABLE", "twofa_security_events"),
		},
		Auth: AuthConfig{
			ServiceKeys:    GetEnv("SERVICE_AUTH_KEYS", ""),
			Audience:       GetEnv("SERVICE_AUTH_AUDIENCE", "twofa-service"),
			AllowedCallers: getList("SERVICE_AUTH_CALLERS", nil),
			MaxTokenTTL:    getDuration("SERVICE_AUTH_MAX_TTL", 5*time.Minute),
			AllowedOrigins: getList("CORS_ALLOWED_ORIGINS", nil),
		},
		KMS: KMSConfig{
			Enabled: getBool("KMS_ENABLED", false),
			KeyID:   GetEnv("KMS_KEY_ID", ""),
			Region:  GetEnv("AWS_REGION", "us-east-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getInt("ARGON2_MEMORY_KIB", 64*1024),
			Argon2TimeCost:    getInt("ARGON2_TIME_COST", 1),
			Argon2Parallelism: getInt("ARGON2_PARALLELISM", 2),
			Peppers:           GetEnv("HASH_PEPPERS", ""),
		},
		Bucketing: BucketingConfig{
			AccountBuckets: getInt("ACCOUNT_BUCKETS", 64),
			EventBuckets:   getInt("EVENT_BUCKETS", 16),
		},
		TwoFA: TwoFAConfig{
			OTPDigits:           getInt("OTP_DIGITS", 6),
			OTPMaxAttempts:      getInt("OTP_MAX_ATTEMPTS", 3),
			LockoutThreshold:    getInt("LOCKOUT_THRESHOLD", 5),
			LockoutDuration:     getDuration("LOCKOUT_DURATION", 30*time.Minute),
			SecurityLogLimit:    getInt("SECURITY_LOG_LIMIT", 100),
			TrustedDeviceLimit:  getInt("TRUSTED_DEVICE_LIMIT", 10),
			BackupCodeCount:     getInt("BACKUP_CODE_COUNT", 10),
			BackupCodePoolLimit: getInt("BACKUP_CODE_POOL_LIMIT", 20),
			ResendCooldown:      getDuration("OTP_RESEND_COOLDOWN", 30*time.Second),
			SendLimit:           getInt("OTP_SEND_LIMIT", 10),
			SendWindow:          getDuration("OTP_SEND_WINDOW", time.Hour),
			TOTPIssuer:          GetEnv("TOTP_ISSUER", "Hospital Operations"),
			AuditTimeout:        getDuration("AUDIT_TIMEOUT", 3*time.Second),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Validate rejects configurations the guard cannot run safely with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "scylla", "mongo":
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.Store.Backend)
	}
	if c.IsProduction() && c.Store.Backend == "memory" {
		return fmt.Errorf("memory store is not allowed in production")
	}
	if c.IsProduction() && c.Hashing.Peppers == "" {
		return fmt.Errorf("HASH_PEPPERS is required in production")
	}
	if c.TwoFA.OTPDigits < 4 || c.TwoFA.OTPDigits > 10 {
		return fmt.Errorf("OTP_DIGITS must be between 4 and 10")
	}
	if c.TwoFA.OTPMaxAttempts <= 0 || c.TwoFA.LockoutThreshold <= 0 {
		return fmt.Errorf("attempt limits must be positive")
	}
	if c.Auth.ServiceKeys == "" {
		return fmt.Errorf("SERVICE_AUTH_KEYS is required")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS_KEY_ID is required when KMS is enabled")
	}
	return nil
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
