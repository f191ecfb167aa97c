package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Драйверы хранилищ.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	CatalogDriverMemory = "memory"
	CatalogDriverRedis  = "redis"
)

const envPrefix = "CHICPLAY_"

// Config описывает настройки запуска приложения.
type Config struct {
	GRPCAddr    string
	MetricsAddr string
	LogLevel    string

	// StorageDriver — реляционная часть: заказы, саги, outbox, таймлайн, идемпотентность.
	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int

	// CatalogDriver — документная часть: товары и игровые профили.
	CatalogDriver   string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	SeedDemoCatalog bool

	KafkaBrokers string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	NotificationTimeout time.Duration
	NotificationAsync   bool
	// предохранитель отправки: неудач подряд до размыкания, пауза и число пробных отправок
	NotificationBreakerThreshold int
	NotificationBreakerCooldown  time.Duration
	NotificationBreakerTrials    int

	ReconcileInterval    time.Duration
	ReconcileGrace       time.Duration
	ReconcileConcurrency int

	EstimatedDeliveryDays int
	ShutdownTimeout       time.Duration
}

// DefaultConfig возвращает конфигурацию для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:                     ":50051",
		MetricsAddr:                  ":9090",
		LogLevel:                     "info",
		StorageDriver:                StorageDriverMemory,
		PostgresAutoMigrate:          true,
		CatalogDriver:                CatalogDriverMemory,
		RedisAddr:                    "localhost:6379",
		SeedDemoCatalog:              true,
		OutboxPollInterval:           time.Second,
		OutboxBatchSize:              100,
		OutboxMaxAttempts:            3,
		OutboxRetryDelay:             50 * time.Millisecond,
		IdempotencyCleanupInterval:   time.Minute,
		IdempotencyCleanupBatchSize:  500,
		NotificationTimeout:          2 * time.Second,
		NotificationBreakerThreshold: 5,
		NotificationBreakerCooldown:  30 * time.Second,
		NotificationBreakerTrials:    1,
		ReconcileInterval:            30 * time.Second,
		ReconcileGrace:               time.Minute,
		ReconcileConcurrency:         4,
		EstimatedDeliveryDays:        5,
		ShutdownTimeout:              10 * time.Second,
	}
}

// LoadConfigFromEnv накладывает переменные CHICPLAY_* на DefaultConfig.
// Если рядом лежит .env, он загружается первым; уже выставленные переменные не перетираются.
func LoadConfigFromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return configFromLookup(os.LookupEnv)
}

func configFromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	env := envReader{lookup: lookup}

	env.str("GRPC_ADDR", &cfg.GRPCAddr)
	env.str("METRICS_ADDR", &cfg.MetricsAddr)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("STORAGE_DRIVER", &cfg.StorageDriver)
	env.str("POSTGRES_DSN", &cfg.PostgresDSN)
	env.boolean("POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	env.integer("POSTGRES_MAX_CONNS", &cfg.PostgresMaxConns)
	env.str("CATALOG_DRIVER", &cfg.CatalogDriver)
	env.str("REDIS_ADDR", &cfg.RedisAddr)
	env.str("REDIS_PASSWORD", &cfg.RedisPassword)
	env.integer("REDIS_DB", &cfg.RedisDB)
	env.boolean("SEED_DEMO_CATALOG", &cfg.SeedDemoCatalog)
	env.str("KAFKA_BROKERS", &cfg.KafkaBrokers)
	env.duration("OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	env.integer("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	env.integer("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	env.duration("OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay)
	env.duration("IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.IdempotencyCleanupInterval)
	env.integer("IDEMPOTENCY_CLEANUP_BATCH_SIZE", &cfg.IdempotencyCleanupBatchSize)
	env.duration("NOTIFICATION_TIMEOUT", &cfg.NotificationTimeout)
	env.boolean("NOTIFICATION_ASYNC", &cfg.NotificationAsync)
	env.integer("NOTIFICATION_BREAKER_THRESHOLD", &cfg.NotificationBreakerThreshold)
	env.duration("NOTIFICATION_BREAKER_COOLDOWN", &cfg.NotificationBreakerCooldown)
	env.integer("NOTIFICATION_BREAKER_TRIALS", &cfg.NotificationBreakerTrials)
	env.duration("RECONCILE_INTERVAL", &cfg.ReconcileInterval)
	env.duration("RECONCILE_GRACE", &cfg.ReconcileGrace)
	env.integer("RECONCILE_CONCURRENCY", &cfg.ReconcileConcurrency)
	env.integer("ESTIMATED_DELIVERY_DAYS", &cfg.EstimatedDeliveryDays)
	env.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	if env.err != nil {
		return Config{}, env.err
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	cfg.CatalogDriver = strings.ToLower(strings.TrimSpace(cfg.CatalogDriver))
	return cfg, cfg.Validate()
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("%sPOSTGRES_DSN is required for storage driver %q", envPrefix, c.StorageDriver)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}

	switch c.CatalogDriver {
	case CatalogDriverMemory:
	case CatalogDriverRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("%sREDIS_ADDR is required for catalog driver %q", envPrefix, c.CatalogDriver)
		}
	default:
		return fmt.Errorf("unsupported catalog driver %q", c.CatalogDriver)
	}

	if c.EstimatedDeliveryDays < 0 {
		return fmt.Errorf("estimated delivery days must be >= 0")
	}
	return nil
}

// BrokerList разбирает список брокеров Kafka.
func (c Config) BrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *envReader) value(key string) (string, bool) {
	v, ok := r.lookup(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.value(key); ok {
		*dst = v
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.value(key)
	if !ok || r.err != nil {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		r.err = fmt.Errorf("%s%s: %w", envPrefix, key, err)
		return
	}
	*dst = parsed
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.value(key)
	if !ok || r.err != nil {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		r.err = fmt.Errorf("%s%s: %w", envPrefix, key, err)
		return
	}
	*dst = parsed
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.value(key)
	if !ok || r.err != nil {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		r.err = fmt.Errorf("%s%s: %w", envPrefix, key, err)
		return
	}
	*dst = parsed
}
