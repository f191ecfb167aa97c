package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
	"github.com/vladislavdragonenkov/chicplay/internal/storage/docstore"
	"github.com/vladislavdragonenkov/chicplay/internal/storage/memory"
	"github.com/vladislavdragonenkov/chicplay/internal/storage/postgres"
)

// runtimeDependencies — хранилища обеих частей системы и их подключения.
type runtimeDependencies struct {
	ledger          domain.OrderLedger
	sagas           domain.SagaRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository

	catalog  domain.CatalogStore
	profiles domain.ProfileStore

	pgStore     *postgres.Store
	redisClient *redis.Client
}

// initRuntimeDependencies открывает хранилища согласно конфигурации.
// При ошибке уже открытые подключения закрываются.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{}

	if err := deps.initRelational(ctx, cfg, logger); err != nil {
		deps.Close(logger)
		return nil, err
	}
	if err := deps.initDocuments(ctx, cfg, logger); err != nil {
		deps.Close(logger)
		return nil, err
	}
	return deps, nil
}

func (d *runtimeDependencies) initRelational(ctx context.Context, cfg Config, logger *log.Entry) error {
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		d.ledger = memory.NewOrderLedger()
		d.sagas = memory.NewSagaRepository()
		d.outboxRepo = memory.NewOutboxRepository()
		d.timelineRepo = memory.NewTimelineRepository()
		d.idempotencyRepo = memory.NewIdempotencyRepository()
		logger.Info("relational storage: in-memory")
		return nil
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return errors.New("postgres storage requires a DSN")
		}
		store, err := postgres.OpenWithOptions(ctx, cfg.PostgresDSN, postgres.PoolOptions{MaxOpenConns: cfg.PostgresMaxConns})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		d.pgStore = store
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
		}
		d.ledger = postgres.NewOrderLedger(store)
		d.sagas = postgres.NewSagaRepository(store)
		d.outboxRepo = postgres.NewOutboxRepository(store)
		d.timelineRepo = postgres.NewTimelineRepository(store)
		d.idempotencyRepo = postgres.NewIdempotencyRepository(store)
		logger.Info("relational storage: postgres")
		return nil
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func (d *runtimeDependencies) initDocuments(ctx context.Context, cfg Config, logger *log.Entry) error {
	switch cfg.CatalogDriver {
	case "", CatalogDriverMemory:
		d.catalog = memory.NewCatalogStore()
		d.profiles = memory.NewProfileStore()
		logger.Info("document storage: in-memory")
	case CatalogDriverRedis:
		client, err := docstore.Open(ctx, docstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		d.redisClient = client
		d.catalog = docstore.NewProductStore(client, logger.WithField("store", "products"))
		d.profiles = docstore.NewProfileStore(client)
		logger.WithField("addr", cfg.RedisAddr).Info("document storage: redis")
	default:
		return fmt.Errorf("unsupported catalog driver %q", cfg.CatalogDriver)
	}

	if cfg.SeedDemoCatalog {
		if err := seedDemoCatalog(ctx, d.catalog); err != nil {
			return fmt.Errorf("seed demo catalog: %w", err)
		}
		logger.Info("demo catalog seeded")
	}
	return nil
}

// Close закрывает внешние подключения.
func (d *runtimeDependencies) Close(logger *log.Entry) {
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			logger.WithError(err).Warn("failed to close redis client")
		}
	}
	if d.pgStore != nil {
		if err := d.pgStore.Close(); err != nil {
			logger.WithError(err).Warn("failed to close postgres store")
		}
	}
}
