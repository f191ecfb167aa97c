package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/chicplay/internal/storage/docstore"
)

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	cfg := DefaultConfig()

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "memory-storage"))
	require.NoError(t, err)
	defer deps.Close(log.WithField("test", "memory-storage"))

	require.NotNil(t, deps.ledger)
	require.NotNil(t, deps.sagas)
	require.NotNil(t, deps.outboxRepo)
	require.NotNil(t, deps.timelineRepo)
	require.NotNil(t, deps.idempotencyRepo)
	require.NotNil(t, deps.catalog)
	require.NotNil(t, deps.profiles)
	require.Nil(t, deps.pgStore)
	require.Nil(t, deps.redisClient)

	// демо-каталог засеян
	product, err := deps.catalog.GetProduct(context.Background(), "floral-dress")
	require.NoError(t, err)
	require.Equal(t, "Floral Dress", product.Name)
}

func TestInitRuntimeDependencies_RedisCatalog(t *testing.T) {
	srv := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.CatalogDriver = CatalogDriverRedis
	cfg.RedisAddr = srv.Addr()

	logger := log.WithField("test", "redis-catalog")
	deps, err := initRuntimeDependencies(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer deps.Close(logger)

	require.NotNil(t, deps.redisClient)
	require.IsType(t, &docstore.ProductStore{}, deps.catalog)

	product, err := deps.catalog.GetProduct(context.Background(), "silk-scarf")
	require.NoError(t, err)
	require.Equal(t, 200, product.TotalStock)
}

func TestInitRuntimeDependencies_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"postgres without dsn", Config{StorageDriver: StorageDriverPostgres}},
		{"unsupported storage", Config{StorageDriver: "sqlite"}},
		{"unsupported catalog", Config{CatalogDriver: "mongo"}},
		// порт 1 заведомо закрыт
		{"redis unreachable", Config{CatalogDriver: CatalogDriverRedis, RedisAddr: "127.0.0.1:1"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := initRuntimeDependencies(context.Background(), tc.cfg, log.WithField("test", tc.name))
			require.Error(t, err)
		})
	}
}
