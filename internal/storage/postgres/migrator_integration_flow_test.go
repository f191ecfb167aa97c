package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrator_PostgresUpDown(t *testing.T) {
	store := rawTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, store.MigrateDown(ctx, 100))
	report, err := store.MigrationReport(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Current)
	assert.Empty(t, report.Applied)
	assert.Len(t, report.Pending, 5)

	require.NoError(t, store.MigrateUp(ctx, 2))
	report, err = store.MigrationReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Current)
	assert.Equal(t, "checkout_sagas", report.Applied[1].Name)
	assert.NotEmpty(t, report.Applied[1].Checksum)

	// повторный накат идемпотентен
	require.NoError(t, store.MigrateUp(ctx, 0))
	require.NoError(t, store.MigrateUp(ctx, 0))
	report, err = store.MigrationReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), report.Current)
	assert.Len(t, report.Applied, 5)
	assert.Empty(t, report.Pending)
	assert.Empty(t, report.Drifted)

	// steps <= 0 откатывает одну миграцию
	require.NoError(t, store.MigrateDown(ctx, 0))
	report, err = store.MigrationReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), report.Current)
	require.Len(t, report.Pending, 1)
	assert.Equal(t, "idempotency_keys", report.Pending[0].Name)

	require.NoError(t, store.MigrateDown(ctx, 100))
	require.NoError(t, store.MigrateDown(ctx, 1), "down on empty schema is a no-op")
	require.NoError(t, store.MigrateUp(ctx, 0))
}

func TestMigrator_PostgresDetectsDrift(t *testing.T) {
	store := rawTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, store.MigrateUp(ctx, 0))
	_, err := store.DB().ExecContext(ctx, `UPDATE schema_migrations SET checksum = 'edited' WHERE version = 3`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = store.DB().ExecContext(context.Background(), `UPDATE schema_migrations SET checksum = '' WHERE version = 3`)
	})

	report, err := store.MigrationReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, report.Drifted)

	err = store.MigrateUp(ctx, 0)
	require.ErrorIs(t, err, ErrMigrationDrift)
}

func TestMigrator_NilStore(t *testing.T) {
	var store *Store
	ctx := context.Background()

	assert.ErrorIs(t, store.MigrateUp(ctx, 0), errStoreNotInitialized)
	assert.ErrorIs(t, store.MigrateDown(ctx, 1), errStoreNotInitialized)
	_, err := store.MigrationReport(ctx)
	assert.ErrorIs(t, err, errStoreNotInitialized)
}
