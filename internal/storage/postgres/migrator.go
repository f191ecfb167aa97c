package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	// migrationLockID — ключ pg_advisory_lock: миграции двух процессов не пересекаются.
	migrationLockID     = int64(0x63686963706c6179)
	migrationLockWait   = 5 * time.Second
	schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    BIGINT PRIMARY KEY,
    name       TEXT        NOT NULL,
    checksum   TEXT        NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

var (
	errStoreNotInitialized = errors.New("postgres store is not initialized")
	// ErrMigrationDrift — применённая миграция отличается от встроенной в бинарь.
	ErrMigrationDrift = errors.New("applied migration differs from embedded script")
)

// AppliedMigration — строка schema_migrations.
type AppliedMigration struct {
	Version   int64
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// MigrationReport — состояние схемы относительно встроенных миграций.
type MigrationReport struct {
	Current int64
	Applied []AppliedMigration
	Pending []Migration
	// Drifted — применённые версии, чей up-скрипт с тех пор изменился.
	Drifted []int64
}

// MigrateUp применяет до steps ещё не применённых миграций; steps <= 0 — все.
// Правка уже применённой миграции останавливает накат с ErrMigrationDrift.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrationLock(ctx, func(conn *sql.Conn, catalog []Migration) error {
		report, err := buildReport(ctx, conn, catalog)
		if err != nil {
			return err
		}
		if len(report.Drifted) > 0 {
			return fmt.Errorf("%w: versions %v", ErrMigrationDrift, report.Drifted)
		}
		for i, m := range report.Pending {
			if steps > 0 && i >= steps {
				break
			}
			if err := stepUp(ctx, conn, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrateDown откатывает steps последних миграций; steps <= 0 считается одним шагом.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrationLock(ctx, func(conn *sql.Conn, catalog []Migration) error {
		known := make(map[int64]Migration, len(catalog))
		for _, m := range catalog {
			known[m.Version] = m
		}
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(applied) - 1; i >= 0 && steps > 0; i, steps = i-1, steps-1 {
			m, ok := known[applied[i].Version]
			if !ok {
				return fmt.Errorf("cannot roll back version %d: no embedded script", applied[i].Version)
			}
			if err := stepDown(ctx, conn, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrationReport сравнивает schema_migrations со встроенными миграциями.
func (s *Store) MigrationReport(ctx context.Context) (MigrationReport, error) {
	if s == nil || s.db == nil {
		return MigrationReport{}, errStoreNotInitialized
	}
	catalog, err := loadMigrations(embeddedMigrations, migrationsDir)
	if err != nil {
		return MigrationReport{}, err
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return MigrationReport{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return MigrationReport{}, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return buildReport(ctx, conn, catalog)
}

func (s *Store) withMigrationLock(ctx context.Context, fn func(*sql.Conn, []Migration) error) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	catalog, err := loadMigrations(embeddedMigrations, migrationsDir)
	if err != nil {
		return err
	}

	// advisory lock привязан к сессии, поэтому всё выполняется на одном соединении
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	lockCtx, cancel := context.WithTimeout(ctx, migrationLockWait)
	_, err = conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockID)
	cancel()
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockID)
	}()

	if _, err := conn.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return fn(conn, catalog)
}

func buildReport(ctx context.Context, conn *sql.Conn, catalog []Migration) (MigrationReport, error) {
	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return MigrationReport{}, err
	}

	report := MigrationReport{Applied: applied}
	done := make(map[int64]AppliedMigration, len(applied))
	for _, a := range applied {
		done[a.Version] = a
		report.Current = max(report.Current, a.Version)
	}
	for _, m := range catalog {
		a, ok := done[m.Version]
		switch {
		case !ok:
			report.Pending = append(report.Pending, m)
		case a.Checksum != "" && a.Checksum != m.Checksum:
			report.Drifted = append(report.Drifted, m.Version)
		}
	}
	return report, nil
}

func appliedMigrations(ctx context.Context, conn *sql.Conn) ([]AppliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, name, checksum, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func stepUp(ctx context.Context, conn *sql.Conn, m Migration) error {
	return inTx(ctx, conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.up); err != nil {
			return fmt.Errorf("apply %d_%s: %w", m.Version, m.Name, err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
			m.Version, m.Name, m.Checksum)
		if err != nil {
			return fmt.Errorf("record %d_%s: %w", m.Version, m.Name, err)
		}
		return nil
	})
}

func stepDown(ctx context.Context, conn *sql.Conn, m Migration) error {
	return inTx(ctx, conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.down); err != nil {
			return fmt.Errorf("revert %d_%s: %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, m.Version); err != nil {
			return fmt.Errorf("unrecord %d_%s: %w", m.Version, m.Name, err)
		}
		return nil
	})
}

func inTx(ctx context.Context, conn *sql.Conn, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
