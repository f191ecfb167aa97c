package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	defaultConnTimeout = 5 * time.Second
	defaultAppName     = "chicplay"
)

// PoolOptions — настройки подключения и пула database/sql.
// Нулевые поля заменяются значениями по умолчанию.
type PoolOptions struct {
	AppName         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.AppName == "" {
		o.AppName = defaultAppName
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 25
	}
	if o.MaxIdleConns <= 0 || o.MaxIdleConns > o.MaxOpenConns {
		o.MaxIdleConns = o.MaxOpenConns
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 30 * time.Minute
	}
	if o.ConnMaxIdleTime <= 0 {
		o.ConnMaxIdleTime = 5 * time.Minute
	}
	return o
}

// Store — реляционная часть хранилища: журнал заказов, саги оформления,
// outbox, таймлайн и ключи идемпотентности.
type Store struct {
	db   *sql.DB
	opts PoolOptions
}

// Open открывает подключение с настройками пула по умолчанию.
func Open(ctx context.Context, dsn string) (*Store, error) {
	return OpenWithOptions(ctx, dsn, PoolOptions{})
}

// OpenWithOptions разбирает DSN драйвером pgx, открывает пул и проверяет доступность базы.
func OpenWithOptions(ctx context.Context, dsn string, opts PoolOptions) (*Store, error) {
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	opts = opts.withDefaults()
	if _, set := connCfg.RuntimeParams["application_name"]; !set {
		connCfg.RuntimeParams["application_name"] = opts.AppName
	}

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)

	store := &Store{db: db, opts: opts}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres %s:%d: %w", connCfg.Host, connCfg.Port, err)
	}
	return store, nil
}

// DB возвращает пул для низкоуровневого доступа (миграции, тесты).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность базы с собственным таймаутом.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// Collector отдаёт статистику пула (open/idle/wait) в формате go_sql_*.
func (s *Store) Collector() prometheus.Collector {
	return collectors.NewDBStatsCollector(s.db, s.opts.AppName)
}

// EnsureSchema применяет все up-миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
