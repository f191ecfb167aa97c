package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPingTimeout = 3 * time.Second

// Options — параметры подключения к Redis.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Open создаёт клиента Redis и проверяет соединение.
func Open(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 100
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

func productKey(id string) string     { return "product:" + id }
func stockKey(id string) string       { return "product:" + id + ":stock" }
func claimKey(orderID string) string  { return "claim:" + orderID }
func profileKey(userID string) string { return "profile:" + userID }
func awardsKey(userID string) string  { return "profile:" + userID + ":awards" }
