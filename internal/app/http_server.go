package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/chicplay/internal/health"
	"github.com/vladislavdragonenkov/chicplay/internal/service/notification"
	"github.com/vladislavdragonenkov/chicplay/internal/version"
)

// outboxStaleAfter — возраст самого старого pending-сообщения, после которого outbox считается degraded.
const outboxStaleAfter = 5 * time.Minute

// newHealthRegistry регистрирует пробы подключённых хранилищ, outbox и breaker уведомлений.
func newHealthRegistry(deps *runtimeDependencies, components *checkoutComponents) *healthcheck.Registry {
	registry := healthcheck.NewRegistry(version.Get().Version)

	if deps.pgStore != nil {
		registry.Register("postgres", healthcheck.Ping(deps.pgStore.Ping))
	}
	if deps.redisClient != nil {
		client := deps.redisClient
		registry.Register("redis", healthcheck.Ping(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}
	if deps.outboxRepo != nil {
		outbox := deps.outboxRepo
		registry.Register("outbox", func(ctx context.Context) (healthcheck.Status, string) {
			stats, err := outbox.Stats(ctx)
			if err != nil {
				return healthcheck.StatusDegraded, err.Error()
			}
			return outboxHealth(stats, time.Now().UTC())
		})
	}
	if components != nil && components.dispatcher != nil {
		dispatcher := components.dispatcher
		registry.Register("notifications", func(context.Context) (healthcheck.Status, string) {
			return breakerHealth(dispatcher.BreakerState())
		})
	}
	return registry
}

// outboxHealth: застрявший backlog — degraded; заказы при этом принимаются.
func outboxHealth(stats domain.OutboxStats, now time.Time) (healthcheck.Status, string) {
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		return healthcheck.StatusHealthy, ""
	}
	age := now.Sub(stats.OldestPendingAt)
	if age < outboxStaleAfter {
		return healthcheck.StatusHealthy, ""
	}
	return healthcheck.StatusDegraded, fmt.Sprintf("%d pending, oldest %s", stats.PendingCount, age.Truncate(time.Second))
}

// breakerHealth: открытый breaker снижает статус до degraded, но не снимает готовность,
// заказы принимаются и без писем.
func breakerHealth(state notification.BreakerState) (healthcheck.Status, string) {
	switch state {
	case notification.BreakerOpen:
		return healthcheck.StatusDegraded, "confirmation sender circuit is open"
	case notification.BreakerHalfOpen:
		return healthcheck.StatusDegraded, "confirmation sender circuit is probing"
	default:
		return healthcheck.StatusHealthy, ""
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus и health checkers.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, health *healthcheck.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.Healthz)
	mux.HandleFunc("/readyz", health.Readyz)
	mux.HandleFunc("/livez", healthcheck.Livez)
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(version.Get())
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
