package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/metrics"
	"github.com/vladislavdragonenkov/chicplay/internal/service/checkout"
)

// ReconcileOnce выполняет один проход реконсиляции зависших оформлений
// на тех же хранилищах, что и сервис. Используется cmd/reconcile (cron, ручной запуск).
func ReconcileOnce(ctx context.Context, cfg Config) (checkout.ReconcileReport, error) {
	logger := log.WithField("component", "reconcile")

	// одноразовый запуск не должен досеивать демо-каталог
	cfg.SeedDemoCatalog = false
	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return checkout.ReconcileReport{}, err
	}
	defer deps.Close(logger)

	link, _ := dialKafka(cfg.BrokerList(), logger)
	defer link.Close(logger)

	checkoutMetrics := metrics.NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry())
	components := createCheckout(cfg, deps, link.Producer(), checkoutMetrics, logger)
	defer func() {
		if err := components.dispatcher.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("pending order confirmations were not drained")
		}
	}()

	return components.reconciler.RunOnce(ctx)
}
