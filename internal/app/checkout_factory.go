package app

import (
	"github.com/bsm/redislock"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
	"github.com/vladislavdragonenkov/chicplay/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/chicplay/internal/metrics"
	"github.com/vladislavdragonenkov/chicplay/internal/service/checkout"
	"github.com/vladislavdragonenkov/chicplay/internal/service/notification"
	"github.com/vladislavdragonenkov/chicplay/internal/service/progression"
	"github.com/vladislavdragonenkov/chicplay/internal/service/stock"
)

// checkoutComponents — собранный сценарий оформления и его фоновые части.
type checkoutComponents struct {
	service    *checkout.Service
	dispatcher *notification.Dispatcher
	reconciler *checkout.Reconciler
}

// createCheckout собирает оркестратор оформления. Producer может быть nil:
// события оформления тогда не публикуются, а письма всё равно уходят через outbox.
func createCheckout(
	cfg Config,
	deps *runtimeDependencies,
	producer *kafka.Producer,
	checkoutMetrics *metrics.CheckoutMetrics,
	logger *log.Entry,
) *checkoutComponents {
	var sender domain.ConfirmationSender = notification.NewOutboxSender(deps.outboxRepo)
	if producer == nil && deps.pgStore == nil {
		// локальный запуск: outbox некому разгребать, письма просто логируются
		sender = notification.NewLogSender(logger.WithField("component", "notification-log"))
	}

	breakerLog := logger.WithField("component", "notification-breaker")
	breaker := notification.NewCircuitBreaker(notification.BreakerSettings{
		Threshold:      positiveUint32(cfg.NotificationBreakerThreshold),
		Cooldown:       cfg.NotificationBreakerCooldown,
		HalfOpenTrials: positiveUint32(cfg.NotificationBreakerTrials),
		OnStateChange: func(from, to notification.BreakerState) {
			breakerLog.WithFields(log.Fields{"from": from, "to": to}).Warn("notification breaker state changed")
		},
	})

	dispatcher := notification.NewDispatcher(sender, notification.Options{
		Timeout: cfg.NotificationTimeout,
		Async:   cfg.NotificationAsync,
		Breaker: breaker,
		Observer: func(_ string, result notification.Result, _ error) {
			checkoutMetrics.RecordNotification(string(result))
		},
		Logger: logger.WithField("component", "notification"),
	})

	checkoutDeps := checkout.Dependencies{
		Stock:       stock.NewEngine(deps.catalog, logger.WithField("component", "stock-engine")),
		Progression: progression.NewEngine(deps.profiles, logger.WithField("component", "progression")),
		Notifier:    dispatcher,
		Ledger:      deps.ledger,
		Sagas:       deps.sagas,
		Outbox:      deps.outboxRepo,
		Timeline:    deps.timelineRepo,
		Metrics:     checkoutMetrics,
		Logger:      logger.WithField("component", "checkout"),
	}
	if producer != nil {
		checkoutDeps.Events = producer
	}
	svc := checkout.NewService(checkoutDeps, checkout.WithDeliveryDays(cfg.EstimatedDeliveryDays))

	var locker *redislock.Client
	if deps.redisClient != nil {
		locker = redislock.New(deps.redisClient)
	}
	reconciler := checkout.NewReconciler(svc, locker, checkout.ReconcilerConfig{
		Interval: cfg.ReconcileInterval,
		Grace:    cfg.ReconcileGrace,
		Workers:  cfg.ReconcileConcurrency,
	}, logger.WithField("component", "checkout-reconciler"))

	return &checkoutComponents{
		service:    svc,
		dispatcher: dispatcher,
		reconciler: reconciler,
	}
}

// positiveUint32: неположительное значение означает «по умолчанию».
func positiveUint32(v int) uint32 {
	if v <= 0 {
		return 0
	}
	return uint32(v)
}
