package app

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/service/idempotency"
	"github.com/vladislavdragonenkov/chicplay/internal/service/outbox"
)

// startWorkers запускает фоновые воркеры: публикацию outbox (если есть Kafka),
// очистку ключей идемпотентности и реконсиляцию зависших оформлений.
// Возвращает outbox worker для финального drain при остановке (nil без Kafka).
func startWorkers(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg Config,
	deps *runtimeDependencies,
	link *kafkaLink,
	components *checkoutComponents,
	logger *log.Entry,
) *outbox.Worker {
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	var outboxWorker *outbox.Worker
	if primary, dlq, ok := link.OutboxPublishers(); ok {
		outboxWorker = outbox.NewWorker(deps.outboxRepo, primary,
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithDLQPublisher(dlq),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		run(outboxWorker.Run)
	} else {
		logger.Info("outbox worker disabled: kafka is not configured")
	}

	cleanup := idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	run(cleanup.Run)

	if components != nil && components.reconciler != nil {
		run(components.reconciler.Run)
	}
	return outboxWorker
}
