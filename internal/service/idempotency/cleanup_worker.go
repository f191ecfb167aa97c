// Package idempotency вычищает просроченные idempotency-key, чтобы таблица ответов не росла бесконечно.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	// maxBatchesPerSweep ограничивает один проход, чтобы не держать базу при огромном хвосте.
	maxBatchesPerSweep = 1000
)

var (
	sweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chicplay_idempotency_cleanup_runs_total",
		Help: "Idempotency cleanup sweeps grouped by result.",
	}, []string{"result"})
	purgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chicplay_idempotency_cleanup_deleted_total",
		Help: "Expired idempotency keys removed.",
	})
	lastSweepPurged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chicplay_idempotency_cleanup_last_deleted",
		Help: "Keys removed by the last sweep.",
	})
)

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

func WithBatchSize(size int) CleanupOption {
	return func(w *CleanupWorker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

// WithClock подменяет источник времени (тесты).
func WithClock(now func() time.Time) CleanupOption {
	return func(w *CleanupWorker) {
		if now != nil {
			w.now = now
		}
	}
}

// SweepResult — итог одного прохода очистки.
type SweepResult struct {
	Purged  int
	Batches int
	Cutoff  time.Time
}

// CleanupWorker периодически удаляет сохранённые ответы с истёкшим сроком жизни.
type CleanupWorker struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewCleanupWorker(repo domain.IdempotencyRepository, opts ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:      repo,
		logger:    log.WithField("component", "idempotency-cleanup"),
		interval:  defaultCleanupInterval,
		batchSize: defaultCleanupBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run делает проход сразу и затем раз в interval, пока не отменён ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup disabled: no repository")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.sweepAndReport(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) sweepAndReport(ctx context.Context) {
	res, err := w.Sweep(ctx, time.Time{})
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		sweepsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).WithField("purged", res.Purged).Warn("idempotency cleanup failed")
		return
	}

	sweepsTotal.WithLabelValues("ok").Inc()
	lastSweepPurged.Set(float64(res.Purged))
	if res.Purged > 0 {
		w.logger.WithFields(log.Fields{
			"purged":  res.Purged,
			"batches": res.Batches,
			"cutoff":  res.Cutoff,
		}).Info("expired idempotency keys removed")
	}
}

// Sweep удаляет ключи, истёкшие к cutoff (нулевой cutoff — текущее время), порциями batchSize.
// Проход заканчивается на первой неполной порции.
func (w *CleanupWorker) Sweep(ctx context.Context, cutoff time.Time) (SweepResult, error) {
	if cutoff.IsZero() {
		cutoff = w.now()
	}
	res := SweepResult{Cutoff: cutoff}

	for res.Batches < maxBatchesPerSweep {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := w.repo.Purge(ctx, cutoff, w.batchSize)
		if err != nil {
			return res, err
		}
		res.Batches++
		res.Purged += n
		purgedTotal.Add(float64(n))
		if n < w.batchSize {
			break
		}
	}
	return res, nil
}
