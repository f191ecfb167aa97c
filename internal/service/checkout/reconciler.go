package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// Исходы реконсиляции (значения label метрики).
const (
	OutcomeCompleted   = "completed"
	OutcomeCompensated = "compensated"
	OutcomeFailed      = "failed"
	OutcomeSkipped     = "skipped"
)

// ReconcilerConfig управляет периодической сверкой незавершённых оформлений.
type ReconcilerConfig struct {
	Interval time.Duration
	// Grace — сколько сага должна простоять без изменений, чтобы её подобрали.
	Grace     time.Duration
	BatchSize int
	Workers   int
	LockTTL   time.Duration
}

// DefaultReconcilerConfig возвращает конфигурацию по умолчанию.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:  30 * time.Second,
		Grace:     time.Minute,
		BatchSize: 100,
		Workers:   4,
		LockTTL:   30 * time.Second,
	}
}

// ReconcileReport — итог одного прохода.
type ReconcileReport struct {
	Scanned     int
	Completed   int
	Compensated int
	Failed      int
	Skipped     int
}

// Reconciler доводит оформления, прерванные падением процесса или сбоем хранилища:
// заказа нет в леджере — списание возвращается; заказ есть — дописываются позиции,
// начисляется опыт и отправляется подтверждение.
type Reconciler struct {
	svc    *Service
	locker *redislock.Client
	cfg    ReconcilerConfig
	logger *log.Entry
}

// NewReconciler создаёт реконсилер. locker может быть nil (один экземпляр сервиса).
func NewReconciler(svc *Service, locker *redislock.Client, cfg ReconcilerConfig, logger *log.Entry) *Reconciler {
	def := DefaultReconcilerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if logger == nil {
		logger = log.New().WithField("component", "checkout-reconciler")
	}
	return &Reconciler{svc: svc, locker: locker, cfg: cfg, logger: logger}
}

// Run выполняет проходы по таймеру до отмены контекста.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.WithError(err).Warn("reconcile pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce обрабатывает одну пачку зависших саг.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	stale, err := r.svc.sagas.ListStale(ctx, r.svc.now().Add(-r.cfg.Grace), r.cfg.BatchSize)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list stale sagas: %w", err)
	}

	report := ReconcileReport{Scanned: len(stale)}
	if len(stale) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, saga := range stale {
		saga := saga
		g.Go(func() error {
			outcome := r.reconcileLocked(gctx, saga)
			mu.Lock()
			switch outcome {
			case OutcomeCompleted:
				report.Completed++
			case OutcomeCompensated:
				report.Compensated++
			case OutcomeFailed:
				report.Failed++
			default:
				report.Skipped++
			}
			mu.Unlock()
			if r.svc.metrics != nil {
				r.svc.metrics.RecordReconciled(outcome)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	r.logger.WithFields(log.Fields{
		"scanned":     report.Scanned,
		"completed":   report.Completed,
		"compensated": report.Compensated,
		"failed":      report.Failed,
	}).Info("reconcile pass finished")
	return report, nil
}

func (r *Reconciler) reconcileLocked(ctx context.Context, saga domain.CheckoutSaga) string {
	if r.locker != nil {
		lock, err := r.locker.Obtain(ctx, "lock:checkout:"+saga.OrderID, r.cfg.LockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			// другой экземпляр уже сверяет этот заказ
			return OutcomeSkipped
		}
		if err != nil {
			r.logger.WithError(err).WithField("order_id", saga.OrderID).Warn("failed to obtain reconcile lock")
			return OutcomeFailed
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				r.logger.WithError(err).WithField("order_id", saga.OrderID).Warn("failed to release reconcile lock")
			}
		}()
	}

	// состояние могло измениться, пока ждали блокировку
	fresh, err := r.svc.sagas.Get(ctx, saga.OrderID)
	if err != nil {
		r.logger.WithError(err).WithField("order_id", saga.OrderID).Warn("failed to reload saga")
		return OutcomeFailed
	}
	if fresh.Status != domain.SagaStatusInProgress {
		return OutcomeSkipped
	}
	return r.reconcile(ctx, fresh)
}

func (r *Reconciler) reconcile(ctx context.Context, saga domain.CheckoutSaga) string {
	logger := r.logger.WithFields(log.Fields{
		"order_id": saga.OrderID,
		"user_id":  saga.UserID,
		"step":     saga.Step,
	})

	order, err := r.svc.ledger.Get(ctx, saga.OrderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		released, err := r.svc.stock.Restock(ctx, saga.OrderID)
		if err != nil {
			logger.WithError(err).Warn("failed to release stock for unrecorded order")
			r.svc.advance(ctx, saga.OrderID, saga.Step, "", err)
			return OutcomeFailed
		}
		if released {
			r.svc.appendTimeline(ctx, saga.OrderID, domain.TimelineStockReleased, "order was never recorded")
		}
		r.svc.advance(ctx, saga.OrderID, saga.Step, domain.SagaStatusCompensated, errors.New("order was never recorded"))
		logger.WithField("released", released).Info("unrecorded checkout compensated")
		return OutcomeCompensated
	}
	if err != nil {
		logger.WithError(err).Warn("failed to load order")
		return OutcomeFailed
	}

	var req domain.CheckoutRequest
	if err := json.Unmarshal(saga.Request, &req); err != nil {
		logger.WithError(err).Error("saga request payload is corrupted")
		r.svc.advance(ctx, saga.OrderID, saga.Step, "", err)
		return OutcomeFailed
	}

	if len(order.Items) < len(req.Lines) {
		order.Items, err = r.svc.ensureItems(ctx, saga.OrderID, req.Lines)
		if err != nil {
			logger.WithError(err).Warn("failed to restore order line items")
			r.svc.advance(ctx, saga.OrderID, saga.Step, "", err)
			return OutcomeFailed
		}
	}
	r.svc.advance(ctx, saga.OrderID, domain.CheckoutStepRecorded, "", nil)
	r.svc.enqueueOrderPlaced(ctx, order, saga.XPEarned)

	// ключ начисления — orderID, поэтому повтор не удваивает опыт
	change, err := r.svc.progression.AwardPoints(ctx, saga.UserID, saga.OrderID, saga.XPEarned)
	if err != nil {
		logger.WithError(err).Warn("points award still failing")
		r.svc.advance(ctx, saga.OrderID, domain.CheckoutStepRecorded, "", err)
		return OutcomeFailed
	}
	if change.Applied {
		r.svc.appendTimeline(ctx, saga.OrderID, domain.TimelinePointsAwarded, fmt.Sprintf("xp=%d level=%d", saga.XPEarned, change.NewLevel))
		if change.LeveledUp() && r.svc.metrics != nil {
			r.svc.metrics.RecordLevelUp()
		}
	}
	r.svc.advance(ctx, saga.OrderID, domain.CheckoutStepRewarded, "", nil)

	if !saga.Step.Reached(domain.CheckoutStepNotified) {
		r.svc.notify(ctx, order, req.Email)
		r.svc.advance(ctx, saga.OrderID, domain.CheckoutStepNotified, "", nil)
	}

	r.svc.advance(ctx, saga.OrderID, domain.CheckoutStepCompleted, domain.SagaStatusCompleted, nil)
	r.svc.appendTimeline(ctx, saga.OrderID, domain.TimelineCheckoutReconciled, "")
	logger.WithField("points_applied", change.Applied).Info("checkout reconciled")
	return OutcomeCompleted
}
