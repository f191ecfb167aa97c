package checkout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// seedOrphanClaim имитирует падение процесса между списанием и записью заказа.
func seedOrphanClaim(t *testing.T, f *fixture, orderID string) {
	t.Helper()
	ctx := context.Background()

	req := request(dressLine("M", 2))
	resolved, err := f.svc.stock.Validate(ctx, req.Lines)
	require.NoError(t, err)
	payload, err := json.Marshal(req)
	require.NoError(t, err)

	require.NoError(t, f.sagas.Create(ctx, domain.CheckoutSaga{
		OrderID:   orderID,
		UserID:    req.UserID,
		Status:    domain.SagaStatusInProgress,
		Step:      domain.CheckoutStepValidated,
		XPEarned:  totalXP(resolved),
		Request:   payload,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, f.svc.stock.Deduct(ctx, orderID, resolved))
	require.NoError(t, f.sagas.Advance(ctx, orderID, domain.CheckoutStepStockAdjusted, "", ""))
	require.Equal(t, 3, f.stock(t, "dress", "M"))
}

func TestReconciler_CompensatesUnrecordedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedOrphanClaim(t, f, "orphan-1")

	report, err := NewReconciler(f.svc, nil, ReconcilerConfig{}, nil).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Scanned: 1, Compensated: 1}, report)

	require.Equal(t, 5, f.stock(t, "dress", "M"))
	saga, err := f.sagas.Get(ctx, "orphan-1")
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompensated, saga.Status)
	require.Contains(t, f.timelineTypes(t, "orphan-1"), domain.TimelineStockReleased)
}

func TestReconciler_SkipsLockedOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedOrphanClaim(t, f, "orphan-2")

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := redislock.New(client)

	held, err := locker.Obtain(ctx, "lock:checkout:orphan-2", time.Minute, nil)
	require.NoError(t, err)

	reconciler := NewReconciler(f.svc, locker, ReconcilerConfig{Workers: 2}, nil)
	report, err := reconciler.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 3, f.stock(t, "dress", "M"))

	require.NoError(t, held.Release(ctx))
	report, err = reconciler.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Compensated)
	require.Equal(t, 5, f.stock(t, "dress", "M"))
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewReconciler(f.svc, nil, ReconcilerConfig{Interval: 10 * time.Millisecond}, nil).Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.PlaceOrder(ctx, request(dressLine("M", 1)))
	require.NoError(t, err)

	f.ledger.saveConflicts.Store(1)
	order, err := f.svc.UpdateStatus(ctx, UpdateStatusRequest{
		OrderID:        result.OrderID,
		Status:         domain.OrderStatusShipped,
		Carrier:        "UPS",
		TrackingNumber: "1Z999",
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusShipped, order.Status)
	require.Equal(t, "UPS", order.Tracking.Carrier)

	// повтор того же обновления не порождает событий
	_, err = f.svc.UpdateStatus(ctx, UpdateStatusRequest{
		OrderID:        result.OrderID,
		Status:         domain.OrderStatusShipped,
		Carrier:        "UPS",
		TrackingNumber: "1Z999",
	})
	require.NoError(t, err)

	events, err := f.timeline.List(ctx, result.OrderID)
	require.NoError(t, err)
	changes := 0
	for _, e := range events {
		if e.Type == domain.TimelineOrderStatusChanged {
			changes++
		}
	}
	require.Equal(t, 1, changes)

	_, err = f.svc.UpdateStatus(ctx, UpdateStatusRequest{OrderID: result.OrderID, Status: domain.OrderStatusProcessing})
	require.ErrorIs(t, err, domain.ErrInvalidStatusTransition)

	_, err = f.svc.UpdateStatus(ctx, UpdateStatusRequest{OrderID: result.OrderID, Status: "lost"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.svc.UpdateStatus(ctx, UpdateStatusRequest{OrderID: result.OrderID, Status: domain.OrderStatusDelivered, TrackingNumber: "1Z999"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestUpdateStatus_RefusesIncompleteOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.failItems.Store(true)

	result, err := f.svc.PlaceOrder(ctx, request(dressLine("M", 1)))
	require.NoError(t, err)

	// позиции ещё не дописаны реконсилером: отгружать нечего
	_, err = f.svc.UpdateStatus(ctx, UpdateStatusRequest{OrderID: result.OrderID, Status: domain.OrderStatusProcessing})
	require.ErrorIs(t, err, domain.ErrOrderIncomplete)
	require.ErrorIs(t, err, domain.ErrItemsRequired)

	order, err := f.svc.UpdateStatus(ctx, UpdateStatusRequest{OrderID: result.OrderID, Status: domain.OrderStatusCancelled})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, order.Status)
}
