package checkout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
	"github.com/vladislavdragonenkov/chicplay/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/chicplay/internal/metrics"
	"github.com/vladislavdragonenkov/chicplay/internal/service/progression"
	"github.com/vladislavdragonenkov/chicplay/internal/service/stock"
	"github.com/vladislavdragonenkov/chicplay/internal/storage/memory"
)

type notifierFunc func(ctx context.Context, destination string, order domain.Order, items []domain.OrderItem) bool

func (f notifierFunc) SendOrderConfirmation(ctx context.Context, destination string, order domain.Order, items []domain.OrderItem) bool {
	return f(ctx, destination, order, items)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []kafka.CheckoutEvent
}

func (r *eventRecorder) PublishEventContext(_ context.Context, _ string, _ string, event interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := event.(*kafka.CheckoutEvent); ok {
		r.events = append(r.events, *e)
	}
	return nil
}

func (r *eventRecorder) types() []kafka.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]kafka.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

// flakyProfiles отказывает в начислении, пока failing=true.
type flakyProfiles struct {
	*memory.ProfileStore
	failing atomic.Bool
}

func (f *flakyProfiles) ApplyAward(ctx context.Context, userID, awardKey string, points int64, now time.Time) (domain.LevelChange, error) {
	if f.failing.Load() {
		return domain.LevelChange{}, errors.New("profile store unavailable")
	}
	return f.ProfileStore.ApplyAward(ctx, userID, awardKey, points, now)
}

type flakyLedger struct {
	domain.OrderLedger
	failCreate    atomic.Bool
	failItems     atomic.Bool
	saveConflicts atomic.Int32
}

func (l *flakyLedger) CreateOrder(ctx context.Context, order domain.NewOrder) (domain.Order, error) {
	if l.failCreate.Load() {
		return domain.Order{}, errors.New("ledger unavailable")
	}
	return l.OrderLedger.CreateOrder(ctx, order)
}

func (l *flakyLedger) AddLineItem(ctx context.Context, orderID string, item domain.OrderItem) (domain.OrderItem, error) {
	if l.failItems.Load() {
		return domain.OrderItem{}, errors.New("ledger unavailable")
	}
	return l.OrderLedger.AddLineItem(ctx, orderID, item)
}

func (l *flakyLedger) Save(ctx context.Context, order domain.Order) error {
	if l.saveConflicts.Load() > 0 {
		l.saveConflicts.Add(-1)
		return domain.ErrOrderVersionConflict
	}
	return l.OrderLedger.Save(ctx, order)
}

type fixture struct {
	svc       *Service
	catalog   *memory.CatalogStore
	profiles  *flakyProfiles
	ledger    *flakyLedger
	sagas     domain.SagaRepository
	outbox    *memory.OutboxRepository
	timeline  domain.TimelineRepository
	events    *eventRecorder
	notified  atomic.Int32
	notifyOK  atomic.Bool
	collector *metrics.CheckoutMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		catalog:   memory.NewCatalogStore(),
		profiles:  &flakyProfiles{ProfileStore: memory.NewProfileStore()},
		ledger:    &flakyLedger{OrderLedger: memory.NewOrderLedger()},
		sagas:     memory.NewSagaRepository(),
		outbox:    memory.NewOutboxRepository(),
		timeline:  memory.NewTimelineRepository(),
		events:    &eventRecorder{},
		collector: metrics.NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry()),
	}
	f.notifyOK.Store(true)

	require.NoError(t, f.catalog.SaveProduct(ctx, domain.Product{
		ID:       "dress",
		Name:     "Floral Dress",
		XPReward: 100,
		Variations: []domain.ColorVariation{
			{ColorName: "Blush", SizeStock: []domain.SizeStock{{Size: "S", Quantity: 3}, {Size: "M", Quantity: 5}}},
		},
	}))
	require.NoError(t, f.catalog.SaveProduct(ctx, domain.Product{
		ID:       "tee",
		Name:     "Basic Tee",
		XPReward: 10,
		Sizes:    []domain.SizeStock{{Size: "M", Quantity: 2}},
	}))

	f.svc = NewService(Dependencies{
		Stock:       stock.NewEngine(f.catalog, nil),
		Progression: progression.NewEngine(f.profiles, nil),
		Notifier: notifierFunc(func(context.Context, string, domain.Order, []domain.OrderItem) bool {
			f.notified.Add(1)
			return f.notifyOK.Load()
		}),
		Ledger:   f.ledger,
		Sagas:    f.sagas,
		Outbox:   f.outbox,
		Timeline: f.timeline,
		Events:   f.events,
		Metrics:  f.collector,
	}, WithClock(func() time.Time { return time.Now().UTC().Add(time.Hour) }))
	return f
}

func (f *fixture) stock(t *testing.T, productID string, size string) int {
	t.Helper()
	product, err := f.catalog.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	for _, v := range product.Variations {
		for _, s := range v.SizeStock {
			if s.Size == size {
				return s.Quantity
			}
		}
	}
	for _, s := range product.Sizes {
		if s.Size == size {
			return s.Quantity
		}
	}
	t.Fatalf("no stock cell %s/%s", productID, size)
	return 0
}

func (f *fixture) timelineTypes(t *testing.T, orderID string) []string {
	t.Helper()
	events, err := f.timeline.List(context.Background(), orderID)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func request(lines ...domain.CheckoutLine) domain.CheckoutRequest {
	return domain.CheckoutRequest{
		UserID:      "user-1",
		Lines:       lines,
		TotalAmount: decimal.RequireFromString("89.90"),
		Shipping: domain.ShippingAddress{
			FullName:   "Ann Lee",
			Line1:      "1 Main St",
			City:       "Springfield",
			PostalCode: "12345",
			Country:    "US",
		},
		Email: "ann@example.com",
	}
}

func dressLine(size string, qty int) domain.CheckoutLine {
	return domain.CheckoutLine{ProductID: "dress", Size: size, Color: "Blush", Quantity: qty, UnitPrice: decimal.RequireFromString("29.95")}
}

func TestPlaceOrder_Completes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.PlaceOrder(ctx, request(
		dressLine("M", 1),
		domain.CheckoutLine{ProductID: "tee", Size: "M", Quantity: 2, UnitPrice: decimal.RequireFromString("15.00")},
	))
	require.NoError(t, err)
	require.NotEmpty(t, result.OrderID)
	require.EqualValues(t, 120, result.XPEarned)
	require.Nil(t, result.LevelUp)
	require.Equal(t, 1, result.NewLevel)
	require.EqualValues(t, 120, result.CurrentPoints)

	require.Equal(t, 4, f.stock(t, "dress", "M"))
	require.Equal(t, 0, f.stock(t, "tee", "M"))

	order, err := f.ledger.Get(ctx, result.OrderID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusProcessing, order.Status)
	require.Len(t, order.Items, 2)
	require.Equal(t, domain.LineItemID(result.OrderID, 0), order.Items[0].ID)
	require.Equal(t, "Ann Lee, 1 Main St, Springfield, 12345, US", order.ShippingSnapshot)

	saga, err := f.sagas.Get(ctx, result.OrderID)
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompleted, saga.Status)
	require.Equal(t, domain.CheckoutStepCompleted, saga.Step)

	pending := f.outbox.AllPending()
	require.Len(t, pending, 1)
	require.Equal(t, kafka.OutboxEventOrderPlaced, pending[0].EventType)

	require.EqualValues(t, 1, f.notified.Load())
	require.Equal(t, []kafka.EventType{kafka.EventTypeCheckoutStarted, kafka.EventTypeCheckoutCompleted}, f.events.types())
	require.Equal(t, []string{
		domain.TimelineStockClaimed,
		domain.TimelineOrderPlaced,
		domain.TimelinePointsAwarded,
		domain.TimelineConfirmationSent,
	}, f.timelineTypes(t, result.OrderID))
}

func TestPlaceOrder_LevelUp(t *testing.T) {
	f := newFixture(t)
	f.profiles.PutProfile(domain.Profile{UserID: "user-1", Points: 950})

	result, err := f.svc.PlaceOrder(context.Background(), request(dressLine("S", 1)))
	require.NoError(t, err)
	require.NotNil(t, result.LevelUp)
	require.Equal(t, "Style Explorer", *result.LevelUp)
	require.Equal(t, 2, result.NewLevel)
	require.EqualValues(t, 1050, result.CurrentPoints)
	require.Contains(t, f.events.types(), kafka.EventTypePlayerLeveledUp)
}

func TestPlaceOrder_InvalidRequest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.CheckoutRequest)
	}{
		{"missing user", func(r *domain.CheckoutRequest) { r.UserID = "" }},
		{"no lines", func(r *domain.CheckoutRequest) { r.Lines = nil }},
		{"zero quantity", func(r *domain.CheckoutRequest) { r.Lines[0].Quantity = 0 }},
		{"bad email", func(r *domain.CheckoutRequest) { r.Email = "not-an-email" }},
		{"negative total", func(r *domain.CheckoutRequest) { r.TotalAmount = decimal.NewFromInt(-1) }},
		{"negative price", func(r *domain.CheckoutRequest) { r.Lines[0].UnitPrice = decimal.NewFromInt(-5) }},
		{"missing address", func(r *domain.CheckoutRequest) { r.Shipping.City = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := request(dressLine("M", 1))
			tc.mutate(&req)

			_, err := f.svc.PlaceOrder(context.Background(), req)
			require.ErrorIs(t, err, domain.ErrInvalidRequest)
			require.Equal(t, 5, f.stock(t, "dress", "M"))
		})
	}
}

func TestPlaceOrder_RejectsWholeOrderOnStockShortage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.PlaceOrder(ctx, request(
		dressLine("M", 2),
		domain.CheckoutLine{ProductID: "tee", Size: "M", Quantity: 3, UnitPrice: decimal.RequireFromString("15.00")},
	))
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	var stockErr *domain.StockError
	require.ErrorAs(t, err, &stockErr)
	require.Equal(t, "tee", stockErr.ProductID)
	require.Equal(t, 2, stockErr.Available)

	require.Equal(t, 5, f.stock(t, "dress", "M"))
	require.Equal(t, 2, f.stock(t, "tee", "M"))

	orders, err := f.ledger.ListByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestPlaceOrder_UnknownProductAndSize(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PlaceOrder(context.Background(), request(domain.CheckoutLine{ProductID: "ghost", Quantity: 1}))
	require.ErrorIs(t, err, domain.ErrProductNotFound)

	_, err = f.svc.PlaceOrder(context.Background(), request(dressLine("XL", 1)))
	require.ErrorIs(t, err, domain.ErrSizeUnavailableForColor)
}

func TestPlaceOrder_NoOversellUnderConcurrency(t *testing.T) {
	f := newFixture(t)

	const buyers = 20
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.PlaceOrder(context.Background(), request(dressLine("M", 1)))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 5, succeeded.Load())
	require.EqualValues(t, buyers-5, rejected.Load())
	require.Equal(t, 0, f.stock(t, "dress", "M"))
}

func TestPlaceOrder_NotificationFailureDoesNotFailOrder(t *testing.T) {
	f := newFixture(t)
	f.notifyOK.Store(false)

	result, err := f.svc.PlaceOrder(context.Background(), request(dressLine("M", 1)))
	require.NoError(t, err)
	require.Contains(t, f.timelineTypes(t, result.OrderID), domain.TimelineConfirmationFailed)

	saga, err := f.sagas.Get(context.Background(), result.OrderID)
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompleted, saga.Status)
}

func TestPlaceOrder_ProgressionFailureKeepsOrderAndReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.profiles.PutProfile(domain.Profile{UserID: "user-1", Points: 300})
	f.profiles.failing.Store(true)

	result, err := f.svc.PlaceOrder(ctx, request(dressLine("M", 1)))
	require.NoError(t, err)
	require.EqualValues(t, 100, result.XPEarned)
	require.Nil(t, result.LevelUp)
	require.Equal(t, 1, result.NewLevel)
	require.EqualValues(t, 300, result.CurrentPoints)

	_, err = f.ledger.Get(ctx, result.OrderID)
	require.NoError(t, err)
	saga, err := f.sagas.Get(ctx, result.OrderID)
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusInProgress, saga.Status)
	require.NotEmpty(t, saga.LastError)

	f.profiles.failing.Store(false)
	reconciler := NewReconciler(f.svc, nil, ReconcilerConfig{}, nil)
	report, err := reconciler.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Completed)

	profile, err := f.profiles.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 400, profile.Points)

	// повторный проход ничего не начисляет
	report, err = reconciler.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Scanned)
	require.EqualValues(t, 1, f.notified.Load())
}

func TestPlaceOrder_LedgerFailureReleasesStock(t *testing.T) {
	f := newFixture(t)
	f.ledger.failCreate.Store(true)

	_, err := f.svc.PlaceOrder(context.Background(), request(dressLine("M", 2)))
	require.Error(t, err)
	require.Equal(t, 5, f.stock(t, "dress", "M"))
	require.Zero(t, f.notified.Load())
	require.Contains(t, f.events.types(), kafka.EventTypeCheckoutCompensated)
}

func TestPlaceOrder_PartialItemsRestoredByReconciler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.failItems.Store(true)

	result, err := f.svc.PlaceOrder(ctx, request(dressLine("M", 1), dressLine("S", 1)))
	require.NoError(t, err)

	order, err := f.ledger.Get(ctx, result.OrderID)
	require.NoError(t, err)
	require.Empty(t, order.Items)

	f.ledger.failItems.Store(false)
	report, err := NewReconciler(f.svc, nil, ReconcilerConfig{}, nil).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Completed)

	order, err = f.ledger.Get(ctx, result.OrderID)
	require.NoError(t, err)
	require.Len(t, order.Items, 2)

	profile, err := f.profiles.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 200, profile.Points)
}

func TestGetOrderAndProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.PlaceOrder(ctx, request(dressLine("M", 1)))
	require.NoError(t, err)

	order, err := f.svc.GetOrder(ctx, result.OrderID)
	require.NoError(t, err)
	require.Equal(t, "user-1", order.UserID)

	orders, err := f.svc.ListOrders(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	profile, err := f.svc.Profile(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 100, profile.Points)

	fresh, err := f.svc.Profile(ctx, "newcomer")
	require.NoError(t, err)
	require.Equal(t, 1, fresh.Level)

	_, err = f.svc.GetOrder(ctx, "")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = f.svc.GetOrder(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}
