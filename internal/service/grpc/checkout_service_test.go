package grpcsvc_test

import (
	"context"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
	"github.com/vladislavdragonenkov/chicplay/internal/metrics"
	"github.com/vladislavdragonenkov/chicplay/internal/service/checkout"
	grpcsvc "github.com/vladislavdragonenkov/chicplay/internal/service/grpc"
	"github.com/vladislavdragonenkov/chicplay/internal/service/progression"
	"github.com/vladislavdragonenkov/chicplay/internal/service/stock"
	"github.com/vladislavdragonenkov/chicplay/internal/storage/memory"
)

const bufSize = 1024 * 1024

type testEnv struct {
	client  *grpcsvc.Client
	catalog *memory.CatalogStore
}

func idemCtx(key string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "idempotency-key", key)
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: false, DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := loggerForTests()

	catalog := memory.NewCatalogStore()
	require.NoError(t, catalog.SaveProduct(ctx, domain.Product{
		ID:       "dress",
		Name:     "Floral Dress",
		XPReward: 100,
		Variations: []domain.ColorVariation{
			{ColorName: "Blush", HexCode: "#F4C2C2", SizeStock: []domain.SizeStock{{Size: "M", Quantity: 2}}},
		},
	}))

	svc := checkout.NewService(checkout.Dependencies{
		Stock:       stock.NewEngine(catalog, logger),
		Progression: progression.NewEngine(memory.NewProfileStore(), logger),
		Ledger:      memory.NewOrderLedger(),
		Sagas:       memory.NewSagaRepository(),
		Outbox:      memory.NewOutboxRepository(),
		Timeline:    memory.NewTimelineRepository(),
		Metrics:     metrics.NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry()),
		Logger:      logger,
	})

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	grpcsvc.RegisterCheckoutServiceServer(server, grpcsvc.NewCheckoutService(svc, memory.NewIdempotencyRepository(), logger))
	go func() {
		if err := server.Serve(listener); err != nil {
			logger.WithError(err).Error("grpc serve failed")
		}
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
	})

	return &testEnv{client: grpcsvc.NewClient(conn), catalog: catalog}
}

func placeOrderBody(qty int) map[string]any {
	return map[string]any{
		"userId": "user-1",
		"items": []map[string]any{
			{"productId": "dress", "quantity": qty, "size": "M", "selectedColor": "Blush", "price": "49.90"},
		},
		"totalAmount": "49.90",
		"shippingAddress": map[string]any{
			"fullName":   "Ann Lee",
			"line1":      "1 Main St",
			"city":       "Springfield",
			"postalCode": "12345",
			"country":    "US",
		},
	}
}

func requireCode(t *testing.T, err error, expected codes.Code) {
	t.Helper()
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, expected, st.Code(), st.Message())
}

func TestPlaceOrder_ReturnsRewardsAndOrder(t *testing.T) {
	env := newTestServer(t)

	var result domain.CheckoutResult
	err := env.client.Call(idemCtx("key-1"), grpcsvc.MethodPlaceOrder, placeOrderBody(2), &result)
	require.NoError(t, err)
	require.NotEmpty(t, result.OrderID)
	require.EqualValues(t, 200, result.XPEarned)
	require.Nil(t, result.LevelUp)
	require.Equal(t, 1, result.NewLevel)
	require.EqualValues(t, 200, result.CurrentPoints)

	var order grpcsvc.OrderView
	err = env.client.Call(context.Background(), grpcsvc.MethodGetOrder, grpcsvc.GetOrderRequest{OrderID: result.OrderID}, &order)
	require.NoError(t, err)
	require.Equal(t, "processing", order.Status)
	require.Equal(t, "49.90", order.TotalAmount)
	require.Len(t, order.Items, 1)
	require.Equal(t, "Blush", order.Items[0].Color)
	require.NotEmpty(t, order.Timeline)

	var list grpcsvc.ListOrdersResponse
	err = env.client.Call(context.Background(), grpcsvc.MethodListOrders, grpcsvc.ListOrdersRequest{UserID: "user-1"}, &list)
	require.NoError(t, err)
	require.Len(t, list.Orders, 1)

	var profile grpcsvc.ProfileView
	err = env.client.Call(context.Background(), grpcsvc.MethodGetProfile, grpcsvc.GetProfileRequest{UserID: "user-1"}, &profile)
	require.NoError(t, err)
	require.EqualValues(t, 200, profile.Points)
	require.Equal(t, "Newbie Fashionista", profile.Title)
}

func TestPlaceOrder_InsufficientStockIsFailedPrecondition(t *testing.T) {
	env := newTestServer(t)

	require.NoError(t, env.client.Call(idemCtx("first"), grpcsvc.MethodPlaceOrder, placeOrderBody(2), nil))

	err := env.client.Call(idemCtx("second"), grpcsvc.MethodPlaceOrder, placeOrderBody(1), nil)
	requireCode(t, err, codes.FailedPrecondition)
	require.Contains(t, status.Convert(err).Message(), "Floral Dress")
	require.Contains(t, status.Convert(err).Message(), "only 0 left")

	product, err := env.catalog.GetProduct(context.Background(), "dress")
	require.NoError(t, err)
	require.Zero(t, product.TotalStock)
}

func TestPlaceOrder_IdempotentReplay(t *testing.T) {
	env := newTestServer(t)

	var first, second domain.CheckoutResult
	require.NoError(t, env.client.Call(idemCtx("same"), grpcsvc.MethodPlaceOrder, placeOrderBody(1), &first))
	require.NoError(t, env.client.Call(idemCtx("same"), grpcsvc.MethodPlaceOrder, placeOrderBody(1), &second))
	require.Equal(t, first, second)

	product, err := env.catalog.GetProduct(context.Background(), "dress")
	require.NoError(t, err)
	require.Equal(t, 1, product.TotalStock)

	err = env.client.Call(idemCtx("same"), grpcsvc.MethodPlaceOrder, placeOrderBody(2), nil)
	requireCode(t, err, codes.AlreadyExists)
}

func TestPlaceOrder_FailureIsReplayed(t *testing.T) {
	env := newTestServer(t)

	err := env.client.Call(idemCtx("bad"), grpcsvc.MethodPlaceOrder, placeOrderBody(5), nil)
	requireCode(t, err, codes.FailedPrecondition)

	// повтор с тем же ключом отдаёт сохранённую ошибку, а не проверяет склад заново
	err = env.client.Call(idemCtx("bad"), grpcsvc.MethodPlaceOrder, placeOrderBody(5), nil)
	requireCode(t, err, codes.FailedPrecondition)
}

func TestPlaceOrder_RequestValidation(t *testing.T) {
	env := newTestServer(t)

	err := env.client.Call(context.Background(), grpcsvc.MethodPlaceOrder, placeOrderBody(1), nil)
	requireCode(t, err, codes.InvalidArgument)

	body := placeOrderBody(1)
	body["coupon"] = "FREE"
	err = env.client.Call(idemCtx("unknown-field"), grpcsvc.MethodPlaceOrder, body, nil)
	requireCode(t, err, codes.InvalidArgument)

	body = placeOrderBody(1)
	body["items"] = []map[string]any{{"productId": "ghost", "quantity": 1, "price": "1.00"}}
	err = env.client.Call(idemCtx("ghost"), grpcsvc.MethodPlaceOrder, body, nil)
	requireCode(t, err, codes.NotFound)
}

func TestUpdateOrderStatus(t *testing.T) {
	env := newTestServer(t)

	var result domain.CheckoutResult
	require.NoError(t, env.client.Call(idemCtx("k"), grpcsvc.MethodPlaceOrder, placeOrderBody(1), &result))

	var order grpcsvc.OrderView
	err := env.client.Call(context.Background(), grpcsvc.MethodUpdateOrderStatus, grpcsvc.UpdateOrderStatusRequest{
		OrderID:        result.OrderID,
		Status:         "Shipped",
		Carrier:        "DHL",
		TrackingNumber: "JD0001",
	}, &order)
	require.NoError(t, err)
	require.Equal(t, "shipped", order.Status)
	require.Equal(t, "DHL", order.Carrier)

	err = env.client.Call(context.Background(), grpcsvc.MethodUpdateOrderStatus, grpcsvc.UpdateOrderStatusRequest{
		OrderID: result.OrderID,
		Status:  "cancelled",
	}, nil)
	requireCode(t, err, codes.FailedPrecondition)

	err = env.client.Call(context.Background(), grpcsvc.MethodUpdateOrderStatus, grpcsvc.UpdateOrderStatusRequest{
		OrderID: "missing",
		Status:  "shipped",
	}, nil)
	requireCode(t, err, codes.NotFound)
}

func TestReadOperations_RequireIdentifiers(t *testing.T) {
	env := newTestServer(t)

	requireCode(t, env.client.Call(context.Background(), grpcsvc.MethodGetOrder, grpcsvc.GetOrderRequest{}, nil), codes.InvalidArgument)
	requireCode(t, env.client.Call(context.Background(), grpcsvc.MethodListOrders, grpcsvc.ListOrdersRequest{}, nil), codes.InvalidArgument)
	requireCode(t, env.client.Call(context.Background(), grpcsvc.MethodGetProfile, grpcsvc.GetProfileRequest{}, nil), codes.InvalidArgument)
	requireCode(t, env.client.Call(context.Background(), grpcsvc.MethodGetOrder, grpcsvc.GetOrderRequest{OrderID: "missing"}, nil), codes.NotFound)

	var profile grpcsvc.ProfileView
	require.NoError(t, env.client.Call(context.Background(), grpcsvc.MethodGetProfile, grpcsvc.GetProfileRequest{UserID: "newcomer"}, &profile))
	require.Equal(t, 1, profile.Level)
}

func TestViewProduct_CountsViews(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	var first, second grpcsvc.ProductView
	require.NoError(t, env.client.Call(ctx, grpcsvc.MethodViewProduct, grpcsvc.ViewProductRequest{ProductID: "dress"}, &first))
	require.NoError(t, env.client.Call(ctx, grpcsvc.MethodViewProduct, grpcsvc.ViewProductRequest{ProductID: "dress"}, &second))

	require.Equal(t, "Floral Dress", first.Name)
	require.Equal(t, 2, first.TotalStock)
	require.Len(t, first.ColorVariations, 1)
	require.Equal(t, "Blush", first.ColorVariations[0].ColorName)
	require.Equal(t, []grpcsvc.SizeStockView{{Size: "M", Quantity: 2}}, first.Sizes)
	require.EqualValues(t, 1, first.ViewCount)
	require.EqualValues(t, 2, second.ViewCount)

	product, err := env.catalog.GetProduct(ctx, "dress")
	require.NoError(t, err)
	require.EqualValues(t, 2, product.ViewCount)

	requireCode(t, env.client.Call(ctx, grpcsvc.MethodViewProduct, grpcsvc.ViewProductRequest{}, nil), codes.InvalidArgument)
	requireCode(t, env.client.Call(ctx, grpcsvc.MethodViewProduct, grpcsvc.ViewProductRequest{ProductID: "ghost"}, nil), codes.NotFound)
}
