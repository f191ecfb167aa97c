package domain_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// helper для создания базового заказа с одной позицией.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:          "order-1",
		UserID:      "user-1",
		Status:      domain.OrderStatusProcessing,
		TotalAmount: decimal.RequireFromString("119.98"),
		Items: []domain.OrderItem{
			{
				ID:        "order-1-0",
				ProductID: "dress-1",
				Size:      "M",
				Color:     "Blush",
				Quantity:  2,
				UnitPrice: decimal.RequireFromString("59.99"),
				CreatedAt: now,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	require.Empty(t, order.ValidateInvariants())
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
		want error
	}{
		{name: "no user", mut: func(o *domain.Order) { o.UserID = "" }, want: domain.ErrUserRequired},
		{name: "negative amount", mut: func(o *domain.Order) { o.TotalAmount = decimal.NewFromInt(-1) }, want: domain.ErrAmountNegative},
		{name: "no items", mut: func(o *domain.Order) { o.Items = nil }, want: domain.ErrItemsRequired},
		{name: "qty invalid", mut: func(o *domain.Order) { o.Items[0].Quantity = 0 }, want: domain.ErrInvalidQuantity},
		{name: "price invalid", mut: func(o *domain.Order) { o.Items[0].UnitPrice = decimal.NewFromInt(-5) }, want: domain.ErrItemPriceInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)
			require.Contains(t, order.ValidateInvariants(), tc.want)
		})
	}
}

func TestOrderItemSubtotal(t *testing.T) {
	item := makeOrder().Items[0]
	require.True(t, item.Subtotal().Equal(decimal.RequireFromString("119.98")))
}

func TestNewOrderBuild(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	order := domain.NewOrder{
		ID:                          "order-9",
		UserID:                      "user-9",
		TotalAmount:                 decimal.NewFromInt(10),
		ShippingSnapshot:            "Jane Doe, 1 Main St, Springfield, 12345, US",
		EstimatedDeliveryOffsetDays: 5,
		CreatedAt:                   created,
	}.Build()

	require.Equal(t, domain.OrderStatusProcessing, order.Status)
	require.Equal(t, created.AddDate(0, 0, 5), order.EstimatedDelivery)
	require.NotNil(t, order.Items)
	require.Empty(t, order.Items)
}

func TestOrderStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to domain.OrderStatus
		want     bool
	}{
		{domain.OrderStatusPending, domain.OrderStatusProcessing, true},
		{domain.OrderStatusProcessing, domain.OrderStatusShipped, true},
		{domain.OrderStatusShipped, domain.OrderStatusDelivered, true},
		{domain.OrderStatusProcessing, domain.OrderStatusCancelled, true},
		{domain.OrderStatusShipped, domain.OrderStatusCancelled, false},
		{domain.OrderStatusDelivered, domain.OrderStatusProcessing, false},
		{domain.OrderStatusCancelled, domain.OrderStatusPending, false},
		{domain.OrderStatusProcessing, domain.OrderStatusPending, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			require.Equal(t, tc.want, tc.from.CanTransitionTo(tc.to))
		})
	}
	require.False(t, domain.OrderStatus("lost").Valid())
}

func TestShippingAddressSnapshot(t *testing.T) {
	addr := domain.ShippingAddress{
		FullName:   "Jane Doe",
		Line1:      "1 Main St",
		City:       "Springfield",
		PostalCode: "12345",
		Country:    "US",
		Phone:      " 555-0100 ",
	}
	require.Equal(t, "Jane Doe, 1 Main St, Springfield, 12345, US, tel. 555-0100", addr.Snapshot())
}

func TestLineItemID(t *testing.T) {
	require.Equal(t, "order-1-2", domain.LineItemID("order-1", 2))
}
