package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	// OrderStatusCancelled — терминальная альтернатива, доступна только до отгрузки.
	OrderStatusCancelled OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo сообщает, разрешён ли переход s → next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ShippingAddress — адрес доставки из запроса. В заказ попадает только его текстовый снимок.
type ShippingAddress struct {
	FullName   string `json:"fullName" validate:"required"`
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode" validate:"required"`
	Country    string `json:"country" validate:"required"`
	Phone      string `json:"phone,omitempty"`
}

// Snapshot денормализует адрес в одну строку; последующие правки адресной книги заказ не меняют.
func (a ShippingAddress) Snapshot() string {
	parts := []string{a.FullName, a.Line1, a.Line2, a.City, a.State, a.PostalCode, a.Country}
	out := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if phone := strings.TrimSpace(a.Phone); phone != "" {
		out = append(out, "tel. "+phone)
	}
	return strings.Join(out, ", ")
}

// Tracking — поля отгрузки, заполняются фулфилментом.
type Tracking struct {
	Carrier        string
	TrackingNumber string
}

// OrderItem — позиция заказа. Цена и картинка — снимки на момент оформления.
type OrderItem struct {
	ID        string
	OrderID   string
	ProductID string
	Size      string
	Color     string
	Quantity  int
	UnitPrice decimal.Decimal
	ImageURL  string
	VendorID  string
	CreatedAt time.Time
}

// Subtotal возвращает quantity * unit price.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order агрегирует заказ и его позиции.
type Order struct {
	ID                string
	UserID            string
	TotalAmount       decimal.Decimal
	Status            OrderStatus
	ShippingSnapshot  string
	EstimatedDelivery time.Time
	Tracking          Tracking
	Items             []OrderItem
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewOrder — параметры CreateOrder. Леджер ничего не валидирует по бизнесу: это сделано выше.
type NewOrder struct {
	ID                          string
	UserID                      string
	TotalAmount                 decimal.Decimal
	ShippingSnapshot            string
	EstimatedDeliveryOffsetDays int
	CreatedAt                   time.Time
}

// Build превращает параметры в заказ со статусом processing.
func (n NewOrder) Build() Order {
	created := n.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return Order{
		ID:                n.ID,
		UserID:            n.UserID,
		TotalAmount:       n.TotalAmount,
		Status:            OrderStatusProcessing,
		ShippingSnapshot:  n.ShippingSnapshot,
		EstimatedDelivery: created.AddDate(0, 0, n.EstimatedDeliveryOffsetDays),
		Items:             []OrderItem{},
		CreatedAt:         created,
		UpdatedAt:         created,
	}
}

// LineItemID строит детерминированный идентификатор позиции,
// чтобы повторная запись позиции реконсилером была идемпотентной.
func LineItemID(orderID string, index int) string {
	return fmt.Sprintf("%s-%d", orderID, index)
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.TotalAmount.IsNegative() {
		errs = append(errs, ErrAmountNegative)
	}
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrInvalidQuantity)
		}
		if item.UnitPrice.IsNegative() {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}

	return errs
}
