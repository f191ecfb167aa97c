package kafka

import "time"

// EventType определяет тип события
type EventType string

const (
	// События оформления
	EventTypeCheckoutStarted     EventType = "checkout.started"
	EventTypeCheckoutCompleted   EventType = "checkout.completed"
	EventTypeCheckoutRejected    EventType = "checkout.rejected"
	EventTypeCheckoutCompensated EventType = "checkout.compensated"
	EventTypeCheckoutReconciled  EventType = "checkout.reconciled"

	// Прогрессия
	EventTypePlayerLeveledUp EventType = "player.leveled_up"
)

// Типы outbox-сообщений
const (
	OutboxEventOrderPlaced                = "OrderPlaced"
	OutboxEventOrderStatusChanged         = "OrderStatusChanged"
	OutboxEventOrderConfirmationRequested = "OrderConfirmationRequested"

	AggregateOrder        = "order"
	AggregateNotification = "notification"
)

// Topics для Kafka
const (
	TopicCheckoutEvents     = "chicplay.checkout.events"
	TopicOrderEvents        = "chicplay.order.events"
	TopicNotificationsEmail = "chicplay.notifications.email"
	TopicDeadLetterQueue    = "chicplay.dlq" // Dead Letter Queue для failed messages
)

// Заголовки сообщений
const (
	HeaderRetryCount = "x-retry-count"
	HeaderEventType  = "x-event-type"
	HeaderOutboxID   = "x-outbox-id"
)

// CheckoutEvent — событие жизненного цикла оформления.
type CheckoutEvent struct {
	EventType EventType              `json:"event_type"`
	OrderID   string                 `json:"order_id"`
	UserID    string                 `json:"user_id"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewCheckoutEvent создает новое событие оформления
func NewCheckoutEvent(eventType EventType, orderID, userID string, metadata map[string]interface{}) *CheckoutEvent {
	return &CheckoutEvent{
		EventType: eventType,
		OrderID:   orderID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// OrderPlacedPayload — payload outbox-события OrderPlaced.
type OrderPlacedPayload struct {
	OrderID     string    `json:"order_id"`
	UserID      string    `json:"user_id"`
	TotalAmount string    `json:"total_amount"`
	Items       int       `json:"items"`
	XPEarned    int64     `json:"xp_earned"`
	PlacedAt    time.Time `json:"placed_at"`
}

// OrderStatusChangedPayload — payload outbox-события OrderStatusChanged.
type OrderStatusChangedPayload struct {
	OrderID        string    `json:"order_id"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status"`
	Carrier        string    `json:"carrier,omitempty"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ConfirmationLine — позиция в письме-подтверждении.
type ConfirmationLine struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	Color     string `json:"color,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	ImageURL  string `json:"image_url,omitempty"`
}

// ConfirmationRequestedPayload — запрос на письмо-подтверждение заказа.
// Шаблон и отправку письма выполняет внешний сервис-потребитель топика.
type ConfirmationRequestedPayload struct {
	OrderID           string             `json:"order_id"`
	Destination       string             `json:"destination"`
	TotalAmount       string             `json:"total_amount"`
	ShippingAddress   string             `json:"shipping_address"`
	EstimatedDelivery time.Time          `json:"estimated_delivery"`
	Lines             []ConfirmationLine `json:"lines"`
}
