package domain

import "time"

// Типы событий таймлайна заказа.
const (
	TimelineOrderPlaced         = "OrderPlaced"
	TimelineStockClaimed        = "StockClaimed"
	TimelineStockReleased       = "StockReleased"
	TimelinePointsAwarded       = "PointsAwarded"
	TimelineConfirmationSent    = "ConfirmationSent"
	TimelineConfirmationFailed  = "ConfirmationFailed"
	TimelineOrderStatusChanged  = "OrderStatusChanged"
	TimelineCheckoutReconciled  = "CheckoutReconciled"
	TimelineProgressionDeferred = "ProgressionDeferred"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
// Seq — порядковый номер внутри заказа, начиная с 1; назначается хранилищем.
type TimelineEvent struct {
	OrderID  string
	Seq      int64
	Type     string
	Reason   string
	Occurred time.Time
}
