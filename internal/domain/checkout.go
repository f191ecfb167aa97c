package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CheckoutLine — позиция запроса на оформление.
type CheckoutLine struct {
	ProductID string          `json:"productId" validate:"required"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	Size      string          `json:"size"`
	Color     string          `json:"selectedColor,omitempty"`
	UnitPrice decimal.Decimal `json:"price"`
	ImageURL  string          `json:"displayedImage,omitempty"`
	VendorID  string          `json:"vendorId,omitempty"`
}

// CheckoutRequest — вход оркестратора после аутентификации.
type CheckoutRequest struct {
	UserID      string          `json:"userId" validate:"required"`
	Lines       []CheckoutLine  `json:"items" validate:"required,min=1,dive"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Shipping    ShippingAddress `json:"shippingAddress"`
	Email       string          `json:"email,omitempty" validate:"omitempty,email"`
}

// CheckoutResult — ответ успешного оформления.
type CheckoutResult struct {
	OrderID       string  `json:"orderId"`
	XPEarned      int64   `json:"xpEarned"`
	LevelUp       *string `json:"levelUp"`
	NewLevel      int     `json:"newLevel"`
	CurrentPoints int64   `json:"currentPoints"`
}

// CheckoutStep — состояние линейной машины оформления.
type CheckoutStep string

const (
	CheckoutStepReceived      CheckoutStep = "received"
	CheckoutStepValidated     CheckoutStep = "validated"
	CheckoutStepStockAdjusted CheckoutStep = "stock_adjusted"
	CheckoutStepRecorded      CheckoutStep = "recorded"
	CheckoutStepRewarded      CheckoutStep = "rewarded"
	CheckoutStepNotified      CheckoutStep = "notified"
	CheckoutStepCompleted     CheckoutStep = "completed"
)

var checkoutStepRank = map[CheckoutStep]int{
	CheckoutStepReceived:      0,
	CheckoutStepValidated:     1,
	CheckoutStepStockAdjusted: 2,
	CheckoutStepRecorded:      3,
	CheckoutStepRewarded:      4,
	CheckoutStepNotified:      5,
	CheckoutStepCompleted:     6,
}

// Reached сообщает, пройден ли шаг target.
func (s CheckoutStep) Reached(target CheckoutStep) bool {
	return checkoutStepRank[s] >= checkoutStepRank[target]
}

// SagaStatus — статус записи саги.
type SagaStatus string

const (
	SagaStatusInProgress  SagaStatus = "in_progress"
	SagaStatusCompleted   SagaStatus = "completed"
	SagaStatusRejected    SagaStatus = "rejected"
	SagaStatusCompensated SagaStatus = "compensated"
)

// CheckoutSaga хранит прогресс оформления, чтобы после падения процесса
// реконсилер мог довести заказ или откатить списание.
type CheckoutSaga struct {
	OrderID   string
	UserID    string
	Status    SagaStatus
	Step      CheckoutStep
	XPEarned  int64
	Request   []byte // JSON CheckoutRequest
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}
