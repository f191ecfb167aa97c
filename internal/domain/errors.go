package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrProductNotFound — товар из запроса отсутствует в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientStock — запрошено больше, чем осталось на складе.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrSizeUnavailableForColor — у выбранного цвета нет такого размера (или нет самого цвета).
	ErrSizeUnavailableForColor = errors.New("size unavailable for color")
	// ErrSizeUnavailable — ячейка, зафиксированная при проверке, исчезла из каталога к моменту списания.
	ErrSizeUnavailable = errors.New("size unavailable")
	// ErrDeductionRace — остаток израсходован конкурентным заказом между проверкой и списанием.
	ErrDeductionRace = errors.New("stock deduction lost a concurrent race")
	// ErrInvalidQuantity — количество в позиции должно быть > 0.
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")

	// ErrInvalidRequest — запрос на оформление не прошёл структурную проверку.
	ErrInvalidRequest = errors.New("invalid checkout request")

	// ErrOrderNotFound возвращается, если заказ не найден в леджере.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists — заказ с таким ID уже записан.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrInvalidStatusTransition — переход статуса заказа не разрешён.
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	// ErrOrderIncomplete — заказ в леджере не прошёл ValidateInvariants (например, позиции ещё не дописаны).
	ErrOrderIncomplete  = errors.New("order is incomplete")
	ErrUserRequired     = errors.New("user_id is required")
	ErrItemsRequired    = errors.New("order must contain at least one item")
	ErrAmountNegative   = errors.New("total amount must be non-negative")
	ErrItemPriceInvalid = errors.New("item price must be non-negative")

	// ErrProfileNotFound — профиль игрока ещё не создан.
	ErrProfileNotFound = errors.New("player profile not found")
	// ErrInvalidPoints — начисление очков не может быть отрицательным.
	ErrInvalidPoints = errors.New("points must be non-negative")
	// ErrProgressionPersistence — не удалось сохранить начисление опыта.
	ErrProgressionPersistence = errors.New("progression persistence failure")

	// ErrNotificationFailed — письмо не отправлено; наружу никогда не пробрасывается.
	ErrNotificationFailed = errors.New("notification failure")
	// ErrNotificationDestinationRequired — нет адреса для подтверждения заказа.
	ErrNotificationDestinationRequired = errors.New("notification destination is required")

	// ErrSagaNotFound — для заказа нет записи саги оформления.
	ErrSagaNotFound = errors.New("checkout saga not found")
	// ErrSagaAlreadyExists — сага для этого заказа уже заведена.
	ErrSagaAlreadyExists = errors.New("checkout saga already exists")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxMessageNotFound — сообщения нет или оно уже не в очереди.
	ErrOutboxMessageNotFound = errors.New("outbox message not found")
)

// StockError описывает отказ по конкретной позиции заказа.
// Kind всегда один из stock-sentinel'ов выше, поэтому errors.Is работает как обычно.
type StockError struct {
	Kind        error
	ProductID   string
	ProductName string
	Size        string
	Color       string
	Requested   int
	Available   int
	// Race выставляется, когда проверка прошла, но атомарное списание проиграло гонку.
	Race bool
}

func (e *StockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = e.ProductID
	}
	variant := e.Size
	if e.Color != "" {
		variant = e.Color + "/" + e.Size
	}

	switch {
	case errors.Is(e.Kind, ErrInsufficientStock):
		return fmt.Sprintf("insufficient stock for %q (%s): requested %d, only %d left",
			name, variant, e.Requested, e.Available)
	case errors.Is(e.Kind, ErrSizeUnavailableForColor):
		return fmt.Sprintf("size %s is not available in color %s for %q", e.Size, e.Color, name)
	case errors.Is(e.Kind, ErrSizeUnavailable):
		return fmt.Sprintf("size %s is not available for %q", e.Size, name)
	default:
		return fmt.Sprintf("%v: %q", e.Kind, name)
	}
}

func (e *StockError) Unwrap() []error {
	if e.Race {
		return []error{e.Kind, ErrDeductionRace}
	}
	return []error{e.Kind}
}

// IsStockError сообщает, что отказ относится к валидации остатков (ответ 409 для клиента).
func IsStockError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrSizeUnavailableForColor) ||
		errors.Is(err, ErrSizeUnavailable)
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}
