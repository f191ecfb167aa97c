package domain

import (
	"context"
	"time"
)

// CatalogStore — документное хранилище товаров.
type CatalogStore interface {
	GetProduct(ctx context.Context, productID string) (Product, error)
	// SaveProduct записывает документ и остатки, предварительно пересчитав агрегаты.
	// Счётчики продаж и просмотров берутся из product только для нового товара.
	SaveProduct(ctx context.Context, product Product) error
	// Claim атомарно списывает все позиции заказа или ни одной.
	// Повторный вызов с тем же orderID ничего не меняет.
	Claim(ctx context.Context, orderID string, lines []ClaimLine) error
	// Release возвращает списанное по заказу на склад; false, если списания не было.
	Release(ctx context.Context, orderID string) (bool, error)
	HasClaim(ctx context.Context, orderID string) (bool, error)
	IncrementViews(ctx context.Context, productID string) (int64, error)
}

// ProfileStore хранит игровые профили.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
	// ApplyAward атомарно добавляет очки и пересчитывает уровень.
	// Начисление с уже применённым awardKey возвращает LevelChange{Applied: false}.
	ApplyAward(ctx context.Context, userID, awardKey string, points int64, now time.Time) (LevelChange, error)
}

// OrderLedger — журнал заказов в реляционном хранилище.
type OrderLedger interface {
	CreateOrder(ctx context.Context, order NewOrder) (Order, error)
	AddLineItem(ctx context.Context, orderID string, item OrderItem) (OrderItem, error)
	Get(ctx context.Context, orderID string) (Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	// Save обновляет статус и трекинг заказа с проверкой версии (optimistic locking).
	Save(ctx context.Context, order Order) error
}

// SagaRepository хранит прогресс оформлений для реконсиляции.
type SagaRepository interface {
	Create(ctx context.Context, saga CheckoutSaga) error
	Get(ctx context.Context, orderID string) (CheckoutSaga, error)
	Advance(ctx context.Context, orderID string, step CheckoutStep, status SagaStatus, lastErr string) error
	SetXP(ctx context.Context, orderID string, xp int64) error
	// ListStale возвращает незавершённые саги, не обновлявшиеся с before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]CheckoutSaga, error)
}

// ConfirmationSender отправляет письмо-подтверждение заказа.
type ConfirmationSender interface {
	Send(ctx context.Context, destination string, order Order, items []OrderItem) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository — transactional outbox с арендой сообщений.
// Несколько воркеров могут опрашивать одну таблицу: арендованное сообщение
// не выдаётся повторно, пока аренда не истекла.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	// Claim арендует до limit сообщений, чьё время попытки наступило, на срок lease.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	// Reschedule снимает аренду, учитывает попытку и откладывает следующую до retryAt.
	Reschedule(ctx context.Context, id string, retryAt time.Time, cause string) error
	// MarkFailed окончательно выводит сообщение из очереди.
	MarkFailed(ctx context.Context, id string, cause string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
// List возвращает события по возрастанию Seq; порядок совпадает с порядком Append.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит результаты вызовов по idempotency-key.
// Просроченная запись считается отсутствующей: Reserve может занять ключ заново.
type IdempotencyRepository interface {
	// Reserve занимает ключ в статусе processing. Если ключ занят, возвращает
	// существующую запись и ErrIdempotencyKeyAlreadyExists или ErrIdempotencyHashMismatch.
	Reserve(ctx context.Context, record IdempotencyRecord) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	Complete(ctx context.Context, key string, outcome IdempotencyOutcome) error
	// Release освобождает ключ, который ещё в статусе processing, чтобы клиент мог повторить запрос.
	// Завершённые записи не трогаются; отсутствие ключа не ошибка.
	Release(ctx context.Context, key string) error
	// Purge удаляет до limit записей, истёкших к моменту before.
	Purge(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Attempts      int // неудачных попыток публикации
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
