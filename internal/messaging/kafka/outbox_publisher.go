package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// OutboxEnvelope — формат outbox-сообщения в Kafka.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   time.Time       `json:"published_at"`
}

// DecodeOutboxEnvelope восстанавливает outbox-сообщение из значения Kafka.
func DecodeOutboxEnvelope(value []byte) (domain.OutboxMessage, error) {
	var envelope OutboxEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("failed to unmarshal outbox envelope: %w", err)
	}
	return domain.OutboxMessage{
		ID:            envelope.ID,
		AggregateType: envelope.AggregateType,
		AggregateID:   envelope.AggregateID,
		EventType:     envelope.EventType,
		Payload:       []byte(envelope.Payload),
		CreatedAt:     envelope.CreatedAt,
	}, nil
}

// DefaultOutboxRoutes: события заказа и запросы на письма живут в разных топиках.
func DefaultOutboxRoutes() map[string]string {
	return map[string]string{
		AggregateOrder:        TopicOrderEvents,
		AggregateNotification: TopicNotificationsEmail,
	}
}

// Router выбирает топик по типу агрегата.
type Router struct {
	fallback string
	routes   map[string]string
}

// NewRouter: агрегаты без маршрута уходят в fallback (по умолчанию TopicOrderEvents).
func NewRouter(fallback string, routes map[string]string) Router {
	if fallback == "" {
		fallback = TopicOrderEvents
	}
	return Router{fallback: fallback, routes: routes}
}

func (r Router) Route(aggregateType string) string {
	if topic := r.routes[aggregateType]; topic != "" {
		return topic
	}
	return r.fallback
}

type rawSender interface {
	PublishRaw(topic, key string, value []byte, headers map[string]string) error
}

// OutboxPublisher отправляет outbox-сообщения в конверте OutboxEnvelope.
// Тип события и id дублируются в заголовках, чтобы консьюмеры могли фильтровать без разбора тела.
type OutboxPublisher struct {
	sender rawSender
	router Router
	now    func() time.Time
}

func NewOutboxPublisher(producer *Producer, router Router) *OutboxPublisher {
	p := &OutboxPublisher{router: router, now: func() time.Time { return time.Now().UTC() }}
	if producer != nil {
		p.sender = producer
	}
	return p
}

// NewDeadLetterPublisher пишет всё в TopicDeadLetterQueue.
func NewDeadLetterPublisher(producer *Producer) *OutboxPublisher {
	return NewOutboxPublisher(producer, NewRouter(TopicDeadLetterQueue, nil))
}

func (p *OutboxPublisher) Publish(msg domain.OutboxMessage) error {
	if p == nil || p.sender == nil {
		return errors.New("kafka outbox publisher is not initialized")
	}

	value, err := json.Marshal(OutboxEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		CreatedAt:     msg.CreatedAt,
		PublishedAt:   p.now(),
	})
	if err != nil {
		return fmt.Errorf("encode outbox %s: %w", msg.ID, err)
	}

	// ключ по агрегату сохраняет порядок событий одного заказа внутри партиции
	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}
	headers := map[string]string{
		HeaderEventType: msg.EventType,
		HeaderOutboxID:  msg.ID,
	}
	return p.sender.PublishRaw(p.router.Route(msg.AggregateType), key, value, headers)
}

var _ domain.OutboxPublisher = (*OutboxPublisher)(nil)
