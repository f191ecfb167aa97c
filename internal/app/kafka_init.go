package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
	"github.com/vladislavdragonenkov/chicplay/internal/messaging/kafka"
)

// kafkaLink — producer и publisher'ы outbox поверх него.
// nil означает, что Kafka не настроена; методы безопасны на nil.
type kafkaLink struct {
	producer *kafka.Producer
	events   *kafka.OutboxPublisher
	dlq      *kafka.OutboxPublisher
}

// dialKafka подключается к брокерам. Пустой список — не ошибка:
// сервис работает без Kafka, outbox копится до её появления.
func dialKafka(brokers []string, logger *log.Entry) (*kafkaLink, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		logger.WithError(err).WithField("brokers", brokers).Warn("kafka unavailable, outbox will accumulate")
		return nil, fmt.Errorf("dial kafka: %w", err)
	}
	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return &kafkaLink{
		producer: producer,
		events:   kafka.NewOutboxPublisher(producer, kafka.NewRouter(kafka.TopicOrderEvents, kafka.DefaultOutboxRoutes())),
		dlq:      kafka.NewDeadLetterPublisher(producer),
	}, nil
}

// Producer — нужен для событий шагов оформления, nil без Kafka.
func (k *kafkaLink) Producer() *kafka.Producer {
	if k == nil {
		return nil
	}
	return k.producer
}

// OutboxPublishers возвращает publisher с маршрутизацией по типу агрегата и DLQ-publisher.
func (k *kafkaLink) OutboxPublishers() (events, dlq domain.OutboxPublisher, ok bool) {
	if k == nil {
		return nil, nil, false
	}
	return k.events, k.dlq, true
}

func (k *kafkaLink) Close(logger *log.Entry) {
	if k == nil {
		return
	}
	if err := k.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}
