package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// Producer — синхронный producer: отправка возвращается после подтверждения всеми ISR.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "chicplay-checkout"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 150 * time.Millisecond
	cfg.Producer.Compression = sarama.CompressionSnappy
	// сообщения одного заказа попадают в одну партицию
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	// идемпотентный producer требует ровно один in-flight запрос
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// NewProducer подключается к брокерам.
func NewProducer(brokers []string) (*Producer, error) {
	sp, err := sarama.NewSyncProducer(brokers, producerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &Producer{
		producer: sp,
		logger:   log.WithField("component", "kafka-producer"),
	}, nil
}

// PublishEventContext кодирует event в JSON; trace-контекст ctx уходит в заголовки.
func (p *Producer) PublishEventContext(ctx context.Context, topic, key string, event interface{}) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event for %s: %w", topic, err)
	}
	return p.send(topic, key, value, traceHeaders(ctx))
}

// PublishEvent — то же без trace-контекста (запись в DLQ из consumer'а).
func (p *Producer) PublishEvent(topic, key string, event interface{}) error {
	return p.PublishEventContext(context.Background(), topic, key, event)
}

// PublishRaw отправляет готовое значение без перекодирования (outbox, повтор из DLQ).
func (p *Producer) PublishRaw(topic, key string, value []byte, headers map[string]string) error {
	return p.send(topic, key, value, headers)
}

func (p *Producer) send(topic, key string, value []byte, headers map[string]string) error {
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
		Headers:   recordHeaders(headers),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{"topic": topic, "key": key}).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", topic, err)
	}
	p.logger.WithFields(log.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("kafka message sent")
	return nil
}

func recordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return out
}

func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
