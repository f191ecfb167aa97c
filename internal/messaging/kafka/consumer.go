package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	defaultHandleAttempts = 3
	defaultHandleBackoff  = 200 * time.Millisecond
)

// Handler обрабатывает одно сообщение из топика.
type Handler func(ctx context.Context, msg *sarama.ConsumerMessage) error

// DeadLetterSink принимает сообщения, которые не удалось обработать.
type DeadLetterSink interface {
	PublishEvent(topic string, key string, event interface{}) error
}

// permanentError помечает ошибку, повтор которой бессмысленен (битый payload).
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent оборачивает ошибку: сообщение сразу уходит в DLQ без повторов.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent сообщает, помечена ли ошибка как постоянная.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// DeadLetter — сообщение в DLQ topic.
type DeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetters включает отправку необработанных сообщений в DLQ.
func WithDeadLetters(sink DeadLetterSink) ConsumerOption {
	return func(c *Consumer) {
		c.dlq = sink
	}
}

// WithHandleAttempts задаёт число попыток обработки одного сообщения.
func WithHandleAttempts(attempts int) ConsumerOption {
	return func(c *Consumer) {
		if attempts > 0 {
			c.attempts = attempts
		}
	}
}

// WithHandleBackoff задаёт паузу между попытками (растёт линейно).
func WithHandleBackoff(backoff time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if backoff >= 0 {
			c.backoff = backoff
		}
	}
}

// WithConsumerLogger подменяет логгер.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Consumer читает топики в составе consumer group.
// Сообщение коммитится после успешной обработки или после записи в DLQ.
type Consumer struct {
	group    sarama.ConsumerGroup
	topics   []string
	handle   Handler
	dlq      DeadLetterSink
	attempts int
	backoff  time.Duration
	logger   *log.Entry
	wg       sync.WaitGroup
}

// NewConsumer подключается к брокерам как участник группы groupID.
func NewConsumer(brokers []string, groupID string, topics []string, handle Handler, opts ...ConsumerOption) (*Consumer, error) {
	if handle == nil {
		return nil, errors.New("kafka consumer: handler is required")
	}
	if len(topics) == 0 {
		return nil, errors.New("kafka consumer: at least one topic is required")
	}

	cfg := sarama.NewConfig()
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return newConsumer(group, topics, handle, opts...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handle Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:    group,
		topics:   topics,
		handle:   handle,
		attempts: defaultHandleAttempts,
		backoff:  defaultHandleBackoff,
		logger:   log.WithField("component", "kafka-consumer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run читает сообщения до отмены ctx. Consume завершается при каждом rebalance,
// поэтому вызывается в цикле.
func (c *Consumer) Run(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Warn("consumer group error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	for {
		if err := c.group.Consume(ctx, c.topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.WithError(err).Error("consume session failed")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close останавливает группу и ждёт фоновые горутины.
func (c *Consumer) Close() error {
	err := c.group.Close()
	c.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения одной партиции по порядку.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}
			if err := c.process(ctx, msg); err != nil {
				// без коммита: сообщение вернётся после rebalance
				return err
			}
			session.MarkMessage(msg, "")
		}
	}
}

// process возвращает ошибку только если сообщение нельзя ни обработать, ни отложить в DLQ.
func (c *Consumer) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	ctx = ContextFromMessage(ctx, msg)
	entry := c.logger.WithFields(log.Fields{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	attempts := 0
	var lastErr error
	for attempts < c.attempts {
		attempts++
		lastErr = c.handle(ctx, msg)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) || attempts == c.attempts {
			break
		}
		entry.WithError(lastErr).WithField("attempt", attempts).Warn("message handling failed, retrying")
		if err := sleepContext(ctx, c.backoff*time.Duration(attempts)); err != nil {
			return err
		}
	}

	attempts += retryCountHeader(msg)
	if c.dlq == nil {
		entry.WithError(lastErr).WithField("attempts", attempts).Error("message dropped")
		return nil
	}
	if err := c.dlq.PublishEvent(TopicDeadLetterQueue, string(msg.Key), newDeadLetter(msg, lastErr, attempts)); err != nil {
		entry.WithError(err).Error("failed to send message to DLQ")
		return fmt.Errorf("send to DLQ: %w", err)
	}
	entry.WithError(lastErr).WithField("attempts", attempts).Warn("message moved to DLQ")
	return nil
}

func newDeadLetter(msg *sarama.ConsumerMessage, cause error, attempts int) DeadLetter {
	return DeadLetter{
		OriginalTopic:     msg.Topic,
		OriginalPartition: msg.Partition,
		OriginalOffset:    msg.Offset,
		OriginalKey:       string(msg.Key),
		OriginalValue:     string(msg.Value),
		ErrorMessage:      cause.Error(),
		FailedAt:          time.Now().UTC(),
		RetryCount:        attempts,
	}
}

// retryCountHeader — сколько попыток уже сделано до повторной отправки из DLQ.
func retryCountHeader(msg *sarama.ConsumerMessage) int {
	for _, h := range msg.Headers {
		if h == nil || string(h.Key) != HeaderRetryCount {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ParseDeadLetter разбирает сообщение из DLQ topic.
func ParseDeadLetter(msg *sarama.ConsumerMessage) (*DeadLetter, error) {
	var letter DeadLetter
	if err := json.Unmarshal(msg.Value, &letter); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	return &letter, nil
}
