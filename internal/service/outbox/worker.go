// Package outbox публикует сообщения transactional outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	defaultLease          = 30 * time.Second
	maxRetryDelay         = 5 * time.Minute
)

var (
	publishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chicplay_outbox_publish_attempts_total",
		Help: "Outbox publish attempts by result.",
	}, []string{"result"})
	publishedByAggregate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chicplay_outbox_published_total",
		Help: "Outbox messages delivered, by aggregate type.",
	}, []string{"aggregate"})
	pendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chicplay_outbox_pending_records",
		Help: "Pending records in the outbox table.",
	})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chicplay_outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest pending outbox record.",
	})
)

// DeadLetterRecord — payload сообщения, ушедшего в DLQ после последней попытки.
type DeadLetterRecord struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	Attempts       int             `json:"attempts"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

// Message восстанавливает исходное сообщение для повторной публикации.
func (r DeadLetterRecord) Message() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            r.OutboxID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		Payload:       []byte(r.Payload),
	}
}

func ParseDeadLetterRecord(data []byte) (DeadLetterRecord, error) {
	var record DeadLetterRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return DeadLetterRecord{}, fmt.Errorf("unmarshal dead letter: %w", err)
	}
	if record.OutboxID == "" || record.EventType == "" {
		return DeadLetterRecord{}, errors.New("dead letter is missing outbox_id or event_type")
	}
	return record, nil
}

// Option настраивает Worker.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDLQPublisher задаёт, куда уходит сообщение после последней неудачной попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

func WithBatchSize(size int) Option {
	return func(w *Worker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

// WithMaxAttempts — сколько раз публикуется сообщение до перевода в failed.
func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) {
		if attempts > 0 {
			w.maxAttempts = attempts
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу; дальше она удваивается до maxRetryDelay.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) {
		if delay >= 0 {
			w.retryBaseDelay = delay
		}
	}
}

// WithLease задаёт срок аренды батча; за это время батч должен быть опубликован.
func WithLease(lease time.Duration) Option {
	return func(w *Worker) {
		if lease > 0 {
			w.lease = lease
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// Worker публикует события заказов и запросы на письма из outbox.
// Каждое арендованное сообщение публикуется один раз за проход; неудача
// откладывает его через Reschedule, так что повторы переживают рестарт.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry
	now       func() time.Time

	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	lease          time.Duration
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		logger:         log.WithField("component", "outbox-worker"),
		now:            func() time.Time { return time.Now().UTC() },
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		lease:          defaultLease,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker disabled: repository or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain публикует всё, что готово к отправке, пока батчи не опустеют или ctx не отменён.
// Отложенные повторы с будущим временем попытки не ждёт.
func (w *Worker) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		if w.ProcessOnce(ctx) == 0 {
			return
		}
	}
}

// ProcessOnce арендует один батч и возвращает число обработанных сообщений.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	defer w.reportBacklog(ctx)

	batch, err := w.repo.Claim(ctx, w.batchSize, w.lease)
	if err != nil {
		w.logger.WithError(err).Warn("claim outbox batch")
		return 0
	}

	handled := 0
	for _, msg := range batch {
		if ctx.Err() != nil {
			// остаток батча вернётся после истечения аренды
			break
		}
		w.deliver(ctx, msg)
		handled++
	}
	return handled
}

func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) {
	entry := w.logger.WithFields(log.Fields{
		"outbox_id":  msg.ID,
		"event_type": msg.EventType,
		"attempt":    msg.Attempts + 1,
	})

	publishErr := w.publisher.Publish(msg)
	if publishErr == nil {
		publishResults.WithLabelValues("sent").Inc()
		publishedByAggregate.WithLabelValues(msg.AggregateType).Inc()
		if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
			// аренда истечёт, и сообщение уйдёт повторно; консьюмеры идемпотентны по id
			entry.WithError(err).Warn("mark outbox message sent")
		}
		return
	}

	attempts := msg.Attempts + 1
	if attempts < w.maxAttempts {
		publishResults.WithLabelValues("retry_error").Inc()
		retryAt := w.now().Add(w.retryDelay(attempts))
		entry.WithError(publishErr).WithField("retry_at", retryAt).Warn("outbox publish failed, rescheduled")
		if err := w.repo.Reschedule(ctx, msg.ID, retryAt, publishErr.Error()); err != nil {
			entry.WithError(err).Warn("reschedule outbox message")
		}
		return
	}

	publishResults.WithLabelValues("failed").Inc()
	cause := fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, attempts, publishErr)
	if err := w.toDeadLetters(msg, cause, attempts); err != nil {
		// без DLQ-копии сообщение остаётся в очереди
		publishResults.WithLabelValues("dlq_failed").Inc()
		entry.WithError(err).Error("outbox dead letter failed, keeping message pending")
		if err := w.repo.Reschedule(ctx, msg.ID, w.now().Add(w.retryDelay(attempts)), cause.Error()); err != nil {
			entry.WithError(err).Warn("reschedule outbox message")
		}
		return
	}
	entry.WithError(publishErr).Error("outbox message failed permanently")
	if err := w.repo.MarkFailed(ctx, msg.ID, cause.Error()); err != nil {
		entry.WithError(err).Warn("mark outbox message failed")
	}
}

func (w *Worker) toDeadLetters(msg domain.OutboxMessage, cause error, attempts int) error {
	if w.dlq == nil {
		return nil
	}
	payload, err := json.Marshal(DeadLetterRecord{
		OutboxID:       msg.ID,
		AggregateType:  msg.AggregateType,
		AggregateID:    msg.AggregateID,
		EventType:      msg.EventType,
		Payload:        json.RawMessage(msg.Payload),
		PublishError:   cause.Error(),
		Attempts:       attempts,
		DLQPublishedAt: w.now(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	letter := msg
	letter.Payload = payload
	if err := w.dlq.Publish(letter); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

// retryDelay = base * 2^(attempts-1), не больше maxRetryDelay.
func (w *Worker) retryDelay(attempts int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempts; i++ {
		if delay >= maxRetryDelay/2 {
			return maxRetryDelay
		}
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func (w *Worker) reportBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Debug("outbox backlog stats")
		return
	}
	pendingRecords.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		oldestPendingAge.Set(0)
		return
	}
	oldestPendingAge.Set(max(w.now().Sub(stats.OldestPendingAt).Seconds(), 0))
}
