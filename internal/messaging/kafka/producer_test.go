package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newMockedProducer(t *testing.T) (*Producer, *mocks.SyncProducer) {
	t.Helper()
	mock := mocks.NewSyncProducer(t, nil)
	return &Producer{producer: mock, logger: quietLogger()}, mock
}

func TestProducer_PublishEventEncodesJSON(t *testing.T) {
	producer, mock := newMockedProducer(t)
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event CheckoutEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.EventType != EventTypeCheckoutStarted || event.OrderID != "order-7" {
			return errors.New("unexpected event " + string(val))
		}
		return nil
	})

	event := NewCheckoutEvent(EventTypeCheckoutStarted, "order-7", "user-1", map[string]interface{}{"items": 2})
	require.NoError(t, producer.PublishEvent(TopicCheckoutEvents, "order-7", event))
	require.NoError(t, mock.Close())
}

func TestProducer_PublishEventErrors(t *testing.T) {
	producer, mock := newMockedProducer(t)
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.PublishEvent(TopicOrderEvents, "order-1", map[string]string{"status": "shipped"})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	// несериализуемое значение не доходит до брокера
	require.Error(t, producer.PublishEvent(TopicOrderEvents, "order-1", make(chan int)))
	require.NoError(t, mock.Close())
}

func TestProducer_PublishRawKeepsBytesAndHeaders(t *testing.T) {
	producer, mock := newMockedProducer(t)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		value, _ := msg.Value.Encode()
		if string(value) != `{"id":"outbox-1"}` {
			return errors.New("value was re-encoded: " + string(value))
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != HeaderRetryCount || string(msg.Headers[0].Value) != "1" {
			return errors.New("retry header missing")
		}
		return nil
	})

	require.NoError(t, producer.PublishRaw(TopicOrderEvents, "order-1", []byte(`{"id":"outbox-1"}`), map[string]string{HeaderRetryCount: "1"}))
	require.NoError(t, mock.Close())
}

func TestProducer_PublishEventContextCarriesTrace(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	var sent *sarama.ProducerMessage
	producer, mock := newMockedProducer(t)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		sent = msg
		return nil
	})
	require.NoError(t, producer.PublishEventContext(ctx, TopicCheckoutEvents, "order-7", map[string]string{"step": "recorded"}))
	require.NoError(t, mock.Close())

	// потребитель продолжает тот же trace
	consumed := &sarama.ConsumerMessage{}
	for i := range sent.Headers {
		consumed.Headers = append(consumed.Headers, &sent.Headers[i])
	}
	got := trace.SpanContextFromContext(ContextFromMessage(context.Background(), consumed))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestProducer_NoTraceNoHeaders(t *testing.T) {
	producer, mock := newMockedProducer(t)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if len(msg.Headers) != 0 {
			return errors.New("unexpected headers")
		}
		return nil
	})
	require.NoError(t, producer.PublishEvent(TopicCheckoutEvents, "order-8", map[string]int{"n": 1}))
	require.NoError(t, mock.Close())
}

func TestNewCheckoutEvent(t *testing.T) {
	event := NewCheckoutEvent(EventTypePlayerLeveledUp, "order-9", "user-3", map[string]interface{}{"level": 2})

	assert.Equal(t, EventTypePlayerLeveledUp, event.EventType)
	assert.Equal(t, "order-9", event.OrderID)
	assert.Equal(t, "user-3", event.UserID)
	assert.Equal(t, 2, event.Metadata["level"])
	assert.WithinDuration(t, time.Now(), event.Timestamp, time.Second)
}

func TestProducerConfigIsIdempotent(t *testing.T) {
	cfg := producerConfig()
	assert.True(t, cfg.Producer.Idempotent)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.Equal(t, 1, cfg.Net.MaxOpenRequests)
	assert.Equal(t, "chicplay-checkout", cfg.ClientID)
	require.NoError(t, cfg.Validate())
}
