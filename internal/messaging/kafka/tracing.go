package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/propagation"
)

// W3C traceparent/tracestate: связывает span оформления с обработкой сообщения у потребителя.
var tracePropagator propagation.TextMapPropagator = propagation.TraceContext{}

// traceHeaders возвращает заголовки trace-контекста ctx; пусто, если span'а нет.
func traceHeaders(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	tracePropagator.Inject(ctx, carrier)
	return carrier
}

// ContextFromMessage продолжает trace отправителя, если в заголовках он есть.
func ContextFromMessage(ctx context.Context, msg *sarama.ConsumerMessage) context.Context {
	carrier := propagation.MapCarrier{}
	for _, h := range msg.Headers {
		if h != nil {
			carrier[string(h.Key)] = string(h.Value)
		}
	}
	return tracePropagator.Extract(ctx, carrier)
}
