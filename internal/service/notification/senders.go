package notification

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
	"github.com/vladislavdragonenkov/chicplay/internal/messaging/kafka"
)

// OutboxSender ставит запрос на письмо в transactional outbox;
// доставку в topic уведомлений выполняет outbox worker.
type OutboxSender struct {
	outbox domain.OutboxRepository
}

// NewOutboxSender создаёт sender поверх outbox.
func NewOutboxSender(outbox domain.OutboxRepository) *OutboxSender {
	return &OutboxSender{outbox: outbox}
}

// Send сериализует подтверждение и кладёт его в outbox.
func (s *OutboxSender) Send(ctx context.Context, destination string, order domain.Order, items []domain.OrderItem) error {
	payload, err := json.Marshal(ConfirmationPayload(destination, order, items))
	if err != nil {
		return fmt.Errorf("marshal confirmation: %w", err)
	}

	_, err = s.outbox.Enqueue(ctx, domain.OutboxMessage{
		// один запрос на письмо на заказ
		ID:            "confirmation-" + order.ID,
		AggregateType: kafka.AggregateNotification,
		AggregateID:   order.ID,
		EventType:     kafka.OutboxEventOrderConfirmationRequested,
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("enqueue confirmation: %w", err)
	}
	return nil
}

// ConfirmationPayload собирает содержимое письма-подтверждения.
func ConfirmationPayload(destination string, order domain.Order, items []domain.OrderItem) kafka.ConfirmationRequestedPayload {
	lines := make([]kafka.ConfirmationLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, kafka.ConfirmationLine{
			ProductID: item.ProductID,
			Size:      item.Size,
			Color:     item.Color,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
			ImageURL:  item.ImageURL,
		})
	}
	return kafka.ConfirmationRequestedPayload{
		OrderID:           order.ID,
		Destination:       destination,
		TotalAmount:       order.TotalAmount.StringFixed(2),
		ShippingAddress:   order.ShippingSnapshot,
		EstimatedDelivery: order.EstimatedDelivery,
		Lines:             lines,
	}
}

// LogSender пишет подтверждение в лог (локальная разработка).
type LogSender struct {
	logger *log.Entry
}

// NewLogSender создаёт sender, который только логирует.
func NewLogSender(logger *log.Entry) *LogSender {
	if logger == nil {
		logger = log.New().WithField("component", "notification-log")
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, destination string, order domain.Order, items []domain.OrderItem) error {
	s.logger.WithFields(log.Fields{
		"order_id":    order.ID,
		"destination": destination,
		"items":       len(items),
		"total":       order.TotalAmount.StringFixed(2),
	}).Info("order confirmation")
	return nil
}

var (
	_ domain.ConfirmationSender = (*OutboxSender)(nil)
	_ domain.ConfirmationSender = (*LogSender)(nil)
)
