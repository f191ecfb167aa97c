package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/messaging/kafka"
)

// Mailer доставляет письмо-подтверждение по готовому payload.
type Mailer interface {
	Deliver(ctx context.Context, confirmation kafka.ConfirmationRequestedPayload) error
}

// confirmationRules — минимальный набор полей, без которых письмо не собрать.
type confirmationRules struct {
	OrderID     string `validate:"required"`
	Destination string `validate:"required,email"`
	Lines       int    `validate:"gt=0"`
}

// Relay читает запросы на подтверждение из топика уведомлений и передаёт их Mailer.
// Битые сообщения помечаются как постоянные ошибки и уходят в DLQ без повторов.
type Relay struct {
	mailer   Mailer
	validate *validator.Validate
	logger   *log.Entry
}

// NewRelay создаёт обработчик для kafka.Consumer.
func NewRelay(mailer Mailer, logger *log.Entry) *Relay {
	if logger == nil {
		logger = log.WithField("component", "notification-relay")
	}
	return &Relay{
		mailer:   mailer,
		validate: validator.New(),
		logger:   logger,
	}
}

// Handle совместим с kafka.Handler.
func (r *Relay) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	envelope, err := kafka.DecodeOutboxEnvelope(msg.Value)
	if err != nil {
		return kafka.Permanent(err)
	}
	if envelope.EventType != kafka.OutboxEventOrderConfirmationRequested {
		r.logger.WithFields(log.Fields{
			"event_type": envelope.EventType,
			"offset":     msg.Offset,
		}).Debug("skip non-confirmation message")
		return nil
	}

	var confirmation kafka.ConfirmationRequestedPayload
	if err := json.Unmarshal(envelope.Payload, &confirmation); err != nil {
		return kafka.Permanent(fmt.Errorf("decode confirmation %s: %w", envelope.ID, err))
	}
	if err := r.validate.Struct(confirmationRules{
		OrderID:     confirmation.OrderID,
		Destination: confirmation.Destination,
		Lines:       len(confirmation.Lines),
	}); err != nil {
		return kafka.Permanent(fmt.Errorf("invalid confirmation %s: %w", envelope.ID, err))
	}

	if err := r.mailer.Deliver(ctx, confirmation); err != nil {
		return fmt.Errorf("deliver confirmation for order %s: %w", confirmation.OrderID, err)
	}
	r.logger.WithFields(log.Fields{
		"order_id":    confirmation.OrderID,
		"destination": confirmation.Destination,
	}).Info("confirmation delivered")
	return nil
}

// LogMailer печатает письмо в лог вместо отправки.
type LogMailer struct {
	logger *log.Entry
}

func NewLogMailer(logger *log.Entry) *LogMailer {
	if logger == nil {
		logger = log.WithField("component", "log-mailer")
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Deliver(_ context.Context, c kafka.ConfirmationRequestedPayload) error {
	m.logger.WithFields(log.Fields{
		"order_id":           c.OrderID,
		"to":                 c.Destination,
		"total":              c.TotalAmount,
		"lines":              len(c.Lines),
		"estimated_delivery": c.EstimatedDelivery.Format("2006-01-02"),
	}).Info("order confirmation e-mail")
	return nil
}

var _ Mailer = (*LogMailer)(nil)
