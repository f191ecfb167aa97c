package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
	"github.com/vladislavdragonenkov/chicplay/internal/messaging/kafka"
)

// UpdateStatus переводит заказ в новый статус фулфилмента.
// При конфликте версий заказ перечитывается и переход проверяется заново.
func (s *Service) UpdateStatus(ctx context.Context, req UpdateStatusRequest) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.UpdateStatus", trace.WithAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.String("order.status", string(req.Status)),
	))
	defer span.End()

	if err := s.validator.CheckStatus(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.Order{}, err
	}

	var (
		updated  domain.Order
		previous domain.OrderStatus
		changed  bool
	)
	err := executeWithRetry(ctx, s.retry, s.logger, "update_status", func(int) error {
		order, err := s.ledger.Get(ctx, req.OrderID)
		if err != nil {
			return err
		}
		changed = false
		if order.Status == req.Status && sameTracking(order.Tracking, req) {
			// повтор того же обновления
			updated = order
			previous = order.Status
			return nil
		}
		if order.Status != req.Status && !order.Status.CanTransitionTo(req.Status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStatusTransition, order.Status, req.Status)
		}
		// отменить можно и недописанный заказ, отгружать — нет
		if req.Status != domain.OrderStatusCancelled {
			if problems := order.ValidateInvariants(); len(problems) > 0 {
				return fmt.Errorf("%w: %w", domain.ErrOrderIncomplete, errors.Join(problems...))
			}
		}

		previous = order.Status
		order.Status = req.Status
		if req.Carrier != "" {
			order.Tracking = domain.Tracking{
				Carrier:        strings.TrimSpace(req.Carrier),
				TrackingNumber: strings.TrimSpace(req.TrackingNumber),
			}
		}
		if err := s.ledger.Save(ctx, order); err != nil {
			return err
		}
		order.Version++
		order.UpdatedAt = s.now()
		updated = order
		changed = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.WithError(err).WithField("order_id", req.OrderID).Warn("order status update failed")
		return domain.Order{}, err
	}
	if !changed {
		return updated, nil
	}

	s.appendTimeline(ctx, updated.ID, domain.TimelineOrderStatusChanged, fmt.Sprintf("%s -> %s", previous, updated.Status))
	s.enqueue(ctx, fmt.Sprintf("status-%s-%s-v%d", updated.ID, updated.Status, updated.Version), updated.ID,
		kafka.OutboxEventOrderStatusChanged, kafka.OrderStatusChangedPayload{
			OrderID:        updated.ID,
			Status:         string(updated.Status),
			PreviousStatus: string(previous),
			Carrier:        updated.Tracking.Carrier,
			TrackingNumber: updated.Tracking.TrackingNumber,
			UpdatedAt:      updated.UpdatedAt,
		})
	s.logger.WithFields(log.Fields{
		"order_id": updated.ID,
		"from":     previous,
		"to":       updated.Status,
	}).Info("order status updated")
	return updated, nil
}

func sameTracking(t domain.Tracking, req UpdateStatusRequest) bool {
	if req.Carrier == "" {
		return true
	}
	return t.Carrier == strings.TrimSpace(req.Carrier) && t.TrackingNumber == strings.TrimSpace(req.TrackingNumber)
}
