package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
	"github.com/vladislavdragonenkov/chicplay/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/chicplay/internal/metrics"
	"github.com/vladislavdragonenkov/chicplay/internal/service/progression"
	"github.com/vladislavdragonenkov/chicplay/internal/service/stock"
)

const (
	defaultDeliveryDays = 5
	tracerName          = "github.com/vladislavdragonenkov/chicplay/internal/service/checkout"
)

// Notifier отправляет подтверждение заказа; результат не влияет на ответ.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, destination string, order domain.Order, items []domain.OrderItem) bool
}

// EventPublisher публикует события оформления (Kafka producer).
// Trace-контекст ctx уходит в заголовки сообщения.
type EventPublisher interface {
	PublishEventContext(ctx context.Context, topic string, key string, event interface{}) error
}

// Dependencies — внешние компоненты оркестратора.
type Dependencies struct {
	Stock       *stock.Engine
	Progression *progression.Engine
	Notifier    Notifier
	Ledger      domain.OrderLedger
	Sagas       domain.SagaRepository
	Outbox      domain.OutboxRepository
	Timeline    domain.TimelineRepository
	Events      EventPublisher
	Metrics     *metrics.CheckoutMetrics
	Logger      *log.Entry
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithIDGenerator подменяет генератор идентификаторов заказов.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		s.newID = newID
	}
}

// WithDeliveryDays задаёт срок доставки в днях от даты заказа.
func WithDeliveryDays(days int) Option {
	return func(s *Service) {
		s.deliveryDays = days
	}
}

// WithRetryConfig задаёт политику повторов при конфликте версий.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(s *Service) {
		s.retry = cfg
	}
}

// WithTracer задаёт OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// Service — сценарий оформления заказа:
// Received → Validated → StockAdjusted → Recorded → Rewarded → Notified → Completed.
type Service struct {
	stock       *stock.Engine
	progression *progression.Engine
	notifier    Notifier
	ledger      domain.OrderLedger
	sagas       domain.SagaRepository
	outbox      domain.OutboxRepository
	timeline    domain.TimelineRepository
	events      EventPublisher
	metrics     *metrics.CheckoutMetrics
	logger      *log.Entry

	validator    *requestValidator
	tracer       trace.Tracer
	retry        RetryConfig
	now          func() time.Time
	newID        func() string
	deliveryDays int
}

// NewService создаёт оркестратор оформления.
func NewService(deps Dependencies, opts ...Option) *Service {
	if deps.Logger == nil {
		deps.Logger = log.New().WithField("component", "checkout")
	}
	s := &Service{
		stock:        deps.Stock,
		progression:  deps.Progression,
		notifier:     deps.Notifier,
		ledger:       deps.Ledger,
		sagas:        deps.Sagas,
		outbox:       deps.Outbox,
		timeline:     deps.Timeline,
		events:       deps.Events,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		validator:    newRequestValidator(),
		tracer:       otel.Tracer(tracerName),
		retry:        DefaultRetryConfig(),
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
		deliveryDays: defaultDeliveryDays,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrder оформляет заказ. Ошибка возвращается только до записи заказа в леджер;
// сбои начисления и уведомления логируются и откладываются на реконсилер.
func (s *Service) PlaceOrder(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResult, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.PlaceOrder", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.Int("checkout.items", len(req.Lines)),
	))
	defer span.End()

	started := time.Now()
	if s.metrics != nil {
		s.metrics.RecordCheckoutStarted()
		defer func() { s.metrics.RecordCheckoutFinished(time.Since(started)) }()
	}

	// Received
	if err := s.validator.Check(req); err != nil {
		s.reject(span, rejectReason(err), err)
		return domain.CheckoutResult{}, err
	}

	orderID := s.newID()
	span.SetAttributes(attribute.String("order.id", orderID))
	logger := s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"user_id":  req.UserID,
	})

	// Validated
	var resolved []stock.ResolvedLine
	err := s.step(ctx, domain.CheckoutStepValidated, func(ctx context.Context) error {
		var err error
		resolved, err = s.stock.Validate(ctx, req.Lines)
		return err
	})
	if err != nil {
		logger.WithError(err).Info("checkout rejected by stock validation")
		s.reject(span, rejectReason(err), err)
		return domain.CheckoutResult{}, err
	}

	xp := totalXP(resolved)
	if err := s.openSaga(ctx, orderID, req, xp); err != nil {
		logger.WithError(err).Error("failed to open checkout saga")
		s.reject(span, "internal", err)
		return domain.CheckoutResult{}, err
	}
	s.publish(ctx, kafka.EventTypeCheckoutStarted, orderID, req.UserID, map[string]interface{}{
		"items":     len(req.Lines),
		"xp_earned": xp,
	})

	// StockAdjusted
	err = s.step(ctx, domain.CheckoutStepStockAdjusted, func(ctx context.Context) error {
		return s.stock.Deduct(ctx, orderID, resolved)
	})
	if err != nil {
		if errors.Is(err, domain.ErrDeductionRace) && s.metrics != nil {
			s.metrics.RecordDeductionRace()
		}
		logger.WithError(err).Info("checkout rejected by stock deduction")
		s.advance(ctx, orderID, domain.CheckoutStepValidated, domain.SagaStatusRejected, err)
		s.publish(ctx, kafka.EventTypeCheckoutRejected, orderID, req.UserID, map[string]interface{}{
			"reason": err.Error(),
		})
		s.reject(span, rejectReason(err), err)
		return domain.CheckoutResult{}, err
	}
	s.advance(ctx, orderID, domain.CheckoutStepStockAdjusted, "", nil)
	s.appendTimeline(ctx, orderID, domain.TimelineStockClaimed, fmt.Sprintf("lines=%d", len(resolved)))

	// Recorded
	var (
		order       domain.Order
		itemsStored bool
	)
	err = s.step(ctx, domain.CheckoutStepRecorded, func(ctx context.Context) error {
		var err error
		order, err = s.createOrder(ctx, orderID, req)
		if err != nil {
			return err
		}
		order.Items, err = s.ensureItems(ctx, orderID, req.Lines)
		itemsStored = err == nil
		return err
	})
	if err != nil && order.ID == "" {
		// заказа в леджере нет: возвращаем списание
		logger.WithError(err).Error("order ledger write failed, releasing stock claim")
		s.compensate(ctx, orderID, req.UserID, err)
		s.reject(span, "internal", err)
		return domain.CheckoutResult{}, fmt.Errorf("record order: %w", err)
	}
	if itemsStored {
		s.advance(ctx, orderID, domain.CheckoutStepRecorded, "", nil)
		s.enqueueOrderPlaced(ctx, order, xp)
	} else {
		logger.WithError(err).Warn("order line items incomplete, deferred to reconciler")
	}
	s.appendTimeline(ctx, orderID, domain.TimelineOrderPlaced, fmt.Sprintf("items=%d", len(order.Items)))

	result := domain.CheckoutResult{
		OrderID:  orderID,
		XPEarned: xp,
	}

	// Rewarded
	var deferred error
	_ = s.step(ctx, domain.CheckoutStepRewarded, func(ctx context.Context) error {
		change, err := s.progression.AwardPoints(ctx, req.UserID, orderID, xp)
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordProgressionFailure()
			}
			logger.WithError(err).Error("points award failed, deferred to reconciler")
			s.appendTimeline(ctx, orderID, domain.TimelineProgressionDeferred, err.Error())
			s.fillStaleProgress(ctx, req.UserID, &result)
			deferred = err
			s.advance(ctx, orderID, domain.CheckoutStepRecorded, "", err)
			return err
		}

		result.NewLevel = change.NewLevel
		result.CurrentPoints = change.TotalPoints
		if change.Applied && change.LeveledUp() {
			title := domain.TitleForLevel(change.NewLevel)
			result.LevelUp = &title
			if s.metrics != nil {
				s.metrics.RecordLevelUp()
			}
			s.publish(ctx, kafka.EventTypePlayerLeveledUp, orderID, req.UserID, map[string]interface{}{
				"previous_level": change.PreviousLevel,
				"new_level":      change.NewLevel,
				"title":          title,
			})
		}
		s.appendTimeline(ctx, orderID, domain.TimelinePointsAwarded, fmt.Sprintf("xp=%d level=%d", xp, change.NewLevel))
		if itemsStored {
			s.advance(ctx, orderID, domain.CheckoutStepRewarded, "", nil)
		}
		return nil
	})

	// Notified; при неполном составе письмо отправит реконсилер
	if itemsStored {
		_ = s.step(ctx, domain.CheckoutStepNotified, func(ctx context.Context) error {
			s.notify(ctx, order, req.Email)
			s.advance(ctx, orderID, domain.CheckoutStepNotified, "", deferred)
			return nil
		})
	}

	// Completed
	if itemsStored && deferred == nil {
		s.advance(ctx, orderID, domain.CheckoutStepCompleted, domain.SagaStatusCompleted, nil)
	}
	if s.metrics != nil {
		s.metrics.RecordCheckoutCompleted()
	}
	s.publish(ctx, kafka.EventTypeCheckoutCompleted, orderID, req.UserID, map[string]interface{}{
		"xp_earned": xp,
		"new_level": result.NewLevel,
		"level_up":  result.LevelUp != nil,
	})
	logger.WithFields(log.Fields{
		"xp_earned": xp,
		"new_level": result.NewLevel,
	}).Info("checkout completed")
	return result, nil
}

// GetOrder возвращает заказ с позициями.
func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", domain.ErrInvalidRequest)
	}
	return s.ledger.Get(ctx, orderID)
}

// ListOrders возвращает заказы пользователя, новые первыми.
func (s *Service) ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, domain.ErrUserRequired)
	}
	return s.ledger.ListByUser(ctx, userID, limit)
}

// Profile возвращает игровой профиль пользователя.
func (s *Service) Profile(ctx context.Context, userID string) (domain.Profile, error) {
	if userID == "" {
		return domain.Profile{}, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, domain.ErrUserRequired)
	}
	return s.progression.Profile(ctx, userID)
}

// ViewProduct возвращает карточку товара с остатками и учитывает просмотр.
func (s *Service) ViewProduct(ctx context.Context, productID string) (domain.Product, error) {
	if productID == "" {
		return domain.Product{}, fmt.Errorf("%w: product id is required", domain.ErrInvalidRequest)
	}
	return s.stock.View(ctx, productID)
}

// Timeline возвращает события жизненного цикла заказа.
func (s *Service) Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if s.timeline == nil {
		return nil, nil
	}
	return s.timeline.List(ctx, orderID)
}

func (s *Service) step(ctx context.Context, step domain.CheckoutStep, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "checkout.step."+string(step))
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	if s.metrics != nil {
		s.metrics.RecordStepDuration(string(step), time.Since(started))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Service) openSaga(ctx context.Context, orderID string, req domain.CheckoutRequest, xp int64) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal checkout request: %w", err)
	}
	now := s.now()
	return s.sagas.Create(ctx, domain.CheckoutSaga{
		OrderID:   orderID,
		UserID:    req.UserID,
		Status:    domain.SagaStatusInProgress,
		Step:      domain.CheckoutStepValidated,
		XPEarned:  xp,
		Request:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// advance фиксирует шаг саги. Ошибки только логируются: реконсилер сверит состояние по леджеру.
func (s *Service) advance(ctx context.Context, orderID string, step domain.CheckoutStep, status domain.SagaStatus, cause error) {
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	if err := s.sagas.Advance(ctx, orderID, step, status, lastErr); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"step":     step,
		}).Warn("failed to advance checkout saga")
	}
}

func (s *Service) createOrder(ctx context.Context, orderID string, req domain.CheckoutRequest) (domain.Order, error) {
	order, err := s.ledger.CreateOrder(ctx, domain.NewOrder{
		ID:                          orderID,
		UserID:                      req.UserID,
		TotalAmount:                 req.TotalAmount,
		ShippingSnapshot:            req.Shipping.Snapshot(),
		EstimatedDeliveryOffsetDays: s.deliveryDays,
		CreatedAt:                   s.now(),
	})
	if errors.Is(err, domain.ErrOrderAlreadyExists) {
		return s.ledger.Get(ctx, orderID)
	}
	return order, err
}

// ensureItems дописывает позиции заказа; идентификаторы детерминированы, поэтому повтор безопасен.
func (s *Service) ensureItems(ctx context.Context, orderID string, lines []domain.CheckoutLine) ([]domain.OrderItem, error) {
	items := make([]domain.OrderItem, 0, len(lines))
	for i, line := range lines {
		item, err := s.ledger.AddLineItem(ctx, orderID, domain.OrderItem{
			ID:        domain.LineItemID(orderID, i),
			OrderID:   orderID,
			ProductID: line.ProductID,
			Size:      line.Size,
			Color:     line.Color,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			ImageURL:  line.ImageURL,
			VendorID:  line.VendorID,
			CreatedAt: s.now(),
		})
		if err != nil {
			return items, fmt.Errorf("add line item %d: %w", i, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// compensate возвращает списание заказа, который не удалось записать.
func (s *Service) compensate(ctx context.Context, orderID, userID string, cause error) {
	if _, err := s.stock.Restock(ctx, orderID); err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Error("stock release failed, left to reconciler")
		s.advance(ctx, orderID, domain.CheckoutStepStockAdjusted, "", cause)
		return
	}
	s.appendTimeline(ctx, orderID, domain.TimelineStockReleased, cause.Error())
	s.advance(ctx, orderID, domain.CheckoutStepStockAdjusted, domain.SagaStatusCompensated, cause)
	s.publish(ctx, kafka.EventTypeCheckoutCompensated, orderID, userID, map[string]interface{}{
		"reason": cause.Error(),
	})
}

// fillStaleProgress заполняет ответ текущим (до начисления) прогрессом игрока.
func (s *Service) fillStaleProgress(ctx context.Context, userID string, result *domain.CheckoutResult) {
	profile, err := s.progression.Profile(ctx, userID)
	if err != nil {
		result.NewLevel = domain.LevelForPoints(0)
		return
	}
	result.NewLevel = profile.Level
	result.CurrentPoints = profile.Points
}

func (s *Service) notify(ctx context.Context, order domain.Order, destination string) {
	if s.notifier == nil {
		return
	}
	sent := s.notifier.SendOrderConfirmation(ctx, destination, order, order.Items)
	eventType := domain.TimelineConfirmationSent
	if !sent {
		eventType = domain.TimelineConfirmationFailed
	}
	s.appendTimeline(ctx, order.ID, eventType, "")
}

func (s *Service) enqueueOrderPlaced(ctx context.Context, order domain.Order, xp int64) {
	s.enqueue(ctx, "placed-"+order.ID, order.ID, kafka.OutboxEventOrderPlaced, kafka.OrderPlacedPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount.StringFixed(2),
		Items:       len(order.Items),
		XPEarned:    xp,
		PlacedAt:    order.CreatedAt,
	})
}

// enqueue кладёт событие заказа в outbox; повтор с тем же id игнорируется.
func (s *Service) enqueue(ctx context.Context, id, orderID, eventType string, payload interface{}) {
	if s.outbox == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"event":    eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		ID:            id,
		AggregateType: kafka.AggregateOrder,
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := s.outbox.Enqueue(ctx, msg); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"event":    eventType,
		}).Error("enqueue event failed")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordOutboxEvent()
	}
}

func (s *Service) appendTimeline(ctx context.Context, orderID, eventType, reason string) {
	if s.timeline == nil {
		return
	}
	event := domain.TimelineEvent{
		OrderID:  orderID,
		Type:     eventType,
		Reason:   reason,
		Occurred: s.now(),
	}
	if err := s.timeline.Append(ctx, event); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"event":    eventType,
		}).Warn("append timeline event failed")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTimelineEvent()
	}
}

// publish отправляет событие оформления в Kafka (если producer настроен).
func (s *Service) publish(ctx context.Context, eventType kafka.EventType, orderID, userID string, metadata map[string]interface{}) {
	if s.events == nil {
		return
	}
	event := kafka.NewCheckoutEvent(eventType, orderID, userID, metadata)
	if err := s.events.PublishEventContext(ctx, kafka.TopicCheckoutEvents, orderID, event); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"event_type": eventType,
			"order_id":   orderID,
		}).Warn("failed to publish checkout event to kafka")
	}
}

func (s *Service) reject(span trace.Span, reason string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	if s.metrics != nil {
		s.metrics.RecordCheckoutRejected(reason)
	}
}

func totalXP(resolved []stock.ResolvedLine) int64 {
	var xp int64
	for _, r := range resolved {
		xp += r.XP()
	}
	return xp
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrItemsRequired):
		return "validation"
	case errors.Is(err, domain.ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, domain.ErrDeductionRace):
		return "deduction_race"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrSizeUnavailableForColor), errors.Is(err, domain.ErrSizeUnavailable):
		return "size_unavailable"
	default:
		return "internal"
	}
}
