package grpcsvc

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
	"github.com/vladislavdragonenkov/chicplay/internal/service/checkout"
)

const (
	defaultListOrdersLimit = 100
	maxListOrdersLimit     = 500
)

// CheckoutService реализует gRPC API оформления поверх оркестратора.
type CheckoutService struct {
	checkout *checkout.Service
	idemRepo domain.IdempotencyRepository
	logger   *log.Entry
}

// NewCheckoutService конструирует сервис с зависимостями.
func NewCheckoutService(svc *checkout.Service, idemRepo domain.IdempotencyRepository, logger *log.Entry) *CheckoutService {
	if logger == nil {
		logger = log.New().WithField("component", "checkout-grpc")
	}
	return &CheckoutService{
		checkout: svc,
		idemRepo: idemRepo,
		logger:   logger,
	}
}

// PlaceOrder оформляет заказ. Требует idempotency-key: повтор с тем же ключом
// возвращает сохранённый ответ без повторного списания.
func (s *CheckoutService) PlaceOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	return s.withIdempotency(ctx, MethodPlaceOrder, req, func(ctx context.Context) (*structpb.Struct, error) {
		return s.placeOrderInternal(ctx, req)
	})
}

func (s *CheckoutService) placeOrderInternal(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in domain.CheckoutRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.checkout.PlaceOrder(ctx, in)
	if err != nil {
		s.logFailure(err, "PlaceOrder", log.Fields{"user_id": in.UserID})
		return nil, toStatus(err)
	}
	return s.encode(result)
}

// GetOrder возвращает заказ с позициями и таймлайном.
func (s *CheckoutService) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in GetOrderRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if in.OrderID == "" {
		return nil, status.Error(codes.InvalidArgument, "orderId is required")
	}

	order, err := s.checkout.GetOrder(ctx, in.OrderID)
	if err != nil {
		s.logFailure(err, "GetOrder", log.Fields{"order_id": in.OrderID})
		return nil, toStatus(err)
	}

	events, err := s.checkout.Timeline(ctx, order.ID)
	if err != nil {
		// таймлайн необязателен для ответа
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to list timeline events")
		events = nil
	}
	return s.encode(toOrderView(order, events))
}

// ListOrders возвращает заказы пользователя, новые первыми.
func (s *CheckoutService) ListOrders(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ListOrdersRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if in.UserID == "" {
		return nil, status.Error(codes.InvalidArgument, "userId is required")
	}

	limit := in.Limit
	if limit <= 0 {
		limit = defaultListOrdersLimit
	}
	if limit > maxListOrdersLimit {
		limit = maxListOrdersLimit
	}

	orders, err := s.checkout.ListOrders(ctx, in.UserID, limit)
	if err != nil {
		s.logFailure(err, "ListOrders", log.Fields{"user_id": in.UserID})
		return nil, toStatus(err)
	}

	resp := ListOrdersResponse{Orders: make([]OrderView, 0, len(orders))}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, toOrderView(order, nil))
	}
	return s.encode(resp)
}

// GetProfile возвращает игровой профиль; нового игрока отдаёт с уровнем 1.
func (s *CheckoutService) GetProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in GetProfileRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if in.UserID == "" {
		return nil, status.Error(codes.InvalidArgument, "userId is required")
	}

	profile, err := s.checkout.Profile(ctx, in.UserID)
	if err != nil {
		s.logFailure(err, "GetProfile", log.Fields{"user_id": in.UserID})
		return nil, toStatus(err)
	}
	return s.encode(toProfileView(profile))
}

// UpdateOrderStatus переводит заказ по статусам фулфилмента.
func (s *CheckoutService) UpdateOrderStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in UpdateOrderStatusRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	order, err := s.checkout.UpdateStatus(ctx, checkout.UpdateStatusRequest{
		OrderID:        in.OrderID,
		Status:         domain.OrderStatus(strings.ToLower(strings.TrimSpace(in.Status))),
		Carrier:        in.Carrier,
		TrackingNumber: in.TrackingNumber,
	})
	if err != nil {
		s.logFailure(err, "UpdateOrderStatus", log.Fields{"order_id": in.OrderID})
		return nil, toStatus(err)
	}
	return s.encode(toOrderView(order, nil))
}

// ViewProduct отдаёт карточку товара с остатками; каждый вызов засчитывается как просмотр.
func (s *CheckoutService) ViewProduct(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in ViewProductRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if in.ProductID == "" {
		return nil, status.Error(codes.InvalidArgument, "productId is required")
	}

	product, err := s.checkout.ViewProduct(ctx, in.ProductID)
	if err != nil {
		s.logFailure(err, "ViewProduct", log.Fields{"product_id": in.ProductID})
		return nil, toStatus(err)
	}
	return s.encode(toProductView(product))
}

func (s *CheckoutService) encode(v any) (*structpb.Struct, error) {
	out, err := encodeStruct(v)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode response")
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// logFailure пишет ожидаемые бизнес-отказы на info, остальное — как ошибки.
func (s *CheckoutService) logFailure(err error, operation string, fields log.Fields) {
	entry := s.logger.WithError(err).WithFields(fields).WithField("operation", operation)
	switch status.Code(toStatus(err)) {
	case codes.Internal, codes.Unknown:
		entry.Error("request failed")
	case codes.Aborted, codes.DeadlineExceeded, codes.Canceled:
		entry.Warn("request interrupted")
	default:
		entry.Info("request rejected")
	}
}

var _ CheckoutServiceServer = (*CheckoutService)(nil)
