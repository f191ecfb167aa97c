package grpcsvc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// toStatus переводит доменную ошибку в gRPC-статус. Внутренние детали наружу не отдаются.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return err
	}

	switch {
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrItemsRequired),
		errors.Is(err, domain.ErrUserRequired):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrOrderNotFound):
		return status.Error(codes.NotFound, err.Error())
	case domain.IsStockError(err):
		// сообщение называет первую непрошедшую позицию
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrInvalidStatusTransition),
		errors.Is(err, domain.ErrOrderIncomplete):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrOrderVersionConflict):
		return status.Error(codes.Aborted, domain.ErrOrderVersionConflict.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
