package checkout

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// requestValidator проверяет структуру запроса до обращения к складу.
type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	return &requestValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Check возвращает ErrInvalidRequest с перечнем полей, не прошедших проверку.
func (v *requestValidator) Check(req domain.CheckoutRequest) error {
	if err := v.validate.Struct(req); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, describeValidation(validationErrors))
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	if req.TotalAmount.IsNegative() {
		return fmt.Errorf("%w: %w", domain.ErrInvalidRequest, domain.ErrAmountNegative)
	}
	for i, line := range req.Lines {
		if line.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: items[%d]: %w", domain.ErrInvalidRequest, i, domain.ErrItemPriceInvalid)
		}
	}
	return nil
}

// UpdateStatusRequest — смена статуса заказа фулфилментом.
type UpdateStatusRequest struct {
	OrderID        string             `validate:"required"`
	Status         domain.OrderStatus `validate:"required"`
	Carrier        string             `validate:"required_with=TrackingNumber"`
	TrackingNumber string
}

func (v *requestValidator) CheckStatus(req UpdateStatusRequest) error {
	if err := v.validate.Struct(req); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, describeValidation(validationErrors))
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if !req.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidRequest, req.Status)
	}
	return nil
}

func describeValidation(errs validator.ValidationErrors) string {
	fields := make([]string, 0, len(errs))
	for _, fe := range errs {
		fields = append(fields, fmt.Sprintf("%s:%s", fe.Namespace(), fe.Tag()))
	}
	sort.Strings(fields)
	return strings.Join(fields, ", ")
}
