package service

import (
	"context"
	"errors"
	"strings"

	"shop-core/internal/apperrors"
	"shop-core/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// EventPublisher emits domain events after their transaction commits
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishPaymentSuccess(ctx context.Context, event *models.PaymentSuccessEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishAnalyticsAlert(ctx context.Context, event *models.AnalyticsAlertEvent) error
}

var validate = validator.New()

// validateInput runs struct tag validation and reports failures per field
func validateInput(input any) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Wrap(apperrors.CodeValidation, err, "invalid input")
	}
	fields := make(map[string]string, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields[fe.Field()] = rule
		names = append(names, fe.Field())
	}
	return apperrors.Validation("invalid "+strings.Join(names, ", "), fields)
}

func negativeQuantity() error {
	return apperrors.Validation("quantity must not be negative", map[string]string{"quantity": "min=0"})
}

// Pricing holds checkout tax and shipping rates
type Pricing struct {
	TaxRate  decimal.Decimal
	Shipping map[string]decimal.Decimal
}

// DefaultPricing is 20% tax with standard 10.00, express 20.00 and free pickup
func DefaultPricing() Pricing {
	return Pricing{
		TaxRate: decimal.RequireFromString("0.20"),
		Shipping: map[string]decimal.Decimal{
			models.ShippingStandard: decimal.RequireFromString("10.00"),
			models.ShippingExpress:  decimal.RequireFromString("20.00"),
			models.ShippingPickup:   decimal.Zero,
		},
	}
}

// Quote is the priced breakdown of a checkout
type Quote struct {
	Subtotal     decimal.Decimal `json:"subtotal"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	Tax          decimal.Decimal `json:"tax"`
	Total        decimal.Decimal `json:"total"`
}

func (p Pricing) Quote(subtotal decimal.Decimal, shippingMethod string) (Quote, error) {
	shipping, ok := p.Shipping[shippingMethod]
	if !ok {
		return Quote{}, apperrors.Validation("unknown shipping method",
			map[string]string{"ShippingMethod": "oneof=standard express pickup"})
	}
	tax := subtotal.Mul(p.TaxRate).Round(2)
	return Quote{
		Subtotal:     subtotal,
		ShippingCost: shipping,
		Tax:          tax,
		Total:        subtotal.Add(shipping).Add(tax),
	}, nil
}

// percent returns part/whole*100 rounded to two places, or zero when whole is zero
func percent(part, whole int) decimal.Decimal {
	if whole == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(part)).Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(whole))).Round(2)
}
