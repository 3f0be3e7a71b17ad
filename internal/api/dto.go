package api

import (
	"shop-core/internal/models"
	"shop-core/internal/service"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrorBody is the payload of every failed request
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// CreateVariantRequest registers a purchasable SKU
type CreateVariantRequest struct {
	ProductID uuid.UUID       `json:"product_id" binding:"required"`
	SKU       string          `json:"sku" binding:"required"`
	Stock     int             `json:"stock"`
	Price     decimal.Decimal `json:"price"`
}

// AdjustStockRequest applies a signed delta to a variant's stock
type AdjustStockRequest struct {
	Delta int    `json:"delta"`
	Note  string `json:"note"`
}

type StockHistoryResponse struct {
	VariantID uuid.UUID             `json:"variant_id"`
	Entries   []models.StockHistory `json:"entries"`
}

// CartRequest opens or resumes a cart. Authenticated callers are identified by
// the X-User-ID header; guests pass their session token.
type CartRequest struct {
	SessionToken string `json:"session_token"`
}

type AddItemRequest struct {
	VariantID uuid.UUID `json:"variant_id" binding:"required"`
	Quantity  int       `json:"quantity" binding:"required"`
}

type UpdateItemRequest struct {
	Quantity int `json:"quantity"`
}

type TransferCartRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

type CartResponse struct {
	Cart  models.Cart       `json:"cart"`
	Lines []models.CartLine `json:"lines"`
}

func newCartResponse(v *service.CartView) CartResponse {
	lines := v.Lines
	if lines == nil {
		lines = []models.CartLine{}
	}
	return CartResponse{Cart: v.Cart, Lines: lines}
}

// CheckoutRequest converts a cart into an order
type CheckoutRequest struct {
	CartID            uuid.UUID  `json:"cart_id" binding:"required"`
	UserID            uuid.UUID  `json:"user_id"`
	Email             string     `json:"email" binding:"required"`
	Phone             string     `json:"phone"`
	ShippingAddressID uuid.UUID  `json:"shipping_address_id" binding:"required"`
	BillingAddressID  *uuid.UUID `json:"billing_address_id"`
	ShippingMethod    string     `json:"shipping_method" binding:"required"`
	PaymentMethod     string     `json:"payment_method" binding:"required"`
	CustomerNotes     string     `json:"customer_notes"`
	IdempotencyKey    string     `json:"idempotency_key"`
}

func (r CheckoutRequest) input() service.CheckoutInput {
	return service.CheckoutInput{
		CartID:            r.CartID,
		UserID:            r.UserID,
		Email:             r.Email,
		Phone:             r.Phone,
		ShippingAddressID: r.ShippingAddressID,
		BillingAddressID:  r.BillingAddressID,
		ShippingMethod:    r.ShippingMethod,
		PaymentMethod:     r.PaymentMethod,
		CustomerNotes:     r.CustomerNotes,
		IdempotencyKey:    r.IdempotencyKey,
	}
}

type OrderResponse struct {
	Order   models.Order       `json:"order"`
	Items   []models.OrderItem `json:"items"`
	Payment *models.Payment    `json:"payment,omitempty"`
}

func newOrderResponse(v *service.OrderView) OrderResponse {
	items := v.Items
	if items == nil {
		items = []models.OrderItem{}
	}
	return OrderResponse{Order: v.Order, Items: items, Payment: v.Payment}
}

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Notes  string `json:"notes"`
}

type CancelOrderRequest struct {
	Notes string `json:"notes"`
}

// PayRequest triggers a payment attempt. A missing risk score is derived
// from the customer's history.
type PayRequest struct {
	RiskScore *int `json:"risk_score"`
}

type OrderHistoryResponse struct {
	OrderID uuid.UUID                   `json:"order_id"`
	Entries []models.OrderStatusHistory `json:"entries"`
}

type OrderListResponse struct {
	UserID uuid.UUID      `json:"user_id"`
	Orders []models.Order `json:"orders"`
}

// GenerateReportRequest names the day a report covers, as YYYY-MM-DD. Weekly and
// monthly reports cover the week or month holding it. Empty means yesterday.
type GenerateReportRequest struct {
	Date string `json:"date"`
}

type ProductPerformanceResponse struct {
	Days     int                         `json:"days"`
	Products []models.ProductPerformance `json:"products"`
}

type RecomputeResponse struct {
	Processed int               `json:"processed"`
	Skipped   int               `json:"skipped"`
	Failed    int               `json:"failed"`
	Failures  map[string]string `json:"failures,omitempty"`
}
