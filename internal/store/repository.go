package store

import (
	"context"
	"time"

	"shop-core/internal/apperrors"
	"shop-core/internal/models"

	"github.com/google/uuid"
)

// Repository is the persistence boundary of every service.
// Methods suffixed ForUpdate take a row lock and are only meaningful inside WithTx.
type Repository interface {
	// WithTx runs fn in a single transaction. A nested call joins the outer transaction.
	WithTx(ctx context.Context, fn func(tx Repository) error) error

	VariantRepository
	CartRepository
	OrderRepository
	PaymentRepository
	UserRepository
	AnalyticsRepository
	EventRepository
}

type VariantRepository interface {
	CreateVariant(ctx context.Context, v *models.Variant) error
	GetVariant(ctx context.Context, id uuid.UUID) (*models.Variant, error)
	GetVariantForUpdate(ctx context.Context, id uuid.UUID) (*models.Variant, error)
	SetVariantStock(ctx context.Context, id uuid.UUID, stock int) error
	InsertStockHistory(ctx context.Context, h *models.StockHistory) error
	ListStockHistory(ctx context.Context, variantID uuid.UUID, limit int) ([]models.StockHistory, error)
}

type CartRepository interface {
	CreateCart(ctx context.Context, c *models.Cart) error
	GetCart(ctx context.Context, id uuid.UUID) (*models.Cart, error)
	GetCartForUpdate(ctx context.Context, id uuid.UUID) (*models.Cart, error)
	// FindActiveCartByUser returns nil, nil when the user has no active cart.
	FindActiveCartByUser(ctx context.Context, userID uuid.UUID) (*models.Cart, error)
	// FindActiveCartBySession returns nil, nil when no active cart holds the token.
	FindActiveCartBySession(ctx context.Context, token string) (*models.Cart, error)
	UpdateCart(ctx context.Context, c *models.Cart) error
	DeleteCart(ctx context.Context, id uuid.UUID) error
	ListCartLines(ctx context.Context, cartID uuid.UUID) ([]models.CartLine, error)
	UpsertCartLine(ctx context.Context, cartID, variantID uuid.UUID, quantity int) error
	DeleteCartLine(ctx context.Context, cartID, variantID uuid.UUID) error
	DeleteCartLines(ctx context.Context, cartID uuid.UUID) error
	CartSessionStats(ctx context.Context, from, to time.Time) (models.CartSessionStats, error)
}

type OrderRepository interface {
	NextOrderNumber(ctx context.Context) (string, error)
	CreateOrder(ctx context.Context, o *models.Order) error
	CreateOrderItems(ctx context.Context, items []models.OrderItem) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// FindOrderByIdempotencyKey returns nil, nil when no order carries the key.
	FindOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]models.Order, error)
	// ListOrderItems returns the items in ascending variant id order
	ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error)
	// UpdateOrderStatus persists status, updated_at and the milestone timestamps.
	UpdateOrderStatus(ctx context.Context, o *models.Order) error
	InsertStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error
	ListStatusHistory(ctx context.Context, orderID uuid.UUID) ([]models.OrderStatusHistory, error)
}

type PaymentRepository interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	GetPaymentByOrderForUpdate(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	UpdatePayment(ctx context.Context, p *models.Payment) error
	ListRecentPayments(ctx context.Context, userID uuid.UUID, limit int) ([]models.Payment, error)
	CountPaymentsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
}

type UserRepository interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	ListActiveUsers(ctx context.Context) ([]models.User, error)
}

type AnalyticsRepository interface {
	ListDeliveredOrders(ctx context.Context, userID uuid.UUID) ([]models.DeliveredOrder, error)
	CountProductsBought(ctx context.Context, userID uuid.UUID) (int, error)
	GetSegment(ctx context.Context, userID uuid.UUID) (*models.CustomerSegment, error)
	// EnsureSegment inserts a default segment unless one already exists.
	EnsureSegment(ctx context.Context, userID uuid.UUID) error
	// UpsertSegment overwrites every column of the user's segment.
	UpsertSegment(ctx context.Context, s *models.CustomerSegment) error
	ListSegments(ctx context.Context) ([]models.CustomerSegment, error)

	ListReportOrders(ctx context.Context, from, to time.Time) ([]models.ReportOrder, error)
	// UpsertSalesReport inserts or overwrites the report keyed by (date, type).
	UpsertSalesReport(ctx context.Context, r *models.SalesReport) error
	// GetSalesReport returns nil, nil when no report exists for the key.
	GetSalesReport(ctx context.Context, reportType string, date time.Time) (*models.SalesReport, error)
	// ListSalesReports returns reports of a type with from <= date <= to, oldest first.
	ListSalesReports(ctx context.Context, reportType string, from, to time.Time) ([]models.SalesReport, error)
	DeleteSalesReportsBefore(ctx context.Context, reportType string, before time.Time) (int64, error)

	// ListProductSaleLines returns the items of orders created in [from, to).
	ListProductSaleLines(ctx context.Context, from, to time.Time) ([]models.ProductSaleLine, error)
	// UpsertProductPerformance inserts or overwrites the row keyed by (product, date).
	UpsertProductPerformance(ctx context.Context, p *models.ProductPerformance) error
	// DeleteProductPerformanceExcept drops the day's rows for products not in keep.
	DeleteProductPerformanceExcept(ctx context.Context, date time.Time, keep []uuid.UUID) (int64, error)
	// ListProductPerformance returns rows with from <= date <= to, by date then product.
	ListProductPerformance(ctx context.Context, from, to time.Time) ([]models.ProductPerformance, error)
	DeleteProductPerformanceBefore(ctx context.Context, before time.Time) (int64, error)
}

type EventRepository interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// ValidatePayment enforces the invariants a payment row must satisfy before it is saved.
func ValidatePayment(p *models.Payment) error {
	if p.RiskScore > models.MaxRiskScore {
		return apperrors.Newf(apperrors.CodePaymentRejected,
			"payment blocked due to high risk score %d", p.RiskScore)
	}
	if p.RiskScore < 0 {
		return apperrors.Validation("risk score must not be negative", map[string]string{"risk_score": "min 0"})
	}
	if p.Amount.IsNegative() {
		return apperrors.Validation("payment amount must not be negative", map[string]string{"amount": "min 0"})
	}
	return nil
}

// DateOnly truncates t to midnight UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
