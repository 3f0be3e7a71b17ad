package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Variant is a purchasable SKU with its stock counter
type Variant struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	ProductID uuid.UUID       `db:"product_id" json:"product_id"`
	SKU       string          `db:"sku" json:"sku"`
	Stock     int             `db:"stock" json:"stock"`
	Price     decimal.Decimal `db:"price" json:"price"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// StockHistory is one logged mutation of a variant's stock
type StockHistory struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	VariantID    uuid.UUID  `db:"variant_id" json:"variant_id"`
	OldQuantity  int        `db:"old_quantity" json:"old_quantity"`
	NewQuantity  int        `db:"new_quantity" json:"new_quantity"`
	ChangeAmount int        `db:"change_amount" json:"change_amount"`
	Note         string     `db:"note" json:"note"`
	ActorID      *uuid.UUID `db:"actor_id" json:"actor_id,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// Cart is owned by either a user or an anonymous session token
type Cart struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	UserID       *uuid.UUID      `db:"user_id" json:"user_id,omitempty"`
	SessionToken *string         `db:"session_token" json:"session_token,omitempty"`
	Total        decimal.Decimal `db:"total" json:"total"`
	Active       bool            `db:"active" json:"active"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// CartLine is a (cart, variant) quantity, joined with the variant's live price and stock
type CartLine struct {
	CartID    uuid.UUID       `db:"cart_id" json:"cart_id"`
	VariantID uuid.UUID       `db:"variant_id" json:"variant_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	SKU       string          `db:"sku" json:"sku"`
	ProductID uuid.UUID       `db:"product_id" json:"product_id"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Stock     int             `db:"stock" json:"stock"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Cost returns price x quantity
func (l CartLine) Cost() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Order is an immutable snapshot of a cart at checkout time
type Order struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	OrderNumber       string          `db:"order_number" json:"order_number"`
	UserID            uuid.UUID       `db:"user_id" json:"user_id"`
	Email             string          `db:"email" json:"email"`
	Phone             string          `db:"phone" json:"phone"`
	ShippingAddressID uuid.UUID       `db:"shipping_address_id" json:"shipping_address_id"`
	BillingAddressID  *uuid.UUID      `db:"billing_address_id" json:"billing_address_id,omitempty"`
	ShippingMethod    string          `db:"shipping_method" json:"shipping_method"`
	PaymentMethod     string          `db:"payment_method" json:"payment_method"`
	Subtotal          decimal.Decimal `db:"subtotal" json:"subtotal"`
	ShippingCost      decimal.Decimal `db:"shipping_cost" json:"shipping_cost"`
	Tax               decimal.Decimal `db:"tax" json:"tax"`
	Total             decimal.Decimal `db:"total" json:"total"`
	Status            string          `db:"status" json:"status"`
	CustomerNotes     string          `db:"customer_notes" json:"customer_notes,omitempty"`
	IdempotencyKey    *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
	PaidAt            *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	ShippedAt         *time.Time      `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt       *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	CancelledAt       *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
	ReturnedAt        *time.Time      `db:"returned_at" json:"returned_at,omitempty"`
}

// FormatOrderNumber renders a sequence value as ORD000042
func FormatOrderNumber(n int64) string {
	return fmt.Sprintf("ORD%06d", n)
}

// OrderItem holds the unit price captured at checkout
type OrderItem struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	OrderID   uuid.UUID       `db:"order_id" json:"order_id"`
	VariantID uuid.UUID       `db:"variant_id" json:"variant_id"`
	ProductID uuid.UUID       `db:"product_id" json:"product_id"`
	SKU       string          `db:"sku" json:"sku"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// Total returns unit price x quantity
func (i OrderItem) Total() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// OrderStatusHistory is an append-only status log entry
type OrderStatusHistory struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	OrderID   uuid.UUID  `db:"order_id" json:"order_id"`
	Status    string     `db:"status" json:"status"`
	Notes     string     `db:"notes" json:"notes"`
	ActorID   *uuid.UUID `db:"actor_id" json:"actor_id,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Payment is one-to-one with an order
type Payment struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	OrderID       uuid.UUID       `db:"order_id" json:"order_id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Method        string          `db:"method" json:"method"`
	Status        string          `db:"status" json:"status"`
	TransactionID *string         `db:"transaction_id" json:"transaction_id,omitempty"`
	RiskScore     int             `db:"risk_score" json:"risk_score"`
	Attempts      int             `db:"attempts" json:"attempts"`
	ErrorMessage  string          `db:"error_message" json:"error_message,omitempty"`
	ProcessedAt   *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// MaxRiskScore is the highest risk score a payment may be saved with
const MaxRiskScore = 80

// User is the read-only view of an identity-provider account
type User struct {
	ID            uuid.UUID `db:"id" json:"id"`
	Email         string    `db:"email" json:"email"`
	Phone         string    `db:"phone" json:"phone"`
	EmailVerified bool      `db:"email_verified" json:"email_verified"`
	Active        bool      `db:"is_active" json:"is_active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// CustomerSegment holds a user's RFM scores
type CustomerSegment struct {
	UserID                uuid.UUID       `db:"user_id" json:"user_id"`
	RecencyScore          int             `db:"recency_score" json:"recency_score"`
	FrequencyScore        int             `db:"frequency_score" json:"frequency_score"`
	MonetaryScore         int             `db:"monetary_score" json:"monetary_score"`
	LastPurchaseDate      *time.Time      `db:"last_purchase_date" json:"last_purchase_date,omitempty"`
	DaysSinceLastPurchase int             `db:"days_since_last_purchase" json:"days_since_last_purchase"`
	PurchaseFrequency     int             `db:"purchase_frequency" json:"purchase_frequency"`
	TotalSpent            decimal.Decimal `db:"total_spent" json:"total_spent"`
	AverageOrderValue     decimal.Decimal `db:"average_order_value" json:"average_order_value"`
	ProductsBought        int             `db:"products_bought" json:"products_bought"`
	IsChurned             bool            `db:"is_churned" json:"is_churned"`
	ChurnProbability      decimal.Decimal `db:"churn_probability" json:"churn_probability"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

// DefaultRFMScore is the score a segment starts with before any computation
const DefaultRFMScore = 3

// NewDefaultSegment returns a segment with default scores
func NewDefaultSegment(userID uuid.UUID) CustomerSegment {
	return CustomerSegment{
		UserID:            userID,
		RecencyScore:      DefaultRFMScore,
		FrequencyScore:    DefaultRFMScore,
		MonetaryScore:     DefaultRFMScore,
		TotalSpent:        decimal.Zero,
		AverageOrderValue: decimal.Zero,
		ChurnProbability:  decimal.Zero,
	}
}

// DeliveredOrder is the projection of a delivered order the RFM engine reads
type DeliveredOrder struct {
	OrderID     uuid.UUID       `db:"id"`
	Total       decimal.Decimal `db:"total"`
	CreatedAt   time.Time       `db:"created_at"`
	DeliveredAt *time.Time      `db:"delivered_at"`
}

// PurchasedAt is the delivery time, falling back to creation time
func (o DeliveredOrder) PurchasedAt() time.Time {
	if o.DeliveredAt != nil {
		return *o.DeliveredAt
	}
	return o.CreatedAt
}

// ReportOrder is the projection of an order the analytics aggregator reads
type ReportOrder struct {
	ID           uuid.UUID       `db:"id"`
	UserID       uuid.UUID       `db:"user_id"`
	Status       string          `db:"status"`
	Total        decimal.Decimal `db:"total"`
	Tax          decimal.Decimal `db:"tax"`
	ShippingCost decimal.Decimal `db:"shipping_cost"`
	ItemQuantity int             `db:"item_quantity"`
	CreatedAt    time.Time       `db:"created_at"`
	DeliveredAt  *time.Time      `db:"delivered_at"`
}

// CartSessionStats counts the carts opened within a period
type CartSessionStats struct {
	Total     int `db:"total"`
	Abandoned int `db:"abandoned"`
}

// Report types
const (
	ReportTypeDaily   = "daily"
	ReportTypeWeekly  = "weekly"
	ReportTypeMonthly = "monthly"
)

// SalesReport is an aggregated sales roll-up keyed by (date, type)
type SalesReport struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	ReportDate          time.Time       `db:"report_date" json:"report_date"`
	ReportType          string          `db:"report_type" json:"report_type"`
	TotalSales          decimal.Decimal `db:"total_sales" json:"total_sales"`
	TotalOrders         int             `db:"total_orders" json:"total_orders"`
	AverageOrderValue   decimal.Decimal `db:"average_order_value" json:"average_order_value"`
	TotalItemsSold      int             `db:"total_items_sold" json:"total_items_sold"`
	NewCustomers        int             `db:"new_customers" json:"new_customers"`
	ReturningCustomers  int             `db:"returning_customers" json:"returning_customers"`
	CancelledOrders     int             `db:"cancelled_orders" json:"cancelled_orders"`
	TotalReturns        int             `db:"total_returns" json:"total_returns"`
	ReturnsAmount       decimal.Decimal `db:"returns_amount" json:"returns_amount"`
	ReturnRate          decimal.Decimal `db:"return_rate" json:"return_rate"`
	GrossRevenue        decimal.Decimal `db:"gross_revenue" json:"gross_revenue"`
	NetRevenue          decimal.Decimal `db:"net_revenue" json:"net_revenue"`
	TotalTax            decimal.Decimal `db:"total_tax" json:"total_tax"`
	TotalShipping       decimal.Decimal `db:"total_shipping" json:"total_shipping"`
	ConversionRate      decimal.Decimal `db:"conversion_rate" json:"conversion_rate"`
	CartAbandonmentRate decimal.Decimal `db:"cart_abandonment_rate" json:"cart_abandonment_rate"`
	AvgDeliveryHours    int             `db:"avg_delivery_hours" json:"avg_delivery_hours"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// ProductSaleLine is one order item as the product performance job reads it
type ProductSaleLine struct {
	OrderID   uuid.UUID       `db:"order_id"`
	ProductID uuid.UUID       `db:"product_id"`
	Status    string          `db:"status"`
	Quantity  int             `db:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price"`
}

// ProductPerformance is one product's sales on one UTC day, keyed by (product, date).
// Returns and ReturnRate count units whose order was returned. FrequentlyBoughtWith
// holds up to five product ids that shared an order with this product, most frequent
// first.
type ProductPerformance struct {
	ID                   uuid.UUID       `db:"id" json:"id"`
	ProductID            uuid.UUID       `db:"product_id" json:"product_id"`
	Date                 time.Time       `db:"date" json:"date"`
	UnitsSold            int             `db:"units_sold" json:"units_sold"`
	Revenue              decimal.Decimal `db:"revenue" json:"revenue"`
	Returns              int             `db:"returns" json:"returns"`
	ReturnRate           decimal.Decimal `db:"return_rate" json:"return_rate"`
	PurchaseCount        int             `db:"purchase_count" json:"purchase_count"`
	FrequentlyBoughtWith pq.StringArray  `db:"frequently_bought_with" json:"frequently_bought_with"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at" json:"updated_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
