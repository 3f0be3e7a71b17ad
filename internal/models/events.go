package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated       = "ORDER_CREATED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeOrderCancelled     = "ORDER_CANCELLED"
	EventTypePaymentSuccess     = "PAYMENT_SUCCESS"
	EventTypePaymentFailed      = "PAYMENT_FAILED"
	EventTypeAnalyticsAlert     = "ANALYTICS_ALERT"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id and time
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// OrderCreatedEvent published when checkout commits
type OrderCreatedEvent struct {
	BaseEvent
	OrderID       uuid.UUID       `json:"order_id"`
	OrderNumber   string          `json:"order_number"`
	UserID        uuid.UUID       `json:"user_id"`
	Email         string          `json:"email"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method"`
	Items         []OrderItemData `json:"items"`
}

// OrderStatusChangedEvent published after every committed status change
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID    uuid.UUID `json:"order_id"`
	UserID     uuid.UUID `json:"user_id"`
	Email      string    `json:"email"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Notes      string    `json:"notes,omitempty"`
}

// OrderCancelledEvent published when an order is cancelled and restocked
type OrderCancelledEvent struct {
	BaseEvent
	OrderID uuid.UUID       `json:"order_id"`
	UserID  uuid.UUID       `json:"user_id"`
	Email   string          `json:"email"`
	Reason  string          `json:"reason"`
	Items   []OrderItemData `json:"items"`
}

// PaymentSuccessEvent published by the payment handoff
type PaymentSuccessEvent struct {
	BaseEvent
	OrderID   uuid.UUID       `json:"order_id"`
	PaymentID uuid.UUID       `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	TxID      string          `json:"tx_id"`
}

// PaymentFailedEvent published by the payment handoff
type PaymentFailedEvent struct {
	BaseEvent
	OrderID   uuid.UUID `json:"order_id"`
	PaymentID uuid.UUID `json:"payment_id"`
	Reason    string    `json:"reason"`
}

// AnalyticsAlertEvent published when a report crosses an alert threshold
type AnalyticsAlertEvent struct {
	BaseEvent
	ReportDate time.Time `json:"report_date"`
	ReportType string    `json:"report_type"`
	Alerts     []string  `json:"alerts"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	VariantID uuid.UUID       `json:"variant_id"`
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// ItemData converts order items for event payloads
func ItemData(items []OrderItem) []OrderItemData {
	out := make([]OrderItemData, 0, len(items))
	for _, item := range items {
		out = append(out, OrderItemData{
			VariantID: item.VariantID,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return out
}
