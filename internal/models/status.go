package models

// Order statuses
const (
	OrderStatusAwaitingPayment = "awaiting_payment"
	OrderStatusProcessing      = "processing"
	OrderStatusConfirmed       = "confirmed"
	OrderStatusAssembling      = "assembling"
	OrderStatusShipped         = "shipped"
	OrderStatusDelivered       = "delivered"
	OrderStatusCancelled       = "cancelled"
	OrderStatusReturned        = "returned"
)

// Payment statuses
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
	PaymentStatusCancelled  = "cancelled"
	PaymentStatusRefunded   = "refunded"
)

// Shipping methods
const (
	ShippingStandard = "standard"
	ShippingExpress  = "express"
	ShippingPickup   = "pickup"
)

// Payment methods
const (
	PaymentMethodCard = "card"
	PaymentMethodBank = "bank"
	PaymentMethodCash = "cash"
)

var orderTransitions = map[string][]string{
	OrderStatusAwaitingPayment: {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing:      {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:       {OrderStatusAssembling},
	OrderStatusAssembling:      {OrderStatusShipped},
	OrderStatusShipped:         {OrderStatusDelivered, OrderStatusReturned},
	OrderStatusDelivered:       {OrderStatusReturned},
	OrderStatusCancelled:       nil,
	OrderStatusReturned:        nil,
}

// IsValidOrderStatus reports whether s is a known order status
func IsValidOrderStatus(s string) bool {
	_, ok := orderTransitions[s]
	return ok
}

// CanTransition reports whether an order may move from one status to another
func CanTransition(from, to string) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves status s
func IsTerminal(s string) bool {
	return IsValidOrderStatus(s) && len(orderTransitions[s]) == 0
}

// IsCancellable reports whether an order in status s may be cancelled
func IsCancellable(s string) bool {
	return CanTransition(s, OrderStatusCancelled)
}

// IsCompletedStatus reports whether an order in status s counts as a sale
func IsCompletedStatus(s string) bool {
	switch s {
	case OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered:
		return true
	}
	return false
}

// IsPurchasedStatus reports whether an order in status s was paid for, including
// orders later returned
func IsPurchasedStatus(s string) bool {
	return IsCompletedStatus(s) || s == OrderStatusReturned
}

// IsValidShippingMethod reports whether m is a known shipping method
func IsValidShippingMethod(m string) bool {
	switch m {
	case ShippingStandard, ShippingExpress, ShippingPickup:
		return true
	}
	return false
}

// IsValidPaymentMethod reports whether m is a known payment method
func IsValidPaymentMethod(m string) bool {
	switch m {
	case PaymentMethodCard, PaymentMethodBank, PaymentMethodCash:
		return true
	}
	return false
}
