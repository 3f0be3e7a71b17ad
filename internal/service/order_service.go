package service

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"shop-core/internal/apperrors"
	"shop-core/internal/models"
	"shop-core/internal/store"
	"shop-core/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderService owns checkout and the order status lifecycle
type OrderService struct {
	store          store.Repository
	inventory      *InventoryService
	eventPublisher EventPublisher
	pricing        Pricing
	logger         *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	repo store.Repository,
	inventory *InventoryService,
	eventPublisher EventPublisher,
	pricing Pricing,
) *OrderService {
	return &OrderService{
		store:          repo,
		inventory:      inventory,
		eventPublisher: eventPublisher,
		pricing:        pricing,
		logger:         util.Component("orders"),
	}
}

// CheckoutInput represents a request to turn a cart into an order
type CheckoutInput struct {
	CartID            uuid.UUID  `validate:"required"`
	UserID            uuid.UUID  `validate:"required"`
	Email             string     `validate:"required,email"`
	Phone             string     `validate:"max=32"`
	ShippingAddressID uuid.UUID  `validate:"required"`
	BillingAddressID  *uuid.UUID `validate:"omitempty"`
	ShippingMethod    string     `validate:"required,oneof=standard express pickup"`
	PaymentMethod     string     `validate:"required,oneof=card bank cash"`
	CustomerNotes     string     `validate:"max=1000"`
	IdempotencyKey    string     `validate:"max=128"`
}

// OrderView is an order with its items and payment
type OrderView struct {
	Order   models.Order       `json:"order"`
	Items   []models.OrderItem `json:"items"`
	Payment *models.Payment    `json:"payment,omitempty"`
}

// CreateFromCart creates an order from a cart in one transaction: the order, its
// items, stock debits, the first history entry and a pending payment. The cart is
// emptied and retired. Any failure leaves no trace.
func (s *OrderService) CreateFromCart(ctx context.Context, in CheckoutInput) (*OrderView, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateFromCart",
		attribute.String("cart_id", in.CartID.String()))
	var err error
	defer func() { util.EndSpan(span, err) }()

	if err = validateInput(in); err != nil {
		util.CheckoutFailedTotal.WithLabelValues(string(apperrors.CodeValidation)).Inc()
		return nil, err
	}

	if in.IdempotencyKey != "" {
		existing, lookupErr := s.store.FindOrderByIdempotencyKey(ctx, in.IdempotencyKey)
		if lookupErr != nil {
			err = fmt.Errorf("failed to check idempotency: %w", lookupErr)
			return nil, err
		}
		if existing != nil {
			s.logger.Info("Duplicate checkout detected",
				zap.String("idempotency_key", in.IdempotencyKey),
				zap.String("order_id", existing.ID.String()))
			return s.GetOrder(ctx, existing.ID)
		}
	}

	var view *OrderView
	err = s.store.WithTx(ctx, func(tx store.Repository) error {
		var txErr error
		view, txErr = s.checkout(ctx, tx, in)
		return txErr
	})
	if err != nil {
		if in.IdempotencyKey != "" && apperrors.Is(err, apperrors.CodeConflict) {
			if existing, _ := s.store.FindOrderByIdempotencyKey(ctx, in.IdempotencyKey); existing != nil {
				err = nil
				return s.GetOrder(ctx, existing.ID)
			}
		}
		code := apperrors.CodeInternal
		if typed := apperrors.As(err); typed != nil {
			code = typed.Code()
		}
		util.CheckoutFailedTotal.WithLabelValues(string(code)).Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	o := view.Order
	s.logger.Info("Order created",
		zap.String("order_id", o.ID.String()),
		zap.String("order_number", o.OrderNumber),
		zap.String("total", o.Total.StringFixed(2)))

	variantIDs := make([]uuid.UUID, len(view.Items))
	for i, item := range view.Items {
		variantIDs[i] = item.VariantID
	}
	s.inventory.Invalidate(ctx, variantIDs...)

	event := &models.OrderCreatedEvent{
		BaseEvent:     models.NewBaseEvent(models.EventTypeOrderCreated),
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		UserID:        o.UserID,
		Email:         o.Email,
		Total:         o.Total,
		PaymentMethod: o.PaymentMethod,
		Items:         models.ItemData(view.Items),
	}
	if pubErr := s.eventPublisher.PublishOrderCreated(ctx, event); pubErr != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.String("order_id", o.ID.String()), zap.Error(pubErr))
	}

	return view, nil
}

func (s *OrderService) checkout(ctx context.Context, tx store.Repository, in CheckoutInput) (*OrderView, error) {
	cart, err := tx.GetCartForUpdate(ctx, in.CartID)
	if err != nil {
		return nil, err
	}
	if cart.UserID != nil && *cart.UserID != in.UserID {
		return nil, apperrors.Validation("cart belongs to another user", map[string]string{"CartID": "owner"})
	}

	lines, err := tx.ListCartLines(ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	if !cart.Active || len(lines) == 0 {
		return nil, apperrors.New(apperrors.CodeEmptyCart, "cart has no items")
	}

	// lines are ordered by variant id, so locks are always taken in ascending order
	var shortages []apperrors.StockShortage
	variants := make(map[uuid.UUID]*models.Variant, len(lines))
	for _, line := range lines {
		v, err := tx.GetVariantForUpdate(ctx, line.VariantID)
		if err != nil {
			return nil, err
		}
		variants[v.ID] = v
		if line.Quantity > v.Stock {
			shortages = append(shortages, apperrors.StockShortage{
				VariantID: v.ID.String(), SKU: v.SKU, Requested: line.Quantity, Available: v.Stock,
			})
		}
	}
	if len(shortages) > 0 {
		return nil, apperrors.OutOfStock(shortages...)
	}

	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(variants[line.VariantID].Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	quote, err := s.pricing.Quote(subtotal, in.ShippingMethod)
	if err != nil {
		return nil, err
	}

	number, err := tx.NextOrderNumber(ctx)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		OrderNumber:       number,
		UserID:            in.UserID,
		Email:             in.Email,
		Phone:             in.Phone,
		ShippingAddressID: in.ShippingAddressID,
		BillingAddressID:  in.BillingAddressID,
		ShippingMethod:    in.ShippingMethod,
		PaymentMethod:     in.PaymentMethod,
		Subtotal:          quote.Subtotal,
		ShippingCost:      quote.ShippingCost,
		Tax:               quote.Tax,
		Total:             quote.Total,
		Status:            models.OrderStatusAwaitingPayment,
		CustomerNotes:     in.CustomerNotes,
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		order.IdempotencyKey = &key
	}
	if err := tx.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	items := make([]models.OrderItem, 0, len(lines))
	for _, line := range lines {
		v := variants[line.VariantID]
		items = append(items, models.OrderItem{
			OrderID:   order.ID,
			VariantID: v.ID,
			ProductID: v.ProductID,
			SKU:       v.SKU,
			Quantity:  line.Quantity,
			UnitPrice: v.Price,
		})
	}
	if err := tx.CreateOrderItems(ctx, items); err != nil {
		return nil, fmt.Errorf("failed to create order items: %w", err)
	}

	actor := in.UserID
	for _, item := range items {
		if _, err := s.inventory.decreaseInTx(ctx, tx, item.VariantID, item.Quantity, "order "+number, &actor); err != nil {
			return nil, err
		}
	}

	if err := tx.InsertStatusHistory(ctx, &models.OrderStatusHistory{
		OrderID: order.ID,
		Status:  order.Status,
		Notes:   "order created",
		ActorID: &actor,
	}); err != nil {
		return nil, err
	}

	payment := &models.Payment{
		OrderID: order.ID,
		Amount:  order.Total,
		Method:  order.PaymentMethod,
		Status:  models.PaymentStatusPending,
	}
	if err := tx.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	if err := tx.DeleteCartLines(ctx, cart.ID); err != nil {
		return nil, err
	}
	cart.Total = decimal.Zero
	cart.Active = false
	if err := tx.UpdateCart(ctx, cart); err != nil {
		return nil, err
	}

	return &OrderView{Order: *order, Items: items, Payment: payment}, nil
}

// UpdateStatus moves an order along the lifecycle. Setting the current status again
// is a no-op; cancelled is delegated to Cancel; returned credits stock back.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID uuid.UUID, status, notes string, actor *uuid.UUID) (*models.Order, error) {
	if !models.IsValidOrderStatus(status) {
		return nil, apperrors.Validation("unknown order status", map[string]string{"status": status})
	}
	if status == models.OrderStatusCancelled {
		return s.Cancel(ctx, orderID, actor, notes)
	}

	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus",
		attribute.String("order_id", orderID.String()),
		attribute.String("status", status))
	var err error
	defer func() { util.EndSpan(span, err) }()

	var (
		order   *models.Order
		from    string
		items   []models.OrderItem
		changed bool
	)
	err = s.store.WithTx(ctx, func(tx store.Repository) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		order, from = o, o.Status
		if o.Status == status {
			return nil
		}
		if !models.CanTransition(o.Status, status) {
			return apperrors.InvalidTransition(o.Status, status)
		}

		now := time.Now().UTC()
		o.Status = status
		switch status {
		case models.OrderStatusProcessing:
			if o.PaidAt == nil {
				o.PaidAt = &now
			}
		case models.OrderStatusShipped:
			o.ShippedAt = &now
		case models.OrderStatusDelivered:
			o.DeliveredAt = &now
		case models.OrderStatusReturned:
			o.ReturnedAt = &now
			if items, err = s.restock(ctx, tx, o.ID, "order returned", actor); err != nil {
				return err
			}
			if err := s.settlePayment(ctx, tx, o.ID, returnSettlement); err != nil {
				return err
			}
		}

		if err := tx.UpdateOrderStatus(ctx, o); err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		if err := tx.InsertStatusHistory(ctx, &models.OrderStatusHistory{
			OrderID: o.ID, Status: status, Notes: notes, ActorID: actor,
		}); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return order, nil
	}

	util.OrderTransitionsTotal.WithLabelValues(status).Inc()
	s.invalidateItems(ctx, items)
	s.logger.Info("Order status changed",
		zap.String("order_id", order.ID.String()),
		zap.String("from", from),
		zap.String("to", status))
	s.publishStatusChanged(ctx, order, from, notes)
	return order, nil
}

// Cancel returns every ordered quantity to stock. Only orders awaiting payment or
// processing can be cancelled.
func (s *OrderService) Cancel(ctx context.Context, orderID uuid.UUID, actor *uuid.UUID, notes string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel", attribute.String("order_id", orderID.String()))
	var err error
	defer func() { util.EndSpan(span, err) }()

	if notes == "" {
		notes = "order cancelled"
	}

	var (
		order *models.Order
		from  string
		items []models.OrderItem
	)
	err = s.store.WithTx(ctx, func(tx store.Repository) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !models.IsCancellable(o.Status) {
			return apperrors.InvalidTransition(o.Status, models.OrderStatusCancelled)
		}
		order, from = o, o.Status

		if items, err = s.restock(ctx, tx, o.ID, "order cancelled", actor); err != nil {
			return err
		}

		now := time.Now().UTC()
		o.Status = models.OrderStatusCancelled
		o.CancelledAt = &now
		if err := tx.UpdateOrderStatus(ctx, o); err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		if err := tx.InsertStatusHistory(ctx, &models.OrderStatusHistory{
			OrderID: o.ID, Status: o.Status, Notes: notes, ActorID: actor,
		}); err != nil {
			return err
		}
		return s.settlePayment(ctx, tx, o.ID, cancelSettlement)
	})
	if err != nil {
		return nil, err
	}

	util.OrdersCancelledTotal.Inc()
	util.OrderTransitionsTotal.WithLabelValues(models.OrderStatusCancelled).Inc()
	s.invalidateItems(ctx, items)
	s.logger.Info("Order cancelled", zap.String("order_id", order.ID.String()), zap.String("from", from))

	event := &models.OrderCancelledEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderCancelled),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Email:     order.Email,
		Reason:    notes,
		Items:     models.ItemData(items),
	}
	if pubErr := s.eventPublisher.PublishOrderCancelled(ctx, event); pubErr != nil {
		s.logger.Error("Failed to publish OrderCancelled event", zap.Error(pubErr))
	}
	s.publishStatusChanged(ctx, order, from, notes)
	return order, nil
}

// restock credits every item of the order back, in ascending variant order
func (s *OrderService) restock(ctx context.Context, tx store.Repository, orderID uuid.UUID, note string, actor *uuid.UUID) ([]models.OrderItem, error) {
	items, err := tx.ListOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	// variant rows are locked in the same order as checkout debits them
	sort.Slice(items, func(i, j int) bool {
		return bytes.Compare(items[i].VariantID[:], items[j].VariantID[:]) < 0
	})
	for _, item := range items {
		if _, err := s.inventory.increaseInTx(ctx, tx, item.VariantID, item.Quantity, note, actor); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// Payment status changes applied when an order closes. Statuses not listed are
// left alone.
var (
	cancelSettlement = map[string]string{
		models.PaymentStatusPending:    models.PaymentStatusCancelled,
		models.PaymentStatusProcessing: models.PaymentStatusCancelled,
		models.PaymentStatusFailed:     models.PaymentStatusCancelled,
		models.PaymentStatusCompleted:  models.PaymentStatusRefunded,
	}
	returnSettlement = map[string]string{
		models.PaymentStatusCompleted: models.PaymentStatusRefunded,
	}
)

// settlePayment moves the order's payment along settlement
func (s *OrderService) settlePayment(ctx context.Context, tx store.Repository, orderID uuid.UUID, settlement map[string]string) error {
	p, err := tx.GetPaymentByOrderForUpdate(ctx, orderID)
	if apperrors.Is(err, apperrors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	to, ok := settlement[p.Status]
	if !ok {
		return nil
	}
	if to == models.PaymentStatusRefunded {
		s.logger.Info("Refunding payment",
			zap.String("order_id", orderID.String()),
			zap.String("payment_id", p.ID.String()))
	}
	p.Status = to
	return tx.UpdatePayment(ctx, p)
}

func (s *OrderService) invalidateItems(ctx context.Context, items []models.OrderItem) {
	if len(items) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(items))
	for i, item := range items {
		ids[i] = item.VariantID
	}
	s.inventory.Invalidate(ctx, ids...)
}

func (s *OrderService) publishStatusChanged(ctx context.Context, order *models.Order, from, notes string) {
	event := &models.OrderStatusChangedEvent{
		BaseEvent:  models.NewBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:    order.ID,
		UserID:     order.UserID,
		Email:      order.Email,
		FromStatus: from,
		ToStatus:   order.Status,
		Notes:      notes,
	}
	if err := s.eventPublisher.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}
}

// GetOrder retrieves an order with its items and payment
func (s *OrderService) GetOrder(ctx context.Context, orderID uuid.UUID) (*OrderView, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	view := &OrderView{Order: *order, Items: items}
	payment, err := s.store.GetPaymentByOrder(ctx, orderID)
	switch {
	case err == nil:
		view.Payment = payment
	case !apperrors.Is(err, apperrors.CodeNotFound):
		return nil, err
	}
	return view, nil
}

// ListHistory returns the status log oldest first
func (s *OrderService) ListHistory(ctx context.Context, orderID uuid.UUID) ([]models.OrderStatusHistory, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.ListStatusHistory(ctx, orderID)
}

// ListUserOrders returns the user's orders newest first
func (s *OrderService) ListUserOrders(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	return s.store.ListOrdersByUser(ctx, userID)
}
