package memstore

import (
	"context"
	"sort"
	"time"

	"shop-core/internal/apperrors"
	"shop-core/internal/models"
	"shop-core/internal/store"

	"github.com/google/uuid"
)

// NextOrderNumber is not rolled back with the transaction, like a database sequence.
func (s *Store) NextOrderNumber(ctx context.Context) (string, error) {
	defer s.lock()()
	s.root.seq++
	return models.FormatOrderNumber(s.root.seq), nil
}

func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	defer s.lock()()
	for _, existing := range s.root.data.orders {
		if existing.OrderNumber == o.OrderNumber {
			return apperrors.Newf(apperrors.CodeConflict, "order number %s already exists", o.OrderNumber)
		}
		if o.IdempotencyKey != nil && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *o.IdempotencyKey {
			return apperrors.New(apperrors.CodeConflict, "idempotency key already used")
		}
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.CreatedAt = s.stamp(o.CreatedAt)
	o.UpdatedAt = o.CreatedAt
	s.root.data.orders[o.ID] = *o
	s.root.data.orderList = append(s.root.data.orderList, o.ID)
	return nil
}

func (s *Store) CreateOrderItems(ctx context.Context, items []models.OrderItem) error {
	defer s.lock()()
	for i := range items {
		item := &items[i]
		if _, ok := s.root.data.orders[item.OrderID]; !ok {
			return apperrors.NotFound("order", item.OrderID.String())
		}
		if item.Quantity <= 0 {
			return apperrors.Validation("quantity must be positive", map[string]string{"quantity": "min 1"})
		}
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		s.root.data.orderItems[item.OrderID] = append(s.root.data.orderItems[item.OrderID], *item)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	defer s.lock()()
	o, ok := s.root.data.orders[id]
	if !ok {
		return nil, apperrors.NotFound("order", id.String())
	}
	return &o, nil
}

func (s *Store) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return s.GetOrder(ctx, id)
}

func (s *Store) FindOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	defer s.lock()()
	for _, o := range s.root.data.orders {
		if o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			return &o, nil
		}
	}
	return nil, nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	defer s.lock()()
	orders := []models.Order{}
	list := s.root.data.orderList
	for i := len(list) - 1; i >= 0; i-- {
		if o := s.root.data.orders[list[i]]; o.UserID == userID {
			orders = append(orders, o)
		}
	}
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return orders, nil
}

func (s *Store) ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	defer s.lock()()
	items := append([]models.OrderItem{}, s.root.data.orderItems[orderID]...)
	sort.Slice(items, func(i, j int) bool { return lessUUID(items[i].VariantID, items[j].VariantID) })
	return items, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, o *models.Order) error {
	defer s.lock()()
	existing, ok := s.root.data.orders[o.ID]
	if !ok {
		return apperrors.NotFound("order", o.ID.String())
	}
	existing.Status = o.Status
	existing.PaidAt = o.PaidAt
	existing.ShippedAt = o.ShippedAt
	existing.DeliveredAt = o.DeliveredAt
	existing.CancelledAt = o.CancelledAt
	existing.ReturnedAt = o.ReturnedAt
	existing.UpdatedAt = s.now()
	s.root.data.orders[o.ID] = existing
	o.UpdatedAt = existing.UpdatedAt
	return nil
}

func (s *Store) InsertStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error {
	defer s.lock()()
	if _, ok := s.root.data.orders[h.OrderID]; !ok {
		return apperrors.NotFound("order", h.OrderID.String())
	}
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	h.CreatedAt = s.now()
	s.root.data.statusHistory[h.OrderID] = append(s.root.data.statusHistory[h.OrderID], *h)
	return nil
}

func (s *Store) ListStatusHistory(ctx context.Context, orderID uuid.UUID) ([]models.OrderStatusHistory, error) {
	defer s.lock()()
	return append([]models.OrderStatusHistory{}, s.root.data.statusHistory[orderID]...), nil
}

func (s *Store) CreatePayment(ctx context.Context, p *models.Payment) error {
	if err := store.ValidatePayment(p); err != nil {
		return err
	}
	defer s.lock()()
	if _, ok := s.root.data.orders[p.OrderID]; !ok {
		return apperrors.NotFound("order", p.OrderID.String())
	}
	if _, ok := s.root.data.payments[p.OrderID]; ok {
		return apperrors.New(apperrors.CodeConflict, "order already has a payment")
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt
	s.root.data.payments[p.OrderID] = *p
	return nil
}

func (s *Store) GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	defer s.lock()()
	p, ok := s.root.data.payments[orderID]
	if !ok {
		return nil, apperrors.NotFound("payment", orderID.String())
	}
	return &p, nil
}

func (s *Store) GetPaymentByOrderForUpdate(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	return s.GetPaymentByOrder(ctx, orderID)
}

func (s *Store) UpdatePayment(ctx context.Context, p *models.Payment) error {
	if err := store.ValidatePayment(p); err != nil {
		return err
	}
	defer s.lock()()
	existing, ok := s.root.data.payments[p.OrderID]
	if !ok || existing.ID != p.ID {
		return apperrors.NotFound("payment", p.ID.String())
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now()
	s.root.data.payments[p.OrderID] = *p
	return nil
}

func (s *Store) userPayments(userID uuid.UUID) []models.Payment {
	payments := []models.Payment{}
	for orderID, p := range s.root.data.payments {
		if s.root.data.orders[orderID].UserID == userID {
			payments = append(payments, p)
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].CreatedAt.After(payments[j].CreatedAt) })
	return payments
}

func (s *Store) ListRecentPayments(ctx context.Context, userID uuid.UUID, limit int) ([]models.Payment, error) {
	defer s.lock()()
	payments := s.userPayments(userID)
	if limit > 0 && len(payments) > limit {
		payments = payments[:limit]
	}
	return payments, nil
}

func (s *Store) CountPaymentsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	defer s.lock()()
	n := 0
	for _, p := range s.userPayments(userID) {
		if !p.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}
