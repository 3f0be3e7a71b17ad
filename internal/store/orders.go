package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shop-core/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// NextOrderNumber draws the next human-readable order number from the sequence
func (s *Store) NextOrderNumber(ctx context.Context) (string, error) {
	var n int64
	if err := sqlx.GetContext(ctx, s.q, &n, "SELECT nextval('order_number_seq')"); err != nil {
		return "", fmt.Errorf("failed to draw order number: %w", err)
	}
	return models.FormatOrderNumber(n), nil
}

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	query, args, err := s.q.BindNamed(`
		INSERT INTO orders (id, order_number, user_id, email, phone, shipping_address_id, billing_address_id,
			shipping_method, payment_method, subtotal, shipping_cost, tax, total, status, customer_notes, idempotency_key)
		VALUES (:id, :order_number, :user_id, :email, :phone, :shipping_address_id, :billing_address_id,
			:shipping_method, :payment_method, :subtotal, :shipping_cost, :tax, :total, :status, :customer_notes, :idempotency_key)
		RETURNING created_at, updated_at`, o)
	if err != nil {
		return err
	}
	return mapError(sqlx.GetContext(ctx, s.q, o, query, args...))
}

// CreateOrderItems inserts all items in one statement
func (s *Store) CreateOrderItems(ctx context.Context, items []models.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	for i := range items {
		if items[i].ID == uuid.Nil {
			items[i].ID = uuid.New()
		}
	}
	_, err := sqlx.NamedExecContext(ctx, s.q, `
		INSERT INTO order_items (id, order_id, variant_id, product_id, sku, quantity, unit_price)
		VALUES (:id, :order_id, :variant_id, :product_id, :sku, :quantity, :unit_price)`, items)
	return mapError(err)
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var o models.Order
	if err := s.get(ctx, &o, "order", id.String(), "SELECT * FROM orders WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrderForUpdate retrieves an order and locks its row
func (s *Store) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var o models.Order
	if err := s.get(ctx, &o, "order", id.String(), "SELECT * FROM orders WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	return &o, nil
}

// FindOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) FindOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var o models.Order
	err := sqlx.GetContext(ctx, s.q, &o, "SELECT * FROM orders WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrdersByUser retrieves orders for a user, newest first
func (s *Store) ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	orders := []models.Order{}
	err := sqlx.SelectContext(ctx, s.q, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// ListOrderItems retrieves all items for an order in variant order
func (s *Store) ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	err := sqlx.SelectContext(ctx, s.q, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY variant_id", orderID)
	return items, err
}

func (s *Store) UpdateOrderStatus(ctx context.Context, o *models.Order) error {
	query, args, err := s.q.BindNamed(`
		UPDATE orders SET status = :status, updated_at = NOW(),
			paid_at = :paid_at, shipped_at = :shipped_at, delivered_at = :delivered_at,
			cancelled_at = :cancelled_at, returned_at = :returned_at
		WHERE id = :id
		RETURNING updated_at`, o)
	if err != nil {
		return err
	}
	return s.get(ctx, &o.UpdatedAt, "order", o.ID.String(), query, args...)
}

// InsertStatusHistory appends a status log entry
func (s *Store) InsertStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	query, args, err := s.q.BindNamed(`
		INSERT INTO order_status_history (id, order_id, status, notes, actor_id)
		VALUES (:id, :order_id, :status, :notes, :actor_id)
		RETURNING created_at`, h)
	if err != nil {
		return err
	}
	return mapError(sqlx.GetContext(ctx, s.q, &h.CreatedAt, query, args...))
}

// ListStatusHistory returns the log oldest first
func (s *Store) ListStatusHistory(ctx context.Context, orderID uuid.UUID) ([]models.OrderStatusHistory, error) {
	history := []models.OrderStatusHistory{}
	err := sqlx.SelectContext(ctx, s.q, &history,
		"SELECT * FROM order_status_history WHERE order_id = $1 ORDER BY created_at, id", orderID)
	return history, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, s.q, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
