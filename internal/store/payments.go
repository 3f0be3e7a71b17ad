package store

import (
	"context"
	"time"

	"shop-core/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CreatePayment creates a new payment record
func (s *Store) CreatePayment(ctx context.Context, p *models.Payment) error {
	if err := ValidatePayment(p); err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	query, args, err := s.q.BindNamed(`
		INSERT INTO payments (id, order_id, amount, method, status, transaction_id, risk_score, attempts, error_message, processed_at)
		VALUES (:id, :order_id, :amount, :method, :status, :transaction_id, :risk_score, :attempts, :error_message, :processed_at)
		RETURNING created_at, updated_at`, p)
	if err != nil {
		return err
	}
	return mapError(sqlx.GetContext(ctx, s.q, p, query, args...))
}

// GetPaymentByOrder retrieves the payment for an order
func (s *Store) GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := s.get(ctx, &p, "payment", orderID.String(), "SELECT * FROM payments WHERE order_id = $1", orderID); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetPaymentByOrderForUpdate(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := s.get(ctx, &p, "payment", orderID.String(),
		"SELECT * FROM payments WHERE order_id = $1 FOR UPDATE", orderID); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePayment persists the processing outcome of a payment
func (s *Store) UpdatePayment(ctx context.Context, p *models.Payment) error {
	if err := ValidatePayment(p); err != nil {
		return err
	}
	query, args, err := s.q.BindNamed(`
		UPDATE payments SET status = :status, transaction_id = :transaction_id, risk_score = :risk_score,
			attempts = :attempts, error_message = :error_message, processed_at = :processed_at, updated_at = NOW()
		WHERE id = :id
		RETURNING updated_at`, p)
	if err != nil {
		return err
	}
	return s.get(ctx, &p.UpdatedAt, "payment", p.ID.String(), query, args...)
}

// ListRecentPayments returns the user's latest payments across all orders
func (s *Store) ListRecentPayments(ctx context.Context, userID uuid.UUID, limit int) ([]models.Payment, error) {
	payments := []models.Payment{}
	err := sqlx.SelectContext(ctx, s.q, &payments, `
		SELECT p.* FROM payments p
		JOIN orders o ON o.id = p.order_id
		WHERE o.user_id = $1
		ORDER BY p.created_at DESC
		LIMIT $2`, userID, limit)
	return payments, err
}

// CountPaymentsSince counts the user's payment records created at or after since
func (s *Store) CountPaymentsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.q, &n, `
		SELECT COUNT(*) FROM payments p
		JOIN orders o ON o.id = p.order_id
		WHERE o.user_id = $1 AND p.created_at >= $2`, userID, since)
	return n, err
}
