package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"shop-core/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CreateCart inserts a cart
func (s *Store) CreateCart(ctx context.Context, c *models.Cart) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	query, args, err := s.q.BindNamed(`
		INSERT INTO carts (id, user_id, session_token, total, active)
		VALUES (:id, :user_id, :session_token, :total, :active)
		RETURNING created_at, updated_at`, c)
	if err != nil {
		return err
	}
	return mapError(sqlx.GetContext(ctx, s.q, c, query, args...))
}

// GetCart retrieves a cart by ID
func (s *Store) GetCart(ctx context.Context, id uuid.UUID) (*models.Cart, error) {
	var c models.Cart
	if err := s.get(ctx, &c, "cart", id.String(), "SELECT * FROM carts WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCartForUpdate locks the cart row so concurrent checkouts serialize
func (s *Store) GetCartForUpdate(ctx context.Context, id uuid.UUID) (*models.Cart, error) {
	var c models.Cart
	if err := s.get(ctx, &c, "cart", id.String(), "SELECT * FROM carts WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) FindActiveCartByUser(ctx context.Context, userID uuid.UUID) (*models.Cart, error) {
	return s.findCart(ctx, "SELECT * FROM carts WHERE user_id = $1 AND active", userID)
}

func (s *Store) FindActiveCartBySession(ctx context.Context, token string) (*models.Cart, error) {
	return s.findCart(ctx, "SELECT * FROM carts WHERE session_token = $1 AND active", token)
}

func (s *Store) findCart(ctx context.Context, query string, arg any) (*models.Cart, error) {
	var c models.Cart
	err := sqlx.GetContext(ctx, s.q, &c, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCart persists owner, total and active flag
func (s *Store) UpdateCart(ctx context.Context, c *models.Cart) error {
	query, args, err := s.q.BindNamed(`
		UPDATE carts SET user_id = :user_id, session_token = :session_token,
			total = :total, active = :active, updated_at = NOW()
		WHERE id = :id
		RETURNING updated_at`, c)
	if err != nil {
		return err
	}
	return s.get(ctx, &c.UpdatedAt, "cart", c.ID.String(), query, args...)
}

// DeleteCart removes a cart and its lines
func (s *Store) DeleteCart(ctx context.Context, id uuid.UUID) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM carts WHERE id = $1", id)
	return err
}

// ListCartLines returns the lines joined with the variant's live price and stock
func (s *Store) ListCartLines(ctx context.Context, cartID uuid.UUID) ([]models.CartLine, error) {
	lines := []models.CartLine{}
	err := sqlx.SelectContext(ctx, s.q, &lines, `
		SELECT cl.cart_id, cl.variant_id, cl.quantity, cl.created_at, cl.updated_at,
			v.sku, v.product_id, v.price, v.stock
		FROM cart_lines cl
		JOIN variants v ON v.id = cl.variant_id
		WHERE cl.cart_id = $1
		ORDER BY cl.variant_id`, cartID)
	return lines, err
}

// UpsertCartLine sets the quantity of a line, creating it if missing
func (s *Store) UpsertCartLine(ctx context.Context, cartID, variantID uuid.UUID, quantity int) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cart_lines (cart_id, variant_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (cart_id, variant_id) DO UPDATE
		SET quantity = EXCLUDED.quantity, updated_at = NOW()`,
		cartID, variantID, quantity)
	return mapError(err)
}

func (s *Store) DeleteCartLine(ctx context.Context, cartID, variantID uuid.UUID) error {
	_, err := s.q.ExecContext(ctx,
		"DELETE FROM cart_lines WHERE cart_id = $1 AND variant_id = $2", cartID, variantID)
	return err
}

func (s *Store) DeleteCartLines(ctx context.Context, cartID uuid.UUID) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM cart_lines WHERE cart_id = $1", cartID)
	return err
}

// CartSessionStats counts carts created in [from, to) and those of them still holding lines
func (s *Store) CartSessionStats(ctx context.Context, from, to time.Time) (models.CartSessionStats, error) {
	var stats models.CartSessionStats
	err := sqlx.GetContext(ctx, s.q, &stats, `
		SELECT COUNT(*) AS total,
			COUNT(*) FILTER (WHERE EXISTS (SELECT 1 FROM cart_lines cl WHERE cl.cart_id = c.id)) AS abandoned
		FROM carts c
		WHERE c.created_at >= $1 AND c.created_at < $2`, from, to)
	return stats, err
}
