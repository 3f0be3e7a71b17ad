package store

import (
	"context"
	"fmt"

	"shop-core/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CreateVariant inserts a variant and fills its timestamps
func (s *Store) CreateVariant(ctx context.Context, v *models.Variant) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	query, args, err := s.q.BindNamed(`
		INSERT INTO variants (id, product_id, sku, stock, price)
		VALUES (:id, :product_id, :sku, :stock, :price)
		RETURNING created_at, updated_at`, v)
	if err != nil {
		return err
	}
	return mapError(sqlx.GetContext(ctx, s.q, v, query, args...))
}

// GetVariant retrieves a variant by ID
func (s *Store) GetVariant(ctx context.Context, id uuid.UUID) (*models.Variant, error) {
	var v models.Variant
	if err := s.get(ctx, &v, "variant", id.String(), "SELECT * FROM variants WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVariantForUpdate retrieves a variant and locks its row until the transaction ends
func (s *Store) GetVariantForUpdate(ctx context.Context, id uuid.UUID) (*models.Variant, error) {
	var v models.Variant
	if err := s.get(ctx, &v, "variant", id.String(), "SELECT * FROM variants WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	return &v, nil
}

// SetVariantStock overwrites the stock counter
func (s *Store) SetVariantStock(ctx context.Context, id uuid.UUID, stock int) error {
	_, err := s.q.ExecContext(ctx,
		"UPDATE variants SET stock = $1, updated_at = NOW() WHERE id = $2", stock, id)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", mapError(err))
	}
	return nil
}

// InsertStockHistory appends a stock mutation record
func (s *Store) InsertStockHistory(ctx context.Context, h *models.StockHistory) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	query, args, err := s.q.BindNamed(`
		INSERT INTO stock_history (id, variant_id, old_quantity, new_quantity, change_amount, note, actor_id)
		VALUES (:id, :variant_id, :old_quantity, :new_quantity, :change_amount, :note, :actor_id)
		RETURNING created_at`, h)
	if err != nil {
		return err
	}
	return mapError(sqlx.GetContext(ctx, s.q, &h.CreatedAt, query, args...))
}

// ListStockHistory returns the newest entries first
func (s *Store) ListStockHistory(ctx context.Context, variantID uuid.UUID, limit int) ([]models.StockHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	history := []models.StockHistory{}
	err := sqlx.SelectContext(ctx, s.q, &history,
		"SELECT * FROM stock_history WHERE variant_id = $1 ORDER BY created_at DESC LIMIT $2", variantID, limit)
	return history, err
}
