package memstore

import (
	"context"
	"sort"
	"time"

	"shop-core/internal/apperrors"
	"shop-core/internal/models"

	"github.com/google/uuid"
)

func (s *Store) CreateVariant(ctx context.Context, v *models.Variant) error {
	defer s.lock()()
	if v.Stock < 0 {
		return apperrors.Validation("stock must not be negative", map[string]string{"stock": "min 0"})
	}
	for _, existing := range s.root.data.variants {
		if existing.SKU == v.SKU {
			return apperrors.Newf(apperrors.CodeConflict, "sku %s already exists", v.SKU)
		}
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.CreatedAt = s.now()
	v.UpdatedAt = v.CreatedAt
	s.root.data.variants[v.ID] = *v
	return nil
}

func (s *Store) GetVariant(ctx context.Context, id uuid.UUID) (*models.Variant, error) {
	defer s.lock()()
	v, ok := s.root.data.variants[id]
	if !ok {
		return nil, apperrors.NotFound("variant", id.String())
	}
	return &v, nil
}

// GetVariantForUpdate is GetVariant; the transaction mutex already excludes other writers.
func (s *Store) GetVariantForUpdate(ctx context.Context, id uuid.UUID) (*models.Variant, error) {
	return s.GetVariant(ctx, id)
}

func (s *Store) SetVariantStock(ctx context.Context, id uuid.UUID, stock int) error {
	defer s.lock()()
	v, ok := s.root.data.variants[id]
	if !ok {
		return apperrors.NotFound("variant", id.String())
	}
	if stock < 0 {
		return apperrors.Validation("stock must not be negative", map[string]string{"stock": "min 0"})
	}
	v.Stock = stock
	v.UpdatedAt = s.now()
	s.root.data.variants[id] = v
	return nil
}

func (s *Store) InsertStockHistory(ctx context.Context, h *models.StockHistory) error {
	defer s.lock()()
	if _, ok := s.root.data.variants[h.VariantID]; !ok {
		return apperrors.NotFound("variant", h.VariantID.String())
	}
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	h.CreatedAt = s.now()
	s.root.data.stockHistory = append(s.root.data.stockHistory, *h)
	return nil
}

func (s *Store) ListStockHistory(ctx context.Context, variantID uuid.UUID, limit int) ([]models.StockHistory, error) {
	defer s.lock()()
	if limit <= 0 {
		limit = 100
	}
	history := []models.StockHistory{}
	all := s.root.data.stockHistory
	for i := len(all) - 1; i >= 0 && len(history) < limit; i-- {
		if all[i].VariantID == variantID {
			history = append(history, all[i])
		}
	}
	return history, nil
}

func (s *Store) CreateCart(ctx context.Context, c *models.Cart) error {
	defer s.lock()()
	if c.UserID == nil && c.SessionToken == nil {
		return apperrors.Validation("cart needs a user or a session token", nil)
	}
	if c.Active {
		if err := s.checkActiveOwner(*c); err != nil {
			return err
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = s.stamp(c.CreatedAt)
	c.UpdatedAt = c.CreatedAt
	s.root.data.carts[c.ID] = *c
	return nil
}

// checkActiveOwner mirrors the partial unique indexes on active carts.
func (s *Store) checkActiveOwner(c models.Cart) error {
	for _, other := range s.root.data.carts {
		if other.ID == c.ID || !other.Active {
			continue
		}
		if c.UserID != nil && other.UserID != nil && *c.UserID == *other.UserID {
			return apperrors.New(apperrors.CodeConflict, "user already has an active cart")
		}
		if c.SessionToken != nil && other.SessionToken != nil && *c.SessionToken == *other.SessionToken {
			return apperrors.New(apperrors.CodeConflict, "session already has an active cart")
		}
	}
	return nil
}

func (s *Store) GetCart(ctx context.Context, id uuid.UUID) (*models.Cart, error) {
	defer s.lock()()
	c, ok := s.root.data.carts[id]
	if !ok {
		return nil, apperrors.NotFound("cart", id.String())
	}
	return &c, nil
}

func (s *Store) GetCartForUpdate(ctx context.Context, id uuid.UUID) (*models.Cart, error) {
	return s.GetCart(ctx, id)
}

func (s *Store) FindActiveCartByUser(ctx context.Context, userID uuid.UUID) (*models.Cart, error) {
	defer s.lock()()
	for _, c := range s.root.data.carts {
		if c.Active && c.UserID != nil && *c.UserID == userID {
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Store) FindActiveCartBySession(ctx context.Context, token string) (*models.Cart, error) {
	defer s.lock()()
	for _, c := range s.root.data.carts {
		if c.Active && c.SessionToken != nil && *c.SessionToken == token {
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Store) UpdateCart(ctx context.Context, c *models.Cart) error {
	defer s.lock()()
	existing, ok := s.root.data.carts[c.ID]
	if !ok {
		return apperrors.NotFound("cart", c.ID.String())
	}
	if c.Active {
		if err := s.checkActiveOwner(*c); err != nil {
			return err
		}
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = s.now()
	s.root.data.carts[c.ID] = *c
	return nil
}

func (s *Store) DeleteCart(ctx context.Context, id uuid.UUID) error {
	defer s.lock()()
	delete(s.root.data.carts, id)
	delete(s.root.data.cartLines, id)
	return nil
}

func (s *Store) ListCartLines(ctx context.Context, cartID uuid.UUID) ([]models.CartLine, error) {
	defer s.lock()()
	lines := []models.CartLine{}
	for variantID, l := range s.root.data.cartLines[cartID] {
		v := s.root.data.variants[variantID]
		lines = append(lines, models.CartLine{
			CartID:    cartID,
			VariantID: variantID,
			Quantity:  l.Quantity,
			SKU:       v.SKU,
			ProductID: v.ProductID,
			Price:     v.Price,
			Stock:     v.Stock,
			CreatedAt: l.CreatedAt,
			UpdatedAt: l.UpdatedAt,
		})
	}
	sort.Slice(lines, func(i, j int) bool { return lessUUID(lines[i].VariantID, lines[j].VariantID) })
	return lines, nil
}

func (s *Store) UpsertCartLine(ctx context.Context, cartID, variantID uuid.UUID, quantity int) error {
	defer s.lock()()
	if _, ok := s.root.data.carts[cartID]; !ok {
		return apperrors.NotFound("cart", cartID.String())
	}
	if _, ok := s.root.data.variants[variantID]; !ok {
		return apperrors.NotFound("variant", variantID.String())
	}
	if quantity <= 0 {
		return apperrors.Validation("quantity must be positive", map[string]string{"quantity": "min 1"})
	}
	lines := s.root.data.cartLines[cartID]
	if lines == nil {
		lines = map[uuid.UUID]cartLine{}
		s.root.data.cartLines[cartID] = lines
	}
	now := s.now()
	l, ok := lines[variantID]
	if !ok {
		l.CreatedAt = now
	}
	l.Quantity = quantity
	l.UpdatedAt = now
	lines[variantID] = l
	return nil
}

func (s *Store) DeleteCartLine(ctx context.Context, cartID, variantID uuid.UUID) error {
	defer s.lock()()
	delete(s.root.data.cartLines[cartID], variantID)
	return nil
}

func (s *Store) DeleteCartLines(ctx context.Context, cartID uuid.UUID) error {
	defer s.lock()()
	delete(s.root.data.cartLines, cartID)
	return nil
}

func (s *Store) CartSessionStats(ctx context.Context, from, to time.Time) (models.CartSessionStats, error) {
	defer s.lock()()
	var stats models.CartSessionStats
	for id, c := range s.root.data.carts {
		if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
			continue
		}
		stats.Total++
		if len(s.root.data.cartLines[id]) > 0 {
			stats.Abandoned++
		}
	}
	return stats, nil
}
