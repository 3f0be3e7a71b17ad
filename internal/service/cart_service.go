package service

import (
	"context"
	"fmt"

	"shop-core/internal/apperrors"
	"shop-core/internal/models"
	"shop-core/internal/store"
	"shop-core/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CartService manages carts. Every mutation locks the cart row and recomputes
// the total from live variant prices.
type CartService struct {
	store  store.Repository
	logger *zap.Logger
}

func NewCartService(repo store.Repository) *CartService {
	return &CartService{store: repo, logger: util.Component("cart")}
}

// CartOwner identifies a cart by user or, for guests, by session token
type CartOwner struct {
	UserID       *uuid.UUID
	SessionToken string
}

// CartView is a cart with its priced lines
type CartView struct {
	Cart  models.Cart       `json:"cart"`
	Lines []models.CartLine `json:"lines"`
}

// GetOrCreateCart returns the owner's active cart, creating one if needed.
// A guest without a token is issued a new one.
func (s *CartService) GetOrCreateCart(ctx context.Context, owner CartOwner) (*CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.GetOrCreateCart")
	defer span.End()

	if owner.UserID == nil && owner.SessionToken == "" {
		owner.SessionToken = uuid.NewString()
	}

	var view *CartView
	err := s.store.WithTx(ctx, func(tx store.Repository) error {
		existing, err := s.findActive(ctx, tx, owner)
		if err != nil {
			return err
		}
		if existing != nil {
			view, err = s.load(ctx, tx, existing)
			return err
		}

		cart := &models.Cart{UserID: owner.UserID, Total: decimal.Zero, Active: true}
		if owner.UserID == nil {
			token := owner.SessionToken
			cart.SessionToken = &token
		}
		if err := tx.CreateCart(ctx, cart); err != nil {
			return fmt.Errorf("failed to create cart: %w", err)
		}
		view = &CartView{Cart: *cart, Lines: []models.CartLine{}}
		return nil
	})
	if apperrors.Is(err, apperrors.CodeConflict) {
		// a concurrent request created the cart first
		existing, findErr := s.findActive(ctx, s.store, owner)
		if findErr != nil || existing == nil {
			return nil, err
		}
		return s.load(ctx, s.store, existing)
	}
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (s *CartService) findActive(ctx context.Context, repo store.Repository, owner CartOwner) (*models.Cart, error) {
	if owner.UserID != nil {
		return repo.FindActiveCartByUser(ctx, *owner.UserID)
	}
	return repo.FindActiveCartBySession(ctx, owner.SessionToken)
}

func (s *CartService) load(ctx context.Context, repo store.Repository, cart *models.Cart) (*CartView, error) {
	lines, err := repo.ListCartLines(ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	return &CartView{Cart: *cart, Lines: lines}, nil
}

func (s *CartService) GetCart(ctx context.Context, cartID uuid.UUID) (*CartView, error) {
	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, s.store, cart)
}

// mutate runs fn on the locked active cart and then recomputes its total
func (s *CartService) mutate(ctx context.Context, op string, cartID uuid.UUID, fn func(tx store.Repository, cart *models.Cart, lines []models.CartLine) error) (*CartView, error) {
	ctx, span := util.StartSpan(ctx, op)
	var err error
	defer func() { util.EndSpan(span, err) }()

	var view *CartView
	err = s.store.WithTx(ctx, func(tx store.Repository) error {
		cart, err := tx.GetCartForUpdate(ctx, cartID)
		if err != nil {
			return err
		}
		if !cart.Active {
			return apperrors.New(apperrors.CodeConflict, "cart has already been checked out")
		}
		lines, err := tx.ListCartLines(ctx, cartID)
		if err != nil {
			return err
		}
		if err := fn(tx, cart, lines); err != nil {
			return err
		}
		view, err = s.recalculate(ctx, tx, cart)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (s *CartService) recalculate(ctx context.Context, tx store.Repository, cart *models.Cart) (*CartView, error) {
	lines, err := tx.ListCartLines(ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Cost())
	}
	cart.Total = total
	if err := tx.UpdateCart(ctx, cart); err != nil {
		return nil, fmt.Errorf("failed to update cart total: %w", err)
	}
	return &CartView{Cart: *cart, Lines: lines}, nil
}

func findLine(lines []models.CartLine, variantID uuid.UUID) (models.CartLine, bool) {
	for _, l := range lines {
		if l.VariantID == variantID {
			return l, true
		}
	}
	return models.CartLine{}, false
}

// AddItem adds qty of a variant, merging with an existing line
func (s *CartService) AddItem(ctx context.Context, cartID, variantID uuid.UUID, qty int) (*CartView, error) {
	if qty <= 0 {
		return nil, apperrors.Validation("quantity must be positive", map[string]string{"quantity": "min=1"})
	}
	return s.mutate(ctx, "CartService.AddItem", cartID, func(tx store.Repository, cart *models.Cart, lines []models.CartLine) error {
		v, err := tx.GetVariant(ctx, variantID)
		if err != nil {
			return err
		}
		existing, _ := findLine(lines, variantID)
		want := existing.Quantity + qty
		if want > v.Stock {
			return apperrors.OutOfStock(apperrors.StockShortage{
				VariantID: v.ID.String(), SKU: v.SKU, Requested: want, Available: v.Stock,
			})
		}
		return tx.UpsertCartLine(ctx, cart.ID, variantID, want)
	})
}

// UpdateItem sets a line's quantity; zero or less removes it
func (s *CartService) UpdateItem(ctx context.Context, cartID, variantID uuid.UUID, qty int) (*CartView, error) {
	return s.mutate(ctx, "CartService.UpdateItem", cartID, func(tx store.Repository, cart *models.Cart, lines []models.CartLine) error {
		if qty <= 0 {
			return tx.DeleteCartLine(ctx, cart.ID, variantID)
		}
		if _, ok := findLine(lines, variantID); !ok {
			return apperrors.NotFound("cart line", variantID.String())
		}
		v, err := tx.GetVariant(ctx, variantID)
		if err != nil {
			return err
		}
		if qty > v.Stock {
			return apperrors.OutOfStock(apperrors.StockShortage{
				VariantID: v.ID.String(), SKU: v.SKU, Requested: qty, Available: v.Stock,
			})
		}
		return tx.UpsertCartLine(ctx, cart.ID, variantID, qty)
	})
}

func (s *CartService) RemoveItem(ctx context.Context, cartID, variantID uuid.UUID) (*CartView, error) {
	return s.mutate(ctx, "CartService.RemoveItem", cartID, func(tx store.Repository, cart *models.Cart, _ []models.CartLine) error {
		return tx.DeleteCartLine(ctx, cart.ID, variantID)
	})
}

// Clear empties the cart but keeps it active
func (s *CartService) Clear(ctx context.Context, cartID uuid.UUID) (*CartView, error) {
	return s.mutate(ctx, "CartService.Clear", cartID, func(tx store.Repository, cart *models.Cart, _ []models.CartLine) error {
		return tx.DeleteCartLines(ctx, cart.ID)
	})
}

// TransferToUser merges a guest cart into the user's active cart. Overlapping lines
// are summed and capped at stock, then the guest cart is deleted. A user without a
// cart simply takes ownership of the guest cart. Carts owned by another user are
// refused.
func (s *CartService) TransferToUser(ctx context.Context, cartID, userID uuid.UUID) (*CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.TransferToUser")
	var err error
	defer func() { util.EndSpan(span, err) }()

	var view *CartView
	err = s.store.WithTx(ctx, func(tx store.Repository) error {
		src, err := tx.GetCartForUpdate(ctx, cartID)
		if err != nil {
			return err
		}
		if !src.Active {
			return apperrors.New(apperrors.CodeConflict, "cart has already been checked out")
		}
		if src.UserID != nil {
			if *src.UserID != userID {
				return apperrors.Validation("cart belongs to another user", map[string]string{"CartID": "owner"})
			}
			view, err = s.load(ctx, tx, src)
			return err
		}

		dst, err := tx.FindActiveCartByUser(ctx, userID)
		if err != nil {
			return err
		}
		if dst == nil {
			src.UserID = &userID
			src.SessionToken = nil
			view, err = s.recalculate(ctx, tx, src)
			return err
		}
		if dst, err = tx.GetCartForUpdate(ctx, dst.ID); err != nil {
			return err
		}

		srcLines, err := tx.ListCartLines(ctx, src.ID)
		if err != nil {
			return err
		}
		dstLines, err := tx.ListCartLines(ctx, dst.ID)
		if err != nil {
			return err
		}
		for _, line := range srcLines {
			existing, _ := findLine(dstLines, line.VariantID)
			merged := existing.Quantity + line.Quantity
			if merged > line.Stock {
				merged = line.Stock
			}
			if merged <= 0 {
				if err := tx.DeleteCartLine(ctx, dst.ID, line.VariantID); err != nil {
					return err
				}
				continue
			}
			if err := tx.UpsertCartLine(ctx, dst.ID, line.VariantID, merged); err != nil {
				return err
			}
		}
		if err := tx.DeleteCart(ctx, src.ID); err != nil {
			return fmt.Errorf("failed to delete guest cart: %w", err)
		}
		view, err = s.recalculate(ctx, tx, dst)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Cart transferred",
		zap.String("from_cart", cartID.String()),
		zap.String("to_cart", view.Cart.ID.String()),
		zap.String("user_id", userID.String()))
	return view, nil
}
