package service

import (
	"context"
	"fmt"
	"time"

	"shop-core/internal/apperrors"
	"shop-core/internal/cache"
	"shop-core/internal/models"
	"shop-core/internal/store"
	"shop-core/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// InventoryService is the stock ledger. Every mutation locks the variant row
// and appends a history entry in the same transaction.
type InventoryService struct {
	store  store.Repository
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(repo store.Repository, c cache.Cache, ttl time.Duration) *InventoryService {
	return &InventoryService{
		store:  repo,
		cache:  c,
		ttl:    ttl,
		logger: util.Component("inventory"),
	}
}

// CreateVariantInput is the payload for registering a purchasable SKU
type CreateVariantInput struct {
	ProductID uuid.UUID       `validate:"required"`
	SKU       string          `validate:"required,max=64"`
	Stock     int             `validate:"min=0"`
	Price     decimal.Decimal `validate:"-"`
}

func (s *InventoryService) CreateVariant(ctx context.Context, in CreateVariantInput) (*models.Variant, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.CreateVariant")
	var err error
	defer func() { util.EndSpan(span, err) }()

	if err = validateInput(in); err != nil {
		return nil, err
	}
	if in.Price.IsNegative() {
		err = apperrors.Validation("price must not be negative", map[string]string{"Price": "min=0"})
		return nil, err
	}

	v := &models.Variant{ProductID: in.ProductID, SKU: in.SKU, Stock: in.Stock, Price: in.Price}
	if err = s.store.CreateVariant(ctx, v); err != nil {
		return nil, fmt.Errorf("failed to create variant: %w", err)
	}

	s.logger.Info("Variant created", zap.String("variant_id", v.ID.String()), zap.String("sku", v.SKU), zap.Int("stock", v.Stock))
	return v, nil
}

// GetVariant reads a variant through the cache
func (s *InventoryService) GetVariant(ctx context.Context, id uuid.UUID) (*models.Variant, error) {
	return cache.GetOrLoad(ctx, s.cache, cache.VariantKey(id.String()), s.ttl,
		func(ctx context.Context) (*models.Variant, error) {
			return s.store.GetVariant(ctx, id)
		})
}

// DecreaseStock debits qty from the variant. It fails with OutOfStock, leaving stock
// untouched, when qty exceeds the current stock.
func (s *InventoryService) DecreaseStock(ctx context.Context, variantID uuid.UUID, qty int, note string, actor *uuid.UUID) (*models.Variant, error) {
	return s.mutate(ctx, "InventoryService.DecreaseStock", variantID, qty, func(tx store.Repository) (*models.Variant, error) {
		return s.decreaseInTx(ctx, tx, variantID, qty, note, actor)
	})
}

// IncreaseStock credits qty to the variant unconditionally
func (s *InventoryService) IncreaseStock(ctx context.Context, variantID uuid.UUID, qty int, note string, actor *uuid.UUID) (*models.Variant, error) {
	return s.mutate(ctx, "InventoryService.IncreaseStock", variantID, qty, func(tx store.Repository) (*models.Variant, error) {
		return s.increaseInTx(ctx, tx, variantID, qty, note, actor)
	})
}

// AdjustStock applies a signed delta
func (s *InventoryService) AdjustStock(ctx context.Context, variantID uuid.UUID, delta int, note string, actor *uuid.UUID) (*models.Variant, error) {
	if delta < 0 {
		return s.DecreaseStock(ctx, variantID, -delta, note, actor)
	}
	return s.IncreaseStock(ctx, variantID, delta, note, actor)
}

func (s *InventoryService) mutate(ctx context.Context, op string, variantID uuid.UUID, qty int, fn func(tx store.Repository) (*models.Variant, error)) (*models.Variant, error) {
	ctx, span := util.StartSpan(ctx, op,
		attribute.String("variant_id", variantID.String()),
		attribute.Int("quantity", qty))
	var err error
	defer func() { util.EndSpan(span, err) }()

	if qty < 0 {
		err = negativeQuantity()
		return nil, err
	}
	if qty == 0 {
		return s.store.GetVariant(ctx, variantID)
	}

	start := time.Now()
	var updated *models.Variant
	err = s.store.WithTx(ctx, func(tx store.Repository) error {
		v, txErr := fn(tx)
		updated = v
		return txErr
	})
	util.StockLockLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if apperrors.Is(err, apperrors.CodeOutOfStock) {
			util.StockDecrementsFailed.Inc()
		}
		return nil, err
	}

	s.Invalidate(ctx, variantID)
	return updated, nil
}

func (s *InventoryService) decreaseInTx(ctx context.Context, tx store.Repository, variantID uuid.UUID, qty int, note string, actor *uuid.UUID) (*models.Variant, error) {
	if qty < 0 {
		return nil, negativeQuantity()
	}
	v, err := tx.GetVariantForUpdate(ctx, variantID)
	if err != nil {
		return nil, err
	}
	if qty == 0 {
		return v, nil
	}
	if qty > v.Stock {
		return nil, apperrors.OutOfStock(apperrors.StockShortage{
			VariantID: v.ID.String(),
			SKU:       v.SKU,
			Requested: qty,
			Available: v.Stock,
		})
	}
	if err := s.record(ctx, tx, v, -qty, note, actor); err != nil {
		return nil, err
	}
	util.StockMovementsTotal.WithLabelValues("out").Inc()
	return v, nil
}

func (s *InventoryService) increaseInTx(ctx context.Context, tx store.Repository, variantID uuid.UUID, qty int, note string, actor *uuid.UUID) (*models.Variant, error) {
	if qty < 0 {
		return nil, negativeQuantity()
	}
	v, err := tx.GetVariantForUpdate(ctx, variantID)
	if err != nil {
		return nil, err
	}
	if qty == 0 {
		return v, nil
	}
	if err := s.record(ctx, tx, v, qty, note, actor); err != nil {
		return nil, err
	}
	util.StockMovementsTotal.WithLabelValues("in").Inc()
	return v, nil
}

// record applies change to v and writes the history row
func (s *InventoryService) record(ctx context.Context, tx store.Repository, v *models.Variant, change int, note string, actor *uuid.UUID) error {
	old := v.Stock
	if err := tx.SetVariantStock(ctx, v.ID, old+change); err != nil {
		return err
	}
	if err := tx.InsertStockHistory(ctx, &models.StockHistory{
		VariantID:    v.ID,
		OldQuantity:  old,
		NewQuantity:  old + change,
		ChangeAmount: change,
		Note:         note,
		ActorID:      actor,
	}); err != nil {
		return fmt.Errorf("failed to record stock history: %w", err)
	}
	v.Stock = old + change

	s.logger.Debug("Stock changed",
		zap.String("variant_id", v.ID.String()),
		zap.Int("old", old),
		zap.Int("new", v.Stock),
		zap.String("note", note))
	return nil
}

// ListStockHistory returns the newest entries first
func (s *InventoryService) ListStockHistory(ctx context.Context, variantID uuid.UUID, limit int) ([]models.StockHistory, error) {
	if _, err := s.store.GetVariant(ctx, variantID); err != nil {
		return nil, err
	}
	return s.store.ListStockHistory(ctx, variantID, limit)
}

// Invalidate drops cached copies of the given variants
func (s *InventoryService) Invalidate(ctx context.Context, variantIDs ...uuid.UUID) {
	keys := make([]string, len(variantIDs))
	for i, id := range variantIDs {
		keys[i] = cache.VariantKey(id.String())
	}
	cache.Invalidate(ctx, s.cache, keys...)
}
