package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"shop-core/internal/apperrors"
	"shop-core/internal/models"
	"shop-core/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedVariant(t *testing.T, s *Store, sku string, stock int) *models.Variant {
	t.Helper()
	v := &models.Variant{ProductID: uuid.New(), SKU: sku, Stock: stock, Price: decimal.NewFromInt(10)}
	require.NoError(t, s.CreateVariant(context.Background(), v))
	return v
}

func TestWithTx_RollbackRestoresState(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVariant(t, s, "A", 5)

	err := s.WithTx(ctx, func(tx store.Repository) error {
		require.NoError(t, tx.SetVariantStock(ctx, v.ID, 1))
		require.NoError(t, tx.InsertStockHistory(ctx, &models.StockHistory{VariantID: v.ID, OldQuantity: 5, NewQuantity: 1, ChangeAmount: -4, Note: "x"}))
		return errors.New("abort")
	})
	require.Error(t, err)

	got, err := s.GetVariant(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Stock)

	history, err := s.ListStockHistory(ctx, v.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestWithTx_NestedSharesTransaction(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVariant(t, s, "A", 5)

	err := s.WithTx(ctx, func(tx store.Repository) error {
		return tx.WithTx(ctx, func(inner store.Repository) error {
			return inner.SetVariantStock(ctx, v.ID, 2)
		})
	})
	require.NoError(t, err)

	got, _ := s.GetVariant(ctx, v.ID)
	assert.Equal(t, 2, got.Stock)
}

func TestOrderNumberSurvivesRollback(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.WithTx(ctx, func(tx store.Repository) error {
		_, err := tx.NextOrderNumber(ctx)
		require.NoError(t, err)
		return errors.New("abort")
	})

	number, err := s.NextOrderNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ORD000002", number)
}

func TestConstraints(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := seedVariant(t, s, "A", 5)

	err := s.CreateVariant(ctx, &models.Variant{ProductID: uuid.New(), SKU: "A", Price: decimal.NewFromInt(1)})
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict))

	err = s.SetVariantStock(ctx, v.ID, -1)
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))

	userID := uuid.New()
	require.NoError(t, s.CreateCart(ctx, &models.Cart{UserID: &userID, Active: true}))
	err = s.CreateCart(ctx, &models.Cart{UserID: &userID, Active: true})
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict))

	err = s.CreateCart(ctx, &models.Cart{Active: true})
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))
}

func TestCreatePayment_RejectsHighRisk(t *testing.T) {
	s := New()
	ctx := context.Background()
	order := &models.Order{OrderNumber: "ORD000001", UserID: uuid.New(), Status: models.OrderStatusAwaitingPayment}
	require.NoError(t, s.CreateOrder(ctx, order))

	err := s.CreatePayment(ctx, &models.Payment{OrderID: order.ID, RiskScore: 95})
	assert.True(t, apperrors.Is(err, apperrors.CodePaymentRejected))

	_, err = s.GetPaymentByOrder(ctx, order.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestSalesReportUpsertKeepsIdentity(t *testing.T) {
	s := New()
	ctx := context.Background()
	date := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)

	first := &models.SalesReport{ReportDate: date, ReportType: models.ReportTypeDaily, TotalOrders: 1}
	require.NoError(t, s.UpsertSalesReport(ctx, first))
	second := &models.SalesReport{ReportDate: date, ReportType: models.ReportTypeDaily, TotalOrders: 4}
	require.NoError(t, s.UpsertSalesReport(ctx, second))

	assert.Equal(t, first.ID, second.ID)

	reports, err := s.ListSalesReports(ctx, models.ReportTypeDaily, date, date)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 4, reports[0].TotalOrders)

	deleted, err := s.DeleteSalesReportsBefore(ctx, models.ReportTypeDaily, date.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestProductPerformance_UpsertAndPrune(t *testing.T) {
	s := New()
	ctx := context.Background()
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	kept, dropped := uuid.New(), uuid.New()

	first := &models.ProductPerformance{ProductID: kept, Date: day.Add(9 * time.Hour), UnitsSold: 1}
	require.NoError(t, s.UpsertProductPerformance(ctx, first))
	require.NoError(t, s.UpsertProductPerformance(ctx, &models.ProductPerformance{ProductID: dropped, Date: day}))
	require.NoError(t, s.UpsertProductPerformance(ctx, &models.ProductPerformance{ProductID: dropped, Date: day.AddDate(0, 0, 1)}))

	again := &models.ProductPerformance{ProductID: kept, Date: day, UnitsSold: 4}
	require.NoError(t, s.UpsertProductPerformance(ctx, again))
	assert.Equal(t, first.ID, again.ID)

	n, err := s.DeleteProductPerformanceExcept(ctx, day, []uuid.UUID{kept})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rows, err := s.ListProductPerformance(ctx, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, kept, rows[0].ProductID)
	assert.Equal(t, 4, rows[0].UnitsSold)
	assert.Equal(t, dropped, rows[1].ProductID)
	assert.Equal(t, day.AddDate(0, 0, 1), rows[1].Date)
}
