package service

import (
	"testing"
	"time"

	"shop-core/internal/apperrors"
	"shop-core/internal/models"
	"shop-core/internal/store/memstore"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reportDay = time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)

func (f *fixture) pay(t *testing.T, orderID uuid.UUID) {
	t.Helper()
	_, err := f.orders.UpdateStatus(f.ctx, orderID, models.OrderStatusProcessing, "", nil)
	require.NoError(t, err)
}

// seedDay places the orders of one trading day: three completed (one repeat
// buyer), one cancelled and one guest cart left with items
func seedDay(t *testing.T, f *fixture) {
	t.Helper()
	v := f.variant(t, "A", 100, "10.00")
	repeat, single, canceller := f.user(t), f.user(t), f.user(t)

	f.pay(t, f.placeOrder(t, repeat.ID, v, 2).Order.ID)
	f.pay(t, f.placeOrder(t, repeat.ID, v, 1).Order.ID)
	f.pay(t, f.placeOrder(t, single.ID, v, 1).Order.ID)

	cancelled := f.placeOrder(t, canceller.ID, v, 1)
	_, err := f.orders.Cancel(f.ctx, cancelled.Order.ID, nil, "")
	require.NoError(t, err)

	guest, err := f.carts.GetOrCreateCart(f.ctx, CartOwner{SessionToken: "window-shopper"})
	require.NoError(t, err)
	_, err = f.carts.AddItem(f.ctx, guest.Cart.ID, v.ID, 1)
	require.NoError(t, err)
}

func TestGenerateDailyReport(t *testing.T) {
	f := newFixture(t, memstore.WithClock(func() time.Time { return reportDay }))
	seedDay(t, f)

	r, err := f.analytics.GenerateDailyReport(f.ctx, reportDay)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC), r.ReportDate)
	assert.Equal(t, 3, r.TotalOrders)
	assertDecimal(t, "78", r.TotalSales)
	assertDecimal(t, "26", r.AverageOrderValue)
	assert.Equal(t, 4, r.TotalItemsSold)
	assert.Equal(t, 1, r.NewCustomers)
	assert.Equal(t, 1, r.ReturningCustomers)
	assert.Equal(t, 1, r.CancelledOrders)
	assert.Zero(t, r.TotalReturns)
	assertDecimal(t, "0", r.ReturnRate)
	assertDecimal(t, "8", r.TotalTax)
	assertDecimal(t, "30", r.TotalShipping)
	assertDecimal(t, "78", r.GrossRevenue)
	assertDecimal(t, "40", r.NetRevenue)
	assertDecimal(t, "60", r.ConversionRate)
	assertDecimal(t, "25", r.CartAbandonmentRate)

	require.Len(t, f.events.alerts, 1)
	assert.Equal(t, models.ReportTypeDaily, f.events.alerts[0].ReportType)
}

func TestGenerateDailyReport_Idempotent(t *testing.T) {
	f := newFixture(t, memstore.WithClock(func() time.Time { return reportDay }))
	seedDay(t, f)

	first, err := f.analytics.GenerateDailyReport(f.ctx, reportDay)
	require.NoError(t, err)
	second, err := f.analytics.GenerateDailyReport(f.ctx, reportDay.Add(5*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.TotalSales.Equal(second.TotalSales))
	assert.Equal(t, first.TotalOrders, second.TotalOrders)
	assert.True(t, first.ConversionRate.Equal(second.ConversionRate))

	all, err := f.store.ListSalesReports(f.ctx, models.ReportTypeDaily, reportDay.AddDate(0, 0, -1), reportDay.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRollupReports(t *testing.T) {
	f := newFixture(t, memstore.WithClock(func() time.Time { return reportDay }))

	weekly, err := f.analytics.GenerateWeeklyReport(f.ctx, reportDay)
	require.NoError(t, err)
	assert.Nil(t, weekly)

	seedDay(t, f)
	daily, err := f.analytics.GenerateDailyReport(f.ctx, reportDay)
	require.NoError(t, err)

	weekly, err = f.analytics.GenerateWeeklyReport(f.ctx, reportDay)
	require.NoError(t, err)
	require.NotNil(t, weekly)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), weekly.ReportDate)
	assert.Equal(t, models.ReportTypeWeekly, weekly.ReportType)
	assert.True(t, daily.TotalSales.Equal(weekly.TotalSales))
	assert.Equal(t, daily.TotalOrders, weekly.TotalOrders)
	assert.True(t, daily.ConversionRate.Equal(weekly.ConversionRate))

	monthly, err := f.analytics.GenerateMonthlyReport(f.ctx, reportDay)
	require.NoError(t, err)
	require.NotNil(t, monthly)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), monthly.ReportDate)

	got, err := f.analytics.GetReport(f.ctx, models.ReportTypeWeekly, weekly.ReportDate)
	require.NoError(t, err)
	assert.Equal(t, weekly.ID, got.ID)

	_, err = f.analytics.GetReport(f.ctx, models.ReportTypeMonthly, reportDay.AddDate(0, -2, 0))
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))

	_, err = f.analytics.GetReport(f.ctx, "hourly", reportDay)
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))
}

func TestRollup_AveragesRates(t *testing.T) {
	dailies := []models.SalesReport{
		{TotalSales: dec("100"), TotalOrders: 4, TotalReturns: 1, ConversionRate: dec("50"), CartAbandonmentRate: dec("20"), AvgDeliveryHours: 10},
		{TotalSales: dec("60"), TotalOrders: 1, ConversionRate: dec("25"), CartAbandonmentRate: dec("10")},
	}
	r := Rollup(reportDay, models.ReportTypeWeekly, dailies)
	assertDecimal(t, "160", r.TotalSales)
	assert.Equal(t, 5, r.TotalOrders)
	assertDecimal(t, "32", r.AverageOrderValue)
	assertDecimal(t, "20", r.ReturnRate)
	assertDecimal(t, "37.5", r.ConversionRate)
	assertDecimal(t, "15", r.CartAbandonmentRate)
	assert.Equal(t, 10, r.AvgDeliveryHours)
}

func TestAggregateDaily_ReturnsAndDelivery(t *testing.T) {
	day := time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)
	delivered := day.Add(30 * time.Hour)
	orders := []models.ReportOrder{
		{UserID: uuid.New(), Status: models.OrderStatusDelivered, Total: dec("150"), Tax: dec("20"), ShippingCost: dec("10"), ItemQuantity: 3, CreatedAt: day.Add(6 * time.Hour), DeliveredAt: &delivered},
		{UserID: uuid.New(), Status: models.OrderStatusShipped, Total: dec("50"), Tax: dec("5"), ShippingCost: dec("10"), ItemQuantity: 1, CreatedAt: day},
		{UserID: uuid.New(), Status: models.OrderStatusReturned, Total: dec("40"), CreatedAt: day},
	}
	r := AggregateDaily(day, orders, models.CartSessionStats{Total: 4, Abandoned: 0})

	assert.Equal(t, 2, r.TotalOrders)
	assert.Equal(t, 1, r.TotalReturns)
	assertDecimal(t, "40", r.ReturnsAmount)
	assertDecimal(t, "50", r.ReturnRate)
	assertDecimal(t, "155", r.NetRevenue)
	assertDecimal(t, "50", r.ConversionRate)
	assertDecimal(t, "0", r.CartAbandonmentRate)
	assert.Equal(t, 24, r.AvgDeliveryHours)
	assert.Equal(t, 2, r.NewCustomers)

	assert.Len(t, Alerts(r), 1, "return rate above 10%")
	assert.Empty(t, Alerts(&models.SalesReport{TotalSales: dec("100"), ReturnRate: dec("10")}))
}

func TestCleanupOldReports(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	seed := func(reportType string, date time.Time) {
		r := emptyReport(date, reportType)
		require.NoError(t, f.store.UpsertSalesReport(f.ctx, r))
	}
	seed(models.ReportTypeDaily, now.AddDate(0, 0, -100))
	seed(models.ReportTypeDaily, now.AddDate(0, 0, -10))
	seed(models.ReportTypeWeekly, now.AddDate(0, 0, -400))
	seed(models.ReportTypeWeekly, now.AddDate(0, 0, -100))
	seed(models.ReportTypeMonthly, now.AddDate(-3, 0, 0))
	product := uuid.New()
	for _, age := range []int{-100, -10} {
		require.NoError(t, f.store.UpsertProductPerformance(f.ctx, &models.ProductPerformance{
			ProductID: product, Date: now.AddDate(0, 0, age), Revenue: dec("1"), ReturnRate: dec("0"),
		}))
	}

	deleted, err := f.analytics.CleanupOldReports(f.ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)

	rows, err := f.store.ListProductPerformance(f.ctx, now.AddDate(-1, 0, 0), now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, now.AddDate(0, 0, -10), rows[0].Date)

	left, err := f.store.ListSalesReports(f.ctx, models.ReportTypeDaily, now.AddDate(-1, 0, 0), now)
	require.NoError(t, err)
	assert.Len(t, left, 1)
	monthly, err := f.store.GetSalesReport(f.ctx, models.ReportTypeMonthly, now.AddDate(-3, 0, 0))
	require.NoError(t, err)
	assert.NotNil(t, monthly)
}

func TestWeekAndMonthStart(t *testing.T) {
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), WeekStart(time.Date(2024, 3, 17, 23, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), WeekStart(time.Date(2024, 3, 11, 1, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), MonthStart(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)))
}

func TestAggregateProductPerformance(t *testing.T) {
	p1 := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	p2 := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	p3 := uuid.MustParse("00000000-0000-0000-0000-000000000003")
	o1, o2, o3, o4, o5 := uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()
	line := func(order, product uuid.UUID, status string, qty int, price string) models.ProductSaleLine {
		return models.ProductSaleLine{OrderID: order, ProductID: product, Status: status, Quantity: qty, UnitPrice: dec(price)}
	}

	rows := AggregateProductPerformance(reportDay, []models.ProductSaleLine{
		line(o1, p1, models.OrderStatusProcessing, 2, "10.00"),
		line(o1, p2, models.OrderStatusProcessing, 1, "5.00"),
		line(o2, p1, models.OrderStatusReturned, 1, "10.00"),
		line(o2, p3, models.OrderStatusReturned, 1, "7.00"),
		line(o3, p1, models.OrderStatusCancelled, 5, "10.00"),
		line(o4, p2, models.OrderStatusDelivered, 1, "5.00"),
		line(o4, p3, models.OrderStatusDelivered, 2, "7.00"),
		line(o5, p1, models.OrderStatusShipped, 1, "10.00"),
		line(o5, p3, models.OrderStatusShipped, 1, "7.00"),
	})
	require.Len(t, rows, 3)

	first := rows[0]
	assert.Equal(t, p1, first.ProductID)
	assert.Equal(t, time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC), first.Date)
	assert.Equal(t, 4, first.UnitsSold)
	assertDecimal(t, "40", first.Revenue)
	assert.Equal(t, 1, first.Returns)
	assertDecimal(t, "25", first.ReturnRate)
	assert.Equal(t, 3, first.PurchaseCount)
	assert.Equal(t, []string{p3.String(), p2.String()}, []string(first.FrequentlyBoughtWith))

	second := rows[1]
	assert.Equal(t, p2, second.ProductID)
	assert.Equal(t, 2, second.UnitsSold)
	assertDecimal(t, "10", second.Revenue)
	assert.Zero(t, second.Returns)
	assertDecimal(t, "0", second.ReturnRate)
	assert.Equal(t, []string{p1.String(), p3.String()}, []string(second.FrequentlyBoughtWith))

	third := rows[2]
	assert.Equal(t, p3, third.ProductID)
	assert.Equal(t, 4, third.UnitsSold)
	assertDecimal(t, "28", third.Revenue)
	assertDecimal(t, "25", third.ReturnRate)

	assert.Empty(t, AggregateProductPerformance(reportDay, []models.ProductSaleLine{
		line(o3, p1, models.OrderStatusAwaitingPayment, 1, "10.00"),
	}))
}

func TestMostFrequent_CapsAtLimit(t *testing.T) {
	counts := map[uuid.UUID]int{}
	for i := 1; i <= 7; i++ {
		counts[uuid.New()] = i
	}
	top := mostFrequent(counts, frequentlyBoughtWithLimit)
	require.Len(t, top, 5)
	for i := 1; i < len(top); i++ {
		assert.Greater(t, counts[uuid.MustParse(top[i-1])], counts[uuid.MustParse(top[i])])
	}
}

func TestGenerateProductPerformance_Idempotent(t *testing.T) {
	f := newFixture(t, memstore.WithClock(func() time.Time { return reportDay }))
	u := f.user(t)
	a := f.variant(t, "A", 10, "10.00")
	b := f.variant(t, "B", 10, "4.00")

	cart := f.cartWith(t, u.ID, map[*models.Variant]int{a: 2, b: 1})
	paid, err := f.orders.CreateFromCart(f.ctx, checkoutInput(cart.Cart.ID, u.ID))
	require.NoError(t, err)
	f.pay(t, paid.Order.ID)
	unpaid := f.placeOrder(t, u.ID, b, 3)
	require.Equal(t, models.OrderStatusAwaitingPayment, unpaid.Order.Status)

	first, err := f.analytics.GenerateProductPerformance(f.ctx, reportDay)
	require.NoError(t, err)
	require.Len(t, first, 2)
	second, err := f.analytics.GenerateProductPerformance(f.ctx, reportDay.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, second, 2)

	rows, err := f.analytics.ProductPerformance(f.ctx, 30, reportDay.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byProduct := map[uuid.UUID]models.ProductPerformance{}
	for _, r := range rows {
		byProduct[r.ProductID] = r
	}
	assert.Equal(t, 2, byProduct[a.ProductID].UnitsSold)
	assertDecimal(t, "20", byProduct[a.ProductID].Revenue)
	assert.Equal(t, 1, byProduct[b.ProductID].UnitsSold)
	assert.Equal(t, 1, byProduct[b.ProductID].PurchaseCount)
	assert.Equal(t, []string{b.ProductID.String()}, []string(byProduct[a.ProductID].FrequentlyBoughtWith))
	for _, r := range first {
		assert.Equal(t, r.ID, byProduct[r.ProductID].ID)
	}

	_, err = f.orders.Cancel(f.ctx, paid.Order.ID, &u.ID, "")
	require.NoError(t, err)
	emptied, err := f.analytics.GenerateProductPerformance(f.ctx, reportDay)
	require.NoError(t, err)
	assert.Empty(t, emptied)
	rows, err = f.analytics.ProductPerformance(f.ctx, 30, reportDay.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = f.analytics.ProductPerformance(f.ctx, 0, reportDay)
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))
}
