package service

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"shop-core/internal/apperrors"
	"shop-core/internal/cache"
	"shop-core/internal/models"
	"shop-core/internal/store"
	"shop-core/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Report retention and alert thresholds
const (
	DailyReportRetention  = 90 * 24 * time.Hour
	WeeklyReportRetention = 365 * 24 * time.Hour

	// MaxPerformanceDays bounds a product performance query
	MaxPerformanceDays = 365

	frequentlyBoughtWithLimit = 5
)

var (
	lowSalesThreshold       = decimal.NewFromInt(100)
	highReturnRateThreshold = decimal.NewFromInt(10)
)

// AnalyticsService aggregates orders into sales reports
type AnalyticsService struct {
	store          store.Repository
	cache          cache.Cache
	ttl            time.Duration
	eventPublisher EventPublisher
	logger         *zap.Logger
}

func NewAnalyticsService(repo store.Repository, c cache.Cache, ttl time.Duration, eventPublisher EventPublisher) *AnalyticsService {
	return &AnalyticsService{
		store:          repo,
		cache:          c,
		ttl:            ttl,
		eventPublisher: eventPublisher,
		logger:         util.Component("analytics"),
	}
}

// GenerateDailyReport aggregates the orders created on date's UTC day and upserts
// the (day, daily) report. Running it twice leaves one identical row.
func (s *AnalyticsService) GenerateDailyReport(ctx context.Context, date time.Time) (*models.SalesReport, error) {
	day := store.DateOnly(date)
	ctx, span := util.StartSpan(ctx, "AnalyticsService.GenerateDailyReport",
		attribute.String("date", day.Format("2006-01-02")))
	var err error
	defer func() {
		util.EndSpan(span, err)
		recordRun(models.ReportTypeDaily, err)
	}()

	next := day.AddDate(0, 0, 1)
	orders, err := s.store.ListReportOrders(ctx, day, next)
	if err != nil {
		err = fmt.Errorf("failed to load orders: %w", err)
		return nil, err
	}
	carts, err := s.store.CartSessionStats(ctx, day, next)
	if err != nil {
		err = fmt.Errorf("failed to load cart sessions: %w", err)
		return nil, err
	}

	report := AggregateDaily(day, orders, carts)
	if err = s.save(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// AggregateDaily computes a daily report from the day's orders and cart sessions
func AggregateDaily(day time.Time, orders []models.ReportOrder, carts models.CartSessionStats) *models.SalesReport {
	r := emptyReport(day, models.ReportTypeDaily)

	perCustomer := map[uuid.UUID]int{}
	var deliveryHours float64
	delivered := 0
	for _, o := range orders {
		switch {
		case models.IsCompletedStatus(o.Status):
			r.TotalOrders++
			r.TotalSales = r.TotalSales.Add(o.Total)
			r.TotalTax = r.TotalTax.Add(o.Tax)
			r.TotalShipping = r.TotalShipping.Add(o.ShippingCost)
			r.TotalItemsSold += o.ItemQuantity
			perCustomer[o.UserID]++
			if o.DeliveredAt != nil {
				deliveryHours += o.DeliveredAt.Sub(o.CreatedAt).Hours()
				delivered++
			}
		case o.Status == models.OrderStatusCancelled:
			r.CancelledOrders++
		case o.Status == models.OrderStatusReturned:
			r.TotalReturns++
			r.ReturnsAmount = r.ReturnsAmount.Add(o.Total)
		}
	}

	for _, n := range perCustomer {
		if n > 1 {
			r.ReturningCustomers++
		} else {
			r.NewCustomers++
		}
	}

	if r.TotalOrders > 0 {
		r.AverageOrderValue = r.TotalSales.Div(decimal.NewFromInt(int64(r.TotalOrders))).Round(2)
	}
	r.GrossRevenue = r.TotalSales
	r.NetRevenue = r.TotalSales.Sub(r.TotalTax).Sub(r.TotalShipping)
	r.ReturnRate = percent(r.TotalReturns, r.TotalOrders)
	r.ConversionRate = percent(r.TotalOrders, carts.Total)
	r.CartAbandonmentRate = percent(carts.Abandoned, carts.Abandoned+r.TotalOrders)
	if delivered > 0 {
		r.AvgDeliveryHours = int(deliveryHours / float64(delivered))
	}
	return r
}

// GenerateWeeklyReport rolls up the daily reports of the Monday-start week holding
// date. It returns nil without writing when the week has no daily reports.
func (s *AnalyticsService) GenerateWeeklyReport(ctx context.Context, date time.Time) (*models.SalesReport, error) {
	start := WeekStart(date)
	return s.rollup(ctx, models.ReportTypeWeekly, start, start.AddDate(0, 0, 6))
}

// GenerateMonthlyReport rolls up the daily reports of date's calendar month
func (s *AnalyticsService) GenerateMonthlyReport(ctx context.Context, date time.Time) (*models.SalesReport, error) {
	start := MonthStart(date)
	return s.rollup(ctx, models.ReportTypeMonthly, start, start.AddDate(0, 1, -1))
}

// WeekStart returns the Monday of t's week, at midnight UTC
func WeekStart(t time.Time) time.Time {
	day := store.DateOnly(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// MonthStart returns the first of t's month, at midnight UTC
func MonthStart(t time.Time) time.Time {
	day := store.DateOnly(t)
	return day.AddDate(0, 0, 1-day.Day())
}

func (s *AnalyticsService) rollup(ctx context.Context, reportType string, from, to time.Time) (*models.SalesReport, error) {
	ctx, span := util.StartSpan(ctx, "AnalyticsService.Generate"+reportType,
		attribute.String("from", from.Format("2006-01-02")),
		attribute.String("to", to.Format("2006-01-02")))
	var err error
	defer func() {
		util.EndSpan(span, err)
		recordRun(reportType, err)
	}()

	dailies, err := s.store.ListSalesReports(ctx, models.ReportTypeDaily, from, to)
	if err != nil {
		err = fmt.Errorf("failed to load daily reports: %w", err)
		return nil, err
	}
	if len(dailies) == 0 {
		s.logger.Info("No daily reports to roll up",
			zap.String("type", reportType),
			zap.Time("from", from))
		return nil, nil
	}

	report := Rollup(from, reportType, dailies)
	if err = s.save(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// Rollup sums daily reports into one report of reportType. Ratios over orders are
// recomputed; session rates and delivery time are averaged.
func Rollup(date time.Time, reportType string, dailies []models.SalesReport) *models.SalesReport {
	r := emptyReport(date, reportType)

	conversion, abandonment := decimal.Zero, decimal.Zero
	deliveryHours, deliveredDays := 0, 0
	for _, d := range dailies {
		r.TotalSales = r.TotalSales.Add(d.TotalSales)
		r.TotalOrders += d.TotalOrders
		r.TotalItemsSold += d.TotalItemsSold
		r.NewCustomers += d.NewCustomers
		r.ReturningCustomers += d.ReturningCustomers
		r.CancelledOrders += d.CancelledOrders
		r.TotalReturns += d.TotalReturns
		r.ReturnsAmount = r.ReturnsAmount.Add(d.ReturnsAmount)
		r.GrossRevenue = r.GrossRevenue.Add(d.GrossRevenue)
		r.NetRevenue = r.NetRevenue.Add(d.NetRevenue)
		r.TotalTax = r.TotalTax.Add(d.TotalTax)
		r.TotalShipping = r.TotalShipping.Add(d.TotalShipping)
		conversion = conversion.Add(d.ConversionRate)
		abandonment = abandonment.Add(d.CartAbandonmentRate)
		if d.AvgDeliveryHours > 0 {
			deliveryHours += d.AvgDeliveryHours
			deliveredDays++
		}
	}

	n := decimal.NewFromInt(int64(len(dailies)))
	if r.TotalOrders > 0 {
		r.AverageOrderValue = r.TotalSales.Div(decimal.NewFromInt(int64(r.TotalOrders))).Round(2)
	}
	r.ReturnRate = percent(r.TotalReturns, r.TotalOrders)
	r.ConversionRate = conversion.Div(n).Round(2)
	r.CartAbandonmentRate = abandonment.Div(n).Round(2)
	if deliveredDays > 0 {
		r.AvgDeliveryHours = deliveryHours / deliveredDays
	}
	return r
}

func emptyReport(date time.Time, reportType string) *models.SalesReport {
	return &models.SalesReport{
		ReportDate:          store.DateOnly(date),
		ReportType:          reportType,
		TotalSales:          decimal.Zero,
		AverageOrderValue:   decimal.Zero,
		ReturnsAmount:       decimal.Zero,
		ReturnRate:          decimal.Zero,
		GrossRevenue:        decimal.Zero,
		NetRevenue:          decimal.Zero,
		TotalTax:            decimal.Zero,
		TotalShipping:       decimal.Zero,
		ConversionRate:      decimal.Zero,
		CartAbandonmentRate: decimal.Zero,
	}
}

// save upserts the report, refreshes its cache entry and raises alerts
func (s *AnalyticsService) save(ctx context.Context, report *models.SalesReport) error {
	if err := s.store.UpsertSalesReport(ctx, report); err != nil {
		return fmt.Errorf("failed to save %s report: %w", report.ReportType, err)
	}

	key := cache.ReportKey(report.ReportType, report.ReportDate)
	if err := s.cache.Set(ctx, key, report, s.ttl); err != nil {
		s.logger.Warn("Failed to refresh report cache", zap.String("key", key), zap.Error(err))
		cache.Invalidate(ctx, s.cache, key)
	}

	s.logger.Info("Sales report generated",
		zap.String("type", report.ReportType),
		zap.String("date", report.ReportDate.Format("2006-01-02")),
		zap.Int("orders", report.TotalOrders),
		zap.String("sales", report.TotalSales.StringFixed(2)))

	s.raiseAlerts(ctx, report)
	return nil
}

// Alerts lists the thresholds a report crosses
func Alerts(report *models.SalesReport) []string {
	var alerts []string
	if report.TotalSales.LessThan(lowSalesThreshold) {
		alerts = append(alerts, fmt.Sprintf("low sales: %s", report.TotalSales.StringFixed(2)))
	}
	if report.ReturnRate.GreaterThan(highReturnRateThreshold) {
		alerts = append(alerts, fmt.Sprintf("high return rate: %s%%", report.ReturnRate.StringFixed(2)))
	}
	return alerts
}

func (s *AnalyticsService) raiseAlerts(ctx context.Context, report *models.SalesReport) {
	alerts := Alerts(report)
	if len(alerts) == 0 {
		return
	}
	s.logger.Warn("Sales report alert",
		zap.String("type", report.ReportType),
		zap.String("date", report.ReportDate.Format("2006-01-02")),
		zap.Strings("alerts", alerts))

	event := &models.AnalyticsAlertEvent{
		BaseEvent:  models.NewBaseEvent(models.EventTypeAnalyticsAlert),
		ReportDate: report.ReportDate,
		ReportType: report.ReportType,
		Alerts:     alerts,
	}
	if err := s.eventPublisher.PublishAnalyticsAlert(ctx, event); err != nil {
		s.logger.Error("Failed to publish AnalyticsAlert event", zap.Error(err))
	}
}

// GetReport reads a report through the cache
func (s *AnalyticsService) GetReport(ctx context.Context, reportType string, date time.Time) (*models.SalesReport, error) {
	switch reportType {
	case models.ReportTypeDaily, models.ReportTypeWeekly, models.ReportTypeMonthly:
	default:
		return nil, apperrors.Validation("unknown report type", map[string]string{"type": "oneof=daily weekly monthly"})
	}
	day := store.DateOnly(date)
	return cache.GetOrLoad(ctx, s.cache, cache.ReportKey(reportType, day), s.ttl,
		func(ctx context.Context) (*models.SalesReport, error) {
			r, err := s.store.GetSalesReport(ctx, reportType, day)
			if err != nil {
				return nil, err
			}
			if r == nil {
				return nil, apperrors.NotFound(reportType+" report", day.Format("2006-01-02"))
			}
			return r, nil
		})
}

// CleanupOldReports deletes daily reports and product performance rows older than
// 90 days and weekly reports older than a year, returning how many rows went.
func (s *AnalyticsService) CleanupOldReports(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := util.StartSpan(ctx, "AnalyticsService.CleanupOldReports")
	var err error
	defer func() { util.EndSpan(span, err) }()

	daily, dailyErr := s.store.DeleteSalesReportsBefore(ctx, models.ReportTypeDaily, now.Add(-DailyReportRetention))
	weekly, weeklyErr := s.store.DeleteSalesReportsBefore(ctx, models.ReportTypeWeekly, now.Add(-WeeklyReportRetention))
	products, productErr := s.store.DeleteProductPerformanceBefore(ctx, now.Add(-DailyReportRetention))
	err = multierr.Combine(dailyErr, weeklyErr, productErr)

	s.logger.Info("Old reports cleaned up",
		zap.Int64("daily", daily),
		zap.Int64("weekly", weekly),
		zap.Int64("product_performance", products))
	return daily + weekly + products, err
}

// GenerateProductPerformance aggregates the items of orders created on date's UTC
// day into one row per product and upserts them in one transaction. Rows of the
// day for products that no longer sold are dropped, so a rerun matches a fresh run.
func (s *AnalyticsService) GenerateProductPerformance(ctx context.Context, date time.Time) ([]models.ProductPerformance, error) {
	day := store.DateOnly(date)
	ctx, span := util.StartSpan(ctx, "AnalyticsService.GenerateProductPerformance",
		attribute.String("date", day.Format("2006-01-02")))
	var err error
	defer func() {
		util.EndSpan(span, err)
		recordRun("product", err)
	}()

	lines, err := s.store.ListProductSaleLines(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		err = fmt.Errorf("failed to load order items: %w", err)
		return nil, err
	}

	rows := AggregateProductPerformance(day, lines)
	err = s.store.WithTx(ctx, func(tx store.Repository) error {
		keep := make([]uuid.UUID, len(rows))
		for i := range rows {
			keep[i] = rows[i].ProductID
			if err := tx.UpsertProductPerformance(ctx, &rows[i]); err != nil {
				return err
			}
		}
		_, err := tx.DeleteProductPerformanceExcept(ctx, day, keep)
		return err
	})
	if err != nil {
		err = fmt.Errorf("failed to save product performance: %w", err)
		return nil, err
	}

	s.logger.Info("Product performance generated",
		zap.String("date", day.Format("2006-01-02")),
		zap.Int("products", len(rows)))
	return rows, nil
}

// AggregateProductPerformance builds one row per product from the day's order
// items. Only paid orders count; units of returned orders count as returns too.
// Rows come back ordered by product id.
func AggregateProductPerformance(day time.Time, lines []models.ProductSaleLine) []models.ProductPerformance {
	type tally struct {
		row    models.ProductPerformance
		orders map[uuid.UUID]struct{}
	}
	tallies := map[uuid.UUID]*tally{}
	baskets := map[uuid.UUID]map[uuid.UUID]struct{}{}
	for _, l := range lines {
		if !models.IsPurchasedStatus(l.Status) {
			continue
		}
		t, ok := tallies[l.ProductID]
		if !ok {
			t = &tally{
				row: models.ProductPerformance{
					ProductID:  l.ProductID,
					Date:       store.DateOnly(day),
					Revenue:    decimal.Zero,
					ReturnRate: decimal.Zero,
				},
				orders: map[uuid.UUID]struct{}{},
			}
			tallies[l.ProductID] = t
		}
		t.row.UnitsSold += l.Quantity
		t.row.Revenue = t.row.Revenue.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
		if l.Status == models.OrderStatusReturned {
			t.row.Returns += l.Quantity
		}
		t.orders[l.OrderID] = struct{}{}

		if baskets[l.OrderID] == nil {
			baskets[l.OrderID] = map[uuid.UUID]struct{}{}
		}
		baskets[l.OrderID][l.ProductID] = struct{}{}
	}

	rows := make([]models.ProductPerformance, 0, len(tallies))
	for id, t := range tallies {
		together := map[uuid.UUID]int{}
		for orderID := range t.orders {
			for other := range baskets[orderID] {
				if other != id {
					together[other]++
				}
			}
		}
		t.row.PurchaseCount = len(t.orders)
		t.row.ReturnRate = percent(t.row.Returns, t.row.UnitsSold)
		t.row.FrequentlyBoughtWith = mostFrequent(together, frequentlyBoughtWithLimit)
		rows = append(rows, t.row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return bytes.Compare(rows[i].ProductID[:], rows[j].ProductID[:]) < 0
	})
	return rows
}

// mostFrequent returns up to limit ids by descending count, ties by id
func mostFrequent(counts map[uuid.UUID]int, limit int) []string {
	ids := make([]uuid.UUID, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// ProductPerformance lists the per-product rows of the last days days up to now
func (s *AnalyticsService) ProductPerformance(ctx context.Context, days int, now time.Time) ([]models.ProductPerformance, error) {
	if days < 1 || days > MaxPerformanceDays {
		return nil, apperrors.Validation("days must be between 1 and 365", map[string]string{"days": "min=1,max=365"})
	}
	to := store.DateOnly(now)
	return s.store.ListProductPerformance(ctx, to.AddDate(0, 0, -days), to)
}

func recordRun(reportType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	util.ReportRunsTotal.WithLabelValues(reportType, result).Inc()
}
