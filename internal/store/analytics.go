package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"shop-core/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ListDeliveredOrders returns the user's delivered orders, latest purchase first
func (s *Store) ListDeliveredOrders(ctx context.Context, userID uuid.UUID) ([]models.DeliveredOrder, error) {
	orders := []models.DeliveredOrder{}
	err := sqlx.SelectContext(ctx, s.q, &orders, `
		SELECT id, total, created_at, delivered_at
		FROM orders
		WHERE user_id = $1 AND status = $2
		ORDER BY COALESCE(delivered_at, created_at) DESC`, userID, models.OrderStatusDelivered)
	return orders, err
}

// CountProductsBought counts distinct products across the user's delivered orders
func (s *Store) CountProductsBought(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.q, &n, `
		SELECT COUNT(DISTINCT oi.product_id)
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE o.user_id = $1 AND o.status = $2`, userID, models.OrderStatusDelivered)
	return n, err
}

func (s *Store) GetSegment(ctx context.Context, userID uuid.UUID) (*models.CustomerSegment, error) {
	var seg models.CustomerSegment
	if err := s.get(ctx, &seg, "customer segment", userID.String(),
		"SELECT * FROM customer_segments WHERE user_id = $1", userID); err != nil {
		return nil, err
	}
	return &seg, nil
}

func (s *Store) EnsureSegment(ctx context.Context, userID uuid.UUID) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO customer_segments (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING", userID)
	return err
}

func (s *Store) UpsertSegment(ctx context.Context, seg *models.CustomerSegment) error {
	query, args, err := s.q.BindNamed(`
		INSERT INTO customer_segments (user_id, recency_score, frequency_score, monetary_score,
			last_purchase_date, days_since_last_purchase, purchase_frequency, total_spent,
			average_order_value, products_bought, is_churned, churn_probability)
		VALUES (:user_id, :recency_score, :frequency_score, :monetary_score,
			:last_purchase_date, :days_since_last_purchase, :purchase_frequency, :total_spent,
			:average_order_value, :products_bought, :is_churned, :churn_probability)
		ON CONFLICT (user_id) DO UPDATE SET
			recency_score = EXCLUDED.recency_score,
			frequency_score = EXCLUDED.frequency_score,
			monetary_score = EXCLUDED.monetary_score,
			last_purchase_date = EXCLUDED.last_purchase_date,
			days_since_last_purchase = EXCLUDED.days_since_last_purchase,
			purchase_frequency = EXCLUDED.purchase_frequency,
			total_spent = EXCLUDED.total_spent,
			average_order_value = EXCLUDED.average_order_value,
			products_bought = EXCLUDED.products_bought,
			is_churned = EXCLUDED.is_churned,
			churn_probability = EXCLUDED.churn_probability,
			updated_at = NOW()
		RETURNING created_at, updated_at`, seg)
	if err != nil {
		return err
	}
	return mapError(sqlx.GetContext(ctx, s.q, seg, query, args...))
}

func (s *Store) ListSegments(ctx context.Context) ([]models.CustomerSegment, error) {
	segments := []models.CustomerSegment{}
	err := sqlx.SelectContext(ctx, s.q, &segments, "SELECT * FROM customer_segments ORDER BY user_id")
	return segments, err
}

// ListReportOrders returns orders created in [from, to) with their summed item quantities
func (s *Store) ListReportOrders(ctx context.Context, from, to time.Time) ([]models.ReportOrder, error) {
	orders := []models.ReportOrder{}
	err := sqlx.SelectContext(ctx, s.q, &orders, `
		SELECT o.id, o.user_id, o.status, o.total, o.tax, o.shipping_cost, o.created_at, o.delivered_at,
			COALESCE(SUM(oi.quantity), 0) AS item_quantity
		FROM orders o
		LEFT JOIN order_items oi ON oi.order_id = o.id
		WHERE o.created_at >= $1 AND o.created_at < $2
		GROUP BY o.id
		ORDER BY o.created_at`, from, to)
	return orders, err
}

func (s *Store) UpsertSalesReport(ctx context.Context, r *models.SalesReport) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.ReportDate = DateOnly(r.ReportDate)
	query, args, err := s.q.BindNamed(`
		INSERT INTO sales_reports (id, report_date, report_type, total_sales, total_orders, average_order_value,
			total_items_sold, new_customers, returning_customers, cancelled_orders, total_returns, returns_amount,
			return_rate, gross_revenue, net_revenue, total_tax, total_shipping, conversion_rate,
			cart_abandonment_rate, avg_delivery_hours)
		VALUES (:id, :report_date, :report_type, :total_sales, :total_orders, :average_order_value,
			:total_items_sold, :new_customers, :returning_customers, :cancelled_orders, :total_returns, :returns_amount,
			:return_rate, :gross_revenue, :net_revenue, :total_tax, :total_shipping, :conversion_rate,
			:cart_abandonment_rate, :avg_delivery_hours)
		ON CONFLICT (report_date, report_type) DO UPDATE SET
			total_sales = EXCLUDED.total_sales,
			total_orders = EXCLUDED.total_orders,
			average_order_value = EXCLUDED.average_order_value,
			total_items_sold = EXCLUDED.total_items_sold,
			new_customers = EXCLUDED.new_customers,
			returning_customers = EXCLUDED.returning_customers,
			cancelled_orders = EXCLUDED.cancelled_orders,
			total_returns = EXCLUDED.total_returns,
			returns_amount = EXCLUDED.returns_amount,
			return_rate = EXCLUDED.return_rate,
			gross_revenue = EXCLUDED.gross_revenue,
			net_revenue = EXCLUDED.net_revenue,
			total_tax = EXCLUDED.total_tax,
			total_shipping = EXCLUDED.total_shipping,
			conversion_rate = EXCLUDED.conversion_rate,
			cart_abandonment_rate = EXCLUDED.cart_abandonment_rate,
			avg_delivery_hours = EXCLUDED.avg_delivery_hours,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`, r)
	if err != nil {
		return err
	}
	return mapError(sqlx.GetContext(ctx, s.q, r, query, args...))
}

// GetSalesReport returns nil, nil when no report exists for the key
func (s *Store) GetSalesReport(ctx context.Context, reportType string, date time.Time) (*models.SalesReport, error) {
	var r models.SalesReport
	err := sqlx.GetContext(ctx, s.q, &r,
		"SELECT * FROM sales_reports WHERE report_type = $1 AND report_date = $2", reportType, DateOnly(date))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListSalesReports(ctx context.Context, reportType string, from, to time.Time) ([]models.SalesReport, error) {
	reports := []models.SalesReport{}
	err := sqlx.SelectContext(ctx, s.q, &reports, `
		SELECT * FROM sales_reports
		WHERE report_type = $1 AND report_date >= $2 AND report_date <= $3
		ORDER BY report_date`, reportType, DateOnly(from), DateOnly(to))
	return reports, err
}

func (s *Store) DeleteSalesReportsBefore(ctx context.Context, reportType string, before time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		"DELETE FROM sales_reports WHERE report_type = $1 AND report_date < $2", reportType, DateOnly(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ListProductSaleLines(ctx context.Context, from, to time.Time) ([]models.ProductSaleLine, error) {
	lines := []models.ProductSaleLine{}
	err := sqlx.SelectContext(ctx, s.q, &lines, `
		SELECT oi.order_id, oi.product_id, o.status, oi.quantity, oi.unit_price
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE o.created_at >= $1 AND o.created_at < $2
		ORDER BY oi.order_id, oi.variant_id`, from, to)
	return lines, err
}

func (s *Store) UpsertProductPerformance(ctx context.Context, p *models.ProductPerformance) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Date = DateOnly(p.Date)
	if p.FrequentlyBoughtWith == nil {
		p.FrequentlyBoughtWith = pq.StringArray{}
	}
	query, args, err := s.q.BindNamed(`
		INSERT INTO product_performance (id, product_id, date, units_sold, revenue, returns,
			return_rate, purchase_count, frequently_bought_with)
		VALUES (:id, :product_id, :date, :units_sold, :revenue, :returns,
			:return_rate, :purchase_count, :frequently_bought_with)
		ON CONFLICT (product_id, date) DO UPDATE SET
			units_sold = EXCLUDED.units_sold,
			revenue = EXCLUDED.revenue,
			returns = EXCLUDED.returns,
			return_rate = EXCLUDED.return_rate,
			purchase_count = EXCLUDED.purchase_count,
			frequently_bought_with = EXCLUDED.frequently_bought_with,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`, p)
	if err != nil {
		return err
	}
	return mapError(sqlx.GetContext(ctx, s.q, p, query, args...))
}

func (s *Store) DeleteProductPerformanceExcept(ctx context.Context, date time.Time, keep []uuid.UUID) (int64, error) {
	ids := make([]string, len(keep))
	for i, id := range keep {
		ids[i] = id.String()
	}
	res, err := s.q.ExecContext(ctx,
		"DELETE FROM product_performance WHERE date = $1 AND NOT (product_id = ANY($2::uuid[]))",
		DateOnly(date), pq.Array(ids))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ListProductPerformance(ctx context.Context, from, to time.Time) ([]models.ProductPerformance, error) {
	rows := []models.ProductPerformance{}
	err := sqlx.SelectContext(ctx, s.q, &rows, `
		SELECT * FROM product_performance
		WHERE date >= $1 AND date <= $2
		ORDER BY date, product_id`, DateOnly(from), DateOnly(to))
	return rows, err
}

func (s *Store) DeleteProductPerformanceBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, "DELETE FROM product_performance WHERE date < $1", DateOnly(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
