package memstore

import (
	"context"
	"sort"
	"time"

	"shop-core/internal/apperrors"
	"shop-core/internal/models"
	"shop-core/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

func (s *Store) ListDeliveredOrders(ctx context.Context, userID uuid.UUID) ([]models.DeliveredOrder, error) {
	defer s.lock()()
	orders := []models.DeliveredOrder{}
	for _, o := range s.root.data.orders {
		if o.UserID != userID || o.Status != models.OrderStatusDelivered {
			continue
		}
		orders = append(orders, models.DeliveredOrder{
			OrderID:     o.ID,
			Total:       o.Total,
			CreatedAt:   o.CreatedAt,
			DeliveredAt: o.DeliveredAt,
		})
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].PurchasedAt().After(orders[j].PurchasedAt()) })
	return orders, nil
}

func (s *Store) CountProductsBought(ctx context.Context, userID uuid.UUID) (int, error) {
	defer s.lock()()
	products := map[uuid.UUID]struct{}{}
	for id, o := range s.root.data.orders {
		if o.UserID != userID || o.Status != models.OrderStatusDelivered {
			continue
		}
		for _, item := range s.root.data.orderItems[id] {
			products[item.ProductID] = struct{}{}
		}
	}
	return len(products), nil
}

func (s *Store) GetSegment(ctx context.Context, userID uuid.UUID) (*models.CustomerSegment, error) {
	defer s.lock()()
	seg, ok := s.root.data.segments[userID]
	if !ok {
		return nil, apperrors.NotFound("customer segment", userID.String())
	}
	return &seg, nil
}

func (s *Store) EnsureSegment(ctx context.Context, userID uuid.UUID) error {
	defer s.lock()()
	if _, ok := s.root.data.segments[userID]; ok {
		return nil
	}
	seg := models.NewDefaultSegment(userID)
	seg.CreatedAt = s.now()
	seg.UpdatedAt = seg.CreatedAt
	s.root.data.segments[userID] = seg
	return nil
}

func (s *Store) UpsertSegment(ctx context.Context, seg *models.CustomerSegment) error {
	defer s.lock()()
	for _, score := range []int{seg.RecencyScore, seg.FrequencyScore, seg.MonetaryScore} {
		if score < 1 || score > 5 {
			return apperrors.Validation("rfm scores must be within 1..5", nil)
		}
	}
	now := s.now()
	seg.CreatedAt = now
	if existing, ok := s.root.data.segments[seg.UserID]; ok {
		seg.CreatedAt = existing.CreatedAt
	}
	seg.UpdatedAt = now
	s.root.data.segments[seg.UserID] = *seg
	return nil
}

func (s *Store) ListSegments(ctx context.Context) ([]models.CustomerSegment, error) {
	defer s.lock()()
	segments := []models.CustomerSegment{}
	for _, seg := range s.root.data.segments {
		segments = append(segments, seg)
	}
	sort.Slice(segments, func(i, j int) bool { return lessUUID(segments[i].UserID, segments[j].UserID) })
	return segments, nil
}

func (s *Store) ListReportOrders(ctx context.Context, from, to time.Time) ([]models.ReportOrder, error) {
	defer s.lock()()
	orders := []models.ReportOrder{}
	for _, id := range s.root.data.orderList {
		o := s.root.data.orders[id]
		if o.CreatedAt.Before(from) || !o.CreatedAt.Before(to) {
			continue
		}
		qty := 0
		for _, item := range s.root.data.orderItems[id] {
			qty += item.Quantity
		}
		orders = append(orders, models.ReportOrder{
			ID:           o.ID,
			UserID:       o.UserID,
			Status:       o.Status,
			Total:        o.Total,
			Tax:          o.Tax,
			ShippingCost: o.ShippingCost,
			ItemQuantity: qty,
			CreatedAt:    o.CreatedAt,
			DeliveredAt:  o.DeliveredAt,
		})
	}
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

func (s *Store) UpsertSalesReport(ctx context.Context, r *models.SalesReport) error {
	defer s.lock()()
	r.ReportDate = store.DateOnly(r.ReportDate)
	key := reportKey{Type: r.ReportType, Date: r.ReportDate}
	now := s.now()
	if existing, ok := s.root.data.reports[key]; ok {
		r.ID = existing.ID
		r.CreatedAt = existing.CreatedAt
	} else {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.root.data.reports[key] = *r
	return nil
}

func (s *Store) GetSalesReport(ctx context.Context, reportType string, date time.Time) (*models.SalesReport, error) {
	defer s.lock()()
	r, ok := s.root.data.reports[reportKey{Type: reportType, Date: store.DateOnly(date)}]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Store) ListSalesReports(ctx context.Context, reportType string, from, to time.Time) ([]models.SalesReport, error) {
	defer s.lock()()
	from, to = store.DateOnly(from), store.DateOnly(to)
	reports := []models.SalesReport{}
	for key, r := range s.root.data.reports {
		if key.Type == reportType && !key.Date.Before(from) && !key.Date.After(to) {
			reports = append(reports, r)
		}
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].ReportDate.Before(reports[j].ReportDate) })
	return reports, nil
}

func (s *Store) DeleteSalesReportsBefore(ctx context.Context, reportType string, before time.Time) (int64, error) {
	defer s.lock()()
	before = store.DateOnly(before)
	var n int64
	for key := range s.root.data.reports {
		if key.Type == reportType && key.Date.Before(before) {
			delete(s.root.data.reports, key)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListProductSaleLines(ctx context.Context, from, to time.Time) ([]models.ProductSaleLine, error) {
	defer s.lock()()
	lines := []models.ProductSaleLine{}
	for _, id := range s.root.data.orderList {
		o := s.root.data.orders[id]
		if o.CreatedAt.Before(from) || !o.CreatedAt.Before(to) {
			continue
		}
		for _, item := range s.root.data.orderItems[id] {
			lines = append(lines, models.ProductSaleLine{
				OrderID:   o.ID,
				ProductID: item.ProductID,
				Status:    o.Status,
				Quantity:  item.Quantity,
				UnitPrice: item.UnitPrice,
			})
		}
	}
	return lines, nil
}

func (s *Store) UpsertProductPerformance(ctx context.Context, p *models.ProductPerformance) error {
	defer s.lock()()
	p.Date = store.DateOnly(p.Date)
	key := performanceKey{ProductID: p.ProductID, Date: p.Date}
	now := s.now()
	if existing, ok := s.root.data.performance[key]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	} else {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	row := *p
	row.FrequentlyBoughtWith = append(pq.StringArray{}, p.FrequentlyBoughtWith...)
	s.root.data.performance[key] = row
	return nil
}

func (s *Store) DeleteProductPerformanceExcept(ctx context.Context, date time.Time, keep []uuid.UUID) (int64, error) {
	defer s.lock()()
	date = store.DateOnly(date)
	kept := make(map[uuid.UUID]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}
	var n int64
	for key := range s.root.data.performance {
		if _, ok := kept[key.ProductID]; !ok && key.Date.Equal(date) {
			delete(s.root.data.performance, key)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListProductPerformance(ctx context.Context, from, to time.Time) ([]models.ProductPerformance, error) {
	defer s.lock()()
	from, to = store.DateOnly(from), store.DateOnly(to)
	rows := []models.ProductPerformance{}
	for key, p := range s.root.data.performance {
		if !key.Date.Before(from) && !key.Date.After(to) {
			p.FrequentlyBoughtWith = append(pq.StringArray{}, p.FrequentlyBoughtWith...)
			rows = append(rows, p)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Date.Equal(rows[j].Date) {
			return rows[i].Date.Before(rows[j].Date)
		}
		return lessUUID(rows[i].ProductID, rows[j].ProductID)
	})
	return rows, nil
}

func (s *Store) DeleteProductPerformanceBefore(ctx context.Context, before time.Time) (int64, error) {
	defer s.lock()()
	before = store.DateOnly(before)
	var n int64
	for key := range s.root.data.performance {
		if key.Date.Before(before) {
			delete(s.root.data.performance, key)
			n++
		}
	}
	return n, nil
}
