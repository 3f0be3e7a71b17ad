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
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Segment names
const (
	SegmentChampions = "champions"
	SegmentLoyal     = "loyal"
	SegmentAtRisk    = "at_risk"
	SegmentLost      = "lost"
	SegmentRegular   = "regular"
)

// ChurnDays is the recency after which a customer counts as churned
const ChurnDays = 180

// RFMService scores customers on recency, frequency and monetary value of their
// delivered orders
type RFMService struct {
	store  store.Repository
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewRFMService(repo store.Repository, c cache.Cache, ttl time.Duration) *RFMService {
	return &RFMService{
		store:  repo,
		cache:  c,
		ttl:    ttl,
		logger: util.Component("rfm"),
		now:    time.Now,
	}
}

// RecomputeSummary reports one run over all active users. Err joins every per-user failure.
type RecomputeSummary struct {
	Processed int               `json:"processed"`
	Skipped   int               `json:"skipped"`
	Failed    int               `json:"failed"`
	Failures  map[string]string `json:"failures,omitempty"`
	Err       error             `json:"-"`
}

// Recompute refreshes the segment of every active user. A failing user is logged
// and skipped; only failing to list users aborts the run.
func (s *RFMService) Recompute(ctx context.Context) (*RecomputeSummary, error) {
	ctx, span := util.StartSpan(ctx, "RFMService.Recompute")
	var err error
	defer func() { util.EndSpan(span, err) }()

	users, err := s.store.ListActiveUsers(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list active users: %w", err)
		return nil, err
	}

	summary := &RecomputeSummary{Failures: map[string]string{}}
	for _, u := range users {
		if ctxErr := ctx.Err(); ctxErr != nil {
			summary.Err = multierr.Append(summary.Err, ctxErr)
			break
		}
		_, computed, userErr := s.RecomputeUser(ctx, u.ID)
		switch {
		case userErr != nil:
			summary.Failed++
			summary.Failures[u.ID.String()] = userErr.Error()
			summary.Err = multierr.Append(summary.Err, fmt.Errorf("user %s: %w", u.ID, userErr))
			util.RFMUsersTotal.WithLabelValues("failed").Inc()
			s.logger.Error("Failed to compute segment", zap.String("user_id", u.ID.String()), zap.Error(userErr))
		case computed:
			summary.Processed++
			util.RFMUsersTotal.WithLabelValues("processed").Inc()
		default:
			summary.Skipped++
			util.RFMUsersTotal.WithLabelValues("skipped").Inc()
		}
	}

	s.logger.Info("RFM recompute finished",
		zap.Int("processed", summary.Processed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

// RecomputeUser scores one user. A user without delivered orders keeps a default
// segment and computed is false.
func (s *RFMService) RecomputeUser(ctx context.Context, userID uuid.UUID) (seg *models.CustomerSegment, computed bool, err error) {
	ctx, span := util.StartSpan(ctx, "RFMService.RecomputeUser", attribute.String("user_id", userID.String()))
	defer func() { util.EndSpan(span, err) }()

	orders, err := s.store.ListDeliveredOrders(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if len(orders) == 0 {
		if err = s.store.EnsureSegment(ctx, userID); err != nil {
			return nil, false, err
		}
		seg, err = s.store.GetSegment(ctx, userID)
		return seg, false, err
	}

	products, err := s.store.CountProductsBought(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	computedSeg := ComputeSegment(userID, orders, products, s.now())
	if err = s.store.UpsertSegment(ctx, &computedSeg); err != nil {
		return nil, false, fmt.Errorf("failed to save segment: %w", err)
	}
	cache.Invalidate(ctx, s.cache, cache.SegmentKey(userID.String()))
	return &computedSeg, true, nil
}

// ComputeSegment scores a non-empty list of delivered orders as of now
func ComputeSegment(userID uuid.UUID, orders []models.DeliveredOrder, productsBought int, now time.Time) models.CustomerSegment {
	seg := models.NewDefaultSegment(userID)

	var last time.Time
	total := decimal.Zero
	for _, o := range orders {
		if at := o.PurchasedAt(); at.After(last) {
			last = at
		}
		total = total.Add(o.Total)
	}

	days := int(now.Sub(last).Hours() / 24)
	if days < 0 {
		days = 0
	}
	lastPurchase := last.UTC()

	seg.LastPurchaseDate = &lastPurchase
	seg.DaysSinceLastPurchase = days
	seg.PurchaseFrequency = len(orders)
	seg.TotalSpent = total
	seg.AverageOrderValue = total.Div(decimal.NewFromInt(int64(len(orders)))).Round(2)
	seg.ProductsBought = productsBought
	seg.RecencyScore = RecencyScore(days)
	seg.FrequencyScore = FrequencyScore(len(orders))
	seg.MonetaryScore = MonetaryScore(total)
	seg.IsChurned, seg.ChurnProbability = Churn(days)
	return seg
}

func RecencyScore(days int) int {
	switch {
	case days <= 30:
		return 5
	case days <= 60:
		return 4
	case days <= 90:
		return 3
	case days <= 180:
		return 2
	}
	return 1
}

func FrequencyScore(orders int) int {
	switch {
	case orders >= 20:
		return 5
	case orders >= 10:
		return 4
	case orders >= 5:
		return 3
	case orders >= 2:
		return 2
	}
	return 1
}

var monetaryThresholds = []struct {
	min   decimal.Decimal
	score int
}{
	{decimal.NewFromInt(1000), 5},
	{decimal.NewFromInt(500), 4},
	{decimal.NewFromInt(250), 3},
	{decimal.NewFromInt(100), 2},
}

func MonetaryScore(total decimal.Decimal) int {
	for _, t := range monetaryThresholds {
		if total.GreaterThanOrEqual(t.min) {
			return t.score
		}
	}
	return 1
}

// Churn flags customers silent for more than ChurnDays. Probability is a percentage
// capped at 100, and half-weighted below the threshold.
func Churn(days int) (bool, decimal.Decimal) {
	ratio := decimal.NewFromInt(int64(days)).Div(decimal.NewFromInt(ChurnDays))
	if days > ChurnDays {
		p := ratio.Mul(decimal.NewFromInt(100))
		return true, decimal.Min(p, decimal.NewFromInt(100)).Round(2)
	}
	return false, decimal.Max(ratio.Mul(decimal.NewFromInt(50)), decimal.Zero).Round(2)
}

// Classify names the bucket a segment falls into. Buckets are checked in order.
func Classify(seg models.CustomerSegment) string {
	r, f, m := seg.RecencyScore, seg.FrequencyScore, seg.MonetaryScore
	switch {
	case r >= 4 && f >= 4 && m >= 4:
		return SegmentChampions
	case r >= 3 && f >= 3 && m >= 3:
		return SegmentLoyal
	case r <= 2 && f >= 3:
		return SegmentAtRisk
	case r == 1 && f <= 2:
		return SegmentLost
	}
	return SegmentRegular
}

// SegmentDistribution counts customers per bucket
type SegmentDistribution struct {
	Champions int `json:"champions"`
	Loyal     int `json:"loyal"`
	AtRisk    int `json:"at_risk"`
	Lost      int `json:"lost"`
	Regular   int `json:"regular"`
	Total     int `json:"total"`
}

func (s *RFMService) Distribution(ctx context.Context) (*SegmentDistribution, error) {
	segments, err := s.store.ListSegments(ctx)
	if err != nil {
		return nil, err
	}
	dist := &SegmentDistribution{Total: len(segments)}
	for _, seg := range segments {
		switch Classify(seg) {
		case SegmentChampions:
			dist.Champions++
		case SegmentLoyal:
			dist.Loyal++
		case SegmentAtRisk:
			dist.AtRisk++
		case SegmentLost:
			dist.Lost++
		default:
			dist.Regular++
		}
	}
	return dist, nil
}

// GetSegment reads a user's segment through the cache
func (s *RFMService) GetSegment(ctx context.Context, userID uuid.UUID) (*models.CustomerSegment, error) {
	seg, err := cache.GetOrLoad(ctx, s.cache, cache.SegmentKey(userID.String()), s.ttl,
		func(ctx context.Context) (*models.CustomerSegment, error) {
			return s.store.GetSegment(ctx, userID)
		})
	if err != nil && !apperrors.Is(err, apperrors.CodeNotFound) {
		return nil, fmt.Errorf("failed to load segment: %w", err)
	}
	return seg, err
}
