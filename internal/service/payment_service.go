package service

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"shop-core/internal/apperrors"
	"shop-core/internal/models"
	"shop-core/internal/store"
	"shop-core/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// GatewayResult is the outcome of one charge attempt
type GatewayResult struct {
	Success       bool
	TransactionID string
	Reason        string
}

// Gateway charges a payment with an external provider
type Gateway interface {
	Charge(ctx context.Context, p *models.Payment) (GatewayResult, error)
}

// MockGateway approves a configurable share of charges after a random delay
type MockGateway struct {
	successRate float64
	maxDelay    time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewMockGateway(successRate float64, maxDelay time.Duration) *MockGateway {
	return &MockGateway{
		successRate: successRate,
		maxDelay:    maxDelay,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *MockGateway) Charge(ctx context.Context, p *models.Payment) (GatewayResult, error) {
	g.mu.Lock()
	var delay time.Duration
	if g.maxDelay > 0 {
		delay = time.Duration(g.rnd.Int63n(int64(g.maxDelay)))
	}
	success := g.rnd.Float64() < g.successRate
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return GatewayResult{}, ctx.Err()
	case <-time.After(delay):
	}

	if !success {
		return GatewayResult{Reason: "mock_payment_declined"}, nil
	}
	return GatewayResult{Success: true, TransactionID: fmt.Sprintf("TXN-%s", uuid.New().String()[:8])}, nil
}

// RiskScorer derives a 0-100 fraud score from the buyer's account and payment history
type RiskScorer struct {
	store store.Repository
	now   func() time.Time
}

func NewRiskScorer(repo store.Repository) *RiskScorer {
	return &RiskScorer{store: repo, now: time.Now}
}

// Score rates the order's payment. Unknown users score as unverified.
func (r *RiskScorer) Score(ctx context.Context, order *models.Order) (int, error) {
	score := 0
	now := r.now().UTC()

	user, err := r.store.GetUser(ctx, order.UserID)
	switch {
	case apperrors.Is(err, apperrors.CodeNotFound):
		score += 20
	case err != nil:
		return 0, err
	default:
		if !user.EmailVerified {
			score += 20
		}
		age := now.Sub(user.CreatedAt)
		if age < 24*time.Hour {
			score += 25
		} else if age < 7*24*time.Hour {
			score += 15
		}
	}

	recent, err := r.store.ListRecentPayments(ctx, order.UserID, 6)
	if err != nil {
		return 0, err
	}
	sum, n := decimal.Zero, 0
	for _, p := range recent {
		if p.OrderID == order.ID || n == 5 {
			continue
		}
		sum = sum.Add(p.Amount)
		n++
	}
	if n > 0 {
		avg := sum.Div(decimal.NewFromInt(int64(n)))
		if order.Total.GreaterThan(avg.Mul(decimal.NewFromInt(3))) {
			score += 20
		}
	}

	attempts, err := r.store.CountPaymentsSince(ctx, order.UserID, now.Add(-time.Hour))
	if err != nil {
		return 0, err
	}
	if attempts > 5 {
		score += 25
	}

	if score > 100 {
		score = 100
	}
	return score, nil
}

// PaymentService hands orders to the gateway and applies its results
type PaymentService struct {
	store          store.Repository
	gateway        Gateway
	scorer         *RiskScorer
	eventPublisher EventPublisher
	riskLimit      int
	logger         *zap.Logger
}

// NewPaymentService creates a new payment service. A risk limit outside 0..80 falls back to 80.
func NewPaymentService(repo store.Repository, gateway Gateway, eventPublisher EventPublisher, riskLimit int) *PaymentService {
	if riskLimit <= 0 || riskLimit > models.MaxRiskScore {
		riskLimit = models.MaxRiskScore
	}
	return &PaymentService{
		store:          repo,
		gateway:        gateway,
		scorer:         NewRiskScorer(repo),
		eventPublisher: eventPublisher,
		riskLimit:      riskLimit,
		logger:         util.Component("payments"),
	}
}

// ProcessPayment charges the order's pending payment. A nil riskScore is derived
// with the RiskScorer. Scores above the limit are rejected before the gateway is
// called and the order stays awaiting payment. The gateway verdict is published as
// PAYMENT_SUCCESS or PAYMENT_FAILED and applied by ApplyPaymentResult.
func (s *PaymentService) ProcessPayment(ctx context.Context, orderID uuid.UUID, riskScore *int) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ProcessPayment", attribute.String("order_id", orderID.String()))
	var err error
	defer func() { util.EndSpan(span, err) }()

	util.PaymentAttemptsTotal.Inc()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusAwaitingPayment {
		err = apperrors.Newf(apperrors.CodeConflict, "order %s is %s, not awaiting payment", order.OrderNumber, order.Status)
		return nil, err
	}

	score := 0
	if riskScore != nil {
		score = *riskScore
	} else if score, err = s.scorer.Score(ctx, order); err != nil {
		err = fmt.Errorf("failed to score payment risk: %w", err)
		return nil, err
	}
	if score < 0 || score > 100 {
		err = apperrors.Validation("risk score must be between 0 and 100", map[string]string{"risk_score": "min=0,max=100"})
		return nil, err
	}

	s.logger.Info("Processing payment",
		zap.String("order_id", orderID.String()),
		zap.String("amount", order.Total.StringFixed(2)),
		zap.Int("risk_score", score))

	if score > s.riskLimit {
		err = s.reject(ctx, orderID, score)
		return nil, err
	}

	var payment *models.Payment
	err = s.store.WithTx(ctx, func(tx store.Repository) error {
		p, err := s.lockChargeable(ctx, tx, orderID)
		if err != nil {
			return err
		}
		p.Status = models.PaymentStatusProcessing
		p.RiskScore = score
		p.ErrorMessage = ""
		payment = p
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, chargeErr := s.gateway.Charge(ctx, payment)
	util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	if chargeErr != nil {
		result = GatewayResult{Reason: chargeErr.Error()}
	}

	if result.Success {
		s.logger.Info("Payment approved by gateway",
			zap.String("order_id", orderID.String()),
			zap.String("tx_id", result.TransactionID))
		event := &models.PaymentSuccessEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypePaymentSuccess),
			OrderID:   orderID,
			PaymentID: payment.ID,
			Amount:    payment.Amount,
			TxID:      result.TransactionID,
		}
		if pubErr := s.eventPublisher.PublishPaymentSuccess(ctx, event); pubErr != nil {
			s.logger.Error("Failed to publish PaymentSuccess event", zap.Error(pubErr))
		}
	} else {
		s.logger.Warn("Payment declined by gateway",
			zap.String("order_id", orderID.String()),
			zap.String("reason", result.Reason))
		event := &models.PaymentFailedEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypePaymentFailed),
			OrderID:   orderID,
			PaymentID: payment.ID,
			Reason:    result.Reason,
		}
		if pubErr := s.eventPublisher.PublishPaymentFailed(ctx, event); pubErr != nil {
			s.logger.Error("Failed to publish PaymentFailed event", zap.Error(pubErr))
		}
	}

	return payment, nil
}

// reject records a blocked attempt. The stored risk score is left untouched since
// a payment is never saved above MaxRiskScore.
func (s *PaymentService) reject(ctx context.Context, orderID uuid.UUID, score int) error {
	rejection := apperrors.Newf(apperrors.CodePaymentRejected, "payment blocked due to high risk score %d", score).
		WithDetails(map[string]int{"risk_score": score, "limit": s.riskLimit})

	err := s.store.WithTx(ctx, func(tx store.Repository) error {
		p, err := s.lockChargeable(ctx, tx, orderID)
		if err != nil {
			return err
		}
		p.Status = models.PaymentStatusFailed
		p.Attempts++
		p.ErrorMessage = rejection.Message()
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		return err
	}

	util.PaymentOutcomesTotal.WithLabelValues("rejected").Inc()
	s.logger.Warn("Payment rejected",
		zap.String("order_id", orderID.String()),
		zap.Int("risk_score", score),
		zap.Int("limit", s.riskLimit))
	return rejection
}

// lockChargeable locks the order, then its payment, and returns the payment if a
// new charge may start: the order is awaiting payment and the payment is pending
// or failed. A payment already processing has a verdict in flight.
func (s *PaymentService) lockChargeable(ctx context.Context, tx store.Repository, orderID uuid.UUID) (*models.Payment, error) {
	o, err := tx.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != models.OrderStatusAwaitingPayment {
		return nil, apperrors.Newf(apperrors.CodeConflict, "order %s is %s, not awaiting payment", o.OrderNumber, o.Status)
	}
	p, err := tx.GetPaymentByOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentStatusPending && p.Status != models.PaymentStatusFailed {
		return nil, apperrors.Newf(apperrors.CodeConflict, "payment for order %s is %s", o.OrderNumber, p.Status).
			WithDetails(map[string]string{"payment_status": p.Status})
	}
	return p, nil
}

// HandlePaymentSuccess applies a PAYMENT_SUCCESS event
func (s *PaymentService) HandlePaymentSuccess(ctx context.Context, event *models.PaymentSuccessEvent) error {
	return s.ApplyPaymentResult(ctx, event.BaseEvent, event.OrderID, true, event.TxID)
}

// HandlePaymentFailed applies a PAYMENT_FAILED event
func (s *PaymentService) HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return s.ApplyPaymentResult(ctx, event.BaseEvent, event.OrderID, false, event.Reason)
}

// ApplyPaymentResult records a gateway verdict at most once per event id. On
// success the payment completes and an order awaiting payment moves to processing.
// On failure the payment is marked failed and the order keeps awaiting payment.
// detail is the transaction id on success and the decline reason otherwise.
func (s *PaymentService) ApplyPaymentResult(ctx context.Context, event models.BaseEvent, orderID uuid.UUID, success bool, detail string) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.ApplyPaymentResult",
		attribute.String("order_id", orderID.String()),
		attribute.String("event_id", event.EventID),
		attribute.Bool("success", success))
	var err error
	defer func() { util.EndSpan(span, err) }()

	var (
		duplicate bool
		moved     *models.Order
	)
	err = s.store.WithTx(ctx, func(tx store.Repository) error {
		processed, err := tx.IsEventProcessed(ctx, event.EventID)
		if err != nil {
			return fmt.Errorf("failed to check event processed: %w", err)
		}
		if processed {
			duplicate = true
			return nil
		}

		// the order is locked before its payment, as in Cancel
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		p, err := tx.GetPaymentByOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if success {
			moved, err = s.applySuccess(ctx, tx, o, p, detail)
		} else {
			err = s.applyFailure(ctx, tx, p, detail)
		}
		if err != nil {
			return err
		}
		return tx.MarkEventProcessed(ctx, event.EventID, event.EventType)
	})
	if err != nil {
		return err
	}
	if duplicate {
		s.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	if success {
		util.PaymentOutcomesTotal.WithLabelValues("success").Inc()
	} else {
		util.PaymentOutcomesTotal.WithLabelValues("failed").Inc()
	}

	if moved != nil {
		util.OrderTransitionsTotal.WithLabelValues(models.OrderStatusProcessing).Inc()
		s.logger.Info("Order paid", zap.String("order_id", moved.ID.String()))
		changed := &models.OrderStatusChangedEvent{
			BaseEvent:  models.NewBaseEvent(models.EventTypeOrderStatusChanged),
			OrderID:    moved.ID,
			UserID:     moved.UserID,
			Email:      moved.Email,
			FromStatus: models.OrderStatusAwaitingPayment,
			ToStatus:   moved.Status,
			Notes:      "payment received",
		}
		if pubErr := s.eventPublisher.PublishOrderStatusChanged(ctx, changed); pubErr != nil {
			s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(pubErr))
		}
	}
	return nil
}

// applySuccess completes the payment and moves an order awaiting payment to
// processing. A charge landing on a cancelled or returned order is refunded.
func (s *PaymentService) applySuccess(ctx context.Context, tx store.Repository, o *models.Order, p *models.Payment, txID string) (*models.Order, error) {
	if p.Status == models.PaymentStatusCompleted || p.Status == models.PaymentStatusRefunded {
		s.logger.Warn("Ignoring success for a settled payment",
			zap.String("payment_id", p.ID.String()),
			zap.String("status", p.Status))
		return nil, nil
	}

	now := time.Now().UTC()
	p.Status = models.PaymentStatusCompleted
	if o.Status == models.OrderStatusCancelled || o.Status == models.OrderStatusReturned {
		p.Status = models.PaymentStatusRefunded
	}
	p.TransactionID = &txID
	p.ProcessedAt = &now
	p.ErrorMessage = ""
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}

	if p.Status == models.PaymentStatusRefunded {
		util.PaymentOutcomesTotal.WithLabelValues("refunded").Inc()
		s.logger.Warn("Payment captured for a closed order, refunding",
			zap.String("order_id", o.ID.String()),
			zap.String("status", o.Status),
			zap.String("tx_id", txID))
		return nil, nil
	}
	if o.Status != models.OrderStatusAwaitingPayment {
		s.logger.Warn("Payment succeeded for an order no longer awaiting payment",
			zap.String("order_id", o.ID.String()),
			zap.String("status", o.Status))
		return nil, nil
	}

	o.Status = models.OrderStatusProcessing
	o.PaidAt = &now
	if err := tx.UpdateOrderStatus(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}
	if err := tx.InsertStatusHistory(ctx, &models.OrderStatusHistory{
		OrderID: o.ID,
		Status:  o.Status,
		Notes:   "payment received " + txID,
	}); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PaymentService) applyFailure(ctx context.Context, tx store.Repository, p *models.Payment, reason string) error {
	switch p.Status {
	case models.PaymentStatusCompleted, models.PaymentStatusRefunded, models.PaymentStatusCancelled:
		s.logger.Warn("Ignoring failure for a settled payment",
			zap.String("payment_id", p.ID.String()),
			zap.String("status", p.Status))
		return nil
	}
	p.Status = models.PaymentStatusFailed
	p.Attempts++
	p.ErrorMessage = reason
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	s.logger.Warn("Payment failed",
		zap.String("order_id", p.OrderID.String()),
		zap.Int("attempts", p.Attempts),
		zap.String("reason", reason))
	return nil
}

// GetPayment retrieves payment for an order
func (s *PaymentService) GetPayment(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	return s.store.GetPaymentByOrder(ctx, orderID)
}
