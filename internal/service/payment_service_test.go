package service

import (
	"context"
	"testing"
	"time"

	"shop-core/internal/apperrors"
	"shop-core/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) placeOrder(t *testing.T, userID uuid.UUID, v *models.Variant, qty int) *OrderView {
	t.Helper()
	cart := f.cartWith(t, userID, map[*models.Variant]int{v: qty})
	view, err := f.orders.CreateFromCart(f.ctx, checkoutInput(cart.Cart.ID, userID))
	require.NoError(t, err)
	return view
}

func risk(n int) *int { return &n }

func TestProcessPayment_HighRiskRejectedBeforeGateway(t *testing.T) {
	f := newFixture(t)
	u := f.user(t)
	order := f.placeOrder(t, u.ID, f.variant(t, "A", 5, "10.00"), 1)

	_, err := f.payments.ProcessPayment(f.ctx, order.Order.ID, risk(90))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodePaymentRejected))
	assert.Contains(t, err.Error(), "90")
	assert.Zero(t, f.gateway.calls)

	p, err := f.payments.GetPayment(f.ctx, order.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.Equal(t, 1, p.Attempts)
	assert.LessOrEqual(t, p.RiskScore, models.MaxRiskScore)

	got, err := f.orders.GetOrder(f.ctx, order.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAwaitingPayment, got.Order.Status)
	assert.Empty(t, f.events.succeeded)
	assert.Empty(t, f.events.failed)
}

func TestPaymentSuccess_MovesOrderToProcessingOnce(t *testing.T) {
	f := newFixture(t)
	u := f.user(t)
	v := f.variant(t, "A", 5, "10.00")
	order := f.placeOrder(t, u.ID, v, 2)

	p, err := f.payments.ProcessPayment(f.ctx, order.Order.ID, risk(10))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, p.Status)
	assert.Equal(t, 10, p.RiskScore)
	require.Len(t, f.events.succeeded, 1)

	event := f.events.succeeded[0]
	require.NoError(t, f.payments.HandlePaymentSuccess(f.ctx, event))
	require.NoError(t, f.payments.HandlePaymentSuccess(f.ctx, event))

	got, err := f.orders.GetOrder(f.ctx, order.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, got.Order.Status)
	assert.NotNil(t, got.Order.PaidAt)
	assert.Equal(t, models.PaymentStatusCompleted, got.Payment.Status)
	require.NotNil(t, got.Payment.TransactionID)
	assert.Equal(t, "TXN-test", *got.Payment.TransactionID)
	assert.NotNil(t, got.Payment.ProcessedAt)

	history, err := f.orders.ListHistory(f.ctx, order.Order.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, 3, f.stock(t, v.ID))

	_, err = f.payments.ProcessPayment(f.ctx, order.Order.ID, risk(10))
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict))
}

func TestPaymentFailure_KeepsOrderAwaitingPayment(t *testing.T) {
	f := newFixture(t)
	f.gateway.result = GatewayResult{Reason: "card_declined"}
	u := f.user(t)
	order := f.placeOrder(t, u.ID, f.variant(t, "A", 5, "10.00"), 1)

	_, err := f.payments.ProcessPayment(f.ctx, order.Order.ID, risk(0))
	require.NoError(t, err)
	require.Len(t, f.events.failed, 1)
	require.NoError(t, f.payments.HandlePaymentFailed(f.ctx, f.events.failed[0]))

	got, err := f.orders.GetOrder(f.ctx, order.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAwaitingPayment, got.Order.Status)
	assert.Equal(t, models.PaymentStatusFailed, got.Payment.Status)
	assert.Equal(t, 1, got.Payment.Attempts)
	assert.Equal(t, "card_declined", got.Payment.ErrorMessage)

	// a retry can still succeed
	f.gateway.result = GatewayResult{Success: true, TransactionID: "TXN-retry"}
	_, err = f.payments.ProcessPayment(f.ctx, order.Order.ID, risk(0))
	require.NoError(t, err)
	require.Len(t, f.events.succeeded, 1)
}

func TestRiskScorer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scorer := NewRiskScorer(f.store)

	fresh := f.store.AddUser(models.User{Email: "new@example.com", Active: true, CreatedAt: time.Now()})
	score, err := scorer.Score(ctx, &models.Order{ID: uuid.New(), UserID: fresh.ID, Total: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, 45, score)

	weekOld := f.store.AddUser(models.User{EmailVerified: true, Active: true, CreatedAt: time.Now().Add(-72 * time.Hour)})
	score, err = scorer.Score(ctx, &models.Order{ID: uuid.New(), UserID: weekOld.ID, Total: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, 15, score)

	score, err = scorer.Score(ctx, &models.Order{ID: uuid.New(), UserID: uuid.New(), Total: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, 20, score)
}

func TestRiskScorer_HistorySignals(t *testing.T) {
	f := newFixture(t)
	u := f.user(t)
	v := f.variant(t, "A", 50, "10.00")
	scorer := NewRiskScorer(f.store)

	f.placeOrder(t, u.ID, v, 1)
	spike := f.placeOrder(t, u.ID, v, 10)
	score, err := scorer.Score(f.ctx, &spike.Order)
	require.NoError(t, err)
	assert.Equal(t, 20, score, "130.00 against a 22.00 average")

	for i := 0; i < 4; i++ {
		f.placeOrder(t, u.ID, v, 1)
	}
	last := f.placeOrder(t, u.ID, v, 1)
	score, err = scorer.Score(f.ctx, &last.Order)
	require.NoError(t, err)
	assert.Equal(t, 25, score, "seven attempts within the hour")
}

func TestProcessPayment_ChargesOnce(t *testing.T) {
	f := newFixture(t)
	u := f.user(t)
	order := f.placeOrder(t, u.ID, f.variant(t, "A", 5, "10.00"), 1)

	_, err := f.payments.ProcessPayment(f.ctx, order.Order.ID, risk(10))
	require.NoError(t, err)

	// verdict still in flight
	_, err = f.payments.ProcessPayment(f.ctx, order.Order.ID, risk(10))
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict))
	_, err = f.payments.ProcessPayment(f.ctx, order.Order.ID, risk(95))
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict), "a rejection must not overwrite a processing payment")

	assert.Equal(t, 1, f.gateway.calls)
	assert.Len(t, f.events.succeeded, 1)

	p, err := f.payments.GetPayment(f.ctx, order.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, p.Status)
	assert.Zero(t, p.Attempts)
}

func TestCancel_AfterPaymentRefunds(t *testing.T) {
	f := newFixture(t)
	u := f.user(t)
	v := f.variant(t, "A", 5, "10.00")
	order := f.placeOrder(t, u.ID, v, 2)

	_, err := f.payments.ProcessPayment(f.ctx, order.Order.ID, risk(10))
	require.NoError(t, err)
	require.NoError(t, f.payments.HandlePaymentSuccess(f.ctx, f.events.succeeded[0]))

	_, err = f.orders.Cancel(f.ctx, order.Order.ID, &u.ID, "")
	require.NoError(t, err)

	got, err := f.orders.GetOrder(f.ctx, order.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Order.Status)
	assert.Equal(t, models.PaymentStatusRefunded, got.Payment.Status)
	assert.Equal(t, 5, f.stock(t, v.ID))
}

func TestPaymentResult_AfterCancel(t *testing.T) {
	f := newFixture(t)
	u := f.user(t)
	order := f.placeOrder(t, u.ID, f.variant(t, "A", 5, "10.00"), 1)

	_, err := f.payments.ProcessPayment(f.ctx, order.Order.ID, risk(10))
	require.NoError(t, err)
	_, err = f.orders.Cancel(f.ctx, order.Order.ID, &u.ID, "")
	require.NoError(t, err)

	p, err := f.payments.GetPayment(f.ctx, order.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, p.Status)

	late := &models.PaymentFailedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentFailed),
		OrderID:   order.Order.ID,
		Reason:    "timeout",
	}
	require.NoError(t, f.payments.HandlePaymentFailed(f.ctx, late))
	p, err = f.payments.GetPayment(f.ctx, order.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, p.Status)
	assert.Zero(t, p.Attempts)

	changes := len(f.events.statusChanged)
	require.NoError(t, f.payments.HandlePaymentSuccess(f.ctx, f.events.succeeded[0]))

	got, err := f.orders.GetOrder(f.ctx, order.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Order.Status)
	assert.Equal(t, models.PaymentStatusRefunded, got.Payment.Status)
	require.NotNil(t, got.Payment.TransactionID)
	assert.Equal(t, "TXN-test", *got.Payment.TransactionID)
	assert.Len(t, f.events.statusChanged, changes)
}
