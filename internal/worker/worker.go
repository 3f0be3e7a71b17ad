package worker

import (
	"context"

	"shop-core/internal/apperrors"
	"shop-core/internal/broker"
	"shop-core/internal/models"
	"shop-core/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentApplier is the subset of the payment service the order worker needs
type PaymentApplier interface {
	HandlePaymentSuccess(ctx context.Context, event *models.PaymentSuccessEvent) error
	HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// PaymentProcessor charges an order's payment
type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, orderID uuid.UUID, riskScore *int) (*models.Payment, error)
}

// OrderWorker applies gateway verdicts to orders
type OrderWorker struct {
	source       broker.Source
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewOrderWorker creates a new order worker
func NewOrderWorker(source broker.Source, payments PaymentApplier) *OrderWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnPaymentSuccess(payments.HandlePaymentSuccess)
	eventHandler.OnPaymentFailed(payments.HandlePaymentFailed)

	return &OrderWorker{
		source:       source,
		eventHandler: eventHandler,
		logger:       util.Component("order-worker"),
	}
}

// Start blocks consuming until ctx is cancelled
func (w *OrderWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting order worker")
	return w.source.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *OrderWorker) Stop() error {
	w.logger.Info("Stopping order worker")
	return w.source.Close()
}

// PaymentWorker hands every new order to the payment gateway
type PaymentWorker struct {
	source       broker.Source
	eventHandler *broker.EventHandler
	payments     PaymentProcessor
	logger       *zap.Logger
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(source broker.Source, payments PaymentProcessor) *PaymentWorker {
	pw := &PaymentWorker{
		source:       source,
		eventHandler: broker.NewEventHandler(),
		payments:     payments,
		logger:       util.Component("payment-worker"),
	}
	pw.eventHandler.OnOrderCreated(pw.handleOrderCreated)
	return pw
}

// handleOrderCreated charges the order. Rejections and orders that are no longer
// awaiting payment are final and acknowledged; anything else is retried.
func (pw *PaymentWorker) handleOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	pw.logger.Info("Processing payment for order",
		zap.String("order_id", event.OrderID.String()),
		zap.String("order_number", event.OrderNumber))

	_, err := pw.payments.ProcessPayment(ctx, event.OrderID, nil)
	switch {
	case err == nil:
		return nil
	case apperrors.Is(err, apperrors.CodePaymentRejected), apperrors.Is(err, apperrors.CodeConflict):
		pw.logger.Warn("Payment not attempted",
			zap.String("order_id", event.OrderID.String()),
			zap.Error(err))
		return nil
	}
	return err
}

// Start starts the payment worker
func (pw *PaymentWorker) Start(ctx context.Context) error {
	pw.logger.Info("Starting payment worker")
	return pw.source.StartConsuming(ctx, pw.eventHandler.HandleMessage)
}

// Stop stops the payment worker
func (pw *PaymentWorker) Stop() error {
	pw.logger.Info("Stopping payment worker")
	return pw.source.Close()
}
