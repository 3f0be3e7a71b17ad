package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"shop-core/internal/models"
	"shop-core/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Sink receives encoded events
type Sink interface {
	Publish(ctx context.Context, key string, event any) error
}

// Source delivers messages to a handler until ctx is cancelled
type Source interface {
	StartConsuming(ctx context.Context, handler MessageHandler) error
	Close() error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	sink Sink
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(sink Sink) *EventPublisher {
	return &EventPublisher{sink: sink}
}

func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.sink.Publish(ctx, "order-"+event.OrderID.String(), event)
}

func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.sink.Publish(ctx, "order-"+event.OrderID.String(), event)
}

func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.sink.Publish(ctx, "order-"+event.OrderID.String(), event)
}

func (ep *EventPublisher) PublishPaymentSuccess(ctx context.Context, event *models.PaymentSuccessEvent) error {
	return ep.sink.Publish(ctx, "order-"+event.OrderID.String(), event)
}

func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.sink.Publish(ctx, "order-"+event.OrderID.String(), event)
}

// PublishAnalyticsAlert keys alerts by report so reruns of one report land together
func (ep *EventPublisher) PublishAnalyticsAlert(ctx context.Context, event *models.AnalyticsAlertEvent) error {
	key := fmt.Sprintf("report-%s-%s", event.ReportType, event.ReportDate.Format("2006-01-02"))
	return ep.sink.Publish(ctx, key, event)
}

// EventHandler routes incoming events by type
type EventHandler struct {
	onOrderCreated   func(context.Context, *models.OrderCreatedEvent) error
	onPaymentSuccess func(context.Context, *models.PaymentSuccessEvent) error
	onPaymentFailed  func(context.Context, *models.PaymentFailedEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Component("event-handler")}
}

func (eh *EventHandler) OnOrderCreated(handler func(context.Context, *models.OrderCreatedEvent) error) {
	eh.onOrderCreated = handler
}

// OnPaymentSuccess registers a handler for PaymentSuccess events
func (eh *EventHandler) OnPaymentSuccess(handler func(context.Context, *models.PaymentSuccessEvent) error) {
	eh.onPaymentSuccess = handler
}

// OnPaymentFailed registers a handler for PaymentFailed events
func (eh *EventHandler) OnPaymentFailed(handler func(context.Context, *models.PaymentFailedEvent) error) {
	eh.onPaymentFailed = handler
}

func dispatch[T any](ctx context.Context, raw []byte, handler func(context.Context, *T) error) error {
	var event T
	if err := json.Unmarshal(raw, &event); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", event, err)
	}
	return handler(ctx, &event)
}

// HandleMessage routes messages to appropriate handlers. Types without a
// registered handler are acknowledged and dropped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	log := eh.logger.With(zap.String("event_type", baseEvent.EventType), zap.String("event_id", baseEvent.EventID))

	switch {
	case baseEvent.EventType == models.EventTypeOrderCreated && eh.onOrderCreated != nil:
		log.Debug("Handling event")
		return dispatch(ctx, msg.Value, eh.onOrderCreated)
	case baseEvent.EventType == models.EventTypePaymentSuccess && eh.onPaymentSuccess != nil:
		log.Debug("Handling event")
		return dispatch(ctx, msg.Value, eh.onPaymentSuccess)
	case baseEvent.EventType == models.EventTypePaymentFailed && eh.onPaymentFailed != nil:
		log.Debug("Handling event")
		return dispatch(ctx, msg.Value, eh.onPaymentFailed)
	}

	log.Debug("Ignoring event")
	return nil
}
