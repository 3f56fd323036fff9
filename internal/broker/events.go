package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing storefront events. Events are keyed by
// owner so one customer's notifications stay ordered on a partition.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func ownerKey(ownerID int64) string {
	return fmt.Sprintf("owner-%d", ownerID)
}

// PublishDepositConfirmed publishes DepositConfirmed event
func (ep *EventPublisher) PublishDepositConfirmed(ctx context.Context, event *models.DepositConfirmedEvent) error {
	return ep.producer.PublishEvent(ctx, ownerKey(event.OwnerID), event)
}

// PublishOrderFulfilled publishes OrderFulfilled event
func (ep *EventPublisher) PublishOrderFulfilled(ctx context.Context, event *models.OrderFulfilledEvent) error {
	return ep.producer.PublishEvent(ctx, ownerKey(event.OwnerID), event)
}

// PublishOrderExpired publishes OrderExpired event
func (ep *EventPublisher) PublishOrderExpired(ctx context.Context, event *models.OrderExpiredEvent) error {
	return ep.producer.PublishEvent(ctx, ownerKey(event.OwnerID), event)
}

// PublishOrderFailed publishes OrderFailed event
func (ep *EventPublisher) PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error {
	return ep.producer.PublishEvent(ctx, ownerKey(event.OwnerID), event)
}

// PublishPaymentInstructionIssued publishes PaymentInstructionIssued event
func (ep *EventPublisher) PublishPaymentInstructionIssued(ctx context.Context, event *models.PaymentInstructionIssuedEvent) error {
	return ep.producer.PublishEvent(ctx, ownerKey(event.OwnerID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onInstructionIssued func(context.Context, *models.PaymentInstructionIssuedEvent) error
	logger              *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentInstructionIssued registers a handler for PaymentInstructionIssued events
func (eh *EventHandler) OnPaymentInstructionIssued(handler func(context.Context, *models.PaymentInstructionIssuedEvent) error) {
	eh.onInstructionIssued = handler
}

// HandleMessage routes messages to appropriate handlers. Events nobody
// subscribed to are acknowledged and dropped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypePaymentInstructionIssued:
		if eh.onInstructionIssued != nil {
			var event models.PaymentInstructionIssuedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentInstructionIssued event: %w", err)
			}
			return eh.onInstructionIssued(ctx, &event)
		}

	default:
		eh.logger.Debug("Ignoring event", zap.String("type", baseEvent.EventType), zap.String("id", baseEvent.EventID))
	}

	return nil
}
