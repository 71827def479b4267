package service

import (
	"context"
	"fmt"

	"commerce-service/internal/broker"
	"commerce-service/internal/models"
)

// RegisterHandlers subscribes the order service to payment outcomes.
func (s *OrderService) RegisterHandlers(h *broker.EventHandler) {
	h.On(models.EventTypePaymentCompleted, s.handlePaymentCompleted)
	h.On(models.EventTypePaymentFailed, s.handlePaymentFailed)
}

func (s *OrderService) handlePaymentCompleted(ctx context.Context, env *models.Envelope) error {
	var event models.PaymentCompletedPayload
	if err := env.Decode(&event); err != nil {
		return fmt.Errorf("failed to decode %s: %w", env.Type, err)
	}
	return s.ApplyPaymentOutcome(ctx, event.OrderID, PaymentOutcome{
		Success:       true,
		UserID:        event.UserID,
		ReceiptNumber: event.ReceiptNumber,
	})
}

func (s *OrderService) handlePaymentFailed(ctx context.Context, env *models.Envelope) error {
	var event models.PaymentFailedPayload
	if err := env.Decode(&event); err != nil {
		return fmt.Errorf("failed to decode %s: %w", env.Type, err)
	}
	return s.ApplyPaymentOutcome(ctx, event.OrderID, PaymentOutcome{
		UserID: event.UserID,
		Reason: event.FailureReason,
	})
}

// RegisterHandlers subscribes the payment service to new orders.
func (s *PaymentService) RegisterHandlers(h *broker.EventHandler) {
	h.On(models.EventTypeOrderCreated, s.handleOrderCreated)
}

func (s *PaymentService) handleOrderCreated(ctx context.Context, env *models.Envelope) error {
	var event models.OrderCreatedPayload
	if err := env.Decode(&event); err != nil {
		return fmt.Errorf("failed to decode %s: %w", env.Type, err)
	}
	return s.ProcessOrderCreatedEvent(ctx, &event)
}
