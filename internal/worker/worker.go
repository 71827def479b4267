package worker

import (
	"context"

	"commerce-service/internal/broker"
	"commerce-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageSource is a topic subscription; *broker.Consumer satisfies it.
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Topic() string
	Close() error
}

// Registrar attaches event handlers to a dispatcher.
type Registrar interface {
	RegisterHandlers(h *broker.EventHandler)
}

// EventWorker consumes one topic and dispatches each envelope to the handlers
// a service registered for its event type.
type EventWorker struct {
	name         string
	consumer     MessageSource
	eventHandler *broker.EventHandler
}

// NewEventWorker creates a worker named after the service it feeds.
func NewEventWorker(name string, consumer MessageSource, processed broker.ProcessedStore, services ...Registrar) *EventWorker {
	eventHandler := broker.NewEventHandler(processed)
	for _, svc := range services {
		svc.RegisterHandlers(eventHandler)
	}

	return &EventWorker{
		name:         name,
		consumer:     consumer,
		eventHandler: eventHandler,
	}
}

// NewOrderWorker feeds payment outcomes to the order service
func NewOrderWorker(consumer MessageSource, processed broker.ProcessedStore, orders Registrar) *EventWorker {
	return NewEventWorker("order-worker", consumer, processed, orders)
}

// NewPaymentWorker feeds created orders to the payment service
func NewPaymentWorker(consumer MessageSource, processed broker.ProcessedStore, payments Registrar) *EventWorker {
	return NewEventWorker("payment-worker", consumer, processed, payments)
}

// Start blocks until ctx is cancelled or the consumer fails.
func (w *EventWorker) Start(ctx context.Context) error {
	util.GetLogger().Info("Starting worker",
		zap.String("worker", w.name),
		zap.String("topic", w.consumer.Topic()))
	return w.consumer.StartConsuming(ctx, w.handle)
}

func (w *EventWorker) handle(ctx context.Context, msg kafka.Message) error {
	return w.eventHandler.HandleMessage(ctx, msg)
}

// Stop stops the worker
func (w *EventWorker) Stop() error {
	util.GetLogger().Info("Stopping worker", zap.String("worker", w.name))
	return w.consumer.Close()
}
