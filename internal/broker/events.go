package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"commerce-service/internal/models"
	"commerce-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// MessageWriter puts an encoded envelope on the bus.
type MessageWriter interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	source string
	writer MessageWriter
}

// NewEventPublisher creates a publisher stamping envelopes with source.
func NewEventPublisher(source string, writer MessageWriter) *EventPublisher {
	return &EventPublisher{source: source, writer: writer}
}

// NewEnvelope wraps payload with a fresh event id. The correlation id is taken
// from ctx, or generated.
func NewEnvelope(ctx context.Context, source, eventType string, payload interface{}) (*models.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &models.Envelope{
		ID:            uuid.New().String(),
		Type:          eventType,
		Source:        source,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: util.EnsureCorrelationID(ctx),
		Payload:       raw,
	}, nil
}

// Publish wraps payload in an envelope and writes it keyed by the event id.
func (ep *EventPublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	env, err := NewEnvelope(ctx, ep.source, eventType, payload)
	if err != nil {
		return err
	}

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := ep.writer.Publish(ctx, env.ID, value); err != nil {
		util.EventsPublishedTotal.WithLabelValues(eventType, "error").Inc()
		return err
	}

	util.EventsPublishedTotal.WithLabelValues(eventType, "ok").Inc()
	util.Logger(ctx).Info("Published event",
		zap.String("event_id", env.ID),
		zap.String("event_type", eventType))
	return nil
}

// HandlerFunc handles one decoded envelope.
type HandlerFunc func(ctx context.Context, env *models.Envelope) error

// ProcessedStore remembers envelopes a consumer group already handled.
type ProcessedStore interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string) error
}

// EventHandler routes envelopes to handlers by type.
type EventHandler struct {
	handlers  map[string]HandlerFunc
	processed ProcessedStore
}

// NewEventHandler creates a new event handler. processed may be nil.
func NewEventHandler(processed ProcessedStore) *EventHandler {
	return &EventHandler{
		handlers:  make(map[string]HandlerFunc),
		processed: processed,
	}
}

// On registers fn for eventType
func (eh *EventHandler) On(eventType string, fn HandlerFunc) {
	eh.handlers[eventType] = fn
}

// HandleMessage adapts Dispatch to the consumer loop.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return eh.Dispatch(ctx, msg.Value)
}

// Dispatch decodes an envelope and runs its handler. Unknown types are ignored.
// An envelope id already recorded as processed is skipped.
func (eh *EventHandler) Dispatch(ctx context.Context, value []byte) error {
	var env models.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		util.EventsConsumedTotal.WithLabelValues("unknown", "malformed").Inc()
		return fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	if env.CorrelationID != "" {
		ctx = util.WithCorrelationID(ctx, env.CorrelationID)
	}
	ctx, span := util.StartSpan(ctx, "consume "+env.Type,
		attribute.String("event.id", env.ID),
		attribute.String("event.type", env.Type))
	defer span.End()

	logger := util.Logger(ctx).With(
		zap.String("event_id", env.ID),
		zap.String("event_type", env.Type),
		zap.String("source", env.Source))

	handler, ok := eh.handlers[env.Type]
	if !ok {
		util.EventsConsumedTotal.WithLabelValues(env.Type, "ignored").Inc()
		logger.Debug("Ignoring unhandled event type")
		return nil
	}

	if eh.processed != nil && env.ID != "" {
		done, err := eh.processed.IsProcessed(ctx, env.ID)
		if err != nil {
			logger.Warn("Processed-event lookup failed, handling anyway", zap.Error(err))
		} else if done {
			util.EventsConsumedTotal.WithLabelValues(env.Type, "duplicate").Inc()
			logger.Info("Skipping already processed event")
			return nil
		}
	}

	if err := handler(ctx, &env); err != nil {
		util.RecordError(span, err)
		util.EventsConsumedTotal.WithLabelValues(env.Type, "error").Inc()
		return fmt.Errorf("handle %s %s: %w", env.Type, env.ID, err)
	}

	if eh.processed != nil && env.ID != "" {
		if err := eh.processed.MarkProcessed(ctx, env.ID, env.Type); err != nil {
			logger.Warn("Failed to mark event processed", zap.Error(err))
		}
	}
	util.EventsConsumedTotal.WithLabelValues(env.Type, "ok").Inc()
	return nil
}
