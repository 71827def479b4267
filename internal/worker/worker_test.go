package worker

import (
	"context"
	"encoding/json"
	"testing"

	"commerce-service/internal/broker"
	"commerce-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replaySource struct {
	messages []kafka.Message
	closed   bool
}

func (s *replaySource) StartConsuming(ctx context.Context, handler broker.MessageHandler) error {
	for _, msg := range s.messages {
		if err := handler(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *replaySource) Topic() string { return "order-events" }

func (s *replaySource) Close() error {
	s.closed = true
	return nil
}

type countingService struct {
	seen []string
}

func (c *countingService) RegisterHandlers(h *broker.EventHandler) {
	h.On(models.EventTypeOrderCreated, func(_ context.Context, env *models.Envelope) error {
		c.seen = append(c.seen, env.ID)
		return nil
	})
}

type memProcessed map[string]bool

func (m memProcessed) IsProcessed(_ context.Context, id string) (bool, error) { return m[id], nil }

func (m memProcessed) MarkProcessed(_ context.Context, id, _ string) error {
	m[id] = true
	return nil
}

func message(t *testing.T, eventType string) kafka.Message {
	t.Helper()
	env, err := broker.NewEnvelope(context.Background(), "order-service", eventType,
		models.OrderCreatedPayload{OrderID: 1, UserID: 7})
	require.NoError(t, err)
	value, err := json.Marshal(env)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(env.ID), Value: value}
}

func TestWorkerDispatchesOncePerEnvelope(t *testing.T) {
	created := message(t, models.EventTypeOrderCreated)
	other := message(t, models.EventTypePaymentReceipt)
	source := &replaySource{messages: []kafka.Message{created, other, created}}
	svc := &countingService{}

	w := NewPaymentWorker(source, memProcessed{}, svc)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())

	assert.Len(t, svc.seen, 1, "redelivered envelope is skipped")
	assert.True(t, source.closed)
}
