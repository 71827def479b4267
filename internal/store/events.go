package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// ProcessedEvents records the envelope ids one consumer group has handled.
type ProcessedEvents struct {
	db    *sqlx.DB
	group string
}

func (s *Store) ProcessedEvents(consumerGroup string) *ProcessedEvents {
	return &ProcessedEvents{db: s.db, group: consumerGroup}
}

// IsProcessed checks if an event has been processed
func (p *ProcessedEvents) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := p.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1 AND consumer_group = $2)",
		eventID, p.group)
	return exists, err
}

// MarkProcessed marks an event as processed
func (p *ProcessedEvents) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, consumer_group, event_type) VALUES ($1, $2, $3)
		ON CONFLICT (event_id, consumer_group) DO NOTHING`,
		eventID, p.group, eventType)
	return err
}
