package db

import (
	"context"

	"rentaltrack/internal/types"
)

// WebhookEventRepository records billing provider event ids that have been
// applied, so a redelivered event can be acknowledged without side effects.
type WebhookEventRepository struct {
	db DBTX
}

// NewWebhookEventRepository creates a WebhookEventRepository backed by db.
func NewWebhookEventRepository(db DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Seen reports whether eventID has already been processed.
func (r *WebhookEventRepository) Seen(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`,
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check webhook event", err)
	}
	return exists, nil
}

// Record marks eventID as processed. Recording an id twice is a no-op.
func (r *WebhookEventRepository) Record(ctx context.Context, eventID, eventType string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_type)
		 VALUES ($1, $2)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID,
		eventType,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event", err)
	}
	return nil
}
