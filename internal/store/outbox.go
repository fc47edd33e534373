package store

import (
	"context"

	"order-workflow/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// SaveOutbox queues undelivered intents. An intent already queued under the
// same idempotency key and type is ignored.
func (s *Store) SaveOutbox(ctx context.Context, entries []models.OutboxEntry) error {
	query := `
		INSERT INTO intent_outbox (intent_id, intent_type, idempotency_key, order_id, payload,
			attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
		ON CONFLICT DO NOTHING`

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, e := range entries {
			if _, err := tx.ExecContext(ctx, query,
				e.IntentID, e.IntentType, e.IdempotencyKey, e.OrderID, string(e.Payload),
				e.Attempts, e.LastError, e.CreatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListOutbox retrieves up to limit queued intents, oldest first
func (s *Store) ListOutbox(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	entries := []models.OutboxEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT intent_id, intent_type, idempotency_key, order_id, payload, attempts, last_error, created_at
		FROM intent_outbox
		ORDER BY created_at, intent_id
		LIMIT $1`, limit)
	return entries, err
}

// DeleteOutbox removes delivered intents
func (s *Store) DeleteOutbox(ctx context.Context, intentIDs []string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM intent_outbox WHERE intent_id = ANY($1)", pq.Array(intentIDs))
	return err
}

// RecordOutboxFailure counts another failed delivery of intentIDs
func (s *Store) RecordOutboxFailure(ctx context.Context, intentIDs []string, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE intent_outbox SET attempts = attempts + 1, last_error = $2
		WHERE intent_id = ANY($1)`, pq.Array(intentIDs), reason)
	return err
}
