package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutboxEntry is an intent whose delivery failed. It stays in the outbox
// until a relay cycle delivers it.
type OutboxEntry struct {
	IntentID       string    `db:"intent_id" json:"intent_id"`
	IntentType     string    `db:"intent_type" json:"intent_type"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
	OrderID        int64     `db:"order_id" json:"order_id"`
	Payload        []byte    `db:"payload" json:"payload"`
	Attempts       int       `db:"attempts" json:"attempts"`
	LastError      string    `db:"last_error" json:"last_error"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// NewOutboxEntry captures intent for redelivery. reason is the error of the
// failed delivery.
func NewOutboxEntry(intent Intent, reason string, at time.Time) (OutboxEntry, error) {
	payload, err := json.Marshal(intent)
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("failed to marshal intent: %w", err)
	}

	base := intent.Base()
	return OutboxEntry{
		IntentID:       base.IntentID,
		IntentType:     base.IntentType,
		IdempotencyKey: base.IdempotencyKey,
		OrderID:        base.OrderID,
		Payload:        payload,
		Attempts:       1,
		LastError:      reason,
		CreatedAt:      at,
	}, nil
}

// Intent decodes the stored payload back into its typed intent.
func (e OutboxEntry) Intent() (Intent, error) {
	return DecodeIntent(e.IntentType, e.Payload)
}

// DecodeIntent unmarshals payload into the intent type named by intentType.
func DecodeIntent(intentType string, payload []byte) (Intent, error) {
	var intent Intent
	switch intentType {
	case IntentTypeSendSms:
		intent = &SendSmsIntent{}
	case IntentTypeAdjustStock:
		intent = &AdjustStockIntent{}
	case IntentTypeClassifyForDialer:
		intent = &ClassifyForDialerIntent{}
	default:
		return nil, fmt.Errorf("unknown intent type %q", intentType)
	}

	if err := json.Unmarshal(payload, intent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s intent: %w", intentType, err)
	}
	return intent, nil
}
