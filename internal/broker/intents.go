package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"order-workflow/internal/models"
	"order-workflow/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// IntentPublisher delivers side-effect intents to Kafka. All intents of one
// order share the key order-<id>.
type IntentPublisher struct {
	producer *Producer
}

// NewIntentPublisher creates a new intent publisher
func NewIntentPublisher(producer *Producer) *IntentPublisher {
	return &IntentPublisher{producer: producer}
}

func intentKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// Publish writes intents as one batch
func (ip *IntentPublisher) Publish(ctx context.Context, intents []models.Intent) error {
	ctx, span := util.StartSpan(ctx, "Kafka.PublishIntents")
	defer span.End()

	msgs := make([]kafka.Message, 0, len(intents))
	for _, intent := range intents {
		msg, err := Message(intentKey(intent.Base().OrderID), intent)
		if err != nil {
			return err
		}
		msg.Headers = []kafka.Header{
			{Key: "intent_type", Value: []byte(intent.Base().IntentType)},
			{Key: "idempotency_key", Value: []byte(intent.Base().IdempotencyKey)},
		}
		msgs = append(msgs, msg)
	}
	return ip.producer.Publish(ctx, msgs...)
}

// LogPublisher stands in for Kafka when no broker is configured: intents are
// only logged.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a new log publisher
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: util.GetLogger()}
}

func (lp *LogPublisher) Publish(ctx context.Context, intents []models.Intent) error {
	for _, intent := range intents {
		base := intent.Base()
		lp.logger.Info("Intent emitted",
			zap.String("intent_type", base.IntentType),
			zap.String("intent_id", base.IntentID),
			zap.String("idempotency_key", base.IdempotencyKey),
			zap.Int64("order_id", base.OrderID))
	}
	return nil
}

// IntentHandler routes consumed intents to registered callbacks. Intent
// types without a callback are acknowledged and dropped.
type IntentHandler struct {
	onSendSms           func(context.Context, *models.SendSmsIntent) error
	onAdjustStock       func(context.Context, *models.AdjustStockIntent) error
	onClassifyForDialer func(context.Context, *models.ClassifyForDialerIntent) error
	logger              *zap.Logger
}

// NewIntentHandler creates a new intent handler
func NewIntentHandler() *IntentHandler {
	return &IntentHandler{logger: util.GetLogger()}
}

// OnSendSms registers a handler for SEND_SMS intents
func (ih *IntentHandler) OnSendSms(handler func(context.Context, *models.SendSmsIntent) error) {
	ih.onSendSms = handler
}

// OnAdjustStock registers a handler for ADJUST_STOCK intents
func (ih *IntentHandler) OnAdjustStock(handler func(context.Context, *models.AdjustStockIntent) error) {
	ih.onAdjustStock = handler
}

// OnClassifyForDialer registers a handler for CLASSIFY_FOR_DIALER intents
func (ih *IntentHandler) OnClassifyForDialer(handler func(context.Context, *models.ClassifyForDialerIntent) error) {
	ih.onClassifyForDialer = handler
}

// HandleMessage routes messages to appropriate handlers
func (ih *IntentHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var base models.BaseIntent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		return fmt.Errorf("failed to unmarshal base intent: %w", err)
	}

	ih.logger.Debug("Handling intent",
		zap.String("intent_type", base.IntentType),
		zap.String("intent_id", base.IntentID))

	switch base.IntentType {
	case models.IntentTypeSendSms:
		if ih.onSendSms != nil {
			var intent models.SendSmsIntent
			if err := json.Unmarshal(msg.Value, &intent); err != nil {
				return fmt.Errorf("failed to unmarshal SendSms intent: %w", err)
			}
			return ih.onSendSms(ctx, &intent)
		}

	case models.IntentTypeAdjustStock:
		if ih.onAdjustStock != nil {
			var intent models.AdjustStockIntent
			if err := json.Unmarshal(msg.Value, &intent); err != nil {
				return fmt.Errorf("failed to unmarshal AdjustStock intent: %w", err)
			}
			return ih.onAdjustStock(ctx, &intent)
		}

	case models.IntentTypeClassifyForDialer:
		if ih.onClassifyForDialer != nil {
			var intent models.ClassifyForDialerIntent
			if err := json.Unmarshal(msg.Value, &intent); err != nil {
				return fmt.Errorf("failed to unmarshal ClassifyForDialer intent: %w", err)
			}
			return ih.onClassifyForDialer(ctx, &intent)
		}

	default:
		ih.logger.Warn("Unhandled intent type", zap.String("intent_type", base.IntentType))
	}

	return nil
}
