package worker

import (
	"context"

	"order-workflow/internal/broker"
	"order-workflow/internal/models"
	"order-workflow/internal/util"

	"go.uber.org/zap"
)

// StockLedger applies stock adjustments idempotently
type StockLedger interface {
	AdjustStock(ctx context.Context, intent *models.AdjustStockIntent) (bool, error)
}

type messageConsumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// StockWorker is the warehouse consumer of the intent topic: it applies
// ADJUST_STOCK intents to the stock ledger and ignores the rest.
type StockWorker struct {
	consumer messageConsumer
	handler  *broker.IntentHandler
	ledger   StockLedger
	logger   *zap.Logger
}

// NewStockWorker creates a new stock worker
func NewStockWorker(consumer messageConsumer, ledger StockLedger) *StockWorker {
	w := &StockWorker{
		consumer: consumer,
		handler:  broker.NewIntentHandler(),
		ledger:   ledger,
		logger:   util.GetLogger(),
	}
	w.handler.OnAdjustStock(w.adjustStock)
	return w
}

func (w *StockWorker) adjustStock(ctx context.Context, intent *models.AdjustStockIntent) error {
	ctx, span := util.StartSpan(ctx, "StockWorker.AdjustStock")
	defer span.End()

	applied, err := w.ledger.AdjustStock(ctx, intent)
	if err != nil {
		w.logger.Error("Failed to adjust stock",
			zap.String("idempotency_key", intent.IdempotencyKey),
			zap.Error(err))
		return err
	}

	if applied {
		w.logger.Info("Stock adjusted",
			zap.Int64("order_id", intent.OrderID),
			zap.String("direction", string(intent.Direction)),
			zap.Int("quantity", intent.TotalQuantity()))
	}
	return nil
}

// Start starts the worker
func (w *StockWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting stock worker")
	return w.consumer.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop stops the worker
func (w *StockWorker) Stop() error {
	w.logger.Info("Stopping stock worker")
	return w.consumer.Close()
}
