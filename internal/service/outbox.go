package service

import (
	"context"
	"fmt"

	"order-workflow/internal/models"
	"order-workflow/internal/util"

	"go.uber.org/zap"
)

const defaultRelayBatch = 100

// RelayReport summarizes one outbox relay cycle.
type RelayReport struct {
	Pending   int `json:"pending"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
}

// OutboxRelay redelivers intents queued after a failed delivery. Consumers
// deduplicate on the idempotency key, so an intent delivered twice is safe.
type OutboxRelay struct {
	outbox Outbox
	sink   IntentSink
	batch  int
	logger *zap.Logger
}

// NewOutboxRelay creates a relay handling at most batch intents per cycle
func NewOutboxRelay(outbox Outbox, sink IntentSink, batch int) *OutboxRelay {
	if batch < 1 {
		batch = defaultRelayBatch
	}
	return &OutboxRelay{
		outbox: outbox,
		sink:   sink,
		batch:  batch,
		logger: util.GetLogger(),
	}
}

// Relay runs one cycle. Intents of one order are published as one batch in
// the order they were queued. A batch that fails again stays queued for the
// next cycle.
func (r *OutboxRelay) Relay(ctx context.Context) (*RelayReport, error) {
	ctx, span := util.StartSpan(ctx, "OutboxRelay.Relay")
	defer span.End()

	entries, err := r.outbox.ListOutbox(ctx, r.batch)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}

	report := &RelayReport{Pending: len(entries)}
	for _, batch := range groupByOrder(entries) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		r.relayBatch(ctx, batch, report)
	}

	if report.Pending > 0 {
		r.logger.Info("Outbox relay finished",
			zap.Int("pending", report.Pending),
			zap.Int("delivered", report.Delivered),
			zap.Int("failed", report.Failed),
			zap.Int("dropped", report.Dropped))
	}
	return report, nil
}

func (r *OutboxRelay) relayBatch(ctx context.Context, batch []models.OutboxEntry, report *RelayReport) {
	var (
		intents []models.Intent
		ids     []string
		dropped []string
	)
	for _, e := range batch {
		intent, err := e.Intent()
		if err != nil {
			r.logger.Error("Dropping corrupt outbox entry",
				zap.String("intent_id", e.IntentID),
				zap.Int64("order_id", e.OrderID),
				zap.Error(err))
			dropped = append(dropped, e.IntentID)
			continue
		}
		intents = append(intents, intent)
		ids = append(ids, e.IntentID)
	}

	if len(dropped) > 0 {
		if err := r.outbox.DeleteOutbox(ctx, dropped); err != nil {
			r.logger.Error("Failed to delete corrupt outbox entries", zap.Error(err))
		} else {
			report.Dropped += len(dropped)
			util.OutboxRelayedTotal.WithLabelValues("dropped").Add(float64(len(dropped)))
		}
	}
	if len(intents) == 0 {
		return
	}

	if err := r.sink.Publish(ctx, intents); err != nil {
		report.Failed += len(ids)
		util.OutboxRelayedTotal.WithLabelValues("failed").Add(float64(len(ids)))
		r.logger.Warn("Outbox redelivery failed",
			zap.Int64("order_id", batch[0].OrderID),
			zap.Int("intents", len(ids)),
			zap.Error(err))
		if err := r.outbox.RecordOutboxFailure(ctx, ids, err.Error()); err != nil {
			r.logger.Error("Failed to record outbox failure", zap.Error(err))
		}
		return
	}

	if err := r.outbox.DeleteOutbox(ctx, ids); err != nil {
		// left queued; the next cycle publishes these again
		r.logger.Error("Failed to clear delivered outbox entries",
			zap.Int64("order_id", batch[0].OrderID),
			zap.Error(err))
	}
	report.Delivered += len(ids)
	util.OutboxRelayedTotal.WithLabelValues("delivered").Add(float64(len(ids)))
}

// groupByOrder splits entries into per-order batches, keeping the order in
// which each order first appears.
func groupByOrder(entries []models.OutboxEntry) [][]models.OutboxEntry {
	index := make(map[int64]int)
	var batches [][]models.OutboxEntry
	for _, e := range entries {
		i, ok := index[e.OrderID]
		if !ok {
			i = len(batches)
			index[e.OrderID] = i
			batches = append(batches, nil)
		}
		batches[i] = append(batches[i], e)
	}
	return batches
}
