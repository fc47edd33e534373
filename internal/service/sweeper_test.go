package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"order-workflow/internal/errs"
	"order-workflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timeoutChain creates shipped(72h -> returned) and returns both.
func timeoutChain(t *testing.T, h *harness) (shipped, returned *models.Status) {
	t.Helper()
	returned = h.createStatus(t, StatusInput{
		Name: "Возврат", Group: models.GroupReturned, WarehouseAction: models.WarehouseNullify,
	})
	shipped = h.createStatus(t, StatusInput{
		Name: "Отправлен", Group: models.GroupShipped,
		TimeoutHours: ptr(72), TimeoutTargetStatusID: &returned.ID,
	})
	return shipped, returned
}

func TestSweep_TransitionsAfterTimeout(t *testing.T) {
	h := newHarness(t)
	shipped, returned := timeoutChain(t, h)
	order := h.createOrder(t, item(10, 1, "990"))
	h.move(t, order.ID, shipped.ID)

	h.clock.Advance(71 * time.Hour)
	report, err := h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 1}, *report)
	assert.Equal(t, shipped.ID, h.order(t, order.ID).StatusID)

	h.clock.Advance(2 * time.Hour)
	report, err = h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 1, Due: 1, Transitioned: 1}, *report)

	stored := h.order(t, order.ID)
	assert.Equal(t, returned.ID, stored.StatusID)
	assert.Equal(t, testBase.Add(73*time.Hour), stored.LastStatusChange)
	assert.NotNil(t, stored.CanceledAt)

	history := h.history(t, order.ID)
	last := history[len(history)-1]
	assert.Equal(t, models.HistoryActionTimeoutTransition, last.Action)
	assert.Equal(t, models.ActorSystem, last.Actor)
	assert.Equal(t, TimeoutComment, last.Comment)
	assert.Equal(t, shipped.ID, *last.OldStatusID)
	assert.Equal(t, returned.ID, *last.NewStatusID)

	intents := h.sink.intents()
	require.Len(t, intents, 1)
	adjust, ok := intents[0].(*models.AdjustStockIntent)
	require.True(t, ok)
	assert.Equal(t, models.StockIncrement, adjust.Direction)
	assert.Equal(t, last.ID, adjust.HistoryEntryID)
}

func TestSweep_ExactBoundaryIsDue(t *testing.T) {
	h := newHarness(t)
	shipped, returned := timeoutChain(t, h)
	order := h.createOrder(t)
	h.move(t, order.ID, shipped.ID)

	h.clock.Advance(72 * time.Hour)
	report, err := h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transitioned)
	assert.Equal(t, returned.ID, h.order(t, order.ID).StatusID)
}

func TestSweep_NoCascadeWithinCycle(t *testing.T) {
	h := newHarness(t)
	final := h.createStatus(t, StatusInput{Name: "Отменен", Group: models.GroupCancelled})
	second := h.createStatus(t, StatusInput{
		Name: "Недозвон 2", Group: models.GroupProcessing, TimeoutHours: ptr(1), TimeoutTargetStatusID: &final.ID,
	})
	first := h.createStatus(t, StatusInput{
		Name: "Недозвон 1", Group: models.GroupProcessing, TimeoutHours: ptr(1), TimeoutTargetStatusID: &second.ID,
	})
	order := h.createOrder(t)
	h.move(t, order.ID, first.ID)

	h.clock.Advance(5 * time.Hour)
	report, err := h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transitioned)
	assert.Equal(t, second.ID, h.order(t, order.ID).StatusID)

	report, err = h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Transitioned)
	assert.Equal(t, second.ID, h.order(t, order.ID).StatusID)

	h.clock.Advance(time.Hour)
	_, err = h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, final.ID, h.order(t, order.ID).StatusID)
}

func TestSweep_InactiveTargetAllowed(t *testing.T) {
	h := newHarness(t)
	archived := h.createStatus(t, StatusInput{Name: "Архив", Group: models.GroupCancelled, IsActive: ptr(false)})
	waiting := h.createStatus(t, StatusInput{
		Name: "Ожидание", Group: models.GroupProcessing, TimeoutHours: ptr(24), TimeoutTargetStatusID: &archived.ID,
	})
	order := h.createOrder(t)
	h.move(t, order.ID, waiting.ID)

	h.clock.Advance(24 * time.Hour)
	report, err := h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transitioned)
	assert.Equal(t, archived.ID, h.order(t, order.ID).StatusID)
}

func TestSweep_PartialFailure(t *testing.T) {
	h := newHarness(t)
	shipped, returned := timeoutChain(t, h)
	broken := h.createOrder(t)
	healthy := h.createOrder(t)
	h.move(t, broken.ID, shipped.ID)
	h.move(t, healthy.ID, shipped.ID)

	h.store.OnCommit(func(tr *models.Transition) error {
		if tr.OrderID == broken.ID {
			return errors.New("disk full")
		}
		return nil
	})

	h.clock.Advance(80 * time.Hour)
	report, err := h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 2, Due: 2, Transitioned: 1, Failed: 1}, *report)

	assert.Equal(t, shipped.ID, h.order(t, broken.ID).StatusID)
	assert.Equal(t, returned.ID, h.order(t, healthy.ID).StatusID)
}

func TestSweep_SkipsOrdersMovedConcurrently(t *testing.T) {
	h := newHarness(t)
	shipped, _ := timeoutChain(t, h)
	order := h.createOrder(t)
	h.move(t, order.ID, shipped.ID)

	h.store.OnCommit(func(tr *models.Transition) error {
		return errs.NewStaleTransitionError(tr.OrderID, tr.FromStatusID, 0)
	})

	h.clock.Advance(80 * time.Hour)
	report, err := h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Failed)
}

func TestSweep_CancelledContext(t *testing.T) {
	h := newHarness(t)
	shipped, _ := timeoutChain(t, h)
	order := h.createOrder(t)
	h.move(t, order.ID, shipped.ID)
	h.clock.Advance(80 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.sweeper.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Zero(t, report.Transitioned)
	assert.Equal(t, shipped.ID, h.order(t, order.ID).StatusID)
}

func TestSweep_IgnoresStatusesWithoutTimeout(t *testing.T) {
	h := newHarness(t)
	approved := h.createStatus(t, StatusInput{Name: "Принят", Group: models.GroupApproved})
	order := h.createOrder(t)
	h.move(t, order.ID, approved.ID)

	h.clock.Advance(1000 * time.Hour)
	report, err := h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, *report)
}
