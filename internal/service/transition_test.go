package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"order-workflow/internal/errs"
	"order-workflow/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyTransition_Success(t *testing.T) {
	h := newHarness(t)
	approved := h.createStatus(t, StatusInput{
		Name: "Принят", Group: models.GroupApproved,
		SmsTemplateID: ptr(int64(4)), WarehouseAction: models.WarehouseReserve,
	})
	order := h.createOrder(t, item(10, 2, "1000"))

	h.clock.Advance(time.Hour)
	res, err := h.orders.ApplyTransition(context.Background(), TransitionRequest{
		OrderID:        order.ID,
		TargetStatusID: approved.ID,
		Actor:          "operator-7",
		Comment:        "  клиент подтвердил ",
	})
	require.NoError(t, err)

	at := testBase.Add(time.Hour)
	assert.Equal(t, approved.ID, res.Order.StatusID)
	assert.Equal(t, at, res.Order.LastStatusChange)
	require.NotNil(t, res.Order.ApprovedAt)
	assert.Equal(t, at, *res.Order.ApprovedAt)

	assert.Equal(t, models.HistoryActionStatusChanged, res.Entry.Action)
	assert.Equal(t, "operator-7", res.Entry.Actor)
	assert.Equal(t, "клиент подтвердил", res.Entry.Comment)
	assert.Equal(t, int64(0), *res.Entry.OldStatusID)
	assert.Equal(t, approved.ID, *res.Entry.NewStatusID)

	assert.Equal(t, []string{models.IntentTypeSendSms, models.IntentTypeAdjustStock}, intentTypes(res.Intents))
	assert.Equal(t, res.Intents, h.sink.intents())

	stored := h.order(t, order.ID)
	assert.Equal(t, approved.ID, stored.StatusID)
	assert.Equal(t, at, stored.LastStatusChange)

	history := h.history(t, order.ID)
	require.Len(t, history, 2)
	assert.Equal(t, models.HistoryActionOrderCreated, history[0].Action)
	assert.Equal(t, *res.Entry, history[1])
}

func TestApplyTransition_NotFound(t *testing.T) {
	h := newHarness(t)
	order := h.createOrder(t)

	_, err := h.orders.ApplyTransition(context.Background(), TransitionRequest{
		OrderID: 404, TargetStatusID: 0, Actor: "operator-7",
	})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = h.orders.ApplyTransition(context.Background(), TransitionRequest{
		OrderID: order.ID, TargetStatusID: 99, Actor: "operator-7",
	})
	var nf *errs.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "status", nf.Entity)

	assert.Len(t, h.history(t, order.ID), 1)
}

func TestApplyTransition_RequiresActor(t *testing.T) {
	h := newHarness(t)
	order := h.createOrder(t)

	_, err := h.orders.ApplyTransition(context.Background(), TransitionRequest{
		OrderID: order.ID, TargetStatusID: 0, Actor: "  ",
	})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestApplyTransition_InactiveTarget(t *testing.T) {
	h := newHarness(t)
	archived := h.createStatus(t, StatusInput{
		Name: "Архив", Group: models.GroupCancelled, IsActive: ptr(false),
	})
	order := h.createOrder(t)

	_, err := h.orders.ApplyTransition(context.Background(), TransitionRequest{
		OrderID: order.ID, TargetStatusID: archived.ID, Actor: "operator-7",
	})
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"target_status_id"}, verr.Fields())
	assert.Equal(t, int64(0), h.order(t, order.ID).StatusID)

	res, err := h.orders.ApplyTransition(context.Background(), TransitionRequest{
		OrderID: order.ID, TargetStatusID: archived.ID, Actor: models.ActorSystem,
	})
	require.NoError(t, err)
	assert.Equal(t, archived.ID, res.Order.StatusID)
	assert.NotNil(t, res.Order.CanceledAt)
}

func TestApplyTransition_GuardVeto(t *testing.T) {
	errSkipPayment := errors.New("paid requires shipped")
	guard := func(ctx context.Context, order *models.Order, from, to models.Status) error {
		if to.Group == models.GroupPaid && from.Group != models.GroupShipped {
			return errSkipPayment
		}
		return nil
	}
	h := newHarness(t, WithGuard(guard))
	shipped := h.createStatus(t, StatusInput{Name: "Отправлен", Group: models.GroupShipped})
	paid := h.createStatus(t, StatusInput{Name: "Оплачен", Group: models.GroupPaid})
	order := h.createOrder(t)

	_, err := h.orders.ApplyTransition(context.Background(), TransitionRequest{
		OrderID: order.ID, TargetStatusID: paid.ID, Actor: "operator-7",
	})
	assert.ErrorIs(t, err, errSkipPayment)
	assert.Len(t, h.history(t, order.ID), 1)

	h.move(t, order.ID, shipped.ID)
	res := h.move(t, order.ID, paid.ID)
	assert.Equal(t, paid.ID, res.Order.StatusID)
}

func TestApplyTransition_StaleExpectedStatus(t *testing.T) {
	h := newHarness(t)
	approved := h.createStatus(t, StatusInput{Name: "Принят", Group: models.GroupApproved})
	order := h.createOrder(t)
	h.move(t, order.ID, approved.ID)

	_, err := h.orders.ApplyTransition(context.Background(), TransitionRequest{
		OrderID: order.ID, TargetStatusID: 0, Actor: "operator-7", ExpectedStatusID: ptr(int64(0)),
	})
	var stale *errs.StaleTransitionError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, approved.ID, stale.Actual)
	assert.Equal(t, approved.ID, h.order(t, order.ID).StatusID)
}

func TestApplyTransition_MilestonesKeepFirstEntry(t *testing.T) {
	h := newHarness(t)
	approved := h.createStatus(t, StatusInput{Name: "Принят", Group: models.GroupApproved})
	shipped := h.createStatus(t, StatusInput{Name: "Отправлен", Group: models.GroupShipped})

	order := h.createOrder(t)
	h.move(t, order.ID, approved.ID)
	h.clock.Advance(24 * time.Hour)
	h.move(t, order.ID, shipped.ID)
	h.clock.Advance(24 * time.Hour)
	res := h.move(t, order.ID, approved.ID)

	require.NotNil(t, res.Order.ApprovedAt)
	assert.Equal(t, testBase, *res.Order.ApprovedAt)
	require.NotNil(t, res.Order.ShippedAt)
	assert.Equal(t, testBase.Add(24*time.Hour), *res.Order.ShippedAt)
	assert.Nil(t, res.Order.CanceledAt)

	stored := h.order(t, order.ID)
	assert.Equal(t, res.Order.ApprovedAt, stored.ApprovedAt)
	assert.Equal(t, res.Order.ShippedAt, stored.ShippedAt)
}

func TestApplyTransition_SmsOnlyOnFirstEntry(t *testing.T) {
	h := newHarness(t)
	approved := h.createStatus(t, StatusInput{
		Name: "Принят", Group: models.GroupApproved, SmsTemplateID: ptr(int64(4)),
	})
	order := h.createOrder(t)

	first := h.move(t, order.ID, approved.ID)
	assert.Len(t, first.Intents, 1)

	h.move(t, order.ID, 0)
	again := h.move(t, order.ID, approved.ID)
	assert.Empty(t, again.Intents)
	assert.Len(t, h.sink.intents(), 1)
}

func TestApplyTransition_DeliveryRetries(t *testing.T) {
	h := newHarness(t)
	approved := h.createStatus(t, StatusInput{Name: "Принят", Group: models.GroupApproved, CallModeType: models.CallModeReconfirm})
	order := h.createOrder(t)

	h.sink.failures = 2
	res := h.move(t, order.ID, approved.ID)

	assert.Equal(t, 3, h.sink.attempts)
	assert.Equal(t, res.Intents, h.sink.intents())
}

func TestApplyTransition_DeliveryFailureKeepsTransition(t *testing.T) {
	h := newHarness(t)
	approved := h.createStatus(t, StatusInput{Name: "Принят", Group: models.GroupApproved, CallModeType: models.CallModeReconfirm})
	order := h.createOrder(t)

	h.sink.failures = 10
	res, err := h.orders.ApplyTransition(context.Background(), TransitionRequest{
		OrderID: order.ID, TargetStatusID: approved.ID, Actor: "operator-7",
	})
	require.NoError(t, err)
	assert.Len(t, res.Intents, 1)

	assert.Equal(t, 3, h.sink.attempts)
	assert.Empty(t, h.sink.intents())
	assert.Equal(t, approved.ID, h.order(t, order.ID).StatusID)
	assert.Len(t, h.history(t, order.ID), 2)

	queued, err := h.store.ListOutbox(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, res.Intents[0].Base().IntentID, queued[0].IntentID)
	assert.Equal(t, res.Intents[0].Base().IdempotencyKey, queued[0].IdempotencyKey)
	assert.Equal(t, "broker unavailable", queued[0].LastError)
}

func TestApplyTransition_UndeliveredIntentsRelayedLater(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	approved := h.createStatus(t, StatusInput{
		Name: "Принят", Group: models.GroupApproved,
		SmsTemplateID: ptr(int64(4)), WarehouseAction: models.WarehouseReserve,
	})
	order := h.createOrder(t, item(10, 2, "1000"))
	relay := NewOutboxRelay(h.store, h.sink, 10)

	h.sink.fail(100)
	res := h.move(t, order.ID, approved.ID)
	require.Len(t, res.Intents, 2)
	assert.Empty(t, h.sink.intents())

	// broker still down: the cycle fails and the intents stay queued
	report, err := relay.Relay(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RelayReport{Pending: 2, Failed: 2}, report)

	queued, err := h.store.ListOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, 2, queued[0].Attempts)

	h.sink.fail(0)
	report, err = relay.Relay(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RelayReport{Pending: 2, Delivered: 2}, report)

	delivered := h.sink.intents()
	require.Len(t, delivered, 2)
	assert.ElementsMatch(t, intentIDs(res.Intents), intentIDs(delivered))
	for _, intent := range delivered {
		assert.Equal(t, res.Intents[0].Base().IdempotencyKey, intent.Base().IdempotencyKey)
	}
	stock, ok := findIntent[*models.AdjustStockIntent](delivered)
	require.True(t, ok)
	assert.Equal(t, 2, stock.TotalQuantity())

	queued, err = h.store.ListOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, queued)

	report, err = relay.Relay(ctx)
	require.NoError(t, err)
	assert.Equal(t, &RelayReport{}, report)
}

func TestApplyTransition_DeliversAfterReleasingLock(t *testing.T) {
	h := newHarness(t)
	approved := h.createStatus(t, StatusInput{Name: "Принят", Group: models.GroupApproved, CallModeType: models.CallModeNew})
	order := h.createOrder(t)

	var lockErr error
	h.sink.onPublish = func([]models.Intent) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		unlock, err := h.orders.locker.Lock(ctx, order.ID)
		if err == nil {
			unlock()
		}
		lockErr = err
	}

	h.move(t, order.ID, approved.ID)
	assert.NoError(t, lockErr)
	assert.Len(t, h.sink.intents(), 1)
}

func TestApplyTransition_SmsOnFirstEntryIntoRecreatedStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := h.createStatus(t, StatusInput{Name: "Старый", Group: models.GroupApproved})
	order := h.createOrder(t)

	h.move(t, order.ID, old.ID)
	h.move(t, order.ID, 0)
	require.NoError(t, h.registry.DeleteStatus(ctx, testProject, old.ID))

	fresh := h.createStatus(t, StatusInput{Name: "Новый", Group: models.GroupApproved, SmsTemplateID: ptr(int64(9))})
	assert.NotEqual(t, old.ID, fresh.ID)

	res := h.move(t, order.ID, fresh.ID)
	sms, ok := findIntent[*models.SendSmsIntent](res.Intents)
	require.True(t, ok)
	assert.Equal(t, int64(9), sms.TemplateID)

	// history still names the deleted status
	history := h.history(t, order.ID)
	require.Len(t, history, 4)
	assert.True(t, history[1].EntersStatus(old.ID))
	assert.False(t, history[1].EntersStatus(fresh.ID))
}

func TestApplyTransition_ReserveThenNullifyNetsToZero(t *testing.T) {
	h := newHarness(t)
	approved := h.createStatus(t, StatusInput{Name: "Принят", Group: models.GroupApproved, WarehouseAction: models.WarehouseReserve})
	returned := h.createStatus(t, StatusInput{Name: "Возврат", Group: models.GroupReturned, WarehouseAction: models.WarehouseNullify})
	order := h.createOrder(t, item(10, 2, "1000"), item(11, 1, "500"))

	h.move(t, order.ID, approved.ID)
	h.move(t, order.ID, returned.ID)

	ledger := map[int64]int{}
	var adjustments int
	for _, intent := range h.sink.intents() {
		adjust, ok := intent.(*models.AdjustStockIntent)
		if !ok {
			continue
		}
		adjustments++
		for _, line := range adjust.Lines {
			ledger[line.ProductID] += line.Delta(adjust.Direction)
		}
	}
	assert.Equal(t, 2, adjustments)
	assert.Equal(t, map[int64]int{10: 0, 11: 0}, ledger)
}

func TestApplyTransition_ConcurrentTransitionsSerialize(t *testing.T) {
	h := newHarness(t)
	var targets []int64
	for i := 0; i < 5; i++ {
		s := h.createStatus(t, StatusInput{Name: fmt.Sprintf("Этап %d", i), Group: models.GroupApproved})
		targets = append(targets, s.ID)
	}
	order := h.createOrder(t)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(target int64) {
			defer wg.Done()
			_, err := h.orders.ApplyTransition(context.Background(), TransitionRequest{
				OrderID: order.ID, TargetStatusID: target, Actor: "operator-7",
			})
			assert.NoError(t, err)
		}(targets[i%len(targets)])
	}
	wg.Wait()

	history := h.history(t, order.ID)
	require.Len(t, history, 41)
	for i := 1; i < len(history); i++ {
		require.NotNil(t, history[i].OldStatusID)
		assert.Equal(t, *history[i-1].NewStatusID, *history[i].OldStatusID, "entry %d", i)
	}
	assert.Equal(t, *history[len(history)-1].NewStatusID, h.order(t, order.ID).StatusID)
}

func TestApplyTransition_CommitFaultAppliesNothing(t *testing.T) {
	h := newHarness(t)
	approved := h.createStatus(t, StatusInput{Name: "Принят", Group: models.GroupApproved, CallModeType: models.CallModeNew})
	order := h.createOrder(t)

	h.store.OnCommit(func(*models.Transition) error {
		return errors.New("connection reset")
	})
	_, err := h.orders.ApplyTransition(context.Background(), TransitionRequest{
		OrderID: order.ID, TargetStatusID: approved.ID, Actor: "operator-7",
	})
	require.Error(t, err)

	stored := h.order(t, order.ID)
	assert.Equal(t, int64(0), stored.StatusID)
	assert.Equal(t, testBase, stored.LastStatusChange)
	assert.Nil(t, stored.ApprovedAt)
	assert.Len(t, h.history(t, order.ID), 1)
	assert.Empty(t, h.sink.intents())
}

func TestCreateOrder(t *testing.T) {
	h := newHarness(t)

	order := h.createOrder(t, item(10, 2, "1000.25"), item(11, 1, "500"))

	assert.NotZero(t, order.ID)
	assert.Equal(t, models.InitialStatusID, order.StatusID)
	assert.True(t, decimal.RequireFromString("2500.50").Equal(order.TotalAmount), order.TotalAmount.String())
	assert.Equal(t, testBase, order.LastStatusChange)
	require.Len(t, order.Items, 2)

	history := h.history(t, order.ID)
	require.Len(t, history, 1)
	assert.Equal(t, models.HistoryActionOrderCreated, history[0].Action)
	assert.Equal(t, "landing", history[0].Actor)
	assert.Nil(t, history[0].OldStatusID)
	assert.True(t, history[0].EntersStatus(0))
}

func TestCreateOrder_DefaultsActorToSystem(t *testing.T) {
	h := newHarness(t)

	order, err := h.orders.CreateOrder(context.Background(), testProject, CreateOrderInput{CustomerName: "Иван"}, "")
	require.NoError(t, err)

	history := h.history(t, order.ID)
	require.Len(t, history, 1)
	assert.Equal(t, models.ActorSystem, history[0].Actor)
}

func TestCreateOrder_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.orders.CreateOrder(context.Background(), testProject, CreateOrderInput{
		CustomerName: " ",
		Items: []OrderItemInput{
			item(10, 0, "100"),
			item(0, 1, "-1"),
		},
	}, "landing")

	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{
		"customer_name", "items[0].quantity", "items[1].product_id", "items[1].price",
	}, verr.Fields())
}

func TestCreateOrder_DispatchesInitialStatus(t *testing.T) {
	h := newHarness(t)
	_, err := h.registry.UpdateStatus(context.Background(), testProject, 0, StatusPatch{
		CallModeType: ptr(models.CallModeNew),
	})
	require.NoError(t, err)

	order := h.createOrder(t)

	intents := h.sink.intents()
	require.Len(t, intents, 1)
	dialer, ok := intents[0].(*models.ClassifyForDialerIntent)
	require.True(t, ok)
	assert.Equal(t, models.CallModeNew, dialer.CallMode)
	assert.Equal(t, order.ID, dialer.OrderID)
	assert.Equal(t, int64(0), dialer.StatusID)
	assert.Equal(t, h.history(t, order.ID)[0].ID, dialer.HistoryEntryID)
}

func TestCreateOrder_SeedsUnknownProject(t *testing.T) {
	h := newHarness(t)

	order, err := h.orders.CreateOrder(context.Background(), 77, CreateOrderInput{CustomerName: "Иван"}, "landing")
	require.NoError(t, err)
	assert.Equal(t, int64(77), order.ProjectID)

	statuses, err := h.registry.ListStatuses(context.Background(), 77)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, models.InitialStatusID, statuses[0].ID)
}

func TestGetOrderForWebmaster(t *testing.T) {
	h := newHarness(t)
	hidden := h.createStatus(t, StatusInput{Name: "Проверка", Group: models.GroupProcessing, HideFromWebmaster: true})
	order := h.createOrder(t)

	got, err := h.orders.GetOrderForWebmaster(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	h.move(t, order.ID, hidden.ID)
	_, err = h.orders.GetOrderForWebmaster(context.Background(), order.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = h.orders.GetOrder(context.Background(), order.ID)
	assert.NoError(t, err)
}

func TestAddComment(t *testing.T) {
	h := newHarness(t)
	order := h.createOrder(t)

	h.clock.Advance(time.Minute)
	entry, err := h.orders.AddComment(context.Background(), order.ID, "operator-7", " перезвонить завтра ")
	require.NoError(t, err)
	assert.Equal(t, models.HistoryActionCommentAdded, entry.Action)
	assert.Equal(t, "перезвонить завтра", entry.Comment)
	assert.Nil(t, entry.NewStatusID)

	history := h.history(t, order.ID)
	require.Len(t, history, 2)
	assert.Equal(t, *entry, history[1])

	stored := h.order(t, order.ID)
	assert.Equal(t, int64(0), stored.StatusID)
	assert.Equal(t, testBase, stored.LastStatusChange)

	_, err = h.orders.AddComment(context.Background(), order.ID, "operator-7", "")
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = h.orders.AddComment(context.Background(), 404, "operator-7", "привет")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestListHistory_UnknownOrder(t *testing.T) {
	h := newHarness(t)

	_, err := h.orders.ListHistory(context.Background(), 404)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
