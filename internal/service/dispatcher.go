package service

import (
	"order-workflow/internal/errs"
	"order-workflow/internal/models"

	"github.com/google/uuid"
)

// DispatchInput describes an order that has just entered a status.
type DispatchInput struct {
	Order    *models.Order
	Statuses models.StatusSet
	StatusID int64
	// History is the order history; Entry is the entry that recorded the
	// move into StatusID and is ignored if History also contains it.
	History []models.HistoryEntry
	Entry   *models.HistoryEntry
}

// Dispatcher translates "order entered status S" into side-effect intents.
// It holds no state and performs no I/O.
type Dispatcher struct {
	newID func() string
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{newID: func() string { return uuid.New().String() }}
}

// Dispatch returns the intents for in. An empty result is valid; a status id
// missing from in.Statuses is an InvalidStatusError.
func (d *Dispatcher) Dispatch(in DispatchInput) ([]models.Intent, error) {
	status, ok := in.Statuses.Get(in.StatusID)
	if !ok {
		return nil, errs.NewInvalidStatusError(in.Order.ProjectID, in.StatusID)
	}

	base := models.BaseIntent{
		IdempotencyKey: models.IdempotencyKey(in.Order.ID, status.ID, in.Entry.ID),
		ProjectID:      in.Order.ProjectID,
		OrderID:        in.Order.ID,
		StatusID:       status.ID,
		HistoryEntryID: in.Entry.ID,
		Timestamp:      in.Entry.CreatedAt,
	}
	stamp := func(intentType string) models.BaseIntent {
		b := base
		b.IntentID = d.newID()
		b.IntentType = intentType
		return b
	}

	var intents []models.Intent

	if status.SmsTemplateID != nil && (status.AlwaysSendSms || !isReentry(in.History, in.Entry, status.ID)) {
		intents = append(intents, &models.SendSmsIntent{
			BaseIntent: stamp(models.IntentTypeSendSms),
			TemplateID: *status.SmsTemplateID,
			Phone:      in.Order.CustomerPhone,
			Variables:  models.TemplateVariables(in.Order, &status),
		})
	}

	if dir, ok := stockDirection(status.WarehouseAction); ok && len(in.Order.Items) > 0 {
		lines := make([]models.StockLine, 0, len(in.Order.Items))
		for _, item := range in.Order.Items {
			lines = append(lines, models.StockLine{ProductID: item.ProductID, Quantity: item.Quantity})
		}
		intents = append(intents, &models.AdjustStockIntent{
			BaseIntent: stamp(models.IntentTypeAdjustStock),
			Direction:  dir,
			Lines:      lines,
		})
	}

	if status.CallModeType != models.CallModeNone {
		intents = append(intents, &models.ClassifyForDialerIntent{
			BaseIntent: stamp(models.IntentTypeClassifyForDialer),
			CallMode:   status.CallModeType,
		})
	}

	return intents, nil
}

func stockDirection(action models.WarehouseAction) (models.StockDirection, bool) {
	switch action {
	case models.WarehouseReserve:
		return models.StockDecrement, true
	case models.WarehouseNullify:
		return models.StockIncrement, true
	}
	return "", false
}

// isReentry reports whether any history entry other than current moved the
// order into statusID.
func isReentry(history []models.HistoryEntry, current *models.HistoryEntry, statusID int64) bool {
	for i := range history {
		if current != nil && history[i].ID == current.ID {
			continue
		}
		if history[i].EntersStatus(statusID) {
			return true
		}
	}
	return false
}
