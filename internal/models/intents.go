package models

import (
	"fmt"
	"time"
)

// Intent types
const (
	IntentTypeSendSms           = "SEND_SMS"
	IntentTypeAdjustStock       = "ADJUST_STOCK"
	IntentTypeClassifyForDialer = "CLASSIFY_FOR_DIALER"
)

// Intent describes a side effect for an external collaborator to perform.
type Intent interface {
	Base() BaseIntent
}

// BaseIntent contains common fields for all intents
type BaseIntent struct {
	IntentID       string    `json:"intent_id"`
	IntentType     string    `json:"intent_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	ProjectID      int64     `json:"project_id"`
	OrderID        int64     `json:"order_id"`
	StatusID       int64     `json:"status_id"`
	HistoryEntryID int64     `json:"history_entry_id"`
	Timestamp      time.Time `json:"timestamp"`
}

func (b BaseIntent) Base() BaseIntent {
	return b
}

// IdempotencyKey identifies the side effects of one history entry so consumers
// can drop redeliveries.
func IdempotencyKey(orderID, statusID, historyEntryID int64) string {
	return fmt.Sprintf("%d:%d:%d", orderID, statusID, historyEntryID)
}

// SendSmsIntent asks the SMS gateway to send a template to the customer.
type SendSmsIntent struct {
	BaseIntent
	TemplateID int64             `json:"template_id"`
	Phone      string            `json:"phone"`
	Variables  map[string]string `json:"variables"`
}

// StockDirection is the sign of a stock adjustment.
type StockDirection string

const (
	StockDecrement StockDirection = "decrement"
	StockIncrement StockDirection = "increment"
)

// StockLine is one product line of a stock adjustment.
type StockLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// Delta is the signed quantity for direction d.
func (l StockLine) Delta(d StockDirection) int {
	if d == StockDecrement {
		return -l.Quantity
	}
	return l.Quantity
}

// AdjustStockIntent asks the warehouse to move every line of the order.
type AdjustStockIntent struct {
	BaseIntent
	Direction StockDirection `json:"direction"`
	Lines     []StockLine    `json:"lines"`
}

// TotalQuantity sums the quantities of all lines.
func (i AdjustStockIntent) TotalQuantity() int {
	total := 0
	for _, l := range i.Lines {
		total += l.Quantity
	}
	return total
}

// ClassifyForDialerIntent routes the order into an outbound-call queue.
type ClassifyForDialerIntent struct {
	BaseIntent
	CallMode CallMode `json:"call_mode"`
}
