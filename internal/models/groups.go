package models

// StatusGroup is one of the seven fixed stages every status belongs to.
type StatusGroup string

const (
	GroupProcessing StatusGroup = "processing"
	GroupApproved   StatusGroup = "approved"
	GroupShipped    StatusGroup = "shipped"
	GroupPaid       StatusGroup = "paid"
	GroupReturned   StatusGroup = "returned"
	GroupCancelled  StatusGroup = "cancelled"
	GroupSpam       StatusGroup = "spam"
)

// GroupInfo is the display metadata of a StatusGroup
type GroupInfo struct {
	Key         StatusGroup `json:"key"`
	Name        string      `json:"name"`
	Color       string      `json:"color"`
	Description string      `json:"description"`
}

var groupTable = [...]GroupInfo{
	{GroupProcessing, "Обработка", "#9e9e9e", "Для всех новых заказов"},
	{GroupApproved, "Принят", "#4caf50", "Для подтверждения, т.е. принятых заказов"},
	{GroupShipped, "Отправлен", "#2196f3", "Для заказов, отправленных через почту/курьеры"},
	{GroupPaid, "Оплачен", "#ff9800", "Обычно финальная стадия, для оплаченных заказов"},
	{GroupReturned, "Возврат", "#ff5722", "Отправленные заказы, не выкупленные клиентом"},
	{GroupCancelled, "Отменен", "#f44336", "Заказы, отмененные из-за недозвона или отказа клиента"},
	{GroupSpam, "Ошибка/Спам/Дубль", "#795548", "Некачественные заказы, спам, дубли"},
}

// Groups returns the group table in display order. The result is a copy.
func Groups() []GroupInfo {
	out := make([]GroupInfo, len(groupTable))
	copy(out, groupTable[:])
	return out
}

// Info returns the display metadata of g.
func (g StatusGroup) Info() (GroupInfo, bool) {
	for _, info := range groupTable {
		if info.Key == g {
			return info, true
		}
	}
	return GroupInfo{}, false
}

func (g StatusGroup) Valid() bool {
	_, ok := g.Info()
	return ok
}

// WarehouseAction is the stock side effect of entering a status.
type WarehouseAction string

const (
	WarehouseNone    WarehouseAction = "none"
	WarehouseReserve WarehouseAction = "reserve"
	WarehouseNullify WarehouseAction = "nullify"
)

func (a WarehouseAction) Valid() bool {
	switch a {
	case WarehouseNone, WarehouseReserve, WarehouseNullify:
		return true
	}
	return false
}

// CallMode tags the dialer queue that orders in a status populate.
// The empty value means the status feeds no queue.
type CallMode string

const (
	CallModeNone            CallMode = ""
	CallModeNew             CallMode = "new"
	CallModeReconfirm       CallMode = "reconfirm"
	CallModeUntilRedemption CallMode = "until_redemption"
	CallModeCustom1         CallMode = "custom_1"
	CallModeCustom2         CallMode = "custom_2"
	CallModeCustom3         CallMode = "custom_3"
)

func (m CallMode) Valid() bool {
	switch m {
	case CallModeNone, CallModeNew, CallModeReconfirm, CallModeUntilRedemption,
		CallModeCustom1, CallModeCustom2, CallModeCustom3:
		return true
	}
	return false
}
