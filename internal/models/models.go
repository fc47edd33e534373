package models

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InitialStatusID is the reserved "processing" status every order starts in.
const InitialStatusID int64 = 0

// ActorSystem attributes history entries written by the engine itself.
const ActorSystem = "system"

// History actions
const (
	HistoryActionOrderCreated      = "order_created"
	HistoryActionStatusChanged     = "status_changed"
	HistoryActionTimeoutTransition = "status_changed_by_timeout"
	HistoryActionCommentAdded      = "comment_added"
)

// Status is a named, ordered classification an order can occupy.
type Status struct {
	ProjectID             int64           `db:"project_id" json:"project_id"`
	ID                    int64           `db:"id" json:"id"`
	Name                  string          `db:"name" json:"name"`
	Group                 StatusGroup     `db:"group_key" json:"group"`
	SortOrder             int             `db:"sort_order" json:"sort_order"`
	HideFromWebmaster     bool            `db:"hide_from_webmaster" json:"hide_from_webmaster"`
	SmsTemplateID         *int64          `db:"sms_template_id" json:"sms_template_id,omitempty"`
	AlwaysSendSms         bool            `db:"always_send_sms" json:"always_send_sms"`
	TimeoutHours          *int            `db:"timeout_hours" json:"timeout_hours,omitempty"`
	TimeoutTargetStatusID *int64          `db:"timeout_target_status_id" json:"timeout_target_status_id,omitempty"`
	WarehouseAction       WarehouseAction `db:"warehouse_action" json:"warehouse_action"`
	CallModeType          CallMode        `db:"call_mode_type" json:"call_mode_type,omitempty"`
	ContainerID           *int64          `db:"container_id" json:"container_id,omitempty"`
	PostKeywords          string          `db:"post_keywords" json:"post_keywords,omitempty"`
	IsActive              bool            `db:"is_active" json:"is_active"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

// HasTimeout reports whether orders in this status auto-transition.
func (s *Status) HasTimeout() bool {
	return s.TimeoutHours != nil && *s.TimeoutHours > 0 && s.TimeoutTargetStatusID != nil
}

// Timeout is the configured dwell time, zero when the status has none.
func (s *Status) Timeout() time.Duration {
	if !s.HasTimeout() {
		return 0
	}
	return time.Duration(*s.TimeoutHours) * time.Hour
}

// Keywords splits PostKeywords on commas, dropping blanks.
func (s *Status) Keywords() []string {
	var out []string
	for _, kw := range strings.Split(s.PostKeywords, ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// StatusSet is a snapshot of one project's statuses keyed by id.
type StatusSet map[int64]Status

func NewStatusSet(statuses []Status) StatusSet {
	set := make(StatusSet, len(statuses))
	for _, s := range statuses {
		set[s.ID] = s
	}
	return set
}

func (ss StatusSet) Get(id int64) (Status, bool) {
	s, ok := ss[id]
	return s, ok
}

// Sorted returns the statuses by ascending sort order.
func (ss StatusSet) Sorted() []Status {
	out := make([]Status, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	SortStatuses(out)
	return out
}

// SortStatuses orders statuses by sort_order, then id.
func SortStatuses(statuses []Status) {
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].SortOrder != statuses[j].SortOrder {
			return statuses[i].SortOrder < statuses[j].SortOrder
		}
		return statuses[i].ID < statuses[j].ID
	})
}

// StatusContainer groups statuses for display only.
type StatusContainer struct {
	ProjectID     int64     `db:"project_id" json:"project_id"`
	ID            int64     `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Description   string    `db:"description" json:"description,omitempty"`
	StatusesCount int       `db:"statuses_count" json:"statuses_count"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Order represents a customer order
type Order struct {
	ID               int64           `db:"id" json:"id"`
	ProjectID        int64           `db:"project_id" json:"project_id"`
	StatusID         int64           `db:"status_id" json:"status_id"`
	CustomerName     string          `db:"customer_name" json:"customer_name"`
	CustomerPhone    string          `db:"customer_phone" json:"customer_phone"`
	TotalAmount      decimal.Decimal `db:"total_amount" json:"total_amount"`
	LastStatusChange time.Time       `db:"last_status_change" json:"last_status_change"`
	ApprovedAt       *time.Time      `db:"approved_at" json:"approved_at,omitempty"`
	ShippedAt        *time.Time      `db:"shipped_at" json:"shipped_at,omitempty"`
	CanceledAt       *time.Time      `db:"canceled_at" json:"canceled_at,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
	Items            []OrderItem     `db:"-" json:"items"`
}

// ApplyMilestone stamps the first entry into the approved, shipped and
// cancellation-like groups. Later entries keep the original timestamp.
func (o *Order) ApplyMilestone(group StatusGroup, at time.Time) {
	stamp := func(dst **time.Time) {
		if *dst == nil {
			t := at
			*dst = &t
		}
	}
	switch group {
	case GroupApproved:
		stamp(&o.ApprovedAt)
	case GroupShipped:
		stamp(&o.ShippedAt)
	case GroupCancelled, GroupReturned, GroupSpam:
		stamp(&o.CanceledAt)
	}
}

// OrderItem represents items in an order
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   int64           `db:"order_id" json:"order_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	Price     decimal.Decimal `db:"price" json:"price"`
}

// HistoryEntry is one immutable row of an order's audit log.
type HistoryEntry struct {
	ID          int64     `db:"id" json:"id"`
	OrderID     int64     `db:"order_id" json:"order_id"`
	Action      string    `db:"action" json:"action"`
	Actor       string    `db:"actor" json:"actor"`
	OldStatusID *int64    `db:"old_status_id" json:"old_status_id,omitempty"`
	NewStatusID *int64    `db:"new_status_id" json:"new_status_id,omitempty"`
	Comment     string    `db:"comment" json:"comment,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// EntersStatus reports whether the entry moved the order into statusID.
func (h *HistoryEntry) EntersStatus(statusID int64) bool {
	return h.NewStatusID != nil && *h.NewStatusID == statusID
}

// Transition is the unit of work committed atomically by an order store:
// one history append plus the order's status update.
type Transition struct {
	OrderID      int64
	FromStatusID int64
	ToStatusID   int64
	ToGroup      StatusGroup
	Action       string
	Actor        string
	Comment      string
	At           time.Time
}

// Entry builds the history row recorded for t.
func (t *Transition) Entry() *HistoryEntry {
	from, to := t.FromStatusID, t.ToStatusID
	return &HistoryEntry{
		OrderID:     t.OrderID,
		Action:      t.Action,
		Actor:       t.Actor,
		OldStatusID: &from,
		NewStatusID: &to,
		Comment:     t.Comment,
		CreatedAt:   t.At,
	}
}
