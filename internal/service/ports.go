package service

import (
	"context"

	"order-workflow/internal/models"
)

// StatusStore persists the per-project status registry.
//
// CreateStatus assigns the next free id and appends the status at the end of
// the sort order. DeleteStatus compacts the sort order of the remaining
// statuses so it stays a dense [0..N-1] permutation.
type StatusStore interface {
	ListStatuses(ctx context.Context, projectID int64) ([]models.Status, error)
	GetStatus(ctx context.Context, projectID, id int64) (*models.Status, error)
	CreateStatus(ctx context.Context, status *models.Status) error
	SeedStatus(ctx context.Context, status *models.Status) (bool, error)
	UpdateStatus(ctx context.Context, status *models.Status) error
	DeleteStatus(ctx context.Context, projectID, id int64) error
	SwapSortOrder(ctx context.Context, projectID, a, b int64) error
	CountOrdersWithStatus(ctx context.Context, projectID, statusID int64) (int, error)
	ListTimeoutStatuses(ctx context.Context) ([]models.Status, error)
}

// ContainerStore persists status containers. Deleting a container detaches
// its member statuses.
type ContainerStore interface {
	ListContainers(ctx context.Context, projectID int64) ([]models.StatusContainer, error)
	GetContainer(ctx context.Context, projectID, id int64) (*models.StatusContainer, error)
	CreateContainer(ctx context.Context, container *models.StatusContainer) error
	UpdateContainer(ctx context.Context, container *models.StatusContainer) error
	DeleteContainer(ctx context.Context, projectID, id int64) error
}

// OrderStore persists orders, their append-only history and the outbox of
// undelivered intents.
//
// CommitTransition appends the history entry and moves the order in one
// atomic unit of work. It fails with a StaleTransitionError when the order is
// no longer in t.FromStatusID.
type OrderStore interface {
	Outbox

	CreateOrder(ctx context.Context, order *models.Order, entry *models.HistoryEntry) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	ListOrdersWithStatus(ctx context.Context, projectID, statusID int64) ([]models.Order, error)
	CommitTransition(ctx context.Context, t *models.Transition) (*models.HistoryEntry, error)
	AppendHistory(ctx context.Context, entry *models.HistoryEntry) error
	ListHistory(ctx context.Context, orderID int64) ([]models.HistoryEntry, error)
}

// Outbox holds intents whose delivery failed until a relay cycle delivers
// them. SaveOutbox ignores an intent already queued under the same
// idempotency key and type.
type Outbox interface {
	SaveOutbox(ctx context.Context, entries []models.OutboxEntry) error
	ListOutbox(ctx context.Context, limit int) ([]models.OutboxEntry, error)
	DeleteOutbox(ctx context.Context, intentIDs []string) error
	RecordOutboxFailure(ctx context.Context, intentIDs []string, reason string) error
}

// IntentSink delivers dispatched intents to the external collaborators.
type IntentSink interface {
	Publish(ctx context.Context, intents []models.Intent) error
}

// Locker serializes writers of one order. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, orderID int64) (func(), error)
}

// TransitionGuard may veto a transition before it is committed. No guard is
// installed by default: any status may move to any other.
type TransitionGuard func(ctx context.Context, order *models.Order, from, to models.Status) error
