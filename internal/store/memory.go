package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"order-workflow/internal/errs"
	"order-workflow/internal/models"
)

// MemoryStore is an in-process store for single-replica deployments and
// tests. It enforces the same constraints as the Postgres schema.
type MemoryStore struct {
	mu         sync.RWMutex
	statuses   map[int64]map[int64]models.Status
	containers map[int64]map[int64]models.StatusContainer
	orders     map[int64]models.Order
	history    map[int64][]models.HistoryEntry
	outbox     map[string]models.OutboxEntry

	// highest status id ever issued per project; ids of deleted statuses
	// stay referenced by history and are never issued again
	lastStatusID map[int64]int64

	nextOrderID   int64
	nextItemID    int64
	nextHistoryID int64

	now        func() time.Time
	commitHook func(t *models.Transition) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statuses:   make(map[int64]map[int64]models.Status),
		containers: make(map[int64]map[int64]models.StatusContainer),
		orders:     make(map[int64]models.Order),
		history:    make(map[int64][]models.HistoryEntry),
		outbox:     make(map[string]models.OutboxEntry),
		now:        func() time.Time { return time.Now().UTC() },

		lastStatusID: make(map[int64]int64),
	}
}

// OnCommit installs a hook that runs after a transition has been staged and
// before it is applied. A hook error aborts the commit with nothing applied,
// which lets tests inject a crash inside the unit of work.
func (m *MemoryStore) OnCommit(hook func(t *models.Transition) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitHook = hook
}

func (m *MemoryStore) project(projectID int64) map[int64]models.Status {
	p, ok := m.statuses[projectID]
	if !ok {
		p = make(map[int64]models.Status)
		m.statuses[projectID] = p
	}
	return p
}

func (m *MemoryStore) ListStatuses(ctx context.Context, projectID int64) ([]models.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Status, 0, len(m.statuses[projectID]))
	for _, s := range m.statuses[projectID] {
		out = append(out, s)
	}
	models.SortStatuses(out)
	return out, nil
}

func (m *MemoryStore) GetStatus(ctx context.Context, projectID, id int64) (*models.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.statuses[projectID][id]
	if !ok {
		return nil, errs.NewNotFoundError("status", id)
	}
	return &s, nil
}

func (m *MemoryStore) CreateStatus(ctx context.Context, status *models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.project(status.ProjectID)
	if err := m.checkStatus(p, status, -1); err != nil {
		return err
	}

	nextID, nextSort := int64(0), 0
	if last, ok := m.lastStatusID[status.ProjectID]; ok {
		nextID = last + 1
	}
	for _, s := range p {
		nextID = max(nextID, s.ID+1)
		nextSort = max(nextSort, s.SortOrder+1)
	}

	m.lastStatusID[status.ProjectID] = nextID
	status.ID = nextID
	status.SortOrder = nextSort
	status.CreatedAt = m.now()
	status.UpdatedAt = status.CreatedAt
	p[status.ID] = *status
	return nil
}

func (m *MemoryStore) SeedStatus(ctx context.Context, status *models.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.project(status.ProjectID)
	if _, ok := p[models.InitialStatusID]; ok {
		return false, nil
	}

	seeded := *status
	seeded.ID = models.InitialStatusID
	seeded.SortOrder = 0
	seeded.CreatedAt = m.now()
	seeded.UpdatedAt = seeded.CreatedAt
	p[seeded.ID] = seeded
	return true, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, status *models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.project(status.ProjectID)
	current, ok := p[status.ID]
	if !ok {
		return errs.NewNotFoundError("status", status.ID)
	}
	if err := m.checkStatus(p, status, status.ID); err != nil {
		return err
	}

	status.SortOrder = current.SortOrder
	status.CreatedAt = current.CreatedAt
	status.UpdatedAt = m.now()
	p[status.ID] = *status
	return nil
}

// checkStatus mirrors the unique name index and the foreign keys of the
// Postgres schema.
func (m *MemoryStore) checkStatus(p map[int64]models.Status, status *models.Status, selfID int64) error {
	for _, other := range p {
		if other.ID != selfID && strings.EqualFold(other.Name, status.Name) {
			return errs.NewValidationError("name", "a status with this name already exists")
		}
	}
	if t := status.TimeoutTargetStatusID; t != nil {
		if _, ok := p[*t]; !ok || *t == selfID {
			return errs.NewValidationError("timeout_target_status_id", "status does not exist")
		}
	}
	if c := status.ContainerID; c != nil {
		if _, ok := m.containers[status.ProjectID][*c]; !ok {
			return errs.NewValidationError("container_id", "container does not exist")
		}
	}
	return nil
}

func (m *MemoryStore) DeleteStatus(ctx context.Context, projectID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.project(projectID)
	deleted, ok := p[id]
	if !ok {
		return errs.NewNotFoundError("status", id)
	}

	for _, o := range m.orders {
		if o.ProjectID == projectID && o.StatusID == id {
			return errs.NewStatusInUseError(id, "still referenced")
		}
	}
	for _, s := range p {
		if s.TimeoutTargetStatusID != nil && *s.TimeoutTargetStatusID == id && s.ID != id {
			return errs.NewStatusInUseError(id, "still referenced")
		}
	}

	delete(p, id)
	for sid, s := range p {
		if s.SortOrder > deleted.SortOrder {
			s.SortOrder--
			p[sid] = s
		}
	}
	return nil
}

func (m *MemoryStore) SwapSortOrder(ctx context.Context, projectID, a, b int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.project(projectID)
	sa, ok := p[a]
	if !ok {
		return errs.NewNotFoundError("status", a)
	}
	sb, ok := p[b]
	if !ok {
		return errs.NewNotFoundError("status", b)
	}

	sa.SortOrder, sb.SortOrder = sb.SortOrder, sa.SortOrder
	sa.UpdatedAt, sb.UpdatedAt = m.now(), m.now()
	p[a], p[b] = sa, sb
	return nil
}

func (m *MemoryStore) CountOrdersWithStatus(ctx context.Context, projectID, statusID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, o := range m.orders {
		if o.ProjectID == projectID && o.StatusID == statusID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListTimeoutStatuses(ctx context.Context) ([]models.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Status
	for _, p := range m.statuses {
		for _, s := range p {
			if s.HasTimeout() {
				out = append(out, s)
			}
		}
	}
	slices.SortFunc(out, func(a, b models.Status) int {
		if a.ProjectID != b.ProjectID {
			return cmp.Compare(a.ProjectID, b.ProjectID)
		}
		return cmp.Compare(a.SortOrder, b.SortOrder)
	})
	return out, nil
}

func (m *MemoryStore) ListContainers(ctx context.Context, projectID int64) ([]models.StatusContainer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.StatusContainer, 0, len(m.containers[projectID]))
	for _, c := range m.containers[projectID] {
		c.StatusesCount = m.countMembers(projectID, c.ID)
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b models.StatusContainer) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryStore) GetContainer(ctx context.Context, projectID, id int64) (*models.StatusContainer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.containers[projectID][id]
	if !ok {
		return nil, errs.NewNotFoundError("container", id)
	}
	c.StatusesCount = m.countMembers(projectID, id)
	return &c, nil
}

func (m *MemoryStore) countMembers(projectID, containerID int64) int {
	n := 0
	for _, s := range m.statuses[projectID] {
		if s.ContainerID != nil && *s.ContainerID == containerID {
			n++
		}
	}
	return n
}

func (m *MemoryStore) CreateContainer(ctx context.Context, container *models.StatusContainer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.containers[container.ProjectID]
	if !ok {
		p = make(map[int64]models.StatusContainer)
		m.containers[container.ProjectID] = p
	}

	next := int64(1)
	for id := range p {
		next = max(next, id+1)
	}
	container.ID = next
	container.CreatedAt = m.now()
	p[container.ID] = *container
	return nil
}

func (m *MemoryStore) UpdateContainer(ctx context.Context, container *models.StatusContainer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.containers[container.ProjectID][container.ID]
	if !ok {
		return errs.NewNotFoundError("container", container.ID)
	}
	current.Name = container.Name
	current.Description = container.Description
	m.containers[container.ProjectID][container.ID] = current
	return nil
}

func (m *MemoryStore) DeleteContainer(ctx context.Context, projectID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.containers[projectID][id]; !ok {
		return errs.NewNotFoundError("container", id)
	}

	p := m.project(projectID)
	for sid, s := range p {
		if s.ContainerID != nil && *s.ContainerID == id {
			s.ContainerID = nil
			p[sid] = s
		}
	}
	delete(m.containers[projectID], id)
	return nil
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order, entry *models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.statuses[order.ProjectID][order.StatusID]; !ok {
		return fmt.Errorf("failed to insert order: %w", errs.NewInvalidStatusError(order.ProjectID, order.StatusID))
	}

	m.nextOrderID++
	order.ID = m.nextOrderID
	for i := range order.Items {
		m.nextItemID++
		order.Items[i].ID = m.nextItemID
		order.Items[i].OrderID = order.ID
	}
	m.orders[order.ID] = cloneOrder(*order)

	entry.OrderID = order.ID
	m.appendHistory(entry)
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, errs.NewNotFoundError("order", id)
	}
	o = cloneOrder(o)
	return &o, nil
}

func (m *MemoryStore) ListOrdersWithStatus(ctx context.Context, projectID, statusID int64) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.Order{}
	for _, o := range m.orders {
		if o.ProjectID == projectID && o.StatusID == statusID {
			o.Items = nil
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b models.Order) int {
		if c := a.LastStatusChange.Compare(b.LastStatusChange); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// CommitTransition stages the history entry and the order update and applies
// both under the store lock, or neither.
func (m *MemoryStore) CommitTransition(ctx context.Context, t *models.Transition) (*models.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[t.OrderID]
	if !ok {
		return nil, errs.NewNotFoundError("order", t.OrderID)
	}
	if order.StatusID != t.FromStatusID {
		return nil, errs.NewStaleTransitionError(t.OrderID, t.FromStatusID, order.StatusID)
	}
	if _, ok := m.statuses[order.ProjectID][t.ToStatusID]; !ok {
		return nil, errs.NewInvalidStatusError(order.ProjectID, t.ToStatusID)
	}

	staged := cloneOrder(order)
	staged.StatusID = t.ToStatusID
	staged.LastStatusChange = t.At
	staged.UpdatedAt = t.At
	staged.ApplyMilestone(t.ToGroup, t.At)
	entry := t.Entry()

	if m.commitHook != nil {
		if err := m.commitHook(t); err != nil {
			return nil, err
		}
	}

	m.orders[t.OrderID] = staged
	m.appendHistory(entry)
	return entry, nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, entry *models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[entry.OrderID]; !ok {
		return errs.NewNotFoundError("order", entry.OrderID)
	}
	m.appendHistory(entry)
	return nil
}

func (m *MemoryStore) appendHistory(entry *models.HistoryEntry) {
	m.nextHistoryID++
	entry.ID = m.nextHistoryID
	m.history[entry.OrderID] = append(m.history[entry.OrderID], *entry)
}

func (m *MemoryStore) ListHistory(ctx context.Context, orderID int64) ([]models.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]models.HistoryEntry{}, m.history[orderID]...), nil
}

func (m *MemoryStore) SaveOutbox(ctx context.Context, entries []models.OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		queued := false
		for _, q := range m.outbox {
			if q.IdempotencyKey == e.IdempotencyKey && q.IntentType == e.IntentType {
				queued = true
				break
			}
		}
		if !queued {
			e.Payload = slices.Clone(e.Payload)
			m.outbox[e.IntentID] = e
		}
	}
	return nil
}

func (m *MemoryStore) ListOutbox(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.OutboxEntry, 0, len(m.outbox))
	for _, e := range m.outbox {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b models.OutboxEntry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.IntentID, b.IntentID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteOutbox(ctx context.Context, intentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range intentIDs {
		delete(m.outbox, id)
	}
	return nil
}

func (m *MemoryStore) RecordOutboxFailure(ctx context.Context, intentIDs []string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range intentIDs {
		if e, ok := m.outbox[id]; ok {
			e.Attempts++
			e.LastError = reason
			m.outbox[id] = e
		}
	}
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func cloneOrder(o models.Order) models.Order {
	o.Items = slices.Clone(o.Items)
	return o
}
