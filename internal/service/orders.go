package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"order-workflow/internal/errs"
	"order-workflow/internal/models"
	"order-workflow/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultDispatchRetries = 3
	defaultDispatchBackoff = 200 * time.Millisecond
)

// OrderService creates orders and applies every status transition.
type OrderService struct {
	orders     OrderStore
	registry   *RegistryService
	dispatcher *Dispatcher
	sink       IntentSink
	locker     Locker
	guard      TransitionGuard
	now        func() time.Time
	retries    int
	backoff    time.Duration
	logger     *zap.Logger
}

// Option configures an OrderService.
type Option func(*OrderService)

// WithClock replaces the server clock used to stamp transitions.
func WithClock(now func() time.Time) Option {
	return func(s *OrderService) { s.now = now }
}

// WithGuard installs a transition guard.
func WithGuard(guard TransitionGuard) Option {
	return func(s *OrderService) { s.guard = guard }
}

// WithDispatchRetries sets how often a failed intent delivery is retried and
// the linear backoff between attempts.
func WithDispatchRetries(retries int, backoff time.Duration) Option {
	return func(s *OrderService) {
		s.retries = retries
		s.backoff = backoff
	}
}

// NewOrderService creates a new order service
func NewOrderService(
	orders OrderStore,
	registry *RegistryService,
	sink IntentSink,
	locker Locker,
	opts ...Option,
) *OrderService {
	s := &OrderService{
		orders:     orders,
		registry:   registry,
		dispatcher: NewDispatcher(),
		sink:       sink,
		locker:     locker,
		now:        func() time.Time { return time.Now().UTC() },
		retries:    defaultDispatchRetries,
		backoff:    defaultDispatchBackoff,
		logger:     util.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrderInput represents a request to create an order
type CreateOrderInput struct {
	CustomerName  string           `json:"customer_name"`
	CustomerPhone string           `json:"customer_phone"`
	Items         []OrderItemInput `json:"items"`
}

// OrderItemInput represents an item in an order
type OrderItemInput struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

func (in *CreateOrderInput) validate() error {
	v := &errs.ValidationError{}
	if strings.TrimSpace(in.CustomerName) == "" {
		v.Add("customer_name", "must not be empty")
	}
	for i, item := range in.Items {
		field := fmt.Sprintf("items[%d]", i)
		if item.ProductID <= 0 {
			v.Add(field+".product_id", "must be positive")
		}
		if item.Quantity < 1 {
			v.Add(field+".quantity", "must be at least 1")
		}
		if item.Price.IsNegative() {
			v.Add(field+".price", "must not be negative")
		}
	}
	return v.OrNil()
}

// CreateOrder places a new order in the initial status and dispatches the
// side effects of entering it. Orders without an actor are attributed to the
// system (e.g. landing page imports).
func (s *OrderService) CreateOrder(ctx context.Context, projectID int64, in CreateOrderInput, actor string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if err := in.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(actor) == "" {
		actor = models.ActorSystem
	}
	if err := s.registry.EnsureProject(ctx, projectID); err != nil {
		return nil, err
	}

	now := s.now()
	order := &models.Order{
		ProjectID:        projectID,
		StatusID:         models.InitialStatusID,
		CustomerName:     strings.TrimSpace(in.CustomerName),
		CustomerPhone:    strings.TrimSpace(in.CustomerPhone),
		TotalAmount:      decimal.Zero,
		LastStatusChange: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, item := range in.Items {
		order.Items = append(order.Items, models.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
		order.TotalAmount = order.TotalAmount.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	initial := models.InitialStatusID
	entry := &models.HistoryEntry{
		Action:      models.HistoryActionOrderCreated,
		Actor:       actor,
		NewStatusID: &initial,
		CreatedAt:   now,
	}

	if err := s.orders.CreateOrder(ctx, order, entry); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("project_id", projectID))

	statuses, err := s.registry.StatusSet(ctx, projectID)
	if err != nil {
		s.logger.Error("Failed to load statuses for dispatch", zap.Int64("order_id", order.ID), zap.Error(err))
		return order, nil
	}
	if _, err := s.dispatch(ctx, order, statuses, nil, entry); err != nil {
		return order, err
	}
	return order, nil
}

// GetOrder retrieves an order with its items.
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// GetOrderForWebmaster is GetOrder for the affiliate-facing role: orders in a
// status hidden from webmasters are reported as not found.
func (s *OrderService) GetOrderForWebmaster(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	statuses, err := s.registry.StatusSet(ctx, order.ProjectID)
	if err != nil {
		return nil, err
	}
	if status, ok := statuses.Get(order.StatusID); !ok || status.HideFromWebmaster {
		return nil, errs.NewNotFoundError("order", orderID)
	}
	return order, nil
}

// ListHistory returns the audit log of an order, oldest first.
func (s *OrderService) ListHistory(ctx context.Context, orderID int64) ([]models.HistoryEntry, error) {
	if _, err := s.orders.GetOrder(ctx, orderID); err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	history, err := s.orders.ListHistory(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return history, nil
}

// AddComment appends a comment to the order history without a status change.
func (s *OrderService) AddComment(ctx context.Context, orderID int64, actor, comment string) (*models.HistoryEntry, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.AddComment")
	defer span.End()

	v := &errs.ValidationError{}
	if strings.TrimSpace(comment) == "" {
		v.Add("comment", "must not be empty")
	}
	if strings.TrimSpace(actor) == "" {
		v.Add("actor", "must not be empty")
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock order %d: %w", orderID, err)
	}
	defer unlock()

	if _, err := s.orders.GetOrder(ctx, orderID); err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	entry := &models.HistoryEntry{
		OrderID:   orderID,
		Action:    models.HistoryActionCommentAdded,
		Actor:     actor,
		Comment:   strings.TrimSpace(comment),
		CreatedAt: s.now(),
	}
	if err := s.orders.AppendHistory(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append history: %w", err)
	}
	return entry, nil
}

// dispatch computes the intents of entry and delivers them. Delivery failures
// are logged and counted; only a dispatcher fault is returned.
func (s *OrderService) dispatch(
	ctx context.Context,
	order *models.Order,
	statuses models.StatusSet,
	history []models.HistoryEntry,
	entry *models.HistoryEntry,
) ([]models.Intent, error) {
	intents, err := s.dispatcher.Dispatch(DispatchInput{
		Order:    order,
		Statuses: statuses,
		StatusID: *entry.NewStatusID,
		History:  history,
		Entry:    entry,
	})
	if err != nil {
		s.logger.Error("Side-effect dispatch failed",
			zap.Int64("order_id", order.ID),
			zap.Int64("status_id", *entry.NewStatusID),
			zap.Error(err))
		return nil, fmt.Errorf("transition committed but dispatch failed: %w", err)
	}

	for _, intent := range intents {
		util.IntentsEmittedTotal.WithLabelValues(intent.Base().IntentType).Inc()
	}
	if len(intents) > 0 {
		s.deliver(ctx, order.ID, intents)
	}
	return intents, nil
}

// deliver publishes intents, retrying inline. Intents still undelivered are
// queued in the outbox for the relay.
func (s *OrderService) deliver(ctx context.Context, orderID int64, intents []models.Intent) bool {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, s.backoff*time.Duration(attempt)) {
			break
		}

		if err = s.sink.Publish(ctx, intents); err == nil {
			return true
		}
		s.logger.Warn("Intent delivery failed",
			zap.Int64("order_id", orderID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	if err == nil {
		err = ctx.Err()
	}

	util.IntentDeliveryFailedTotal.Inc()
	s.enqueue(context.WithoutCancel(ctx), orderID, intents, err)
	return false
}

func (s *OrderService) enqueue(ctx context.Context, orderID int64, intents []models.Intent, cause error) {
	entries := make([]models.OutboxEntry, 0, len(intents))
	for _, intent := range intents {
		entry, err := models.NewOutboxEntry(intent, cause.Error(), s.now())
		if err != nil {
			s.logger.Error("Dropping undeliverable intent",
				zap.Int64("order_id", orderID),
				zap.String("intent_id", intent.Base().IntentID),
				zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}

	if err := s.orders.SaveOutbox(ctx, entries); err != nil {
		s.logger.Error("Failed to queue intents for redelivery",
			zap.Int64("order_id", orderID),
			zap.Int("intents", len(entries)),
			zap.Error(err))
		return
	}

	util.OutboxQueuedTotal.Add(float64(len(entries)))
	s.logger.Warn("Intents queued for redelivery",
		zap.Int64("order_id", orderID),
		zap.Int("intents", len(entries)),
		zap.Error(cause))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
