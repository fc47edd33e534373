package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-workflow/internal/errs"
	"order-workflow/internal/models"
	"order-workflow/internal/util"

	"go.uber.org/zap"
)

// TransitionRequest moves an order into TargetStatusID.
type TransitionRequest struct {
	OrderID        int64  `json:"-"`
	TargetStatusID int64  `json:"target_status_id"`
	Actor          string `json:"-"`
	Comment        string `json:"comment"`
	// Action defaults to status_changed.
	Action string `json:"-"`
	// ExpectedStatusID, when set, rejects the transition with a
	// StaleTransitionError if the order has already left that status.
	ExpectedStatusID *int64 `json:"expected_status_id,omitempty"`
}

// TransitionResult is the committed state of a transition.
type TransitionResult struct {
	Order   *models.Order        `json:"order"`
	Entry   *models.HistoryEntry `json:"entry"`
	Intents []models.Intent      `json:"intents"`
}

// committed is a transition written under the order lock together with the
// snapshot its side effects are computed from.
type committed struct {
	result   *TransitionResult
	statuses models.StatusSet
	history  []models.HistoryEntry
}

// ApplyTransition moves an order into a new status. Transitions of one order
// are serialized through the locker; the history append and the status
// update commit as one unit of work. Side effects are dispatched once the
// lock is released and their delivery failures never undo the commit.
func (s *OrderService) ApplyTransition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ApplyTransition")
	defer span.End()

	start := time.Now()
	defer func() {
		util.TransitionLatency.Observe(time.Since(start).Seconds())
	}()

	if strings.TrimSpace(req.Actor) == "" {
		util.TransitionsFailedTotal.WithLabelValues("validation").Inc()
		return nil, errs.NewValidationError("actor", "must not be empty")
	}
	if req.Action == "" {
		req.Action = models.HistoryActionStatusChanged
	}

	c, err := s.commit(ctx, req)
	if err != nil {
		return nil, err
	}

	result := c.result
	result.Intents, err = s.dispatch(ctx, result.Order, c.statuses, c.history, result.Entry)
	if err != nil {
		return result, err
	}
	return result, nil
}

func (s *OrderService) commit(ctx context.Context, req TransitionRequest) (*committed, error) {
	unlock, err := s.locker.Lock(ctx, req.OrderID)
	if err != nil {
		util.TransitionsFailedTotal.WithLabelValues("lock").Inc()
		return nil, fmt.Errorf("failed to lock order %d: %w", req.OrderID, err)
	}
	defer unlock()

	order, err := s.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		util.TransitionsFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	if req.ExpectedStatusID != nil && order.StatusID != *req.ExpectedStatusID {
		util.TransitionsFailedTotal.WithLabelValues("stale").Inc()
		return nil, errs.NewStaleTransitionError(order.ID, *req.ExpectedStatusID, order.StatusID)
	}

	statuses, err := s.registry.StatusSet(ctx, order.ProjectID)
	if err != nil {
		return nil, err
	}

	target, ok := statuses.Get(req.TargetStatusID)
	if !ok {
		util.TransitionsFailedTotal.WithLabelValues("not_found").Inc()
		return nil, errs.NewNotFoundError("status", req.TargetStatusID)
	}
	if !target.IsActive && req.Actor != models.ActorSystem {
		util.TransitionsFailedTotal.WithLabelValues("validation").Inc()
		return nil, errs.NewValidationError("target_status_id", fmt.Sprintf("status %d is inactive", target.ID))
	}

	current, ok := statuses.Get(order.StatusID)
	if !ok {
		s.logger.Error("Order references unregistered status",
			zap.Int64("order_id", order.ID),
			zap.Int64("status_id", order.StatusID))
		return nil, errs.NewInvalidStatusError(order.ProjectID, order.StatusID)
	}

	if s.guard != nil {
		if err := s.guard(ctx, order, current, target); err != nil {
			util.TransitionsFailedTotal.WithLabelValues("guard").Inc()
			return nil, err
		}
	}

	history, err := s.orders.ListHistory(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	t := &models.Transition{
		OrderID:      order.ID,
		FromStatusID: order.StatusID,
		ToStatusID:   target.ID,
		ToGroup:      target.Group,
		Action:       req.Action,
		Actor:        req.Actor,
		Comment:      strings.TrimSpace(req.Comment),
		At:           s.now(),
	}

	entry, err := s.orders.CommitTransition(ctx, t)
	if err != nil {
		util.TransitionsFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	order.StatusID = target.ID
	order.LastStatusChange = t.At
	order.UpdatedAt = t.At
	order.ApplyMilestone(target.Group, t.At)

	util.TransitionsTotal.WithLabelValues(t.Action, string(target.Group)).Inc()
	s.logger.Info("Order status changed",
		zap.Int64("order_id", order.ID),
		zap.Int64("from_status_id", t.FromStatusID),
		zap.Int64("to_status_id", t.ToStatusID),
		zap.String("actor", t.Actor),
		zap.String("action", t.Action))

	return &committed{
		result:   &TransitionResult{Order: order, Entry: entry},
		statuses: statuses,
		history:  history,
	}, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return "not_found"
	case errors.Is(err, errs.ErrStaleTransition):
		return "stale"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "store"
}
