package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"order-workflow/internal/errs"
	"order-workflow/internal/models"
	"order-workflow/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const TimeoutComment = "timeout auto-transition"

// SweepReport summarizes one sweep cycle.
type SweepReport struct {
	Scanned      int `json:"scanned"`
	Due          int `json:"due"`
	Transitioned int `json:"transitioned"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
}

// Sweeper applies timeout transitions to orders that stayed in a status for
// at least its timeout_hours.
type Sweeper struct {
	statuses    StatusStore
	orders      OrderStore
	transitions *OrderService
	concurrency int
	logger      *zap.Logger
}

// NewSweeper creates a sweeper running at most concurrency transitions at once.
func NewSweeper(statuses StatusStore, orders OrderStore, transitions *OrderService, concurrency int) *Sweeper {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Sweeper{
		statuses:    statuses,
		orders:      orders,
		transitions: transitions,
		concurrency: concurrency,
		logger:      util.GetLogger(),
	}
}

type dueOrder struct {
	orderID  int64
	statusID int64
	targetID int64
}

// Sweep runs one cycle. Due orders are collected before any transition is
// applied, so an order moves at most once per cycle and a cascade into
// another timeout waits for the next cycle. A failing order is logged and
// counted without stopping the others. On cancellation no new transition is
// started and the context error is returned with the partial report.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	ctx, span := util.StartSpan(ctx, "Sweeper.Sweep")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SweepDuration.Observe(time.Since(start).Seconds())
	}()
	util.SweepRunsTotal.Inc()

	report := &SweepReport{}
	due, err := s.collect(ctx, report)
	if err != nil {
		return report, err
	}

	var transitioned, skipped, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		d := d
		g.Go(func() error {
			switch outcome := s.transition(ctx, d); outcome {
			case "transitioned":
				transitioned.Add(1)
			case "skipped":
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Transitioned = int(transitioned.Load())
	report.Skipped = int(skipped.Load())
	report.Failed += int(failed.Load())

	util.SweepOrdersTotal.WithLabelValues("transitioned").Add(float64(report.Transitioned))
	util.SweepOrdersTotal.WithLabelValues("skipped").Add(float64(report.Skipped))
	util.SweepOrdersTotal.WithLabelValues("failed").Add(float64(report.Failed))

	s.logger.Info("Timeout sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("due", report.Due),
		zap.Int("transitioned", report.Transitioned),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("took", time.Since(start)))

	return report, ctx.Err()
}

func (s *Sweeper) collect(ctx context.Context, report *SweepReport) ([]dueOrder, error) {
	statuses, err := s.statuses.ListTimeoutStatuses(ctx)
	if err != nil {
		return nil, err
	}

	now := s.transitions.now()
	seen := make(map[int64]struct{})
	var due []dueOrder

	for _, status := range statuses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !status.HasTimeout() {
			continue
		}

		orders, err := s.orders.ListOrdersWithStatus(ctx, status.ProjectID, status.ID)
		if err != nil {
			report.Failed++
			s.logger.Error("Failed to list orders for timeout status",
				zap.Int64("project_id", status.ProjectID),
				zap.Int64("status_id", status.ID),
				zap.Error(err))
			continue
		}

		for _, order := range orders {
			report.Scanned++
			if now.Sub(order.LastStatusChange) < status.Timeout() {
				continue
			}
			if _, ok := seen[order.ID]; ok {
				continue
			}
			seen[order.ID] = struct{}{}
			due = append(due, dueOrder{
				orderID:  order.ID,
				statusID: status.ID,
				targetID: *status.TimeoutTargetStatusID,
			})
		}
	}

	report.Due = len(due)
	return due, nil
}

func (s *Sweeper) transition(ctx context.Context, d dueOrder) string {
	expected := d.statusID
	res, err := s.transitions.ApplyTransition(ctx, TransitionRequest{
		OrderID:          d.orderID,
		TargetStatusID:   d.targetID,
		Actor:            models.ActorSystem,
		Comment:          TimeoutComment,
		Action:           models.HistoryActionTimeoutTransition,
		ExpectedStatusID: &expected,
	})

	switch {
	case err == nil:
		return "transitioned"
	case res != nil:
		s.logger.Error("Timeout transition committed but dispatch failed",
			zap.Int64("order_id", d.orderID),
			zap.Error(err))
		return "transitioned"
	case errors.Is(err, errs.ErrStaleTransition):
		s.logger.Debug("Order left timeout status before sweep reached it",
			zap.Int64("order_id", d.orderID),
			zap.Int64("status_id", d.statusID))
		return "skipped"
	default:
		s.logger.Error("Timeout transition failed",
			zap.Int64("order_id", d.orderID),
			zap.Int64("status_id", d.statusID),
			zap.Int64("target_status_id", d.targetID),
			zap.Error(err))
		return "failed"
	}
}
