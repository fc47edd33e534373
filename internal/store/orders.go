package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"order-workflow/internal/errs"
	"order-workflow/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, project_id, status_id, customer_name, customer_phone, total_amount,
	last_status_change, approved_at, shipped_at, canceled_at, created_at, updated_at`

const historyColumns = `id, order_id, action, actor, old_status_id, new_status_id, comment, created_at`

// CreateOrder inserts an order, its items and its first history entry in one transaction
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, entry *models.HistoryEntry) error {
	query := `
		INSERT INTO orders (project_id, status_id, customer_name, customer_phone, total_amount,
			last_status_change, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id`

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &order.ID, query,
			order.ProjectID, order.StatusID, order.CustomerName, order.CustomerPhone, order.TotalAmount,
			order.LastStatusChange, order.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert order: %w", translateError(err))
		}

		for i := range order.Items {
			item := &order.Items[i]
			item.OrderID = order.ID
			if err := tx.GetContext(ctx, &item.ID,
				"INSERT INTO order_items (order_id, product_id, quantity, price) VALUES ($1, $2, $3, $4) RETURNING id",
				item.OrderID, item.ProductID, item.Quantity, item.Price); err != nil {
				return fmt.Errorf("failed to insert order item: %w", translateError(err))
			}
		}

		entry.OrderID = order.ID
		return insertHistory(ctx, tx, entry)
	})
}

// GetOrder retrieves an order with its items
func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewNotFoundError("order", id)
	}
	if err != nil {
		return nil, err
	}

	order.Items = []models.OrderItem{}
	err = s.db.SelectContext(ctx, &order.Items,
		"SELECT id, order_id, product_id, quantity, price FROM order_items WHERE order_id = $1 ORDER BY id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	return &order, nil
}

// ListOrdersWithStatus retrieves the orders currently in a status, without items
func (s *Store) ListOrdersWithStatus(ctx context.Context, projectID, statusID int64) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE project_id = $1 AND status_id = $2 ORDER BY last_status_change, id",
		projectID, statusID)
	return orders, err
}

// CommitTransition moves the order and appends the history entry in one
// transaction. The order row is locked and must still be in t.FromStatusID.
func (s *Store) CommitTransition(ctx context.Context, t *models.Transition) (*models.HistoryEntry, error) {
	entry := t.Entry()

	update := "UPDATE orders SET status_id = $2, last_status_change = $3, updated_at = $3 WHERE id = $1"
	if col := milestoneColumn(t.ToGroup); col != "" {
		update = fmt.Sprintf(
			"UPDATE orders SET status_id = $2, last_status_change = $3, updated_at = $3, %[1]s = COALESCE(%[1]s, $3) WHERE id = $1",
			col)
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current int64
		err := tx.GetContext(ctx, &current, "SELECT status_id FROM orders WHERE id = $1 FOR UPDATE", t.OrderID)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NewNotFoundError("order", t.OrderID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}
		if current != t.FromStatusID {
			return errs.NewStaleTransitionError(t.OrderID, t.FromStatusID, current)
		}

		if _, err := tx.ExecContext(ctx, update, t.OrderID, t.ToStatusID, t.At); err != nil {
			return fmt.Errorf("failed to update order status: %w", translateError(err))
		}
		return insertHistory(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// AppendHistory inserts a history entry
func (s *Store) AppendHistory(ctx context.Context, entry *models.HistoryEntry) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return insertHistory(ctx, tx, entry)
	})
}

// ListHistory retrieves the history of an order, oldest first
func (s *Store) ListHistory(ctx context.Context, orderID int64) ([]models.HistoryEntry, error) {
	history := []models.HistoryEntry{}
	err := s.db.SelectContext(ctx, &history,
		"SELECT "+historyColumns+" FROM order_history WHERE order_id = $1 ORDER BY id", orderID)
	return history, err
}

func insertHistory(ctx context.Context, tx *sqlx.Tx, entry *models.HistoryEntry) error {
	query := `
		INSERT INTO order_history (order_id, action, actor, old_status_id, new_status_id, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	if err := tx.GetContext(ctx, &entry.ID, query,
		entry.OrderID, entry.Action, entry.Actor, entry.OldStatusID, entry.NewStatusID,
		entry.Comment, entry.CreatedAt); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func milestoneColumn(group models.StatusGroup) string {
	switch group {
	case models.GroupApproved:
		return "approved_at"
	case models.GroupShipped:
		return "shipped_at"
	case models.GroupCancelled, models.GroupReturned, models.GroupSpam:
		return "canceled_at"
	}
	return ""
}
