package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"order-workflow/internal/errs"
	"order-workflow/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const statusColumns = `project_id, id, name, group_key, sort_order, hide_from_webmaster, sms_template_id,
	always_send_sms, timeout_hours, timeout_target_status_id, warehouse_action, call_mode_type,
	container_id, post_keywords, is_active, created_at, updated_at`

// ListStatuses retrieves the statuses of a project ordered by sort order
func (s *Store) ListStatuses(ctx context.Context, projectID int64) ([]models.Status, error) {
	statuses := []models.Status{}
	err := s.db.SelectContext(ctx, &statuses,
		"SELECT "+statusColumns+" FROM order_statuses WHERE project_id = $1 ORDER BY sort_order, id",
		projectID)
	return statuses, err
}

// GetStatus retrieves a status by ID
func (s *Store) GetStatus(ctx context.Context, projectID, id int64) (*models.Status, error) {
	var status models.Status
	err := s.db.GetContext(ctx, &status,
		"SELECT "+statusColumns+" FROM order_statuses WHERE project_id = $1 AND id = $2",
		projectID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewNotFoundError("status", id)
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// CreateStatus inserts a status at the end of the sort order. Its id comes
// from the project's status sequence, so ids of deleted statuses are never
// issued again.
func (s *Store) CreateStatus(ctx context.Context, status *models.Status) error {
	nextID := `
		INSERT INTO status_sequences (project_id, last_id)
		SELECT $1, COALESCE(MAX(id), -1) + 1 FROM order_statuses WHERE project_id = $1
		ON CONFLICT (project_id) DO UPDATE
			SET last_id = GREATEST(status_sequences.last_id + 1, EXCLUDED.last_id)
		RETURNING last_id`

	query := `
		INSERT INTO order_statuses (project_id, id, sort_order, name, group_key, hide_from_webmaster,
			sms_template_id, always_send_sms, timeout_hours, timeout_target_status_id, warehouse_action,
			call_mode_type, container_id, post_keywords, is_active)
		SELECT $1, $2, COALESCE(MAX(sort_order), -1) + 1,
			$3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		FROM order_statuses WHERE project_id = $1
		RETURNING sort_order, created_at, updated_at`

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockProject(ctx, tx, status.ProjectID); err != nil {
			return err
		}

		var id int64
		if err := tx.GetContext(ctx, &id, nextID, status.ProjectID); err != nil {
			return fmt.Errorf("failed to allocate status id: %w", err)
		}

		if err := tx.QueryRowxContext(ctx, query,
			status.ProjectID, id, status.Name, status.Group, status.HideFromWebmaster,
			status.SmsTemplateID, status.AlwaysSendSms, status.TimeoutHours, status.TimeoutTargetStatusID,
			status.WarehouseAction, status.CallModeType, status.ContainerID, status.PostKeywords, status.IsActive,
		).Scan(&status.SortOrder, &status.CreatedAt, &status.UpdatedAt); err != nil {
			return err
		}
		status.ID = id
		return nil
	})
	return translateError(err)
}

// SeedStatus inserts status at id 0 and sort order 0 unless the project
// already has it. It reports whether a row was inserted.
func (s *Store) SeedStatus(ctx context.Context, status *models.Status) (bool, error) {
	query := `
		INSERT INTO order_statuses (project_id, id, sort_order, name, group_key, warehouse_action, is_active)
		VALUES ($1, 0, 0, $2, $3, $4, $5)
		ON CONFLICT (project_id, id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		status.ProjectID, status.Name, status.Group, status.WarehouseAction, status.IsActive)
	if err != nil {
		return false, translateError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateStatus updates every editable column of a status
func (s *Store) UpdateStatus(ctx context.Context, status *models.Status) error {
	query := `
		UPDATE order_statuses SET
			name = $3, group_key = $4, hide_from_webmaster = $5, sms_template_id = $6,
			always_send_sms = $7, timeout_hours = $8, timeout_target_status_id = $9,
			warehouse_action = $10, call_mode_type = $11, container_id = $12,
			post_keywords = $13, is_active = $14, updated_at = NOW()
		WHERE project_id = $1 AND id = $2
		RETURNING updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		status.ProjectID, status.ID, status.Name, status.Group, status.HideFromWebmaster,
		status.SmsTemplateID, status.AlwaysSendSms, status.TimeoutHours, status.TimeoutTargetStatusID,
		status.WarehouseAction, status.CallModeType, status.ContainerID, status.PostKeywords, status.IsActive,
	).Scan(&status.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NewNotFoundError("status", status.ID)
	}
	return translateError(err)
}

// DeleteStatus removes a status and closes the gap it leaves in the sort order
func (s *Store) DeleteStatus(ctx context.Context, projectID, id int64) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockProject(ctx, tx, projectID); err != nil {
			return err
		}

		var sortOrder int
		err := tx.GetContext(ctx, &sortOrder,
			"DELETE FROM order_statuses WHERE project_id = $1 AND id = $2 RETURNING sort_order",
			projectID, id)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NewNotFoundError("status", id)
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE order_statuses SET sort_order = sort_order - 1 WHERE project_id = $1 AND sort_order > $2",
			projectID, sortOrder)
		return err
	})

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
		return errs.NewStatusInUseError(id, "still referenced")
	}
	return err
}

// SwapSortOrder exchanges the sort orders of two statuses
func (s *Store) SwapSortOrder(ctx context.Context, projectID, a, b int64) error {
	query := `
		UPDATE order_statuses s SET sort_order = o.sort_order, updated_at = NOW()
		FROM order_statuses o
		WHERE s.project_id = $1 AND o.project_id = $1
			AND ((s.id = $2 AND o.id = $3) OR (s.id = $3 AND o.id = $2))`

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockProject(ctx, tx, projectID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, query, projectID, a, b)
		if err != nil {
			return fmt.Errorf("failed to swap sort order: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 2 {
			return errs.NewNotFoundError("status", b)
		}
		return nil
	})
}

// CountOrdersWithStatus counts the orders currently in a status
func (s *Store) CountOrdersWithStatus(ctx context.Context, projectID, statusID int64) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM orders WHERE project_id = $1 AND status_id = $2",
		projectID, statusID)
	return count, err
}

// ListTimeoutStatuses retrieves the statuses of every project that have a timeout
func (s *Store) ListTimeoutStatuses(ctx context.Context) ([]models.Status, error) {
	statuses := []models.Status{}
	err := s.db.SelectContext(ctx, &statuses,
		"SELECT "+statusColumns+` FROM order_statuses
		WHERE timeout_hours IS NOT NULL AND timeout_target_status_id IS NOT NULL
		ORDER BY project_id, sort_order`)
	return statuses, err
}
