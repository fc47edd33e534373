package store

import (
	"context"
	"database/sql"
	"errors"

	"order-workflow/internal/errs"
	"order-workflow/internal/models"

	"github.com/jmoiron/sqlx"
)

const containerSelect = `
	SELECT c.project_id, c.id, c.name, c.description, c.created_at, COUNT(s.id) AS statuses_count
	FROM status_containers c
	LEFT JOIN order_statuses s ON s.project_id = c.project_id AND s.container_id = c.id`

// ListContainers retrieves the containers of a project with their member counts
func (s *Store) ListContainers(ctx context.Context, projectID int64) ([]models.StatusContainer, error) {
	containers := []models.StatusContainer{}
	err := s.db.SelectContext(ctx, &containers,
		containerSelect+" WHERE c.project_id = $1 GROUP BY c.project_id, c.id ORDER BY c.id",
		projectID)
	return containers, err
}

// GetContainer retrieves a container by ID
func (s *Store) GetContainer(ctx context.Context, projectID, id int64) (*models.StatusContainer, error) {
	var container models.StatusContainer
	err := s.db.GetContext(ctx, &container,
		containerSelect+" WHERE c.project_id = $1 AND c.id = $2 GROUP BY c.project_id, c.id",
		projectID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewNotFoundError("container", id)
	}
	if err != nil {
		return nil, err
	}
	return &container, nil
}

// CreateContainer inserts a container with the next free id
func (s *Store) CreateContainer(ctx context.Context, container *models.StatusContainer) error {
	query := `
		INSERT INTO status_containers (project_id, id, name, description)
		SELECT $1, COALESCE(MAX(id), 0) + 1, $2, $3
		FROM status_containers WHERE project_id = $1
		RETURNING id, created_at`

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockProject(ctx, tx, container.ProjectID); err != nil {
			return err
		}
		return tx.QueryRowxContext(ctx, query, container.ProjectID, container.Name, container.Description).
			Scan(&container.ID, &container.CreatedAt)
	})
}

// UpdateContainer updates the name and description of a container
func (s *Store) UpdateContainer(ctx context.Context, container *models.StatusContainer) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE status_containers SET name = $3, description = $4 WHERE project_id = $1 AND id = $2",
		container.ProjectID, container.ID, container.Name, container.Description)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.NewNotFoundError("container", container.ID)
	}
	return nil
}

// DeleteContainer detaches the member statuses and removes the container
func (s *Store) DeleteContainer(ctx context.Context, projectID, id int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE order_statuses SET container_id = NULL, updated_at = NOW() WHERE project_id = $1 AND container_id = $2",
			projectID, id); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			"DELETE FROM status_containers WHERE project_id = $1 AND id = $2", projectID, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.NewNotFoundError("container", id)
		}
		return nil
	})
}
