package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"order-workflow/internal/errs"
	"order-workflow/internal/models"
	"order-workflow/internal/util"

	"go.uber.org/zap"
)

const (
	maxStatusNameLen    = 100
	maxContainerNameLen = 100

	// newStatusID stands in for the id of a status that is not stored yet.
	newStatusID int64 = -1

	initialStatusName = "Обработка"
)

// Direction moves a status one step in the sort order.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// RegistryService manages the status registry and status containers of a project.
type RegistryService struct {
	statuses   StatusStore
	containers ContainerStore
	logger     *zap.Logger
}

// NewRegistryService creates a new registry service
func NewRegistryService(statuses StatusStore, containers ContainerStore) *RegistryService {
	return &RegistryService{
		statuses:   statuses,
		containers: containers,
		logger:     util.GetLogger(),
	}
}

// StatusInput is the definition of a new status.
type StatusInput struct {
	Name                  string                 `json:"name"`
	Group                 models.StatusGroup     `json:"group"`
	HideFromWebmaster     bool                   `json:"hide_from_webmaster"`
	SmsTemplateID         *int64                 `json:"sms_template_id"`
	AlwaysSendSms         bool                   `json:"always_send_sms"`
	TimeoutHours          *int                   `json:"timeout_hours"`
	TimeoutTargetStatusID *int64                 `json:"timeout_target_status_id"`
	WarehouseAction       models.WarehouseAction `json:"warehouse_action"`
	CallModeType          models.CallMode        `json:"call_mode_type"`
	ContainerID           *int64                 `json:"container_id"`
	PostKeywords          string                 `json:"post_keywords"`
	IsActive              *bool                  `json:"is_active"`
}

func (in *StatusInput) toStatus(projectID int64) *models.Status {
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	return &models.Status{
		ProjectID:             projectID,
		ID:                    newStatusID,
		Name:                  in.Name,
		Group:                 in.Group,
		HideFromWebmaster:     in.HideFromWebmaster,
		SmsTemplateID:         in.SmsTemplateID,
		AlwaysSendSms:         in.AlwaysSendSms,
		TimeoutHours:          in.TimeoutHours,
		TimeoutTargetStatusID: in.TimeoutTargetStatusID,
		WarehouseAction:       in.WarehouseAction,
		CallModeType:          in.CallModeType,
		ContainerID:           in.ContainerID,
		PostKeywords:          in.PostKeywords,
		IsActive:              active,
	}
}

// StatusPatch updates the non-nil fields of a status. A zero sms_template_id,
// container_id or timeout_hours clears the field. Status 0 is a valid timeout
// target, so timeout_target_status_id is cleared with -1. Clearing
// timeout_hours alone also clears the target.
type StatusPatch struct {
	Name                  *string                 `json:"name"`
	Group                 *models.StatusGroup     `json:"group"`
	HideFromWebmaster     *bool                   `json:"hide_from_webmaster"`
	SmsTemplateID         *int64                  `json:"sms_template_id"`
	AlwaysSendSms         *bool                   `json:"always_send_sms"`
	TimeoutHours          *int                    `json:"timeout_hours"`
	TimeoutTargetStatusID *int64                  `json:"timeout_target_status_id"`
	WarehouseAction       *models.WarehouseAction `json:"warehouse_action"`
	CallModeType          *models.CallMode        `json:"call_mode_type"`
	ContainerID           *int64                  `json:"container_id"`
	PostKeywords          *string                 `json:"post_keywords"`
	IsActive              *bool                   `json:"is_active"`
}

func (p *StatusPatch) apply(s *models.Status) {
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.Group != nil {
		s.Group = *p.Group
	}
	if p.HideFromWebmaster != nil {
		s.HideFromWebmaster = *p.HideFromWebmaster
	}
	if p.SmsTemplateID != nil {
		s.SmsTemplateID = clearZero(p.SmsTemplateID)
	}
	if p.AlwaysSendSms != nil {
		s.AlwaysSendSms = *p.AlwaysSendSms
	}
	if p.TimeoutHours != nil {
		s.TimeoutHours = clearZero(p.TimeoutHours)
		if s.TimeoutHours == nil && p.TimeoutTargetStatusID == nil {
			s.TimeoutTargetStatusID = nil
		}
	}
	if p.TimeoutTargetStatusID != nil {
		if *p.TimeoutTargetStatusID < 0 {
			s.TimeoutTargetStatusID = nil
		} else {
			v := *p.TimeoutTargetStatusID
			s.TimeoutTargetStatusID = &v
		}
	}
	if p.WarehouseAction != nil {
		s.WarehouseAction = *p.WarehouseAction
	}
	if p.CallModeType != nil {
		s.CallModeType = *p.CallModeType
	}
	if p.ContainerID != nil {
		s.ContainerID = clearZero(p.ContainerID)
	}
	if p.PostKeywords != nil {
		s.PostKeywords = *p.PostKeywords
	}
	if p.IsActive != nil {
		s.IsActive = *p.IsActive
	}
}

func clearZero[T int | int64](v *T) *T {
	if *v == 0 {
		return nil
	}
	out := *v
	return &out
}

// ContainerInput is the editable part of a status container.
type ContainerInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// EnsureProject seeds the reserved initial status of a project that has none.
func (s *RegistryService) EnsureProject(ctx context.Context, projectID int64) error {
	created, err := s.statuses.SeedStatus(ctx, &models.Status{
		ProjectID:       projectID,
		ID:              models.InitialStatusID,
		Name:            initialStatusName,
		Group:           models.GroupProcessing,
		WarehouseAction: models.WarehouseNone,
		IsActive:        true,
	})
	if err != nil {
		return fmt.Errorf("failed to seed initial status: %w", err)
	}
	if created {
		s.logger.Info("Project bootstrapped", zap.Int64("project_id", projectID))
	}
	return nil
}

// ListStatuses returns the statuses of a project by ascending sort order.
func (s *RegistryService) ListStatuses(ctx context.Context, projectID int64) ([]models.Status, error) {
	ctx, span := util.StartSpan(ctx, "RegistryService.ListStatuses")
	defer span.End()

	statuses, err := s.statuses.ListStatuses(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses: %w", err)
	}
	models.SortStatuses(statuses)
	return statuses, nil
}

// StatusSet returns a snapshot of the project's statuses keyed by id.
func (s *RegistryService) StatusSet(ctx context.Context, projectID int64) (models.StatusSet, error) {
	statuses, err := s.statuses.ListStatuses(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load statuses: %w", err)
	}
	return models.NewStatusSet(statuses), nil
}

// CreateStatus validates and appends a new status at the end of the sort order.
func (s *RegistryService) CreateStatus(ctx context.Context, projectID int64, in StatusInput) (*models.Status, error) {
	ctx, span := util.StartSpan(ctx, "RegistryService.CreateStatus")
	defer span.End()

	if err := s.EnsureProject(ctx, projectID); err != nil {
		return nil, err
	}

	statuses, err := s.statuses.ListStatuses(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses: %w", err)
	}

	status := in.toStatus(projectID)
	if err := s.validate(ctx, status, statuses); err != nil {
		return nil, err
	}

	if err := s.statuses.CreateStatus(ctx, status); err != nil {
		return nil, fmt.Errorf("failed to create status: %w", err)
	}

	s.logger.Info("Status created",
		zap.Int64("project_id", projectID),
		zap.Int64("status_id", status.ID),
		zap.String("group", string(status.Group)))
	return status, nil
}

// UpdateStatus applies patch to a status. The initial status keeps its name,
// group and active flag.
func (s *RegistryService) UpdateStatus(ctx context.Context, projectID, id int64, patch StatusPatch) (*models.Status, error) {
	ctx, span := util.StartSpan(ctx, "RegistryService.UpdateStatus")
	defer span.End()

	current, err := s.statuses.GetStatus(ctx, projectID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	if id == models.InitialStatusID {
		if err := protectInitial(current, &patch); err != nil {
			return nil, err
		}
	}

	updated := *current
	patch.apply(&updated)

	statuses, err := s.statuses.ListStatuses(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses: %w", err)
	}
	if err := s.validate(ctx, &updated, statuses); err != nil {
		return nil, err
	}

	if err := s.statuses.UpdateStatus(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}

	s.logger.Info("Status updated",
		zap.Int64("project_id", projectID),
		zap.Int64("status_id", id))
	return &updated, nil
}

func protectInitial(current *models.Status, patch *StatusPatch) error {
	switch {
	case patch.Name != nil && strings.TrimSpace(*patch.Name) != current.Name:
		return errs.NewProtectedStatusError(current.ID, "rename")
	case patch.Group != nil && *patch.Group != current.Group:
		return errs.NewProtectedStatusError(current.ID, "change group")
	case patch.IsActive != nil && !*patch.IsActive:
		return errs.NewProtectedStatusError(current.ID, "deactivate")
	}
	return nil
}

// DeleteStatus removes a status no order or timeout references. Referenced
// statuses must be deactivated instead.
func (s *RegistryService) DeleteStatus(ctx context.Context, projectID, id int64) error {
	ctx, span := util.StartSpan(ctx, "RegistryService.DeleteStatus")
	defer span.End()

	if id == models.InitialStatusID {
		return errs.NewProtectedStatusError(id, "delete")
	}

	if _, err := s.statuses.GetStatus(ctx, projectID, id); err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	count, err := s.statuses.CountOrdersWithStatus(ctx, projectID, id)
	if err != nil {
		return fmt.Errorf("failed to count orders: %w", err)
	}
	if count > 0 {
		return errs.NewStatusInUseError(id, fmt.Sprintf("referenced by %d orders", count))
	}

	statuses, err := s.statuses.ListStatuses(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list statuses: %w", err)
	}
	for _, other := range statuses {
		if other.ID != id && other.TimeoutTargetStatusID != nil && *other.TimeoutTargetStatusID == id {
			return errs.NewStatusInUseError(id, fmt.Sprintf("timeout target of status %d", other.ID))
		}
	}

	if err := s.statuses.DeleteStatus(ctx, projectID, id); err != nil {
		return fmt.Errorf("failed to delete status: %w", err)
	}

	s.logger.Info("Status deleted",
		zap.Int64("project_id", projectID),
		zap.Int64("status_id", id))
	return nil
}

// ReorderStatus swaps the sort order of a status with its neighbour and
// returns the resulting order. Moving past either end is a no-op.
func (s *RegistryService) ReorderStatus(ctx context.Context, projectID, id int64, dir Direction) ([]models.Status, error) {
	ctx, span := util.StartSpan(ctx, "RegistryService.ReorderStatus")
	defer span.End()

	if dir != DirectionUp && dir != DirectionDown {
		return nil, errs.NewValidationError("direction", fmt.Sprintf("must be %q or %q", DirectionUp, DirectionDown))
	}

	statuses, err := s.ListStatuses(ctx, projectID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range statuses {
		if statuses[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errs.NewNotFoundError("status", id)
	}

	neighbour := idx + 1
	if dir == DirectionUp {
		neighbour = idx - 1
	}
	if neighbour < 0 || neighbour >= len(statuses) {
		return statuses, nil
	}

	if err := s.statuses.SwapSortOrder(ctx, projectID, id, statuses[neighbour].ID); err != nil {
		return nil, fmt.Errorf("failed to reorder status: %w", err)
	}

	return s.ListStatuses(ctx, projectID)
}

// MatchPostKeywords returns the first active status, by sort order, with a
// post keyword contained in a carrier tracking message.
func (s *RegistryService) MatchPostKeywords(ctx context.Context, projectID int64, message string) (*models.Status, bool, error) {
	statuses, err := s.ListStatuses(ctx, projectID)
	if err != nil {
		return nil, false, err
	}

	haystack := strings.ToLower(message)
	for i := range statuses {
		if !statuses[i].IsActive {
			continue
		}
		for _, kw := range statuses[i].Keywords() {
			if strings.Contains(haystack, strings.ToLower(kw)) {
				return &statuses[i], true, nil
			}
		}
	}
	return nil, false, nil
}

// validate normalizes status in place and reports every violated constraint.
func (s *RegistryService) validate(ctx context.Context, status *models.Status, existing []models.Status) error {
	v := &errs.ValidationError{}
	set := models.NewStatusSet(existing)

	status.Name = strings.TrimSpace(status.Name)
	switch {
	case status.Name == "":
		v.Add("name", "must not be empty")
	case utf8.RuneCountInString(status.Name) > maxStatusNameLen:
		v.Add("name", "must be at most %d characters", maxStatusNameLen)
	default:
		for _, other := range existing {
			if other.ID != status.ID && strings.EqualFold(strings.TrimSpace(other.Name), status.Name) {
				v.Add("name", "status %q already exists", other.Name)
				break
			}
		}
	}

	if !status.Group.Valid() {
		v.Add("group", "unknown group %q", status.Group)
	}

	if status.TimeoutHours != nil && *status.TimeoutHours == 0 {
		status.TimeoutHours = nil
	}
	switch {
	case status.TimeoutHours != nil:
		if *status.TimeoutHours < 1 {
			v.Add("timeout_hours", "must be at least 1")
		}
		target := status.TimeoutTargetStatusID
		switch {
		case target == nil:
			v.Add("timeout_target_status_id", "is required when timeout_hours is set")
		case *target == status.ID:
			v.Add("timeout_target_status_id", "must not reference the status itself")
		default:
			if _, ok := set.Get(*target); !ok {
				v.Add("timeout_target_status_id", "status %d does not exist", *target)
			}
		}
	case status.TimeoutTargetStatusID != nil:
		v.Add("timeout_hours", "is required when timeout_target_status_id is set")
	}

	if status.WarehouseAction == "" {
		status.WarehouseAction = models.WarehouseNone
	}
	if !status.WarehouseAction.Valid() {
		v.Add("warehouse_action", "unknown warehouse action %q", status.WarehouseAction)
	}

	if !status.CallModeType.Valid() {
		v.Add("call_mode_type", "unknown call mode %q", status.CallModeType)
	}

	if status.SmsTemplateID != nil && *status.SmsTemplateID <= 0 {
		v.Add("sms_template_id", "must be positive")
	}

	if status.ContainerID != nil {
		_, err := s.containers.GetContainer(ctx, status.ProjectID, *status.ContainerID)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			v.Add("container_id", "container %d does not exist", *status.ContainerID)
		case err != nil:
			return fmt.Errorf("failed to get container: %w", err)
		}
	}

	status.PostKeywords = strings.Join(status.Keywords(), ",")

	return v.OrNil()
}

// ListContainers returns the containers of a project with their member counts.
func (s *RegistryService) ListContainers(ctx context.Context, projectID int64) ([]models.StatusContainer, error) {
	containers, err := s.containers.ListContainers(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return containers, nil
}

func (s *RegistryService) CreateContainer(ctx context.Context, projectID int64, in ContainerInput) (*models.StatusContainer, error) {
	ctx, span := util.StartSpan(ctx, "RegistryService.CreateContainer")
	defer span.End()

	container := &models.StatusContainer{ProjectID: projectID}
	if err := applyContainerInput(container, in); err != nil {
		return nil, err
	}

	if err := s.containers.CreateContainer(ctx, container); err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	s.logger.Info("Container created",
		zap.Int64("project_id", projectID),
		zap.Int64("container_id", container.ID))
	return container, nil
}

func (s *RegistryService) UpdateContainer(ctx context.Context, projectID, id int64, in ContainerInput) (*models.StatusContainer, error) {
	ctx, span := util.StartSpan(ctx, "RegistryService.UpdateContainer")
	defer span.End()

	container, err := s.containers.GetContainer(ctx, projectID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get container: %w", err)
	}
	if err := applyContainerInput(container, in); err != nil {
		return nil, err
	}

	if err := s.containers.UpdateContainer(ctx, container); err != nil {
		return nil, fmt.Errorf("failed to update container: %w", err)
	}
	return container, nil
}

// DeleteContainer removes a container and detaches its member statuses.
func (s *RegistryService) DeleteContainer(ctx context.Context, projectID, id int64) error {
	ctx, span := util.StartSpan(ctx, "RegistryService.DeleteContainer")
	defer span.End()

	if err := s.containers.DeleteContainer(ctx, projectID, id); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	s.logger.Info("Container deleted",
		zap.Int64("project_id", projectID),
		zap.Int64("container_id", id))
	return nil
}

func applyContainerInput(c *models.StatusContainer, in ContainerInput) error {
	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		return errs.NewValidationError("name", "must not be empty")
	case utf8.RuneCountInString(name) > maxContainerNameLen:
		return errs.NewValidationError("name", fmt.Sprintf("must be at most %d characters", maxContainerNameLen))
	}
	c.Name = name
	c.Description = strings.TrimSpace(in.Description)
	return nil
}
