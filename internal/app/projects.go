package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"crewdesk/api/internal/authz"
	"crewdesk/api/internal/store"
	"crewdesk/api/internal/util"
)

type CreateProjectInput struct {
	WorkspaceID string     `json:"workspaceId"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	Progress    *int       `json:"progress"`
	TeamLead    *UserRef   `json:"teamLead"`
	Members     []UserRef  `json:"members"`
	StartDate   *time.Time `json:"startDate"`
	EndDate     *time.Time `json:"endDate"`
}

type UpdateProjectInput struct {
	Name        *string    `json:"name"`
	Description *string    `json:"description"`
	Status      *string    `json:"status"`
	Priority    *string    `json:"priority"`
	Progress    *int       `json:"progress"`
	TeamLead    *UserRef   `json:"teamLead"`
	StartDate   *time.Time `json:"startDate"`
	EndDate     *time.Time `json:"endDate"`
}

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (map[string]any, error) {
	if strings.TrimSpace(input.WorkspaceID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "workspaceId is required", nil)
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	status := input.Status
	if status == "" {
		status = "PLANNING"
	}
	if _, ok := allowedProjectStatuses[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid project status", map[string]any{"status": status})
	}
	priority := input.Priority
	if priority == "" {
		priority = "MEDIUM"
	}
	if _, ok := allowedPriorities[priority]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid priority", map[string]any{"priority": priority})
	}
	progress := 0
	if input.Progress != nil {
		progress = *input.Progress
	}
	if progress < 0 || progress > 100 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "progress must be between 0 and 100", nil)
	}
	if input.StartDate != nil && input.EndDate != nil && input.EndDate.Before(*input.StartDate) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "endDate must not be before startDate", nil)
	}

	subject, err := s.workspaceSubject(ctx, session.UserID, input.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if !subject.IsWorkspaceMember && subject.UserID != subject.WorkspaceOwnerID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "not a member of this workspace", nil)
	}

	teamLeadID := session.UserID
	if input.TeamLead != nil {
		lead, err := s.resolveUserRef(ctx, *input.TeamLead)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "team lead not found", nil)
			}
			return nil, err
		}
		ok, err := s.isWorkspaceMember(ctx, input.WorkspaceID, lead.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "team lead is not a workspace member", nil)
		}
		teamLeadID = lead.ID
	}

	// The seed is the team lead plus resolved member refs. Refs that do not
	// resolve to a workspace member are dropped rather than failing the
	// whole create.
	memberIDs := []string{teamLeadID}
	for _, ref := range input.Members {
		user, err := s.resolveUserRef(ctx, ref)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, err
		}
		ok, err := s.isWorkspaceMember(ctx, input.WorkspaceID, user.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		memberIDs = append(memberIDs, user.ID)
	}

	project := store.Project{
		ID:          util.NewID("prj"),
		WorkspaceID: input.WorkspaceID,
		Name:        strings.TrimSpace(input.Name),
		Description: input.Description,
		Status:      status,
		Priority:    priority,
		Progress:    progress,
		TeamLeadID:  teamLeadID,
		StartDate:   input.StartDate,
		EndDate:     input.EndDate,
	}
	if err := s.store.CreateProject(ctx, project, dedupe(memberIDs)); err != nil {
		return nil, err
	}

	created, err := s.store.GetProject(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	return s.projectPayload(ctx, created)
}

func (s *Service) ListProjects(ctx context.Context, session Session, workspaceID string) ([]map[string]any, error) {
	subject, err := s.workspaceSubject(ctx, session.UserID, workspaceID)
	if err != nil {
		return nil, err
	}
	if !subject.IsWorkspaceMember && subject.UserID != subject.WorkspaceOwnerID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "not a member of this workspace", nil)
	}
	// Workspace membership alone grants read access to every project in it.
	projects, err := s.store.ListProjects(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		payload, err := s.projectPayload(ctx, project)
		if err != nil {
			return nil, err
		}
		items = append(items, payload)
	}
	return items, nil
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	subject, err := s.projectSubject(ctx, session.UserID, project)
	if err != nil {
		return nil, err
	}
	if !authz.CanViewProject(subject) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "no access to this project", nil)
	}
	return s.projectPayload(ctx, project)
}

func (s *Service) UpdateProject(ctx context.Context, session Session, projectID string, input UpdateProjectInput) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	subject, err := s.projectSubject(ctx, session.UserID, project)
	if err != nil {
		return nil, err
	}
	if !authz.CanManageProject(subject) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only workspace admins or the team lead can update a project", nil)
	}

	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must not be empty", nil)
		}
		project.Name = strings.TrimSpace(*input.Name)
	}
	if input.Description != nil {
		project.Description = *input.Description
	}
	if input.Status != nil {
		if _, ok := allowedProjectStatuses[*input.Status]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid project status", map[string]any{"status": *input.Status})
		}
		project.Status = *input.Status
	}
	if input.Priority != nil {
		if _, ok := allowedPriorities[*input.Priority]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid priority", map[string]any{"priority": *input.Priority})
		}
		project.Priority = *input.Priority
	}
	if input.Progress != nil {
		if *input.Progress < 0 || *input.Progress > 100 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "progress must be between 0 and 100", nil)
		}
		project.Progress = *input.Progress
	}
	if input.StartDate != nil {
		project.StartDate = input.StartDate
	}
	if input.EndDate != nil {
		project.EndDate = input.EndDate
	}
	if project.StartDate != nil && project.EndDate != nil && project.EndDate.Before(*project.StartDate) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "endDate must not be before startDate", nil)
	}
	if input.TeamLead != nil {
		lead, err := s.resolveUserRef(ctx, *input.TeamLead)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "team lead not found", nil)
			}
			return nil, err
		}
		ok, err := s.isWorkspaceMember(ctx, project.WorkspaceID, lead.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "team lead is not a workspace member", nil)
		}
		project.TeamLeadID = lead.ID
	}

	if err := s.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}
	updated, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.projectPayload(ctx, updated)
}

func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	subject, err := s.projectSubject(ctx, session.UserID, project)
	if err != nil {
		return err
	}
	if !authz.CanManageProject(subject) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "only workspace admins or the team lead can delete a project", nil)
	}
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	if s.search != nil {
		for _, task := range tasks {
			s.search.DeleteTask(task.ID)
		}
	}
	return nil
}

func (s *Service) AddProjectMember(ctx context.Context, session Session, projectID string, ref UserRef) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	subject, err := s.projectSubject(ctx, session.UserID, project)
	if err != nil {
		return nil, err
	}
	if !authz.CanManageProject(subject) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only workspace admins or the team lead can add members", nil)
	}
	user, err := s.resolveUserRef(ctx, ref)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "user not found", nil)
		}
		return nil, err
	}
	ok, err := s.isWorkspaceMember(ctx, project.WorkspaceID, user.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "user is not a workspace member", nil)
	}
	if err := s.store.AddProjectMember(ctx, projectID, user.ID); err != nil {
		return nil, err
	}
	return s.projectPayload(ctx, project)
}

func (s *Service) projectPayload(ctx context.Context, project store.Project) (map[string]any, error) {
	memberIDs, err := s.store.ListProjectMemberIDs(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	members := make([]map[string]any, 0, len(memberIDs))
	for _, id := range memberIDs {
		user, err := s.store.GetUserByID(ctx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, err
		}
		members = append(members, map[string]any{
			"id":    user.ID,
			"name":  user.Name,
			"email": user.Email,
		})
	}
	payload := map[string]any{
		"id":          project.ID,
		"workspaceId": project.WorkspaceID,
		"name":        project.Name,
		"description": project.Description,
		"status":      project.Status,
		"priority":    project.Priority,
		"progress":    project.Progress,
		"teamLeadId":  project.TeamLeadID,
		"members":     members,
		"createdAt":   project.CreatedAt.Format(time.RFC3339),
		"updatedAt":   project.UpdatedAt.Format(time.RFC3339),
	}
	if project.StartDate != nil {
		payload["startDate"] = project.StartDate.Format(time.RFC3339)
	}
	if project.EndDate != nil {
		payload["endDate"] = project.EndDate.Format(time.RFC3339)
	}
	return payload, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
