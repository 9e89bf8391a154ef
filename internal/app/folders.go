package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"crewdesk/api/internal/authz"
	"crewdesk/api/internal/store"
	"crewdesk/api/internal/util"
)

type CreateFolderInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type UpdateFolderInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (s *Service) CreateFolder(ctx context.Context, session Session, projectID string, input CreateFolderInput) (map[string]any, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	subject, err := s.projectSubject(ctx, session.UserID, project)
	if err != nil {
		return nil, err
	}
	if !authz.CanManageProject(subject) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only workspace admins or the team lead can create folders", nil)
	}
	folder := store.Folder{
		ID:          util.NewID("fld"),
		ProjectID:   projectID,
		Name:        strings.TrimSpace(input.Name),
		Description: input.Description,
	}
	if err := s.store.CreateFolder(ctx, folder); err != nil {
		return nil, err
	}
	created, err := s.store.GetFolder(ctx, folder.ID)
	if err != nil {
		return nil, err
	}
	return folderPayload(created), nil
}

func (s *Service) ListFolders(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
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
	folders, err := s.store.ListFolders(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(folders))
	for _, folder := range folders {
		items = append(items, folderPayload(folder))
	}
	return items, nil
}

func (s *Service) UpdateFolder(ctx context.Context, session Session, folderID string, input UpdateFolderInput) (map[string]any, error) {
	folder, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, folder.ProjectID)
	if err != nil {
		return nil, err
	}
	subject, err := s.projectSubject(ctx, session.UserID, project)
	if err != nil {
		return nil, err
	}
	if !authz.CanManageProject(subject) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only workspace admins or the team lead can update folders", nil)
	}
	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must not be empty", nil)
		}
		folder.Name = strings.TrimSpace(*input.Name)
	}
	if input.Description != nil {
		folder.Description = *input.Description
	}
	if err := s.store.UpdateFolder(ctx, folder.ID, folder.Name, folder.Description); err != nil {
		return nil, err
	}
	updated, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	return folderPayload(updated), nil
}

// DeleteFolder removes the folder only. Tasks inside it move back to the
// project root via the folder_id ON DELETE SET NULL constraint.
func (s *Service) DeleteFolder(ctx context.Context, session Session, folderID string) error {
	folder, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		return err
	}
	project, err := s.store.GetProject(ctx, folder.ProjectID)
	if err != nil {
		return err
	}
	subject, err := s.projectSubject(ctx, session.UserID, project)
	if err != nil {
		return err
	}
	if !authz.CanManageProject(subject) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "only workspace admins or the team lead can delete folders", nil)
	}
	return s.store.DeleteFolder(ctx, folderID)
}

func folderPayload(folder store.Folder) map[string]any {
	return map[string]any{
		"id":          folder.ID,
		"projectId":   folder.ProjectID,
		"name":        folder.Name,
		"description": folder.Description,
		"createdAt":   folder.CreatedAt.Format(time.RFC3339),
		"updatedAt":   folder.UpdatedAt.Format(time.RFC3339),
	}
}
