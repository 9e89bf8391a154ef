package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crewdesk/api/internal/authz"
	"crewdesk/api/internal/notify"
	"crewdesk/api/internal/search"
	"crewdesk/api/internal/store"
	"crewdesk/api/internal/util"
)

type TaskLinkInput struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type CreateTaskInput struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Priority    string          `json:"priority"`
	FolderID    *string         `json:"folderId"`
	DueDate     *time.Time      `json:"dueDate"`
	Position    *int            `json:"position"`
	Assignees   []UserRef       `json:"assignees"`
	Links       []TaskLinkInput `json:"links"`
}

// UpdateTaskInput distinguishes absent fields from explicit nulls for
// folderId and dueDate, so a PATCH can clear either without a separate
// endpoint.
type UpdateTaskInput struct {
	Title       *string          `json:"title"`
	Description *string          `json:"description"`
	Type        *string          `json:"type"`
	Status      *string          `json:"status"`
	Priority    *string          `json:"priority"`
	FolderID    json.RawMessage  `json:"folderId"`
	DueDate     json.RawMessage  `json:"dueDate"`
	Assignees   *[]UserRef       `json:"assignees"`
	Links       *[]TaskLinkInput `json:"links"`
	Position    *int             `json:"position"`
}

func (s *Service) CreateTask(ctx context.Context, session Session, projectID string, input CreateTaskInput) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(input.Title) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	taskType := input.Type
	if taskType == "" {
		taskType = "FEATURE"
	}
	if _, ok := allowedTaskTypes[taskType]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid task type", map[string]any{"type": taskType})
	}
	status := input.Status
	if status == "" {
		status = store.TaskStatusTodo
	}
	if _, ok := allowedTaskStatuses[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid task status", map[string]any{"status": status})
	}
	priority := input.Priority
	if priority == "" {
		priority = "MEDIUM"
	}
	if _, ok := allowedPriorities[priority]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid priority", map[string]any{"priority": priority})
	}

	if input.FolderID != nil {
		folder, err := s.store.GetFolder(ctx, *input.FolderID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "folder not found", nil)
			}
			return nil, err
		}
		if folder.ProjectID != projectID {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "folder belongs to a different project", nil)
		}
	}

	subject, err := s.projectSubject(ctx, session.UserID, project)
	if err != nil {
		return nil, err
	}
	if !authz.CanCreateTask(subject) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "no access to this project", nil)
	}

	assigneeIDs, err := s.resolveAssignees(ctx, projectID, input.Assignees)
	if err != nil {
		return nil, err
	}

	links, err := buildTaskLinks(session.UserID, input.Links)
	if err != nil {
		return nil, err
	}

	position := 0
	if input.Position != nil {
		if *input.Position < 0 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "position must not be negative", nil)
		}
		position = *input.Position
	} else {
		existing, err := s.store.ListTasks(ctx, projectID)
		if err != nil {
			return nil, err
		}
		position = len(existing)
	}

	task := store.Task{
		ID:          util.NewID("tsk"),
		ProjectID:   projectID,
		FolderID:    input.FolderID,
		Title:       strings.TrimSpace(input.Title),
		Description: input.Description,
		Type:        taskType,
		Status:      status,
		Priority:    priority,
		DueDate:     input.DueDate,
		Position:    position,
		CreatedBy:   session.UserID,
	}
	for i := range links {
		links[i].TaskID = task.ID
	}

	events, err := assignedEvents(task, session.UserID, assigneeIDs)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateTask(ctx, task, assigneeIDs, links, events, reminderAt(input.DueDate)); err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexTask(taskRecord(task))
	}
	return s.taskPayload(ctx, task.ID)
}

func (s *Service) GetTask(ctx context.Context, session Session, taskID string) (map[string]any, error) {
	detail, err := s.store.GetTaskDetail(ctx, taskID)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, detail.ProjectID)
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
	return taskDetailPayload(detail), nil
}

func (s *Service) ListTasks(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
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
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, taskRowPayload(task))
	}
	return items, nil
}

func (s *Service) UpdateTask(ctx context.Context, session Session, taskID string, input UpdateTaskInput) (map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	subject, err := s.projectSubject(ctx, session.UserID, project)
	if err != nil {
		return nil, err
	}
	currentAssignees, err := s.store.ListTaskAssigneeIDs(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, id := range currentAssignees {
		if id == session.UserID {
			subject.IsTaskAssignee = true
			break
		}
	}
	if !authz.CanMutateTask(subject) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only admins, the team lead or an assignee can edit this task", nil)
	}

	oldStatus := task.Status

	if input.Title != nil {
		if strings.TrimSpace(*input.Title) == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title must not be empty", nil)
		}
		task.Title = strings.TrimSpace(*input.Title)
	}
	if input.Description != nil {
		task.Description = *input.Description
	}
	if input.Type != nil {
		if _, ok := allowedTaskTypes[*input.Type]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid task type", map[string]any{"type": *input.Type})
		}
		task.Type = *input.Type
	}
	if input.Status != nil {
		if _, ok := allowedTaskStatuses[*input.Status]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid task status", map[string]any{"status": *input.Status})
		}
		task.Status = *input.Status
	}
	if input.Priority != nil {
		if _, ok := allowedPriorities[*input.Priority]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid priority", map[string]any{"priority": *input.Priority})
		}
		task.Priority = *input.Priority
	}
	if input.Position != nil {
		if *input.Position < 0 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "position must not be negative", nil)
		}
		task.Position = *input.Position
	}

	if len(input.FolderID) > 0 {
		if string(input.FolderID) == "null" {
			task.FolderID = nil
		} else {
			var folderID string
			if err := json.Unmarshal(input.FolderID, &folderID); err != nil {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "folderId must be a string or null", nil)
			}
			folder, err := s.store.GetFolder(ctx, folderID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "folder not found", nil)
				}
				return nil, err
			}
			if folder.ProjectID != task.ProjectID {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "folder belongs to a different project", nil)
			}
			task.FolderID = &folderID
		}
	}

	dueDateChanged := false
	if len(input.DueDate) > 0 {
		dueDateChanged = true
		if string(input.DueDate) == "null" {
			task.DueDate = nil
		} else {
			var due time.Time
			if err := json.Unmarshal(input.DueDate, &due); err != nil {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dueDate must be an RFC3339 timestamp or null", nil)
			}
			task.DueDate = &due
		}
	}

	update := store.TaskUpdate{Task: task}

	if input.Assignees != nil {
		desired, err := s.resolveAssignees(ctx, task.ProjectID, *input.Assignees)
		if err != nil {
			return nil, err
		}
		update.AddAssignees, update.RemoveAssignees = diffIDs(currentAssignees, desired)
	}

	if input.Links != nil {
		links, err := buildTaskLinks(session.UserID, *input.Links)
		if err != nil {
			return nil, err
		}
		for i := range links {
			links[i].TaskID = taskID
		}
		update.Links = links
		update.ReplaceLinks = true
	}

	if len(update.AddAssignees) > 0 {
		events, err := assignedEvents(task, session.UserID, update.AddAssignees)
		if err != nil {
			return nil, err
		}
		update.Events = append(update.Events, events...)
	}
	if task.Status != oldStatus {
		payload, err := json.Marshal(notify.TaskStatusPayload{
			TaskID:    task.ID,
			ProjectID: task.ProjectID,
			ActorID:   session.UserID,
			OldStatus: oldStatus,
			NewStatus: task.Status,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal status payload: %w", err)
		}
		update.Events = append(update.Events, store.OutboxEvent{Event: store.EventTaskStatusUpdate, Payload: payload})
	}

	if dueDateChanged {
		if remindAt := reminderAt(task.DueDate); remindAt != nil {
			update.Reminder = remindAt
		} else {
			update.ClearReminder = true
		}
	}

	if err := s.store.UpdateTask(ctx, update); err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexTask(taskRecord(task))
	}
	return s.taskPayload(ctx, taskID)
}

func (s *Service) DeleteTask(ctx context.Context, session Session, taskID string) error {
	return s.BulkDeleteTasks(ctx, session, []string{taskID})
}

// BulkDeleteTasks deletes a batch of tasks in one transaction. All ids must
// exist and belong to the same project.
func (s *Service) BulkDeleteTasks(ctx context.Context, session Session, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "taskIds must not be empty", nil)
	}
	taskIDs = dedupe(taskIDs)
	tasks, err := s.store.ListTasksByIDs(ctx, taskIDs)
	if err != nil {
		return err
	}
	if len(tasks) != len(taskIDs) {
		found := make(map[string]struct{}, len(tasks))
		for _, task := range tasks {
			found[task.ID] = struct{}{}
		}
		missing := make([]string, 0)
		for _, id := range taskIDs {
			if _, ok := found[id]; !ok {
				missing = append(missing, id)
			}
		}
		return domainError(http.StatusNotFound, "NOT_FOUND", "one or more tasks not found", map[string]any{"missing": missing})
	}
	projectID := tasks[0].ProjectID
	for _, task := range tasks {
		if task.ProjectID != projectID {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "tasks belong to different projects", nil)
		}
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	subject, err := s.projectSubject(ctx, session.UserID, project)
	if err != nil {
		return err
	}
	if !authz.CanDeleteTask(subject) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "only workspace admins or the team lead can delete tasks", nil)
	}
	if err := s.store.DeleteTasks(ctx, taskIDs); err != nil {
		return err
	}
	if s.search != nil {
		for _, id := range taskIDs {
			s.search.DeleteTask(id)
		}
	}
	return nil
}

func (s *Service) SearchTasks(ctx context.Context, session Session, projectID, text, status string, limit, offset int) (search.Response, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return search.Response{}, err
	}
	subject, err := s.projectSubject(ctx, session.UserID, project)
	if err != nil {
		return search.Response{}, err
	}
	if !authz.CanViewProject(subject) {
		return search.Response{}, domainError(http.StatusForbidden, "FORBIDDEN", "no access to this project", nil)
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:            text,
		FilterProjectID: projectID,
		FilterStatus:    status,
		Limit:           limit,
		Offset:          offset,
	}), nil
}

// resolveAssignees maps refs to user ids, requiring every one to be a
// member of the project. Invalid refs are collected so the caller sees all
// of them at once.
func (s *Service) resolveAssignees(ctx context.Context, projectID string, refs []UserRef) ([]string, error) {
	memberIDs, err := s.store.ListProjectMemberIDs(ctx, projectID)
	if err != nil {
		return nil, err
	}
	members := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		members[id] = struct{}{}
	}
	ids := make([]string, 0, len(refs))
	invalid := make([]string, 0)
	for _, ref := range refs {
		user, err := s.resolveUserRef(ctx, ref)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				invalid = append(invalid, refLabel(ref))
				continue
			}
			return nil, err
		}
		if _, ok := members[user.ID]; !ok {
			invalid = append(invalid, refLabel(ref))
			continue
		}
		ids = append(ids, user.ID)
	}
	if len(invalid) > 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "one or more assignees are not project members", map[string]any{"invalid": invalid})
	}
	return dedupe(ids), nil
}

func refLabel(ref UserRef) string {
	if ref.ID != "" {
		return ref.ID
	}
	return ref.Email
}

func buildTaskLinks(userID string, inputs []TaskLinkInput) ([]store.TaskLink, error) {
	links := make([]store.TaskLink, 0, len(inputs))
	for _, link := range inputs {
		raw := strings.TrimSpace(link.URL)
		if raw == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "link url is required", nil)
		}
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "link url must be an absolute URL", map[string]any{"url": raw})
		}
		links = append(links, store.TaskLink{
			ID:     util.NewID("lnk"),
			URL:    raw,
			Title:  link.Title,
			UserID: userID,
		})
	}
	return links, nil
}

// assignedEvents queues one event per assignee so each delivery retries
// independently of the others.
func assignedEvents(task store.Task, actorID string, assigneeIDs []string) ([]store.OutboxEvent, error) {
	events := make([]store.OutboxEvent, 0, len(assigneeIDs))
	for _, id := range assigneeIDs {
		payload, err := json.Marshal(notify.TaskAssignedPayload{
			TaskID:     task.ID,
			ProjectID:  task.ProjectID,
			ActorID:    actorID,
			AssigneeID: id,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal assigned payload: %w", err)
		}
		events = append(events, store.OutboxEvent{Event: store.EventTaskAssigned, Payload: payload})
	}
	return events, nil
}

// reminderAt returns when the due-date reminder should fire. The reminder
// goes out at the due date itself; past due dates get none.
func reminderAt(dueDate *time.Time) *time.Time {
	if dueDate == nil {
		return nil
	}
	if dueDate.Before(time.Now()) {
		return nil
	}
	at := *dueDate
	return &at
}

func diffIDs(current, desired []string) (toAdd, toRemove []string) {
	currentSet := make(map[string]struct{}, len(current))
	for _, id := range current {
		currentSet[id] = struct{}{}
	}
	desiredSet := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		desiredSet[id] = struct{}{}
		if _, ok := currentSet[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	for _, id := range current {
		if _, ok := desiredSet[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	return toAdd, toRemove
}

func taskRecord(task store.Task) search.TaskRecord {
	return search.TaskRecord{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		ProjectID:   task.ProjectID,
		Status:      task.Status,
		Priority:    task.Priority,
		Type:        task.Type,
	}
}

func (s *Service) taskPayload(ctx context.Context, taskID string) (map[string]any, error) {
	detail, err := s.store.GetTaskDetail(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return taskDetailPayload(detail), nil
}

func taskRowPayload(task store.Task) map[string]any {
	payload := map[string]any{
		"id":          task.ID,
		"projectId":   task.ProjectID,
		"title":       task.Title,
		"description": task.Description,
		"type":        task.Type,
		"status":      task.Status,
		"priority":    task.Priority,
		"position":    task.Position,
		"createdBy":   task.CreatedBy,
		"createdAt":   task.CreatedAt.Format(time.RFC3339),
		"updatedAt":   task.UpdatedAt.Format(time.RFC3339),
	}
	if task.FolderID != nil {
		payload["folderId"] = *task.FolderID
	}
	if task.DueDate != nil {
		payload["dueDate"] = task.DueDate.Format(time.RFC3339)
	}
	return payload
}

func taskDetailPayload(detail store.TaskDetail) map[string]any {
	payload := taskRowPayload(detail.Task)
	assignees := make([]map[string]any, 0, len(detail.Assignees))
	for _, user := range detail.Assignees {
		assignees = append(assignees, map[string]any{
			"id":    user.ID,
			"name":  user.Name,
			"email": user.Email,
		})
	}
	links := make([]map[string]any, 0, len(detail.Links))
	for _, link := range detail.Links {
		links = append(links, map[string]any{
			"id":    link.ID,
			"url":   link.URL,
			"title": link.Title,
		})
	}
	payload["assignees"] = assignees
	payload["links"] = links
	payload["commentCount"] = detail.CommentCount
	if detail.Folder != nil {
		payload["folder"] = folderPayload(*detail.Folder)
	}
	return payload
}
