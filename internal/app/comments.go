package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"crewdesk/api/internal/authz"
	"crewdesk/api/internal/notify"
	"crewdesk/api/internal/store"
	"crewdesk/api/internal/util"
)

const commentExcerptLen = 140

type CommentInput struct {
	Content string          `json:"content"`
	Links   []TaskLinkInput `json:"links"`
}

func (s *Service) CreateComment(ctx context.Context, session Session, taskID string, input CommentInput) (map[string]any, error) {
	if strings.TrimSpace(input.Content) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
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
	if !authz.CanViewProject(subject) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "no access to this project", nil)
	}

	comment := store.Comment{
		ID:      util.NewID("cmt"),
		TaskID:  taskID,
		UserID:  session.UserID,
		Content: strings.TrimSpace(input.Content),
	}
	links, err := buildCommentLinks(session.UserID, comment.ID, input.Links)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(notify.TaskCommentPayload{
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		ActorID:   session.UserID,
		CommentID: comment.ID,
		Excerpt:   excerpt(comment.Content),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal comment payload: %w", err)
	}
	events := []store.OutboxEvent{{Event: store.EventTaskCommentAdded, Payload: payload}}

	if err := s.store.CreateComment(ctx, comment, links, events); err != nil {
		return nil, err
	}

	created, err := s.store.GetComment(ctx, comment.ID)
	if err != nil {
		return nil, err
	}
	return s.commentPayload(ctx, created)
}

func (s *Service) ListComments(ctx context.Context, session Session, taskID string) ([]map[string]any, error) {
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
	if !authz.CanViewProject(subject) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "no access to this project", nil)
	}
	comments, err := s.store.ListComments(ctx, taskID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentDetailPayload(comment))
	}
	return items, nil
}

func (s *Service) UpdateComment(ctx context.Context, session Session, commentID string, input CommentInput) (map[string]any, error) {
	if strings.TrimSpace(input.Content) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, comment.TaskID)
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
	if !authz.CanEditComment(subject, comment.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only the author or an admin can edit a comment", nil)
	}
	comment.Content = strings.TrimSpace(input.Content)

	replaceLinks := input.Links != nil
	var links []store.CommentLink
	if replaceLinks {
		links, err = buildCommentLinks(session.UserID, commentID, input.Links)
		if err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateComment(ctx, comment, links, replaceLinks); err != nil {
		return nil, err
	}
	updated, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	return s.commentPayload(ctx, updated)
}

func (s *Service) DeleteComment(ctx context.Context, session Session, commentID string) error {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	task, err := s.store.GetTask(ctx, comment.TaskID)
	if err != nil {
		return err
	}
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	subject, err := s.projectSubject(ctx, session.UserID, project)
	if err != nil {
		return err
	}
	if !authz.CanDeleteComment(subject, comment.UserID) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "only the author, an admin or the team lead can delete a comment", nil)
	}
	return s.store.DeleteComment(ctx, commentID)
}

func buildCommentLinks(userID, commentID string, inputs []TaskLinkInput) ([]store.CommentLink, error) {
	taskLinks, err := buildTaskLinks(userID, inputs)
	if err != nil {
		return nil, err
	}
	links := make([]store.CommentLink, 0, len(taskLinks))
	for _, link := range taskLinks {
		links = append(links, store.CommentLink{
			ID:        link.ID,
			CommentID: commentID,
			URL:       link.URL,
			Title:     link.Title,
			UserID:    userID,
		})
	}
	return links, nil
}

func excerpt(content string) string {
	runes := []rune(content)
	if len(runes) <= commentExcerptLen {
		return content
	}
	return string(runes[:commentExcerptLen]) + "…"
}

func (s *Service) commentPayload(ctx context.Context, comment store.Comment) (map[string]any, error) {
	author := store.UserSummary{ID: comment.UserID}
	if user, err := s.store.GetUserByID(ctx, comment.UserID); err == nil {
		author = store.UserSummary{ID: user.ID, Name: user.Name, Email: user.Email, Image: user.Image}
	}
	detail := store.CommentDetail{Comment: comment, Author: author}
	comments, err := s.store.ListComments(ctx, comment.TaskID)
	if err == nil {
		for _, c := range comments {
			if c.ID == comment.ID {
				detail = c
				break
			}
		}
	}
	return commentDetailPayload(detail), nil
}

func commentDetailPayload(detail store.CommentDetail) map[string]any {
	links := make([]map[string]any, 0, len(detail.Links))
	for _, link := range detail.Links {
		links = append(links, map[string]any{
			"id":    link.ID,
			"url":   link.URL,
			"title": link.Title,
		})
	}
	return map[string]any{
		"id":     detail.ID,
		"taskId": detail.TaskID,
		"author": map[string]any{
			"id":    detail.Author.ID,
			"name":  detail.Author.Name,
			"email": detail.Author.Email,
		},
		"content":   detail.Content,
		"links":     links,
		"createdAt": detail.CreatedAt.Format(time.RFC3339),
		"updatedAt": detail.UpdatedAt.Format(time.RFC3339),
	}
}
