package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Tasks

// CreateTask inserts the task together with its assignee rows, link rows,
// queued notification events, and optional due-date reminder in one
// transaction. Either everything lands or nothing does.
func (s *PostgresStore) CreateTask(ctx context.Context, task Task, assigneeIDs []string, links []TaskLink, events []OutboxEvent, remindAt *time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, project_id, folder_id, title, description, type, status, priority, due_date, position, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, task.ID, task.ProjectID, task.FolderID, task.Title, task.Description, task.Type, task.Status, task.Priority, task.DueDate, task.Position, task.CreatedBy)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := insertAssignees(ctx, tx, task.ID, assigneeIDs); err != nil {
			return err
		}
		if err := insertTaskLinks(ctx, tx, links); err != nil {
			return err
		}
		if err := insertOutboxEvents(ctx, tx, events); err != nil {
			return err
		}
		if remindAt != nil {
			if err := upsertReminder(ctx, tx, task.ID, *remindAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateTask rewrites the task row and applies the child-row deltas in one
// transaction: assignee additions and removals, link replacement when
// requested, queued events, and the reminder that tracks the due date.
func (s *PostgresStore) UpdateTask(ctx context.Context, update TaskUpdate) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		task := update.Task
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET folder_id=$2, title=$3, description=$4, type=$5, status=$6, priority=$7, due_date=$8, position=$9, updated_at=NOW()
			WHERE id=$1
		`, task.ID, task.FolderID, task.Title, task.Description, task.Type, task.Status, task.Priority, task.DueDate, task.Position)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		for _, userID := range update.RemoveAssignees {
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_assignees WHERE task_id=$1 AND user_id=$2`, task.ID, userID); err != nil {
				return fmt.Errorf("remove assignee: %w", err)
			}
		}
		if err := insertAssignees(ctx, tx, task.ID, update.AddAssignees); err != nil {
			return err
		}
		if update.ReplaceLinks {
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_links WHERE task_id=$1`, task.ID); err != nil {
				return fmt.Errorf("clear task links: %w", err)
			}
			if err := insertTaskLinks(ctx, tx, update.Links); err != nil {
				return err
			}
		}
		if err := insertOutboxEvents(ctx, tx, update.Events); err != nil {
			return err
		}
		if update.ClearReminder {
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_reminders WHERE task_id=$1`, task.ID); err != nil {
				return fmt.Errorf("clear reminder: %w", err)
			}
		} else if update.Reminder != nil {
			if err := upsertReminder(ctx, tx, task.ID, *update.Reminder); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertAssignees(ctx context.Context, tx *sql.Tx, taskID string, userIDs []string) error {
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_assignees (task_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (task_id, user_id) DO NOTHING
		`, taskID, userID); err != nil {
			return fmt.Errorf("insert assignee: %w", err)
		}
	}
	return nil
}

func insertTaskLinks(ctx context.Context, tx *sql.Tx, links []TaskLink) error {
	for _, link := range links {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_links (id, task_id, url, title, user_id)
			VALUES ($1, $2, $3, $4, $5)
		`, link.ID, link.TaskID, link.URL, link.Title, link.UserID); err != nil {
			return fmt.Errorf("insert task link: %w", err)
		}
	}
	return nil
}

func insertOutboxEvents(ctx context.Context, tx *sql.Tx, events []OutboxEvent) error {
	for _, event := range events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notification_outbox (event, payload)
			VALUES ($1, $2::jsonb)
		`, event.Event, string(event.Payload)); err != nil {
			return fmt.Errorf("queue notification: %w", err)
		}
	}
	return nil
}

func upsertReminder(ctx context.Context, tx *sql.Tx, taskID string, remindAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_reminders (task_id, remind_at)
		VALUES ($1, $2)
		ON CONFLICT (task_id) DO UPDATE SET remind_at=EXCLUDED.remind_at, sent_at=NULL
	`, taskID, remindAt)
	if err != nil {
		return fmt.Errorf("upsert reminder: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	var item Task
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, folder_id, title, description, type, status, priority, due_date, position, created_by, created_at, updated_at
		FROM tasks WHERE id=$1
	`, taskID).Scan(
		&item.ID, &item.ProjectID, &item.FolderID, &item.Title, &item.Description, &item.Type,
		&item.Status, &item.Priority, &item.DueDate, &item.Position, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	return item, nil
}

// GetTaskDetail returns the task hydrated with its assignees, links, folder,
// and comment count.
func (s *PostgresStore) GetTaskDetail(ctx context.Context, taskID string) (TaskDetail, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return TaskDetail{}, err
	}
	detail := TaskDetail{Task: task}

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.email, u.image
		FROM task_assignees ta
		JOIN users u ON u.id = ta.user_id
		WHERE ta.task_id=$1
		ORDER BY ta.created_at ASC
	`, taskID)
	if err != nil {
		return TaskDetail{}, fmt.Errorf("list task assignees: %w", err)
	}
	defer rows.Close()
	detail.Assignees = make([]UserSummary, 0)
	for rows.Next() {
		var item UserSummary
		if err := rows.Scan(&item.ID, &item.Name, &item.Email, &item.Image); err != nil {
			return TaskDetail{}, fmt.Errorf("scan assignee: %w", err)
		}
		detail.Assignees = append(detail.Assignees, item)
	}
	if err := rows.Err(); err != nil {
		return TaskDetail{}, fmt.Errorf("iterate assignees: %w", err)
	}

	linkRows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, url, title, user_id, created_at
		FROM task_links WHERE task_id=$1 ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return TaskDetail{}, fmt.Errorf("list task links: %w", err)
	}
	defer linkRows.Close()
	detail.Links = make([]TaskLink, 0)
	for linkRows.Next() {
		var item TaskLink
		if err := linkRows.Scan(&item.ID, &item.TaskID, &item.URL, &item.Title, &item.UserID, &item.CreatedAt); err != nil {
			return TaskDetail{}, fmt.Errorf("scan task link: %w", err)
		}
		detail.Links = append(detail.Links, item)
	}
	if err := linkRows.Err(); err != nil {
		return TaskDetail{}, fmt.Errorf("iterate task links: %w", err)
	}

	if task.FolderID != nil {
		folder, err := s.GetFolder(ctx, *task.FolderID)
		if err == nil {
			detail.Folder = &folder
		} else if err != sql.ErrNoRows {
			return TaskDetail{}, fmt.Errorf("get task folder: %w", err)
		}
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments WHERE task_id=$1`, taskID).Scan(&detail.CommentCount); err != nil {
		return TaskDetail{}, fmt.Errorf("count comments: %w", err)
	}
	return detail, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, folder_id, title, description, type, status, priority, due_date, position, created_by, created_at, updated_at
		FROM tasks
		WHERE project_id=$1
		ORDER BY position ASC, created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		var item Task
		if err := rows.Scan(
			&item.ID, &item.ProjectID, &item.FolderID, &item.Title, &item.Description, &item.Type,
			&item.Status, &item.Priority, &item.DueDate, &item.Position, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListTaskAssigneeIDs(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM task_assignees WHERE task_id=$1 ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task assignee ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan assignee id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignee ids: %w", err)
	}
	return ids, nil
}

// ListTasksByIDs returns whichever of the given tasks exist, in no
// particular order.
func (s *PostgresStore) ListTasksByIDs(ctx context.Context, taskIDs []string) ([]Task, error) {
	if len(taskIDs) == 0 {
		return []Task{}, nil
	}
	placeholders := make([]string, len(taskIDs))
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(`
		SELECT id, project_id, folder_id, title, description, type, status, priority, due_date, position, created_by, created_at, updated_at
		FROM tasks WHERE id IN (%s)
	`, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks by ids: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0, len(taskIDs))
	for rows.Next() {
		var item Task
		if err := rows.Scan(
			&item.ID, &item.ProjectID, &item.FolderID, &item.Title, &item.Description, &item.Type,
			&item.Status, &item.Priority, &item.DueDate, &item.Position, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

// DeleteTasks removes every given task in one transaction. Assignees, links,
// comments, and reminders go with them through the cascades.
func (s *PostgresStore) DeleteTasks(ctx context.Context, taskIDs []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, taskID := range taskIDs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID); err != nil {
				return fmt.Errorf("delete task: %w", err)
			}
		}
		return nil
	})
}

// Comments

// CreateComment inserts the comment, its link rows, and the queued
// notification events in one transaction.
func (s *PostgresStore) CreateComment(ctx context.Context, comment Comment, links []CommentLink, events []OutboxEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO comments (id, task_id, user_id, content)
			VALUES ($1, $2, $3, $4)
		`, comment.ID, comment.TaskID, comment.UserID, comment.Content)
		if err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		if err := insertCommentLinks(ctx, tx, links); err != nil {
			return err
		}
		return insertOutboxEvents(ctx, tx, events)
	})
}

func insertCommentLinks(ctx context.Context, tx *sql.Tx, links []CommentLink) error {
	for _, link := range links {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO comment_links (id, comment_id, url, title, user_id)
			VALUES ($1, $2, $3, $4, $5)
		`, link.ID, link.CommentID, link.URL, link.Title, link.UserID); err != nil {
			return fmt.Errorf("insert comment link: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, user_id, content, created_at, updated_at
		FROM comments WHERE id=$1
	`, commentID).Scan(&item.ID, &item.TaskID, &item.UserID, &item.Content, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, taskID string) ([]CommentDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.task_id, c.user_id, c.content, c.created_at, c.updated_at,
			u.id, u.name, u.email, u.image
		FROM comments c
		JOIN users u ON u.id = c.user_id
		WHERE c.task_id=$1
		ORDER BY c.created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]CommentDetail, 0)
	for rows.Next() {
		var item CommentDetail
		if err := rows.Scan(
			&item.ID, &item.TaskID, &item.UserID, &item.Content, &item.CreatedAt, &item.UpdatedAt,
			&item.Author.ID, &item.Author.Name, &item.Author.Email, &item.Author.Image,
		); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}

	for i := range items {
		links, err := s.listCommentLinks(ctx, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Links = links
	}
	return items, nil
}

func (s *PostgresStore) listCommentLinks(ctx context.Context, commentID string) ([]CommentLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, comment_id, url, title, user_id, created_at
		FROM comment_links WHERE comment_id=$1 ORDER BY created_at ASC
	`, commentID)
	if err != nil {
		return nil, fmt.Errorf("list comment links: %w", err)
	}
	defer rows.Close()

	items := make([]CommentLink, 0)
	for rows.Next() {
		var item CommentLink
		if err := rows.Scan(&item.ID, &item.CommentID, &item.URL, &item.Title, &item.UserID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment link: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comment links: %w", err)
	}
	return items, nil
}

// UpdateComment rewrites the comment body and, when replaceLinks is set,
// swaps the link set in the same transaction.
func (s *PostgresStore) UpdateComment(ctx context.Context, comment Comment, links []CommentLink, replaceLinks bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE comments SET content=$2, updated_at=NOW() WHERE id=$1
		`, comment.ID, comment.Content)
		if err != nil {
			return fmt.Errorf("update comment: %w", err)
		}
		if replaceLinks {
			if _, err := tx.ExecContext(ctx, `DELETE FROM comment_links WHERE comment_id=$1`, comment.ID); err != nil {
				return fmt.Errorf("clear comment links: %w", err)
			}
			if err := insertCommentLinks(ctx, tx, links); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

// Notification outbox

func (s *PostgresStore) ListPendingNotifications(ctx context.Context, limit int) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event, payload, status, attempts, last_error, created_at, delivered_at
		FROM notification_outbox
		WHERE status=$1
		ORDER BY id ASC
		LIMIT $2
	`, NotificationPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.Event, &item.Payload, &item.Status, &item.Attempts, &item.LastError, &item.CreatedAt, &item.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkNotificationDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status=$2, attempts=attempts+1, delivered_at=NOW()
		WHERE id=$1
	`, id, NotificationDelivered)
	if err != nil {
		return fmt.Errorf("mark notification delivered: %w", err)
	}
	return nil
}

// MarkNotificationFailed records the failure; the row stays PENDING until
// maxAttempts is exhausted so the next sweep retries it.
func (s *PostgresStore) MarkNotificationFailed(ctx context.Context, id int64, lastError string, maxAttempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET attempts=attempts+1,
			last_error=$2,
			status=CASE WHEN attempts+1 >= $3 THEN 'FAILED' ELSE status END
		WHERE id=$1
	`, id, lastError, maxAttempts)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	return nil
}

// Reminders

func (s *PostgresStore) ListDueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, remind_at, sent_at
		FROM task_reminders
		WHERE sent_at IS NULL AND remind_at <= $1
		ORDER BY remind_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	defer rows.Close()

	items := make([]Reminder, 0)
	for rows.Next() {
		var item Reminder
		if err := rows.Scan(&item.ID, &item.TaskID, &item.RemindAt, &item.SentAt); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminders: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkReminderSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_reminders SET sent_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	return nil
}
