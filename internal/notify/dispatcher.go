// Package notify delivers queued notification events and due-date reminders.
// Events are written to a durable outbox in the same transaction as the
// mutation that produced them; the dispatcher drains the outbox and sends
// email, so delivery is at-least-once and a failed send never loses the
// event.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"crewdesk/api/internal/email"
	"crewdesk/api/internal/store"
)

// TaskAssignedPayload is the outbox payload for task.assigned events. One
// row is queued per (task, assignee) pair, so each delivery succeeds or
// retries on its own.
type TaskAssignedPayload struct {
	TaskID     string `json:"taskId"`
	ProjectID  string `json:"projectId"`
	ActorID    string `json:"actorId"`
	AssigneeID string `json:"assigneeId"`
}

// TaskStatusPayload is the outbox payload for task.status.updated events.
type TaskStatusPayload struct {
	TaskID    string `json:"taskId"`
	ProjectID string `json:"projectId"`
	ActorID   string `json:"actorId"`
	OldStatus string `json:"oldStatus"`
	NewStatus string `json:"newStatus"`
}

// TaskCommentPayload is the outbox payload for task.comment.added events.
type TaskCommentPayload struct {
	TaskID    string `json:"taskId"`
	ProjectID string `json:"projectId"`
	ActorID   string `json:"actorId"`
	CommentID string `json:"commentId"`
	Excerpt   string `json:"excerpt"`
}

// Store is the storage surface the dispatcher needs.
type Store interface {
	ListPendingNotifications(ctx context.Context, limit int) ([]store.Notification, error)
	MarkNotificationDelivered(ctx context.Context, id int64) error
	MarkNotificationFailed(ctx context.Context, id int64, lastError string, maxAttempts int) error
	ListDueReminders(ctx context.Context, now time.Time, limit int) ([]store.Reminder, error)
	MarkReminderSent(ctx context.Context, id int64) error
	GetTask(ctx context.Context, taskID string) (store.Task, error)
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	ListTaskAssigneeIDs(ctx context.Context, taskID string) ([]string, error)
}

// Mailer is the email surface the dispatcher needs.
type Mailer interface {
	IsConfigured() bool
	SendTaskAssignedEmail(to string, data email.TaskEmailData) error
	SendTaskStatusEmail(to []string, data email.TaskEmailData) error
	SendTaskCommentEmail(to []string, data email.TaskEmailData) error
	SendTaskReminderEmail(to []string, data email.TaskEmailData) error
}

const (
	batchSize   = 50
	maxAttempts = 5
)

// Dispatcher drains the notification outbox and the reminder table.
type Dispatcher struct {
	store  Store
	mailer Mailer
}

func NewDispatcher(st Store, mailer Mailer) *Dispatcher {
	return &Dispatcher{store: st, mailer: mailer}
}

// Run polls the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DrainOutbox(ctx)
		}
	}
}

// DrainOutbox processes one batch of pending notifications. Failures are
// isolated per event: a send error is recorded on that row and the rest of
// the batch continues.
func (d *Dispatcher) DrainOutbox(ctx context.Context) {
	if !d.mailer.IsConfigured() {
		// Nothing to send with. Rows stay pending, untouched, so a later
		// deploy with SMTP configured can still deliver them.
		return
	}
	pending, err := d.store.ListPendingNotifications(ctx, batchSize)
	if err != nil {
		log.Printf("notify: list pending: %v", err)
		return
	}
	for _, n := range pending {
		if err := d.deliver(ctx, n); err != nil {
			log.Printf("notify: deliver event %d (%s): %v", n.ID, n.Event, err)
			if err := d.store.MarkNotificationFailed(ctx, n.ID, err.Error(), maxAttempts); err != nil {
				log.Printf("notify: mark failed %d: %v", n.ID, err)
			}
			continue
		}
		if err := d.store.MarkNotificationDelivered(ctx, n.ID); err != nil {
			log.Printf("notify: mark delivered %d: %v", n.ID, err)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n store.Notification) error {
	switch n.Event {
	case store.EventTaskAssigned:
		return d.deliverAssigned(ctx, n.Payload)
	case store.EventTaskStatusUpdate:
		return d.deliverStatus(ctx, n.Payload)
	case store.EventTaskCommentAdded:
		return d.deliverComment(ctx, n.Payload)
	default:
		return fmt.Errorf("unknown event %q", n.Event)
	}
}

func (d *Dispatcher) deliverAssigned(ctx context.Context, payload []byte) error {
	var p TaskAssignedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	data, err := d.taskEmailData(ctx, p.TaskID, p.ProjectID, p.ActorID)
	if err != nil {
		return err
	}
	user, err := d.store.GetUserByID(ctx, p.AssigneeID)
	if errors.Is(err, sql.ErrNoRows) {
		// Assignee deleted since the event was queued.
		return nil
	}
	if err != nil {
		return fmt.Errorf("assignee %s lookup: %w", p.AssigneeID, err)
	}
	data.UserName = user.Name
	if err := d.mailer.SendTaskAssignedEmail(user.Email, data); err != nil {
		return fmt.Errorf("send to %s: %w", user.Email, err)
	}
	return nil
}

func (d *Dispatcher) deliverStatus(ctx context.Context, payload []byte) error {
	var p TaskStatusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	data, err := d.taskEmailData(ctx, p.TaskID, p.ProjectID, p.ActorID)
	if err != nil {
		return err
	}
	data.OldStatus = p.OldStatus
	data.NewStatus = p.NewStatus

	// Status changes go to every current assignee, including the actor, so
	// the thread of record is complete in everyone's inbox.
	recipients, err := d.assigneeEmails(ctx, p.TaskID, "")
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return nil
	}
	return d.mailer.SendTaskStatusEmail(recipients, data)
}

func (d *Dispatcher) deliverComment(ctx context.Context, payload []byte) error {
	var p TaskCommentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	data, err := d.taskEmailData(ctx, p.TaskID, p.ProjectID, p.ActorID)
	if err != nil {
		return err
	}
	data.Comment = p.Excerpt

	recipients, err := d.assigneeEmails(ctx, p.TaskID, p.ActorID)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return nil
	}
	return d.mailer.SendTaskCommentEmail(recipients, data)
}

func (d *Dispatcher) taskEmailData(ctx context.Context, taskID, projectID, actorID string) (email.TaskEmailData, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return email.TaskEmailData{}, fmt.Errorf("load task: %w", err)
	}
	project, err := d.store.GetProject(ctx, projectID)
	if err != nil {
		return email.TaskEmailData{}, fmt.Errorf("load project: %w", err)
	}
	data := email.TaskEmailData{
		TaskTitle:   task.Title,
		ProjectName: project.Name,
	}
	if actorID != "" {
		if actor, err := d.store.GetUserByID(ctx, actorID); err == nil {
			data.ActorName = actor.Name
		}
	}
	return data, nil
}

// assigneeEmails resolves the task's assignees to addresses. A non-empty
// skipID is excluded, used to keep comment authors out of their own
// notification.
func (d *Dispatcher) assigneeEmails(ctx context.Context, taskID, skipID string) ([]string, error) {
	ids, err := d.store.ListTaskAssigneeIDs(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list assignees: %w", err)
	}
	emails := make([]string, 0, len(ids))
	for _, id := range ids {
		if skipID != "" && id == skipID {
			continue
		}
		user, err := d.store.GetUserByID(ctx, id)
		if err != nil {
			log.Printf("notify: assignee %s lookup: %v", id, err)
			continue
		}
		emails = append(emails, user.Email)
	}
	return emails, nil
}
