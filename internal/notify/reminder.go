package notify

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"crewdesk/api/internal/email"
	"crewdesk/api/internal/store"
)

// RunReminders sweeps the reminder table until ctx is cancelled.
func (d *Dispatcher) RunReminders(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SweepReminders(ctx, time.Now())
		}
	}
}

// SweepReminders sends due reminders. The task's status is re-checked at
// delivery time: reminders for tasks that were finished or cancelled since
// the reminder was scheduled are dropped without sending.
func (d *Dispatcher) SweepReminders(ctx context.Context, now time.Time) {
	due, err := d.store.ListDueReminders(ctx, now, batchSize)
	if err != nil {
		log.Printf("notify: list due reminders: %v", err)
		return
	}
	for _, reminder := range due {
		if err := d.sendReminder(ctx, reminder); err != nil {
			log.Printf("notify: reminder for task %s: %v", reminder.TaskID, err)
			continue
		}
		if err := d.store.MarkReminderSent(ctx, reminder.ID); err != nil {
			log.Printf("notify: mark reminder sent %d: %v", reminder.ID, err)
		}
	}
}

func (d *Dispatcher) sendReminder(ctx context.Context, reminder store.Reminder) error {
	task, err := d.store.GetTask(ctx, reminder.TaskID)
	if errors.Is(err, sql.ErrNoRows) {
		// Task deleted since the reminder was scheduled.
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status == store.TaskStatusDone || task.Status == store.TaskStatusCancelled {
		return nil
	}
	if !d.mailer.IsConfigured() {
		// Marking it sent anyway would silently drop the reminder; leave
		// it for a configured deploy, same as outbox events.
		return errReminderUnsent
	}

	project, err := d.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}

	recipients, err := d.assigneeEmails(ctx, task.ID, "")
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return nil
	}

	dueDate := ""
	if task.DueDate != nil {
		dueDate = task.DueDate.Format("Mon, 02 Jan 2006")
	}
	return d.mailer.SendTaskReminderEmail(recipients, email.TaskEmailData{
		TaskTitle:   task.Title,
		ProjectName: project.Name,
		DueDate:     dueDate,
	})
}

var errReminderUnsent = errors.New("email not configured")
