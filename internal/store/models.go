package store

import "time"

type User struct {
	ID                    string
	Name                  string
	Email                 string
	PasswordHash          string
	Image                 string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// UserSummary is the projection embedded in hydrated task/comment payloads.
type UserSummary struct {
	ID    string
	Name  string
	Email string
	Image string
}

type Workspace struct {
	ID        string
	Name      string
	Slug      string
	OwnerID   string
	Settings  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type WorkspaceMember struct {
	UserID      string
	WorkspaceID string
	Role        string
	CreatedAt   time.Time
}

const (
	WorkspaceRoleAdmin  = "ADMIN"
	WorkspaceRoleMember = "MEMBER"
)

type Project struct {
	ID          string
	WorkspaceID string
	Name        string
	Description string
	Status      string
	Priority    string
	Progress    int
	TeamLeadID  string
	StartDate   *time.Time
	EndDate     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ProjectMember struct {
	UserID    string
	ProjectID string
	CreatedAt time.Time
}

type Folder struct {
	ID          string
	ProjectID   string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Task struct {
	ID          string
	ProjectID   string
	FolderID    *string
	Title       string
	Description string
	Type        string
	Status      string
	Priority    string
	DueDate     *time.Time
	Position    int
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	TaskStatusTodo           = "TODO"
	TaskStatusInProgress     = "IN_PROGRESS"
	TaskStatusInternalReview = "INTERNAL_REVIEW"
	TaskStatusDone           = "DONE"
	TaskStatusCancelled      = "CANCELLED"
)

type TaskAssignee struct {
	TaskID    string
	UserID    string
	CreatedAt time.Time
}

type TaskLink struct {
	ID        string
	TaskID    string
	URL       string
	Title     string
	UserID    string
	CreatedAt time.Time
}

// TaskDetail is a task hydrated with its related rows in one read.
type TaskDetail struct {
	Task
	Assignees    []UserSummary
	Links        []TaskLink
	Folder       *Folder
	CommentCount int
}

type Comment struct {
	ID        string
	TaskID    string
	UserID    string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CommentLink struct {
	ID        string
	CommentID string
	URL       string
	Title     string
	UserID    string
	CreatedAt time.Time
}

type CommentDetail struct {
	Comment
	Author UserSummary
	Links  []CommentLink
}

// OutboxEvent is a notification payload queued inside the same transaction
// as the mutation that produced it.
type OutboxEvent struct {
	Event   string
	Payload []byte
}

// Notification is a durable outbox row. Rows are written in the same
// transaction as the mutation that caused them and delivered by a worker
// loop, so delivery is at-least-once across restarts.
type Notification struct {
	ID          int64
	Event       string
	Payload     []byte
	Status      string
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

const (
	NotificationPending   = "PENDING"
	NotificationDelivered = "DELIVERED"
	NotificationFailed    = "FAILED"
)

const (
	EventTaskAssigned     = "task.assigned"
	EventTaskStatusUpdate = "task.status.updated"
	EventTaskCommentAdded = "task.comment.added"
)

// TaskUpdate carries a full task row plus the child-row deltas that must be
// applied with it in one transaction.
type TaskUpdate struct {
	Task            Task
	AddAssignees    []string
	RemoveAssignees []string
	Links           []TaskLink
	ReplaceLinks    bool
	Events          []OutboxEvent
	Reminder        *time.Time
	ClearReminder   bool
}

// Reminder is a persisted due-date reminder, one row per task. A periodic
// sweep delivers due rows; task status is re-checked at delivery time.
type Reminder struct {
	ID       int64
	TaskID   string
	RemindAt time.Time
	SentAt   *time.Time
}
