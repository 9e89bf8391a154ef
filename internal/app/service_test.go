package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"crewdesk/api/internal/config"
	"crewdesk/api/internal/notify"
	"crewdesk/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn           func(context.Context, string) (store.User, error)
	getUserByEmailFn        func(context.Context, string) (store.User, error)
	ensureWorkspaceFn       func(context.Context, store.Workspace) (store.Workspace, bool, error)
	getWorkspaceFn          func(context.Context, string) (store.Workspace, error)
	ensureWorkspaceMemberFn func(context.Context, string, string, string) error
	listWorkspaceMembersFn  func(context.Context, string) ([]store.WorkspaceMember, error)
	createProjectFn         func(context.Context, store.Project, []string) error
	getProjectFn            func(context.Context, string) (store.Project, error)
	listProjectMemberIDsFn  func(context.Context, string) ([]string, error)
	getFolderFn             func(context.Context, string) (store.Folder, error)
	createTaskFn            func(context.Context, store.Task, []string, []store.TaskLink, []store.OutboxEvent, *time.Time) error
	updateTaskFn            func(context.Context, store.TaskUpdate) error
	getTaskFn               func(context.Context, string) (store.Task, error)
	getTaskDetailFn         func(context.Context, string) (store.TaskDetail, error)
	listTasksFn             func(context.Context, string) ([]store.Task, error)
	listTaskAssigneeIDsFn   func(context.Context, string) ([]string, error)
	listTasksByIDsFn        func(context.Context, []string) ([]store.Task, error)
	deleteTasksFn           func(context.Context, []string) error
	createCommentFn         func(context.Context, store.Comment, []store.CommentLink, []store.OutboxEvent) error
	getCommentFn            func(context.Context, string) (store.Comment, error)
	deleteCommentFn         func(context.Context, string) error

	saveRefreshFn   func(context.Context, string, store.User, time.Time) error
	lookupRefreshFn func(context.Context, string) (store.User, error)
	revokeRefreshFn func(context.Context, string) error
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) EnsureWorkspace(ctx context.Context, workspace store.Workspace) (store.Workspace, bool, error) {
	if f.ensureWorkspaceFn != nil {
		return f.ensureWorkspaceFn(ctx, workspace)
	}
	return workspace, true, nil
}
func (f *fakeStore) GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error) {
	if f.getWorkspaceFn != nil {
		return f.getWorkspaceFn(ctx, workspaceID)
	}
	return store.Workspace{}, sql.ErrNoRows
}
func (f *fakeStore) GetWorkspaceBySlug(context.Context, string) (store.Workspace, error) {
	return store.Workspace{}, sql.ErrNoRows
}
func (f *fakeStore) EnsureWorkspaceMember(ctx context.Context, workspaceID, userID, role string) error {
	if f.ensureWorkspaceMemberFn != nil {
		return f.ensureWorkspaceMemberFn(ctx, workspaceID, userID, role)
	}
	return nil
}
func (f *fakeStore) ListWorkspaceMembers(ctx context.Context, workspaceID string) ([]store.WorkspaceMember, error) {
	if f.listWorkspaceMembersFn != nil {
		return f.listWorkspaceMembersFn(ctx, workspaceID)
	}
	return nil, nil
}
func (f *fakeStore) ListWorkspacesForUser(context.Context, string) ([]store.Workspace, error) {
	return nil, nil
}

func (f *fakeStore) CreateProject(ctx context.Context, project store.Project, memberIDs []string) error {
	if f.createProjectFn != nil {
		return f.createProjectFn(ctx, project, memberIDs)
	}
	return nil
}
func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{}, sql.ErrNoRows
}
func (f *fakeStore) ListProjects(context.Context, string) ([]store.Project, error) { return nil, nil }
func (f *fakeStore) UpdateProject(context.Context, store.Project) error            { return nil }
func (f *fakeStore) DeleteProject(context.Context, string) error                   { return nil }
func (f *fakeStore) ListProjectMemberIDs(ctx context.Context, projectID string) ([]string, error) {
	if f.listProjectMemberIDsFn != nil {
		return f.listProjectMemberIDsFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeStore) AddProjectMember(context.Context, string, string) error { return nil }

func (f *fakeStore) CreateFolder(context.Context, store.Folder) error { return nil }
func (f *fakeStore) GetFolder(ctx context.Context, folderID string) (store.Folder, error) {
	if f.getFolderFn != nil {
		return f.getFolderFn(ctx, folderID)
	}
	return store.Folder{}, sql.ErrNoRows
}
func (f *fakeStore) ListFolders(context.Context, string) ([]store.Folder, error) { return nil, nil }
func (f *fakeStore) UpdateFolder(context.Context, string, string, string) error  { return nil }
func (f *fakeStore) DeleteFolder(context.Context, string) error                  { return nil }

func (f *fakeStore) CreateTask(ctx context.Context, task store.Task, assigneeIDs []string, links []store.TaskLink, events []store.OutboxEvent, remindAt *time.Time) error {
	if f.createTaskFn != nil {
		return f.createTaskFn(ctx, task, assigneeIDs, links, events, remindAt)
	}
	return nil
}
func (f *fakeStore) UpdateTask(ctx context.Context, update store.TaskUpdate) error {
	if f.updateTaskFn != nil {
		return f.updateTaskFn(ctx, update)
	}
	return nil
}
func (f *fakeStore) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	if f.getTaskFn != nil {
		return f.getTaskFn(ctx, taskID)
	}
	return store.Task{}, sql.ErrNoRows
}
func (f *fakeStore) GetTaskDetail(ctx context.Context, taskID string) (store.TaskDetail, error) {
	if f.getTaskDetailFn != nil {
		return f.getTaskDetailFn(ctx, taskID)
	}
	return store.TaskDetail{Task: store.Task{ID: taskID}}, nil
}
func (f *fakeStore) ListTasks(ctx context.Context, projectID string) ([]store.Task, error) {
	if f.listTasksFn != nil {
		return f.listTasksFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeStore) ListTaskAssigneeIDs(ctx context.Context, taskID string) ([]string, error) {
	if f.listTaskAssigneeIDsFn != nil {
		return f.listTaskAssigneeIDsFn(ctx, taskID)
	}
	return nil, nil
}
func (f *fakeStore) ListTasksByIDs(ctx context.Context, taskIDs []string) ([]store.Task, error) {
	if f.listTasksByIDsFn != nil {
		return f.listTasksByIDsFn(ctx, taskIDs)
	}
	return nil, nil
}
func (f *fakeStore) DeleteTasks(ctx context.Context, taskIDs []string) error {
	if f.deleteTasksFn != nil {
		return f.deleteTasksFn(ctx, taskIDs)
	}
	return nil
}

func (f *fakeStore) CreateComment(ctx context.Context, comment store.Comment, links []store.CommentLink, events []store.OutboxEvent) error {
	if f.createCommentFn != nil {
		return f.createCommentFn(ctx, comment, links, events)
	}
	return nil
}
func (f *fakeStore) GetComment(ctx context.Context, commentID string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, commentID)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) ListComments(context.Context, string) ([]store.CommentDetail, error) {
	return nil, nil
}
func (f *fakeStore) UpdateComment(context.Context, store.Comment, []store.CommentLink, bool) error {
	return nil
}
func (f *fakeStore) DeleteComment(ctx context.Context, commentID string) error {
	if f.deleteCommentFn != nil {
		return f.deleteCommentFn(ctx, commentID)
	}
	return nil
}

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	if f.saveRefreshFn != nil {
		return f.saveRefreshFn(ctx, tokenHash, user, expiresAt)
	}
	return nil
}
func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshFn != nil {
		return f.lookupRefreshFn(ctx, tokenHash)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeRefreshFn != nil {
		return f.revokeRefreshFn(ctx, tokenHash)
	}
	return nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			TokenSecret:          "test-secret",
			AccessTTL:            15 * time.Minute,
			RefreshTTL:           30 * 24 * time.Hour,
			DefaultWorkspaceName: "My Workspace",
			DefaultWorkspaceSlug: "my-workspace",
		},
		store:    fs,
		sessions: fs,
	}
}

// baseFakeStore wires one workspace (wsp-1, owner usr-owner) with members
// usr-owner (ADMIN), usr-lead and usr-member, and one project (prj-1) led by
// usr-lead with usr-member on it.
func baseFakeStore() *fakeStore {
	fs := &fakeStore{}
	fs.getWorkspaceFn = func(_ context.Context, workspaceID string) (store.Workspace, error) {
		if workspaceID != "wsp-1" {
			return store.Workspace{}, sql.ErrNoRows
		}
		return store.Workspace{ID: "wsp-1", Name: "My Workspace", Slug: "my-workspace", OwnerID: "usr-owner"}, nil
	}
	fs.listWorkspaceMembersFn = func(context.Context, string) ([]store.WorkspaceMember, error) {
		return []store.WorkspaceMember{
			{UserID: "usr-owner", WorkspaceID: "wsp-1", Role: store.WorkspaceRoleAdmin},
			{UserID: "usr-lead", WorkspaceID: "wsp-1", Role: store.WorkspaceRoleMember},
			{UserID: "usr-member", WorkspaceID: "wsp-1", Role: store.WorkspaceRoleMember},
		}, nil
	}
	fs.getProjectFn = func(_ context.Context, projectID string) (store.Project, error) {
		if projectID != "prj-1" {
			return store.Project{}, sql.ErrNoRows
		}
		return store.Project{ID: "prj-1", WorkspaceID: "wsp-1", Name: "Relaunch", Status: "ACTIVE", Priority: "HIGH", TeamLeadID: "usr-lead"}, nil
	}
	fs.listProjectMemberIDsFn = func(context.Context, string) ([]string, error) {
		return []string{"usr-lead", "usr-member"}, nil
	}
	fs.getUserByIDFn = func(_ context.Context, userID string) (store.User, error) {
		switch userID {
		case "usr-owner", "usr-lead", "usr-member":
			return store.User{ID: userID, Name: userID, Email: userID + "@example.com"}, nil
		}
		return store.User{}, sql.ErrNoRows
	}
	return fs
}

func sessionFor(userID string) Session {
	return Session{UserID: userID, UserName: userID, UserEmail: userID + "@example.com"}
}

func TestEnsureDefaultWorkspaceFirstUserBecomesAdmin(t *testing.T) {
	var gotRole string
	fs := baseFakeStore()
	fs.ensureWorkspaceFn = func(_ context.Context, workspace store.Workspace) (store.Workspace, bool, error) {
		if workspace.Slug != "my-workspace" {
			t.Fatalf("expected default slug, got %q", workspace.Slug)
		}
		return workspace, true, nil
	}
	fs.ensureWorkspaceMemberFn = func(_ context.Context, _, _, role string) error {
		gotRole = role
		return nil
	}
	svc := newTestService(fs)

	if _, err := svc.EnsureDefaultWorkspace(context.Background(), "usr-first"); err != nil {
		t.Fatalf("EnsureDefaultWorkspace: %v", err)
	}
	if gotRole != store.WorkspaceRoleAdmin {
		t.Fatalf("expected first user to join as ADMIN, got %q", gotRole)
	}
}

func TestEnsureDefaultWorkspaceLaterUsersJoinAsMembers(t *testing.T) {
	var gotRole string
	fs := baseFakeStore()
	fs.ensureWorkspaceFn = func(_ context.Context, workspace store.Workspace) (store.Workspace, bool, error) {
		existing := store.Workspace{ID: "wsp-1", Name: "My Workspace", Slug: "my-workspace", OwnerID: "usr-owner"}
		return existing, false, nil
	}
	fs.ensureWorkspaceMemberFn = func(_ context.Context, workspaceID, userID, role string) error {
		if workspaceID != "wsp-1" || userID != "usr-late" {
			t.Fatalf("unexpected membership %s/%s", workspaceID, userID)
		}
		gotRole = role
		return nil
	}
	svc := newTestService(fs)

	if _, err := svc.EnsureDefaultWorkspace(context.Background(), "usr-late"); err != nil {
		t.Fatalf("EnsureDefaultWorkspace: %v", err)
	}
	if gotRole != store.WorkspaceRoleMember {
		t.Fatalf("expected later users to join as MEMBER, got %q", gotRole)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	saved := map[string]store.User{}
	fs := baseFakeStore()
	fs.saveRefreshFn = func(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
		saved[tokenHash] = user
		return nil
	}
	fs.lookupRefreshFn = func(_ context.Context, tokenHash string) (store.User, error) {
		user, ok := saved[tokenHash]
		if !ok {
			return store.User{}, sql.ErrNoRows
		}
		return user, nil
	}
	revoked := []string{}
	fs.revokeRefreshFn = func(_ context.Context, tokenHash string) error {
		revoked = append(revoked, tokenHash)
		delete(saved, tokenHash)
		return nil
	}
	svc := newTestService(fs)

	session, err := svc.CreateSession(context.Background(), "usr-member")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected both tokens to be issued")
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != "usr-member" {
		t.Fatalf("expected usr-member, got %q", parsed.UserID)
	}

	rotated, err := svc.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatal("expected refresh token to rotate")
	}
	if len(revoked) != 1 {
		t.Fatalf("expected old refresh session to be revoked, got %d revocations", len(revoked))
	}
	if _, err := svc.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Fatal("expected reuse of a rotated refresh token to fail")
	}
}

func TestCreateProjectRequiresWorkspaceMembership(t *testing.T) {
	fs := baseFakeStore()
	svc := newTestService(fs)

	_, err := svc.CreateProject(context.Background(), sessionFor("usr-stranger"), CreateProjectInput{
		WorkspaceID: "wsp-1",
		Name:        "Skunkworks",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestCreateProjectDropsUnresolvableMembers(t *testing.T) {
	var gotMembers []string
	fs := baseFakeStore()
	fs.createProjectFn = func(_ context.Context, project store.Project, memberIDs []string) error {
		gotMembers = memberIDs
		fs.getProjectFn = func(_ context.Context, projectID string) (store.Project, error) {
			if projectID == project.ID {
				return project, nil
			}
			return store.Project{}, sql.ErrNoRows
		}
		return nil
	}
	svc := newTestService(fs)

	_, err := svc.CreateProject(context.Background(), sessionFor("usr-owner"), CreateProjectInput{
		WorkspaceID: "wsp-1",
		Name:        "Relaunch",
		Members: []UserRef{
			{ID: "usr-member"},
			{Email: "nobody@example.com"},
		},
	})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	want := map[string]bool{"usr-owner": true, "usr-member": true}
	if len(gotMembers) != 2 {
		t.Fatalf("expected unresolvable members to be dropped, got %v", gotMembers)
	}
	for _, id := range gotMembers {
		if !want[id] {
			t.Fatalf("unexpected project member %q", id)
		}
	}
}

func TestCreateProjectSeedsLeadNotCreator(t *testing.T) {
	var gotMembers []string
	fs := baseFakeStore()
	fs.createProjectFn = func(_ context.Context, project store.Project, memberIDs []string) error {
		gotMembers = memberIDs
		fs.getProjectFn = func(_ context.Context, projectID string) (store.Project, error) {
			if projectID == project.ID {
				return project, nil
			}
			return store.Project{}, sql.ErrNoRows
		}
		return nil
	}
	svc := newTestService(fs)

	_, err := svc.CreateProject(context.Background(), sessionFor("usr-owner"), CreateProjectInput{
		WorkspaceID: "wsp-1",
		Name:        "Relaunch",
		TeamLead:    &UserRef{ID: "usr-lead"},
	})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if len(gotMembers) != 1 || gotMembers[0] != "usr-lead" {
		t.Fatalf("expected only the team lead seeded, got %v", gotMembers)
	}
}

func TestCreateProjectRejectsInvalidStatus(t *testing.T) {
	svc := newTestService(baseFakeStore())

	_, err := svc.CreateProject(context.Background(), sessionFor("usr-owner"), CreateProjectInput{
		WorkspaceID: "wsp-1",
		Name:        "Relaunch",
		Status:      "SHIPPING",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestCreateTaskCollectsAllInvalidAssignees(t *testing.T) {
	svc := newTestService(baseFakeStore())

	_, err := svc.CreateTask(context.Background(), sessionFor("usr-lead"), "prj-1", CreateTaskInput{
		Title: "Ship it",
		Assignees: []UserRef{
			{ID: "usr-member"},
			{ID: "usr-ghost"},
			{Email: "nobody@example.com"},
		},
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
	details, ok := domainErr.Details.(map[string]any)
	if !ok {
		t.Fatalf("expected details map, got %T", domainErr.Details)
	}
	invalid, ok := details["invalid"].([]string)
	if !ok || len(invalid) != 2 {
		t.Fatalf("expected both invalid assignees reported, got %v", details["invalid"])
	}
}

func TestCreateTaskRejectsFolderFromAnotherProject(t *testing.T) {
	fs := baseFakeStore()
	fs.getFolderFn = func(_ context.Context, folderID string) (store.Folder, error) {
		return store.Folder{ID: folderID, ProjectID: "prj-other"}, nil
	}
	svc := newTestService(fs)

	folderID := "fld-1"
	_, err := svc.CreateTask(context.Background(), sessionFor("usr-lead"), "prj-1", CreateTaskInput{
		Title:    "Ship it",
		FolderID: &folderID,
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestCreateTaskQueuesAssignedEventAndReminder(t *testing.T) {
	var (
		gotAssignees []string
		gotEvents    []store.OutboxEvent
		gotRemindAt  *time.Time
	)
	fs := baseFakeStore()
	fs.createTaskFn = func(_ context.Context, task store.Task, assigneeIDs []string, _ []store.TaskLink, events []store.OutboxEvent, remindAt *time.Time) error {
		gotAssignees = assigneeIDs
		gotEvents = events
		gotRemindAt = remindAt
		return nil
	}
	svc := newTestService(fs)

	due := time.Now().Add(72 * time.Hour)
	_, err := svc.CreateTask(context.Background(), sessionFor("usr-lead"), "prj-1", CreateTaskInput{
		Title:     "Ship it",
		DueDate:   &due,
		Assignees: []UserRef{{ID: "usr-member"}},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if len(gotAssignees) != 1 || gotAssignees[0] != "usr-member" {
		t.Fatalf("unexpected assignees %v", gotAssignees)
	}
	if len(gotEvents) != 1 || gotEvents[0].Event != store.EventTaskAssigned {
		t.Fatalf("expected one %s event, got %v", store.EventTaskAssigned, gotEvents)
	}
	var payload notify.TaskAssignedPayload
	if err := json.Unmarshal(gotEvents[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ActorID != "usr-lead" || payload.AssigneeID != "usr-member" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if gotRemindAt == nil {
		t.Fatal("expected a reminder for a future due date")
	}
	if !gotRemindAt.Equal(due) {
		t.Fatalf("expected reminder at the due date %v, got %v", due, gotRemindAt)
	}
}

func TestCreateTaskQueuesOneAssignedEventPerAssignee(t *testing.T) {
	var gotEvents []store.OutboxEvent
	fs := baseFakeStore()
	fs.createTaskFn = func(_ context.Context, _ store.Task, _ []string, _ []store.TaskLink, events []store.OutboxEvent, _ *time.Time) error {
		gotEvents = events
		return nil
	}
	svc := newTestService(fs)

	_, err := svc.CreateTask(context.Background(), sessionFor("usr-owner"), "prj-1", CreateTaskInput{
		Title:     "Ship it",
		Assignees: []UserRef{{ID: "usr-lead"}, {ID: "usr-member"}},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if len(gotEvents) != 2 {
		t.Fatalf("expected one event per assignee, got %d", len(gotEvents))
	}
	notified := map[string]bool{}
	for _, event := range gotEvents {
		if event.Event != store.EventTaskAssigned {
			t.Fatalf("unexpected event %q", event.Event)
		}
		var payload notify.TaskAssignedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		notified[payload.AssigneeID] = true
	}
	if !notified["usr-lead"] || !notified["usr-member"] {
		t.Fatalf("expected events for both assignees, got %v", notified)
	}
}

func TestCreateTaskSkipsReminderForPastDueDate(t *testing.T) {
	var gotRemindAt *time.Time
	fs := baseFakeStore()
	fs.createTaskFn = func(_ context.Context, _ store.Task, _ []string, _ []store.TaskLink, _ []store.OutboxEvent, remindAt *time.Time) error {
		gotRemindAt = remindAt
		return nil
	}
	svc := newTestService(fs)

	due := time.Now().Add(-time.Hour)
	if _, err := svc.CreateTask(context.Background(), sessionFor("usr-lead"), "prj-1", CreateTaskInput{
		Title:   "Backfill",
		DueDate: &due,
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if gotRemindAt != nil {
		t.Fatalf("expected no reminder for a past due date, got %v", gotRemindAt)
	}
}

func TestCreateTaskRejectsRelativeLinkURL(t *testing.T) {
	svc := newTestService(baseFakeStore())

	_, err := svc.CreateTask(context.Background(), sessionFor("usr-lead"), "prj-1", CreateTaskInput{
		Title: "Ship it",
		Links: []TaskLinkInput{{URL: "docs/spec"}},
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for a relative link, got %v", err)
	}
}

func TestUpdateTaskEmitsStatusEventOnChange(t *testing.T) {
	var gotUpdate store.TaskUpdate
	fs := baseFakeStore()
	fs.getTaskFn = func(context.Context, string) (store.Task, error) {
		return store.Task{ID: "tsk-1", ProjectID: "prj-1", Title: "Ship it", Status: store.TaskStatusTodo, Type: "FEATURE", Priority: "MEDIUM"}, nil
	}
	fs.listTaskAssigneeIDsFn = func(context.Context, string) ([]string, error) {
		return []string{"usr-member"}, nil
	}
	fs.updateTaskFn = func(_ context.Context, update store.TaskUpdate) error {
		gotUpdate = update
		return nil
	}
	svc := newTestService(fs)

	newStatus := store.TaskStatusDone
	_, err := svc.UpdateTask(context.Background(), sessionFor("usr-member"), "tsk-1", UpdateTaskInput{
		Status: &newStatus,
	})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if len(gotUpdate.Events) != 1 || gotUpdate.Events[0].Event != store.EventTaskStatusUpdate {
		t.Fatalf("expected one status event, got %v", gotUpdate.Events)
	}
	var payload notify.TaskStatusPayload
	if err := json.Unmarshal(gotUpdate.Events[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.OldStatus != store.TaskStatusTodo || payload.NewStatus != store.TaskStatusDone {
		t.Fatalf("unexpected status transition %+v", payload)
	}
}

func TestUpdateTaskRequiresAssignmentForPlainMembers(t *testing.T) {
	fs := baseFakeStore()
	fs.getTaskFn = func(context.Context, string) (store.Task, error) {
		return store.Task{ID: "tsk-1", ProjectID: "prj-1", Title: "Ship it", Status: store.TaskStatusTodo, Type: "FEATURE", Priority: "MEDIUM"}, nil
	}
	fs.listTaskAssigneeIDsFn = func(context.Context, string) ([]string, error) {
		return []string{"usr-lead"}, nil
	}
	svc := newTestService(fs)

	title := "Renamed"
	_, err := svc.UpdateTask(context.Background(), sessionFor("usr-member"), "tsk-1", UpdateTaskInput{Title: &title})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for a member not assigned to the task, got %v", err)
	}
}

func TestUpdateTaskSameStatusEmitsNoEvent(t *testing.T) {
	var gotUpdate store.TaskUpdate
	fs := baseFakeStore()
	fs.getTaskFn = func(context.Context, string) (store.Task, error) {
		return store.Task{ID: "tsk-1", ProjectID: "prj-1", Title: "Ship it", Status: store.TaskStatusTodo, Type: "FEATURE", Priority: "MEDIUM"}, nil
	}
	fs.listTaskAssigneeIDsFn = func(context.Context, string) ([]string, error) {
		return []string{"usr-member"}, nil
	}
	fs.updateTaskFn = func(_ context.Context, update store.TaskUpdate) error {
		gotUpdate = update
		return nil
	}
	svc := newTestService(fs)

	sameStatus := store.TaskStatusTodo
	if _, err := svc.UpdateTask(context.Background(), sessionFor("usr-member"), "tsk-1", UpdateTaskInput{Status: &sameStatus}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if len(gotUpdate.Events) != 0 {
		t.Fatalf("expected no events, got %v", gotUpdate.Events)
	}
}

func TestUpdateTaskAssigneeDiff(t *testing.T) {
	var gotUpdate store.TaskUpdate
	fs := baseFakeStore()
	fs.getTaskFn = func(context.Context, string) (store.Task, error) {
		return store.Task{ID: "tsk-1", ProjectID: "prj-1", Title: "Ship it", Status: store.TaskStatusTodo, Type: "FEATURE", Priority: "MEDIUM"}, nil
	}
	fs.listTaskAssigneeIDsFn = func(context.Context, string) ([]string, error) {
		return []string{"usr-lead"}, nil
	}
	fs.updateTaskFn = func(_ context.Context, update store.TaskUpdate) error {
		gotUpdate = update
		return nil
	}
	svc := newTestService(fs)

	assignees := []UserRef{{ID: "usr-member"}}
	if _, err := svc.UpdateTask(context.Background(), sessionFor("usr-lead"), "tsk-1", UpdateTaskInput{Assignees: &assignees}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if len(gotUpdate.AddAssignees) != 1 || gotUpdate.AddAssignees[0] != "usr-member" {
		t.Fatalf("unexpected additions %v", gotUpdate.AddAssignees)
	}
	if len(gotUpdate.RemoveAssignees) != 1 || gotUpdate.RemoveAssignees[0] != "usr-lead" {
		t.Fatalf("unexpected removals %v", gotUpdate.RemoveAssignees)
	}
	// Only the newly added assignee gets notified.
	if len(gotUpdate.Events) != 1 || gotUpdate.Events[0].Event != store.EventTaskAssigned {
		t.Fatalf("expected one assigned event, got %v", gotUpdate.Events)
	}
	var payload notify.TaskAssignedPayload
	if err := json.Unmarshal(gotUpdate.Events[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.AssigneeID != "usr-member" {
		t.Fatalf("unexpected notified assignee %q", payload.AssigneeID)
	}
}

func TestUpdateTaskReplacesLinksWhenKeyPresent(t *testing.T) {
	var gotUpdate store.TaskUpdate
	fs := baseFakeStore()
	fs.getTaskFn = func(context.Context, string) (store.Task, error) {
		return store.Task{ID: "tsk-1", ProjectID: "prj-1", Title: "Ship it", Status: store.TaskStatusTodo, Type: "FEATURE", Priority: "MEDIUM"}, nil
	}
	fs.updateTaskFn = func(_ context.Context, update store.TaskUpdate) error {
		gotUpdate = update
		return nil
	}
	svc := newTestService(fs)

	links := []TaskLinkInput{{URL: "https://example.com/design", Title: "Design"}}
	if _, err := svc.UpdateTask(context.Background(), sessionFor("usr-lead"), "tsk-1", UpdateTaskInput{Links: &links}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if !gotUpdate.ReplaceLinks {
		t.Fatal("expected links replaced when the key is present")
	}
	if len(gotUpdate.Links) != 1 || gotUpdate.Links[0].URL != "https://example.com/design" || gotUpdate.Links[0].TaskID != "tsk-1" {
		t.Fatalf("unexpected link set %+v", gotUpdate.Links)
	}

	// An empty array still replaces: it clears every existing link.
	empty := []TaskLinkInput{}
	if _, err := svc.UpdateTask(context.Background(), sessionFor("usr-lead"), "tsk-1", UpdateTaskInput{Links: &empty}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if !gotUpdate.ReplaceLinks || len(gotUpdate.Links) != 0 {
		t.Fatalf("expected empty replacement set, got %+v", gotUpdate.Links)
	}

	// An absent links key leaves links alone.
	title := "Renamed"
	if _, err := svc.UpdateTask(context.Background(), sessionFor("usr-lead"), "tsk-1", UpdateTaskInput{Title: &title}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if gotUpdate.ReplaceLinks {
		t.Fatal("expected links untouched when the key is absent")
	}
}

func TestUpdateTaskClearsFolderWithExplicitNull(t *testing.T) {
	folderID := "fld-1"
	var gotUpdate store.TaskUpdate
	fs := baseFakeStore()
	fs.getTaskFn = func(context.Context, string) (store.Task, error) {
		return store.Task{ID: "tsk-1", ProjectID: "prj-1", FolderID: &folderID, Title: "Ship it", Status: store.TaskStatusTodo, Type: "FEATURE", Priority: "MEDIUM"}, nil
	}
	fs.listTaskAssigneeIDsFn = func(context.Context, string) ([]string, error) {
		return []string{"usr-member"}, nil
	}
	fs.updateTaskFn = func(_ context.Context, update store.TaskUpdate) error {
		gotUpdate = update
		return nil
	}
	svc := newTestService(fs)

	if _, err := svc.UpdateTask(context.Background(), sessionFor("usr-member"), "tsk-1", UpdateTaskInput{
		FolderID: json.RawMessage("null"),
	}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if gotUpdate.Task.FolderID != nil {
		t.Fatalf("expected folder cleared, got %v", *gotUpdate.Task.FolderID)
	}

	// An absent folderId leaves the current folder untouched.
	title := "Renamed"
	if _, err := svc.UpdateTask(context.Background(), sessionFor("usr-member"), "tsk-1", UpdateTaskInput{Title: &title}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if gotUpdate.Task.FolderID == nil || *gotUpdate.Task.FolderID != "fld-1" {
		t.Fatal("expected folder untouched when folderId is absent")
	}
}

func TestUpdateTaskClearsReminderWhenDueDateRemoved(t *testing.T) {
	due := time.Now().Add(72 * time.Hour)
	var gotUpdate store.TaskUpdate
	fs := baseFakeStore()
	fs.getTaskFn = func(context.Context, string) (store.Task, error) {
		return store.Task{ID: "tsk-1", ProjectID: "prj-1", Title: "Ship it", Status: store.TaskStatusTodo, Type: "FEATURE", Priority: "MEDIUM", DueDate: &due}, nil
	}
	fs.listTaskAssigneeIDsFn = func(context.Context, string) ([]string, error) {
		return []string{"usr-member"}, nil
	}
	fs.updateTaskFn = func(_ context.Context, update store.TaskUpdate) error {
		gotUpdate = update
		return nil
	}
	svc := newTestService(fs)

	if _, err := svc.UpdateTask(context.Background(), sessionFor("usr-member"), "tsk-1", UpdateTaskInput{
		DueDate: json.RawMessage("null"),
	}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if !gotUpdate.ClearReminder {
		t.Fatal("expected reminder cleared with the due date")
	}
	if gotUpdate.Task.DueDate != nil {
		t.Fatal("expected due date cleared")
	}
}

func TestBulkDeleteRejectsCrossProjectBatch(t *testing.T) {
	fs := baseFakeStore()
	fs.listTasksByIDsFn = func(_ context.Context, taskIDs []string) ([]store.Task, error) {
		return []store.Task{
			{ID: "tsk-1", ProjectID: "prj-1"},
			{ID: "tsk-2", ProjectID: "prj-other"},
		}, nil
	}
	svc := newTestService(fs)

	err := svc.BulkDeleteTasks(context.Background(), sessionFor("usr-lead"), []string{"tsk-1", "tsk-2"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestBulkDeleteReportsMissingTasks(t *testing.T) {
	fs := baseFakeStore()
	fs.listTasksByIDsFn = func(context.Context, []string) ([]store.Task, error) {
		return []store.Task{{ID: "tsk-1", ProjectID: "prj-1"}}, nil
	}
	svc := newTestService(fs)

	err := svc.BulkDeleteTasks(context.Background(), sessionFor("usr-lead"), []string{"tsk-1", "tsk-gone"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestBulkDeleteRequiresManageRights(t *testing.T) {
	fs := baseFakeStore()
	fs.listTasksByIDsFn = func(context.Context, []string) ([]store.Task, error) {
		return []store.Task{{ID: "tsk-1", ProjectID: "prj-1"}}, nil
	}
	deleted := false
	fs.deleteTasksFn = func(context.Context, []string) error {
		deleted = true
		return nil
	}
	svc := newTestService(fs)

	err := svc.BulkDeleteTasks(context.Background(), sessionFor("usr-member"), []string{"tsk-1"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for plain member, got %v", err)
	}
	if deleted {
		t.Fatal("expected no deletion")
	}

	if err := svc.BulkDeleteTasks(context.Background(), sessionFor("usr-owner"), []string{"tsk-1"}); err != nil {
		t.Fatalf("expected workspace admin to delete, got %v", err)
	}
	if !deleted {
		t.Fatal("expected tasks deleted")
	}
}

func TestCreateCommentQueuesEventWithExcerpt(t *testing.T) {
	var gotEvents []store.OutboxEvent
	fs := baseFakeStore()
	fs.getTaskFn = func(context.Context, string) (store.Task, error) {
		return store.Task{ID: "tsk-1", ProjectID: "prj-1", Title: "Ship it"}, nil
	}
	fs.createCommentFn = func(_ context.Context, comment store.Comment, _ []store.CommentLink, events []store.OutboxEvent) error {
		gotEvents = events
		fs.getCommentFn = func(context.Context, string) (store.Comment, error) {
			return comment, nil
		}
		return nil
	}
	svc := newTestService(fs)

	long := ""
	for i := 0; i < 40; i++ {
		long += "blocked on review "
	}
	_, err := svc.CreateComment(context.Background(), sessionFor("usr-member"), "tsk-1", CommentInput{Content: long})
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	if len(gotEvents) != 1 || gotEvents[0].Event != store.EventTaskCommentAdded {
		t.Fatalf("expected one comment event, got %v", gotEvents)
	}
	var payload notify.TaskCommentPayload
	if err := json.Unmarshal(gotEvents[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ActorID != "usr-member" || payload.Excerpt == "" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if len([]rune(payload.Excerpt)) > commentExcerptLen+1 {
		t.Fatalf("excerpt too long: %d runes", len([]rune(payload.Excerpt)))
	}
}

func TestCreateCommentRejectsWhitespaceContent(t *testing.T) {
	fs := baseFakeStore()
	fs.getTaskFn = func(context.Context, string) (store.Task, error) {
		return store.Task{ID: "tsk-1", ProjectID: "prj-1", Title: "Ship it"}, nil
	}
	fs.createCommentFn = func(context.Context, store.Comment, []store.CommentLink, []store.OutboxEvent) error {
		t.Fatal("expected no comment written for whitespace content")
		return nil
	}
	svc := newTestService(fs)

	_, err := svc.CreateComment(context.Background(), sessionFor("usr-member"), "tsk-1", CommentInput{Content: "   "})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for whitespace content, got %v", err)
	}
}

func TestUpdateCommentAuthorOrAdminOnly(t *testing.T) {
	fs := baseFakeStore()
	fs.getCommentFn = func(context.Context, string) (store.Comment, error) {
		return store.Comment{ID: "cmt-1", TaskID: "tsk-1", UserID: "usr-member", Content: "original"}, nil
	}
	fs.getTaskFn = func(context.Context, string) (store.Task, error) {
		return store.Task{ID: "tsk-1", ProjectID: "prj-1"}, nil
	}
	svc := newTestService(fs)

	// The team lead is neither the author nor an admin.
	_, err := svc.UpdateComment(context.Background(), sessionFor("usr-lead"), "cmt-1", CommentInput{Content: "edited"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for non-author edit, got %v", err)
	}

	if _, err := svc.UpdateComment(context.Background(), sessionFor("usr-member"), "cmt-1", CommentInput{Content: "edited"}); err != nil {
		t.Fatalf("expected author edit to succeed, got %v", err)
	}
	if _, err := svc.UpdateComment(context.Background(), sessionFor("usr-owner"), "cmt-1", CommentInput{Content: "moderated"}); err != nil {
		t.Fatalf("expected workspace admin edit to succeed, got %v", err)
	}
}

func TestDeleteCommentByTeamLead(t *testing.T) {
	fs := baseFakeStore()
	fs.getCommentFn = func(context.Context, string) (store.Comment, error) {
		return store.Comment{ID: "cmt-1", TaskID: "tsk-1", UserID: "usr-member"}, nil
	}
	fs.getTaskFn = func(context.Context, string) (store.Task, error) {
		return store.Task{ID: "tsk-1", ProjectID: "prj-1"}, nil
	}
	deleted := false
	fs.deleteCommentFn = func(context.Context, string) error {
		deleted = true
		return nil
	}
	svc := newTestService(fs)

	if err := svc.DeleteComment(context.Background(), sessionFor("usr-lead"), "cmt-1"); err != nil {
		t.Fatalf("DeleteComment: %v", err)
	}
	if !deleted {
		t.Fatal("expected comment deleted")
	}

	err := svc.DeleteComment(context.Background(), sessionFor("usr-other"), "cmt-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for unrelated user, got %v", err)
	}
}
