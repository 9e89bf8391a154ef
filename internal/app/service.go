package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"crewdesk/api/internal/auth"
	"crewdesk/api/internal/authpw"
	"crewdesk/api/internal/authz"
	"crewdesk/api/internal/config"
	"crewdesk/api/internal/search"
	"crewdesk/api/internal/store"
	"crewdesk/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	UserEmail    string
	JTI          string
	ExpiresAt    time.Time
}

// UserRef identifies a user either by id or by email address. Exactly one
// field must be set; when both are present the id wins.
type UserRef struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
}

var allowedProjectStatuses = map[string]struct{}{
	"PLANNING":  {},
	"ACTIVE":    {},
	"ON_HOLD":   {},
	"COMPLETED": {},
	"CANCELLED": {},
}

var allowedPriorities = map[string]struct{}{
	"LOW":    {},
	"MEDIUM": {},
	"HIGH":   {},
}

var allowedTaskStatuses = map[string]struct{}{
	store.TaskStatusTodo:           {},
	store.TaskStatusInProgress:     {},
	store.TaskStatusInternalReview: {},
	store.TaskStatusDone:           {},
	store.TaskStatusCancelled:      {},
}

var allowedTaskTypes = map[string]struct{}{
	"FEATURE":       {},
	"BUG":           {},
	"CHORE":         {},
	"DOCUMENTATION": {},
	"RESEARCH":      {},
	"MEETING":       {},
}

type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)

	EnsureWorkspace(ctx context.Context, workspace store.Workspace) (store.Workspace, bool, error)
	GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error)
	GetWorkspaceBySlug(ctx context.Context, slug string) (store.Workspace, error)
	EnsureWorkspaceMember(ctx context.Context, workspaceID, userID, role string) error
	ListWorkspaceMembers(ctx context.Context, workspaceID string) ([]store.WorkspaceMember, error)
	ListWorkspacesForUser(ctx context.Context, userID string) ([]store.Workspace, error)

	CreateProject(ctx context.Context, project store.Project, memberIDs []string) error
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	ListProjects(ctx context.Context, workspaceID string) ([]store.Project, error)
	UpdateProject(ctx context.Context, project store.Project) error
	DeleteProject(ctx context.Context, projectID string) error
	ListProjectMemberIDs(ctx context.Context, projectID string) ([]string, error)
	AddProjectMember(ctx context.Context, projectID, userID string) error

	CreateFolder(ctx context.Context, folder store.Folder) error
	GetFolder(ctx context.Context, folderID string) (store.Folder, error)
	ListFolders(ctx context.Context, projectID string) ([]store.Folder, error)
	UpdateFolder(ctx context.Context, folderID, name, description string) error
	DeleteFolder(ctx context.Context, folderID string) error

	CreateTask(ctx context.Context, task store.Task, assigneeIDs []string, links []store.TaskLink, events []store.OutboxEvent, remindAt *time.Time) error
	UpdateTask(ctx context.Context, update store.TaskUpdate) error
	GetTask(ctx context.Context, taskID string) (store.Task, error)
	GetTaskDetail(ctx context.Context, taskID string) (store.TaskDetail, error)
	ListTasks(ctx context.Context, projectID string) ([]store.Task, error)
	ListTaskAssigneeIDs(ctx context.Context, taskID string) ([]string, error)
	ListTasksByIDs(ctx context.Context, taskIDs []string) ([]store.Task, error)
	DeleteTasks(ctx context.Context, taskIDs []string) error

	CreateComment(ctx context.Context, comment store.Comment, links []store.CommentLink, events []store.OutboxEvent) error
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	ListComments(ctx context.Context, taskID string) ([]store.CommentDetail, error)
	UpdateComment(ctx context.Context, comment store.Comment, links []store.CommentLink, replaceLinks bool) error
	DeleteComment(ctx context.Context, commentID string) error
}

// sessionStore is satisfied by both the Redis-backed store and the Postgres
// fallback.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// searchService is the slice of the search facade the app layer needs.
type searchService interface {
	Search(q search.Query) search.Response
	IndexTask(t search.TaskRecord)
	DeleteTask(id string)
}

// authMailer delivers account emails. Nil or unconfigured means the dev
// bypass tokens are returned in API responses instead.
type authMailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	authpw   *authpw.Service
	search   searchService
	mailer   authMailer
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, authService *authpw.Service, searchSvc searchService, mailer authMailer) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		authpw:   authService,
		search:   searchSvc,
		mailer:   mailer,
	}
	if svc.sessions == nil {
		svc.sessions = dataStore
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

// SendVerificationEmail is best-effort. A failed send is logged by the
// caller; the account stays registered either way.
func (s *Service) SendVerificationEmail(toEmail, userName, token string) error {
	if !s.SMTPConfigured() {
		return nil
	}
	url := fmt.Sprintf("%s/verify-email?token=%s", strings.TrimRight(s.cfg.AppBaseURL, "/"), token)
	return s.mailer.SendVerificationEmail(toEmail, userName, url)
}

func (s *Service) SendPasswordResetEmail(toEmail, userName, token string) error {
	if !s.SMTPConfigured() {
		return nil
	}
	url := fmt.Sprintf("%s/reset-password?token=%s", strings.TrimRight(s.cfg.AppBaseURL, "/"), token)
	return s.mailer.SendPasswordResetEmail(toEmail, userName, url)
}

// Sessions

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.Name,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		UserEmail:    user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		UserEmail: user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Workspaces

// EnsureDefaultWorkspace places the user in the configured default
// workspace, creating it on the first call. The creating user becomes the
// workspace owner; everyone after that joins as MEMBER.
func (s *Service) EnsureDefaultWorkspace(ctx context.Context, userID string) (store.Workspace, error) {
	workspace, created, err := s.store.EnsureWorkspace(ctx, store.Workspace{
		ID:      util.NewID("wsp"),
		Name:    s.cfg.DefaultWorkspaceName,
		Slug:    s.cfg.DefaultWorkspaceSlug,
		OwnerID: userID,
	})
	if err != nil {
		return store.Workspace{}, err
	}
	role := store.WorkspaceRoleMember
	if created {
		role = store.WorkspaceRoleAdmin
	}
	if err := s.store.EnsureWorkspaceMember(ctx, workspace.ID, userID, role); err != nil {
		return store.Workspace{}, err
	}
	return workspace, nil
}

func (s *Service) ListWorkspaces(ctx context.Context, session Session) ([]map[string]any, error) {
	workspaces, err := s.store.ListWorkspacesForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(workspaces))
	for _, workspace := range workspaces {
		items = append(items, workspacePayload(workspace))
	}
	return items, nil
}

func (s *Service) GetWorkspace(ctx context.Context, session Session, workspaceID string) (map[string]any, error) {
	subject, err := s.workspaceSubject(ctx, session.UserID, workspaceID)
	if err != nil {
		return nil, err
	}
	if !subject.IsWorkspaceMember && subject.UserID != subject.WorkspaceOwnerID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "not a member of this workspace", nil)
	}
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListWorkspaceMembers(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	memberItems := make([]map[string]any, 0, len(members))
	for _, member := range members {
		item := map[string]any{
			"userId": member.UserID,
			"role":   member.Role,
		}
		if user, err := s.store.GetUserByID(ctx, member.UserID); err == nil {
			item["name"] = user.Name
			item["email"] = user.Email
		}
		memberItems = append(memberItems, item)
	}
	payload := workspacePayload(workspace)
	payload["members"] = memberItems
	return payload, nil
}

func workspacePayload(workspace store.Workspace) map[string]any {
	return map[string]any{
		"id":        workspace.ID,
		"name":      workspace.Name,
		"slug":      workspace.Slug,
		"ownerId":   workspace.OwnerID,
		"createdAt": workspace.CreatedAt.Format(time.RFC3339),
	}
}

// workspaceSubject loads the caller's standing in a workspace.
func (s *Service) workspaceSubject(ctx context.Context, userID, workspaceID string) (authz.Subject, error) {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return authz.Subject{}, err
	}
	subject := authz.Subject{
		UserID:           userID,
		WorkspaceOwnerID: workspace.OwnerID,
	}
	members, err := s.store.ListWorkspaceMembers(ctx, workspaceID)
	if err != nil {
		return authz.Subject{}, err
	}
	for _, member := range members {
		if member.UserID == userID {
			subject.IsWorkspaceMember = true
			subject.WorkspaceRole = authz.NormalizeRole(member.Role)
			break
		}
	}
	return subject, nil
}

// projectSubject loads the caller's standing relative to a project and its
// workspace.
func (s *Service) projectSubject(ctx context.Context, userID string, project store.Project) (authz.Subject, error) {
	subject, err := s.workspaceSubject(ctx, userID, project.WorkspaceID)
	if err != nil {
		return authz.Subject{}, err
	}
	subject.ProjectTeamLeadID = project.TeamLeadID
	memberIDs, err := s.store.ListProjectMemberIDs(ctx, project.ID)
	if err != nil {
		return authz.Subject{}, err
	}
	for _, id := range memberIDs {
		if id == userID {
			subject.IsProjectMember = true
			break
		}
	}
	return subject, nil
}

// resolveUserRef turns a UserRef into a user row. Returns sql.ErrNoRows when
// neither lookup matches.
func (s *Service) resolveUserRef(ctx context.Context, ref UserRef) (store.User, error) {
	if strings.TrimSpace(ref.ID) != "" {
		return s.store.GetUserByID(ctx, strings.TrimSpace(ref.ID))
	}
	if strings.TrimSpace(ref.Email) != "" {
		return s.store.GetUserByEmail(ctx, strings.TrimSpace(ref.Email))
	}
	return store.User{}, sql.ErrNoRows
}

// isWorkspaceMember reports whether the user belongs to the workspace,
// counting the owner even without a membership row.
func (s *Service) isWorkspaceMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	subject, err := s.workspaceSubject(ctx, userID, workspaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return subject.IsWorkspaceMember || subject.UserID == subject.WorkspaceOwnerID, nil
}
