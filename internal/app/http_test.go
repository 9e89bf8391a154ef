package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crewdesk/api/internal/auth"
	"crewdesk/api/internal/authpw"
	"crewdesk/api/internal/store"
)

func authedRequest(t *testing.T, svc *Service, method, path, body string) *http.Request {
	t.Helper()
	token, err := auth.IssueToken([]byte(svc.cfg.TokenSecret), auth.Claims{
		Sub:   "usr-member",
		Name:  "usr-member",
		Email: "usr-member@example.com",
		JTI:   "jti-1",
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestProtectedRouteWithoutBearerReturnsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	req := httptest.NewRequest(http.MethodGet, "/api/workspaces", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected code UNAUTHORIZED, got %v", payload["code"])
	}
}

func TestProtectedRouteRejectsExpiredToken(t *testing.T) {
	svc := newTestService(baseFakeStore())
	server := NewHTTPServer(svc, "*")

	token, err := auth.IssueToken([]byte(svc.cfg.TokenSecret), auth.Claims{
		Sub:   "usr-member",
		Name:  "usr-member",
		Email: "usr-member@example.com",
		JTI:   "jti-1",
		Exp:   time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/workspaces", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCreateTaskEndpoint(t *testing.T) {
	var created store.Task
	fs := baseFakeStore()
	fs.createTaskFn = func(_ context.Context, task store.Task, _ []string, _ []store.TaskLink, _ []store.OutboxEvent, _ *time.Time) error {
		created = task
		fs.getTaskDetailFn = func(context.Context, string) (store.TaskDetail, error) {
			return store.TaskDetail{Task: task}, nil
		}
		return nil
	}
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	req := authedRequest(t, svc, http.MethodPost, "/api/projects/prj-1/tasks", `{"title":"Ship it","priority":"HIGH"}`)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if created.Title != "Ship it" || created.Priority != "HIGH" {
		t.Fatalf("unexpected task %+v", created)
	}
	if created.Status != store.TaskStatusTodo {
		t.Fatalf("expected default status TODO, got %q", created.Status)
	}
	if created.Type != "FEATURE" {
		t.Fatalf("expected default type FEATURE, got %q", created.Type)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["title"] != "Ship it" {
		t.Fatalf("expected title in response, got %v", payload["title"])
	}
}

func TestCreateTaskEndpointRejectsInvalidStatus(t *testing.T) {
	svc := newTestService(baseFakeStore())
	server := NewHTTPServer(svc, "*")

	req := authedRequest(t, svc, http.MethodPost, "/api/projects/prj-1/tasks", `{"title":"Ship it","status":"SHIPPED"}`)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", payload["code"])
	}
}

func TestGetUnknownTaskReturnsNotFound(t *testing.T) {
	svc := newTestService(baseFakeStore())
	server := NewHTTPServer(svc, "*")

	req := authedRequest(t, svc, http.MethodGet, "/api/tasks/tsk-ghost", "")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestBulkDeleteEndpoint(t *testing.T) {
	fs := baseFakeStore()
	fs.listTasksByIDsFn = func(_ context.Context, taskIDs []string) ([]store.Task, error) {
		tasks := make([]store.Task, 0, len(taskIDs))
		for _, id := range taskIDs {
			tasks = append(tasks, store.Task{ID: id, ProjectID: "prj-1"})
		}
		return tasks, nil
	}
	var deleted []string
	fs.deleteTasksFn = func(_ context.Context, taskIDs []string) error {
		deleted = taskIDs
		return nil
	}
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	// usr-member cannot bulk delete
	req := authedRequest(t, svc, http.MethodPost, "/api/tasks/bulk-delete", `{"taskIds":["tsk-1","tsk-2"]}`)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for plain member, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(deleted) != 0 {
		t.Fatalf("expected nothing deleted, got %v", deleted)
	}

	// the team lead can
	token, err := auth.IssueToken([]byte(svc.cfg.TokenSecret), auth.Claims{
		Sub: "usr-lead", Name: "usr-lead", Email: "usr-lead@example.com",
		JTI: "jti-2", Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/api/tasks/bulk-delete", bytes.NewBufferString(`{"taskIds":["tsk-1","tsk-2"]}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(deleted) != 2 {
		t.Fatalf("expected 2 deletions, got %v", deleted)
	}
}

// mapUserStore backs the authpw service with the same user map the fake
// data store reads from.
type mapUserStore struct {
	users map[string]store.User
}

func (m *mapUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}
func (m *mapUserStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}
func (m *mapUserStore) CreateUser(_ context.Context, user store.User) error {
	m.users[user.ID] = user
	return nil
}
func (m *mapUserStore) UpdateUserVerificationToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	user := m.users[userID]
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	m.users[userID] = user
	return nil
}
func (m *mapUserStore) VerifyUserEmail(_ context.Context, token string) error {
	for id, user := range m.users {
		if user.VerificationToken == token {
			user.IsEmailVerified = true
			m.users[id] = user
			return nil
		}
	}
	return sql.ErrNoRows
}
func (m *mapUserStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	user := m.users[userID]
	user.PasswordHash = passwordHash
	m.users[userID] = user
	return nil
}
func (m *mapUserStore) CreatePasswordReset(context.Context, string, string, time.Time) error {
	return nil
}
func (m *mapUserStore) GetPasswordReset(context.Context, string) (string, error) {
	return "", sql.ErrNoRows
}
func (m *mapUserStore) MarkPasswordResetUsed(context.Context, string) error { return nil }

func newAuthServiceForTest(t *testing.T, users map[string]store.User) *authpw.Service {
	t.Helper()
	return authpw.NewService(&mapUserStore{users: users})
}

func TestSignUpProvisionsDefaultWorkspace(t *testing.T) {
	users := map[string]store.User{}
	fs := &fakeStore{}
	fs.getUserByEmailFn = func(_ context.Context, email string) (store.User, error) {
		for _, user := range users {
			if user.Email == email {
				return user, nil
			}
		}
		return store.User{}, sql.ErrNoRows
	}
	fs.getUserByIDFn = func(_ context.Context, userID string) (store.User, error) {
		user, ok := users[userID]
		if !ok {
			return store.User{}, sql.ErrNoRows
		}
		return user, nil
	}
	var joinedWorkspace, joinedRole string
	fs.ensureWorkspaceFn = func(_ context.Context, workspace store.Workspace) (store.Workspace, bool, error) {
		return workspace, true, nil
	}
	fs.ensureWorkspaceMemberFn = func(_ context.Context, workspaceID, _, role string) error {
		joinedWorkspace = workspaceID
		joinedRole = role
		return nil
	}

	svc := newTestService(fs)
	svc.authpw = newAuthServiceForTest(t, users)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", bytes.NewBufferString(`{"email":"priya@example.com","password":"hunter2hunter2","name":"Priya"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["workspaceId"] == "" || payload["workspaceId"] == nil {
		t.Fatal("expected workspaceId in signup response")
	}
	if fmt.Sprint(payload["workspaceId"]) != joinedWorkspace {
		t.Fatalf("expected signup user placed in %q, got %v", joinedWorkspace, payload["workspaceId"])
	}
	if joinedRole != store.WorkspaceRoleAdmin {
		t.Fatalf("expected first user to join as ADMIN, got %q", joinedRole)
	}
	// SMTP is not configured in tests, so the dev bypass token is returned.
	if token, _ := payload["devVerificationToken"].(string); token == "" {
		t.Fatal("expected devVerificationToken without SMTP")
	}
}
