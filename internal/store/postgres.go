package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, image, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.Image, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, image, is_email_verified, COALESCE(verification_token, ''), created_at, updated_at
		FROM users WHERE id=$1
	`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, image, is_email_verified, COALESCE(verification_token, ''), created_at, updated_at
		FROM users WHERE LOWER(email)=LOWER($1)
	`, email))
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&user.Image,
		&user.IsEmailVerified,
		&user.VerificationToken,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify user email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify user email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.name, u.email, u.password_hash, u.image, u.is_email_verified, COALESCE(u.verification_token, ''), u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, tokenHash))
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// Workspaces

// EnsureWorkspace creates the workspace when no row with its slug exists yet
// and reports whether this call created it. Safe to call concurrently: the
// insert races on the slug unique constraint and losers re-read the winner's
// row.
func (s *PostgresStore) EnsureWorkspace(ctx context.Context, workspace Workspace) (Workspace, bool, error) {
	var created Workspace
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO workspaces (id, name, slug, owner_id, settings_json)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (slug) DO NOTHING
		RETURNING id, name, slug, owner_id, COALESCE(settings_json::text, '{}'), created_at, updated_at
	`, workspace.ID, workspace.Name, workspace.Slug, workspace.OwnerID, settingsOrDefault(workspace.Settings)).Scan(
		&created.ID, &created.Name, &created.Slug, &created.OwnerID, &created.Settings, &created.CreatedAt, &created.UpdatedAt,
	)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, false, fmt.Errorf("ensure workspace: %w", err)
	}
	existing, err := s.GetWorkspaceBySlug(ctx, workspace.Slug)
	if err != nil {
		return Workspace{}, false, fmt.Errorf("reread workspace: %w", err)
	}
	return existing, false, nil
}

func settingsOrDefault(settings string) string {
	if settings == "" {
		return "{}"
	}
	return settings
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var item Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, owner_id, COALESCE(settings_json::text, '{}'), created_at, updated_at
		FROM workspaces WHERE id=$1
	`, workspaceID).Scan(&item.ID, &item.Name, &item.Slug, &item.OwnerID, &item.Settings, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Workspace{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetWorkspaceBySlug(ctx context.Context, slug string) (Workspace, error) {
	var item Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, owner_id, COALESCE(settings_json::text, '{}'), created_at, updated_at
		FROM workspaces WHERE slug=$1
	`, slug).Scan(&item.ID, &item.Name, &item.Slug, &item.OwnerID, &item.Settings, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Workspace{}, err
	}
	return item, nil
}

// EnsureWorkspaceMember inserts the membership row when missing. Re-adding an
// existing member keeps their current role.
func (s *PostgresStore) EnsureWorkspaceMember(ctx context.Context, workspaceID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_members (user_id, workspace_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, workspace_id) DO NOTHING
	`, userID, workspaceID, role)
	if err != nil {
		return fmt.Errorf("ensure workspace member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWorkspaceMembers(ctx context.Context, workspaceID string) ([]WorkspaceMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, workspace_id, role, created_at
		FROM workspace_members
		WHERE workspace_id=$1
		ORDER BY created_at ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list workspace members: %w", err)
	}
	defer rows.Close()

	items := make([]WorkspaceMember, 0)
	for rows.Next() {
		var item WorkspaceMember
		if err := rows.Scan(&item.UserID, &item.WorkspaceID, &item.Role, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspace members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListWorkspacesForUser(ctx context.Context, userID string) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.slug, w.owner_id, COALESCE(w.settings_json::text, '{}'), w.created_at, w.updated_at
		FROM workspaces w
		JOIN workspace_members wm ON wm.workspace_id = w.id
		WHERE wm.user_id=$1
		ORDER BY w.created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces for user: %w", err)
	}
	defer rows.Close()

	items := make([]Workspace, 0)
	for rows.Next() {
		var item Workspace
		if err := rows.Scan(&item.ID, &item.Name, &item.Slug, &item.OwnerID, &item.Settings, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return items, nil
}

// Projects

// CreateProject inserts the project and its seed membership rows in one
// transaction.
func (s *PostgresStore) CreateProject(ctx context.Context, project Project, memberIDs []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, workspace_id, name, description, status, priority, progress, team_lead_id, start_date, end_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, project.ID, project.WorkspaceID, project.Name, project.Description, project.Status, project.Priority, project.Progress, project.TeamLeadID, project.StartDate, project.EndDate)
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		for _, userID := range memberIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO project_members (user_id, project_id)
				VALUES ($1, $2)
				ON CONFLICT (user_id, project_id) DO NOTHING
			`, userID, project.ID); err != nil {
				return fmt.Errorf("seed project member: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, description, status, priority, progress, team_lead_id, start_date, end_date, created_at, updated_at
		FROM projects WHERE id=$1
	`, projectID).Scan(
		&item.ID, &item.WorkspaceID, &item.Name, &item.Description, &item.Status, &item.Priority,
		&item.Progress, &item.TeamLeadID, &item.StartDate, &item.EndDate, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, workspaceID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, description, status, priority, progress, team_lead_id, start_date, end_date, created_at, updated_at
		FROM projects
		WHERE workspace_id=$1
		ORDER BY created_at DESC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(
			&item.ID, &item.WorkspaceID, &item.Name, &item.Description, &item.Status, &item.Priority,
			&item.Progress, &item.TeamLeadID, &item.StartDate, &item.EndDate, &item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET name=$2, description=$3, status=$4, priority=$5, progress=$6, team_lead_id=$7, start_date=$8, end_date=$9, updated_at=NOW()
		WHERE id=$1
	`, project.ID, project.Name, project.Description, project.Status, project.Priority, project.Progress, project.TeamLeadID, project.StartDate, project.EndDate)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProjectMemberIDs(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM project_members WHERE project_id=$1 ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project member ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project member id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project member ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) AddProjectMember(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (user_id, project_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, project_id) DO NOTHING
	`, userID, projectID)
	if err != nil {
		return fmt.Errorf("add project member: %w", err)
	}
	return nil
}

// Folders

func (s *PostgresStore) CreateFolder(ctx context.Context, folder Folder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, project_id, name, description)
		VALUES ($1, $2, $3, $4)
	`, folder.ID, folder.ProjectID, folder.Name, folder.Description)
	if err != nil {
		return fmt.Errorf("create folder: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFolder(ctx context.Context, folderID string) (Folder, error) {
	var item Folder
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, description, created_at, updated_at
		FROM folders WHERE id=$1
	`, folderID).Scan(&item.ID, &item.ProjectID, &item.Name, &item.Description, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Folder{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListFolders(ctx context.Context, projectID string) ([]Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, description, created_at, updated_at
		FROM folders
		WHERE project_id=$1
		ORDER BY name ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	items := make([]Folder, 0)
	for rows.Next() {
		var item Folder
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Name, &item.Description, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folders: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateFolder(ctx context.Context, folderID, name, description string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE folders SET name=$2, description=$3, updated_at=NOW() WHERE id=$1
	`, folderID, name, description)
	if err != nil {
		return fmt.Errorf("update folder: %w", err)
	}
	return nil
}

// DeleteFolder removes the folder; its tasks fall back to the project root
// through the ON DELETE SET NULL reference.
func (s *PostgresStore) DeleteFolder(ctx context.Context, folderID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM folders WHERE id=$1`, folderID)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	return nil
}
