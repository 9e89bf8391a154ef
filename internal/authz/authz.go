// Package authz holds the pure access-control rules. Callers load the
// relevant membership rows and pass them in; nothing here touches storage.
package authz

// Subject describes the caller's standing relative to a workspace and,
// optionally, one of its projects and tasks.
type Subject struct {
	UserID            string
	WorkspaceOwnerID  string
	WorkspaceRole     string
	IsWorkspaceMember bool
	IsProjectMember   bool
	IsTaskAssignee    bool
	ProjectTeamLeadID string
}

const (
	RoleAdmin  = "ADMIN"
	RoleMember = "MEMBER"
)

// IsWorkspaceAdmin reports whether the subject owns the workspace or holds
// the ADMIN role in it.
func IsWorkspaceAdmin(s Subject) bool {
	if s.UserID == "" {
		return false
	}
	if s.UserID == s.WorkspaceOwnerID {
		return true
	}
	return s.IsWorkspaceMember && s.WorkspaceRole == RoleAdmin
}

func isTeamLead(s Subject) bool {
	return s.UserID != "" && s.UserID == s.ProjectTeamLeadID
}

// CanViewProject grants read access. Workspace membership alone is enough:
// any member of the owning workspace can read any of its projects.
func CanViewProject(s Subject) bool {
	if IsWorkspaceAdmin(s) || isTeamLead(s) {
		return true
	}
	return s.IsWorkspaceMember || s.IsProjectMember
}

// CanManageProject covers project-level mutations: update, delete, folder
// management. Workspace admins and the team lead qualify.
func CanManageProject(s Subject) bool {
	return IsWorkspaceAdmin(s) || isTeamLead(s)
}

// CanCreateTask requires standing inside the project, not just the
// workspace: admins, the team lead, and project members.
func CanCreateTask(s Subject) bool {
	if IsWorkspaceAdmin(s) || isTeamLead(s) {
		return true
	}
	return s.IsProjectMember
}

// CanMutateTask covers editing an existing task. Narrower than create:
// besides admins and the team lead, only the task's own assignees.
func CanMutateTask(s Subject) bool {
	if IsWorkspaceAdmin(s) || isTeamLead(s) {
		return true
	}
	return s.IsTaskAssignee
}

// CanDeleteTask restricts destructive task operations to workspace admins
// and the team lead. Assignees can edit but not delete.
func CanDeleteTask(s Subject) bool {
	return CanManageProject(s)
}

// CanEditComment allows the author and workspace admins.
func CanEditComment(s Subject, authorID string) bool {
	if s.UserID != "" && s.UserID == authorID {
		return true
	}
	return IsWorkspaceAdmin(s)
}

// CanDeleteComment is wider than edit: the author, a workspace admin, or
// the team lead.
func CanDeleteComment(s Subject, authorID string) bool {
	if s.UserID != "" && s.UserID == authorID {
		return true
	}
	return CanManageProject(s)
}

// NormalizeRole collapses unknown workspace roles to MEMBER.
func NormalizeRole(role string) string {
	switch role {
	case RoleAdmin, RoleMember:
		return role
	default:
		return RoleMember
	}
}
