package engine

import (
	"context"
	"sort"

	"warden/pkg/models"
	"warden/pkg/policy"
	"warden/pkg/safeexpr"
)

// ResolveUserRoles determines the caller's effective roles for a project.
// An explicit membership always wins. Otherwise every role_mappings entry
// whose condition matches the user's profile contributes its role; mappings
// that fail to evaluate are skipped. With no membership and no matches the
// caller is a viewer.
func (e *Engine) ResolveUserRoles(ctx context.Context, projectID, userID string) []string {
	if userID == "" {
		return []string{models.RoleViewer}
	}

	if role, err := e.repo.GetProjectMemberRole(ctx, projectID, userID); err == nil && role != "" {
		return []string{role}
	}

	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		return []string{models.RoleViewer}
	}

	raw, err := e.repo.GetPolicy(ctx, projectID)
	if err != nil {
		return []string{models.RoleViewer}
	}
	doc := policy.Parse(raw)
	if len(doc.RoleMappings) == 0 {
		return []string{models.RoleViewer}
	}

	env := safeexpr.Env{"user": userEnv(user)}
	granted := map[string]bool{}
	for _, m := range doc.RoleMappings {
		if !policy.ValidRole(m.Role) {
			continue
		}
		matched, err := safeexpr.EvalBool(m.Condition, env)
		if err != nil {
			e.log.Warn().Err(err).
				Str("project_id", projectID).
				Str("user_id", userID).
				Str("role", m.Role).
				Msg("role mapping evaluation failed")
			continue
		}
		if matched {
			granted[m.Role] = true
		}
	}
	if len(granted) == 0 {
		return []string{models.RoleViewer}
	}
	roles := make([]string, 0, len(granted))
	for r := range granted {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}
