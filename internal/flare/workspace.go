package flare

import (
	"context"
	"sort"
	"strings"
)

// MemberView is a membership joined with the member's user record.
type MemberView struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

// WorkspaceDetail is a workspace with its members, limits and usage counts.
type WorkspaceDetail struct {
	Workspace       *Workspace         `json:"workspace"`
	Role            Role               `json:"role"`
	Limits          PlanLimits         `json:"limits"`
	Members         []MemberView       `json:"members"`
	Invites         []*WorkspaceInvite `json:"invites"`
	Templates       int                `json:"templates"`
	RunningSessions int                `json:"runningSessions"`
}

func validRole(r Role) bool { return r.rank() > 0 }

// ListWorkspaces returns every workspace the caller belongs to.
func (e *Engine) ListWorkspaces(ctx context.Context, token string) ([]MembershipView, error) {
	var out []MembershipView
	err := e.view(ctx, func(st *State) error {
		p, err := e.authenticate(st, token)
		if err != nil {
			return err
		}
		for _, m := range st.Memberships {
			if m.UserID != p.User.ID {
				continue
			}
			if ws := st.Workspaces[m.WorkspaceID]; ws != nil {
				out = append(out, MembershipView{Workspace: clonePtr(ws), Role: m.Role})
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Workspace.ID < out[j].Workspace.ID })
		return nil
	})
	return out, err
}

// GetWorkspace describes the caller's current workspace.
func (e *Engine) GetWorkspace(ctx context.Context, token string) (*WorkspaceDetail, error) {
	var out *WorkspaceDetail
	err := e.view(ctx, func(st *State) error {
		p, err := e.authenticate(st, token)
		if err != nil {
			return err
		}
		ws := p.Workspace
		out = &WorkspaceDetail{
			Workspace:       clonePtr(ws),
			Role:            p.Membership.Role,
			Limits:          e.settings.limits(ws.Plan),
			RunningSessions: st.runningSessions(ws.ID),
		}
		for _, m := range st.workspaceMembers(ws.ID) {
			mv := MemberView{UserID: m.UserID, Role: m.Role}
			if u := st.Users[m.UserID]; u != nil {
				mv.Email, mv.Name = u.Email, u.Name
			}
			out.Members = append(out.Members, mv)
		}
		for _, inv := range st.WorkspaceInvites {
			if inv.WorkspaceID == ws.ID && inv.AcceptedAt == nil && e.now().Before(inv.ExpiresAt) {
				out.Invites = append(out.Invites, clonePtr(inv))
			}
		}
		sort.Slice(out.Invites, func(i, j int) bool { return out.Invites[i].ID < out.Invites[j].ID })
		for _, t := range st.Templates {
			if t.WorkspaceID == ws.ID && t.ArchivedAt == nil {
				out.Templates++
			}
		}
		return nil
	})
	return out, err
}

// RenameWorkspace changes the display name. Admin or above.
func (e *Engine) RenameWorkspace(ctx context.Context, token, name string) (*Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errValidation("Workspace name is required")
	}
	var out *Workspace
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleAdmin)
		if err != nil {
			return err
		}
		p.Workspace.Name = name
		p.audit(e, st, "workspace.renamed", p.Workspace.ID, map[string]string{"name": name})
		out = clonePtr(p.Workspace)
		return nil
	})
	return out, err
}

// SetWorkspacePlan changes the billing plan. Owner only.
func (e *Engine) SetWorkspacePlan(ctx context.Context, token string, plan Plan) (*Workspace, error) {
	if _, ok := e.settings.Plans[plan]; !ok {
		return nil, errValidation("Unknown plan %q", plan)
	}
	var out *Workspace
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleOwner)
		if err != nil {
			return err
		}
		p.Workspace.Plan = plan
		p.audit(e, st, "workspace.plan_changed", p.Workspace.ID, map[string]string{"plan": string(plan)})
		out = clonePtr(p.Workspace)
		return nil
	})
	return out, err
}

// CreateInvite invites an email address into the caller's workspace.
func (e *Engine) CreateInvite(ctx context.Context, token, email string, role Role) (*WorkspaceInvite, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if role == "" {
		role = RoleMember
	}
	if !validRole(role) || role == RoleOwner {
		return nil, errValidation("Invalid invite role %q", role)
	}
	var out *WorkspaceInvite
	err = e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleAdmin)
		if err != nil {
			return err
		}
		if u := st.userByEmail(email); u != nil && st.membership(p.Workspace.ID, u.ID) != nil {
			return errConflict("User is already a member")
		}
		now := e.now()
		inv := &WorkspaceInvite{
			ID:          e.ids.New("inv"),
			WorkspaceID: p.Workspace.ID,
			Email:       email,
			Role:        role,
			InvitedBy:   p.User.ID,
			ExpiresAt:   now.Add(e.settings.InviteTTL),
			CreatedAt:   now,
		}
		st.WorkspaceInvites[inv.ID] = inv
		p.audit(e, st, "workspace.invite_created", inv.ID, map[string]string{"email": email, "role": string(role)})
		out = clonePtr(inv)
		return nil
	})
	return out, err
}

// AcceptInvite joins the invited workspace. The caller's email must match.
func (e *Engine) AcceptInvite(ctx context.Context, token, inviteID string) (*MembershipView, error) {
	var out *MembershipView
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authenticate(st, token)
		if err != nil {
			return err
		}
		now := e.now()
		inv := st.WorkspaceInvites[inviteID]
		if inv == nil || inv.AcceptedAt != nil || !now.Before(inv.ExpiresAt) {
			return errNotFound("Invite not found")
		}
		if inv.Email != p.User.Email {
			return errForbidden("Invite was issued to another email")
		}
		ws := st.Workspaces[inv.WorkspaceID]
		if ws == nil {
			return errNotFound("Invite not found")
		}
		if st.membership(ws.ID, p.User.ID) != nil {
			return errConflict("Already a member")
		}
		inv.AcceptedAt = &now
		st.Memberships[membershipKey(ws.ID, p.User.ID)] = &Membership{WorkspaceID: ws.ID, UserID: p.User.ID, Role: inv.Role, CreatedAt: now}
		st.audit(now, e.ids, ws.ID, p.User.ID, "workspace.member_joined", p.User.ID, map[string]string{"role": string(inv.Role)})
		out = &MembershipView{Workspace: clonePtr(ws), Role: inv.Role}
		return nil
	})
	return out, err
}

// ChangeMemberRole updates a non-owner member's role. Admin or above.
func (e *Engine) ChangeMemberRole(ctx context.Context, token, userID string, role Role) (*MemberView, error) {
	if !validRole(role) {
		return nil, errValidation("Invalid role %q", role)
	}
	if role == RoleOwner {
		return nil, errForbidden("Ownership cannot be granted")
	}
	var out *MemberView
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleAdmin)
		if err != nil {
			return err
		}
		m := st.membership(p.Workspace.ID, userID)
		if m == nil {
			return errNotFound("Member not found")
		}
		if m.Role == RoleOwner {
			return errForbidden("Owner role is immutable")
		}
		m.Role = role
		p.audit(e, st, "workspace.member_role_changed", userID, map[string]string{"role": string(role)})
		out = &MemberView{UserID: userID, Role: role}
		if u := st.Users[userID]; u != nil {
			out.Email, out.Name = u.Email, u.Name
		}
		return nil
	})
	return out, err
}

// RemoveMember removes a non-owner member and revokes their tokens for the workspace.
func (e *Engine) RemoveMember(ctx context.Context, token, userID string) error {
	return e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleAdmin)
		if err != nil {
			return err
		}
		m := st.membership(p.Workspace.ID, userID)
		if m == nil {
			return errNotFound("Member not found")
		}
		if m.Role == RoleOwner {
			return errForbidden("Owner cannot be removed")
		}
		delete(st.Memberships, membershipKey(p.Workspace.ID, userID))
		now := e.now()
		for _, t := range st.AuthTokens {
			if t.UserID == userID && t.WorkspaceID == p.Workspace.ID && t.RevokedAt == nil {
				t.RevokedAt = &now
			}
		}
		p.audit(e, st, "workspace.member_removed", userID, nil)
		return nil
	})
}
