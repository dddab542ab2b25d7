package flare

import (
	"context"
	"sort"
	"time"
)

// UsageSummary aggregates usage events per kind.
type UsageSummary struct {
	WorkspaceID string           `json:"workspaceId"`
	Totals      map[string]int64 `json:"totals"`
	Events      int              `json:"events"`
}

// AdminReport is an operator view of one workspace.
type AdminReport struct {
	WorkspaceID     string               `json:"workspaceId"`
	Plan            Plan                 `json:"plan"`
	Limits          PlanLimits           `json:"limits"`
	Members         int                  `json:"members"`
	Templates       int                  `json:"templates"`
	BuildsByStatus  map[BuildStatus]int  `json:"buildsByStatus"`
	SessionsByState map[SessionState]int `json:"sessionsByState"`
	Snapshots       int                  `json:"snapshots"`
	StorageBytes    int64                `json:"storageBytes"`
	DeadLettered    []*TemplateBuild     `json:"deadLettered"`
	Usage           map[string]int64     `json:"usage"`
	GeneratedAt     time.Time            `json:"generatedAt"`
}

// WorkspaceExport is a workspace's data with credentials and secrets removed.
type WorkspaceExport struct {
	Workspace        *Workspace         `json:"workspace"`
	Members          []MemberView       `json:"members"`
	Templates        []*Template        `json:"templates"`
	TemplateVersions []*TemplateVersion `json:"templateVersions"`
	TemplateBuilds   []*TemplateBuild   `json:"templateBuilds"`
	BindingReleases  []*BindingRelease  `json:"bindingReleases"`
	Sessions         []*Session         `json:"sessions"`
	Snapshots        []*Snapshot        `json:"snapshots"`
	UsageEvents      []*UsageEvent      `json:"usageEvents"`
	AuditLogs        []*AuditLog        `json:"auditLogs"`
	ExportedAt       time.Time          `json:"exportedAt"`
}

func usageTotals(st *State, workspaceID string) (map[string]int64, int) {
	totals := map[string]int64{}
	n := 0
	for _, u := range st.UsageEvents {
		if u.WorkspaceID == workspaceID {
			totals[u.Kind] += u.Quantity
			n++
		}
	}
	return totals, n
}

// GetUsage aggregates the workspace's usage events per kind.
func (e *Engine) GetUsage(ctx context.Context, token string) (*UsageSummary, error) {
	var out *UsageSummary
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleViewer)
		if err != nil {
			return err
		}
		totals, n := usageTotals(st, p.Workspace.ID)
		out = &UsageSummary{WorkspaceID: p.Workspace.ID, Totals: totals, Events: n}
		return nil
	})
	return out, err
}

// ListAudit returns up to limit audit entries, most recent first.
// A non-positive limit returns everything.
func (e *Engine) ListAudit(ctx context.Context, token string, limit int) ([]*AuditLog, error) {
	var out []*AuditLog
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleAdmin)
		if err != nil {
			return err
		}
		for _, a := range st.AuditLogs {
			if a.WorkspaceID == p.Workspace.ID {
				out = append(out, clonePtr(a))
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

// AdminReport summarizes builds, sessions, storage and members. Admin or above.
func (e *Engine) AdminReport(ctx context.Context, token string) (*AdminReport, error) {
	var out *AdminReport
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleAdmin)
		if err != nil {
			return err
		}
		ws := p.Workspace
		out = &AdminReport{
			WorkspaceID:     ws.ID,
			Plan:            ws.Plan,
			Limits:          e.settings.limits(ws.Plan),
			Members:         len(st.workspaceMembers(ws.ID)),
			Templates:       st.activeTemplates(ws.ID),
			BuildsByStatus:  map[BuildStatus]int{},
			SessionsByState: map[SessionState]int{},
			DeadLettered:    []*TemplateBuild{},
			GeneratedAt:     e.now(),
		}
		for _, b := range st.TemplateBuilds {
			if b.WorkspaceID != ws.ID {
				continue
			}
			out.BuildsByStatus[b.Status]++
			if b.Status == BuildDeadLettered {
				out.DeadLettered = append(out.DeadLettered, clonePtr(b))
			}
		}
		sortBuilds(out.DeadLettered)
		for _, s := range st.Sessions {
			if s.WorkspaceID == ws.ID {
				out.SessionsByState[s.State]++
			}
		}
		for _, v := range st.TemplateVersions {
			if v.WorkspaceID == ws.ID {
				out.StorageBytes += v.BundleBytes
			}
		}
		for _, snap := range st.Snapshots {
			if snap.WorkspaceID == ws.ID {
				out.Snapshots++
				out.StorageBytes += snap.Bytes
			}
		}
		out.Usage, _ = usageTotals(st, ws.ID)
		return nil
	})
	return out, err
}

// ExportWorkspace returns the workspace's records without tokens, grants or
// recovery codes. Admin or above.
func (e *Engine) ExportWorkspace(ctx context.Context, token string) (*WorkspaceExport, error) {
	var out *WorkspaceExport
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleAdmin)
		if err != nil {
			return err
		}
		wsID := p.Workspace.ID
		out = &WorkspaceExport{Workspace: clonePtr(p.Workspace), ExportedAt: e.now()}
		for _, m := range st.workspaceMembers(wsID) {
			mv := MemberView{UserID: m.UserID, Role: m.Role}
			if u := st.Users[m.UserID]; u != nil {
				mv.Email, mv.Name = u.Email, u.Name
			}
			out.Members = append(out.Members, mv)
		}
		out.Templates = collect(st.Templates, func(t *Template) bool { return t.WorkspaceID == wsID }, func(t *Template) string { return t.ID })
		out.TemplateVersions = collect(st.TemplateVersions, func(v *TemplateVersion) bool { return v.WorkspaceID == wsID }, func(v *TemplateVersion) string { return v.ID })
		out.TemplateBuilds = collect(st.TemplateBuilds, func(b *TemplateBuild) bool { return b.WorkspaceID == wsID }, func(b *TemplateBuild) string { return b.ID })
		out.BindingReleases = collect(st.BindingReleases, func(r *BindingRelease) bool { return r.WorkspaceID == wsID }, func(r *BindingRelease) string { return r.ID })
		out.Sessions = collect(st.Sessions, func(s *Session) bool { return s.WorkspaceID == wsID }, func(s *Session) string { return s.ID })
		out.Snapshots = collect(st.Snapshots, func(s *Snapshot) bool { return s.WorkspaceID == wsID }, func(s *Snapshot) string { return s.ID })
		out.UsageEvents = sortedBySeq(
			collect(st.UsageEvents, func(u *UsageEvent) bool { return u.WorkspaceID == wsID }, func(u *UsageEvent) string { return u.ID }),
			func(u *UsageEvent) int64 { return u.Seq })
		out.AuditLogs = sortedBySeq(
			collect(st.AuditLogs, func(a *AuditLog) bool { return a.WorkspaceID == wsID }, func(a *AuditLog) string { return a.ID }),
			func(a *AuditLog) int64 { return a.Seq })
		return nil
	})
	return out, err
}

// collect copies the matching values of m, ordered by key.
func collect[T any](m map[string]*T, keep func(*T) bool, key func(*T) string) []*T {
	out := []*T{}
	for _, v := range m {
		if keep(v) {
			out = append(out, clonePtr(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}
