package flare

import (
	"sort"
	"time"
)

// State is the full normalized dataset a Store transaction operates on.
// Every collection is keyed by the entity's identifier.
type State struct {
	Seq int64 `json:"seq"`

	Users            map[string]*User            `json:"users"`
	Workspaces       map[string]*Workspace       `json:"workspaces"`
	Memberships      map[string]*Membership      `json:"memberships"`
	WorkspaceInvites map[string]*WorkspaceInvite `json:"workspaceInvites"`
	AuthTokens       map[string]*AuthToken       `json:"authTokens"`
	DeviceCodes      map[string]*DeviceCode      `json:"deviceCodes"`
	Templates        map[string]*Template        `json:"templates"`
	TemplateVersions map[string]*TemplateVersion `json:"templateVersions"`
	TemplateBuilds   map[string]*TemplateBuild   `json:"templateBuilds"`
	BindingReleases  map[string]*BindingRelease  `json:"bindingReleases"`
	Sessions         map[string]*Session         `json:"sessions"`
	SessionEvents    map[string]*SessionEvent    `json:"sessionEvents"`
	Snapshots        map[string]*Snapshot        `json:"snapshots"`
	UploadGrants     map[string]*UploadGrant     `json:"uploadGrants"`
	UsageEvents      map[string]*UsageEvent      `json:"usageEvents"`
	AuditLogs        map[string]*AuditLog        `json:"auditLogs"`
}

// NewState returns an empty state with every collection allocated.
func NewState() *State {
	s := &State{}
	s.Normalize()
	return s
}

// Normalize allocates any nil collection. Stores call it after decoding.
func (s *State) Normalize() {
	if s.Users == nil {
		s.Users = map[string]*User{}
	}
	if s.Workspaces == nil {
		s.Workspaces = map[string]*Workspace{}
	}
	if s.Memberships == nil {
		s.Memberships = map[string]*Membership{}
	}
	if s.WorkspaceInvites == nil {
		s.WorkspaceInvites = map[string]*WorkspaceInvite{}
	}
	if s.AuthTokens == nil {
		s.AuthTokens = map[string]*AuthToken{}
	}
	if s.DeviceCodes == nil {
		s.DeviceCodes = map[string]*DeviceCode{}
	}
	if s.Templates == nil {
		s.Templates = map[string]*Template{}
	}
	if s.TemplateVersions == nil {
		s.TemplateVersions = map[string]*TemplateVersion{}
	}
	if s.TemplateBuilds == nil {
		s.TemplateBuilds = map[string]*TemplateBuild{}
	}
	if s.BindingReleases == nil {
		s.BindingReleases = map[string]*BindingRelease{}
	}
	if s.Sessions == nil {
		s.Sessions = map[string]*Session{}
	}
	if s.SessionEvents == nil {
		s.SessionEvents = map[string]*SessionEvent{}
	}
	if s.Snapshots == nil {
		s.Snapshots = map[string]*Snapshot{}
	}
	if s.UploadGrants == nil {
		s.UploadGrants = map[string]*UploadGrant{}
	}
	if s.UsageEvents == nil {
		s.UsageEvents = map[string]*UsageEvent{}
	}
	if s.AuditLogs == nil {
		s.AuditLogs = map[string]*AuditLog{}
	}
}

func (s *State) nextSeq() int64 {
	s.Seq++
	return s.Seq
}

func (s *State) userByEmail(email string) *User {
	for _, u := range s.Users {
		if u.Email == email {
			return u
		}
	}
	return nil
}

func (s *State) membership(workspaceID, userID string) *Membership {
	return s.Memberships[membershipKey(workspaceID, userID)]
}

func (s *State) workspaceMembers(workspaceID string) []*Membership {
	var out []*Membership
	for _, m := range s.Memberships {
		if m.WorkspaceID == workspaceID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role.rank() != out[j].Role.rank() {
			return out[i].Role.rank() > out[j].Role.rank()
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (s *State) buildForVersion(versionID string) *TemplateBuild {
	var latest *TemplateBuild
	for _, b := range s.TemplateBuilds {
		if b.TemplateVersionID != versionID {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) ||
			(b.CreatedAt.Equal(latest.CreatedAt) && b.ID > latest.ID) {
			latest = b
		}
	}
	return latest
}

func (s *State) runningSessions(workspaceID string) int {
	n := 0
	for _, ses := range s.Sessions {
		if ses.WorkspaceID == workspaceID &&
			(ses.State == SessionRunning || ses.State == SessionStarting) {
			n++
		}
	}
	return n
}

func (s *State) audit(now time.Time, ids IDGenerator, workspaceID, userID, action, targetID string, details map[string]string) {
	id := ids.New("aud")
	s.AuditLogs[id] = &AuditLog{
		ID:          id,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Action:      action,
		TargetID:    targetID,
		Details:     details,
		Seq:         s.nextSeq(),
		CreatedAt:   now,
	}
}

func (s *State) usage(now time.Time, ids IDGenerator, workspaceID, kind string, quantity int64) {
	id := ids.New("use")
	s.UsageEvents[id] = &UsageEvent{
		ID:          id,
		WorkspaceID: workspaceID,
		Kind:        kind,
		Quantity:    quantity,
		Seq:         s.nextSeq(),
		CreatedAt:   now,
	}
}

func (s *State) sessionEvent(now time.Time, ids IDGenerator, sessionID string, state SessionState) {
	id := ids.New("sev")
	s.SessionEvents[id] = &SessionEvent{
		ID:        id,
		SessionID: sessionID,
		State:     state,
		Seq:       s.nextSeq(),
		CreatedAt: now,
	}
}

func sortedBySeq[T any](items []T, seq func(T) int64) []T {
	sort.Slice(items, func(i, j int) bool { return seq(items[i]) < seq(items[j]) })
	return items
}
