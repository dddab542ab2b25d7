package flare

import "time"

// Plan names a workspace billing tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Role is a member's permission level inside a workspace.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleMember:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r grants at least the permissions of min.
func (r Role) AtLeast(min Role) bool { return r.rank() >= min.rank() }

// TokenKind distinguishes credential uses.
type TokenKind string

const (
	TokenBrowser TokenKind = "browser"
	TokenAPI     TokenKind = "api"
	TokenRefresh TokenKind = "refresh"
	TokenRuntime TokenKind = "runtime"
)

type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	DefaultWSID   string    `json:"defaultWorkspaceId"`
	RecoveryCodes []string  `json:"recoveryCodes,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      Plan      `json:"plan"`
	OwnerID   string    `json:"ownerUserId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Membership struct {
	WorkspaceID string    `json:"workspaceId"`
	UserID      string    `json:"userId"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

func membershipKey(workspaceID, userID string) string { return workspaceID + "/" + userID }

type WorkspaceInvite struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	Email       string     `json:"email"`
	Role        Role       `json:"role"`
	InvitedBy   string     `json:"invitedByUserId"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type AuthToken struct {
	Token          string     `json:"token"`
	UserID         string     `json:"userId"`
	WorkspaceID    string     `json:"workspaceId"`
	Kind           TokenKind  `json:"kind"`
	SessionGroupID string     `json:"sessionGroupId"`
	SessionID      string     `json:"sessionId,omitempty"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
	UsedAt         *time.Time `json:"usedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func (t *AuthToken) live(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

type DeviceStatus string

const (
	DevicePending   DeviceStatus = "pending"
	DeviceApproved  DeviceStatus = "approved"
	DeviceExchanged DeviceStatus = "exchanged"
)

type DeviceCode struct {
	Code        string       `json:"code"`
	Email       string       `json:"email"`
	Status      DeviceStatus `json:"status"`
	UserID      string       `json:"userId,omitempty"`
	WorkspaceID string       `json:"workspaceId,omitempty"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	CreatedAt   time.Time    `json:"createdAt"`
}

type Template struct {
	ID              string     `json:"id"`
	WorkspaceID     string     `json:"workspaceId"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	ActiveVersionID string     `json:"activeVersionId,omitempty"`
	ArchivedAt      *time.Time `json:"archivedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Feature is an optional capability a template manifest can declare.
type Feature string

const (
	FeatureSSH       Feature = "ssh"
	FeatureBrowser   Feature = "browser"
	FeatureSnapshots Feature = "snapshots"
)

// Manifest describes how sessions of a template version are built and run.
type Manifest struct {
	Image           string    `json:"image"`
	Features        []Feature `json:"features,omitempty"`
	PersistedPaths  []string  `json:"persistedPaths,omitempty"`
	SleepTTLSeconds *int64    `json:"sleepTtlSeconds,omitempty"`
	// SimulateFailure makes the builder report an error. It stands in for
	// the external builder rejecting the version.
	SimulateFailure bool `json:"simulateFailure,omitempty"`
}

// HasFeature reports whether the manifest declares f.
func (m Manifest) HasFeature(f Feature) bool {
	for _, have := range m.Features {
		if have == f {
			return true
		}
	}
	return false
}

type VersionStatus string

const (
	VersionQueued   VersionStatus = "queued"
	VersionBuilding VersionStatus = "building"
	VersionReady    VersionStatus = "ready"
	VersionFailed   VersionStatus = "failed"
)

type TemplateVersion struct {
	ID                string        `json:"id"`
	WorkspaceID       string        `json:"workspaceId"`
	TemplateID        string        `json:"templateId"`
	Version           string        `json:"version"`
	Manifest          Manifest      `json:"manifest"`
	Status            VersionStatus `json:"status"`
	BundleKey         string        `json:"bundleKey,omitempty"`
	BundleBytes       int64         `json:"bundleBytes,omitempty"`
	BundleContentType string        `json:"bundleContentType,omitempty"`
	BundleUploadedAt  *time.Time    `json:"bundleUploadedAt,omitempty"`
	BuildLogKey       string        `json:"buildLogKey,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

type BuildStatus string

const (
	BuildQueued       BuildStatus = "queued"
	BuildRetrying     BuildStatus = "retrying"
	BuildBuilding     BuildStatus = "building"
	BuildSucceeded    BuildStatus = "succeeded"
	BuildFailed       BuildStatus = "failed"
	BuildDeadLettered BuildStatus = "dead_lettered"
)

// Dispatch names the async mechanism that carried a job.
type Dispatch string

const (
	DispatchNone     Dispatch = ""
	DispatchQueue    Dispatch = "queue"
	DispatchWorkflow Dispatch = "workflow"
)

type TemplateBuild struct {
	ID                string      `json:"id"`
	WorkspaceID       string      `json:"workspaceId"`
	TemplateID        string      `json:"templateId"`
	TemplateVersionID string      `json:"templateVersionId"`
	Status            BuildStatus `json:"status"`
	Attempts          int         `json:"attempts"`
	LastError         string      `json:"lastError,omitempty"`
	Dispatch          Dispatch    `json:"dispatch,omitempty"`
	DispatchedAt      *time.Time  `json:"dispatchedAt,omitempty"`
	ArtifactKey       string      `json:"artifactKey,omitempty"`
	StartedAt         *time.Time  `json:"startedAt,omitempty"`
	FinishedAt        *time.Time  `json:"finishedAt,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

type ReleaseMode string

const (
	ReleasePromote  ReleaseMode = "promote"
	ReleaseRollback ReleaseMode = "rollback"
)

type BindingRelease struct {
	ID                string      `json:"id"`
	WorkspaceID       string      `json:"workspaceId"`
	TemplateID        string      `json:"templateId"`
	TemplateVersionID string      `json:"templateVersionId"`
	Mode              ReleaseMode `json:"mode"`
	SourceReleaseID   string      `json:"sourceReleaseId,omitempty"`
	CreatedBy         string      `json:"createdByUserId"`
	Seq               int64       `json:"seq"`
	CreatedAt         time.Time   `json:"createdAt"`
}

type SessionState string

const (
	SessionCreated  SessionState = "created"
	SessionStarting SessionState = "starting"
	SessionRunning  SessionState = "running"
	SessionStopping SessionState = "stopping"
	SessionSleeping SessionState = "sleeping"
	SessionDeleted  SessionState = "deleted"
)

// SessionRuntime is the last runtime report accepted for a session.
type SessionRuntime struct {
	Status       string    `json:"status"`
	RuntimeState string    `json:"runtimeState"`
	Version      int64     `json:"version"`
	OperationID  string    `json:"operationId"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Session struct {
	ID                 string          `json:"id"`
	WorkspaceID        string          `json:"workspaceId"`
	TemplateID         string          `json:"templateId"`
	TemplateVersionID  string          `json:"templateVersionId"`
	Name               string          `json:"name"`
	State              SessionState    `json:"state"`
	CreatedBy          string          `json:"createdByUserId"`
	SleepTTLSeconds    *int64          `json:"sleepTtlSeconds,omitempty"`
	PersistedPaths     []string        `json:"persistedPaths,omitempty"`
	Runtime            *SessionRuntime `json:"runtime,omitempty"`
	RestoredSnapshotID string          `json:"restoredSnapshotId,omitempty"`
	LastStartedAt      *time.Time      `json:"lastStartedAt,omitempty"`
	LastStoppedAt      *time.Time      `json:"lastStoppedAt,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

type SessionEvent struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionId"`
	State     SessionState `json:"state"`
	Seq       int64        `json:"seq"`
	CreatedAt time.Time    `json:"createdAt"`
}

type Snapshot struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	SessionID   string     `json:"sessionId"`
	Label       string     `json:"label"`
	ObjectKey   string     `json:"objectKey"`
	Bytes       int64      `json:"bytes"`
	ContentType string     `json:"contentType,omitempty"`
	UploadedAt  *time.Time `json:"uploadedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type GrantKind string

const (
	GrantTemplateBundle GrantKind = "template_bundle"
	GrantSnapshot       GrantKind = "snapshot"
)

type UploadGrant struct {
	ID                string     `json:"id"`
	WorkspaceID       string     `json:"workspaceId"`
	UserID            string     `json:"userId"`
	Kind              GrantKind  `json:"kind"`
	TemplateID        string     `json:"templateId,omitempty"`
	TemplateVersionID string     `json:"templateVersionId,omitempty"`
	SessionID         string     `json:"sessionId,omitempty"`
	SnapshotID        string     `json:"snapshotId,omitempty"`
	ContentType       string     `json:"contentType"`
	ExpectedBytes     *int64     `json:"expectedBytes,omitempty"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	UsedAt            *time.Time `json:"usedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// Usage event kinds.
const (
	UsageRuntimeMinutes = "runtime_minutes"
	UsageTemplateBuild  = "template_build"
	UsageSnapshotBytes  = "snapshot_bytes"
	UsageBundleBytes    = "bundle_bytes"
)

type UsageEvent struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Kind        string    `json:"kind"`
	Quantity    int64     `json:"quantity"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"createdAt"`
}

type AuditLog struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspaceId"`
	UserID      string            `json:"userId,omitempty"`
	Action      string            `json:"action"`
	TargetID    string            `json:"targetId,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Seq         int64             `json:"seq"`
	CreatedAt   time.Time         `json:"createdAt"`
}
