package flare

import (
	"context"
	"sort"
	"strings"
)

// sessionTransitions defines legal session state transitions.
var sessionTransitions = map[SessionState]map[SessionState]bool{
	SessionCreated:  {SessionStarting: true, SessionDeleted: true},
	SessionStarting: {SessionRunning: true, SessionDeleted: true},
	SessionRunning:  {SessionStopping: true, SessionSleeping: true, SessionDeleted: true},
	SessionStopping: {SessionSleeping: true, SessionDeleted: true},
	SessionSleeping: {SessionStarting: true, SessionDeleted: true},
	SessionDeleted:  {},
}

// rollbackTransitions are taken only when the runtime host rejects a
// lifecycle call, returning the session to where it was.
var rollbackTransitions = map[SessionState]map[SessionState]bool{
	SessionStarting: {SessionCreated: true, SessionSleeping: true},
	SessionStopping: {SessionRunning: true},
}

func canTransition(from, to SessionState) bool {
	return sessionTransitions[from][to]
}

// RuntimeUpdate is a versioned state report from the runtime host.
type RuntimeUpdate = RuntimeStatus

// RuntimeUpdateResult reports whether an update was applied.
type RuntimeUpdateResult struct {
	Session *Session `json:"session"`
	Stale   bool     `json:"stale"`
}

func sessionIn(st *State, workspaceID, sessionID string) (*Session, error) {
	s := st.Sessions[sessionID]
	if s == nil || s.WorkspaceID != workspaceID {
		return nil, errNotFound("Session not found")
	}
	return s, nil
}

// transition moves a session along the state machine and logs the event.
func (e *Engine) transition(st *State, s *Session, to SessionState) error {
	if !canTransition(s.State, to) {
		return errConflict("Session cannot move from %s to %s", s.State, to)
	}
	e.moveSession(st, s, to)
	return nil
}

// rollback returns a session from a transient state after a host failure.
func (e *Engine) rollback(st *State, s *Session, to SessionState) error {
	if !rollbackTransitions[s.State][to] {
		return errConflict("Session cannot roll back from %s to %s", s.State, to)
	}
	e.moveSession(st, s, to)
	return nil
}

func (e *Engine) moveSession(st *State, s *Session, to SessionState) {
	now := e.now()
	s.State = to
	s.UpdatedAt = now
	switch to {
	case SessionRunning:
		s.LastStartedAt = &now
	case SessionSleeping:
		s.LastStoppedAt = &now
	}
	st.sessionEvent(now, e.ids, s.ID, to)
}

// applyRuntime records a runtime report unless it is stale: older than the
// stored version, or a replay of the stored version and operation.
func (e *Engine) applyRuntime(s *Session, u RuntimeStatus) bool {
	if r := s.Runtime; r != nil {
		if u.Version < r.Version || (u.Version == r.Version && u.OperationID == r.OperationID) {
			return false
		}
	}
	s.Runtime = &SessionRuntime{
		Status:       u.Status,
		RuntimeState: u.RuntimeState,
		Version:      u.Version,
		OperationID:  u.OperationID,
		UpdatedAt:    e.now(),
	}
	return true
}

func runtimeTarget(runtimeState string) SessionState {
	switch strings.ToLower(runtimeState) {
	case "running":
		return SessionRunning
	case "sleeping", "stopped", "exited":
		return SessionSleeping
	default:
		return ""
	}
}

// CreateSession opens a session on the template's live version.
func (e *Engine) CreateSession(ctx context.Context, token, templateID, name string) (*Session, error) {
	var out *Session
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		t, err := templateIn(st, p.Workspace.ID, templateID)
		if err != nil {
			return err
		}
		if t.ArchivedAt != nil {
			return errConflict("Template is archived")
		}
		v := st.TemplateVersions[t.ActiveVersionID]
		if v == nil {
			return errConflict("Template has no promoted version")
		}
		name = strings.TrimSpace(name)
		if name == "" {
			name = t.Name
		}
		now := e.now()
		s := &Session{
			ID:                e.ids.New("ses"),
			WorkspaceID:       p.Workspace.ID,
			TemplateID:        t.ID,
			TemplateVersionID: v.ID,
			Name:              name,
			State:             SessionCreated,
			CreatedBy:         p.User.ID,
			PersistedPaths:    append([]string(nil), v.Manifest.PersistedPaths...),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if v.Manifest.SleepTTLSeconds != nil {
			ttl := *v.Manifest.SleepTTLSeconds
			s.SleepTTLSeconds = &ttl
		}
		st.Sessions[s.ID] = s
		st.sessionEvent(now, e.ids, s.ID, SessionCreated)
		p.audit(e, st, "session.created", s.ID, map[string]string{"template": t.ID})
		out = clonePtr(s)
		return nil
	})
	return out, err
}

// ListSessions returns the workspace's sessions, oldest first.
func (e *Engine) ListSessions(ctx context.Context, token string) ([]*Session, error) {
	var out []*Session
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleViewer)
		if err != nil {
			return err
		}
		for _, s := range st.Sessions {
			if s.WorkspaceID == p.Workspace.ID && s.State != SessionDeleted {
				out = append(out, clonePtr(s))
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].ID < out[j].ID
		})
		return nil
	})
	return out, err
}

// GetSession returns one session, including deleted ones not yet purged.
func (e *Engine) GetSession(ctx context.Context, token, sessionID string) (*Session, error) {
	var out *Session
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleViewer)
		if err != nil {
			return err
		}
		s, err := sessionIn(st, p.Workspace.ID, sessionID)
		if err != nil {
			return err
		}
		out = clonePtr(s)
		return nil
	})
	return out, err
}

// ListSessionEvents returns a session's lifecycle log in order.
func (e *Engine) ListSessionEvents(ctx context.Context, token, sessionID string) ([]*SessionEvent, error) {
	var out []*SessionEvent
	err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleViewer)
		if err != nil {
			return err
		}
		if _, err := sessionIn(st, p.Workspace.ID, sessionID); err != nil {
			return err
		}
		for _, ev := range st.SessionEvents {
			if ev.SessionID == sessionID {
				out = append(out, clonePtr(ev))
			}
		}
		out = sortedBySeq(out, func(ev *SessionEvent) int64 { return ev.Seq })
		return nil
	})
	return out, err
}

// lifecycleOp is one two-phase session operation: mark writes the transient
// state, the host is called with no transaction open, then finish commits
// the outcome after re-checking the marker.
type lifecycleOp struct {
	userID string
	prev   SessionState
	spec   RuntimeSpec
}

func (e *Engine) beginStart(ctx context.Context, token, sessionID string) (*lifecycleOp, error) {
	var op *lifecycleOp
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		s, err := sessionIn(st, p.Workspace.ID, sessionID)
		if err != nil {
			return err
		}
		if s.State == SessionRunning {
			return errConflict("Session is already running")
		}
		if !canTransition(s.State, SessionStarting) {
			return errConflict("Session cannot start from %s", s.State)
		}
		if st.runningSessions(s.WorkspaceID) >= e.settings.limits(p.Workspace.Plan).MaxRunningSessions {
			return errForbidden("Running session limit reached for plan %s", p.Workspace.Plan)
		}
		spec := RuntimeSpec{SessionID: s.ID, WorkspaceID: s.WorkspaceID, PersistedPaths: append([]string(nil), s.PersistedPaths...)}
		if v := st.TemplateVersions[s.TemplateVersionID]; v != nil {
			spec.Image = v.Manifest.Image
			spec.SSH = v.Manifest.HasFeature(FeatureSSH)
		}
		op = &lifecycleOp{userID: p.User.ID, prev: s.State, spec: spec}
		return e.transition(st, s, SessionStarting)
	})
	return op, err
}

func (e *Engine) finishStart(ctx context.Context, op *lifecycleOp, status RuntimeStatus, hostErr error) (*Session, error) {
	var out *Session
	err := e.transact(ctx, func(st *State) error {
		s := st.Sessions[op.spec.SessionID]
		if s == nil || s.State != SessionStarting {
			return errConflict("Session changed while starting")
		}
		if hostErr != nil {
			return e.rollback(st, s, op.prev)
		}
		if err := e.transition(st, s, SessionRunning); err != nil {
			return err
		}
		e.applyRuntime(s, status)
		st.usage(e.now(), e.ids, s.WorkspaceID, UsageRuntimeMinutes, 1)
		st.audit(e.now(), e.ids, s.WorkspaceID, op.userID, "session.started", s.ID, nil)
		out = clonePtr(s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if hostErr != nil {
		e.logger.Warn("runtime start failed", "session", op.spec.SessionID, "error", hostErr)
		return nil, errConflict("Runtime failed to start session: %v", hostErr)
	}
	return out, nil
}

func (e *Engine) beginStop(ctx context.Context, token, sessionID string) (*lifecycleOp, error) {
	var op *lifecycleOp
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		s, err := sessionIn(st, p.Workspace.ID, sessionID)
		if err != nil {
			return err
		}
		if s.State != SessionRunning {
			return errConflict("Session is not running")
		}
		op = &lifecycleOp{userID: p.User.ID, prev: s.State, spec: RuntimeSpec{SessionID: s.ID, WorkspaceID: s.WorkspaceID}}
		return e.transition(st, s, SessionStopping)
	})
	return op, err
}

func (e *Engine) finishStop(ctx context.Context, op *lifecycleOp, status RuntimeStatus, hostErr error) (*Session, error) {
	var out *Session
	err := e.transact(ctx, func(st *State) error {
		s := st.Sessions[op.spec.SessionID]
		if s == nil || s.State != SessionStopping {
			return errConflict("Session changed while stopping")
		}
		if hostErr != nil {
			return e.rollback(st, s, op.prev)
		}
		if err := e.transition(st, s, SessionSleeping); err != nil {
			return err
		}
		e.applyRuntime(s, status)
		st.audit(e.now(), e.ids, s.WorkspaceID, op.userID, "session.stopped", s.ID, nil)
		out = clonePtr(s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if hostErr != nil {
		e.logger.Warn("runtime stop failed", "session", op.spec.SessionID, "error", hostErr)
		return nil, errConflict("Runtime failed to stop session: %v", hostErr)
	}
	return out, nil
}

// StartSession starts a created or sleeping session.
func (e *Engine) StartSession(ctx context.Context, token, sessionID string) (*Session, error) {
	op, err := e.beginStart(ctx, token, sessionID)
	if err != nil {
		return nil, err
	}
	status, hostErr := e.host.Start(ctx, op.spec)
	return e.finishStart(ctx, op, status, hostErr)
}

// StopSession puts a running session to sleep.
func (e *Engine) StopSession(ctx context.Context, token, sessionID string) (*Session, error) {
	op, err := e.beginStop(ctx, token, sessionID)
	if err != nil {
		return nil, err
	}
	status, hostErr := e.host.Stop(ctx, sessionID)
	return e.finishStop(ctx, op, status, hostErr)
}

// RestartSession stops a running session and starts it again. Sessions that
// are not running are simply started.
func (e *Engine) RestartSession(ctx context.Context, token, sessionID string) (*Session, error) {
	var state SessionState
	if err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		s, err := sessionIn(st, p.Workspace.ID, sessionID)
		if err != nil {
			return err
		}
		state = s.State
		return nil
	}); err != nil {
		return nil, err
	}
	if state == SessionRunning {
		if _, err := e.StopSession(ctx, token, sessionID); err != nil {
			return nil, err
		}
	}
	return e.StartSession(ctx, token, sessionID)
}

// DeleteSession destroys the runtime and marks the session deleted. The
// record is purged by the next reconcile sweep.
func (e *Engine) DeleteSession(ctx context.Context, token, sessionID string) (*Session, error) {
	if err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		s, err := sessionIn(st, p.Workspace.ID, sessionID)
		if err != nil {
			return err
		}
		if s.State == SessionDeleted {
			return errConflict("Session is already deleted")
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := e.host.Destroy(ctx, sessionID); err != nil {
		e.logger.Warn("runtime destroy failed", "session", sessionID, "error", err)
		return nil, errConflict("Runtime failed to destroy session: %v", err)
	}
	var out *Session
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		s, err := sessionIn(st, p.Workspace.ID, sessionID)
		if err != nil {
			return err
		}
		if err := e.transition(st, s, SessionDeleted); err != nil {
			return err
		}
		now := e.now()
		for _, t := range st.AuthTokens {
			if t.SessionID == s.ID && t.RevokedAt == nil {
				t.RevokedAt = &now
			}
		}
		p.audit(e, st, "session.deleted", s.ID, nil)
		out = clonePtr(s)
		return nil
	})
	return out, err
}

// ApplyRuntimeUpdate records a host callback through the staleness gate.
// Reports of a running or stopped container also move the session when the
// state machine allows it. A session that is starting or stopping only has
// its runtime fields recorded; the lifecycle call in flight settles its state.
func (e *Engine) ApplyRuntimeUpdate(ctx context.Context, sessionID string, u RuntimeUpdate) (*RuntimeUpdateResult, error) {
	var out *RuntimeUpdateResult
	err := e.transact(ctx, func(st *State) error {
		s := st.Sessions[sessionID]
		if s == nil {
			return errNotFound("Session not found")
		}
		var err error
		out, err = e.applyUpdate(st, s, u)
		return err
	})
	return out, err
}

func (e *Engine) applyUpdate(st *State, s *Session, u RuntimeUpdate) (*RuntimeUpdateResult, error) {
	if s.State == SessionDeleted {
		return nil, errConflict("Session is deleted")
	}
	if !e.applyRuntime(s, u) {
		return &RuntimeUpdateResult{Session: clonePtr(s), Stale: true}, nil
	}
	s.UpdatedAt = e.now()
	if s.State == SessionStarting || s.State == SessionStopping {
		return &RuntimeUpdateResult{Session: clonePtr(s)}, nil
	}
	if to := runtimeTarget(u.RuntimeState); to != "" && to != s.State && canTransition(s.State, to) {
		if err := e.transition(st, s, to); err != nil {
			return nil, err
		}
	}
	return &RuntimeUpdateResult{Session: clonePtr(s)}, nil
}

// RefreshSessionRuntime asks the host for the session's current status and
// applies it through the staleness gate.
func (e *Engine) RefreshSessionRuntime(ctx context.Context, token, sessionID string) (*RuntimeUpdateResult, error) {
	var current *Session
	if err := e.view(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		s, err := sessionIn(st, p.Workspace.ID, sessionID)
		if err != nil {
			return err
		}
		current = clonePtr(s)
		return nil
	}); err != nil {
		return nil, err
	}
	if current.State == SessionDeleted {
		return nil, errConflict("Session is deleted")
	}
	status, err := e.host.Inspect(ctx, sessionID)
	if err != nil {
		return nil, errConflict("Runtime inspect failed: %v", err)
	}
	if status == (RuntimeStatus{}) {
		return &RuntimeUpdateResult{Session: current, Stale: true}, nil
	}
	return e.ApplyRuntimeUpdate(ctx, sessionID, status)
}
