package flare

import (
	"context"
	"encoding/hex"
	"errors"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// MembershipView pairs a workspace with the caller's role in it.
type MembershipView struct {
	Workspace *Workspace `json:"workspace"`
	Role      Role       `json:"role"`
}

// Identity describes the caller behind an access token.
type Identity struct {
	User        *User            `json:"user"`
	Workspace   *Workspace       `json:"workspace"`
	Role        Role             `json:"role"`
	TokenKind   TokenKind        `json:"tokenKind"`
	Memberships []MembershipView `json:"memberships"`
}

// AuthSession is one logical sign-in: the tokens sharing a session group.
type AuthSession struct {
	SessionGroupID string    `json:"sessionGroupId"`
	Kind           TokenKind `json:"kind"`
	WorkspaceID    string    `json:"workspaceId"`
	Tokens         int       `json:"tokens"`
	Current        bool      `json:"current"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// RuntimeToken authorizes one tunnel connection to a running session.
type RuntimeToken struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RuntimeAccess is what the tunnel needs after a runtime token is accepted.
type RuntimeAccess struct {
	Session        *Session  `json:"session"`
	UserID         string    `json:"userId"`
	PersistedPaths []string  `json:"persistedPaths"`
	Snapshot       *Snapshot `json:"snapshot,omitempty"`
	SnapshotData   []byte    `json:"-"`
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", errValidation("Invalid email address")
	}
	return email, nil
}

func hashRecoveryCode(code string) string {
	sum := blake3.Sum256([]byte(strings.ToLower(strings.TrimSpace(code))))
	return hex.EncodeToString(sum[:])
}

func accessKind(kind TokenKind) (TokenKind, error) {
	switch kind {
	case "":
		return TokenBrowser, nil
	case TokenBrowser, TokenAPI:
		return kind, nil
	default:
		return "", errValidation("Unsupported token kind %q", kind)
	}
}

// Register creates a user, their default workspace and an owner membership.
func (e *Engine) Register(ctx context.Context, email, name string) (*TokenPair, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = email[:strings.IndexByte(email, '@')]
	}
	var pair *TokenPair
	err = e.transact(ctx, func(st *State) error {
		if st.userByEmail(email) != nil {
			return errConflict("Email already registered")
		}
		now := e.now()
		user := &User{ID: e.ids.New("usr"), Email: email, Name: name, CreatedAt: now}
		ws := &Workspace{ID: e.ids.New("ws"), Name: name + "'s workspace", Plan: PlanFree, OwnerID: user.ID, CreatedAt: now}
		user.DefaultWSID = ws.ID
		st.Users[user.ID] = user
		st.Workspaces[ws.ID] = ws
		st.Memberships[membershipKey(ws.ID, user.ID)] = &Membership{WorkspaceID: ws.ID, UserID: user.ID, Role: RoleOwner, CreatedAt: now}
		st.audit(now, e.ids, ws.ID, user.ID, "user.registered", user.ID, nil)
		pair = e.issuePair(st, user, ws, TokenBrowser, "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("user registered", "user", pair.User.ID, "workspace", pair.Workspace.ID)
	return pair, nil
}

// Login issues a fresh token pair under a new session group.
func (e *Engine) Login(ctx context.Context, email string, kind TokenKind) (*TokenPair, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if kind, err = accessKind(kind); err != nil {
		return nil, err
	}
	var pair *TokenPair
	err = e.transact(ctx, func(st *State) error {
		user := st.userByEmail(email)
		if user == nil {
			return errUnauthorized("Unknown account")
		}
		ws := e.homeWorkspace(st, user)
		if ws == nil {
			return errForbidden("Account has no workspace")
		}
		st.audit(e.now(), e.ids, ws.ID, user.ID, "auth.login", user.ID, map[string]string{"kind": string(kind)})
		pair = e.issuePair(st, user, ws, kind, "")
		return nil
	})
	return pair, err
}

// homeWorkspace returns the user's default workspace, or any workspace they
// still belong to.
func (e *Engine) homeWorkspace(st *State, user *User) *Workspace {
	if ws := st.Workspaces[user.DefaultWSID]; ws != nil && st.membership(ws.ID, user.ID) != nil {
		return ws
	}
	var best *Workspace
	for _, m := range st.Memberships {
		if m.UserID != user.ID {
			continue
		}
		ws := st.Workspaces[m.WorkspaceID]
		if ws != nil && (best == nil || ws.ID < best.ID) {
			best = ws
		}
	}
	return best
}

// Refresh rotates a refresh token. The presented token is revoked and a new
// pair is issued in the same session group; presenting it again fails.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	refreshToken = bearer(refreshToken)
	var pair *TokenPair
	err := e.transact(ctx, func(st *State) error {
		now := e.now()
		t := st.AuthTokens[refreshToken]
		if t == nil || t.Kind != TokenRefresh {
			return errUnauthorized("Invalid refresh token")
		}
		if t.RevokedAt != nil {
			return errUnauthorized("Refresh token already used")
		}
		if !t.live(now) {
			return errUnauthorized("Refresh token expired")
		}
		user := st.Users[t.UserID]
		ws := st.Workspaces[t.WorkspaceID]
		if user == nil || ws == nil || st.membership(ws.ID, user.ID) == nil {
			return errUnauthorized("Invalid refresh token")
		}
		t.RevokedAt = &now
		kind := TokenBrowser
		for _, sib := range st.AuthTokens {
			if sib.SessionGroupID == t.SessionGroupID && (sib.Kind == TokenBrowser || sib.Kind == TokenAPI) {
				kind = sib.Kind
				break
			}
		}
		pair = e.issuePair(st, user, ws, kind, t.SessionGroupID)
		return nil
	})
	return pair, err
}

// Logout revokes the access token and its sibling refresh tokens.
func (e *Engine) Logout(ctx context.Context, token string) error {
	return e.transact(ctx, func(st *State) error {
		p, err := e.authenticate(st, token)
		if err != nil {
			return err
		}
		now := e.now()
		p.Token.RevokedAt = &now
		for _, t := range st.AuthTokens {
			if t.Kind == TokenRefresh && t.SessionGroupID == p.Token.SessionGroupID && t.RevokedAt == nil {
				t.RevokedAt = &now
			}
		}
		return nil
	})
}

// LogoutAll revokes every non-runtime token the user holds.
func (e *Engine) LogoutAll(ctx context.Context, token string) (int, error) {
	count := 0
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authenticate(st, token)
		if err != nil {
			return err
		}
		now := e.now()
		for _, t := range st.AuthTokens {
			if t.UserID == p.User.ID && t.Kind != TokenRuntime && t.RevokedAt == nil {
				t.RevokedAt = &now
				count++
			}
		}
		p.audit(e, st, "auth.logout_all", p.User.ID, nil)
		return nil
	})
	return count, err
}

// ListAuthSessions groups the caller's live tokens by session group.
func (e *Engine) ListAuthSessions(ctx context.Context, token string) ([]AuthSession, error) {
	var out []AuthSession
	err := e.view(ctx, func(st *State) error {
		p, err := e.authenticate(st, token)
		if err != nil {
			return err
		}
		now := e.now()
		groups := map[string]*AuthSession{}
		for _, t := range st.AuthTokens {
			if t.UserID != p.User.ID || t.Kind == TokenRuntime || !t.live(now) {
				continue
			}
			g := groups[t.SessionGroupID]
			if g == nil {
				g = &AuthSession{SessionGroupID: t.SessionGroupID, WorkspaceID: t.WorkspaceID, CreatedAt: t.CreatedAt}
				groups[t.SessionGroupID] = g
			}
			g.Tokens++
			if t.Kind != TokenRefresh {
				g.Kind = t.Kind
			}
			if t.CreatedAt.Before(g.CreatedAt) {
				g.CreatedAt = t.CreatedAt
			}
			if t.ExpiresAt.After(g.ExpiresAt) {
				g.ExpiresAt = t.ExpiresAt
			}
			g.Current = g.Current || t.SessionGroupID == p.Token.SessionGroupID
		}
		for _, g := range groups {
			out = append(out, *g)
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].SessionGroupID < out[j].SessionGroupID
		})
		return nil
	})
	return out, err
}

// RevokeAuthSession revokes every token of one of the caller's session groups.
func (e *Engine) RevokeAuthSession(ctx context.Context, token, groupID string) (int, error) {
	count := 0
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authenticate(st, token)
		if err != nil {
			return err
		}
		now := e.now()
		for _, t := range st.AuthTokens {
			if t.UserID == p.User.ID && t.SessionGroupID == groupID && t.RevokedAt == nil {
				t.RevokedAt = &now
				count++
			}
		}
		if count == 0 {
			return errNotFound("Auth session not found")
		}
		return nil
	})
	return count, err
}

// Me describes the caller.
func (e *Engine) Me(ctx context.Context, token string) (*Identity, error) {
	var out *Identity
	err := e.view(ctx, func(st *State) error {
		p, err := e.authenticate(st, token)
		if err != nil {
			return err
		}
		out = &Identity{
			User:      clonePtr(p.User),
			Workspace: clonePtr(p.Workspace),
			Role:      p.Membership.Role,
			TokenKind: p.Token.Kind,
		}
		out.User.RecoveryCodes = nil
		for _, m := range st.Memberships {
			if m.UserID != p.User.ID {
				continue
			}
			if ws := st.Workspaces[m.WorkspaceID]; ws != nil {
				out.Memberships = append(out.Memberships, MembershipView{Workspace: clonePtr(ws), Role: m.Role})
			}
		}
		sort.Slice(out.Memberships, func(i, j int) bool {
			return out.Memberships[i].Workspace.ID < out.Memberships[j].Workspace.ID
		})
		return nil
	})
	return out, err
}

// StartDeviceAuth opens a pending device-code flow for email.
func (e *Engine) StartDeviceAuth(ctx context.Context, email string) (*DeviceCode, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	var out *DeviceCode
	err = e.transact(ctx, func(st *State) error {
		now := e.now()
		for code, d := range st.DeviceCodes {
			if !now.Before(d.ExpiresAt) {
				delete(st.DeviceCodes, code)
			}
		}
		d := &DeviceCode{
			Code:      e.ids.New("dev"),
			Email:     email,
			Status:    DevicePending,
			ExpiresAt: now.Add(e.settings.DeviceCodeTTL),
			CreatedAt: now,
		}
		st.DeviceCodes[d.Code] = d
		out = clonePtr(d)
		return nil
	})
	return out, err
}

func (e *Engine) deviceCode(st *State, code string) (*DeviceCode, error) {
	d := st.DeviceCodes[strings.TrimSpace(code)]
	if d == nil {
		return nil, errNotFound("Device code not found")
	}
	if !e.now().Before(d.ExpiresAt) {
		return nil, errUnauthorized("Device code expired")
	}
	return d, nil
}

// ApproveDevice lets a signed-in user approve a pending code for their own email.
func (e *Engine) ApproveDevice(ctx context.Context, token, code string) (*DeviceCode, error) {
	var out *DeviceCode
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authenticate(st, token)
		if err != nil {
			return err
		}
		d, err := e.deviceCode(st, code)
		if err != nil {
			return err
		}
		if d.Status != DevicePending {
			return errConflict("Device code is not pending")
		}
		if d.Email != p.User.Email {
			return errForbidden("Device code belongs to another account")
		}
		d.Status = DeviceApproved
		d.UserID = p.User.ID
		d.WorkspaceID = p.Workspace.ID
		p.audit(e, st, "device.approved", d.Code, nil)
		out = clonePtr(d)
		return nil
	})
	return out, err
}

// ExchangeDevice trades an approved code for an api token pair, once.
func (e *Engine) ExchangeDevice(ctx context.Context, code string) (*TokenPair, error) {
	var pair *TokenPair
	err := e.transact(ctx, func(st *State) error {
		d, err := e.deviceCode(st, code)
		if err != nil {
			return err
		}
		switch d.Status {
		case DevicePending:
			return errConflict("Device code is not approved")
		case DeviceExchanged:
			return errConflict("Device code already exchanged")
		}
		user := st.Users[d.UserID]
		ws := st.Workspaces[d.WorkspaceID]
		if user == nil || ws == nil || st.membership(ws.ID, user.ID) == nil {
			return errUnauthorized("Device approval no longer valid")
		}
		d.Status = DeviceExchanged
		pair = e.issuePair(st, user, ws, TokenAPI, "")
		return nil
	})
	return pair, err
}

// GenerateRecoveryCodes replaces the caller's recovery codes and returns the
// new plaintext set. Only hashes are stored.
func (e *Engine) GenerateRecoveryCodes(ctx context.Context, token string) ([]string, error) {
	var codes []string
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authenticate(st, token)
		if err != nil {
			return err
		}
		codes = make([]string, e.settings.RecoveryCodeCount)
		hashes := make([]string, len(codes))
		for i := range codes {
			raw := randomHex(6)
			codes[i] = raw[:4] + "-" + raw[4:8] + "-" + raw[8:]
			hashes[i] = hashRecoveryCode(codes[i])
		}
		p.User.RecoveryCodes = hashes
		p.audit(e, st, "auth.recovery_codes_generated", p.User.ID, nil)
		return nil
	})
	return codes, err
}

// RecoverAccount redeems one recovery code for a fresh browser pair.
func (e *Engine) RecoverAccount(ctx context.Context, email, code string) (*TokenPair, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	hash := hashRecoveryCode(code)
	var pair *TokenPair
	err = e.transact(ctx, func(st *State) error {
		user := st.userByEmail(email)
		if user == nil {
			return errUnauthorized("Invalid recovery code")
		}
		idx := -1
		for i, h := range user.RecoveryCodes {
			if h == hash {
				idx = i
				break
			}
		}
		if idx < 0 {
			return errUnauthorized("Invalid recovery code")
		}
		user.RecoveryCodes = append(user.RecoveryCodes[:idx:idx], user.RecoveryCodes[idx+1:]...)
		ws := e.homeWorkspace(st, user)
		if ws == nil {
			return errForbidden("Account has no workspace")
		}
		st.audit(e.now(), e.ids, ws.ID, user.ID, "auth.recovered", user.ID, nil)
		pair = e.issuePair(st, user, ws, TokenBrowser, "")
		return nil
	})
	return pair, err
}

// SwitchWorkspace issues a pair scoped to another workspace the caller belongs to.
func (e *Engine) SwitchWorkspace(ctx context.Context, token, workspaceID string) (*TokenPair, error) {
	var pair *TokenPair
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authenticate(st, token)
		if err != nil {
			return err
		}
		ws := st.Workspaces[workspaceID]
		if ws == nil || st.membership(ws.ID, p.User.ID) == nil {
			return errForbidden("Not a member of workspace")
		}
		pair = e.issuePair(st, p.User, ws, p.Token.Kind, p.Token.SessionGroupID)
		return nil
	})
	return pair, err
}

// IssueRuntimeToken mints a session-scoped runtime JWT for a running session.
func (e *Engine) IssueRuntimeToken(ctx context.Context, token, sessionID string) (*RuntimeToken, error) {
	var out *RuntimeToken
	err := e.transact(ctx, func(st *State) error {
		p, err := e.authorize(st, token, RoleMember)
		if err != nil {
			return err
		}
		ses, err := sessionIn(st, p.Workspace.ID, sessionID)
		if err != nil {
			return err
		}
		if ses.State != SessionRunning {
			return errConflict("Session is not running")
		}
		now := e.now()
		expires := now.Add(e.settings.RuntimeTokenTTL)
		jwtString, err := e.tokens.sign(runtimeClaims{
			UserID:      p.User.ID,
			WorkspaceID: p.Workspace.ID,
			SessionID:   ses.ID,
			ID:          randomHex(12),
		}, expires)
		if err != nil {
			return err
		}
		st.AuthTokens[jwtString] = &AuthToken{
			Token:          jwtString,
			UserID:         p.User.ID,
			WorkspaceID:    p.Workspace.ID,
			Kind:           TokenRuntime,
			SessionGroupID: p.Token.SessionGroupID,
			SessionID:      ses.ID,
			ExpiresAt:      expires,
			CreatedAt:      now,
		}
		out = &RuntimeToken{Token: jwtString, SessionID: ses.ID, ExpiresAt: expires}
		return nil
	})
	return out, err
}

// AuthorizeRuntime validates a runtime token for sessionID, consumes it and
// returns what the tunnel needs to serve it. Each token opens one tunnel.
func (e *Engine) AuthorizeRuntime(ctx context.Context, sessionID, token string) (*RuntimeAccess, error) {
	token = bearer(token)
	claims, err := e.tokens.verify(token)
	if err != nil {
		return nil, errUnauthorized("Invalid runtime token")
	}
	if claims.SessionID != sessionID {
		return nil, errUnauthorized("Runtime token is scoped to another session")
	}
	var out *RuntimeAccess
	err = e.transact(ctx, func(st *State) error {
		now := e.now()
		t := st.AuthTokens[token]
		if t == nil || t.Kind != TokenRuntime || t.SessionID != sessionID || !t.live(now) {
			return errUnauthorized("Invalid runtime token")
		}
		if t.UsedAt != nil {
			return errUnauthorized("Runtime token already used")
		}
		ses := st.Sessions[sessionID]
		if ses == nil || ses.State == SessionDeleted {
			return errNotFound("Session not found")
		}
		if ses.State != SessionRunning {
			return errConflict("Session is not running")
		}
		t.UsedAt = &now
		out = &RuntimeAccess{Session: clonePtr(ses), UserID: t.UserID, PersistedPaths: append([]string(nil), ses.PersistedPaths...)}
		out.Snapshot = clonePtr(restoreSource(st, ses))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Snapshot != nil {
		data, err := e.blobs.GetSnapshot(ctx, out.Snapshot)
		switch {
		case err == nil:
			out.SnapshotData = data
		case errors.Is(err, ErrObjectNotFound):
		default:
			e.logger.Warn("loading snapshot for runtime", "snapshot", out.Snapshot.ID, "error", err)
		}
	}
	return out, nil
}

// restoreSource is the snapshot a starting runtime should hydrate from: the
// explicitly restored one, or the newest uploaded snapshot of the session.
func restoreSource(st *State, ses *Session) *Snapshot {
	if snap := st.Snapshots[ses.RestoredSnapshotID]; snap != nil && snap.UploadedAt != nil {
		return snap
	}
	var latest *Snapshot
	for _, snap := range st.Snapshots {
		if snap.SessionID != ses.ID || snap.UploadedAt == nil {
			continue
		}
		if latest == nil || snap.UploadedAt.After(*latest.UploadedAt) ||
			(snap.UploadedAt.Equal(*latest.UploadedAt) && snap.ID > latest.ID) {
			latest = snap
		}
	}
	return latest
}
