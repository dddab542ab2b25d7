package flare

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Engine is the orchestration layer. Every public operation runs as one
// Store transaction; runtime host and object store calls happen outside it.
type Engine struct {
	store      Store
	blobs      *Blobs
	dispatcher Dispatcher
	host       RuntimeHost
	settings   Settings
	logger     Logger
	clock      Clock
	ids        IDGenerator
	tokens     *runtimeSigner
}

// NewEngine creates an Engine with the provided dependencies.
// objects, dispatcher and host may be nil: blobs become no-ops, builds wait
// for ProcessBuilds or a reconcile sweep, and sessions run on an in-process
// stand-in that always succeeds.
func NewEngine(store Store, objects ObjectStore, dispatcher Dispatcher, host RuntimeHost, settings Settings, logger Logger, clock Clock, ids IDGenerator) *Engine {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	if ids == nil {
		ids = UUIDGenerator{}
	}
	if host == nil {
		host = &nopRuntime{clock: clock}
	}
	secret := settings.RuntimeTokenSecret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		_, _ = rand.Read(secret)
	}
	return &Engine{
		store:      store,
		blobs:      NewBlobs(objects),
		dispatcher: dispatcher,
		host:       host,
		settings:   settings,
		logger:     logger,
		clock:      clock,
		ids:        ids,
		tokens:     &runtimeSigner{secret: secret, clock: clock},
	}
}

// Settings returns the limits the engine was built with.
func (e *Engine) Settings() Settings { return e.settings }

func (e *Engine) now() time.Time { return e.clock.Now().UTC() }

// transact runs fn in a store transaction, passing *Error values through and
// wrapping anything else.
func (e *Engine) transact(ctx context.Context, fn func(*State) error) error {
	err := e.store.Transact(ctx, fn)
	return e.boundary(err)
}

func (e *Engine) view(ctx context.Context, fn func(*State) error) error {
	err := e.store.View(ctx, fn)
	return e.boundary(err)
}

func (e *Engine) boundary(err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	e.logger.Error("store failure", "error", err)
	return fmt.Errorf("store transaction: %w", err)
}

// principal is the authenticated caller of an operation.
type principal struct {
	User       *User
	Workspace  *Workspace
	Membership *Membership
	Token      *AuthToken
}

func bearer(token string) string {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

// authenticate resolves an access token (browser or api kind).
func (e *Engine) authenticate(st *State, token string) (*principal, error) {
	token = bearer(token)
	if token == "" {
		return nil, errUnauthorized("Missing token")
	}
	t := st.AuthTokens[token]
	if t == nil || !t.live(e.now()) {
		return nil, errUnauthorized("Invalid or expired token")
	}
	if t.Kind != TokenBrowser && t.Kind != TokenAPI {
		return nil, errUnauthorized("Token kind %s cannot access this resource", t.Kind)
	}
	user := st.Users[t.UserID]
	ws := st.Workspaces[t.WorkspaceID]
	if user == nil || ws == nil {
		return nil, errUnauthorized("Invalid or expired token")
	}
	m := st.membership(ws.ID, user.ID)
	if m == nil {
		return nil, errUnauthorized("Membership revoked")
	}
	return &principal{User: user, Workspace: ws, Membership: m, Token: t}, nil
}

func (e *Engine) authorize(st *State, token string, min Role) (*principal, error) {
	p, err := e.authenticate(st, token)
	if err != nil {
		return nil, err
	}
	if !p.Membership.Role.AtLeast(min) {
		return nil, errForbidden("Requires %s role", min)
	}
	return p, nil
}

func (p *principal) audit(e *Engine, st *State, action, targetID string, details map[string]string) {
	st.audit(e.now(), e.ids, p.Workspace.ID, p.User.ID, action, targetID, details)
}

// enqueueBuild hands a committed build to the dispatcher and records the
// mechanism. Dispatch failures are logged; the build stays queued for the
// next ProcessBuilds or reconcile sweep.
func (e *Engine) enqueueBuild(ctx context.Context, buildID string) {
	if e.dispatcher == nil {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, e.settings.DispatchTimeout)
	defer cancel()
	via, err := e.dispatcher.EnqueueBuild(dctx, buildID)
	if err != nil {
		e.logger.Warn("build dispatch failed", "build", buildID, "error", err)
		return
	}
	at := e.now()
	err = e.store.Transact(ctx, func(st *State) error {
		b := st.TemplateBuilds[buildID]
		if b == nil {
			return nil
		}
		b.Dispatch = via
		b.DispatchedAt = &at
		return nil
	})
	if err != nil {
		e.logger.Warn("recording build dispatch", "build", buildID, "error", err)
	}
}

// EnqueueReconcile asks the dispatcher for an async sweep, falling back to
// running one inline when no dispatcher is configured.
func (e *Engine) EnqueueReconcile(ctx context.Context) (bool, error) {
	if e.dispatcher == nil {
		_, err := e.ReconcileAll(ctx)
		return false, err
	}
	dctx, cancel := context.WithTimeout(ctx, e.settings.DispatchTimeout)
	defer cancel()
	if err := e.dispatcher.EnqueueReconcile(dctx); err != nil {
		e.logger.Warn("reconcile dispatch failed", "error", err)
		return false, nil
	}
	return true, nil
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
