package flare

import (
	"context"
	"sync/atomic"
)

// RuntimeSpec is what a RuntimeHost needs to run one session.
type RuntimeSpec struct {
	SessionID      string
	WorkspaceID    string
	Image          string
	PersistedPaths []string
	SSH            bool
}

// RuntimeStatus is a versioned report of a session's container.
type RuntimeStatus struct {
	Status       string `json:"status"`
	RuntimeState string `json:"runtimeState"`
	Version      int64  `json:"version"`
	OperationID  string `json:"operationId"`
}

// RuntimeHost supervises the container process behind a session.
// The engine never calls it while a transaction is open.
type RuntimeHost interface {
	Start(ctx context.Context, spec RuntimeSpec) (RuntimeStatus, error)
	Stop(ctx context.Context, sessionID string) (RuntimeStatus, error)
	Inspect(ctx context.Context, sessionID string) (RuntimeStatus, error)
	Destroy(ctx context.Context, sessionID string) error
	// SSHAddress returns the host:port of the session's SSH listener.
	SSHAddress(ctx context.Context, sessionID string) (string, error)
}

// nopRuntime stands in when no host is configured: every call succeeds and
// reports a monotonically increasing version.
type nopRuntime struct {
	clock   Clock
	version atomic.Int64
}

func (r *nopRuntime) status(s, rs string) RuntimeStatus {
	n := r.version.Add(1)
	return RuntimeStatus{Status: s, RuntimeState: rs, Version: r.clock.Now().UnixNano() + n}
}

func (r *nopRuntime) Start(context.Context, RuntimeSpec) (RuntimeStatus, error) {
	return r.status("running", "running"), nil
}

func (r *nopRuntime) Stop(context.Context, string) (RuntimeStatus, error) {
	return r.status("stopped", "sleeping"), nil
}

func (r *nopRuntime) Inspect(context.Context, string) (RuntimeStatus, error) {
	return RuntimeStatus{}, nil
}

func (r *nopRuntime) Destroy(context.Context, string) error { return nil }

func (r *nopRuntime) SSHAddress(context.Context, string) (string, error) {
	return "", errConflict("Session has no SSH listener")
}
