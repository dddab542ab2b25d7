// Package runtime provides the hosts that supervise session containers.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"burstflare/internal/flare"
)

// Simulated tracks session containers in memory without running anything.
// Sessions with SSH enabled report SSHAddr as their listener, which lets a
// development server bridge terminals to a real local sshd.
type Simulated struct {
	clock   flare.Clock
	sshAddr string
	version atomic.Int64

	mu       sync.Mutex
	sessions map[string]*simulatedSession
}

type simulatedSession struct {
	spec    flare.RuntimeSpec
	running bool
}

// NewSimulated creates a simulated host. sshAddr may be empty.
func NewSimulated(clock flare.Clock, sshAddr string) *Simulated {
	if clock == nil {
		clock = flare.RealClock{}
	}
	return &Simulated{clock: clock, sshAddr: sshAddr, sessions: map[string]*simulatedSession{}}
}

func (s *Simulated) status(sessionID, status, state, op string) flare.RuntimeStatus {
	n := s.version.Add(1)
	return flare.RuntimeStatus{
		Status:       status,
		RuntimeState: state,
		Version:      s.clock.Now().UnixNano() + n,
		OperationID:  fmt.Sprintf("%s:%s:%d", op, sessionID, n),
	}
}

func (s *Simulated) Start(ctx context.Context, spec flare.RuntimeSpec) (flare.RuntimeStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[spec.SessionID] = &simulatedSession{spec: spec, running: true}
	return s.status(spec.SessionID, "running", "running", "start"), nil
}

func (s *Simulated) Stop(ctx context.Context, sessionID string) (flare.RuntimeStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss := s.sessions[sessionID]; ss != nil {
		ss.running = false
	}
	return s.status(sessionID, "stopped", "sleeping", "stop"), nil
}

func (s *Simulated) Inspect(ctx context.Context, sessionID string) (flare.RuntimeStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.sessions[sessionID]
	switch {
	case ss == nil:
		return s.status(sessionID, "missing", "exited", "inspect"), nil
	case ss.running:
		return s.status(sessionID, "running", "running", "inspect"), nil
	default:
		return s.status(sessionID, "stopped", "sleeping", "inspect"), nil
	}
}

func (s *Simulated) Destroy(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *Simulated) SSHAddress(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.sessions[sessionID]
	if ss == nil || !ss.running {
		return "", fmt.Errorf("session %s is not running", sessionID)
	}
	if !ss.spec.SSH || s.sshAddr == "" {
		return "", fmt.Errorf("session %s has no SSH listener", sessionID)
	}
	return s.sshAddr, nil
}

// Running reports whether the host believes the session is up.
func (s *Simulated) Running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.sessions[sessionID]
	return ss != nil && ss.running
}

var _ flare.RuntimeHost = (*Simulated)(nil)
