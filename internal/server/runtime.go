package server

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"burstflare/internal/flare"
	"burstflare/internal/metrics"
	"burstflare/internal/tunnel"
	"burstflare/internal/vfs"
)

const (
	tunnelSSH      = "ssh"
	tunnelTerminal = "terminal"

	terminalSaveTimeout = 10 * time.Second
)

// runtimeTokenOf reads the runtime token from the query string, where
// browsers can put it, or from the Authorization header.
func runtimeTokenOf(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return token(r)
}

func (s *Server) authorizeRuntime(w http.ResponseWriter, r *http.Request) (*flare.RuntimeAccess, bool) {
	access, err := s.engine.AuthorizeRuntime(r.Context(), pathVar(r, "sessionId"), runtimeTokenOf(r))
	if err != nil {
		writeError(w, s.logger, err)
		return nil, false
	}
	return access, true
}

// sshTunnel bridges the client to the session's SSH listener.
func (s *Server) sshTunnel(w http.ResponseWriter, r *http.Request) {
	access, ok := s.authorizeRuntime(w, r)
	if !ok {
		return
	}
	sessionID := access.Session.ID
	if s.host == nil {
		writeError(w, s.logger, &flare.Error{Kind: flare.KindConflict, Message: "Session has no SSH endpoint"})
		return
	}
	addr, err := s.host.SSHAddress(r.Context(), sessionID)
	if err != nil {
		s.logger.Warn("resolving ssh address", "session", sessionID, "error", err)
		writeError(w, s.logger, &flare.Error{Kind: flare.KindConflict, Message: "Session has no SSH endpoint"})
		return
	}

	conn, err := tunnel.Upgrade(w, r)
	if err != nil {
		s.logger.Debug("tunnel upgrade rejected", "session", sessionID, "error", err)
		return
	}

	ctx := r.Context()
	if err := tunnel.WaitForPort(ctx, addr, s.opts.PortWait, 0); err != nil {
		s.logger.Warn("ssh upstream not ready", "session", sessionID, "addr", addr, "error", err)
		s.closeTunnel(conn, tunnelSSH, tunnel.CloseServiceError, "upstream unavailable")
		return
	}
	upstream, err := tunnel.DialUpstream(ctx, addr, s.opts.DialTimeout)
	if err != nil {
		s.logger.Warn("ssh upstream dial failed", "session", sessionID, "addr", addr, "error", err)
		s.closeTunnel(conn, tunnelSSH, tunnel.CloseServiceError, "upstream unavailable")
		return
	}
	s.bridge(ctx, conn, upstream, tunnelSSH, sessionID)
}

// terminalTunnel serves an in-process shell over the session's persisted
// files, hydrated from its latest snapshot.
func (s *Server) terminalTunnel(w http.ResponseWriter, r *http.Request) {
	access, ok := s.authorizeRuntime(w, r)
	if !ok {
		return
	}
	sessionID := access.Session.ID
	tree, err := vfs.Load(access.SnapshotData, access.PersistedPaths)
	if err != nil {
		s.logger.Warn("snapshot content is not a file tree", "session", sessionID, "error", err)
	}
	if tree == nil {
		tree = vfs.NewTree(access.PersistedPaths)
	}

	conn, err := tunnel.Upgrade(w, r)
	if err != nil {
		s.logger.Debug("tunnel upgrade rejected", "session", sessionID, "error", err)
		return
	}
	shell := tunnel.NewShell(tree, tunnel.ShellOptions{SessionID: sessionID, Echo: true})
	s.bridge(r.Context(), conn, shell, tunnelTerminal, sessionID)
	s.saveTerminal(r.Context(), access, tree)
}

// saveTerminal snapshots the files a terminal session wrote. Sessions whose
// template does not keep snapshots are skipped.
func (s *Server) saveTerminal(ctx context.Context, access *flare.RuntimeAccess, tree *vfs.Tree) {
	sessionID := access.Session.ID
	if !tree.Modified() || len(tree.Roots()) == 0 {
		return
	}
	now := time.Now().UTC()
	data, err := vfs.Encode(tree.Export(sessionID, now))
	if err != nil {
		s.logger.Warn("encoding terminal files", "session", sessionID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalSaveTimeout)
	defer cancel()
	label := "terminal-" + now.Format("20060102T150405Z")
	snap, err := s.engine.SaveRuntimeSnapshot(ctx, access, label, data, vfs.ContentType)
	switch {
	case err == nil:
		s.logger.Info("terminal files saved", "session", sessionID, "snapshot", snap.ID, "bytes", len(data))
	case flare.KindOf(err) == flare.KindConflict:
		s.logger.Debug("terminal files not saved", "session", sessionID, "reason", err)
	default:
		s.logger.Warn("saving terminal files", "session", sessionID, "error", err)
	}
}

func (s *Server) bridge(ctx context.Context, conn *tunnel.Conn, upstream io.ReadWriteCloser, kind, sessionID string) {
	gauge := metrics.TunnelConnections.WithLabelValues(kind)
	gauge.Inc()
	defer gauge.Dec()

	s.logger.Info("tunnel opened", "kind", kind, "session", sessionID, "remote", conn.RemoteAddr().String())
	res := tunnel.Bridge(ctx, conn, upstream)

	metrics.TunnelBytesTotal.WithLabelValues(kind, "up").Add(float64(res.BytesUp))
	metrics.TunnelBytesTotal.WithLabelValues(kind, "down").Add(float64(res.BytesDown))
	metrics.TunnelClosesTotal.WithLabelValues(kind, strconv.Itoa(int(res.Code))).Inc()
	if res.Err != nil {
		s.logger.Warn("tunnel closed", "kind", kind, "session", sessionID, "code", res.Code, "error", res.Err)
		return
	}
	s.logger.Info("tunnel closed", "kind", kind, "session", sessionID, "code", res.Code,
		"bytes_up", res.BytesUp, "bytes_down", res.BytesDown)
}

func (s *Server) closeTunnel(conn *tunnel.Conn, kind string, code uint16, reason string) {
	metrics.TunnelClosesTotal.WithLabelValues(kind, strconv.Itoa(int(code))).Inc()
	conn.CloseWith(code, reason)
}

// runtimeCallback applies a state report pushed by the runtime host.
func (s *Server) runtimeCallback(w http.ResponseWriter, r *http.Request) {
	secret := s.opts.CallbackSecret
	if secret == "" {
		writeError(w, s.logger, &flare.Error{Kind: flare.KindNotFound, Message: "Route not found"})
		return
	}
	got := strings.TrimSpace(strings.TrimPrefix(token(r), "Bearer "))
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		writeError(w, s.logger, &flare.Error{Kind: flare.KindUnauthorized, Message: "Invalid callback credentials"})
		return
	}
	var u flare.RuntimeUpdate
	if err := decode(r, &u); err != nil {
		writeError(w, s.logger, err)
		return
	}
	res, err := s.engine.ApplyRuntimeUpdate(r.Context(), pathVar(r, "sessionId"), u)
	s.reply(w, http.StatusOK, res, err)
}
