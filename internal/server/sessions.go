package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"burstflare/internal/flare"
)

func (s *Server) sessionRoutes(r *mux.Router) {
	r.HandleFunc("/sessions", s.createSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)

	r.HandleFunc("/sessions/{sessionId}", s.getSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{sessionId}", s.deleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{sessionId}/events", s.listSessionEvents).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{sessionId}/start", s.lifecycle((*flare.Engine).StartSession)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{sessionId}/stop", s.lifecycle((*flare.Engine).StopSession)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{sessionId}/restart", s.lifecycle((*flare.Engine).RestartSession)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{sessionId}/refresh", s.refreshRuntime).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{sessionId}/runtime-token", s.runtimeToken).Methods(http.MethodPost)
}

func (s *Server) snapshotRoutes(r *mux.Router) {
	r.HandleFunc("/sessions/{sessionId}/snapshots", s.createSnapshot).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{sessionId}/snapshots", s.listSnapshots).Methods(http.MethodGet)

	const snap = "/sessions/{sessionId}/snapshots/{snapshotId}"
	r.HandleFunc(snap, s.deleteSnapshot).Methods(http.MethodDelete)
	r.HandleFunc(snap+"/content", s.uploadSnapshot).Methods(http.MethodPut)
	r.HandleFunc(snap+"/content", s.getSnapshot).Methods(http.MethodGet)
	r.HandleFunc(snap+"/content/grant", s.snapshotGrant).Methods(http.MethodPost)
	r.HandleFunc(snap+"/restore", s.restoreSnapshot).Methods(http.MethodPost)
}

type sessionRequest struct {
	TemplateID string `json:"templateId"`
	Name       string `json:"name"`
	Label      string `json:"label"`
}

func (s *Server) sessionRequest(w http.ResponseWriter, r *http.Request) (sessionRequest, bool) {
	var req sessionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return req, false
	}
	return req, true
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	req, ok := s.sessionRequest(w, r)
	if !ok {
		return
	}
	ses, err := s.engine.CreateSession(r.Context(), token(r), req.TemplateID, req.Name)
	s.reply(w, http.StatusCreated, ses, err)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListSessions(r.Context(), token(r))
	s.reply(w, http.StatusOK, map[string]any{"sessions": list}, err)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	ses, err := s.engine.GetSession(r.Context(), token(r), pathVar(r, "sessionId"))
	s.reply(w, http.StatusOK, ses, err)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	ses, err := s.engine.DeleteSession(r.Context(), token(r), pathVar(r, "sessionId"))
	s.reply(w, http.StatusOK, ses, err)
}

func (s *Server) listSessionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.ListSessionEvents(r.Context(), token(r), pathVar(r, "sessionId"))
	s.reply(w, http.StatusOK, map[string]any{"events": events}, err)
}

type lifecycleFunc func(e *flare.Engine, ctx context.Context, token, sessionID string) (*flare.Session, error)

func (s *Server) lifecycle(op lifecycleFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ses, err := op(s.engine, r.Context(), token(r), pathVar(r, "sessionId"))
		s.reply(w, http.StatusOK, ses, err)
	}
}

func (s *Server) refreshRuntime(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.RefreshSessionRuntime(r.Context(), token(r), pathVar(r, "sessionId"))
	s.reply(w, http.StatusOK, res, err)
}

func (s *Server) runtimeToken(w http.ResponseWriter, r *http.Request) {
	rt, err := s.engine.IssueRuntimeToken(r.Context(), token(r), pathVar(r, "sessionId"))
	s.reply(w, http.StatusCreated, rt, err)
}

func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	req, ok := s.sessionRequest(w, r)
	if !ok {
		return
	}
	snap, err := s.engine.CreateSnapshot(r.Context(), token(r), pathVar(r, "sessionId"), req.Label)
	s.reply(w, http.StatusCreated, snap, err)
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListSnapshots(r.Context(), token(r), pathVar(r, "sessionId"))
	s.reply(w, http.StatusOK, map[string]any{"snapshots": list}, err)
}

func (s *Server) deleteSnapshot(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteSnapshot(r.Context(), token(r), pathVar(r, "sessionId"), pathVar(r, "snapshotId"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) uploadSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r, s.engine.Settings().MaxSnapshotBytes)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	snap, err := s.engine.UploadSnapshotContent(r.Context(), token(r),
		pathVar(r, "sessionId"), pathVar(r, "snapshotId"), data, r.Header.Get("Content-Type"))
	s.reply(w, http.StatusOK, snap, err)
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.GetSnapshotContent(r.Context(), token(r), pathVar(r, "sessionId"), pathVar(r, "snapshotId"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.replyBlob(w, c.Data, c.ContentType, nil)
}

func (s *Server) snapshotGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	g, err := s.engine.CreateSnapshotUploadGrant(r.Context(), token(r),
		pathVar(r, "sessionId"), pathVar(r, "snapshotId"), req.ContentType, req.ExpectedBytes)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, grantResponse{Grant: g, UploadURL: uploadURL(g)})
}

func (s *Server) restoreSnapshot(w http.ResponseWriter, r *http.Request) {
	ses, err := s.engine.RestoreSnapshot(r.Context(), token(r), pathVar(r, "sessionId"), pathVar(r, "snapshotId"))
	s.reply(w, http.StatusOK, ses, err)
}
