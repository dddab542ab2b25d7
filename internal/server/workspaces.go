package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"burstflare/internal/flare"
)

func (s *Server) workspaceRoutes(r *mux.Router) {
	r.HandleFunc("/workspaces", s.listWorkspaces).Methods(http.MethodGet)
	r.HandleFunc("/workspaces/current", s.getWorkspace).Methods(http.MethodGet)
	r.HandleFunc("/workspaces/current", s.renameWorkspace).Methods(http.MethodPatch)
	r.HandleFunc("/workspaces/current/plan", s.setPlan).Methods(http.MethodPut)
	r.HandleFunc("/workspaces/current/invites", s.createInvite).Methods(http.MethodPost)
	r.HandleFunc("/workspaces/current/members/{userId}", s.changeRole).Methods(http.MethodPatch)
	r.HandleFunc("/workspaces/current/members/{userId}", s.removeMember).Methods(http.MethodDelete)
	r.HandleFunc("/invites/{inviteId}/accept", s.acceptInvite).Methods(http.MethodPost)
}

type workspaceRequest struct {
	Name  string     `json:"name"`
	Plan  flare.Plan `json:"plan"`
	Email string     `json:"email"`
	Role  flare.Role `json:"role"`
}

func (s *Server) workspaceRequest(w http.ResponseWriter, r *http.Request) (workspaceRequest, bool) {
	var req workspaceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return req, false
	}
	return req, true
}

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListWorkspaces(r.Context(), token(r))
	s.reply(w, http.StatusOK, map[string]any{"workspaces": list}, err)
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.engine.GetWorkspace(r.Context(), token(r))
	s.reply(w, http.StatusOK, ws, err)
}

func (s *Server) renameWorkspace(w http.ResponseWriter, r *http.Request) {
	req, ok := s.workspaceRequest(w, r)
	if !ok {
		return
	}
	ws, err := s.engine.RenameWorkspace(r.Context(), token(r), req.Name)
	s.reply(w, http.StatusOK, ws, err)
}

func (s *Server) setPlan(w http.ResponseWriter, r *http.Request) {
	req, ok := s.workspaceRequest(w, r)
	if !ok {
		return
	}
	ws, err := s.engine.SetWorkspacePlan(r.Context(), token(r), req.Plan)
	s.reply(w, http.StatusOK, ws, err)
}

func (s *Server) createInvite(w http.ResponseWriter, r *http.Request) {
	req, ok := s.workspaceRequest(w, r)
	if !ok {
		return
	}
	inv, err := s.engine.CreateInvite(r.Context(), token(r), req.Email, req.Role)
	s.reply(w, http.StatusCreated, inv, err)
}

func (s *Server) acceptInvite(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.AcceptInvite(r.Context(), token(r), pathVar(r, "inviteId"))
	s.reply(w, http.StatusOK, m, err)
}

func (s *Server) changeRole(w http.ResponseWriter, r *http.Request) {
	req, ok := s.workspaceRequest(w, r)
	if !ok {
		return
	}
	m, err := s.engine.ChangeMemberRole(r.Context(), token(r), pathVar(r, "userId"), req.Role)
	s.reply(w, http.StatusOK, m, err)
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveMember(r.Context(), token(r), pathVar(r, "userId")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
