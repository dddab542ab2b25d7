package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"burstflare/internal/flare"
)

func (s *Server) authRoutes(r *mux.Router) {
	r.HandleFunc("/auth/register", s.register).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", s.login).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.refresh).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.logout).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout-all", s.logoutAll).Methods(http.MethodPost)
	r.HandleFunc("/auth/me", s.me).Methods(http.MethodGet)
	r.HandleFunc("/auth/sessions", s.listAuthSessions).Methods(http.MethodGet)
	r.HandleFunc("/auth/sessions/{groupId}", s.revokeAuthSession).Methods(http.MethodDelete)
	r.HandleFunc("/auth/device/start", s.startDevice).Methods(http.MethodPost)
	r.HandleFunc("/auth/device/approve", s.approveDevice).Methods(http.MethodPost)
	r.HandleFunc("/auth/device/exchange", s.exchangeDevice).Methods(http.MethodPost)
	r.HandleFunc("/auth/recovery-codes", s.recoveryCodes).Methods(http.MethodPost)
	r.HandleFunc("/auth/recover", s.recoverAccount).Methods(http.MethodPost)
	r.HandleFunc("/auth/switch-workspace", s.switchWorkspace).Methods(http.MethodPost)
}

type credentialsRequest struct {
	Email        string          `json:"email"`
	Name         string          `json:"name"`
	Kind         flare.TokenKind `json:"kind"`
	RefreshToken string          `json:"refreshToken"`
	Code         string          `json:"code"`
	WorkspaceID  string          `json:"workspaceId"`
}

func (s *Server) credentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	var req credentialsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return req, false
	}
	return req, true
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	req, ok := s.credentials(w, r)
	if !ok {
		return
	}
	pair, err := s.engine.Register(r.Context(), req.Email, req.Name)
	s.reply(w, http.StatusCreated, pair, err)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	req, ok := s.credentials(w, r)
	if !ok {
		return
	}
	pair, err := s.engine.Login(r.Context(), req.Email, req.Kind)
	s.reply(w, http.StatusOK, pair, err)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	req, ok := s.credentials(w, r)
	if !ok {
		return
	}
	pair, err := s.engine.Refresh(r.Context(), req.RefreshToken)
	s.reply(w, http.StatusOK, pair, err)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Logout(r.Context(), token(r)); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logoutAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.LogoutAll(r.Context(), token(r))
	s.reply(w, http.StatusOK, map[string]int{"revoked": n}, err)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	id, err := s.engine.Me(r.Context(), token(r))
	s.reply(w, http.StatusOK, id, err)
}

func (s *Server) listAuthSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.ListAuthSessions(r.Context(), token(r))
	s.reply(w, http.StatusOK, map[string]any{"sessions": sessions}, err)
}

func (s *Server) revokeAuthSession(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RevokeAuthSession(r.Context(), token(r), pathVar(r, "groupId"))
	s.reply(w, http.StatusOK, map[string]int{"revoked": n}, err)
}

func (s *Server) startDevice(w http.ResponseWriter, r *http.Request) {
	req, ok := s.credentials(w, r)
	if !ok {
		return
	}
	dc, err := s.engine.StartDeviceAuth(r.Context(), req.Email)
	s.reply(w, http.StatusCreated, dc, err)
}

func (s *Server) approveDevice(w http.ResponseWriter, r *http.Request) {
	req, ok := s.credentials(w, r)
	if !ok {
		return
	}
	dc, err := s.engine.ApproveDevice(r.Context(), token(r), req.Code)
	s.reply(w, http.StatusOK, dc, err)
}

func (s *Server) exchangeDevice(w http.ResponseWriter, r *http.Request) {
	req, ok := s.credentials(w, r)
	if !ok {
		return
	}
	pair, err := s.engine.ExchangeDevice(r.Context(), req.Code)
	s.reply(w, http.StatusOK, pair, err)
}

func (s *Server) recoveryCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := s.engine.GenerateRecoveryCodes(r.Context(), token(r))
	s.reply(w, http.StatusOK, map[string][]string{"codes": codes}, err)
}

func (s *Server) recoverAccount(w http.ResponseWriter, r *http.Request) {
	req, ok := s.credentials(w, r)
	if !ok {
		return
	}
	pair, err := s.engine.RecoverAccount(r.Context(), req.Email, req.Code)
	s.reply(w, http.StatusOK, pair, err)
}

func (s *Server) switchWorkspace(w http.ResponseWriter, r *http.Request) {
	req, ok := s.credentials(w, r)
	if !ok {
		return
	}
	pair, err := s.engine.SwitchWorkspace(r.Context(), token(r), req.WorkspaceID)
	s.reply(w, http.StatusOK, pair, err)
}
