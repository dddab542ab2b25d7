package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) adminRoutes(r *mux.Router) {
	r.HandleFunc("/usage", s.usage).Methods(http.MethodGet)
	r.HandleFunc("/audit", s.audit).Methods(http.MethodGet)
	r.HandleFunc("/admin/report", s.adminReport).Methods(http.MethodGet)
	r.HandleFunc("/admin/export", s.exportWorkspace).Methods(http.MethodGet)
	r.HandleFunc("/admin/reconcile", s.reconcile).Methods(http.MethodPost)
}

func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	u, err := s.engine.GetUsage(r.Context(), token(r))
	s.reply(w, http.StatusOK, u, err)
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	entries, err := s.engine.ListAudit(r.Context(), token(r), limit)
	s.reply(w, http.StatusOK, map[string]any{"audit": entries}, err)
}

func (s *Server) adminReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.AdminReport(r.Context(), token(r))
	s.reply(w, http.StatusOK, rep, err)
}

func (s *Server) exportWorkspace(w http.ResponseWriter, r *http.Request) {
	exp, err := s.engine.ExportWorkspace(r.Context(), token(r))
	s.reply(w, http.StatusOK, exp, err)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.Reconcile(r.Context(), token(r))
	s.reply(w, http.StatusOK, rep, err)
}
