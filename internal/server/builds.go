package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"burstflare/internal/flare"
)

func (s *Server) buildRoutes(r *mux.Router) {
	r.HandleFunc("/builds", s.listBuilds).Methods(http.MethodGet)
	r.HandleFunc("/builds/process", s.processBuilds).Methods(http.MethodPost)
	r.HandleFunc("/builds/retry-dead-lettered", s.retryDeadLettered).Methods(http.MethodPost)
	r.HandleFunc("/builds/{buildId}", s.getBuild).Methods(http.MethodGet)
	r.HandleFunc("/builds/{buildId}/log", s.getBuildLog).Methods(http.MethodGet)
	r.HandleFunc("/builds/{buildId}/artifact", s.getBuildArtifact).Methods(http.MethodGet)
	r.HandleFunc("/builds/{buildId}/retry", s.retryBuild).Methods(http.MethodPost)
}

func (s *Server) listBuilds(w http.ResponseWriter, r *http.Request) {
	status := flare.BuildStatus(r.URL.Query().Get("status"))
	list, err := s.engine.ListBuilds(r.Context(), token(r), status)
	s.reply(w, http.StatusOK, map[string]any{"builds": list}, err)
}

func (s *Server) processBuilds(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.ProcessBuilds(r.Context(), token(r))
	s.reply(w, http.StatusOK, res, err)
}

func (s *Server) retryDeadLettered(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RetryDeadLetteredBuilds(r.Context(), token(r))
	s.reply(w, http.StatusOK, map[string]int{"retried": n}, err)
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.GetBuild(r.Context(), token(r), pathVar(r, "buildId"))
	s.reply(w, http.StatusOK, b, err)
}

func (s *Server) getBuildLog(w http.ResponseWriter, r *http.Request) {
	data, err := s.engine.GetBuildLog(r.Context(), token(r), pathVar(r, "buildId"))
	s.replyBlob(w, data, "text/plain; charset=utf-8", err)
}

func (s *Server) getBuildArtifact(w http.ResponseWriter, r *http.Request) {
	data, err := s.engine.GetBuildArtifact(r.Context(), token(r), pathVar(r, "buildId"))
	s.replyBlob(w, data, "application/json", err)
}

func (s *Server) retryBuild(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.RetryBuild(r.Context(), token(r), pathVar(r, "buildId"))
	s.reply(w, http.StatusOK, b, err)
}
