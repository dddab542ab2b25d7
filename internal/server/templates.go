package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"burstflare/internal/flare"
)

func (s *Server) templateRoutes(r *mux.Router) {
	r.HandleFunc("/templates", s.createTemplate).Methods(http.MethodPost)
	r.HandleFunc("/templates", s.listTemplates).Methods(http.MethodGet)
	r.HandleFunc("/templates/{templateId}", s.getTemplate).Methods(http.MethodGet)
	r.HandleFunc("/templates/{templateId}", s.deleteTemplate).Methods(http.MethodDelete)
	r.HandleFunc("/templates/{templateId}/archive", s.archiveTemplate).Methods(http.MethodPost)
	r.HandleFunc("/templates/{templateId}/restore", s.restoreTemplate).Methods(http.MethodPost)
	r.HandleFunc("/templates/{templateId}/releases", s.listReleases).Methods(http.MethodGet)
	r.HandleFunc("/templates/{templateId}/rollback", s.rollbackTemplate).Methods(http.MethodPost)
	r.HandleFunc("/templates/{templateId}/versions", s.addVersion).Methods(http.MethodPost)

	const version = "/templates/{templateId}/versions/{versionId}"
	r.HandleFunc(version+"/bundle", s.uploadBundle).Methods(http.MethodPut)
	r.HandleFunc(version+"/bundle", s.getBundle).Methods(http.MethodGet)
	r.HandleFunc(version+"/bundle/grant", s.bundleGrant).Methods(http.MethodPost)
	r.HandleFunc(version+"/promote", s.promoteVersion).Methods(http.MethodPost)
}

type templateRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Version     string         `json:"version"`
	Manifest    flare.Manifest `json:"manifest"`
	ReleaseID   string         `json:"releaseId"`
}

// grantRequest asks for an upload grant.
type grantRequest struct {
	ContentType   string `json:"contentType"`
	ExpectedBytes *int64 `json:"expectedBytes,omitempty"`
}

// grantResponse carries the grant and the URL its content is PUT to.
type grantResponse struct {
	Grant     *flare.UploadGrant `json:"grant"`
	UploadURL string             `json:"uploadUrl"`
}

func uploadURL(g *flare.UploadGrant) string {
	return "/v1/uploads/" + g.ID
}

func (s *Server) templateRequest(w http.ResponseWriter, r *http.Request) (templateRequest, bool) {
	var req templateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return req, false
	}
	return req, true
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.templateRequest(w, r)
	if !ok {
		return
	}
	t, err := s.engine.CreateTemplate(r.Context(), token(r), req.Name, req.Description)
	s.reply(w, http.StatusCreated, t, err)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListTemplates(r.Context(), token(r))
	s.reply(w, http.StatusOK, map[string]any{"templates": list}, err)
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.GetTemplate(r.Context(), token(r), pathVar(r, "templateId"))
	s.reply(w, http.StatusOK, t, err)
}

func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteTemplate(r.Context(), token(r), pathVar(r, "templateId")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) archiveTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.ArchiveTemplate(r.Context(), token(r), pathVar(r, "templateId"))
	s.reply(w, http.StatusOK, t, err)
}

func (s *Server) restoreTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.RestoreTemplate(r.Context(), token(r), pathVar(r, "templateId"))
	s.reply(w, http.StatusOK, t, err)
}

func (s *Server) listReleases(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListReleases(r.Context(), token(r), pathVar(r, "templateId"))
	s.reply(w, http.StatusOK, map[string]any{"releases": list}, err)
}

func (s *Server) rollbackTemplate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.templateRequest(w, r)
	if !ok {
		return
	}
	rel, err := s.engine.RollbackTemplate(r.Context(), token(r), pathVar(r, "templateId"), req.ReleaseID)
	s.reply(w, http.StatusOK, rel, err)
}

func (s *Server) addVersion(w http.ResponseWriter, r *http.Request) {
	req, ok := s.templateRequest(w, r)
	if !ok {
		return
	}
	res, err := s.engine.AddTemplateVersion(r.Context(), token(r), pathVar(r, "templateId"), req.Version, req.Manifest)
	s.reply(w, http.StatusCreated, res, err)
}

func (s *Server) uploadBundle(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r, s.engine.Settings().MaxBundleBytes)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	v, err := s.engine.UploadTemplateBundle(r.Context(), token(r),
		pathVar(r, "templateId"), pathVar(r, "versionId"), data, r.Header.Get("Content-Type"))
	s.reply(w, http.StatusOK, v, err)
}

func (s *Server) getBundle(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.GetTemplateBundle(r.Context(), token(r), pathVar(r, "templateId"), pathVar(r, "versionId"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.replyBlob(w, b.Data, b.ContentType, nil)
}

func (s *Server) bundleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	g, err := s.engine.CreateBundleUploadGrant(r.Context(), token(r),
		pathVar(r, "templateId"), pathVar(r, "versionId"), req.ContentType, req.ExpectedBytes)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, grantResponse{Grant: g, UploadURL: uploadURL(g)})
}

func (s *Server) promoteVersion(w http.ResponseWriter, r *http.Request) {
	rel, err := s.engine.PromoteTemplateVersion(r.Context(), token(r), pathVar(r, "templateId"), pathVar(r, "versionId"))
	s.reply(w, http.StatusOK, rel, err)
}

// consumeGrant accepts the content of an upload grant. The grant id is the
// credential.
func (s *Server) consumeGrant(w http.ResponseWriter, r *http.Request) {
	settings := s.engine.Settings()
	limit := settings.MaxBundleBytes
	if settings.MaxSnapshotBytes > limit {
		limit = settings.MaxSnapshotBytes
	}
	data, err := readBody(r, limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	res, err := s.engine.ConsumeUploadGrant(r.Context(), pathVar(r, "grantId"), data, r.Header.Get("Content-Type"))
	s.reply(w, http.StatusOK, res, err)
}
