package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"burstflare/internal/flare"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error": message}. Internal errors are logged
// and their detail withheld.
func writeError(w http.ResponseWriter, logger flare.Logger, err error) {
	var fe *flare.Error
	if errors.As(err, &fe) {
		writeJSON(w, fe.Kind.Status(), errorBody{Error: fe.Message})
		return
	}
	logger.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
}

func badRequest(format string, args ...any) error {
	return &flare.Error{Kind: flare.KindValidation, Message: fmt.Sprintf(format, args...)}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("Invalid JSON body: %v", err)
	}
	return nil
}

// readBody reads at most limit+1 bytes so that the engine can reject an
// oversized payload with its own error.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return data, nil
}

func token(r *http.Request) string {
	return r.Header.Get("Authorization")
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("%s must be an integer", name)
	}
	return n, nil
}

// reply writes v with status, or the error.
func (s *Server) reply(w http.ResponseWriter, status int, v any, err error) {
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, status, v)
}

func (s *Server) replyBlob(w http.ResponseWriter, data []byte, contentType string, err error) {
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
