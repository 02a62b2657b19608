package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// functionRequest is the JSON body for creating or replacing a function.
type functionRequest struct {
	Name     string `json:"name"`
	Route    string `json:"route"`
	Language string `json:"language"`
	Code     string `json:"code"`
	Timeout  int    `json:"timeout"`
	Backend  string `json:"virtualization_backend"`
	IsActive *bool  `json:"is_active"`
}

func (req functionRequest) function() *model.Function {
	f := &model.Function{
		Name:     req.Name,
		Route:    req.Route,
		Language: model.Language(req.Language),
		Code:     req.Code,
		TimeoutS: req.Timeout,
		Backend:  model.Backend(req.Backend),
		IsActive: true,
	}
	if req.IsActive != nil {
		f.IsActive = *req.IsActive
	}
	f.Normalize()
	return f
}

// decodeFunction reads and validates a function body. It writes the error
// response itself and returns nil on failure.
func (s *Server) decodeFunction(w http.ResponseWriter, r *http.Request) *model.Function {
	var req functionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil
	}
	f := req.function()
	if err := f.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	return f
}

func (s *Server) handleCreateFunction(w http.ResponseWriter, r *http.Request) {
	f := s.decodeFunction(w, r)
	if f == nil {
		return
	}

	err := s.store.CreateFunction(r.Context(), f)
	if errors.Is(err, store.ErrConflict) {
		s.writeError(w, http.StatusConflict, "function name or route already exists")
		return
	}
	if err != nil {
		s.logger.Error("create function", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create function")
		return
	}

	s.logger.Info("function created", "function_id", f.ID, "name", f.Name, "backend", string(f.Backend))
	s.writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	fns, err := s.store.ListFunctions(r.Context())
	if err != nil {
		s.logger.Error("list functions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list functions")
		return
	}
	if fns == nil {
		fns = []*model.Function{}
	}
	s.writeJSON(w, http.StatusOK, fns)
}

func (s *Server) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.functionID(w, r)
	if !ok {
		return
	}

	f, err := s.store.GetFunction(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "function not found")
		return
	}
	if err != nil {
		s.logger.Error("get function", "function_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get function")
		return
	}

	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleUpdateFunction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.functionID(w, r)
	if !ok {
		return
	}
	f := s.decodeFunction(w, r)
	if f == nil {
		return
	}
	f.ID = id

	err := s.store.UpdateFunction(r.Context(), f)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "function not found")
		return
	case errors.Is(err, store.ErrConflict):
		s.writeError(w, http.StatusConflict, "function name or route already exists")
		return
	case err != nil:
		s.logger.Error("update function", "function_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update function")
		return
	}

	updated, err := s.store.GetFunction(r.Context(), id)
	if err != nil {
		s.logger.Error("get updated function", "function_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve function")
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteFunction(w http.ResponseWriter, r *http.Request) {
	id, ok := s.functionID(w, r)
	if !ok {
		return
	}

	err := s.store.DeleteFunction(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "function not found")
		return
	}
	if err != nil {
		s.logger.Error("delete function", "function_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete function")
		return
	}

	s.logger.Info("function deleted", "function_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// functionID parses the {id} path parameter. It writes a 400 response and
// returns false when the parameter is not a positive integer.
func (s *Server) functionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid function id")
		return 0, false
	}
	return id, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
