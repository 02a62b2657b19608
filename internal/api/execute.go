package api

import (
	"errors"
	"net/http"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

const (
	envelopeSuccess = "success"
	envelopeError   = "error"

	msgTimedOut       = "Execution timed out"
	msgTimedOutDetail = "The function execution exceeded the allowed time limit."
	msgFailed         = "Execution failed"
	msgInternal       = "Internal server error"

	modeSync  = "sync"
	modeAsync = "async"
)

// executeEnvelope is the response of a synchronous execution.
type executeEnvelope struct {
	Status  string       `json:"status"`
	Data    *executeData `json:"data,omitempty"`
	Error   string       `json:"error,omitempty"`
	Details string       `json:"details,omitempty"`
}

type executeData struct {
	ExecutionID string `json:"execution_id"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	ExitCode    int    `json:"exit_code"`
	Timeout     bool   `json:"timeout"`
	DurationMS  int64  `json:"duration_ms"`
	ColdStart   bool   `json:"cold_start"`
}

// outcomeFor classifies a finished execution for executeResponses.
func outcomeFor(res model.ExecutionResult) string {
	switch {
	case res.TimedOut:
		return outcomeTimeout
	case res.Error != "":
		return outcomeFailed
	}
	return outcomeSuccess
}

func envelopeFor(res model.ExecutionResult) executeEnvelope {
	switch {
	case res.TimedOut:
		return executeEnvelope{Status: envelopeError, Error: msgTimedOut, Details: msgTimedOutDetail}
	case res.Error != "":
		return executeEnvelope{Status: envelopeError, Error: msgFailed, Details: res.Error}
	}
	return executeEnvelope{
		Status: envelopeSuccess,
		Data: &executeData{
			ExecutionID: res.ExecutionID,
			Stdout:      res.Stdout,
			Stderr:      res.Stderr,
			ExitCode:    res.ExitCode,
			DurationMS:  res.Duration.Milliseconds(),
			ColdStart:   res.ColdStart,
		},
	}
}

// writeDispatchError maps an error the engine refused an invocation with to
// an error envelope and status code. It returns the outcome it reported.
func (s *Server) writeDispatchError(w http.ResponseWriter, id int64, err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, executeEnvelope{
			Status: envelopeError, Error: "Function not found", Details: err.Error(),
		})
		return outcomeNotFound
	case errors.Is(err, backend.ErrUnsupportedBackend):
		s.writeJSON(w, http.StatusBadRequest, executeEnvelope{
			Status: envelopeError, Error: "Unsupported runtime backend", Details: err.Error(),
		})
		return outcomeUnsupported
	case errors.Is(err, backend.ErrUnsupportedLanguage):
		s.writeJSON(w, http.StatusBadRequest, executeEnvelope{
			Status: envelopeError, Error: "Unsupported language", Details: err.Error(),
		})
		return outcomeUnsupported
	default:
		s.logger.Error("execute function", "function_id", id, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, executeEnvelope{Status: envelopeError, Error: msgInternal})
		return outcomeInternal
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.functionID(w, r)
	if !ok {
		return
	}

	// Builds and the function's own timeout may outlast the server default.
	s.extendWriteDeadline(w, 0)

	res, err := s.engine.Execute(r.Context(), id)
	if err != nil {
		executeResponses.WithLabelValues(modeSync, s.writeDispatchError(w, id, err)).Inc()
		return
	}
	executeResponses.WithLabelValues(modeSync, outcomeFor(res)).Inc()
	s.writeJSON(w, http.StatusOK, envelopeFor(res))
}

func (s *Server) handleExecuteAsync(w http.ResponseWriter, r *http.Request) {
	id, ok := s.functionID(w, r)
	if !ok {
		return
	}

	exec, err := s.engine.Submit(r.Context(), id)
	if err != nil {
		executeResponses.WithLabelValues(modeAsync, s.writeDispatchError(w, id, err)).Inc()
		return
	}
	executeResponses.WithLabelValues(modeAsync, outcomeAccepted).Inc()
	w.Header().Set("Location", "/v1/executions/"+exec.ID)
	s.writeJSON(w, http.StatusAccepted, exec)
}
