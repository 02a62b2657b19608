package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

// lookupExecution loads the {id} execution, writing a 404 or 500 response and
// returning nil when it cannot.
func (s *Server) lookupExecution(w http.ResponseWriter, r *http.Request) *model.Execution {
	id := chi.URLParam(r, "id")
	exec, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return nil
	}
	if err != nil {
		s.logger.Error("get execution", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return nil
	}
	return exec
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if exec := s.lookupExecution(w, r); exec != nil {
		s.writeJSON(w, http.StatusOK, exec)
	}
}

// listExecutionsResponse wraps the recent executions of one function.
type listExecutionsResponse struct {
	FunctionID int64              `json:"function_id"`
	Executions []*model.Execution `json:"executions"`
	Limit      int                `json:"limit"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.functionID(w, r)
	if !ok {
		return
	}
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	execs, err := s.store.ListExecutions(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("list executions", "function_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if execs == nil {
		execs = []*model.Execution{}
	}
	s.writeJSON(w, http.StatusOK, listExecutionsResponse{FunctionID: id, Executions: execs, Limit: limit})
}

func isTerminal(status string) bool {
	return status == model.StatusSuccess || status == model.StatusError || status == model.StatusTimeout
}

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	exec := s.lookupExecution(w, r)
	if exec == nil {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, canFlush := w.(http.Flusher)

	// A finished execution has nothing more to stream; its lines are in the
	// history endpoint.
	if isTerminal(exec.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", exec.Status)
		return
	}

	s.extendWriteDeadline(w, 0)

	// Subscribing to an execution that finished since the lookup yields a
	// closed channel, so the loop below ends at once.
	ch, unsub := s.engine.Broker().Subscribe(exec.ID)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

type logHistoryResponse struct {
	ExecutionID string           `json:"execution_id"`
	Status      string           `json:"status"`
	Lines       []logHistoryLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	exec := s.lookupExecution(w, r)
	if exec == nil {
		return
	}

	logLines, err := s.store.GetLogLines(r.Context(), exec.ID)
	if err != nil {
		s.logger.Error("get log lines", "execution_id", exec.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	lines := make([]logHistoryLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logHistoryLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Lines:       lines,
	})
}

// writeSSEData writes a log line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
