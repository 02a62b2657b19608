package api

import (
	"net/http"
	"strconv"

	"github.com/seantiz/kiln/internal/model"
)

const defaultRecentLimit = 50

type summaryResponse struct {
	Summaries []model.MetricSummary `json:"summaries"`
}

func (s *Server) handleMetricSummary(w http.ResponseWriter, r *http.Request) {
	sums, err := s.store.MetricSummaries(r.Context())
	if err != nil {
		s.logger.Error("metric summaries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get metric summary")
		return
	}
	if sums == nil {
		sums = []model.MetricSummary{}
	}
	s.writeJSON(w, http.StatusOK, summaryResponse{Summaries: sums})
}

type recentResponse struct {
	Records []model.MetricRecord `json:"records"`
}

// handleRecentMetrics serves the in-memory record cache. It is not
// authoritative; the summary endpoint reads the persisted metrics.
func (s *Server) handleRecentMetrics(w http.ResponseWriter, r *http.Request) {
	var fnID int64
	if v := r.URL.Query().Get("function_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid function_id")
			return
		}
		fnID = id
	}
	limit := parseIntQuery(r, "limit", defaultRecentLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultRecentLimit
	}

	s.writeJSON(w, http.StatusOK, recentResponse{Records: s.metrics.Recent(fnID, limit)})
}
