package api

import (
	"net/http"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/pool"
)

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// backendsResponse lists the registered drivers and the languages every
// driver can run.
type backendsResponse struct {
	Backends  []backend.DriverInfo `json:"backends"`
	Languages []string             `json:"languages"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	langs := backend.Languages()
	names := make([]string, len(langs))
	for i, l := range langs {
		names[i] = string(l)
	}
	s.writeJSON(w, http.StatusOK, backendsResponse{
		Backends:  s.registry.List(),
		Languages: names,
	})
}

type poolResponse struct {
	Entries []pool.EntryInfo `json:"entries"`
}

func (s *Server) handlePoolSnapshot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, poolResponse{Entries: s.pool.Snapshot()})
}
