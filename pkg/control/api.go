package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/iore/iore/pkg/metrics"
	"github.com/iore/iore/pkg/store"
	"github.com/iore/iore/pkg/telemetry"
)

// RegisterAPIRoutes registers all REST API routes on the given mux.
func (s *Server) RegisterAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/results", s.handleIngest)
	mux.HandleFunc("GET /api/v1/results", s.handleResults)
	mux.HandleFunc("GET /api/v1/experiments", s.handleExperiments)
	mux.HandleFunc("GET /healthz", metrics.HealthzHandler)
}

// POST /api/v1/results receives a batch of result events.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var events []telemetry.ResultEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	accepted, err := s.Ingest(events)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]int{"accepted": accepted})
}

// GET /api/v1/results?experiment=<id>&run=<n>&access=write|read
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := s.store.List(q.Get("experiment"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	run := parseIntParam(r, "run", -1)
	access := q.Get("access")

	out := make([]store.Record, 0, len(recs))
	for _, rec := range recs {
		if run >= 0 && rec.Run != run {
			continue
		}
		if access != "" && rec.Access != access {
			continue
		}
		out = append(out, rec)
	}
	writeJSON(w, out)
}

// GET /api/v1/experiments
func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.Experiments()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, ids)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}
