// Package api serves the control surface: runtime statistics, the effective
// configuration, and live scenario updates, plus Prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"socketretarder/config"
	"socketretarder/pending"
	"socketretarder/state"
)

// Handler holds references to the shared runtime state.
type Handler struct {
	cfg      *config.Config
	scenario *state.ScenarioState
	stats    *state.Stats
	pending  *pending.Registry
}

// NewHandler creates a handler over the retarder's state.
func NewHandler(cfg *config.Config, scenario *state.ScenarioState, stats *state.Stats, reg *pending.Registry) *Handler {
	return &Handler{cfg: cfg, scenario: scenario, stats: stats, pending: reg}
}

// RegisterHandlers sets up the routing for the control API.
func RegisterHandlers(router *mux.Router, h *Handler) {
	router.HandleFunc("/api/config", h.GetConfig).Methods("GET")
	router.HandleFunc("/api/scenario", h.GetScenario).Methods("GET")
	router.HandleFunc("/api/scenario", h.PutScenario).Methods("PUT")
	router.HandleFunc("/api/stats", h.GetStats).Methods("GET")
	router.HandleFunc("/api/pending", h.GetPending).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// GetConfig returns the process configuration the retarder started with.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.cfg)
}

// GetScenario returns the currently active scenario.
func (h *Handler) GetScenario(w http.ResponseWriter, r *http.Request) {
	sc := h.scenario.Scenario()
	writeJSON(w, &sc)
}

// PutScenario swaps the active scenario from a JSON payload. Traffic already
// in flight keeps the delays it drew; new operations use the new parameters.
func (h *Handler) PutScenario(w http.ResponseWriter, r *http.Request) {
	var sc config.Scenario
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.scenario.Swap(sc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, &sc)
}

// GetStats returns a snapshot of the traffic counters.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	snap := h.stats.Snapshot()
	writeJSON(w, &snap)
}

// GetPending returns the per-descriptor outstanding byte counts.
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	counts := h.pending.Snapshot()
	out := make(map[string]int64, len(counts))
	for fd, n := range counts {
		out[strconv.Itoa(fd)] = n
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
