package ops

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/cache"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/engine"
	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/middleware"
)

// HealthCheck probes one dependency for the health endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// NewRouter serves the warm daemon's operational endpoints.
func NewRouter(local *cache.LocalTier, coord *cache.Coordinator, eng *engine.Engine, checks ...HealthCheck) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID, middleware.RecoverWithSentry)

	// Liveness
	r.HandleFunc("/healthz", GetHealthz(checks)).Methods("GET")

	// Prometheus scrape
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Introspection
	r.HandleFunc("/stats", GetStats(local, coord, eng)).Methods("GET")
	r.HandleFunc("/jobs/result", GetJobResult(eng)).Methods("GET")

	// Operator actions
	r.HandleFunc("/cache/invalidate", PostInvalidate(coord)).Methods("POST")

	return r
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// GetHealthz reports liveness plus the reachability of each registered
// dependency. A degraded dependency does not fail the endpoint; the
// daemon keeps serving from the local tier.
func GetHealthz(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		if len(checks) > 0 {
			resp.Components = make(map[string]string, len(checks))
			for _, c := range checks {
				if err := c.Check(r.Context()); err != nil {
					resp.Status = "degraded"
					resp.Components[c.Name] = err.Error()
					continue
				}
				resp.Components[c.Name] = "ok"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

type statsResponse struct {
	Queue engine.QueueStats `json:"queue"`
	Cache cacheStats        `json:"cache"`
}

type cacheStats struct {
	LocalItems int `json:"local_items"`
	HeatKeys   int `json:"heat_keys"`
}

// GetStats reports queue occupancy and local cache state.
func GetStats(local *cache.LocalTier, coord *cache.Coordinator, eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statsResponse{
			Queue: eng.Stats(),
			Cache: cacheStats{
				LocalItems: local.Len(),
				HeatKeys:   coord.HeatKeys(),
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// GetJobResult returns the stored terminal result for a job key.
func GetJobResult(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "key query parameter is required", http.StatusBadRequest)
			return
		}
		res, ok := eng.Result(r.Context(), key)
		if !ok {
			http.Error(w, "No result for key", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

// PostInvalidate drops a key from both cache tiers.
func PostInvalidate(coord *cache.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "key query parameter is required", http.StatusBadRequest)
			return
		}
		coord.Invalidate(r.Context(), key)
		w.WriteHeader(http.StatusNoContent)
	}
}
