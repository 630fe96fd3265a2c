package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sailfishos/signond-go/daemon"
)

// newDebugServer builds the debug-only HTTP mux: /healthz and /metrics.
// This is explicitly not the client-facing bus surface (spec.md §1,
// transport is external) — it exists purely for operators and container
// orchestrators, grounded on server/http.go's mux.NewRouter() construction
// and gorilla/handlers' recovery wrapper.
func newDebugServer(addr string, reg *prometheus.Registry, health *daemon.Health) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", handleHealthz(health))

	return &http.Server{
		Addr:    addr,
		Handler: handlers.RecoveryHandler()(r),
	}
}

func handleHealthz(health *daemon.Health) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := health.Results()
		status := http.StatusOK
		if !health.IsHealthy() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(results)
	}
}
