package common

import (
	"net/http"
	"sync/atomic"
	"time"
)

// HealthServer serves liveness and readiness probes on a dedicated port so
// probes keep working even while the main surface is wedged.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
}

// NewHealthServer starts a probe server on :8081. Readiness flips when the
// provided flag does.
func NewHealthServer(ready *atomic.Bool) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		server: &http.Server{
			Addr:         ":8081",
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		ready: ready,
	}

	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !hs.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Probe server failure surfaces through failed probes.
			return
		}
	}()

	return hs
}

// Server exposes the underlying http.Server for shutdown.
func (h *HealthServer) Server() *http.Server { return h.server }
