// Package api exposes the runtime state of a streamer over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"Go2NetStreamer/pkg/streamer"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// StatsProvider is implemented by *streamer.Streamer.
type StatsProvider interface {
	Stats() streamer.Stats
	Stages() []string
}

// Server serves the health, stats and metrics endpoints.
type Server struct {
	server   *http.Server
	provider StatsProvider
	started  time.Time
}

// NewServer creates a server listening on addr once started.
func NewServer(addr string, provider StatsProvider) *Server {
	s := &Server{provider: provider, started: time.Now()}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the route table of the server.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stats", s.statsHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "could not listen on %s", s.server.Addr)
	}
	go func() {
		log.Printf("API server starting on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("API server failed: %v", err)
		}
	}()
	return ln.Addr(), nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("API server shutting down...")
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

type statsResponse struct {
	streamer.Stats
	Stages []string `json:"stages"`
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statsResponse{Stats: s.provider.Stats(), Stages: s.provider.Stages()})
}

func writeJSON(w http.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to marshal response: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
