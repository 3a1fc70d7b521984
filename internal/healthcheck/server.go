// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.


// Package healthcheck runs the node's HTTP listener: liveness and
// readiness probes plus any handlers mounted by the caller.
package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type Status int32

const (
	StatusStarting Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

type Response struct {
	Healthy bool `json:"healthy"`
	// Pending lists readiness conditions not yet met.
	Pending []string `json:"pending,omitempty"`
}

type Config struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func DefaultConfig() Config {
	return Config{Port: 8090, ShutdownTimeout: 5 * time.Second}
}

type Server struct {
	cfg    Config
	status atomic.Int32
	mux    *http.ServeMux

	mu         sync.Mutex
	conditions map[string]bool
	server     *http.Server
}

func NewServer(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux(), conditions: map[string]bool{}}
	s.mux.HandleFunc("GET /healthz", s.healthzHandler)
	s.mux.HandleFunc("GET /readyz", s.readyzHandler)
	s.mux.HandleFunc("GET /livez", s.livezHandler)
	return s
}

// Mount serves h under pattern next to the probes. Call before Start.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the server's routes, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) SetStatus(status Status) {
	s.status.Store(int32(status))
	slog.Debug("Health check status updated", slog.String("status", status.String()))
}

func (s *Server) GetStatus() Status {
	return Status(s.status.Load())
}

// SetReadyCondition records a named readiness gate. The node is ready
// once every recorded gate is true and at least one exists.
func (s *Server) SetReadyCondition(name string, ready bool) {
	s.mu.Lock()
	s.conditions[name] = ready
	s.mu.Unlock()
	slog.Debug("Ready condition updated", slog.String("condition", name), slog.Bool("ready", ready))
}

func (s *Server) ClearReadyCondition(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conditions, name)
}

func (s *Server) pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name, ok := range s.conditions {
		if !ok {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func (s *Server) IsReady() bool {
	s.mu.Lock()
	empty := len(s.conditions) == 0
	s.mu.Unlock()
	return !empty && len(s.pending()) == 0
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.SetStatus(StatusStarting)
	slog.Info("Starting HTTP server", slog.Int("port", s.cfg.Port))

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errc:
		return err
	}
}

func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	slog.Info("Stopping HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func writeProbe(w http.ResponseWriter, ok bool, pending []string) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(Response{Healthy: ok, Pending: pending}); err != nil {
		slog.Error("Failed to encode health check response", slog.Any("error", err))
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, s.GetStatus() == StatusHealthy, nil)
}

func (s *Server) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, s.IsReady(), s.pending())
}

func (s *Server) livezHandler(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, s.GetStatus() != StatusUnhealthy, nil)
}
