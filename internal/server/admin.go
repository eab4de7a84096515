package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chathub/internal/logging"
	"chathub/internal/memory"
	"chathub/internal/metrics"
	"chathub/internal/workerpool"
)

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	NodeID string               `json:"node_id"`
	Pool   workerpool.PoolStats `json:"pool"`
	Memory memory.Stats         `json:"memory"`
	Server ConnectionStats      `json:"server"`
}

// ConnectionStats reports the chat listener.
type ConnectionStats struct {
	ActiveConnections int    `json:"active_connections"`
	TotalConnections  uint64 `json:"total_connections"`
	Users             int    `json:"users"`
}

// AdminAddr is the bound admin address, or empty when disabled.
func (s *Server) AdminAddr() string {
	if s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}

// AdminHandler serves /stats, /metrics and /healthz.
func (s *Server) AdminHandler() (http.Handler, error) {
	reg, err := metrics.NewRegistry(metrics.NewCollector(s.pool, s.memory, s))
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return s.logger.HTTPMiddleware(mux), nil
}

func (s *Server) startAdmin() error {
	handler, err := s.AdminHandler()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.AdminAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.AdminAddr, err)
	}
	s.adminLn = ln
	s.admin = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), logging.ComponentAdmin, logging.ActionStart, "Admin endpoint failed", err)
		}
	}()
	return nil
}

// Stats collects the snapshot served by /stats.
func (s *Server) Stats() StatsResponse {
	return StatsResponse{
		NodeID: s.cfg.NodeID,
		Pool:   s.pool.Stats(),
		Memory: s.memory.Stats(),
		Server: ConnectionStats{
			ActiveConnections: s.ActiveConnections(),
			TotalConnections:  s.TotalConnections(),
			Users:             s.broker.Users(),
		},
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pressure := s.memory.PressureLevel()
	closed := s.pool.Closed()

	status := http.StatusOK
	if closed || pressure == memory.Critical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"pressure":    pressure,
		"pool_closed": closed,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
