// Package api exposes a lightweight HTTP management surface for external
// integrations.
//
// Endpoints
//
//	POST /api/rotate   Force an immediate chain rotation.
//	GET  /api/chain    Return the active chain's topology (no key material).
//	GET  /api/pool     List the current proxy inventory and liveness state.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spectre-net/spectre/internal/chain"
	"github.com/spectre-net/spectre/internal/inventory"
	"github.com/spectre-net/spectre/internal/topology"
)

// Rotator abstracts the chain controller methods the API needs.
type Rotator interface {
	ForceRotate()
	Current() *chain.RotationDecision
}

// InventorySource abstracts reading the live proxy inventory.
type InventorySource interface {
	Snapshot() inventory.Pools
}

// Server is the management API HTTP server.
type Server struct {
	rotator   Rotator
	inventory InventorySource
	log       *logrus.Entry
	server    *http.Server
}

// New creates and configures the API server.
func New(addr string, rotator Rotator, inv InventorySource, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{rotator: rotator, inventory: inv, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/rotate", s.handleRotate)
	mux.HandleFunc("/api/chain", s.handleChain)
	mux.HandleFunc("/api/pool", s.handlePool)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop shuts down the server gracefully.
func (s *Server) Stop() error {
	return s.server.Close()
}

// handleRotate triggers an immediate rotation.
//
//	POST /api/rotate
func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.rotator.ForceRotate()
	s.log.Info("manual chain rotation triggered via API")
	jsonOK(w, map[string]any{"ok": true})
}

// handleChain returns the active chain's key-free topology.
//
//	GET /api/chain
func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cur := s.rotator.Current()
	if cur == nil {
		http.Error(w, "no active chain", http.StatusServiceUnavailable)
		return
	}
	jsonOK(w, topology.FromDecision(cur))
}

// handlePool returns the full proxy inventory.
//
//	GET /api/pool
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jsonOK(w, s.inventory.Snapshot())
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("api: encode response")
	}
}
