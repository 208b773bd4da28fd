// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package introspect exposes the engine's §6.4 read-only status surface
// (mem_current_use, mem_high_use, the route table, custody accumulator
// state) over HTTP, following the teacher's agent.RestAgent's
// gorilla/mux.Router wiring idiom -- but read-only, since the application
// socket API itself is an external collaborator, out of this engine's scope.
package introspect

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bplibgo/pkg/cache"
	"github.com/dtn7/bplibgo/pkg/custody"
	"github.com/dtn7/bplibgo/pkg/pool"
	"github.com/dtn7/bplibgo/pkg/router"
)

// Server is the read-only status HTTP surface.
type Server struct {
	router *mux.Router

	pool           *pool.Pool
	cache          *cache.Cache
	table          *router.Table
	custodyMachine *custody.Machine
}

// NewServer wires a Server's routes onto mr, following RestAgent's
// router.HandleFunc(...).Methods(...) registration idiom. cm may be nil if
// this node runs without custody tracking.
func NewServer(mr *mux.Router, p *pool.Pool, c *cache.Cache, t *router.Table, cm *custody.Machine) *Server {
	s := &Server{router: mr, pool: p, cache: c, table: t, custodyMachine: cm}

	s.router.HandleFunc("/status/mem", s.handleMem).Methods(http.MethodGet)
	s.router.HandleFunc("/status/cache", s.handleCache).Methods(http.MethodGet)
	s.router.HandleFunc("/status/routes", s.handleRoutes).Methods(http.MethodGet)
	s.router.HandleFunc("/status/custody", s.handleCustody).Methods(http.MethodGet)

	return s
}

// memStatus mirrors spec §6.4's mem_current_use/mem_high_use pair.
type memStatus struct {
	CurrentUse int `json:"mem_current_use"`
	HighUse    int `json:"mem_high_use"`
}

func (s *Server) handleMem(w http.ResponseWriter, _ *http.Request) {
	st := s.pool.Stats()
	writeJSON(w, memStatus{CurrentUse: st.CurrentUse, HighUse: st.HighUse})
}

func (s *Server) handleCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.cache.Stats())
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.table.Dump())
}

func (s *Server) handleCustody(w http.ResponseWriter, _ *http.Request) {
	if s.custodyMachine == nil {
		writeJSON(w, []custody.Accumulator{})
		return
	}
	writeJSON(w, s.custodyMachine.Snapshot())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("introspect: encoding response failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
