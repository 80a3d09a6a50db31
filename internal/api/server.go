// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/meowcoin/meowminer/internal/mining"
	"github.com/meowcoin/meowminer/internal/pool"
)

// Config holds the api server configuration.
type Config struct {
	// Listen is the host:port to serve on.
	Listen string

	// AdminEnabled allows mutating endpoints. Read-only otherwise.
	AdminEnabled bool
}

// Server exposes farm telemetry and pool connection administration over
// HTTP, plus a websocket stream of live telemetry.
type Server struct {
	cfg     Config
	farm    *mining.Farm
	manager *pool.Manager
	limiter *rateLimiter
	httpSrv *http.Server
	wsHub   *wsHub
}

// NewServer creates an api server bound to the provided farm and pool
// manager.
func NewServer(cfg Config, farm *mining.Farm, manager *pool.Manager) *Server {
	s := &Server{
		cfg:     cfg,
		farm:    farm,
		manager: manager,
		limiter: newRateLimiter(),
		wsHub:   newWSHub(),
	}

	router := mux.NewRouter()
	router.Use(s.rateLimit)
	router.HandleFunc("/api/telemetry", s.handleTelemetry).Methods(http.MethodGet)
	router.HandleFunc("/api/connections", s.handleConnections).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.wsHub.register)

	if cfg.AdminEnabled {
		router.HandleFunc("/api/connections", s.handleAddConnection).
			Methods(http.MethodPost)
		router.HandleFunc("/api/connections/{idx:[0-9]+}",
			s.handleRemoveConnection).Methods(http.MethodDelete)
		router.HandleFunc("/api/connections/active", s.handleSetActive).
			Methods(http.MethodPost)
		router.HandleFunc("/api/restart", s.handleRestart).
			Methods(http.MethodPost)
		router.HandleFunc("/api/pause", s.handlePause).Methods(http.MethodPost)
		router.HandleFunc("/api/resume", s.handleResume).Methods(http.MethodPost)
	}

	s.httpSrv = &http.Server{
		Addr:         cfg.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the provided context is canceled.
func (s *Server) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.wsHub.close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}()

	go s.wsHub.broadcastLoop(ctx, s.snapshot)

	log.Infof("API server listening on %s (admin=%v)", s.cfg.Listen,
		s.cfg.AdminEnabled)
	err := s.httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("API server error: %v", err)
	}
}

// telemetryPayload is the full miner state pushed to api consumers.
type telemetryPayload struct {
	Connected  bool                  `json:"connected"`
	Epoch      int                   `json:"epoch"`
	Difficulty float64               `json:"difficulty"`
	Switches   uint32                `json:"connectionswitches"`
	Epochs     uint32                `json:"epochchanges"`
	Farm       mining.Telemetry      `json:"farm"`
	Pools      []pool.ConnectionInfo `json:"pools"`
}

// snapshot assembles the telemetry payload.
func (s *Server) snapshot() interface{} {
	return telemetryPayload{
		Connected:  s.manager.IsConnected(),
		Epoch:      s.manager.CurrentEpoch(),
		Difficulty: s.manager.CurrentDifficulty(),
		Switches:   s.manager.ConnectionSwitches(),
		Epochs:     s.manager.EpochChanges(),
		Farm:       s.farm.Snapshot(),
		Pools:      s.manager.Connections(),
	}
}

// rateLimit rejects clients that exceed their request allocation.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.withinLimit(host) {
			writeError(w, http.StatusTooManyRequests, "request limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON renders a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleTelemetry is the handler for "GET /api/telemetry".
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// handleConnections is the handler for "GET /api/connections".
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Connections())
}

// handleAddConnection is the handler for "POST /api/connections".
func (s *Server) handleAddConnection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URI == "" {
		writeError(w, http.StatusBadRequest, "missing connection uri")
		return
	}
	if err := s.manager.AddConnection(body.URI); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Connections())
}

// handleRemoveConnection is the handler for
// "DELETE /api/connections/{idx}".
func (s *Server) handleRemoveConnection(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(mux.Vars(r)["idx"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connection index")
		return
	}
	if err := s.manager.RemoveConnection(idx); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, pool.ErrBusy) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Connections())
}

// handleSetActive is the handler for "POST /api/connections/active".
// The target connection is referenced by index or by connection string.
func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Index *int   `json:"index"`
		URI   string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	switch {
	case body.Index != nil:
		err = s.manager.SetActiveConnection(*body.Index)
	case body.URI != "":
		err = s.manager.SetActiveConnectionByName(body.URI)
	default:
		writeError(w, http.StatusBadRequest, "missing index or uri")
		return
	}
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, pool.ErrBusy) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Connections())
}

// handleRestart is the handler for "POST /api/restart".
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.farm.Restart()
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}

// handlePause is the handler for "POST /api/pause". It pauses every
// worker with the api-request reason.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	for _, mt := range s.farm.Snapshot().Miners {
		s.farm.PauseWorker(mt.Index, mining.PauseAPIRequest)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// handleResume is the handler for "POST /api/resume".
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	for _, mt := range s.farm.Snapshot().Miners {
		s.farm.ResumeWorker(mt.Index, mining.PauseAPIRequest)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}
