// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/config"
	"github.com/atlas-desktop/strategy-sandbox/internal/metrics"
	"github.com/atlas-desktop/strategy-sandbox/internal/runlog"
	"github.com/atlas-desktop/strategy-sandbox/internal/workers"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies; strategy code is small
const maxBodyBytes = 1 << 20

// Runner executes backtests
type Runner interface {
	RunBacktest(ctx context.Context, req types.BacktestRequest) *types.BacktestResponse
	RunOptionsBacktest(ctx context.Context, req types.OptionsBacktestRequest) *types.BacktestResponse
}

// RunHistory serves recorded runs
type RunHistory interface {
	Get(ctx context.Context, id string) (*runlog.Entry, error)
	List(ctx context.Context, limit int) ([]runlog.Entry, error)
}

// SandboxStatus reports on the pool that runs strategy code
type SandboxStatus interface {
	IsRunning() bool
	InFlight() int
	Stats() workers.PoolStats
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     config.Server
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	runner     Runner
	runs       RunHistory
	sandbox    SandboxStatus
	started    time.Time
}

// NewServer creates a new API server. runs may be nil when history is
// disabled and sandbox may be nil when pool status is not reported.
func NewServer(logger *zap.Logger, cfg config.Server, runner Runner, runs RunHistory, sandbox SandboxStatus, hub *Hub) *Server {
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = "/ws"
	}
	server := &Server{
		logger:  logger,
		config:  cfg,
		router:  mux.NewRouter(),
		hub:     hub,
		runner:  runner,
		runs:    runs,
		sandbox: sandbox,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	if s.config.EnableMetrics {
		s.router.Use(metrics.Middleware)
		s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	}

	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/backtest", s.handleBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/options", s.handleOptionsBacktest).Methods("POST")

	s.router.HandleFunc("/api/v1/runs", s.handleListRuns).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}", s.handleGetRun).Methods("GET")

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Router returns the HTTP handler with CORS applied
func (s *Server) Router() http.Handler {
	origins := s.config.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles health check requests. A stopped sandbox pool makes
// the server unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	body := map[string]interface{}{
		"time":      time.Now().Unix(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"wsClients": s.hub.ClientCount(),
	}
	if s.sandbox != nil {
		running := s.sandbox.IsRunning()
		if !running {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		body["sandbox"] = map[string]interface{}{
			"running":  running,
			"inFlight": s.sandbox.InFlight(),
			"stats":    s.sandbox.Stats(),
		}
	}
	body["status"] = status
	writeJSON(w, code, body)
}

// handleBacktest runs a bar-based backtest synchronously
func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var body backtestBody
	if !s.decode(w, r, &body) {
		return
	}
	req, err := body.request()
	if err != nil {
		writeError(w, http.StatusBadRequest, types.ErrorKindInvalidRequest, err.Error())
		return
	}
	resp := s.runner.RunBacktest(r.Context(), req)
	writeJSON(w, statusFor(resp), resp)
}

// handleOptionsBacktest runs an option-chain backtest synchronously
func (s *Server) handleOptionsBacktest(w http.ResponseWriter, r *http.Request) {
	var body optionsBody
	if !s.decode(w, r, &body) {
		return
	}
	req, err := body.request()
	if err != nil {
		writeError(w, http.StatusBadRequest, types.ErrorKindInvalidRequest, err.Error())
		return
	}
	resp := s.runner.RunOptionsBacktest(r.Context(), req)
	writeJSON(w, statusFor(resp), resp)
}

// handleListRuns returns recent run summaries, newest first
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, types.ErrorKindInvalidRequest, "run history is disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, types.ErrorKindInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.runs.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, types.ErrorKindDataSource, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  entries,
		"count": len(entries),
	})
}

// handleGetRun returns one recorded run with its full response
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, types.ErrorKindInvalidRequest, "run history is disabled")
		return
	}
	id := mux.Vars(r)["id"]
	entry, err := s.runs.Get(r.Context(), id)
	if errors.Is(err, runlog.ErrNotFound) {
		writeError(w, http.StatusNotFound, types.ErrorKindInvalidRequest, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load run", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, types.ErrorKindDataSource, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleWebSocket upgrades the connection and attaches it to the hub
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(uuid.NewString(), s.hub, conn, s.runner)
	if !s.hub.add(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decodeBody(dec, v); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrorKindInvalidRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps a run outcome to an HTTP status. Failures inside the
// strategy are still a completed request.
func statusFor(resp *types.BacktestResponse) int {
	if resp.Error == nil {
		return http.StatusOK
	}
	switch resp.Error.Kind {
	case types.ErrorKindInvalidRequest:
		return http.StatusBadRequest
	case types.ErrorKindDataUnavailable:
		return http.StatusNotFound
	case types.ErrorKindDataSource:
		return http.StatusBadGateway
	}
	return http.StatusOK
}

type errorBody struct {
	Success bool                `json:"success"`
	Error   *types.ErrorPayload `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind types.ErrorKind, msg string) {
	writeJSON(w, status, errorBody{Error: &types.ErrorPayload{Kind: kind, Message: msg}})
}
