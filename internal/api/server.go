package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cascadian/internal/config"
	"cascadian/internal/store"
)

// Server runs the HTTP and websocket API.
type Server struct {
	cfg      config.Config
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger

	cancel context.CancelFunc
}

// NewServer creates the API server and wires its routes.
func NewServer(
	cfg config.Config,
	logs *store.LogStore,
	alerts *store.AlertStore,
	positions *store.PositionStore,
	pnlEngine PnLComputer,
	refresher LeaderboardRefresher,
	mon MonitorStatus,
	eng EngineInfo,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(cfg, logs, alerts, positions, pnlEngine, refresher, mon, eng, hub, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/status", handlers.HandleStatus)
	mux.HandleFunc("GET /api/decisions", handlers.HandleDecisions)
	mux.HandleFunc("GET /api/alerts", handlers.HandleAlerts)
	mux.HandleFunc("POST /api/alerts/read-all", handlers.HandleAlertsReadAll)
	mux.HandleFunc("POST /api/alerts/{id}/read", handlers.HandleAlertRead)
	mux.HandleFunc("POST /api/alerts/{id}/dismiss", handlers.HandleAlertDismiss)
	mux.HandleFunc("GET /api/positions", handlers.HandlePositions)
	mux.HandleFunc("GET /api/pnl/{wallet}", handlers.HandlePnL)
	mux.HandleFunc("POST /api/leaderboard/refresh", handlers.HandleLeaderboardRefresh)
	mux.HandleFunc("GET /ws/alerts", handlers.HandleAlertStream)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Hub returns the stream hub so the engine can publish to it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the hub and serves until Stop is called. Blocks.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.hub.Run(ctx)

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server and the stream hub.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
