package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"cascadian/internal/config"
	"cascadian/internal/leaderboard"
	"cascadian/internal/monitor"
	"cascadian/internal/pnl"
	"cascadian/internal/store"
	"cascadian/pkg/types"
)

// pnlTimeout bounds a single wallet replay triggered over HTTP.
const pnlTimeout = 120 * time.Second

// PnLComputer replays a wallet's history into a profit report.
type PnLComputer interface {
	ComputeWalletPnL(ctx context.Context, wallet string, opts pnl.Options) (*pnl.Report, error)
}

// LeaderboardRefresher rebuilds and publishes the trader leaderboard.
type LeaderboardRefresher interface {
	Refresh(ctx context.Context) (*leaderboard.Result, error)
}

// MonitorStatus exposes the price monitor's counters.
type MonitorStatus interface {
	GetStatus() monitor.Status
}

// EngineInfo exposes the copy-trade engine's run state.
type EngineInfo interface {
	Running() bool
	RequiredCount() int
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	cfg         config.Config
	logs        *store.LogStore
	alerts      *store.AlertStore
	positions   *store.PositionStore
	pnl         PnLComputer
	leaderboard LeaderboardRefresher
	monitor     MonitorStatus
	engine      EngineInfo
	hub         *Hub
	logger      *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(
	cfg config.Config,
	logs *store.LogStore,
	alerts *store.AlertStore,
	positions *store.PositionStore,
	pnlEngine PnLComputer,
	refresher LeaderboardRefresher,
	mon MonitorStatus,
	eng EngineInfo,
	hub *Hub,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		cfg:         cfg,
		logs:        logs,
		alerts:      alerts,
		positions:   positions,
		pnl:         pnlEngine,
		leaderboard: refresher,
		monitor:     mon,
		engine:      eng,
		hub:         hub,
		logger:      logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Time: time.Now().UTC()})
}

// HandleStatus summarizes engine, monitor and store state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, statusResponse{
		Success:           true,
		DryRun:            h.cfg.DryRun,
		LiveEnabled:       h.cfg.CopyTrade.LiveEnabled,
		EngineRunning:     h.engine.Running(),
		RequiredConsensus: h.engine.RequiredCount(),
		WatchedWallets:    len(h.cfg.CopyTrade.Wallets),
		Monitor:           h.monitor.GetStatus(),
		Decisions:         h.logs.Len(),
		UnreadAlerts:      h.alerts.UnreadCount(),
		OpenPositions:     len(h.positions.Open()),
	})
}

// HandleDecisions returns buffered copy-trade decisions, optionally
// filtered by status, wallet or condition id.
func (h *Handlers) HandleDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.LogFilter{
		Status:      types.DecisionStatus(q.Get("status")),
		Wallet:      q.Get("wallet"),
		ConditionID: q.Get("condition_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	decisions := h.logs.Query(filter)
	h.writeJSON(w, http.StatusOK, decisionsResponse{
		Success:   true,
		Count:     len(decisions),
		Decisions: decisions,
	})
}

// HandleAlerts returns non-dismissed alerts newest-first.
func (h *Handlers) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	alerts := h.alerts.Recent(limit)
	h.writeJSON(w, http.StatusOK, alertsResponse{
		Success: true,
		Count:   len(alerts),
		Unread:  h.alerts.UnreadCount(),
		Counts:  h.alerts.CountsByPriority(),
		Alerts:  alerts,
	})
}

// HandleAlertRead marks a single alert as read.
func (h *Handlers) HandleAlertRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.alerts.MarkRead(id) {
		h.writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	h.writeJSON(w, http.StatusOK, alertActionResponse{Success: true, ID: id})
}

// HandleAlertsReadAll marks every buffered alert as read.
func (h *Handlers) HandleAlertsReadAll(w http.ResponseWriter, r *http.Request) {
	updated := h.alerts.MarkAllRead()
	h.writeJSON(w, http.StatusOK, alertActionResponse{Success: true, Updated: updated})
}

// HandleAlertDismiss hides an alert from subsequent reads.
func (h *Handlers) HandleAlertDismiss(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.alerts.Dismiss(id) {
		h.writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	h.writeJSON(w, http.StatusOK, alertActionResponse{Success: true, ID: id})
}

// HandlePositions returns all paper positions, open and closed.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	positions := h.positions.All()
	h.writeJSON(w, http.StatusOK, positionsResponse{
		Success:   true,
		Count:     len(positions),
		Open:      len(h.positions.Open()),
		Positions: positions,
	})
}

// HandlePnL replays a wallet's on-chain history and returns the report.
func (h *Handlers) HandlePnL(w http.ResponseWriter, r *http.Request) {
	wallet := r.PathValue("wallet")

	ctx, cancel := context.WithTimeout(r.Context(), pnlTimeout)
	defer cancel()

	report, err := h.pnl.ComputeWalletPnL(ctx, wallet, pnl.Options{})
	if err != nil {
		h.logger.Error("pnl computation failed", "wallet", wallet, "error", err)
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// HandleLeaderboardRefresh rebuilds the leaderboard. When a cron secret
// is configured the caller must present it as a bearer token.
func (h *Handlers) HandleLeaderboardRefresh(w http.ResponseWriter, r *http.Request) {
	if secret := h.cfg.Server.CronSecret; secret != "" {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+secret {
			h.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	result, err := h.leaderboard.Refresh(r.Context())
	if err != nil {
		h.logger.Error("leaderboard refresh failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	h.writeJSON(w, status, result)
}

// HandleAlertStream upgrades the connection and subscribes it to the
// alert stream.
func (h *Handlers) HandleAlertStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg.Server.AllowedOrigins, r.Host)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	NewClient(h.hub, conn)
}

// isOriginAllowed reports whether a websocket origin may connect.
// Browser-less clients send no origin and are always allowed, as are
// localhost origins and origins matching the request host. Anything
// else must appear in the configured allowlist.
func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" {
		return true
	}
	if u.Host == reqHost {
		return true
	}

	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSuffix(a, "/"), strings.TrimSuffix(origin, "/")) {
			return true
		}
	}
	return false
}
