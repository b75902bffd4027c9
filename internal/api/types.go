package api

import (
	"time"

	"cascadian/internal/monitor"
	"cascadian/pkg/types"
)

// StreamEvent is the envelope pushed to websocket subscribers on /ws/alerts.
type StreamEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// errorResponse is the uniform failure shape for every endpoint.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type healthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// statusResponse summarizes the engine, monitor and store state.
type statusResponse struct {
	Success           bool           `json:"success"`
	DryRun            bool           `json:"dry_run"`
	LiveEnabled       bool           `json:"live_enabled"`
	EngineRunning     bool           `json:"engine_running"`
	RequiredConsensus int            `json:"required_consensus"`
	WatchedWallets    int            `json:"watched_wallets"`
	Monitor           monitor.Status `json:"monitor"`
	Decisions         int            `json:"decisions"`
	UnreadAlerts      int            `json:"unread_alerts"`
	OpenPositions     int            `json:"open_positions"`
}

type decisionsResponse struct {
	Success   bool             `json:"success"`
	Count     int              `json:"count"`
	Decisions []types.Decision `json:"decisions"`
}

type alertsResponse struct {
	Success bool                        `json:"success"`
	Count   int                         `json:"count"`
	Unread  int                         `json:"unread"`
	Counts  map[types.AlertPriority]int `json:"counts_by_priority"`
	Alerts  []types.Alert               `json:"alerts"`
}

type alertActionResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Updated int    `json:"updated,omitempty"`
}

type positionsResponse struct {
	Success   bool                  `json:"success"`
	Count     int                   `json:"count"`
	Open      int                   `json:"open"`
	Positions []types.PaperPosition `json:"positions"`
}
