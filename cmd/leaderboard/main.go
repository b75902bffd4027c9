// Leaderboard refresh — one-shot binary for cron. Loads config, opens the
// OLAP store, runs the full leaderboard pipeline once and exits non-zero
// on failure so the scheduler can alert.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"cascadian/internal/config"
	"cascadian/internal/leaderboard"
	"cascadian/internal/olap"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("CASCADIAN_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	store, err := olap.Open(cfg.OLAP.DSN, logger)
	if err != nil {
		logger.Error("failed to open olap store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	pipeline := leaderboard.New(store.DB(), logger)

	result, err := pipeline.Refresh(context.Background())
	if err != nil {
		logger.Error("leaderboard refresh failed", "error", err)
	}

	// Emit the full result for the cron log either way.
	if encErr := json.NewEncoder(os.Stdout).Encode(result); encErr != nil {
		logger.Error("failed to encode result", "error", encErr)
	}

	if err != nil || !result.Success {
		os.Exit(1)
	}
}
