package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all convo server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	PoolSize       int    `json:"pool_size"`
	ToolsPath      string `json:"tools_path"`
	HistoryWindow  int    `json:"history_window"`
	LockTimeoutSec int    `json:"lock_timeout_sec"`
	SandboxTTLMin  int    `json:"sandbox_ttl_min"`
	SweepCron      string `json:"sweep_cron"`
	VacuumCron     string `json:"vacuum_cron"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(convoDir(), "convo.db"),
		LogLevel:       "info",
		PoolSize:       10,
		HistoryWindow:  30,
		LockTimeoutSec: 30,
		SandboxTTLMin:  30,
		SweepCron:      "*/5 * * * *",
		VacuumCron:     "0 3 * * *",
	}
}

func convoDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".convo"
	}
	return filepath.Join(home, ".convo")
}

func settingsPath() string {
	return filepath.Join(convoDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONVO_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONVO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONVO_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CONVO_TOOLS_PATH"); v != "" {
		cfg.ToolsPath = v
	}
	if v := os.Getenv("CONVO_HISTORY_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryWindow = n
		}
	}
	if v := os.Getenv("CONVO_LOCK_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LockTimeoutSec = n
		}
	}
	if v := os.Getenv("CONVO_SANDBOX_TTL_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SandboxTTLMin = n
		}
	}
	if v := os.Getenv("CONVO_SWEEP_CRON"); v != "" {
		cfg.SweepCron = v
	}
	if v := os.Getenv("CONVO_VACUUM_CRON"); v != "" {
		cfg.VacuumCron = v
	}

	return cfg
}
