package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds all flowd server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	WorkspaceID   string `json:"workspace_id"`
	WorkspaceName string `json:"workspace_name"`
	PollInterval  string `json:"poll_interval"`
	Scheduler     bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(flowdDir(), "flowd.db"),
		LogLevel:     "info",
		PollInterval: "60s",
		Scheduler:    true,
	}
}

func flowdDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowd"
	}
	return filepath.Join(home, ".flowd")
}

func settingsPath() string {
	return filepath.Join(flowdDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWD_WORKSPACE_ID"); v != "" {
		cfg.WorkspaceID = v
	}
	if v := os.Getenv("FLOWD_WORKSPACE_NAME"); v != "" {
		cfg.WorkspaceName = v
	}
	if v := os.Getenv("FLOWD_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("FLOWD_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}

// pollInterval parses the configured poll interval, falling back to the
// default on a bad value.
func (c Config) pollInterval() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}
