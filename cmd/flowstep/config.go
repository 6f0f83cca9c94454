package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/flowstep-io/flowstep/internal/scheduler"
)

// Config holds all flowstep runtime configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	StudioURL string               `json:"studio_url"`
	StoreURL  string               `json:"store_url"`
	AuthToken string               `json:"auth_token"`
	DBPath    string               `json:"db_path"`
	SpecDir   string               `json:"spec_dir"`
	LogLevel  string               `json:"log_level"`
	PoolSize  int                  `json:"pool_size"`
	Debug     bool                 `json:"debug"`
	Schedules []scheduler.Schedule `json:"schedules,omitempty"`
}

func defaultConfig() Config {
	return Config{
		StudioURL: "http://localhost:4200",
		DBPath:    filepath.Join(flowstepDir(), "flowstep.db"),
		SpecDir:   filepath.Join(flowstepDir(), "workflows"),
		LogLevel:  "info",
		PoolSize:  10,
	}
}

func flowstepDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowstep"
	}
	return filepath.Join(home, ".flowstep")
}

func settingsPath() string {
	return filepath.Join(flowstepDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWSTEP_STUDIO_URL"); v != "" {
		cfg.StudioURL = v
	}
	if v := os.Getenv("FLOWSTEP_STORE_URL"); v != "" {
		cfg.StoreURL = v
	}
	if v := os.Getenv("FLOWSTEP_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("FLOWSTEP_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWSTEP_SPEC_DIR"); v != "" {
		cfg.SpecDir = v
	}
	if v := os.Getenv("FLOWSTEP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWSTEP_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOWSTEP_DEBUG"); v != "" {
		cfg.Debug = v == "true" || v == "1"
	}

	return cfg
}
