package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all contextmesh configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DocPath     string `json:"doc_path"`
	RulesPath   string `json:"rules_path"`
	BaseURL     string `json:"base_url"`
	DBPath      string `json:"db_path"`
	BearerToken string `json:"bearer_token"`
	LogLevel    string `json:"log_level"`
	HTTPTimeout int    `json:"http_timeout_seconds"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(contextmeshDir(), "contextmesh.db"),
		LogLevel:    "info",
		HTTPTimeout: 30,
	}
}

func contextmeshDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".contextmesh"
	}
	return filepath.Join(home, ".contextmesh")
}

func settingsPath() string {
	return filepath.Join(contextmeshDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONTEXTMESH_DOC_PATH"); v != "" {
		cfg.DocPath = v
	}
	if v := os.Getenv("CONTEXTMESH_RULES_PATH"); v != "" {
		cfg.RulesPath = v
	}
	if v := os.Getenv("CONTEXTMESH_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("CONTEXTMESH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONTEXTMESH_BEARER_TOKEN"); v != "" {
		cfg.BearerToken = v
	}
	if v := os.Getenv("CONTEXTMESH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONTEXTMESH_HTTP_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPTimeout = n
		}
	}

	return cfg
}
