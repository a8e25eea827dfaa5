package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := loadConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30, cfg.HTTPTimeout)
	assert.NotEmpty(t, cfg.DBPath)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CONTEXTMESH_DOC_PATH", "/tmp/api.yaml")
	t.Setenv("CONTEXTMESH_BASE_URL", "https://api.example.com")
	t.Setenv("CONTEXTMESH_LOG_LEVEL", "debug")
	t.Setenv("CONTEXTMESH_HTTP_TIMEOUT", "5")

	cfg := loadConfig()

	assert.Equal(t, "/tmp/api.yaml", cfg.DocPath)
	assert.Equal(t, "https://api.example.com", cfg.BaseURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.HTTPTimeout)
}

func TestLoadConfigIgnoresBadTimeout(t *testing.T) {
	t.Setenv("CONTEXTMESH_HTTP_TIMEOUT", "not a number")

	cfg := loadConfig()
	assert.Equal(t, 30, cfg.HTTPTimeout)
}

func TestParseContextArg(t *testing.T) {
	initial, err := parseContextArg(`{"input": {"customer_id": "c-1"}}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"customer_id": "c-1"}, initial["input"])

	initial, err = parseContextArg("")
	require.NoError(t, err)
	assert.Nil(t, initial)

	_, err = parseContextArg(`["not", "an", "object"]`)
	require.Error(t, err)
}

func TestParseContextArgFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctx.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"input": {"order_id": "o-9"}}`), 0o644))

	initial, err := parseContextArg("@" + path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"order_id": "o-9"}, initial["input"])

	_, err = parseContextArg("@" + filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
