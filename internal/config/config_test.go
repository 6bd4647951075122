// ABOUTME: Tests for configuration loading
// ABOUTME: Verifies env expansion, duration parsing, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:9090"

database:
  path: "/tmp/parley-test.db"

auth:
  jwt_secret: "secret"
  default_user_id: "42"

services:
  translate_url: "http://translate.local/api"
  spellcheck_url: "http://spell.local/api"
  report_url: "http://report.local/api"
  doc_chat_url: "http://docs.local/ask"
  ocr_url: "http://ocr.local/extract"
  doc_upload_url: "http://rag.local/upload"
  stt_submit_url: "http://stt.local/submit"
  stt_result_url: "http://stt.local/result"
  request_timeout: "90s"

polling:
  interval: "5s"
  max_attempts: 50

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/parley-test.db", cfg.Database.Path)
	assert.Equal(t, "42", cfg.Auth.DefaultUserID)
	assert.Equal(t, "http://ocr.local/extract", cfg.Services.OCRURL)
	assert.Equal(t, "http://rag.local/upload", cfg.Services.DocUploadURL)
	assert.Equal(t, "http://stt.local/result", cfg.Services.STTResultURL)
	assert.Equal(t, 90*time.Second, cfg.Services.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 50, cfg.Polling.MaxAttempts)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/parley-defaults.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "1", cfg.Auth.DefaultUserID)
	assert.Equal(t, 120*time.Second, cfg.Services.RequestTimeout)
	assert.Equal(t, 3*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 100, cfg.Polling.MaxAttempts)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("PARLEY_TEST_DB", "/tmp/env-expanded.db")
	t.Setenv("PARLEY_TEST_SECRET", "from-env")

	path := writeConfig(t, `
database:
  path: "${PARLEY_TEST_DB}"
auth:
  jwt_secret: "${PARLEY_TEST_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env-expanded.db", cfg.Database.Path)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_MissingDatabasePath(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/x.db"
polling:
  interval: "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "polling.interval")
}

func TestLoad_FileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
