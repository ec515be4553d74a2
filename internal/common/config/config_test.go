package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Zero(t, cfg.Server.WriteTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, "betaforge", cfg.NATS.SubjectPrefix)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.AgentTimeout)
	assert.True(t, cfg.Orchestrator.Preflight)
	assert.Equal(t, 2*time.Second, cfg.Stream.PollInterval)
	assert.Equal(t, 15*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  port: 9191
database:
  driver: postgres
  host: db.internal
  user: forge
  dbName: forge
orchestrator:
  agentTimeout: 30s
  preflight: false
stream:
  pollInterval: 500ms
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Contains(t, cfg.Database.DSN(), "host=db.internal")
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.AgentTimeout)
	assert.False(t, cfg.Orchestrator.Preflight)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.PollInterval)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BETAFORGE_SERVER_PORT", "7070")
	t.Setenv("BETAFORGE_DB_PATH", "/tmp/forge-test.db")
	t.Setenv("BETAFORGE_AGENT_TIMEOUT", "45s")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/tmp/forge-test.db", cfg.Database.Path)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.AgentTimeout)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [unclosed"), 0o644))
	_, err := LoadWithPath(dir)
	assert.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{Port: 0},
		Database: DatabaseConfig{Driver: "mysql"},
		Logging:  LoggingConfig{Level: "loud", Format: "xml"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"server.port",
		"database.driver",
		"logging.level",
		"logging.format",
		"orchestrator.agentTimeout",
		"stream.pollInterval",
	} {
		assert.Contains(t, err.Error(), want)
	}
}
