package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logger:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, time.Minute, cfg.Workflow.SweepInterval)
	assert.Equal(t, []string{"configs/definitions"}, cfg.Workflow.DefinitionsDirs)
	assert.Equal(t, 100, cfg.Workflow.EventBuffer)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	assert.Equal(t, "/metrics", cfg.Server.MetricsPath)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: sqlite
database:
  path: /tmp/approvals.db
workflow:
  definitions_dirs: [a, b]
  sweep_interval: 30s
redis:
  idle_timeout: 2m
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "/tmp/approvals.db", cfg.Database.Path)
	assert.Equal(t, []string{"a", "b"}, cfg.Workflow.DefinitionsDirs)
	assert.Equal(t, 30*time.Second, cfg.Workflow.SweepInterval)
	assert.Equal(t, 2*time.Minute, cfg.Redis.IdleTimeout)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("APPROVAL_STORAGE_DRIVER", "redis")
	t.Setenv("REDIS_ADDR", "cache:6380")

	cfg, err := Load(writeConfig(t, "storage:\n  driver: memory\n"))
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "storage:\n  driver: postgres\n"))
	assert.ErrorContains(t, err, "unknown storage.driver")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{Port: 9090},
			Storage:  StorageConfig{Driver: DriverMemory},
			Workflow: WorkflowConfig{DefinitionsDirs: []string{"x"}, SweepInterval: time.Second},
		}
	}

	cfg := valid()
	assert.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"redis without addr", func(c *Config) { c.Storage.Driver = DriverRedis }, "redis.addr"},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = DriverSQLite }, "database.path"},
		{"no definitions", func(c *Config) { c.Workflow.DefinitionsDirs = nil }, "definitions_dirs"},
		{"zero sweep", func(c *Config) { c.Workflow.SweepInterval = 0 }, "sweep_interval"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
