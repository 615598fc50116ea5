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
	path := filepath.Join(t.TempDir(), "modules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  name: platform
reconcile:
  sweep_interval: 5m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "platform", cfg.Database.Name)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, ":8088", cfg.Server.Address)
	assert.Equal(t, 60*time.Second, cfg.Provisioning.DDLTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.SweepInterval)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  name: from_file
`)
	t.Setenv("REDB_MODULES_DB_NAME", "from_env")
	t.Setenv("REDB_MODULES_DB_PORT", "6543")
	t.Setenv("REDB_MODULES_REDIS_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from_env", cfg.Database.Name)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoadValidation(t *testing.T) {
	t.Run("postgres requires a database name", func(t *testing.T) {
		_, err := Load(writeConfig(t, "database:\n  driver: postgres\n"))
		require.Error(t, err)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := Load(writeConfig(t, "database:\n  driver: oracle\n"))
		require.Error(t, err)
	})

	t.Run("memory driver needs nothing else", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "database:\n  driver: memory\n"))
		require.NoError(t, err)
		assert.Equal(t, DriverMemory, cfg.Database.Driver)
	})

	t.Run("lock ttl must exceed the ddl timeout", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
database:
  driver: memory
redis:
  enabled: true
  lock_ttl: 30s
provisioning:
  ddl_timeout: 60s
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lock_ttl")
	})

	t.Run("bad env port", func(t *testing.T) {
		t.Setenv("REDB_MODULES_DB_PORT", "not-a-port")
		_, err := Load(writeConfig(t, "database:\n  driver: memory\n"))
		require.Error(t, err)
	})
}
