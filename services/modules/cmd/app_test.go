package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/redbco/redb-modules/pkg/config"
	"github.com/redbco/redb-modules/pkg/database"
	"github.com/redbco/redb-modules/pkg/logger"
	"github.com/redbco/redb-modules/services/modules/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap/zaptest"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Driver = config.DriverMemory
	cfg.Auth.JWTSecret = "secret"
	return cfg
}

func TestNewAppWithMemoryDriver(t *testing.T) {
	log := logger.NewWithZap("modules-test", "0.0.0", zaptest.NewLogger(t))
	a, err := newApp(context.Background(), memoryConfig(t), log)
	require.NoError(t, err)
	defer a.Close()

	m := &manifest.Manifest{ModuleID: uuid.New(), Tables: []manifest.Table{
		{Name: "contacts", Columns: []manifest.Column{{Name: "email", Type: "text"}}},
	}}
	res, err := a.provisioner.Provision(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, res.Success)

	w := httptest.NewRecorder()
	a.engine().Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	a.engine().Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "redb_modules_provisioner_provision_total")
}

func TestNewAppFailsOnBadSnapshots(t *testing.T) {
	log := logger.NewWithZap("modules-test", "0.0.0", zaptest.NewLogger(t))

	t.Run("grants", func(t *testing.T) {
		cfg := memoryConfig(t)
		cfg.Grants.File = filepath.Join(t.TempDir(), "missing.yaml")
		_, err := newApp(context.Background(), cfg, log)
		assert.Error(t, err)
	})

	t.Run("reserved names", func(t *testing.T) {
		cfg := memoryConfig(t)
		cfg.Reserved.File = filepath.Join(t.TempDir(), "reserved.yaml")
		require.NoError(t, os.WriteFile(cfg.Reserved.File, []byte("names: [{name: x, match: fuzzy}]"), 0o600))
		_, err := newApp(context.Background(), cfg, log)
		assert.Error(t, err)
	})
}

func TestPostgresDriverReportsKeyringFailure(t *testing.T) {
	keyring.MockInitWithError(errors.New("dbus unavailable"))
	cfg := config.Default()
	cfg.Database.Driver = config.DriverPostgres
	cfg.Database.Password = ""
	cfg.Auth.JWTSecret = "secret"

	log := logger.NewWithZap("modules-test", "0.0.0", zaptest.NewLogger(t))
	_, err := newApp(context.Background(), cfg, log)
	assert.ErrorContains(t, err, "dbus unavailable")
}

func TestDBPasswordCommand(t *testing.T) {
	keyring.MockInit()
	t.Setenv("REDB_INSTANCE_GROUP_ID", "")

	var out bytes.Buffer
	dbPasswordCmd.SetIn(strings.NewReader("s3cret\n"))
	dbPasswordCmd.SetOut(&out)
	require.NoError(t, dbPasswordCmd.RunE(dbPasswordCmd, nil))
	assert.Contains(t, out.String(), "stored")

	password, err := database.GetDatabasePassword()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", password)

	dbPasswordCmd.SetIn(strings.NewReader("\n"))
	assert.ErrorContains(t, dbPasswordCmd.RunE(dbPasswordCmd, nil), "empty")
}
