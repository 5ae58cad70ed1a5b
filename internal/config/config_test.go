package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, "files/output", cfg.Store.OutputDir)
	assert.Equal(t, "files/configfile.json", cfg.Store.StatePath)
	assert.Equal(t, "files/images", cfg.Pipeline.ScratchDir)
	assert.Equal(t, "event", cfg.Pipeline.Cleanup)
	assert.True(t, cfg.Pipeline.Dedup)
	assert.Equal(t, 15, cfg.Fetch.TimeoutSecs)
	assert.Equal(t, 2, cfg.Fetch.MaxRetries)
	assert.InDelta(t, 10.0, cfg.Fetch.RatePerSec, 0.001)
	assert.Equal(t, 3, cfg.Fetch.BreakerThreshold)
	assert.Equal(t, 60, cfg.Fetch.BreakerResetSecs)
	assert.Equal(t, 256, cfg.Models.InputSize)
	assert.Equal(t, "default", cfg.Models.Backend)
	assert.Equal(t, "nchw", cfg.Models.Layout)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "imagefilter", cfg.Temporal.TaskQueue)
	assert.Equal(t, "*/15 * * * *", cfg.Temporal.Cron)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Equal(t, 6, cfg.Monitoring.StaleWatermarkHours)
	assert.Empty(t, cfg.Monitoring.WebhookURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: /tmp/imagefilter.db
pipeline:
  cleanup: batch
  dedup: false
log:
  level: debug
  format: console
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/imagefilter.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "batch", cfg.Pipeline.Cleanup)
	assert.False(t, cfg.Pipeline.Dedup)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Defaults still apply for unset values
	assert.Equal(t, 15, cfg.Fetch.TimeoutSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("IMAGEFILTER_STORE_DRIVER", "postgres")
	t.Setenv("IMAGEFILTER_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("IMAGEFILTER_FETCH_TIMEOUT_SECS=42\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("IMAGEFILTER_FETCH_TIMEOUT_SECS") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Fetch.TimeoutSecs)
}

func TestLoadEnvOverridesDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("IMAGEFILTER_SERVER_PORT=1111\n"), 0644))
	t.Setenv("IMAGEFILTER_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "file"
	cfg.Store.OutputDir = "files/output"
	cfg.Store.StatePath = "files/configfile.json"
	cfg.Pipeline.ScratchDir = "files/images"
	cfg.Pipeline.Cleanup = "event"
	cfg.Fetch.TimeoutSecs = 15
	cfg.Models.InputSize = 256
	cfg.Server.Port = 8080
	cfg.Temporal.HostPort = "localhost:7233"
	cfg.Temporal.TaskQueue = "imagefilter"
	cfg.Temporal.InboxDir = "files/inbox"
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"run", "serve", "worker"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_DatabaseDriversNeedURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required for the postgres driver")

	cfg.Store.DatabaseURL = "postgres://localhost/imagefilter"
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mongo"

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be file, sqlite or postgres")
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validDefaults()
	cfg.Pipeline.Cleanup = "never"
	cfg.Models.InputSize = 0
	cfg.Fetch.MaxRetries = -1
	cfg.Models.Layout = "chwn"

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "models.layout must be nchw or nhwc")
	assert.Contains(t, err.Error(), "pipeline.cleanup must be event or batch")
	assert.Contains(t, err.Error(), "models.input_size must be > 0")
	assert.Contains(t, err.Error(), "fetch.max_retries must be >= 0")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateWorker_MissingTemporal(t *testing.T) {
	cfg := validDefaults()
	cfg.Temporal = TemporalConfig{}

	err := cfg.Validate("worker")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "temporal.host_port is required")
	assert.Contains(t, err.Error(), "temporal.task_queue is required")
	assert.Contains(t, err.Error(), "temporal.inbox_dir is required")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
