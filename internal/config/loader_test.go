package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/viamerun/pkg/jobs"
)

// isolate keeps Load away from config files in the developer's environment.
func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Setenv("AppData", filepath.Join(dir, "AppData"))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	SetConfigFile("")
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		assert.Equal(t, jobs.DefaultHeartbeatInterval, cfg.Jobs.HeartbeatInterval)
		assert.NotEmpty(t, cfg.Viame.Path)
		assert.Equal(t, "VIAME_DATA", filepath.Base(cfg.Data.Path))
		assert.Empty(t, cfg.Publish.Destination)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)

		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("VIAMERUN_PORT", "3000")
		t.Setenv("VIAMERUN_LOG_LEVEL", "warn")
		t.Setenv("VIAMERUN_VIAME_PATH", "/srv/viame")
		t.Setenv("VIAMERUN_PUBLISH_FORCE_PATH_STYLE", "true")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "/srv/viame", cfg.Viame.Path)
		assert.True(t, cfg.Publish.ForcePathStyle)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("VIAMERUN_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 5000},
		})
		require.NoError(t, err)

		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
viame:
  path: /opt/custom/viame
data:
  path: /data/viame
jobs:
  heartbeat_interval: 5s
publish:
  destination: s3://bucket/results
  region: us-west-2
`), 0o644))
		SetConfigFile(path)
		defer SetConfigFile("")

		t.Setenv("VIAMERUN_DATA_PATH", "/env/data")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, "/opt/custom/viame", cfg.Viame.Path)
		assert.Equal(t, "/env/data", cfg.Data.Path)
		assert.Equal(t, 5*time.Second, cfg.Jobs.HeartbeatInterval)
		assert.Equal(t, "s3://bucket/results", cfg.Publish.Destination)
		assert.Equal(t, "us-west-2", cfg.Publish.Region)
	})

	t.Run("DiscoversFileInWorkingDir", func(t *testing.T) {
		isolate(t)
		cwd, err := os.Getwd()
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(cwd, "viamerun.yaml"), []byte("server:\n  port: 7070\n"), 0o644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		isolate(t)
		SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
		defer SetConfigFile("")

		_, err := Load(ctx)
		require.Error(t, err)
	})

	t.Run("InvalidValues", func(t *testing.T) {
		isolate(t)

		_, err := Load(ctx, map[string]any{
			"logging": map[string]any{"level": "loud", "profile": "fancy"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logging.level")
		assert.Contains(t, err.Error(), "logging.profile")
	})

	t.Run("PreflightMode", func(t *testing.T) {
		isolate(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "write-probe", cfg.Publish.Preflight)

		t.Setenv("VIAMERUN_PUBLISH_PREFLIGHT", "off")
		cfg, err = Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "off", cfg.Publish.Preflight)

		t.Setenv("VIAMERUN_PUBLISH_PREFLIGHT", "sometimes")
		_, err = Load(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "publish.preflight")
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestGetConfig(t *testing.T) {
	isolate(t)

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)

	cfg2, err := Load(context.Background(), map[string]any{
		"server": map[string]any{"port": cfg.Server.Port + 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("VIAMERUN_READ_TIMEOUT", "45s")
	t.Setenv("VIAMERUN_SHUTDOWN_TIMEOUT", "5m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
}

func TestEnvSpecs(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]string)
	for _, spec := range specs {
		assert.Contains(t, spec.Name, "VIAMERUN_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
		names[spec.Name] = spec.Path
	}

	assert.Equal(t, "logging.level", names["VIAMERUN_LOG_LEVEL"])
	assert.Equal(t, "server.port", names["VIAMERUN_PORT"])
	assert.Equal(t, "viame.path", names["VIAMERUN_VIAME_PATH"])
	assert.Equal(t, "data.path", names["VIAMERUN_DATA_PATH"])
}

func TestSettings(t *testing.T) {
	cfg := &Config{
		Viame: ViameConfig{Path: "/opt/noaa/viame"},
		Data:  DataConfig{Path: "/data"},
	}
	s := cfg.Settings()
	assert.Equal(t, "/opt/noaa/viame", s.ViamePath)
	assert.Equal(t, "/data", s.DataPath)
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"server": map[string]any{"port": 1, "tls": map[string]any{"on": true}},
		"workers": 2,
	})
	assert.Equal(t, map[string]any{
		"server.port":   1,
		"server.tls.on": true,
		"workers":       2,
	}, got)
}
