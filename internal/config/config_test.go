package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hitotsume/internal/camera"
	"hitotsume/internal/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestConfigDefaults はデフォルト値をテストする
func TestConfigDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Zero(t, cfg.Server.WriteTimeout, "ストリーミング用に無効")

	assert.Equal(t, "v4l2", cfg.Camera.Driver)
	assert.Equal(t, 2*time.Second, cfg.Camera.WarmUp)
	assert.Equal(t, 2*time.Second, cfg.Camera.StopTimeout)
	assert.Equal(t, 10*time.Millisecond, cfg.Camera.PollInterval)
	assert.Equal(t, 10, cfg.Camera.MetadataLimit)
	assert.Nil(t, cfg.Camera.Properties)

	assert.Contains(t, cfg.Storage.PhotoDir, AppName)
	assert.False(t, cfg.Timelapse.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

// TestConfigLoadFile は設定ファイルの読み込みをテストする
func TestConfigLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
camera:
  driver: mock
  stream:
    width: 1280
    height: 720
  stop_timeout: 500ms
  properties:
    model: Preset Camera
    pixel_array_size:
      width: 4056
      height: 3040
    has_focus: true
  scaler_crop:
    x: 0
    y: 0
    width: 4056
    height: 3040
timelapse:
  enabled: true
  schedule: "*/5 * * * *"
log:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "未指定はデフォルト値")
	assert.Equal(t, "mock", cfg.Camera.Driver)
	assert.Equal(t, SizeConfig{Width: 1280, Height: 720}, cfg.Camera.Stream)
	assert.Equal(t, 500*time.Millisecond, cfg.Camera.StopTimeout)
	require.NotNil(t, cfg.Camera.Properties)
	assert.Equal(t, "Preset Camera", cfg.Camera.Properties.Model)
	assert.Equal(t, camera.Size{Width: 4056, Height: 3040}, cfg.Camera.Properties.PixelArraySize)
	assert.True(t, cfg.Camera.Properties.HasFocus)
	assert.True(t, cfg.Timelapse.Enabled)
	assert.Equal(t, "*/5 * * * *", cfg.Timelapse.Schedule)
	assert.Equal(t, "json", cfg.Log.Format)

	opts := cfg.ControllerOptions()
	assert.Equal(t, camera.ModeDescriptor{Mode: camera.ModeStreaming, Width: 1280, Height: 720, Format: "MJPEG"}, opts.StreamMode)
	assert.Equal(t, camera.ModeStill, opts.StillMode.Mode)
	assert.Equal(t, 500*time.Millisecond, opts.StopTimeout)
	require.NotNil(t, opts.Controls)
	assert.Equal(t, 4056, opts.Controls.ScalerCrop.Width)
}

// TestConfigEnv は環境変数による上書きをテストする
func TestConfigEnv(t *testing.T) {
	t.Setenv("PORT", "9191")
	t.Setenv("CAMERA_DEVICE", "/dev/video2")
	t.Setenv("HITOTSUME_CAMERA_DRIVER", "mock")

	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "/dev/video2", cfg.Camera.Device)
	assert.Equal(t, "mock", cfg.Camera.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestConfigLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "明示したファイルが無ければエラー")
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "無効なポート番号", modify: func(c *Config) { c.Server.Port = 70000 }},
		{name: "無効なドライバ", modify: func(c *Config) { c.Camera.Driver = "gphoto" }},
		{name: "無効な解像度", modify: func(c *Config) { c.Camera.Still.Width = 0 }},
		{name: "停止待ち0", modify: func(c *Config) { c.Camera.StopTimeout = 0 }},
		{name: "間隔が上限超過", modify: func(c *Config) { c.Camera.PollInterval = 3 * time.Second }},
		{name: "負のウォームアップ", modify: func(c *Config) { c.Camera.WarmUp = -time.Second }},
		{name: "メタデータ件数0", modify: func(c *Config) { c.Camera.MetadataLimit = 0 }},
		{name: "保存先なし", modify: func(c *Config) { c.Storage.PhotoDir = "" }},
		{name: "短いタイムラプス間隔", modify: func(c *Config) {
			c.Timelapse.Enabled = true
			c.Timelapse.Interval = 10 * time.Millisecond
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestServerAddress(t *testing.T) {
	cfg := Default()
	cfg.Server.Host = "localhost"
	cfg.Server.Port = 8080
	assert.Equal(t, "localhost:8080", cfg.ServerAddress())
}

func TestPropertyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "properties.yaml")
	store := NewPropertyStore(path, logging.Discard())

	ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok, "初回は保存済みの情報が無い")

	props := camera.Properties{
		Model:          "Test Camera",
		PixelArraySize: camera.Size{Width: 1920, Height: 1080},
		SupportedSizes: []camera.Size{{Width: 640, Height: 480}},
		HasFlicker:     true,
	}
	controls := camera.Controls{ScalerCrop: camera.Rect{Width: 1920, Height: 1080}}
	store.StoreProperties(props, controls)
	assert.FileExists(t, path)

	reloaded := NewPropertyStore(path, logging.Discard())
	ok, err = reloaded.Load()
	require.NoError(t, err)
	require.True(t, ok)

	got, gotControls, ok := reloaded.Current()
	require.True(t, ok)
	assert.Equal(t, props, got)
	assert.Equal(t, controls, gotControls)

	// 設定ファイルの値が優先される
	explicit := camera.Properties{Model: "Explicit"}
	opts := camera.DefaultOptions()
	opts.Properties = &explicit
	reloaded.Apply(&opts)
	assert.Equal(t, "Explicit", opts.Properties.Model)
	require.NotNil(t, opts.Controls)
	assert.Equal(t, controls, *opts.Controls)
}
