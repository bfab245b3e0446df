package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hitotsume/internal/camera"
	"hitotsume/internal/config"
	"hitotsume/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Camera.Driver = "mock"
	cfg.Camera.WarmUp = 0
	cfg.Camera.PropertiesCache = filepath.Join(dir, "properties.yaml")
	cfg.Storage.PhotoDir = filepath.Join(dir, "photos")
	cfg.Storage.VideoDir = filepath.Join(dir, "videos")
	return cfg
}

func TestNewDriver(t *testing.T) {
	cfg := testConfig(t)

	driver, err := newDriver(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &camera.MockDriver{}, driver)

	cfg.Camera.Driver = "v4l2"
	cfg.Camera.Device = "/dev/video9"
	driver, err = newDriver(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	v4l2, ok := driver.(*camera.V4L2Driver)
	require.True(t, ok)
	assert.Equal(t, "/dev/video9", v4l2.Path)

	cfg.Camera.Driver = "gstreamer"
	_, err = newDriver(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}

func TestNewAppCapturesAndCachesProperties(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := newApp(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Close(ctx)

	result, err := a.controller.CaptureStill(ctx, camera.CaptureRequest{Filename: "cli"})
	require.NoError(t, err)
	assert.FileExists(t, result.Path)
	assert.Equal(t, camera.StateIdle, a.controller.State())

	// 検出したカメラ固有情報がキャッシュされる
	assert.FileExists(t, cfg.Camera.PropertiesCache)
	props, _, ok := a.properties.Current()
	require.True(t, ok)
	assert.Equal(t, "Mock Camera", props.Model)

	info, ok := a.board.Current()
	require.True(t, ok)
	assert.Equal(t, result.Path, info.Path)
}

func TestNewAppUsesCachedProperties(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := newApp(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	_, err = first.controller.CaptureStill(ctx, camera.CaptureRequest{})
	require.NoError(t, err)
	first.Close(ctx)

	second, err := newApp(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	defer second.Close(ctx)

	// 起動直後からキャッシュ済みの情報が使える
	props := second.controller.Properties()
	require.NotNil(t, props)
	assert.Equal(t, "Mock Camera", props.Model)
}

func TestListDevices(t *testing.T) {
	discovery := camera.NewMockDiscovery([]string{"/dev/video0", "/dev/video2"})
	assert.NoError(t, listDevices(context.Background(), discovery))

	empty := camera.NewMockDiscovery(nil)
	assert.NoError(t, listDevices(context.Background(), empty))
}
