package timelapse

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hitotsume/internal/camera"
	"hitotsume/internal/logging"
)

// fakeCapturer は要求を記録し、設定されたエラーを順に返す
type fakeCapturer struct {
	mu       sync.Mutex
	requests []camera.CaptureRequest
	errs     []error
}

func (f *fakeCapturer) CaptureStill(_ context.Context, req camera.CaptureRequest) (*camera.CaptureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.requests = append(f.requests, req)
	return &camera.CaptureResult{
		Path:       filepath.Join(req.Dir, req.Filename+".jpg"),
		Filename:   req.Filename + ".jpg",
		CapturedAt: time.Now(),
	}, nil
}

func (f *fakeCapturer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func TestCapture_Shoot(t *testing.T) {
	capturer := &fakeCapturer{
		errs: []error{
			nil,
			errors.Wrap(camera.ErrBusy, "recording"),
			errors.Wrap(camera.ErrFaulted, "reset required"),
			errors.New("disk full"),
		},
	}
	c := NewCapture(capturer, "series1", 3, logging.Discard())
	ctx := context.Background()

	assert.False(t, c.Shoot(ctx))
	assert.False(t, c.Shoot(ctx), "使用中は見送る")
	assert.False(t, c.Shoot(ctx), "エラー状態は見送る")
	assert.False(t, c.Shoot(ctx), "失敗は記録して続行する")
	assert.False(t, c.Shoot(ctx))
	assert.True(t, c.Shoot(ctx), "上限枚数で完了")
	assert.True(t, c.Shoot(ctx), "完了後は撮影しない")

	var info StatusInfo
	c.fill(&info)
	assert.Equal(t, "series1", info.Series)
	assert.Equal(t, int64(3), info.Captured)
	assert.Equal(t, int64(2), info.Skipped)
	assert.Equal(t, int64(1), info.Failed)
	assert.Equal(t, filepath.Join("series1", "series1_00003.jpg"), info.LastPath)
	assert.Empty(t, info.LastError, "成功でエラーはクリアされる")

	require.Equal(t, 3, capturer.count())
	assert.Equal(t, "series1", capturer.requests[0].Dir)
	assert.Equal(t, "series1_00001", capturer.requests[0].Filename)
	assert.Equal(t, "series1_00002", capturer.requests[1].Filename)
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(&fakeCapturer{}, DefaultConfig(), logging.Discard())

	require.NoError(t, m.Start(context.Background()))
	info := m.Status()
	assert.False(t, info.Enabled)
	assert.Equal(t, StatusStopped, info.Status)
	require.NoError(t, m.Stop(context.Background()))
}

func TestManager_InvalidSchedule(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{name: "不正なcron式", config: Config{Enabled: true, Schedule: "every minute"}},
		{name: "短すぎる間隔", config: Config{Enabled: true, Interval: 100 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(&fakeCapturer{}, tt.config, logging.Discard())
			assert.Error(t, m.Start(context.Background()))
			assert.Equal(t, StatusStopped, m.Status().Status)
		})
	}
}

func TestManager_RunsUntilMaxShots(t *testing.T) {
	capturer := &fakeCapturer{}
	m := NewManager(capturer, Config{
		Enabled:  true,
		Interval: time.Second,
		MaxShots: 2,
		Series:   "test",
	}, logging.Discard())

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()), "二重開始はエラー")

	info := m.Status()
	assert.Equal(t, StatusRunning, info.Status)
	assert.Equal(t, "@every 1s", info.Schedule)
	assert.False(t, info.NextRun.IsZero())

	require.Eventually(t, func() bool {
		return m.Status().Status == StatusCompleted
	}, 5*time.Second, 50*time.Millisecond)

	info = m.Status()
	assert.Equal(t, int64(2), info.Captured)
	assert.Equal(t, "test", info.Series)
	assert.Equal(t, 2, capturer.count())

	require.NoError(t, m.Stop(context.Background()))
}
