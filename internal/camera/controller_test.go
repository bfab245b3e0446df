package camera

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hitotsume/internal/logging"
)

// memoryPhotoStore は保存された写真をメモリに保持する
type memoryPhotoStore struct {
	mu     sync.Mutex
	photos []savedPhoto
}

type savedPhoto struct {
	data []byte
	meta Metadata
	path string
}

func (s *memoryPhotoStore) SavePhoto(data []byte, meta Metadata, dir, filename string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(dir, filename+".jpg")
	s.photos = append(s.photos, savedPhoto{data: data, meta: meta, path: path})
	return path, nil
}

func (s *memoryPhotoStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.photos)
}

type displayRecorder struct {
	mu    sync.Mutex
	shown []DisplayInfo
}

func (d *displayRecorder) ShowPhoto(info DisplayInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown = append(d.shown, info)
}

func (d *displayRecorder) last() DisplayInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shown[len(d.shown)-1]
}

type propertyRecorder struct {
	mu       sync.Mutex
	calls    int
	props    Properties
	controls Controls
}

func (p *propertyRecorder) StoreProperties(props Properties, controls Controls) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.props = props
	p.controls = controls
}

// bufferSink は録画出力をメモリに保持する
type bufferSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *bufferSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *bufferSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type testEnv struct {
	controller *Controller
	driver     *MockDriver
	photos     *memoryPhotoStore
	display    *displayRecorder
	props      *propertyRecorder
}

func newTestEnv(t *testing.T, configure ...func(*Options)) *testEnv {
	t.Helper()

	driver := NewMockDriver()
	driver.SetFrameInterval(5 * time.Millisecond)

	opts := DefaultOptions()
	opts.WarmUp = 0
	opts.StopTimeout = 500 * time.Millisecond
	opts.FrameWait = 200 * time.Millisecond
	opts.Logger = logging.Discard()
	for _, fn := range configure {
		fn(&opts)
	}

	env := &testEnv{
		driver:  driver,
		photos:  &memoryPhotoStore{},
		display: &displayRecorder{},
		props:   &propertyRecorder{},
	}
	env.controller = NewController(driver, Collaborators{
		Photos:     env.photos,
		Display:    env.display,
		Properties: env.props,
	}, opts)

	t.Cleanup(func() {
		_ = env.controller.Close(context.Background())
	})
	return env
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestController_StartStreaming(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	c := env.controller

	assert.Equal(t, StateIdle, c.State())
	require.NoError(t, c.StartStreaming(ctx))
	assert.Equal(t, StateStreaming, c.State())

	// 二重開始は何もしない
	require.NoError(t, c.StartStreaming(ctx))
	assert.Equal(t, int64(1), env.driver.OpenCount())

	frame, err := c.NextFrame(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, frame.Data[:3])
	assert.Positive(t, frame.Version)

	st := c.Status()
	assert.Equal(t, StateStreaming, st.State)
	assert.True(t, st.ThreadActive)
	assert.NotEmpty(t, st.ThreadID)
}

func TestController_NextFrameStartsStreamingLazily(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	c := env.controller

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			frame, err := c.NextFrame(ctx, 0)
			assert.NoError(t, err)
			assert.NotEmpty(t, frame.Data)
		}()
	}
	wg.Wait()

	assert.Equal(t, StateStreaming, c.State())
	assert.Equal(t, int64(1), env.driver.OpenCount(), "取得スレッドとデバイスは1つだけ")
}

func TestController_StopStreaming(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	c := env.controller

	require.NoError(t, c.StopStreaming(ctx), "Idle での停止は何もしない")

	require.NoError(t, c.StartStreaming(ctx))
	dev := env.driver.Current()
	require.NoError(t, c.StopStreaming(ctx))

	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.Status().ThreadActive)
	assert.False(t, dev.IsStreaming())
	assert.False(t, dev.IsClosed(), "停止だけではデバイスを閉じない")
}

func TestController_CaptureFromStreaming(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	c := env.controller

	require.NoError(t, c.StartStreaming(ctx))
	_, err := c.NextFrame(ctx, 0)
	require.NoError(t, err)
	streamingDevice := env.driver.Current()

	result, err := c.CaptureStill(ctx, CaptureRequest{Dir: "photos", Filename: "test"})
	require.NoError(t, err)

	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.Status().ThreadActive, "撮影後にスレッドハンドルは残らない")
	assert.True(t, streamingDevice.IsClosed(), "ストリーミング用デバイスは作り直される")
	assert.Equal(t, int64(2), env.driver.OpenCount())
	assert.Equal(t, ModeStill, env.driver.Current().Mode().Mode)

	assert.Equal(t, filepath.Join("photos", "test.jpg"), result.Path)
	assert.Equal(t, "test.jpg", result.Filename)
	assert.Positive(t, result.Size)
	assert.False(t, result.Truncated)
	assert.Equal(t, 1, env.photos.count())

	shown := env.display.last()
	assert.Equal(t, result.Path, shown.Path)
	assert.Equal(t, 0, shown.MetaFirst)
	assert.Equal(t, 3, shown.MetaLast)
	assert.False(t, shown.Hidden)
}

func TestController_CaptureFromIdle(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	result, err := env.controller.CaptureStill(ctx, CaptureRequest{})
	require.NoError(t, err)
	assert.Contains(t, result.Filename, "photo_")
	assert.Equal(t, StateIdle, env.controller.State())
}

func TestController_ResumeStreamingAfterCapture(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	c := env.controller

	var lastVersion uint64
	var threadIDs []string
	for i := 0; i < 3; i++ {
		frame, err := c.NextFrame(ctx, lastVersion)
		require.NoError(t, err)
		assert.Greater(t, frame.Version, lastVersion)
		lastVersion = frame.Version

		threadIDs = append(threadIDs, c.Status().ThreadID)

		_, err = c.CaptureStill(ctx, CaptureRequest{})
		require.NoError(t, err)
		assert.Empty(t, c.Status().ThreadID)
	}

	// 各サイクルで新しいスレッドが作られる
	assert.Len(t, threadIDs, 3)
	assert.NotEqual(t, threadIDs[0], threadIDs[1])
	assert.NotEqual(t, threadIDs[1], threadIDs[2])
	assert.Equal(t, 3, env.photos.count())
}

func TestController_CaptureDuringWarmUp(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.WarmUp = DefaultWarmUp
	})
	ctx := testContext(t)
	c := env.controller

	require.NoError(t, c.StartStreaming(ctx))
	time.Sleep(5 * time.Millisecond)

	begin := time.Now()
	_, err := c.CaptureStill(ctx, CaptureRequest{})
	require.NoError(t, err)

	assert.Less(t, time.Since(begin), time.Second, "ウォームアップ中でも停止要求に即応する")
	assert.Equal(t, StateIdle, c.State())
}

func TestController_StopTimeoutFaults(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.StopTimeout = 50 * time.Millisecond
	})
	ctx := testContext(t)
	c := env.controller

	release := env.driver.BlockFrames()
	defer release()

	require.NoError(t, c.StartStreaming(ctx))
	require.Eventually(t, func() bool {
		return env.driver.BlockedReaders() == 1
	}, time.Second, time.Millisecond)

	_, err := c.CaptureStill(ctx, CaptureRequest{})
	require.ErrorIs(t, err, ErrStopTimeout)
	assert.Equal(t, StateError, c.State())
	assert.Equal(t, 0, env.photos.count())

	st := c.Status()
	assert.True(t, st.ThreadActive, "停止しないスレッドのハンドルは保持される")
	assert.NotEmpty(t, st.LastError)

	// エラー状態ではリセット以外を受け付けない
	assert.ErrorIs(t, c.StartStreaming(ctx), ErrFaulted)
	_, err = c.CaptureStill(ctx, CaptureRequest{})
	assert.ErrorIs(t, err, ErrFaulted)
	_, err = c.StartRecording(ctx, &bufferSink{})
	assert.ErrorIs(t, err, ErrFaulted)

	require.NoError(t, c.Reset(ctx))
	assert.Equal(t, StateIdle, c.State())
	st = c.Status()
	assert.False(t, st.ThreadActive)
	assert.Empty(t, st.LastError)

	// デバイスのクローズでブロック中の取得は抜ける
	assert.Eventually(t, func() bool {
		return env.driver.BlockedReaders() == 0
	}, time.Second, time.Millisecond)

	release()
	_, err = c.NextFrame(ctx, c.Broadcast().Version())
	assert.NoError(t, err)
}

func TestController_ResetWhileStreaming(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	c := env.controller

	for i := 0; i < 5; i++ {
		require.NoError(t, c.StartStreaming(ctx))
		_, err := c.NextFrame(ctx, c.Broadcast().Version())
		require.NoError(t, err)
		dev := env.driver.Current()

		require.NoError(t, c.Reset(ctx))
		assert.Equal(t, StateIdle, c.State())
		assert.False(t, c.Status().ThreadActive)
		assert.True(t, dev.IsClosed())
	}

	// 取得スレッドの停止を待ってからセッションを止める
	assert.Zero(t, env.driver.InterruptedReads())
}

func TestController_Recording(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	c := env.controller

	require.NoError(t, c.StartStreaming(ctx))

	sink := &bufferSink{}
	rec, err := c.StartRecording(ctx, sink)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, StateRecording, c.State())
	assert.False(t, c.Status().ThreadActive)
	require.NotNil(t, c.Status().Recording)

	// 録画中は他のモードを拒否する
	assert.ErrorIs(t, c.StartStreaming(ctx), ErrBusy)
	_, err = c.CaptureStill(ctx, CaptureRequest{})
	assert.ErrorIs(t, err, ErrBusy)
	_, err = c.StartRecording(ctx, &bufferSink{})
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, c.StopStreaming(ctx), ErrBusy)

	time.Sleep(30 * time.Millisecond)

	stopped, err := c.StopRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stopped.ID)
	assert.False(t, stopped.StoppedAt.IsZero())
	assert.Equal(t, StateIdle, c.State())
	assert.Nil(t, c.Status().Recording)

	sink.mu.Lock()
	assert.True(t, sink.closed)
	assert.Positive(t, sink.buf.Len())
	sink.mu.Unlock()

	_, err = c.StopRecording(ctx)
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestController_OpenFailureFaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	c := env.controller

	env.driver.FailOpen(errors.Wrap(ErrDeviceUnavailable, "unplugged"))

	err := c.StartStreaming(ctx)
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Equal(t, StateError, c.State())

	// 開けない間はリセットしてもエラー状態のまま
	require.ErrorIs(t, c.Reset(ctx), ErrDeviceUnavailable)
	assert.Equal(t, StateError, c.State())

	env.driver.FailOpen(nil)
	require.NoError(t, c.Reset(ctx))
	assert.Equal(t, StateIdle, c.State())
	require.NoError(t, c.StartStreaming(ctx))
}

func TestController_ConfigurationRejected(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.StillMode = ModeDescriptor{Mode: ModeStill, Width: 4056, Height: 3040, Format: "MJPEG"}
	})
	ctx := testContext(t)
	c := env.controller

	require.NoError(t, c.StartStreaming(ctx))
	_, err := c.CaptureStill(ctx, CaptureRequest{})
	require.ErrorIs(t, err, ErrConfigurationRejected)

	// 設定エラーは致命的ではない
	assert.Equal(t, StateIdle, c.State())
	require.NoError(t, c.StartStreaming(ctx))
	assert.Equal(t, StateStreaming, c.State())
}

func TestController_SteppedSizes(t *testing.T) {
	stepped := Properties{
		Model:          "Stepwise Camera",
		PixelArraySize: Size{Width: 1920, Height: 1080},
		SupportedSizes: []Size{{Width: 1920, Height: 1080}},
		SupportedRanges: []SizeRange{{
			Min:  Size{Width: 160, Height: 120},
			Max:  Size{Width: 1280, Height: 960},
			Step: Size{Width: 16, Height: 8},
		}},
	}

	tests := []struct {
		name    string
		stream  ModeDescriptor
		wantErr bool
	}{
		{"範囲内のサイズ", ModeDescriptor{Mode: ModeStreaming, Width: 800, Height: 600, Format: "MJPEG"}, false},
		{"刻みに合わないサイズ", ModeDescriptor{Mode: ModeStreaming, Width: 801, Height: 600, Format: "MJPEG"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(o *Options) {
				o.StreamMode = tt.stream
			})
			env.driver.SetProperties(stepped)
			ctx := testContext(t)

			err := env.controller.StartStreaming(ctx)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfigurationRejected)
				assert.Equal(t, StateIdle, env.controller.State())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.stream, env.driver.Current().Mode())
		})
	}
}

func TestController_CaptureFailureReturnsToIdle(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	c := env.controller

	env.driver.FailCapture(errors.Wrap(ErrCaptureFailed, "sensor error"))
	_, err := c.CaptureStill(ctx, CaptureRequest{})
	require.ErrorIs(t, err, ErrCaptureFailed)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 0, env.photos.count())
}

func TestController_MetadataWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	env.driver.SetStillMetadata(makeMetadata(11))
	result, err := env.controller.CaptureStill(ctx, CaptureRequest{})
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	assert.Len(t, result.Metadata, DefaultMetadataLimit)
	assert.Equal(t, 11, result.TotalEntries)

	shown := env.display.last()
	assert.Equal(t, 10, shown.MetaLast)
	assert.True(t, shown.Truncated)

	// ストレージには全件渡す
	env.photos.mu.Lock()
	assert.Len(t, env.photos.photos[0].meta, 11)
	env.photos.mu.Unlock()

	env.driver.SetStillMetadata(makeMetadata(10))
	result, err = env.controller.CaptureStill(ctx, CaptureRequest{})
	require.NoError(t, err)
	assert.False(t, result.Truncated)
	assert.Len(t, result.Metadata, 10)
}

func TestController_PropertiesDiscoveredOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	c := env.controller

	assert.Nil(t, c.Properties())
	for i := 0; i < 3; i++ {
		_, err := c.CaptureStill(ctx, CaptureRequest{})
		require.NoError(t, err)
	}
	require.NoError(t, c.StartStreaming(ctx))

	assert.Greater(t, env.driver.OpenCount(), int64(1))
	assert.Equal(t, int64(1), env.driver.PropertyProbes())

	props := c.Properties()
	require.NotNil(t, props)
	assert.Equal(t, "Mock Camera", props.Model)

	env.props.mu.Lock()
	defer env.props.mu.Unlock()
	assert.Equal(t, 1, env.props.calls)
	assert.Equal(t, Rect{Width: 1920, Height: 1080}, env.props.controls.ScalerCrop)
}

func TestController_PresetPropertiesSkipProbe(t *testing.T) {
	preset := Properties{
		Model:          "Preset",
		PixelArraySize: Size{Width: 1920, Height: 1080},
	}
	env := newTestEnv(t, func(o *Options) {
		o.Properties = &preset
	})
	ctx := testContext(t)

	require.NoError(t, env.controller.StartStreaming(ctx))
	assert.Zero(t, env.driver.PropertyProbes())
	assert.Equal(t, "Preset", env.controller.Properties().Model)
}

func TestController_Close(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	c := env.controller

	require.NoError(t, c.StartStreaming(ctx))
	dev := env.driver.Current()

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, StateIdle, c.State())
	assert.True(t, dev.IsClosed())
	assert.False(t, c.Status().ThreadActive)
}
