package camera

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// DefaultMockFrameInterval はモックデバイスのフレーム間隔（約30fps）
const DefaultMockFrameInterval = 33 * time.Millisecond

// MockDriver はテスト用のモックDriver実装
// 実機と同じく同時に開けるデバイスは1つだけ
type MockDriver struct {
	mu            sync.Mutex
	props         Properties
	stillMeta     Metadata
	frameInterval time.Duration
	openErr       error
	captureErr    error
	block         chan struct{}
	current       *MockDevice
	configured    []ModeDescriptor

	opens       *atomic.Int64
	probes      *atomic.Int64
	blocked     *atomic.Int64
	interrupted *atomic.Int64
}

// NewMockDriver は新しいMockDriverを作成する
func NewMockDriver() *MockDriver {
	return &MockDriver{
		props: Properties{
			Model:             "Mock Camera",
			Driver:            "mock",
			PixelArraySize:    Size{Width: 1920, Height: 1080},
			ScalerCropMaximum: Rect{Width: 1920, Height: 1080},
			SupportedSizes: []Size{
				{Width: 640, Height: 480},
				{Width: 1280, Height: 720},
				{Width: 1920, Height: 1080},
			},
			HasFocus:   true,
			HasFlicker: true,
		},
		stillMeta: Metadata{
			{Key: "ExposureTime", Value: "10000"},
			{Key: "AnalogueGain", Value: "1.0"},
			{Key: "ColourTemperature", Value: "5600"},
		},
		frameInterval: DefaultMockFrameInterval,
		opens:         atomic.NewInt64(0),
		probes:        atomic.NewInt64(0),
		blocked:       atomic.NewInt64(0),
		interrupted:   atomic.NewInt64(0),
	}
}

// Open はモックデバイスを開く
func (d *MockDriver) Open(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.openErr != nil {
		return nil, d.openErr
	}
	if d.current != nil && !d.current.isClosed() {
		return nil, errors.Wrap(ErrDeviceUnavailable, "mock device is already open")
	}

	dev := &MockDevice{
		driver:   d,
		closedCh: make(chan struct{}),
		reading:  atomic.NewInt64(0),
	}
	d.current = dev
	d.opens.Inc()
	return dev, nil
}

// FailOpen は以降の Open を err で失敗させる（nil で解除）
func (d *MockDriver) FailOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// FailCapture は以降の静止画撮影を err で失敗させる（nil で解除）
func (d *MockDriver) FailCapture(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captureErr = err
}

// SetProperties はデバイスが報告する固有情報を設定する
func (d *MockDriver) SetProperties(props Properties) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.props = props
}

// SetStillMetadata は静止画撮影で返すメタデータを設定する
func (d *MockDriver) SetStillMetadata(meta Metadata) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stillMeta = append(Metadata(nil), meta...)
}

// SetFrameInterval はフレーム間隔を設定する
func (d *MockDriver) SetFrameInterval(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frameInterval = interval
}

// BlockFrames はフレーム取得をブロックさせ、解除用の関数を返す
// ブロック中の取得はデバイスのクローズでのみ抜ける
func (d *MockDriver) BlockFrames() (release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := make(chan struct{})
	d.block = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.block == ch {
				d.block = nil
			}
			d.mu.Unlock()
			close(ch)
		})
	}
}

// BlockedReaders はブロック中のフレーム取得数を返す
func (d *MockDriver) BlockedReaders() int64 {
	return d.blocked.Load()
}

// InterruptedReads はフレーム読み出しの途中でセッションが止められた回数を返す
// 正常な停止手順では 0 のまま
func (d *MockDriver) InterruptedReads() int64 {
	return d.interrupted.Load()
}

// OpenCount は Open に成功した回数を返す
func (d *MockDriver) OpenCount() int64 {
	return d.opens.Load()
}

// PropertyProbes は固有情報の問い合わせ回数を返す
func (d *MockDriver) PropertyProbes() int64 {
	return d.probes.Load()
}

// Current は最後に開いたデバイスを返す
func (d *MockDriver) Current() *MockDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Configured は適用されたモード設定の履歴を返す
func (d *MockDriver) Configured() []ModeDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ModeDescriptor(nil), d.configured...)
}

// MockDevice はテスト用のモックDevice実装
type MockDevice struct {
	driver   *MockDriver
	closedCh chan struct{}
	reading  *atomic.Int64

	mu         sync.Mutex
	closed     bool
	mode       ModeDescriptor
	streaming  bool
	recordStop chan struct{}
	recordDone chan struct{}
	seq        int
}

// IsClosed はデバイスがクローズ済みか返す
func (m *MockDevice) IsClosed() bool {
	return m.isClosed()
}

// IsStreaming はストリーミングセッションが動作中か返す
func (m *MockDevice) IsStreaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaming
}

// Mode は現在のモード設定を返す
func (m *MockDevice) Mode() ModeDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *MockDevice) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Configure はモード設定を適用する
func (m *MockDevice) Configure(desc ModeDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrDeviceClosed
	}
	if m.streaming || m.recordStop != nil {
		return errors.Wrap(ErrConfigurationRejected, "cannot reconfigure while a session is running")
	}

	m.driver.mu.Lock()
	supported := m.driver.props.Supports(desc.Width, desc.Height)
	m.driver.configured = append(m.driver.configured, desc)
	m.driver.mu.Unlock()

	if !supported {
		return errors.Wrapf(ErrConfigurationRejected, "%dx%d", desc.Width, desc.Height)
	}
	m.mode = desc
	return nil
}

// StartStreaming は連続取得を開始する
func (m *MockDevice) StartStreaming() (FrameSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrDeviceClosed
	}
	if m.mode.Mode == "" {
		return nil, errors.Wrap(ErrConfigurationRejected, "device is not configured")
	}
	m.streaming = true
	return &mockSource{device: m}, nil
}

// StopStreaming はストリーミングセッションを停止する
func (m *MockDevice) StopStreaming() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrDeviceClosed
	}
	m.checkInterruptedLocked()
	m.streaming = false
	return nil
}

// checkInterruptedLocked は読み出し中のセッション停止を記録する
func (m *MockDevice) checkInterruptedLocked() {
	if m.streaming && m.reading.Load() > 0 {
		m.driver.interrupted.Inc()
	}
}

// CaptureStill は静止画を1枚撮影する
func (m *MockDevice) CaptureStill() ([]byte, Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, ErrDeviceClosed
	}
	if m.streaming {
		return nil, nil, errors.Wrap(ErrCaptureFailed, "streaming session is still running")
	}

	m.driver.mu.Lock()
	captureErr := m.driver.captureErr
	meta := append(Metadata(nil), m.driver.stillMeta...)
	m.driver.mu.Unlock()

	if captureErr != nil {
		return nil, nil, captureErr
	}

	m.seq++
	return mockJPEG(fmt.Sprintf("still-%dx%d-%d", m.mode.Width, m.mode.Height, m.seq)), meta, nil
}

// StartRecording は録画出力の書き込みを開始する
func (m *MockDevice) StartRecording(sink io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrDeviceClosed
	}
	if m.recordStop != nil {
		return errors.Wrap(ErrBusy, "already recording")
	}

	m.driver.mu.Lock()
	interval := m.driver.frameInterval
	m.driver.mu.Unlock()

	stop := make(chan struct{})
	done := make(chan struct{})
	m.recordStop = stop
	m.recordDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := sink.Write(mockJPEG(fmt.Sprintf("rec-%d", i))); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

// StopRecording は録画出力の書き込みを終了する
func (m *MockDevice) StopRecording() error {
	m.mu.Lock()
	stop, done := m.recordStop, m.recordDone
	m.recordStop, m.recordDone = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// Properties はカメラ固有情報を返す
func (m *MockDevice) Properties() (Properties, error) {
	if m.isClosed() {
		return Properties{}, ErrDeviceClosed
	}
	m.driver.probes.Inc()

	m.driver.mu.Lock()
	defer m.driver.mu.Unlock()
	props := m.driver.props
	props.SupportedSizes = append([]Size(nil), props.SupportedSizes...)
	props.SupportedRanges = append([]SizeRange(nil), props.SupportedRanges...)
	return props, nil
}

// Close はデバイスを解放する
func (m *MockDevice) Close() error {
	_ = m.StopRecording()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.checkInterruptedLocked()
	m.closed = true
	m.streaming = false
	close(m.closedCh)
	return nil
}

type mockSource struct {
	device *MockDevice
}

func (s *mockSource) NextFrame(timeout time.Duration) ([]byte, error) {
	dev := s.device

	dev.mu.Lock()
	closed, streaming := dev.closed, dev.streaming
	dev.mu.Unlock()
	if closed {
		return nil, ErrDeviceClosed
	}
	if !streaming {
		return nil, errors.Wrap(ErrCaptureFailed, "streaming session stopped")
	}

	dev.reading.Inc()
	defer dev.reading.Dec()

	dev.driver.mu.Lock()
	block := dev.driver.block
	interval := dev.driver.frameInterval
	dev.driver.mu.Unlock()

	if block != nil {
		dev.driver.blocked.Inc()
		select {
		case <-block:
			dev.driver.blocked.Dec()
		case <-dev.closedCh:
			dev.driver.blocked.Dec()
			return nil, ErrDeviceClosed
		}
	}

	if interval > timeout {
		select {
		case <-time.After(timeout):
			return nil, ErrFrameTimeout
		case <-dev.closedCh:
			return nil, ErrDeviceClosed
		}
	}

	select {
	case <-time.After(interval):
	case <-dev.closedCh:
		return nil, ErrDeviceClosed
	}

	dev.mu.Lock()
	dev.seq++
	seq := dev.seq
	dev.mu.Unlock()

	return mockJPEG(fmt.Sprintf("frame-%d", seq)), nil
}

// mockJPEG は SOI/APP0/EOI マーカーだけを持つ疑似JPEGを生成する
func mockJPEG(payload string) []byte {
	data := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	data = append(data, payload...)
	return append(data, 0xFF, 0xD9)
}
