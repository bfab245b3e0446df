package camera

import (
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
)

// formatMJPEG は V4L2 の MJPG FourCC
const formatMJPEG = webcam.PixelFormat(uint32('M') | uint32('J')<<8 | uint32('P')<<16 | uint32('G')<<24)

// defaultBufferCount はストリーミング時のバッファ数
const defaultBufferCount = 4

// V4L2Driver は V4L2 デバイスを開くDriver実装
type V4L2Driver struct {
	Path        string // 例: /dev/video0
	Name        string // 表示名（空ならデバイスパス）
	BufferCount uint32
}

// NewV4L2Driver は新しいV4L2Driverを作成する
func NewV4L2Driver(path, name string) *V4L2Driver {
	return &V4L2Driver{
		Path:        path,
		Name:        name,
		BufferCount: defaultBufferCount,
	}
}

// Open はデバイスを開く
func (d *V4L2Driver) Open(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cam, err := webcam.Open(d.Path)
	if err != nil {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "%s: %v", d.Path, err)
	}

	if _, ok := cam.GetSupportedFormats()[formatMJPEG]; !ok {
		_ = cam.Close()
		return nil, errors.Wrapf(ErrDeviceUnavailable, "%s: MJPEG がサポートされていません", d.Path)
	}

	name := d.Name
	if name == "" {
		name = d.Path
	}
	buffers := d.BufferCount
	if buffers == 0 {
		buffers = defaultBufferCount
	}

	return &v4l2Device{
		cam:     cam,
		path:    d.Path,
		name:    name,
		buffers: buffers,
	}, nil
}

type v4l2Device struct {
	cam     *webcam.Webcam
	path    string
	name    string
	buffers uint32

	mu         sync.Mutex
	closed     bool
	mode       ModeDescriptor
	streaming  bool
	recordStop chan struct{}
	recordDone chan struct{}
}

func (d *v4l2Device) Configure(desc ModeDescriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if d.streaming {
		return errors.Wrap(ErrConfigurationRejected, "cannot reconfigure while streaming")
	}

	supported := false
	for _, fs := range d.cam.GetSupportedFrameSizes(formatMJPEG) {
		if frameSizeFits(fs, desc.Width, desc.Height) {
			supported = true
			break
		}
	}
	if !supported {
		return errors.Wrapf(ErrConfigurationRejected, "%s: %dx%d", d.path, desc.Width, desc.Height)
	}

	_, w, h, err := d.cam.SetImageFormat(formatMJPEG, uint32(desc.Width), uint32(desc.Height))
	if err != nil {
		return errors.Wrapf(ErrConfigurationRejected, "%s: %v", d.path, err)
	}
	if int(w) != desc.Width || int(h) != desc.Height {
		return errors.Wrapf(ErrConfigurationRejected, "%s: requested %dx%d, got %dx%d", d.path, desc.Width, desc.Height, w, h)
	}
	if err := d.cam.SetBufferCount(d.buffers); err != nil {
		return errors.Wrap(err, "バッファ数の設定に失敗")
	}

	d.mode = desc
	return nil
}

func (d *v4l2Device) StartStreaming() (FrameSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.startLocked(); err != nil {
		return nil, err
	}
	return &v4l2Source{device: d}, nil
}

func (d *v4l2Device) startLocked() error {
	if d.closed {
		return ErrDeviceClosed
	}
	if d.streaming {
		return nil
	}
	if err := d.cam.StartStreaming(); err != nil {
		return errors.Wrapf(ErrCaptureFailed, "%s: %v", d.path, err)
	}
	d.streaming = true
	return nil
}

func (d *v4l2Device) StopStreaming() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked()
}

func (d *v4l2Device) stopLocked() error {
	if d.closed {
		return ErrDeviceClosed
	}
	if !d.streaming {
		return nil
	}
	d.streaming = false
	return d.cam.StopStreaming()
}

// CaptureStill はセッションを開始して最初に得られたフレームを静止画とする
func (d *v4l2Device) CaptureStill() ([]byte, Metadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.startLocked(); err != nil {
		return nil, nil, err
	}
	defer func() { _ = d.stopLocked() }()

	const attempts = 5
	for i := 0; i < attempts; i++ {
		data, err := d.readFrame(time.Second)
		if errors.Is(err, ErrFrameTimeout) {
			continue
		}
		if err != nil {
			return nil, nil, errors.Wrap(ErrCaptureFailed, err.Error())
		}
		if len(data) == 0 {
			continue
		}
		return data, d.metadata(), nil
	}
	return nil, nil, errors.Wrapf(ErrCaptureFailed, "%s: no frame after %d attempts", d.path, attempts)
}

func (d *v4l2Device) StartRecording(sink io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.recordStop != nil {
		return errors.Wrap(ErrBusy, "already recording")
	}
	if err := d.startLocked(); err != nil {
		return err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	d.recordStop = stop
	d.recordDone = done

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			data, err := d.readStreaming(time.Second)
			if err != nil {
				if errors.Is(err, ErrFrameTimeout) {
					continue
				}
				return
			}
			if _, err := sink.Write(data); err != nil {
				return
			}
		}
	}()
	return nil
}

func (d *v4l2Device) StopRecording() error {
	d.mu.Lock()
	stop, done := d.recordStop, d.recordDone
	d.recordStop, d.recordDone = nil, nil
	d.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return d.StopStreaming()
}

func (d *v4l2Device) Properties() (Properties, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Properties{}, ErrDeviceClosed
	}

	props := Properties{
		Model:  d.name,
		Driver: "v4l2",
	}
	for _, fs := range d.cam.GetSupportedFrameSizes(formatMJPEG) {
		size := Size{Width: int(fs.MaxWidth), Height: int(fs.MaxHeight)}
		if fs.MinWidth == fs.MaxWidth && fs.MinHeight == fs.MaxHeight {
			props.SupportedSizes = append(props.SupportedSizes, size)
		} else {
			props.SupportedRanges = append(props.SupportedRanges, sizeRange(fs))
		}
		if size.Width*size.Height > props.PixelArraySize.Width*props.PixelArraySize.Height {
			props.PixelArraySize = size
		}
	}
	props.ScalerCropMaximum = Rect{Width: props.PixelArraySize.Width, Height: props.PixelArraySize.Height}

	for _, ctrl := range d.cam.GetControls() {
		name := strings.ToLower(ctrl.Name)
		switch {
		case strings.Contains(name, "focus"):
			props.HasFocus = true
		case strings.Contains(name, "power line"):
			props.HasFlicker = true
		case strings.Contains(name, "backlight"):
			props.HasHDR = true
		}
	}
	return props, nil
}

func (d *v4l2Device) Close() error {
	_ = d.StopRecording()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	if d.streaming {
		_ = d.cam.StopStreaming()
		d.streaming = false
	}
	d.closed = true
	return d.cam.Close()
}

// readStreaming はストリーミング中であることを確認して1フレーム読み出す
// 読み出しの間 d.mu を保持するので、StopStreaming/Close はその完了を待つ
func (d *v4l2Device) readStreaming(timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceClosed
	}
	if !d.streaming {
		return nil, errors.Wrap(ErrCaptureFailed, "streaming session stopped")
	}
	return d.readFrame(timeout)
}

// readFrame は1フレームを待って読み出す。d.mu を保持して呼ぶ
// mmap バッファはコピーしてからドライバに返す
func (d *v4l2Device) readFrame(timeout time.Duration) ([]byte, error) {
	seconds := uint32(timeout / time.Second)
	if seconds == 0 {
		seconds = 1
	}

	err := d.cam.WaitForFrame(seconds)
	switch err.(type) {
	case nil:
	case *webcam.Timeout:
		return nil, ErrFrameTimeout
	default:
		return nil, errors.Wrap(err, "フレーム待ちに失敗")
	}

	frame, index, err := d.cam.GetFrame()
	if err != nil {
		return nil, errors.Wrap(err, "フレームの読み出しに失敗")
	}
	out := make([]byte, len(frame))
	copy(out, frame)
	if err := d.cam.ReleaseFrame(index); err != nil {
		return nil, errors.Wrap(err, "バッファの返却に失敗")
	}
	return out, nil
}

// metadata はコントロールの現在値を ID 順に並べたメタデータを返す
func (d *v4l2Device) metadata() Metadata {
	meta := Metadata{
		{Key: "Device", Value: d.path},
		{Key: "Size", Value: strconv.Itoa(d.mode.Width) + "x" + strconv.Itoa(d.mode.Height)},
		{Key: "Format", Value: "MJPEG"},
	}

	controls := d.cam.GetControls()
	ids := make([]webcam.ControlID, 0, len(controls))
	for id := range controls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		value, err := d.cam.GetControl(id)
		if err != nil {
			continue
		}
		meta = append(meta, MetadataEntry{Key: controls[id].Name, Value: strconv.Itoa(int(value))})
	}
	return meta
}

type v4l2Source struct {
	device *v4l2Device
}

func (s *v4l2Source) NextFrame(timeout time.Duration) ([]byte, error) {
	return s.device.readStreaming(timeout)
}

// frameSizeFits は離散/段階的なフレームサイズに指定サイズが収まるか判定する
func frameSizeFits(fs webcam.FrameSize, w, h int) bool {
	return sizeFits(fs.MinWidth, fs.MaxWidth, fs.StepWidth, uint32(w)) &&
		sizeFits(fs.MinHeight, fs.MaxHeight, fs.StepHeight, uint32(h))
}

func sizeRange(fs webcam.FrameSize) SizeRange {
	return SizeRange{
		Min:  Size{Width: int(fs.MinWidth), Height: int(fs.MinHeight)},
		Max:  Size{Width: int(fs.MaxWidth), Height: int(fs.MaxHeight)},
		Step: Size{Width: int(fs.StepWidth), Height: int(fs.StepHeight)},
	}
}

func sizeFits(lo, hi, step, val uint32) bool {
	if lo == hi {
		return val == lo
	}
	if val < lo || val > hi {
		return false
	}
	return step == 0 || (val-lo)%step == 0
}
