package camera

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"hitotsume/internal/logging"
)

// 状態機械のイベント
const (
	eventStartStream  = "start_stream"
	eventStopStream   = "stop_stream"
	eventBeginCapture = "begin_capture"
	eventEndCapture   = "end_capture"
	eventBeginRecord  = "begin_record"
	eventEndRecord    = "end_record"
	eventFail         = "fail"
	eventReset        = "reset"
)

// DefaultFrameWait は NextFrame がストリーミングの再開を試みるまでの待ち時間
const DefaultFrameWait = 3 * time.Second

// Options はコントローラの動作設定
type Options struct {
	StreamMode ModeDescriptor
	StillMode  ModeDescriptor
	RecordMode ModeDescriptor

	WarmUp        time.Duration
	StopTimeout   time.Duration
	PollInterval  time.Duration
	FrameTimeout  time.Duration
	FrameWait     time.Duration
	MetadataLimit int

	// 設定プロバイダから与えられた固有情報（あればデバイスへの問い合わせを省略）
	Properties *Properties
	Controls   *Controls

	Clock  clock.Clock
	Logger logrus.FieldLogger
}

// DefaultOptions はデフォルトの設定を返す
func DefaultOptions() Options {
	return Options{
		StreamMode:    ModeDescriptor{Mode: ModeStreaming, Width: 640, Height: 480, Format: "MJPEG"},
		StillMode:     ModeDescriptor{Mode: ModeStill, Width: 1920, Height: 1080, Format: "MJPEG"},
		RecordMode:    ModeDescriptor{Mode: ModeRecording, Width: 1280, Height: 720, Format: "MJPEG"},
		WarmUp:        DefaultWarmUp,
		StopTimeout:   DefaultStopTimeout,
		PollInterval:  DefaultPollInterval,
		FrameTimeout:  DefaultFrameTimeout,
		FrameWait:     DefaultFrameWait,
		MetadataLimit: DefaultMetadataLimit,
	}
}

// Collaborators はコントローラが利用する外部コンポーネント
type Collaborators struct {
	Photos     PhotoStore
	Display    DisplaySink
	Properties PropertySink
}

// Status はコントローラの状態のスナップショット
type Status struct {
	State        State       `json:"state"`
	ThreadActive bool        `json:"thread_active"`
	ThreadID     string      `json:"thread_id,omitempty"`
	FrameVersion uint64      `json:"frame_version"`
	Recording    *Recording  `json:"recording,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
	Properties   *Properties `json:"properties,omitempty"`
	Controls     Controls    `json:"controls"`
}

// Controller は1台のカメラを複数の利用者で共有するための状態機械
// 状態遷移は mu で直列化され、同時に動くハードウェアセッションは1つだけ
type Controller struct {
	driver  Driver
	collab  Collaborators
	opts    Options
	clock   clock.Clock
	log     logrus.FieldLogger
	machine *fsm.FSM

	// 遷移全体を保護する
	mu         sync.Mutex
	device     Device
	deviceMode Mode
	recordSink RecordingSink

	broadcast *FrameBroadcast
	stopper   *StopCoordinator

	// Status から参照される情報
	infoMu     sync.RWMutex
	properties *Properties
	controls   Controls
	recording  *Recording
	lastErr    error
}

// NewController は新しいControllerを作成する
func NewController(driver Driver, collab Collaborators, opts Options) *Controller {
	defaults := DefaultOptions()
	if opts.StreamMode.Mode == "" {
		opts.StreamMode = defaults.StreamMode
	}
	if opts.StillMode.Mode == "" {
		opts.StillMode = defaults.StillMode
	}
	if opts.RecordMode.Mode == "" {
		opts.RecordMode = defaults.RecordMode
	}
	if opts.FrameWait <= 0 {
		opts.FrameWait = defaults.FrameWait
	}
	if opts.MetadataLimit <= 0 {
		opts.MetadataLimit = defaults.MetadataLimit
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Logger()
	}

	c := &Controller{
		driver:    driver,
		collab:    collab,
		opts:      opts,
		clock:     opts.Clock,
		log:       opts.Logger.WithField("component", "camera"),
		broadcast: NewFrameBroadcast(opts.Clock),
		stopper:   NewStopCoordinator(opts.Clock, opts.PollInterval, opts.StopTimeout),
	}

	if opts.Properties != nil {
		props := *opts.Properties
		c.properties = &props
	}
	if opts.Controls != nil {
		c.controls = *opts.Controls
	}

	idle := string(StateIdle)
	streaming := string(StateStreaming)
	capturing := string(StateCapturing)
	recording := string(StateRecording)
	failed := string(StateError)

	c.machine = fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: eventStartStream, Src: []string{idle}, Dst: streaming},
			{Name: eventStopStream, Src: []string{streaming}, Dst: idle},
			{Name: eventBeginCapture, Src: []string{idle, streaming}, Dst: capturing},
			{Name: eventEndCapture, Src: []string{capturing}, Dst: idle},
			{Name: eventBeginRecord, Src: []string{idle, streaming}, Dst: recording},
			{Name: eventEndRecord, Src: []string{recording}, Dst: idle},
			{Name: eventFail, Src: []string{idle, streaming, capturing, recording}, Dst: failed},
			{Name: eventReset, Src: []string{streaming, capturing, recording, failed}, Dst: idle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.WithFields(logrus.Fields{
					"event": e.Event,
					"from":  e.Src,
					"to":    e.Dst,
				}).Info("状態が遷移しました")
			},
		},
	)

	return c
}

// State は現在の状態を返す
func (c *Controller) State() State {
	return State(c.machine.Current())
}

// Status は現在の状態のスナップショットを返す
func (c *Controller) Status() Status {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()

	st := Status{
		State:        c.State(),
		ThreadActive: c.stopper.Active(),
		ThreadID:     c.stopper.ThreadID(),
		FrameVersion: c.broadcast.Version(),
		Controls:     c.controls,
	}
	if c.recording != nil {
		rec := *c.recording
		st.Recording = &rec
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if c.properties != nil {
		props := *c.properties
		st.Properties = &props
	}
	return st
}

// Properties は検出済みのカメラ固有情報を返す（未検出なら nil）
func (c *Controller) Properties() *Properties {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	if c.properties == nil {
		return nil
	}
	props := *c.properties
	return &props
}

// Broadcast はライブビュー用の FrameBroadcast を返す
func (c *Controller) Broadcast() *FrameBroadcast {
	return c.broadcast
}

// StartStreaming は Idle からストリーミングを開始する
// 既にストリーミング中なら何もしない
func (c *Controller) StartStreaming(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch state := c.State(); state {
	case StateStreaming:
		return nil
	case StateError:
		return c.faultedErr()
	case StateCapturing, StateRecording:
		return errors.Wrapf(ErrBusy, "current state: %s", state)
	}

	// 静止画/録画用に設定したデバイスは作り直してから使う
	if c.device != nil && c.deviceMode != "" && c.deviceMode != ModeStreaming {
		c.closeDevice()
	}
	if err := c.openDevice(ctx); err != nil {
		return c.fault(ctx, err)
	}
	if err := c.configure(c.opts.StreamMode); err != nil {
		return err
	}

	source, err := c.device.StartStreaming()
	if err != nil {
		return errors.Wrap(err, "ストリーミングの開始に失敗")
	}

	thread := newAcquisitionThread()
	if err := c.stopper.attach(thread); err != nil {
		_ = c.device.StopStreaming()
		return err
	}
	thread.start(acquisitionConfig{
		source:       source,
		broadcast:    c.broadcast,
		clock:        c.clock,
		warmUp:       c.opts.WarmUp,
		frameTimeout: c.opts.FrameTimeout,
		log:          c.log,
	})

	return c.fire(ctx, eventStartStream)
}

// StopStreaming はライブビューを停止して Idle に戻す
func (c *Controller) StopStreaming(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch state := c.State(); state {
	case StateIdle:
		return nil
	case StateError:
		return c.faultedErr()
	case StateCapturing, StateRecording:
		return errors.Wrapf(ErrBusy, "current state: %s", state)
	}

	if err := c.haltAcquisition(); err != nil {
		return c.fault(ctx, err)
	}

	return c.fire(ctx, eventStopStream)
}

// NextFrame は lastSeen より新しいフレームを待って返す
// Idle ならストリーミングを開始し、撮影後なども自動的に再開する
func (c *Controller) NextFrame(ctx context.Context, lastSeen uint64) (Frame, error) {
	for {
		if c.State() != StateStreaming {
			if err := c.StartStreaming(ctx); err != nil && !errors.Is(err, ErrBusy) {
				return Frame{}, err
			}
		}

		waitCtx, cancel := context.WithTimeout(ctx, c.opts.FrameWait)
		frame, err := c.broadcast.AwaitNext(waitCtx, lastSeen)
		cancel()
		if err == nil {
			return frame, nil
		}
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
	}
}

// CaptureStill はストリーミングを止めて静止画を1枚撮影し、Idle に戻る
func (c *Controller) CaptureStill(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch state := c.State(); state {
	case StateError:
		return nil, c.faultedErr()
	case StateCapturing, StateRecording:
		return nil, errors.Wrapf(ErrBusy, "current state: %s", state)
	}

	if err := c.fire(ctx, eventBeginCapture); err != nil {
		return nil, err
	}
	c.log.Info("静止画撮影のため取得スレッドを停止します")

	if err := c.haltAcquisition(); err != nil {
		return nil, c.fault(ctx, err)
	}
	if err := c.recreateDevice(ctx); err != nil {
		return nil, c.fault(ctx, err)
	}

	result, err := c.captureLocked(req)
	if ferr := c.fire(ctx, eventEndCapture); ferr != nil && err == nil {
		err = ferr
	}
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"path":      result.Path,
		"truncated": result.Truncated,
	}).Info("静止画を撮影しました")
	return result, nil
}

// captureLocked は静止画用に設定して1枚撮影し、保存と表示情報の更新を行う
func (c *Controller) captureLocked(req CaptureRequest) (*CaptureResult, error) {
	if err := c.configure(c.opts.StillMode); err != nil {
		return nil, err
	}

	data, meta, err := c.device.CaptureStill()
	if err != nil {
		return nil, errors.Wrap(err, "静止画の撮影に失敗")
	}
	capturedAt := c.clock.Now()

	filename := req.Filename
	if filename == "" {
		filename = "photo_" + strings.ReplaceAll(capturedAt.Format("20060102_150405.000"), ".", "_")
	}

	path := filepath.Join(req.Dir, filename)
	if c.collab.Photos != nil {
		path, err = c.collab.Photos.SavePhoto(data, meta, req.Dir, filename)
		if err != nil {
			return nil, errors.Wrap(err, "写真の保存に失敗")
		}
	}

	window := WindowMetadata(meta, c.opts.MetadataLimit)
	result := &CaptureResult{
		Path:         path,
		Filename:     filepath.Base(path),
		Metadata:     window.Entries,
		Truncated:    window.Truncated,
		TotalEntries: window.Total,
		Size:         len(data),
		CapturedAt:   capturedAt,
	}

	if c.collab.Display != nil {
		c.collab.Display.ShowPhoto(DisplayInfo{
			Path:       result.Path,
			Filename:   result.Filename,
			Metadata:   window.Entries,
			MetaFirst:  window.First,
			MetaLast:   window.Last,
			Truncated:  window.Truncated,
			Hidden:     false,
			CapturedAt: capturedAt,
		})
	}

	return result, nil
}

// StartRecording はデバイスを録画用に占有して sink への書き込みを開始する
func (c *Controller) StartRecording(ctx context.Context, sink RecordingSink) (Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch state := c.State(); state {
	case StateError:
		return Recording{}, c.faultedErr()
	case StateCapturing, StateRecording:
		return Recording{}, errors.Wrapf(ErrBusy, "current state: %s", state)
	}

	if err := c.fire(ctx, eventBeginRecord); err != nil {
		return Recording{}, err
	}

	if err := c.haltAcquisition(); err != nil {
		return Recording{}, c.fault(ctx, err)
	}
	if err := c.recreateDevice(ctx); err != nil {
		return Recording{}, c.fault(ctx, err)
	}

	if err := c.startRecordingLocked(sink); err != nil {
		if ferr := c.fire(ctx, eventEndRecord); ferr != nil {
			c.log.WithError(ferr).Warn("録画開始失敗後の状態遷移に失敗しました")
		}
		return Recording{}, err
	}

	rec := Recording{
		ID:        uuid.New().String(),
		StartedAt: c.clock.Now(),
	}
	c.recordSink = sink

	c.infoMu.Lock()
	c.recording = &rec
	c.infoMu.Unlock()

	c.log.WithField("recording", rec.ID).Info("録画を開始しました")
	return rec, nil
}

func (c *Controller) startRecordingLocked(sink RecordingSink) error {
	if err := c.configure(c.opts.RecordMode); err != nil {
		return err
	}
	if err := c.device.StartRecording(sink); err != nil {
		return errors.Wrap(err, "録画の開始に失敗")
	}
	return nil
}

// StopRecording は録画を終了して Idle に戻す
func (c *Controller) StopRecording(ctx context.Context) (Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateRecording:
	case StateError:
		return Recording{}, c.faultedErr()
	default:
		return Recording{}, ErrNotRecording
	}

	var stopErr error
	if c.device != nil {
		stopErr = c.device.StopRecording()
	}
	if c.recordSink != nil {
		if err := c.recordSink.Close(); err != nil && stopErr == nil {
			stopErr = errors.Wrap(err, "録画出力のクローズに失敗")
		}
		c.recordSink = nil
	}

	c.infoMu.Lock()
	var rec Recording
	if c.recording != nil {
		rec = *c.recording
	}
	rec.StoppedAt = c.clock.Now()
	c.recording = nil
	c.infoMu.Unlock()

	if err := c.fire(ctx, eventEndRecord); err != nil && stopErr == nil {
		stopErr = err
	}

	c.log.WithField("recording", rec.ID).Info("録画を停止しました")
	return rec, stopErr
}

// Reset はスレッド・フラグ・デバイスを全て破棄し、デバイスを開き直して Idle に戻す
// 取得スレッドには先に停止を要求し、上限まで待っても止まらなければハンドルを破棄する
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Info("カメラシステムをリセットします")
	if c.stopper.Active() {
		c.stopper.RequestStop()
		if err := c.stopper.WaitStopped(); err != nil {
			c.log.WithError(err).Warn("取得スレッドが停止しないためハンドルを破棄します")
		}
	}
	c.teardown()

	if err := c.openDevice(ctx); err != nil {
		c.setLastErr(err)
		if c.State() != StateError {
			if ferr := c.fire(ctx, eventFail); ferr != nil {
				c.log.WithError(ferr).Warn("エラー状態への遷移に失敗しました")
			}
		}
		return err
	}

	c.setLastErr(nil)
	if c.State() != StateIdle {
		return c.fire(ctx, eventReset)
	}
	return nil
}

// Close はカメラシステムを停止してデバイスを解放する
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.stopper.Active() {
		c.stopper.RequestStop()
		err = c.stopper.WaitStopped()
	}
	c.teardown()

	if c.State() != StateIdle {
		if ferr := c.fire(ctx, eventReset); ferr != nil && err == nil {
			err = ferr
		}
	}
	c.log.Info("カメラシステムを停止しました")
	return err
}

// teardown はスレッドハンドルとハードウェアセッションを強制的に破棄する
func (c *Controller) teardown() {
	if thread := c.stopper.detach(); thread != nil {
		c.log.WithField("thread", thread.id).Warn("取得スレッドのハンドルを破棄しました")
	}

	if c.device != nil {
		if c.recordSink != nil {
			_ = c.device.StopRecording()
		}
		_ = c.device.StopStreaming()
	}
	if c.recordSink != nil {
		_ = c.recordSink.Close()
		c.recordSink = nil
	}
	c.closeDevice()

	c.infoMu.Lock()
	c.recording = nil
	c.infoMu.Unlock()
}

// haltAcquisition は停止要求・上限付き待機・ハードウェアセッション停止をこの順で行う
func (c *Controller) haltAcquisition() error {
	if !c.stopper.Active() {
		return nil
	}

	c.stopper.RequestStop()
	if err := c.stopper.WaitStopped(); err != nil {
		return err
	}
	c.log.Debug("取得スレッドが停止しました")

	if c.device != nil {
		if err := c.device.StopStreaming(); err != nil {
			c.log.WithError(err).Warn("ストリーミングセッションの停止に失敗しました")
		}
	}
	return nil
}

// openDevice はデバイスが未オープンなら開く
func (c *Controller) openDevice(ctx context.Context) error {
	if c.device != nil {
		return nil
	}

	dev, err := c.driver.Open(ctx)
	if err != nil {
		return errors.Wrap(err, "デバイスのオープンに失敗")
	}
	c.device = dev
	c.deviceMode = ""
	c.loadProperties(dev)
	return nil
}

// recreateDevice はデバイスを閉じて開き直す（ドライバはモードのその場切り替えに対応しない）
func (c *Controller) recreateDevice(ctx context.Context) error {
	c.closeDevice()
	return c.openDevice(ctx)
}

func (c *Controller) closeDevice() {
	if c.device == nil {
		return
	}
	if err := c.device.Close(); err != nil {
		c.log.WithError(err).Warn("デバイスのクローズに失敗しました")
	}
	c.device = nil
	c.deviceMode = ""
}

// loadProperties はカメラ固有情報を一度だけ検出してキャッシュする
func (c *Controller) loadProperties(dev Device) {
	c.infoMu.RLock()
	loaded := c.properties != nil
	c.infoMu.RUnlock()
	if loaded {
		return
	}

	props, err := dev.Properties()
	if err != nil {
		c.log.WithError(err).Warn("カメラ固有情報の取得に失敗しました")
		return
	}

	c.infoMu.Lock()
	c.properties = &props
	if c.controls.ScalerCrop == (Rect{}) {
		c.controls.ScalerCrop = Rect{Width: props.PixelArraySize.Width, Height: props.PixelArraySize.Height}
	}
	controls := c.controls
	c.infoMu.Unlock()

	if c.collab.Properties != nil {
		c.collab.Properties.StoreProperties(props, controls)
	}
	c.log.WithFields(logrus.Fields{
		"model":       props.Model,
		"has_focus":   props.HasFocus,
		"has_flicker": props.HasFlicker,
		"has_hdr":     props.HasHDR,
	}).Info("カメラ固有情報を読み込みました")
}

func (c *Controller) configure(desc ModeDescriptor) error {
	if props := c.Properties(); props != nil && !props.Supports(desc.Width, desc.Height) {
		return errors.Wrapf(ErrConfigurationRejected, "%s: %dx%d is not supported", desc.Mode, desc.Width, desc.Height)
	}
	if err := c.device.Configure(desc); err != nil {
		return errors.Wrapf(err, "%s モードの設定に失敗", desc.Mode)
	}
	c.deviceMode = desc.Mode
	return nil
}

func (c *Controller) fire(ctx context.Context, event string) error {
	if err := c.machine.Event(context.WithoutCancel(ctx), event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		return errors.Wrapf(err, "状態遷移 %s に失敗", event)
	}
	return nil
}

// fault は致命的なエラーを記録してエラー状態に遷移する
func (c *Controller) fault(ctx context.Context, err error) error {
	c.setLastErr(err)
	c.log.WithError(err).Error("致命的なエラーのためエラー状態に遷移します")
	if ferr := c.fire(ctx, eventFail); ferr != nil {
		c.log.WithError(ferr).Warn("エラー状態への遷移に失敗しました")
	}
	return err
}

func (c *Controller) faultedErr() error {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	if c.lastErr != nil {
		return errors.Wrapf(ErrFaulted, "last error: %v", c.lastErr)
	}
	return ErrFaulted
}

func (c *Controller) setLastErr(err error) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	c.lastErr = err
}
