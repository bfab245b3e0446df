package camera

import "github.com/pkg/errors"

// カメラ制御のエラー種別
var (
	// ErrDeviceUnavailable はデバイスが他で使用中または存在しない
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrConfigurationRejected はモード設定がハードウェアの能力に合わない
	ErrConfigurationRejected = errors.New("configuration rejected")
	// ErrStopTimeout は取得スレッドが制限時間内に停止しなかった
	ErrStopTimeout = errors.New("acquisition thread stop timeout")
	// ErrDeviceClosed はクローズ済みのデバイスに対する操作
	ErrDeviceClosed = errors.New("device closed")
	// ErrCaptureFailed はハードウェアレベルのキャプチャ失敗
	ErrCaptureFailed = errors.New("capture failed")

	// ErrBusy は別モードが排他的にデバイスを使用中
	ErrBusy = errors.New("camera busy")
	// ErrFaulted はコントローラがエラー状態でリセットが必要
	ErrFaulted = errors.New("controller faulted, reset required")
	// ErrThreadActive は取得スレッドが既に動作中
	ErrThreadActive = errors.New("acquisition thread already active")
	// ErrNotRecording は録画中でないのに録画停止が要求された
	ErrNotRecording = errors.New("not recording")
	// ErrFrameTimeout はフレーム待ちのタイムアウト（一時的なもの）
	ErrFrameTimeout = errors.New("frame wait timeout")
)
