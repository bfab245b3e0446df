package camera

import (
	"context"
	"io"
	"time"
)

// State はコントローラの状態を表す
type State string

const (
	StateIdle      State = "idle"      // デバイスは未使用
	StateStreaming State = "streaming" // ライブビュー配信中
	StateCapturing State = "capturing" // 静止画撮影中
	StateRecording State = "recording" // 録画中
	StateError     State = "error"     // リセットが必要なエラー状態
)

// Mode はデバイスに適用する動作モード
type Mode string

const (
	ModeStreaming Mode = "streaming"
	ModeStill     Mode = "still"
	ModeRecording Mode = "recording"
)

// ModeDescriptor はデバイスに適用するモード設定
type ModeDescriptor struct {
	Mode   Mode
	Width  int
	Height int
	Format string // 例: "MJPEG"
}

// Size はセンサーや画像のサイズ
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Rect は矩形領域（クロップ範囲など）
type Rect struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Properties はプロセス内で一度だけ検出されるカメラ固有情報
type Properties struct {
	Model             string      `json:"model" yaml:"model"`
	Driver            string      `json:"driver" yaml:"driver"`
	PixelArraySize    Size        `json:"pixel_array_size" yaml:"pixel_array_size"`
	ScalerCropMaximum Rect        `json:"scaler_crop_maximum" yaml:"scaler_crop_maximum"`
	SupportedSizes    []Size      `json:"supported_sizes" yaml:"supported_sizes"`
	// 段階的に指定できるサイズ（UVC の stepwise/continuous）
	SupportedRanges   []SizeRange `json:"supported_ranges,omitempty" yaml:"supported_ranges,omitempty"`
	HasFocus          bool        `json:"has_focus" yaml:"has_focus"`
	HasFlicker        bool        `json:"has_flicker" yaml:"has_flicker"`
	HasHDR            bool        `json:"has_hdr" yaml:"has_hdr"`
}

// SizeRange は Min から Max まで Step 刻みで指定できるサイズの範囲
type SizeRange struct {
	Min  Size `json:"min" yaml:"min"`
	Max  Size `json:"max" yaml:"max"`
	Step Size `json:"step" yaml:"step"`
}

// Contains は指定サイズが範囲内で刻みに合っているか判定する
func (r SizeRange) Contains(width, height int) bool {
	return fitsStep(r.Min.Width, r.Max.Width, r.Step.Width, width) &&
		fitsStep(r.Min.Height, r.Max.Height, r.Step.Height, height)
}

func fitsStep(lo, hi, step, val int) bool {
	if val < lo || val > hi {
		return false
	}
	return step <= 0 || (val-lo)%step == 0
}

// Supports は指定サイズがサポートされているか判定する
// サポートサイズが不明な場合は全て許可する
func (p Properties) Supports(width, height int) bool {
	if len(p.SupportedSizes) == 0 && len(p.SupportedRanges) == 0 {
		return true
	}
	for _, s := range p.SupportedSizes {
		if s.Width == width && s.Height == height {
			return true
		}
	}
	for _, r := range p.SupportedRanges {
		if r.Contains(width, height) {
			return true
		}
	}
	return false
}

// Controls は現在のコントロール設定
type Controls struct {
	ScalerCrop Rect `json:"scaler_crop" yaml:"scaler_crop"`
}

// Frame は不変のエンコード済みフレーム
// Data は公開後に変更してはならない（読み取り専用で共有される）
type Frame struct {
	Data      []byte
	Version   uint64
	Timestamp time.Time
}

// Len はフレームの論理長を返す
func (f Frame) Len() int {
	return len(f.Data)
}

// Bytes はフレームデータのコピーを返す
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f.Data))
	copy(out, f.Data)
	return out
}

// MetadataEntry は順序付きメタデータの1項目
type MetadataEntry struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Metadata はハードウェアが返す順序付きメタデータ
type Metadata []MetadataEntry

// CaptureRequest は静止画撮影の要求
type CaptureRequest struct {
	Dir      string // 保存先ディレクトリ（空ならストレージのデフォルト）
	Filename string // ファイル名（空ならタイムスタンプから生成）
}

// CaptureResult は静止画撮影の結果
type CaptureResult struct {
	Path         string    `json:"path"`
	Filename     string    `json:"filename"`
	Metadata     Metadata  `json:"metadata"`      // 表示用に切り詰めたウィンドウ
	Truncated    bool      `json:"truncated"`     // メタデータが切り詰められたか
	TotalEntries int       `json:"total_entries"` // 元のメタデータ件数
	Size         int       `json:"size"`
	CapturedAt   time.Time `json:"captured_at"`
}

// Recording は録画セッションの情報
type Recording struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
}

// FrameSource はストリーミング中のフレーム取得ハンドル
type FrameSource interface {
	// NextFrame は次のフレームを取得する
	// timeout 内にフレームが来なければ ErrFrameTimeout を返す
	NextFrame(timeout time.Duration) ([]byte, error)
}

// RecordingSink は録画出力の書き込み先
type RecordingSink interface {
	io.Writer
	Close() error
}

// Device はハードウェアへの排他的な接続
type Device interface {
	// Configure はモード設定を適用する
	Configure(desc ModeDescriptor) error

	// StartStreaming は連続取得を開始する
	StartStreaming() (FrameSource, error)

	// StopStreaming はストリーミング/録画セッションを停止する
	StopStreaming() error

	// CaptureStill は静止画を1枚撮影する（ストリーミング停止中に呼ぶこと）
	CaptureStill() ([]byte, Metadata, error)

	// StartRecording は録画出力の書き込みを開始する
	StartRecording(sink io.Writer) error

	// StopRecording は録画出力の書き込みを終了する
	StopRecording() error

	// Properties はカメラ固有情報を検出する
	Properties() (Properties, error)

	// Close はハードウェアを解放する
	Close() error
}

// Driver はデバイスを開く
type Driver interface {
	Open(ctx context.Context) (Device, error)
}

// PhotoStore は撮影結果を受け取るストレージ
type PhotoStore interface {
	SavePhoto(data []byte, meta Metadata, dir, filename string) (string, error)
}

// DisplayInfo は直近の撮影結果の表示用情報
type DisplayInfo struct {
	Path       string    `json:"path"`
	Filename   string    `json:"filename"`
	Metadata   Metadata  `json:"metadata"`
	MetaFirst  int       `json:"meta_first"`
	MetaLast   int       `json:"meta_last"`
	Truncated  bool      `json:"truncated"`
	Hidden     bool      `json:"hidden"`
	CapturedAt time.Time `json:"captured_at"`
}

// DisplaySink は表示用情報の書き込み先
type DisplaySink interface {
	ShowPhoto(info DisplayInfo)
}

// PropertySink は検出したカメラ固有情報を受け取る設定プロバイダ
type PropertySink interface {
	StoreProperties(props Properties, controls Controls)
}
