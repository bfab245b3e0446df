package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"hitotsume/internal/camera"
	"hitotsume/internal/timelapse"
)

// AppName は設定ディレクトリなどに使うアプリケーション名
const AppName = "hitotsume"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Camera    CameraConfig     `yaml:"camera"`
	Storage   StorageConfig    `yaml:"storage"`
	Timelapse timelapse.Config `yaml:"timelapse"`
	Log       LogConfig        `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト（0でストリーミング用に無効）
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // グレースフルシャットダウンの待ち時間
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Driver string `yaml:"driver"` // v4l2 または mock
	Device string `yaml:"device"` // デバイスパス（空なら自動検出）
	Name   string `yaml:"name"`   // 表示名

	Stream SizeConfig `yaml:"stream"` // ライブビューの解像度
	Still  SizeConfig `yaml:"still"`  // 静止画の解像度
	Record SizeConfig `yaml:"record"` // 録画の解像度

	WarmUp        time.Duration `yaml:"warm_up"`        // ストリーミング開始後の安定待ち
	StopTimeout   time.Duration `yaml:"stop_timeout"`   // 取得スレッドの停止待ち上限
	PollInterval  time.Duration `yaml:"poll_interval"`  // 停止待ちのポーリング間隔
	FrameTimeout  time.Duration `yaml:"frame_timeout"`  // 1フレームの取得待ち上限
	FrameWait     time.Duration `yaml:"frame_wait"`     // ライブビューの再開を試みるまでの待ち時間
	MetadataLimit int           `yaml:"metadata_limit"` // 表示用メタデータの件数

	// カメラ固有情報（設定されていればデバイスへの問い合わせを省略）
	Properties *camera.Properties `yaml:"properties"`
	ScalerCrop *camera.Rect       `yaml:"scaler_crop"`
	// 検出したカメラ固有情報の保存先（空なら保存しない）
	PropertiesCache string `yaml:"properties_cache"`
}

// SizeConfig は解像度設定
type SizeConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// StorageConfig は保存先の設定
type StorageConfig struct {
	PhotoDir string `yaml:"photo_dir"`
	VideoDir string `yaml:"video_dir"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text または json
}

// Load は設定を読み込む
// path が空なら カレントディレクトリ、$HOME/.hitotsume、/etc/hitotsume の順に config.yaml を探す
// 設定ファイルが無ければデフォルト値と環境変数だけを使う
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 環境変数
	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.host", "SERVER_HOST", "HITOTSUME_SERVER_HOST")
	_ = v.BindEnv("server.port", "PORT", "HITOTSUME_SERVER_PORT")
	_ = v.BindEnv("camera.device", "CAMERA_DEVICE", "HITOTSUME_CAMERA_DEVICE")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range []string{".", "$HOME/." + AppName, "/etc/" + AppName} {
			v.AddConfigPath(os.ExpandEnv(p))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "設定ファイルの読み込みに失敗")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}); err != nil {
		return nil, errors.Wrap(err, "設定のデコードに失敗")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "設定の検証に失敗")
	}

	return &cfg, nil
}

// Default はデフォルト値だけの設定を返す
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	})
	return &cfg
}

func setDefaults(v *viper.Viper) {
	dataDir := filepath.Join(xdg.DataHome, AppName)
	defaults := camera.DefaultOptions()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("camera.driver", "v4l2")
	v.SetDefault("camera.device", "")
	v.SetDefault("camera.name", "")
	v.SetDefault("camera.stream.width", defaults.StreamMode.Width)
	v.SetDefault("camera.stream.height", defaults.StreamMode.Height)
	v.SetDefault("camera.still.width", defaults.StillMode.Width)
	v.SetDefault("camera.still.height", defaults.StillMode.Height)
	v.SetDefault("camera.record.width", defaults.RecordMode.Width)
	v.SetDefault("camera.record.height", defaults.RecordMode.Height)
	v.SetDefault("camera.warm_up", defaults.WarmUp)
	v.SetDefault("camera.stop_timeout", defaults.StopTimeout)
	v.SetDefault("camera.poll_interval", defaults.PollInterval)
	v.SetDefault("camera.frame_timeout", defaults.FrameTimeout)
	v.SetDefault("camera.frame_wait", defaults.FrameWait)
	v.SetDefault("camera.metadata_limit", defaults.MetadataLimit)
	v.SetDefault("camera.properties_cache", filepath.Join(dataDir, "properties.yaml"))

	v.SetDefault("storage.photo_dir", filepath.Join(dataDir, "photos"))
	v.SetDefault("storage.video_dir", filepath.Join(dataDir, "videos"))

	tl := timelapse.DefaultConfig()
	v.SetDefault("timelapse.enabled", tl.Enabled)
	v.SetDefault("timelapse.schedule", tl.Schedule)
	v.SetDefault("timelapse.interval", tl.Interval)
	v.SetDefault("timelapse.max_shots", tl.MaxShots)
	v.SetDefault("timelapse.series", tl.Series)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	switch c.Camera.Driver {
	case "v4l2", "mock":
	default:
		return fmt.Errorf("無効なカメラドライバ: %q", c.Camera.Driver)
	}

	sizes := map[string]SizeConfig{
		"stream": c.Camera.Stream,
		"still":  c.Camera.Still,
		"record": c.Camera.Record,
	}
	for name, s := range sizes {
		if s.Width <= 0 || s.Height <= 0 {
			return fmt.Errorf("無効な解像度 (%s): %dx%d", name, s.Width, s.Height)
		}
	}

	if c.Camera.StopTimeout <= 0 || c.Camera.PollInterval <= 0 {
		return fmt.Errorf("停止待ちの設定が不正です: timeout=%s interval=%s", c.Camera.StopTimeout, c.Camera.PollInterval)
	}
	if c.Camera.PollInterval > c.Camera.StopTimeout {
		return fmt.Errorf("ポーリング間隔 %s が停止待ち上限 %s を超えています", c.Camera.PollInterval, c.Camera.StopTimeout)
	}
	if c.Camera.WarmUp < 0 {
		return fmt.Errorf("ウォームアップ時間が負の値です: %s", c.Camera.WarmUp)
	}
	if c.Camera.MetadataLimit <= 0 {
		return fmt.Errorf("無効なメタデータ件数: %d", c.Camera.MetadataLimit)
	}

	if c.Storage.PhotoDir == "" || c.Storage.VideoDir == "" {
		return fmt.Errorf("保存先ディレクトリが設定されていません")
	}

	if c.Timelapse.Enabled && c.Timelapse.Schedule == "" && c.Timelapse.Interval < time.Second {
		return fmt.Errorf("タイムラプスの撮影間隔は1秒以上が必要です: %s", c.Timelapse.Interval)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ControllerOptions はカメラコントローラの設定に変換する
func (c *Config) ControllerOptions() camera.Options {
	opts := camera.DefaultOptions()
	opts.StreamMode = c.Camera.Stream.mode(camera.ModeStreaming)
	opts.StillMode = c.Camera.Still.mode(camera.ModeStill)
	opts.RecordMode = c.Camera.Record.mode(camera.ModeRecording)
	opts.WarmUp = c.Camera.WarmUp
	opts.StopTimeout = c.Camera.StopTimeout
	opts.PollInterval = c.Camera.PollInterval
	opts.FrameTimeout = c.Camera.FrameTimeout
	opts.FrameWait = c.Camera.FrameWait
	opts.MetadataLimit = c.Camera.MetadataLimit
	opts.Properties = c.Camera.Properties
	if c.Camera.ScalerCrop != nil {
		opts.Controls = &camera.Controls{ScalerCrop: *c.Camera.ScalerCrop}
	}
	return opts
}

func (s SizeConfig) mode(m camera.Mode) camera.ModeDescriptor {
	return camera.ModeDescriptor{Mode: m, Width: s.Width, Height: s.Height, Format: "MJPEG"}
}
