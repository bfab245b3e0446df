package timelapse

import (
	"context"
	"time"

	"hitotsume/internal/camera"
)

// Capturer は静止画を1枚撮影する（camera.Controller が実装する）
type Capturer interface {
	CaptureStill(ctx context.Context, req camera.CaptureRequest) (*camera.CaptureResult, error)
}

// Config はタイムラプス設定
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// cron式（空なら Interval を使う）
	Schedule string `yaml:"schedule" json:"schedule"`
	// 撮影間隔（1秒単位に切り捨て）
	Interval time.Duration `yaml:"interval" json:"interval"`
	// 撮影枚数の上限（0なら無制限）
	MaxShots int `yaml:"max_shots" json:"max_shots"`
	// シリーズ名（空なら開始時刻）
	Series string `yaml:"series" json:"series"`
}

// Status はタイムラプスのステータス
type Status string

// Status の定数定義
const (
	StatusStopped   Status = "stopped"   // 停止中
	StatusRunning   Status = "running"   // 撮影中
	StatusCompleted Status = "completed" // 上限枚数に達して完了
)

// StatusInfo はタイムラプスの状態情報
type StatusInfo struct {
	Enabled     bool      `json:"enabled"`
	Status      Status    `json:"status"`
	Series      string    `json:"series"`
	Schedule    string    `json:"schedule"`
	Captured    int64     `json:"captured"`
	Skipped     int64     `json:"skipped"` // カメラが使用中/エラー状態で見送った回数
	Failed      int64     `json:"failed"`
	LastCapture time.Time `json:"last_capture,omitempty"`
	LastPath    string    `json:"last_path,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	NextRun     time.Time `json:"next_run,omitempty"`
}

// DefaultConfig はデフォルトのタイムラプス設定を返す
func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		Interval: time.Minute,
	}
}
