package timelapse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"hitotsume/internal/camera"
)

// Capture は1つのシリーズの撮影と集計を管理する
type Capture struct {
	capturer Capturer
	series   string
	maxShots int
	log      logrus.FieldLogger

	captured *atomic.Int64
	skipped  *atomic.Int64
	failed   *atomic.Int64

	mu          sync.RWMutex
	lastCapture time.Time
	lastPath    string
	lastErr     error
}

// NewCapture は新しいCaptureを作成する
func NewCapture(capturer Capturer, series string, maxShots int, log logrus.FieldLogger) *Capture {
	return &Capture{
		capturer: capturer,
		series:   series,
		maxShots: maxShots,
		log:      log.WithField("series", series),
		captured: atomic.NewInt64(0),
		skipped:  atomic.NewInt64(0),
		failed:   atomic.NewInt64(0),
	}
}

// Shoot は1枚撮影する。上限枚数に達したら true を返す
// カメラが録画中やエラー状態なら撮影を見送る
func (c *Capture) Shoot(ctx context.Context) bool {
	if c.Completed() {
		return true
	}

	seq := c.captured.Load() + 1
	req := camera.CaptureRequest{
		Dir:      c.series,
		Filename: fmt.Sprintf("%s_%05d", c.series, seq),
	}

	result, err := c.capturer.CaptureStill(ctx, req)
	switch {
	case errors.Is(err, camera.ErrBusy), errors.Is(err, camera.ErrFaulted):
		c.skipped.Inc()
		c.log.WithError(err).Warn("カメラが使用できないため撮影を見送りました")
		return false
	case err != nil:
		c.failed.Inc()
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.log.WithError(err).Error("タイムラプス撮影に失敗しました")
		return false
	}

	n := c.captured.Inc()
	c.mu.Lock()
	c.lastCapture = result.CapturedAt
	c.lastPath = result.Path
	c.lastErr = nil
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"seq":  n,
		"path": result.Path,
	}).Info("タイムラプス撮影しました")

	return c.Completed()
}

// Completed は上限枚数に達したか返す
func (c *Capture) Completed() bool {
	return c.maxShots > 0 && c.captured.Load() >= int64(c.maxShots)
}

// fill は集計結果を StatusInfo に書き込む
func (c *Capture) fill(info *StatusInfo) {
	info.Series = c.series
	info.Captured = c.captured.Load()
	info.Skipped = c.skipped.Load()
	info.Failed = c.failed.Load()

	c.mu.RLock()
	defer c.mu.RUnlock()
	info.LastCapture = c.lastCapture
	info.LastPath = c.lastPath
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}
}
