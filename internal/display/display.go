// Package display は直近の撮影結果の表示用情報を保持する
package display

import (
	"sync"

	"github.com/sirupsen/logrus"

	"hitotsume/internal/camera"
	"hitotsume/internal/logging"
)

// Board は直近の撮影結果を1件だけ保持する掲示板
// コントローラからは書き込みのみ行われ、UI から読み出される
type Board struct {
	mu      sync.RWMutex
	info    camera.DisplayInfo
	present bool
	log     logrus.FieldLogger
}

// NewBoard は新しいBoardを作成する
func NewBoard(log logrus.FieldLogger) *Board {
	if log == nil {
		log = logging.Logger()
	}
	return &Board{log: log.WithField("component", "display")}
}

// ShowPhoto は表示内容を置き換える
func (b *Board) ShowPhoto(info camera.DisplayInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()

	info.Metadata = append(camera.Metadata(nil), info.Metadata...)
	b.info = info
	b.present = true
	b.log.WithField("path", info.Path).Debug("表示内容を更新しました")
}

// Current は現在の表示内容を返す（まだ撮影が無ければ false）
func (b *Board) Current() (camera.DisplayInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	info := b.info
	info.Metadata = append(camera.Metadata(nil), b.info.Metadata...)
	return info, b.present
}

// Hide は表示を非表示にする
func (b *Board) Hide() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.info.Hidden = true
}
