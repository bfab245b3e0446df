package camera

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"k8s.io/utils/clock"
)

const (
	// DefaultWarmUp はストリーミング設定後に露出/フォーカスが安定するまでの待ち時間
	DefaultWarmUp = 2 * time.Second
	// DefaultFrameTimeout は1フレームあたりの取得待ち上限
	DefaultFrameTimeout = time.Second
	// defaultErrorBackoff は取得エラー後の再試行間隔
	defaultErrorBackoff = 50 * time.Millisecond
)

type acquisitionConfig struct {
	source       FrameSource
	broadcast    *FrameBroadcast
	clock        clock.Clock
	warmUp       time.Duration
	frameTimeout time.Duration
	errorBackoff time.Duration
	log          logrus.FieldLogger
}

// acquisitionThread はデバイスからフレームを取り出して FrameBroadcast に公開するワーカー
// 終了時にハードウェアセッションは止めない（コントローラが終了確認後に止める）
type acquisitionThread struct {
	id        string
	token     *stopToken
	done      chan struct{}
	published *atomic.Uint64
}

func newAcquisitionThread() *acquisitionThread {
	return &acquisitionThread{
		id:        uuid.New().String(),
		token:     newStopToken(),
		done:      make(chan struct{}),
		published: atomic.NewUint64(0),
	}
}

// start はワーカーゴルーチンを起動する
func (t *acquisitionThread) start(cfg acquisitionConfig) {
	if cfg.clock == nil {
		cfg.clock = clock.RealClock{}
	}
	if cfg.frameTimeout <= 0 {
		cfg.frameTimeout = DefaultFrameTimeout
	}
	if cfg.errorBackoff <= 0 {
		cfg.errorBackoff = defaultErrorBackoff
	}
	go t.run(cfg)
}

// finished はワーカーが終了したか返す
func (t *acquisitionThread) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *acquisitionThread) run(cfg acquisitionConfig) {
	defer close(t.done)

	log := cfg.log.WithField("thread", t.id)
	log.Info("取得スレッドを開始しました")
	defer func() {
		log.WithField("published", t.published.Load()).Info("取得スレッドを終了しました")
	}()

	// ウォームアップ中も停止要求は受け付ける
	if cfg.warmUp > 0 {
		select {
		case <-t.token.Done():
			return
		case <-cfg.clock.After(cfg.warmUp):
		}
	}

	for !t.token.Requested() {
		data, err := cfg.source.NextFrame(cfg.frameTimeout)
		if t.token.Requested() {
			return
		}

		if err != nil {
			if errors.Is(err, ErrFrameTimeout) {
				log.Debug("フレーム待ちがタイムアウトしました")
				continue
			}
			log.WithError(err).Warn("フレーム取得に失敗しました")
			select {
			case <-t.token.Done():
				return
			case <-cfg.clock.After(cfg.errorBackoff):
			}
			continue
		}

		if len(data) == 0 {
			continue
		}

		version := cfg.broadcast.Publish(data)
		t.published.Inc()
		log.WithField("version", version).Debug("フレームを公開しました")
	}
}
