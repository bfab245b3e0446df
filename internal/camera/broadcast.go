package camera

import (
	"context"
	"sync"

	"k8s.io/utils/clock"
)

// FrameBroadcast は最新フレームだけを保持するスロット
// 待機中の全コンシューマを publish のたびに起こす
type FrameBroadcast struct {
	clock clock.PassiveClock

	mu      sync.Mutex
	frame   Frame
	version uint64
	changed chan struct{} // publish のたびにクローズして作り直す
}

// NewFrameBroadcast は新しいFrameBroadcastを作成する
// フレームの時刻は clk で打つ（nil なら実時間）
func NewFrameBroadcast(clk clock.PassiveClock) *FrameBroadcast {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &FrameBroadcast{
		clock:   clk,
		changed: make(chan struct{}),
	}
}

// Publish は保持フレームを置き換えて待機中の全コンシューマを起こす
func (b *FrameBroadcast) Publish(data []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.version++
	b.frame = Frame{
		Data:      data,
		Version:   b.version,
		Timestamp: b.clock.Now(),
	}

	close(b.changed)
	b.changed = make(chan struct{})

	return b.version
}

// AwaitNext は lastSeen より新しいフレームが公開されるまで待つ
// 待機中に複数回 publish された場合は最新のものだけを返す
func (b *FrameBroadcast) AwaitNext(ctx context.Context, lastSeen uint64) (Frame, error) {
	b.mu.Lock()
	for b.version <= lastSeen {
		ch := b.changed
		b.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}

		b.mu.Lock()
	}
	frame := b.frame
	b.mu.Unlock()

	return frame, nil
}

// Latest は現在保持しているフレームを返す（まだ無ければ false）
func (b *FrameBroadcast) Latest() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame, b.version > 0
}

// Version は最新のバージョン番号を返す
func (b *FrameBroadcast) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}
