package camera

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"k8s.io/utils/clock"
)

const (
	// DefaultPollInterval は停止待ちのポーリング間隔
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultStopTimeout は停止待ちの上限（約200回のポーリング）
	DefaultStopTimeout = 2 * time.Second
)

// stopToken は取得スレッド1つに対する協調停止フラグ
type stopToken struct {
	requested *atomic.Bool
	done      chan struct{}
	once      sync.Once
}

func newStopToken() *stopToken {
	return &stopToken{
		requested: atomic.NewBool(false),
		done:      make(chan struct{}),
	}
}

// Request は停止を要求する（何度呼んでもよい）
func (t *stopToken) Request() {
	t.requested.Store(true)
	t.once.Do(func() { close(t.done) })
}

// Requested は停止が要求されているか返す
func (t *stopToken) Requested() bool {
	return t.requested.Load()
}

// Done は停止要求時にクローズされるチャンネルを返す
func (t *stopToken) Done() <-chan struct{} {
	return t.done
}

// StopCoordinator は取得スレッドの協調停止と上限付き待機を担う
// 同時に管理するスレッドハンドルは高々1つ
type StopCoordinator struct {
	clock        clock.Clock
	pollInterval time.Duration
	timeout      time.Duration

	mu     sync.Mutex
	thread *acquisitionThread
}

// NewStopCoordinator は新しいStopCoordinatorを作成する
func NewStopCoordinator(clk clock.Clock, pollInterval, timeout time.Duration) *StopCoordinator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	return &StopCoordinator{
		clock:        clk,
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

// attach は新しいスレッドハンドルを登録する
func (s *StopCoordinator) attach(t *acquisitionThread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.thread != nil {
		return errors.Wrapf(ErrThreadActive, "thread %s", s.thread.id)
	}
	s.thread = t
	return nil
}

// RequestStop は現在のスレッドに停止フラグを立てる
func (s *StopCoordinator) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.thread != nil {
		s.thread.token.Request()
	}
}

// WaitStopped はスレッドの終了をポーリングで待つ
// 終了すればハンドルをクリアし、timeout を超えたら ErrStopTimeout を返す
func (s *StopCoordinator) WaitStopped() error {
	s.mu.Lock()
	t := s.thread
	s.mu.Unlock()

	if t == nil {
		return nil
	}

	polls := int(s.timeout / s.pollInterval)
	if polls < 1 {
		polls = 1
	}

	for i := 0; ; i++ {
		if t.finished() {
			s.mu.Lock()
			if s.thread == t {
				s.thread = nil
			}
			s.mu.Unlock()
			return nil
		}
		if i >= polls {
			break
		}
		s.clock.Sleep(s.pollInterval)
	}

	return errors.Wrapf(ErrStopTimeout, "thread %s did not stop within %s", t.id, s.timeout)
}

// Active はスレッドハンドルが登録されているか返す
func (s *StopCoordinator) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thread != nil
}

// ThreadID は現在のスレッドIDを返す（無ければ空文字）
func (s *StopCoordinator) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.thread == nil {
		return ""
	}
	return s.thread.id
}

// detach はリセット用に停止を要求したうえでハンドルを強制的に外す
func (s *StopCoordinator) detach() *acquisitionThread {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread
	if t != nil {
		t.token.Request()
	}
	s.thread = nil
	return t
}
