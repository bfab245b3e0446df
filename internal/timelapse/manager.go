package timelapse

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"hitotsume/internal/logging"
)

// Manager はタイムラプス撮影のスケジュールを管理する
type Manager struct {
	capturer Capturer
	config   Config
	log      logrus.FieldLogger

	mu        sync.RWMutex
	scheduler *cron.Cron
	entry     cron.EntryID
	capture   *Capture
	status    Status
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewManager は新しいManagerを作成する
func NewManager(capturer Capturer, config Config, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logging.Logger()
	}
	return &Manager{
		capturer: capturer,
		config:   config,
		log:      log.WithField("component", "timelapse"),
		status:   StatusStopped,
	}
}

// Start はスケジュールに従った撮影を開始する
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.config.Enabled {
		m.log.Info("タイムラプス機能は無効です")
		return nil
	}
	if m.scheduler != nil {
		return errors.New("タイムラプスは既に開始されています")
	}

	schedule, err := m.parseSchedule()
	if err != nil {
		return err
	}

	series := m.config.Series
	if series == "" {
		series = "timelapse_" + time.Now().Format("20060102_150405")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.capture = NewCapture(m.capturer, series, m.config.MaxShots, m.log)
	m.scheduler = cron.New(
		cron.WithLogger(cron.PrintfLogger(m.log)),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(m.log))),
	)
	m.entry = m.scheduler.Schedule(schedule, cron.FuncJob(m.run))
	m.scheduler.Start()
	m.status = StatusRunning

	m.log.WithFields(logrus.Fields{
		"series":   series,
		"schedule": m.describeSchedule(),
	}).Info("タイムラプスを開始しました")
	return nil
}

// Stop は撮影を停止し、実行中の撮影の終了を待つ
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	scheduler := m.scheduler
	cancel := m.cancel
	m.scheduler = nil
	if m.status == StatusRunning {
		m.status = StatusStopped
	}
	m.mu.Unlock()

	if scheduler == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "タイムラプスの停止待ちが中断されました")
	}

	m.log.Info("タイムラプスを停止しました")
	return nil
}

// Status はタイムラプスの状態を返す
func (m *Manager) Status() StatusInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := StatusInfo{
		Enabled:  m.config.Enabled,
		Status:   m.status,
		Schedule: m.describeSchedule(),
	}
	if m.capture != nil {
		m.capture.fill(&info)
	}
	if m.scheduler != nil {
		info.NextRun = m.scheduler.Entry(m.entry).Next
	}
	return info
}

// GetConfig は設定を取得する
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// run は cron から呼ばれる1回分のジョブ
func (m *Manager) run() {
	m.mu.RLock()
	capture, ctx := m.capture, m.ctx
	m.mu.RUnlock()

	if capture == nil || ctx.Err() != nil {
		return
	}
	if !capture.Shoot(ctx) {
		return
	}

	// 実行中のジョブから Stop を呼ぶと自身の終了を待ってしまうため別ゴルーチンで止める
	m.mu.Lock()
	m.status = StatusCompleted
	m.mu.Unlock()
	go func() {
		if err := m.Stop(context.Background()); err != nil {
			m.log.WithError(err).Warn("タイムラプスの停止に失敗しました")
		}
	}()
}

func (m *Manager) parseSchedule() (cron.Schedule, error) {
	if m.config.Schedule != "" {
		schedule, err := cron.ParseStandard(m.config.Schedule)
		if err != nil {
			return nil, errors.Wrapf(err, "不正なcron式: %q", m.config.Schedule)
		}
		return schedule, nil
	}
	if m.config.Interval < time.Second {
		return nil, errors.Errorf("撮影間隔は1秒以上が必要です: %s", m.config.Interval)
	}
	return cron.Every(m.config.Interval), nil
}

func (m *Manager) describeSchedule() string {
	if m.config.Schedule != "" {
		return m.config.Schedule
	}
	return "@every " + m.config.Interval.String()
}
