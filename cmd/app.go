package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hitotsume/internal/camera"
	"hitotsume/internal/config"
	"hitotsume/internal/display"
	"hitotsume/internal/storage"
)

// app はコマンド間で共有するコンポーネント一式
type app struct {
	config     *config.Config
	log        *logrus.Logger
	controller *camera.Controller
	store      *storage.Store
	board      *display.Board
	properties *config.PropertyStore
}

// newApp は設定からカメラコントローラと周辺コンポーネントを組み立てる
func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	store, err := storage.New(cfg.Storage.PhotoDir, cfg.Storage.VideoDir, log)
	if err != nil {
		return nil, err
	}
	board := display.NewBoard(log)

	props := config.NewPropertyStore(cfg.Camera.PropertiesCache, log)
	if _, err := props.Load(); err != nil {
		log.WithError(err).Warn("保存済みのカメラ固有情報を読み込めませんでした")
	}

	driver, err := newDriver(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	opts := cfg.ControllerOptions()
	opts.Logger = log
	props.Apply(&opts)

	controller := camera.NewController(driver, camera.Collaborators{
		Photos:     store,
		Display:    board,
		Properties: props,
	}, opts)

	return &app{
		config:     cfg,
		log:        log,
		controller: controller,
		store:      store,
		board:      board,
		properties: props,
	}, nil
}

// newDriver は設定されたドライバを作成する
// デバイスパスが空なら最初に見つかった MJPEG 対応デバイスを使う
func newDriver(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (camera.Driver, error) {
	switch cfg.Camera.Driver {
	case "mock":
		log.Warn("モックカメラを使用します")
		return camera.NewMockDriver(), nil
	case "v4l2":
		device := cfg.Camera.Device
		if device == "" {
			found, err := camera.DefaultDevice(ctx, camera.NewLinuxDiscovery())
			if err != nil {
				return nil, err
			}
			device = found
		}
		log.WithField("device", device).Info("カメラデバイスを使用します")
		return camera.NewV4L2Driver(device, cfg.Camera.Name), nil
	default:
		return nil, errors.Errorf("無効なカメラドライバ: %q", cfg.Camera.Driver)
	}
}

// Close はカメラを解放する
func (a *app) Close(ctx context.Context) {
	if err := a.controller.Close(ctx); err != nil {
		a.log.WithError(err).Warn("カメラの停止に失敗しました")
	}
}
