package cmd

import (
	"context"
	"net"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"hitotsume/internal/server"
	"hitotsume/internal/timelapse"
)

// ServeOptions は serve コマンドのオプション
type ServeOptions struct {
	Host   string
	Port   int
	Driver string
	Device string
}

// NewServeCommand は serve コマンドを作成する
func NewServeCommand() *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "HTTPサーバーを起動する",
		Long:  `ライブビュー配信 (/video_feed, /ws) と撮影・録画APIを提供するHTTPサーバーを起動します。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", 0, "サーバーのポート (デフォルト: 8080)")
	cmd.Flags().StringVar(&opts.Driver, "driver", "", "カメラドライバ (v4l2 または mock)")
	cmd.Flags().StringVar(&opts.Device, "device", "", "カメラデバイスのパス")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	// コマンドラインオプションで設定を上書き
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}
	if opts.Driver != "" {
		cfg.Camera.Driver = opts.Driver
	}
	if opts.Device != "" {
		cfg.Camera.Device = opts.Device
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	deps := server.Dependencies{
		Camera:  a.controller,
		Storage: a.store,
		Display: a.board,
	}

	var tl *timelapse.Manager
	if cfg.Timelapse.Enabled {
		tl = timelapse.NewManager(a.controller, cfg.Timelapse, log)
		if err := tl.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := tl.Stop(context.Background()); err != nil {
				log.WithError(err).Warn("タイムラプスの停止に失敗しました")
			}
		}()
		deps.Timelapse = tl
	}

	if !globals.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(cfg, deps, log)
	srv.OnReady = func(addr net.Addr) {
		log.WithField("addr", addr.String()).Info("hitotsume サーバーを起動しました")
		if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			log.WithError(err).Warn("systemdへの通知に失敗しました")
		} else if ok {
			log.Debug("systemdに起動完了を通知しました")
		}
	}

	err = srv.Start(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}
