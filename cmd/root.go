// Package cmd は hitotsume のコマンドライン実装です
package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"hitotsume/internal/config"
	"hitotsume/internal/logging"
)

// globalOptions は全サブコマンド共通のオプション
type globalOptions struct {
	ConfigPath string
	Verbose    bool
}

var (
	globals = &globalOptions{}

	rootCmd = &cobra.Command{
		Use:   config.AppName,
		Short: "1台のカメラを共有するライブビュー/撮影サーバー",
		Long: `hitotsume は1台のカメラをライブビュー配信・静止画撮影・録画で共有するサーバーです。
同時にハードウェアを使えるのは1つのモードだけで、撮影後は自動的にライブビューへ戻ります。`,
		SilenceUsage: true,
	}
)

// Execute はルートコマンドを実行する
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globals.ConfigPath, "config", "c", "", "設定ファイルのパス")
	rootCmd.PersistentFlags().BoolVarP(&globals.Verbose, "verbose", "v", false, "デバッグログを出力する")

	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewSnapshotCommand())
	rootCmd.AddCommand(NewDevicesCommand())
}

// loadConfig は設定を読み込み、ロガーを初期化する
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		return nil, nil, err
	}

	level := cfg.Log.Level
	if globals.Verbose {
		level = "debug"
	}
	log := logging.Setup(level, cfg.Log.Format)
	return cfg, log, nil
}
