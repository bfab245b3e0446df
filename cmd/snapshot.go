package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"hitotsume/internal/camera"
)

// SnapshotOptions は snapshot コマンドのオプション
type SnapshotOptions struct {
	Dir      string
	Filename string
	Driver   string
}

// NewSnapshotCommand は snapshot コマンドを作成する
func NewSnapshotCommand() *cobra.Command {
	opts := &SnapshotOptions{}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "静止画を1枚撮影して保存する",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", "", "保存先ディレクトリ（写真ディレクトリからの相対パス）")
	cmd.Flags().StringVarP(&opts.Filename, "name", "n", "", "ファイル名（拡張子なし）")
	cmd.Flags().StringVar(&opts.Driver, "driver", "", "カメラドライバ (v4l2 または mock)")

	return cmd
}

func runSnapshot(ctx context.Context, opts *SnapshotOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.Driver != "" {
		cfg.Camera.Driver = opts.Driver
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	result, err := a.controller.CaptureStill(ctx, camera.CaptureRequest{
		Dir:      opts.Dir,
		Filename: opts.Filename,
	})
	if err != nil {
		color.New(color.FgRed).Printf("撮影に失敗しました: %v\n", err)
		return err
	}

	color.New(color.FgGreen).Printf("撮影しました: %s\n", result.Path)
	fmt.Printf("  サイズ: %d bytes\n", result.Size)
	fmt.Printf("  撮影日時: %s\n", result.CapturedAt.Format("2006-01-02 15:04:05"))

	if len(result.Metadata) > 0 {
		fmt.Println("  メタデータ:")
		for _, entry := range result.Metadata {
			fmt.Printf("    %s: %s\n", color.New(color.FgCyan).Sprint(entry.Key), entry.Value)
		}
		if result.Truncated {
			color.New(color.Faint).Printf("    ... 全 %d 件\n", result.TotalEntries)
		}
	}
	return nil
}
