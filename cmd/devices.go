package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"hitotsume/internal/camera"
)

// NewDevicesCommand は devices コマンドを作成する
func NewDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "利用可能なカメラデバイスを一覧表示する",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return listDevices(ctx, camera.NewLinuxDiscovery())
		},
	}
}

func listDevices(ctx context.Context, discovery camera.Discovery) error {
	devices, err := discovery.ScanDevices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		color.New(color.FgYellow).Println("MJPEG対応のカメラが見つかりませんでした")
		return nil
	}

	for i, device := range devices {
		info, err := discovery.GetDeviceInfo(ctx, device)
		if err != nil {
			fmt.Printf("%d. %s %s\n", i+1, device, color.New(color.FgRed).Sprint(err))
			continue
		}

		fmt.Printf("%d. %s (%s)\n", i+1, color.New(color.FgCyan).Sprint(info.Name), info.Device)
		if len(info.Formats) > 0 {
			fmt.Printf("   フォーマット: %s\n", strings.Join(info.Formats, ", "))
		}
		if len(info.Sizes) > 0 {
			sizes := make([]string, 0, len(info.Sizes))
			for _, s := range info.Sizes {
				sizes = append(sizes, fmt.Sprintf("%dx%d", s.Width, s.Height))
			}
			color.New(color.Faint).Printf("   解像度: %s\n", strings.Join(sizes, ", "))
		}
	}
	return nil
}
