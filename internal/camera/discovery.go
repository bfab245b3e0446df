package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
)

// Discovery はカメラデバイスの検出を行う
type Discovery interface {
	// ScanDevices は利用可能なデバイスパスを番号順に返す
	ScanDevices(ctx context.Context) ([]string, error)
	// IsDeviceAvailable はデバイスが利用可能か判定する
	IsDeviceAvailable(ctx context.Context, device string) bool
	// GetDeviceInfo はデバイスの詳細情報を返す
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// DeviceInfo は検出したデバイスの情報
type DeviceInfo struct {
	Device  string   `json:"device"`
	Name    string   `json:"name"`
	Driver  string   `json:"driver"`
	Sizes   []Size   `json:"sizes"`
	Formats []string `json:"formats"`
}

// DefaultDevice は最初に見つかったデバイスを返す
func DefaultDevice(ctx context.Context, d Discovery) (string, error) {
	devices, err := d.ScanDevices(ctx)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", errors.Wrap(ErrDeviceUnavailable, "カメラデバイスが見つかりません")
	}
	return devices[0], nil
}

var deviceNumberPattern = regexp.MustCompile(`video(\d+)`)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct{}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{}
}

// ScanDevices はシステム内の MJPEG 対応デバイスをスキャンする
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, errors.Wrap(err, "デバイスのスキャンに失敗")
	}

	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	seen := make(map[string]bool)
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if !d.IsDeviceAvailable(ctx, match) {
			continue
		}
		formats := d.formats(match)
		if !containsString(formats, "MJPEG") {
			continue
		}

		// 同じ物理カメラの複数ノードは最小番号のみ採用
		name := d.getV4L2DeviceName(ctx, match)
		if name != "" {
			if seen[name] {
				continue
			}
			seen[name] = true
		}
		devices = append(devices, match)
	}

	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if matched, _ := regexp.MatchString(`^/dev/video\d+$`, device); !matched {
		return false
	}
	if _, err := os.Stat(device); err != nil {
		return false
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo はデバイスの詳細情報を取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "%s", device)
	}

	info := &DeviceInfo{
		Device: device,
		Name:   d.generateDeviceName(ctx, device),
		Driver: "v4l2",
	}

	cam, err := webcam.Open(device)
	if err != nil {
		// 使用中のデバイスは名前だけ返す
		return info, nil
	}
	defer func() {
		_ = cam.Close()
	}()

	for format, desc := range cam.GetSupportedFormats() {
		info.Formats = append(info.Formats, formatName(format, desc))
		if format != formatMJPEG {
			continue
		}
		for _, fs := range cam.GetSupportedFrameSizes(format) {
			info.Sizes = append(info.Sizes, Size{Width: int(fs.MaxWidth), Height: int(fs.MaxHeight)})
		}
	}
	sort.Strings(info.Formats)

	return info, nil
}

func (d *LinuxDiscovery) formats(device string) []string {
	cam, err := webcam.Open(device)
	if err != nil {
		return nil
	}
	defer func() {
		_ = cam.Close()
	}()

	var formats []string
	for format, desc := range cam.GetSupportedFormats() {
		formats = append(formats, formatName(format, desc))
	}
	return formats
}

// generateDeviceName はデバイスパスから表示名を生成する
func (d *LinuxDiscovery) generateDeviceName(ctx context.Context, device string) string {
	if realName := d.getV4L2DeviceName(ctx, device); realName != "" {
		return realName
	}
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

// getV4L2DeviceName はv4l2-ctlを使って実際のデバイス名を取得する
func (d *LinuxDiscovery) getV4L2DeviceName(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info").Output()
	if err != nil {
		return ""
	}

	// "Card type" の行からカメラ名を抽出
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

func formatName(format webcam.PixelFormat, desc string) string {
	if format == formatMJPEG {
		return "MJPEG"
	}
	return desc
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := deviceNumberPattern.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}
	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	devices     []string
	deviceInfos map[string]*DeviceInfo
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	m := &MockDiscovery{deviceInfos: make(map[string]*DeviceInfo)}
	for _, device := range devices {
		m.AddDevice(device)
	}
	return m
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	return append([]string(nil), m.devices...), nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	return containsString(m.devices, device)
}

// GetDeviceInfo はモックデバイス情報を取得する
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, device string) (*DeviceInfo, error) {
	info, exists := m.deviceInfos[device]
	if !exists {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "%s", device)
	}
	result := *info
	return &result, nil
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device string) {
	if containsString(m.devices, device) {
		return
	}
	m.devices = append(m.devices, device)
	m.deviceInfos[device] = &DeviceInfo{
		Device:  device,
		Name:    fmt.Sprintf("テストカメラ %d", len(m.devices)),
		Driver:  "mock",
		Sizes:   []Size{{Width: 640, Height: 480}, {Width: 1280, Height: 720}},
		Formats: []string{"MJPEG"},
	}
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.deviceInfos, device)
}
