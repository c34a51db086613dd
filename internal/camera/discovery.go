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
	"sync"
	"time"
)

var videoNodePattern = regexp.MustCompile(`^video(\d+)$`)

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// DeviceName はデバイスの表示名を返す
	DeviceName(ctx context.Context, device string) string
}

// nodeInfo はデバイスノードを調べた結果
type nodeInfo struct {
	capture bool   // カラーフォーマットでキャプチャできるか
	card    string // ドライバが報告するカード名
}

// inspectFunc はデバイスノードの対応フォーマットとカード名を調べる
type inspectFunc func(ctx context.Context, device string) (nodeInfo, error)

// LinuxDiscovery はLinux環境でのV4L2デバイス検出を実装する
type LinuxDiscovery struct {
	devDir  string
	inspect inspectFunc

	mu    sync.Mutex
	cards map[string]string // 直近のスキャンで得たカード名
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
//
// v4l2-ctlがあればそれを使い、なければデバイスを直接開いて調べる。
func NewLinuxDiscovery(devDir string) *LinuxDiscovery {
	if devDir == "" {
		devDir = "/dev"
	}
	inspect := inspectWebcam
	if _, err := exec.LookPath("v4l2-ctl"); err == nil {
		inspect = inspectV4L2Ctl
	}
	return &LinuxDiscovery{
		devDir:  devDir,
		inspect: inspect,
	}
}

// ScanDevices はdevDir配下のvideo*デバイスのうち、カラーでキャプチャできるものを番号順に返す
//
// 1台のカメラが複数のノード（メタデータ用など）を持つ場合があるため、
// 同じカード名のノードは最も小さい番号のものだけを残す。
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(d.devDir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	var candidates []string
	for _, match := range matches {
		if IsVideoNode(match) {
			candidates = append(candidates, match)
		}
	}

	// デバイス番号でソート
	sort.Slice(candidates, func(i, j int) bool {
		return extractDeviceNumber(candidates[i]) < extractDeviceNumber(candidates[j])
	})

	var devices []string
	cards := make(map[string]string)
	seen := make(map[string]bool)
	for _, device := range candidates {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if !d.isReadable(device) {
			continue
		}
		// 調べられないノードは向きを割り当てられないので除外する
		info, err := d.inspect(ctx, device)
		if err != nil || !info.capture {
			continue
		}
		if info.card != "" {
			if seen[info.card] {
				continue
			}
			seen[info.card] = true
			cards[device] = info.card
		}
		devices = append(devices, device)
	}

	d.mu.Lock()
	d.cards = cards
	d.mu.Unlock()

	return devices, nil
}

// DeviceName はスキャン時に得たカード名を返す。取得できていない場合は番号から生成する
func (d *LinuxDiscovery) DeviceName(_ context.Context, device string) string {
	d.mu.Lock()
	name := d.cards[device]
	d.mu.Unlock()
	if name != "" {
		return name
	}
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

func (d *LinuxDiscovery) isReadable(device string) bool {
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// inspectV4L2Ctl はv4l2-ctlでフォーマットとカード名を調べる
func inspectV4L2Ctl(ctx context.Context, device string) (nodeInfo, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(cctx, "v4l2-ctl", "--device", device, "--list-formats-ext").Output()
	if err != nil {
		return nodeInfo{}, fmt.Errorf("%s のフォーマット取得に失敗: %w", device, err)
	}

	return nodeInfo{
		capture: hasColorFormat(string(output)),
		card:    v4l2CardType(ctx, device),
	}, nil
}

// hasColorFormat はv4l2-ctl --list-formats-extの出力にカラーフォーマットが含まれるかを返す
//
// GREYのみの赤外線カメラなどは含まれない。
func hasColorFormat(output string) bool {
	return strings.Contains(output, "YUYV") || strings.Contains(output, "MJPG") || strings.Contains(output, "NV21")
}

// v4l2CardType はv4l2-ctl --infoのCard typeを返す
func v4l2CardType(ctx context.Context, device string) string {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(cctx, "v4l2-ctl", "--device", device, "--info").Output()
	if err != nil {
		return ""
	}
	return parseCardType(string(output))
}

// parseCardType はv4l2-ctl --infoの出力から"Card type"の値を取り出す
func parseCardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
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

// IsVideoNode はパスがvideoNN形式のデバイスノードかを返す
func IsVideoNode(path string) bool {
	return videoNodePattern.MatchString(filepath.Base(path))
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := videoNodePattern.FindStringSubmatch(filepath.Base(device))
	if len(matches) < 2 {
		return 0
	}
	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// ClassifyDevices はデバイスに向きを割り当てる
//
// facingsに明示されたデバイスはその向きを使う。残りは先頭から順に、
// まだ割り当てられていない背面、前面の順で割り当て、それ以外は除外する。
func ClassifyDevices(devices []string, names map[string]string, facings map[string]Facing) []DeviceInfo {
	assigned := make(map[Facing]bool)
	for _, device := range devices {
		if f, ok := facings[device]; ok {
			assigned[f] = true
		}
	}

	infos := make([]DeviceInfo, 0, len(devices))
	for _, device := range devices {
		facing, explicit := facings[device]
		if !explicit {
			switch {
			case !assigned[FacingBack]:
				facing = FacingBack
			case !assigned[FacingFront]:
				facing = FacingFront
			default:
				continue
			}
			assigned[facing] = true
		}

		name := names[device]
		if name == "" {
			name = filepath.Base(device)
		}
		infos = append(infos, DeviceInfo{
			ID:     DeviceID(device),
			Name:   name,
			Facing: facing,
		})
	}
	return infos
}

// enumerateWithDiscovery はDiscoveryでスキャンしたデバイスを向き付きで返す
func enumerateWithDiscovery(ctx context.Context, d Discovery, facings map[string]Facing) ([]DeviceInfo, error) {
	devices, err := d.ScanDevices(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(devices))
	for _, device := range devices {
		names[device] = d.DeviceName(ctx, device)
	}
	return ClassifyDevices(devices, names, facings), nil
}
