package camera

import (
	"fmt"
	"log/slog"
	"sort"
)

// ドライバ名
const (
	DriverV4L2   = "v4l2"
	DriverFFmpeg = "ffmpeg"
	DriverMock   = "mock"
)

// DriverConfig はドライバ作成設定
type DriverConfig struct {
	V4L2   V4L2Config
	FFmpeg FFmpegConfig
	Mock   MockConfig
}

// MockConfig はmockドライバの設定
type MockConfig struct {
	Back   bool        // 背面カメラを持つか
	Front  bool        // 前面カメラを持つか
	Width  int         // プレビュー幅
	Height int         // プレビュー高さ
	Format PixelFormat // 画素フォーマット
	FPS    int         // 合成フレームの生成レート
}

// PlatformCreator はPlatform作成関数の型
type PlatformCreator func(cfg DriverConfig, logger *slog.Logger) (Platform, error)

// Registry はドライバ名からPlatformを作成する
type Registry struct {
	creators map[string]PlatformCreator
}

// NewRegistry は標準のドライバを登録したRegistryを作成する
func NewRegistry() *Registry {
	r := &Registry{
		creators: make(map[string]PlatformCreator),
	}

	r.Register(DriverV4L2, func(cfg DriverConfig, logger *slog.Logger) (Platform, error) {
		return NewV4L2Platform(cfg.V4L2, logger), nil
	})
	r.Register(DriverFFmpeg, func(cfg DriverConfig, logger *slog.Logger) (Platform, error) {
		return NewFFmpegPlatform(cfg.FFmpeg, logger), nil
	})
	r.Register(DriverMock, func(cfg DriverConfig, _ *slog.Logger) (Platform, error) {
		return NewMockPlatformFromConfig(cfg.Mock), nil
	})

	return r
}

// Register はドライバを登録する。同名の登録は上書きする
func (r *Registry) Register(name string, creator PlatformCreator) {
	r.creators[name] = creator
}

// Create はドライバ名に対応するPlatformを作成する
func (r *Registry) Create(name string, cfg DriverConfig, logger *slog.Logger) (Platform, error) {
	creator, exists := r.creators[name]
	if !exists {
		return nil, fmt.Errorf("サポートされていないドライバ: %s", name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return creator(cfg, logger)
}

// Drivers は登録されているドライバ名をソートして返す
func (r *Registry) Drivers() []string {
	names := make([]string, 0, len(r.creators))
	for name := range r.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewMockPlatformFromConfig は設定からMockPlatformを作成する
func NewMockPlatformFromConfig(cfg MockConfig) *MockPlatform {
	m := NewMockPlatformWithFacings(cfg.Back, cfg.Front)
	width, height, format := cfg.Width, cfg.Height, cfg.Format
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}
	if format == "" {
		format = PixelFormatNV21
	}
	m.SetPreviewSize(width, height, format)
	m.SetFrameRate(cfg.FPS)
	return m
}
