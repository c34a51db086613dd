package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"previewcam/internal/camera"
	"previewcam/internal/logging"
	"previewcam/internal/snapshot"
)

// 環境変数のプレフィックス
const envPrefix = "PREVIEWCAM_"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Camera   CameraConfig   `yaml:"camera" toml:"camera"`
	Snapshot SnapshotConfig `yaml:"snapshot" toml:"snapshot"`
	Logging  logging.Config `yaml:"logging" toml:"logging"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"` // リッスンするホスト
	Port int    `yaml:"port" toml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  Duration `yaml:"read_timeout" toml:"read_timeout"`   // 読み込みタイムアウト
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout"` // 書き込みタイムアウト

	Hotplug bool `yaml:"hotplug" toml:"hotplug"` // デバイスの追加・削除を監視して再初期化する
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Driver    string `yaml:"driver" toml:"driver"`         // v4l2, ffmpeg, mock
	DevDir    string `yaml:"dev_dir" toml:"dev_dir"`       // デバイスノードのディレクトリ
	AutoStart bool   `yaml:"auto_start" toml:"auto_start"` // 起動時にキャプチャを開始する

	// プレビュー設定
	Width   int      `yaml:"width" toml:"width"`     // 要求するプレビュー幅
	Height  int      `yaml:"height" toml:"height"`   // 要求するプレビュー高さ
	FPS     int      `yaml:"fps" toml:"fps"`         // フレームレート (fps)
	Formats []string `yaml:"formats" toml:"formats"` // 優先順の画素フォーマット

	// デバイスパスごとの向き（例: /dev/video2: front）
	Facings map[string]string `yaml:"facings" toml:"facings"`

	BufferCount  int      `yaml:"buffer_count" toml:"buffer_count"`   // V4L2のバッファ数
	FrameTimeout Duration `yaml:"frame_timeout" toml:"frame_timeout"` // フレーム待ちのタイムアウト
	JPEGQuality  int      `yaml:"jpeg_quality" toml:"jpeg_quality"`   // 配信用JPEGの品質

	FFmpeg FFmpegConfig `yaml:"ffmpeg" toml:"ffmpeg"`
	Mock   MockConfig   `yaml:"mock" toml:"mock"`
}

// FFmpegConfig はffmpegドライバの設定
type FFmpegConfig struct {
	Binary      string `yaml:"binary" toml:"binary"`             // ffmpegの実行ファイル
	InputFormat string `yaml:"input_format" toml:"input_format"` // 入力フォーマット
	Quality     int    `yaml:"quality" toml:"quality"`           // MJPEGの品質 (2-31)
}

// MockConfig はmockドライバの設定
type MockConfig struct {
	Back   bool   `yaml:"back" toml:"back"`     // 背面カメラを持つか
	Front  bool   `yaml:"front" toml:"front"`   // 前面カメラを持つか
	Format string `yaml:"format" toml:"format"` // 画素フォーマット
}

// SnapshotConfig はスナップショット記録の設定
type SnapshotConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	Interval  Duration `yaml:"interval" toml:"interval"`
	OutputDir string   `yaml:"output_dir" toml:"output_dir"`
	MaxFiles  int      `yaml:"max_files" toml:"max_files"`
	MaxWidth  int      `yaml:"max_width" toml:"max_width"`
	Quality   int      `yaml:"quality" toml:"quality"`
}

// Default はデフォルトの設定を返す
func Default() *Config {
	snap := snapshot.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
			Hotplug:      true,
		},
		Camera: CameraConfig{
			Driver:       camera.DriverV4L2,
			DevDir:       "/dev",
			Width:        1280,
			Height:       720,
			FPS:          15,
			Formats:      []string{string(camera.PixelFormatYUYV), string(camera.PixelFormatMJPEG)},
			Facings:      map[string]string{},
			BufferCount:  4,
			FrameTimeout: Duration(time.Second),
			JPEGQuality:  80,
			FFmpeg: FFmpegConfig{
				Binary:      "ffmpeg",
				InputFormat: "v4l2",
				Quality:     3,
			},
			Mock: MockConfig{
				Back:   true,
				Front:  true,
				Format: string(camera.PixelFormatNV21),
			},
		},
		Snapshot: SnapshotConfig{
			Enabled:   snap.Enabled,
			Interval:  Duration(snap.Interval),
			OutputDir: snap.OutputDir,
			MaxFiles:  snap.MaxFiles,
			MaxWidth:  snap.MaxWidth,
			Quality:   snap.Quality,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load は設定を読み込む
//
// デフォルト値、設定ファイル（pathが空でなければ）、環境変数の順に適用して検証する。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// loadFile は拡張子に応じてYAMLまたはTOMLの設定ファイルを読み込む
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("YAMLの解析に失敗 (%s): %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("TOMLの解析に失敗 (%s): %w", path, err)
		}
	default:
		return fmt.Errorf("未対応の設定ファイル形式: %s", path)
	}
	return nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() error {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)

	var err error
	if c.Server.Port, err = getEnvAsIntOrDefault("PORT", c.Server.Port); err != nil {
		return err
	}

	c.Camera.Driver = getEnvOrDefault(envPrefix+"DRIVER", c.Camera.Driver)
	c.Camera.DevDir = getEnvOrDefault(envPrefix+"DEV_DIR", c.Camera.DevDir)
	if c.Camera.Width, err = getEnvAsIntOrDefault(envPrefix+"WIDTH", c.Camera.Width); err != nil {
		return err
	}
	if c.Camera.Height, err = getEnvAsIntOrDefault(envPrefix+"HEIGHT", c.Camera.Height); err != nil {
		return err
	}
	if c.Camera.FPS, err = getEnvAsIntOrDefault(envPrefix+"FPS", c.Camera.FPS); err != nil {
		return err
	}
	if c.Camera.AutoStart, err = getEnvAsBoolOrDefault(envPrefix+"AUTO_START", c.Camera.AutoStart); err != nil {
		return err
	}

	c.Snapshot.OutputDir = getEnvOrDefault(envPrefix+"SNAPSHOT_DIR", c.Snapshot.OutputDir)
	if c.Snapshot.Enabled, err = getEnvAsBoolOrDefault(envPrefix+"SNAPSHOT_ENABLED", c.Snapshot.Enabled); err != nil {
		return err
	}

	c.Logging.Level = getEnvOrDefault(envPrefix+"LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvOrDefault(envPrefix+"LOG_FORMAT", c.Logging.Format)
	return nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("タイムアウトに負の値は指定できません")
	}

	// カメラ設定の検証
	switch c.Camera.Driver {
	case camera.DriverV4L2, camera.DriverFFmpeg, camera.DriverMock:
	default:
		return fmt.Errorf("サポートされていないドライバ: %q", c.Camera.Driver)
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		return fmt.Errorf("無効な解像度: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	// ffmpegはサイズを問い合わせできないため、指定した値がそのままプレビューサイズになる
	if c.Camera.Driver == camera.DriverFFmpeg && (c.Camera.Width == 0 || c.Camera.Height == 0) {
		return fmt.Errorf("ffmpegドライバでは解像度の指定が必要です")
	}
	if c.Camera.FPS < 0 {
		return fmt.Errorf("無効なフレームレート: %d", c.Camera.FPS)
	}
	for _, f := range c.Camera.Formats {
		if !validPixelFormat(camera.PixelFormat(f)) {
			return fmt.Errorf("無効な画素フォーマット: %q", f)
		}
	}
	if c.Camera.Mock.Format != "" && !validPixelFormat(camera.PixelFormat(c.Camera.Mock.Format)) {
		return fmt.Errorf("無効なモックの画素フォーマット: %q", c.Camera.Mock.Format)
	}
	for device, facing := range c.Camera.Facings {
		if _, err := camera.ParseFacing(facing); err != nil {
			return fmt.Errorf("%s: %w", device, err)
		}
	}
	if c.Camera.JPEGQuality < 0 || c.Camera.JPEGQuality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Camera.JPEGQuality)
	}

	// スナップショット設定の検証
	if c.Snapshot.Enabled {
		if c.Snapshot.Interval <= 0 {
			return fmt.Errorf("スナップショットの間隔は正の値である必要があります")
		}
		if c.Snapshot.OutputDir == "" {
			return fmt.Errorf("スナップショットの保存先が設定されていません")
		}
	}
	if c.Snapshot.MaxFiles < 0 {
		return fmt.Errorf("無効な最大ファイル数: %d", c.Snapshot.MaxFiles)
	}

	// ログ設定の検証
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DriverConfig はカメラドライバの作成設定を返す
func (c *Config) DriverConfig() camera.DriverConfig {
	facings := make(map[string]camera.Facing, len(c.Camera.Facings))
	for device, facing := range c.Camera.Facings {
		facings[device] = camera.Facing(facing)
	}
	formats := make([]camera.PixelFormat, 0, len(c.Camera.Formats))
	for _, f := range c.Camera.Formats {
		formats = append(formats, camera.PixelFormat(f))
	}

	return camera.DriverConfig{
		V4L2: camera.V4L2Config{
			DevDir:       c.Camera.DevDir,
			Width:        c.Camera.Width,
			Height:       c.Camera.Height,
			Formats:      formats,
			BufferCount:  c.Camera.BufferCount,
			FrameTimeout: c.Camera.FrameTimeout.Std(),
			Facings:      facings,
		},
		FFmpeg: camera.FFmpegConfig{
			Binary:      c.Camera.FFmpeg.Binary,
			InputFormat: c.Camera.FFmpeg.InputFormat,
			DevDir:      c.Camera.DevDir,
			Width:       c.Camera.Width,
			Height:      c.Camera.Height,
			FPS:         c.Camera.FPS,
			Quality:     c.Camera.FFmpeg.Quality,
			Facings:     facings,
		},
		Mock: camera.MockConfig{
			Back:   c.Camera.Mock.Back,
			Front:  c.Camera.Mock.Front,
			Width:  c.Camera.Width,
			Height: c.Camera.Height,
			Format: camera.PixelFormat(c.Camera.Mock.Format),
			FPS:    c.Camera.FPS,
		},
	}
}

// SnapshotRecorderConfig はスナップショット記録の設定を返す
func (c *Config) SnapshotRecorderConfig() snapshot.Config {
	return snapshot.Config{
		Enabled:   c.Snapshot.Enabled,
		Interval:  c.Snapshot.Interval.Std(),
		OutputDir: c.Snapshot.OutputDir,
		MaxFiles:  c.Snapshot.MaxFiles,
		MaxWidth:  c.Snapshot.MaxWidth,
		Quality:   c.Snapshot.Quality,
	}
}

func validPixelFormat(f camera.PixelFormat) bool {
	switch f {
	case camera.PixelFormatNV21, camera.PixelFormatYUYV, camera.PixelFormatMJPEG, camera.PixelFormatRGBA:
		return true
	default:
		return false
	}
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("環境変数 %s が整数ではありません: %w", key, err)
	}
	return intVal, nil
}

// getEnvAsBoolOrDefault は環境変数を真偽値として取得する
func getEnvAsBoolOrDefault(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("環境変数 %s が真偽値ではありません: %w", key, err)
	}
	return b, nil
}
