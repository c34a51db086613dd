package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"previewcam/internal/camera"
	"previewcam/internal/config"
	"previewcam/internal/logging"
)

// NewRootCmd はルートコマンドを作成する
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "previewcam",
		Short:         "Camera preview frame server",
		Long:          `previewcam opens the back or front camera and hands the latest preview frame to HTTP clients, snapshots and metrics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file (.yaml, .yml or .toml)")
	root.PersistentFlags().String("driver", "", "Camera driver (overrides config)")

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewProbeCmd())
	root.AddCommand(NewSnapshotCmd())
	return root
}

// Execute はコマンドを実行する
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}

// environment はコマンド共通の実行環境
type environment struct {
	config   *config.Config
	logger   *slog.Logger
	platform camera.Platform
}

// setup は設定の読み込み、ロガーとドライバの作成を行う
func setup(cmd *cobra.Command) (*environment, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}
	if driver, _ := cmd.Flags().GetString("driver"); driver != "" {
		cfg.Camera.Driver = driver
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, err := logging.Setup(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("ロガーの作成に失敗しました: %w", err)
	}

	platform, err := camera.NewRegistry().Create(cfg.Camera.Driver, cfg.DriverConfig(), logger)
	if err != nil {
		return nil, err
	}

	return &environment{
		config:   cfg,
		logger:   logger,
		platform: platform,
	}, nil
}
