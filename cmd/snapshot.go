package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"previewcam/internal/camera"
	"previewcam/internal/imaging"
)

// NewSnapshotCmd は1枚だけ撮影して保存するコマンドを作成する
func NewSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Capture a single preview frame to a JPEG file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			facingName, _ := cmd.Flags().GetString("facing")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			width, _ := cmd.Flags().GetInt("width")

			facing, err := camera.ParseFacing(facingName)
			if err != nil {
				return err
			}

			env, err := setup(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			source := camera.NewFrameSource(env.platform, camera.WithLogger(env.logger))
			if err := source.Initialize(ctx); err != nil {
				return err
			}
			source.SwitchTo(ctx, facing)
			defer source.StopCapture(context.Background())

			if source.Width() == 0 {
				return fmt.Errorf("%sカメラを開始できませんでした", facing)
			}

			frame, err := waitForFrame(ctx, source)
			if err != nil {
				return err
			}

			data, err := imaging.FrameToJPEG(frame, width, env.config.Camera.JPEGQuality)
			if err != nil {
				return fmt.Errorf("フレームの変換に失敗しました: %w", err)
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("ファイルの書き込みに失敗しました: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s (%dx%d %s, %d bytes)\n", output, frame.Width, frame.Height, frame.Format, len(data))
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "snapshot.jpg", "Output JPEG file")
	cmd.Flags().String("facing", string(camera.FacingBack), "Camera facing (back or front)")
	cmd.Flags().Duration("timeout", 10*time.Second, "Time to wait for the first frame")
	cmd.Flags().Int("width", 0, "Scale down to this width (0 keeps the preview size)")
	return cmd
}

// waitForFrame は最初のフレームが届くまで待つ
func waitForFrame(ctx context.Context, source *camera.FrameSource) (camera.Frame, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if frame, ok := source.CopyPixels(); ok {
			return frame, nil
		}
		select {
		case <-ctx.Done():
			return camera.Frame{}, fmt.Errorf("フレームを受信できませんでした: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
