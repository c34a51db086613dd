package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"previewcam/internal/camera"
)

// NewProbeCmd はカメラの有無と一覧を表示するコマンドを作成する
func NewProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Show which cameras are present",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			hasBack, hasFront := camera.CheckCameraPresence(ctx, env.platform, env.logger)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "driver: %s\n", env.config.Camera.Driver)
			fmt.Fprintf(out, "back:   %t\n", hasBack)
			fmt.Fprintf(out, "front:  %t\n", hasFront)

			infos, err := env.platform.Enumerate(ctx)
			if err != nil {
				return fmt.Errorf("カメラの列挙に失敗しました: %w", err)
			}
			if len(infos) == 0 {
				return nil
			}

			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FACING\tDEVICE\tNAME")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Facing, info.ID, info.Name)
			}
			return tw.Flush()
		},
	}
}
