package cmd

import (
	"github.com/spf13/cobra"

	"previewcam/internal/server"
)

// NewServeCmd はHTTPサーバーを起動するコマンドを作成する
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP preview server",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			if autoStart, _ := cmd.Flags().GetBool("auto-start"); autoStart {
				env.config.Camera.AutoStart = true
			}

			srv, err := server.New(env.config, env.platform, env.logger)
			if err != nil {
				return err
			}
			return srv.Start(cmd.Context())
		},
	}
	cmd.Flags().Bool("auto-start", false, "Start capture on the back camera at startup")
	return cmd
}
