package commands

import (
	"github.com/spf13/cobra"

	"github.com/nucleus/imageindex/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP query API and the gRPC health service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, needs{provider: true})
		if err != nil {
			return err
		}
		defer a.Close()

		srv := server.New(a.planner(), server.Config{
			HTTPAddr:       globalConfig.Server.HTTPAddr,
			GRPCHealthAddr: globalConfig.Server.GRPCHealthAddr,
		}, a.log)
		return srv.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
