package cmd

import (
	"github.com/andresmejia3/faceguard/internal/server"
	"github.com/andresmejia3/faceguard/internal/utils"
	"github.com/spf13/cobra"
)

var serveOpts Options

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP upload API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		reg, pool := newRegistrar(serveOpts)
		defer pool.Close()

		srv := server.New(server.Options{
			GinMode:      Cfg.Server.GinMode,
			AllowOrigins: Cfg.Server.AllowOrigins,
			MaxUploadMB:  Cfg.Server.MaxUploadMB,
			MediaRoot:    Cfg.MediaDir,
		}, reg, DB, Log.Named("http"))

		if err := srv.Run(cmd.Context(), ":"+Cfg.Server.Port); err != nil {
			utils.ShowError("Server stopped", err, nil)
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVarP(&serveOpts.NumEngines, "engines", "e", 0, "Number of face workers (default from config)")
	serveCmd.Flags().Float64VarP(&serveOpts.Threshold, "threshold", "t", 0, "Duplicate distance threshold (default from config)")
	rootCmd.AddCommand(serveCmd)
}
