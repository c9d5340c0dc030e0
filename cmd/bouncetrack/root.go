package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"mail-deliverability-go/internal/app"
	"mail-deliverability-go/internal/config"
)

var (
	configPath string
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:   "bouncetrack",
		Short: "Mail deliverability tracking",
		Long: `Tracks what happens to outgoing mail: signs return paths, reads the
bounce mailbox, follows the transport log and deactivates accounts whose
addresses keep bouncing.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}

			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return app.SetupLogging(cfg.Log.Level)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}

// withApp builds the application for one command and closes it afterwards.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
