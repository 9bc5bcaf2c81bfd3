// Package cli implements layoutctl, the operator tool for the seatplan layout
// server. It seeds demo projects, prints schedule reports and simulates drag
// clients over MQTT.
package cli

import (
	"context"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"seatplan/layout-server/internal/config"
)

// Execute builds the command tree and runs it with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand returns the layoutctl root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:          "layoutctl",
		Short:        "Operate a seatplan layout server",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := charmlog.InfoLevel
			if verbose {
				level = charmlog.DebugLevel
			}
			cmd.SetContext(withLogger(cmd.Context(), newLogger(os.Stderr, level)))
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(newSeedCmd())
	root.AddCommand(newScheduleCmd())
	root.AddCommand(newSimulateCmd())

	return root
}

// defaultDatabasePath follows the server configuration so both tools agree
// on the database without extra flags.
func defaultDatabasePath() string {
	cfg, err := config.Load()
	if err != nil {
		return config.Defaults().DatabasePath
	}
	return cfg.DatabasePath
}
