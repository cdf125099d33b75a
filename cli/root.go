/*
Package cli is the labor-events command line.

COMMANDS:
  serve      HTTP API plus the optional dispatch scheduler
  dispatch   One dispatcher pass over every configured company, then exit
  generate   Generate one company's events for a month, then exit

Every command reads the same configuration (see config.Load); --config
points at an optional YAML file.

SEE ALSO:
  - app.go: Component wiring shared by the commands
  - cmd/server/main.go: Entry point
*/
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "labor-events",
	Short:         "Labor event reporting pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newDispatchCmd())
	rootCmd.AddCommand(newGenerateCmd())
}
