// Command sk keeps a local copy of Skritter study data in sync and
// schedules reviews from it while offline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skritter/studysync/internal/ui"
)

var (
	dataDir  string
	logLevel string
	noColor  bool
	quiet    bool
)

var rootCmd = &cobra.Command{
	Use:   "sk",
	Short: "Offline Skritter study data and review scheduling",
	Long: `sk downloads your Skritter items and their vocabulary into a local
SQLite store, schedules reviews from it without a connection, and uploads
the reviews you record when you are back online.

Settings are read from config.yaml in the data directory, a .env file and
SKRITTER_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.SetOutput(os.Stdout)
		if noColor {
			ui.SetColor(false)
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "account", Title: "Account:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "study", Title: "Study:"},
		&cobra.Group{ID: "data", Title: "Local data:"},
	)

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default $SKRITTER_HOME or the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only log to the log file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
