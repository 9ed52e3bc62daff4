package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
	version    = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "realtime",
	Short: "Development relay and terminal client for realtime messaging",
	Long: `realtime runs the development relay that persists direct messages and
fans socket events out to connected users, and a terminal client that
signs in and prints the events it receives.

  realtime relay                  # serve REST and /ws
  realtime relay config           # print the resolved relay config
  realtime watch -u alice         # sign in and print live events`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newCLILogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel()}))
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
