// cvm mirrors a remote conversation service to a local directory tree.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/convomirror/convomirror/internal/config"
	"github.com/convomirror/convomirror/internal/debug"
	"github.com/convomirror/convomirror/internal/telemetry"
)

const version = "0.4.0"

var (
	flagRoot     string
	flagLogLevel string
	flagLogJSON  bool
	flagQuiet    bool
	flagVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "cvm",
	Short: "Incrementally mirror your conversations to a local folder",
	Long: `cvm keeps a local mirror of a remote conversation service: it pages the
remote listings, fetches anything new or updated, and writes conversations,
metadata and attachments under the mirror root. Multiple instances sharing a
root coordinate through file locks, so only one of them syncs at a time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if flagRoot != "" {
			os.Setenv("CVM_ROOT", flagRoot)
		}
		if err := config.Initialize(); err != nil {
			return err
		}
		debug.SetQuiet(flagQuiet)
		debug.SetVerbose(flagVerbose)
		setupLogging()
		return telemetry.Init(cmd.Context(), "cvm", version)
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
}

func setupLogging() {
	level := parseLogLevel(flagLogLevel)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if flagLogJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cvm version",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("cvm %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "", "Mirror root directory (default: $CVM_ROOT or ~/ConvoMirror)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress progress output")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
