package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jward/arbor/internal/ctxlog"
)

var (
	flagDB        string
	flagFormat    string
	flagLogLevel  string
	flagLogFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "arbor",
	Short:         "Dynamic instrumentation for executing program trees",
	Long:          "Arbor parses source files with tree-sitter, attaches instrumentation bindings while the code runs, and records the observed events in a SQLite trace database.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFormat(flagFormat); err != nil {
			return err
		}
		logger := newLogger(flagLogLevel, flagLogFormat, cmd.ErrOrStderr())
		cmd.SetContext(ctxlog.WithLogger(cmd.Context(), logger))
		return nil
	},
	// No Run: prints help by default.
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "arbor.db", "trace database path")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "text", "output format: json|text")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "log format: text|json")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(eventsCmd)
}

// newLogger creates a logger writing to w. Unknown levels mean info.
func newLogger(levelStr, formatStr string, w io.Writer) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if formatStr == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
