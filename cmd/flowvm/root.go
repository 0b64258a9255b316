package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var logger *slog.Logger

func rootCmd() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:           "flowvm",
		Short:         "Demo harness for the Flow language toolchain and token shaper",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug-level logging")

	root.AddCommand(runCmd(), disasmCmd(), shaperDemoCmd())
	return root
}
