package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"flowvm/internal/builtins"
	"flowvm/runtime"
)

func runCmd() *cobra.Command {
	var handler, manifestPath, reqPath string

	cmd := &cobra.Command{
		Use:   "run <file.flow>",
		Short: "Compile and execute a handler from a Flow source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, rt, err := compile(args[0], manifestPath)
			if err != nil {
				return err
			}
			linker, err := runtime.Link(rt, prog)
			if err != nil {
				return err
			}
			ctx := &builtins.Context{Path: reqPath}
			runner, err := linker.NewRunner(handler, ctx)
			if err != nil {
				return err
			}

			logger.Debug("starting run", "handler", handler, "runner", runner.ID)
			handled, err := runner.Run()
			if err != nil {
				return fmt.Errorf("fault: %w", err)
			}
			fmt.Printf("handler %q: handled=%v, state=%s\n", handler, handled, runner.State())
			return nil
		},
	}

	cmd.Flags().StringVar(&handler, "handler", "main", "name of the handler to run")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to a native-binding TOML manifest (default: every demo builtin)")
	cmd.Flags().StringVar(&reqPath, "req-path", "", "value the req_path() demo builtin returns")
	return cmd
}
