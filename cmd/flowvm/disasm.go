package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func disasmCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "disasm <file.flow>",
		Short: "Compile a Flow source file and print its disassembled bytecode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prog, _, err := compile(args[0], manifestPath)
			if err != nil {
				return err
			}
			fmt.Print(prog.Disassemble())
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to a native-binding TOML manifest (default: every demo builtin)")
	return cmd
}
