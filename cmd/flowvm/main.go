// Command flowvm is a demo harness driving the Flow toolchain end to end:
// parse -> IR -> passes -> codegen -> link -> run, plus a standalone token
// shaper demo. It is not part of the library surface; every package it
// imports is independently usable without it.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
