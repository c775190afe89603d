// Package main provides the entrypoint for the recoveryd supervisor.
package main

import (
	"fmt"
	"os"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "recoveryd:", err)
		os.Exit(1)
	}
}
