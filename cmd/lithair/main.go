// Usage:
//
//	./lithair --help               # Show help
//	./lithair --version            # Show version
//	./lithair serve -c node.yaml   # Open a node and block for signals
//	./lithair replay -c node.yaml  # Replay the log and print recovery stats
//	./lithair verify -c node.yaml  # Walk and verify the hash chain
//	./lithair snapshot -c node.yaml
package main

import (
	"fmt"
	"os"

	"github.com/lithair/lithair-sub001/internal/cli"
)

// Build-time version injection via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "1.0.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
