// Package main is the entry point for the Tracevia SIP monitor.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/tracevia/cmd"
	_ "firestige.xyz/tracevia/plugins"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
