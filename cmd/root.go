// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/tracevia/internal/config"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tracevia",
	Short: "Tracevia - passive SIP call monitor",
	Long: `Tracevia watches SIP signaling on the wire, follows every call through its
dialog states and renders the endpoints and their calls as a live topology.

Frames go to the configured sinks: the console, browser clients over
websocket or a Kafka topic.

Traffic sources:
  - Live capture on a network interface (AF_PACKET)
  - Replay of a pcap or pcapng trace file`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (built-in defaults when empty)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dialogsCmd)
	rootCmd.AddCommand(pluginsCmd)
}

// loadConfig reads the --config file, or the defaults when none is given.
// Environment overrides apply in both cases.
func loadConfig() (*config.GlobalConfig, error) {
	if configFile == "" {
		return config.Default()
	}
	return config.Load(configFile)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
