package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/tracevia/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Load the configuration file, apply environment overrides and defaults,
and print the effective configuration as YAML. Secrets are not printed.

Examples:
  tracevia validate -c tracevia.yaml
  TRACEVIA_EMITTER_POLICY=cadence tracevia validate -c tracevia.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
		if err := printConfig(cmd.OutOrStdout(), cfg); err != nil {
			exitWithError("failed to print config", err)
		}
	},
}

func printConfig(w io.Writer, cfg *config.GlobalConfig) error {
	out, err := yaml.Marshal(map[string]any{"tracevia": cfg})
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "# VALID")
	_, err = w.Write(out)
	return err
}
