package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/tracevia/pkg/plugin"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List built-in plugins",
	Run: func(cmd *cobra.Command, args []string) {
		listPlugins(cmd.OutOrStdout())
	},
}

func listPlugins(w io.Writer) {
	fmt.Fprintf(w, "capturers: %s\n", strings.Join(plugin.ListCapturers(), ", "))
	fmt.Fprintf(w, "parsers:   %s\n", strings.Join(plugin.ListParsers(), ", "))
	fmt.Fprintf(w, "sinks:     %s\n", strings.Join(plugin.ListReporters(), ", "))
}
