package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var dialogsCmd = &cobra.Command{
	Use:   "dialogs",
	Short: "List tracked dialogs",
	Long: `Query a running monitor for the dialogs it currently tracks, including
ended dialogs that are still fading out.`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, err := resolveAPIAddr()
		if err != nil {
			exitWithError("failed to resolve monitor address", err)
		}
		if err := runDialogs(cmd.Context(), addr, cmd.OutOrStdout()); err != nil {
			exitWithError("failed to query dialogs", err)
		}
	},
}

type party struct {
	Addr string `json:"addr"`
	User string `json:"user"`
}

func (p party) String() string {
	if p.User == "" {
		return p.Addr
	}
	return p.User + "@" + p.Addr
}

type dialogRow struct {
	CallID      string `json:"call_id"`
	State       string `json:"state"`
	Caller      party  `json:"caller"`
	Callee      party  `json:"callee"`
	FinalStatus int    `json:"final_status"`
	Annotation  string `json:"annotation"`
	Retired     bool   `json:"retired"`
}

func runDialogs(ctx context.Context, addr string, w io.Writer) error {
	var rows []dialogRow
	if err := fetch(ctx, addr, "/api/dialogs", &rows); err != nil {
		return err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CallID < rows[j].CallID })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CALL-ID\tSTATE\tCALLER\tCALLEE\tFINAL\tNOTE")
	for _, r := range rows {
		final := "-"
		if r.FinalStatus > 0 {
			final = fmt.Sprint(r.FinalStatus)
		}
		note := r.Annotation
		if r.Retired {
			note = "retired " + note
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.CallID, r.State, r.Caller, r.Callee, final, note)
	}
	return tw.Flush()
}
