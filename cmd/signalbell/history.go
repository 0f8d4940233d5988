package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"signalbell/internal/storage"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent playbacks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.RecentRuns(commandContext(cmd), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No playbacks recorded.")
				return nil
			}
			writeHistoryTable(out, runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of records")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeHistoryTable(out io.Writer, runs []storage.RunRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tSCHEDULE\tTRIGGER\tOUTCOME\tTOOK\tERROR")
	for _, r := range runs {
		trigger := "scheduled"
		if r.Manual {
			trigger = "manual"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.At.Local().Format("2006-01-02 15:04:05"),
			r.Name, trigger, outcomeLabel(r.Outcome),
			(time.Duration(r.TookMS) * time.Millisecond).Round(100*time.Millisecond),
			r.Error)
	}
	_ = w.Flush()
}

func outcomeLabel(o storage.Outcome) string {
	if o == storage.OutcomeFailed {
		return color.New(color.FgRed).Sprint(string(o))
	}
	return color.New(color.FgGreen).Sprint(string(o))
}
