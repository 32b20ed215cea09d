package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/backfill-cli/internal/model"
	"github.com/sells-group/backfill-cli/internal/store"
)

var (
	runsRecord string
	runsRunID  string
	runsState  string
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List indexed run artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("query"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		refs, err := st.ListArtifacts(ctx, store.ArtifactFilter{
			RecordID: runsRecord,
			RunID:    runsRunID,
			State:    model.PlanState(runsState),
			Limit:    runsLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list artifacts")
		}

		formatRunsList(cmd.OutOrStdout(), refs)
		return nil
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsRecord, "record", "", "filter by record id")
	runsCmd.Flags().StringVar(&runsRunID, "run", "", "filter by run id")
	runsCmd.Flags().StringVar(&runsState, "state", "", "filter by plan state")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "max artifacts to list")
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes artifact refs as an aligned table.
func formatRunsList(w io.Writer, refs []model.ArtifactRef) {
	if len(refs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tRECORD\tSTATE\tRUN AT\tPATH")
	for _, r := range refs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			shortID(r.RunID),
			r.RecordID,
			r.State,
			r.RunAt.Format("2006-01-02 15:04:05"),
			r.Path,
		)
	}
	tw.Flush() //nolint:errcheck
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
