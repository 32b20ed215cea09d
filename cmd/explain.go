package main

import (
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/backfill-cli/internal/artifact"
)

var (
	explainRecord string
	explainField  string
	explainJSON   bool
)

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Explain how a field got its value in the latest run",
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

		ex, err := artifact.NewExplainer(cfg.Artifacts.Dir, st).Explain(ctx, explainRecord, explainField)
		if err != nil {
			return eris.Wrapf(err, "explain %s.%s", explainRecord, explainField)
		}
		if explainJSON {
			return writeJSON(cmd.OutOrStdout(), ex)
		}
		formatExplanation(cmd.OutOrStdout(), ex)
		return nil
	},
}

func init() {
	explainCmd.Flags().StringVar(&explainRecord, "record", "", "record id")
	explainCmd.Flags().StringVar(&explainField, "field", "", "field name")
	explainCmd.Flags().BoolVar(&explainJSON, "json", false, "print the explanation as JSON")
	_ = explainCmd.MarkFlagRequired("record")
	_ = explainCmd.MarkFlagRequired("field")
	rootCmd.AddCommand(explainCmd)
}

// formatExplanation prints the value, the winning proposal, the history and
// any reasons the field is unresolved.
func formatExplanation(w io.Writer, ex *artifact.Explanation) {
	fmt.Fprintf(w, "Record:     %s\n", ex.RecordID)
	fmt.Fprintf(w, "Field:      %s\n", ex.Field)
	fmt.Fprintf(w, "Run:        %s (%s, %s)\n", ex.RunID, ex.RunAt.Format("2006-01-02 15:04:05"), ex.State)
	fmt.Fprintf(w, "Profile:    %s\n", ex.Profile)
	if ex.Value != nil {
		fmt.Fprintf(w, "Value:      %v\n", ex.Value)
	} else {
		fmt.Fprintln(w, "Value:      (empty)")
	}
	fmt.Fprintf(w, "Confidence: %.2f (target %.2f)\n", ex.Confidence, ex.Target)

	status := "unresolved"
	if ex.Resolved {
		status = "resolved"
	}
	if !ex.Eligible {
		status += ", not eligible"
	}
	if ex.Conflict {
		status += ", conflict"
	}
	fmt.Fprintf(w, "Status:     %s\n", status)

	if ex.Winner != nil {
		fmt.Fprintf(w, "Winner:     %s via %s (%.2f)\n", ex.Winner.Fetcher, ex.Winner.Strategy, ex.Winner.Confidence)
		if ex.Winner.Citation != "" {
			fmt.Fprintf(w, "Citation:   %s\n", ex.Winner.Citation)
		}
	}

	if len(ex.History) > 0 {
		fmt.Fprintln(w, "\nHistory:")
		for i, h := range ex.History {
			fmt.Fprintf(w, "  %d. %-10s %-20s %.2f  %v\n", i+1, h.Strategy, h.Fetcher, h.Confidence, h.Value)
		}
	}
	if len(ex.Unresolved) > 0 {
		fmt.Fprintln(w, "\nReasons:")
		for _, r := range ex.Unresolved {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
	if ex.ArtifactPath != "" {
		fmt.Fprintf(w, "\nArtifact: %s\n", ex.ArtifactPath)
	}
}
