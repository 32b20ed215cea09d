package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/backfill-cli/internal/ledger"
	"github.com/sells-group/backfill-cli/internal/model"
	"github.com/sells-group/backfill-cli/internal/store"
)

var (
	auditRunID    string
	auditRecordID string
	auditFromFile bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log maintenance",
}

var auditSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy the JSONL audit file into the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("query"); err != nil {
			return err
		}

		entries, err := ledger.ReadJSONL(cfg.Audit.Path)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.AppendAudit(ctx, entries)
		if err != nil {
			return eris.Wrap(err, "append audit entries")
		}
		zap.L().Info("audit synced", zap.Int("read", len(entries)), zap.Int64("written", n))
		fmt.Fprintf(cmd.OutOrStdout(), "Synced %d of %d audit entries.\n", n, len(entries))
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("query"); err != nil {
			return err
		}

		var entries []model.AuditEntry
		if auditFromFile {
			e, err := ledger.ReadJSONL(cfg.Audit.Path)
			if err != nil {
				return err
			}
			entries = e
		} else {
			st, err := initStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			entries, err = readAllAudit(ctx, st)
			if err != nil {
				return err
			}
		}

		if err := ledger.VerifyChain(entries); err != nil {
			return eris.Wrap(err, "audit chain broken")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Audit chain intact: %d entries.\n", len(entries))
		return nil
	},
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries for a run or record",
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

		entries, err := st.ListAudit(ctx, store.AuditFilter{
			RunID:    auditRunID,
			RecordID: auditRecordID,
		})
		if err != nil {
			return eris.Wrap(err, "list audit")
		}
		formatAuditList(cmd.OutOrStdout(), entries)
		return nil
	},
}

// readAllAudit pages through the store's audit table in sequence order.
func readAllAudit(ctx context.Context, st store.Store) ([]model.AuditEntry, error) {
	const page = 1000
	var (
		all   []model.AuditEntry
		after int64
	)
	for {
		batch, err := st.ListAudit(ctx, store.AuditFilter{AfterSeq: after, Limit: page})
		if err != nil {
			return nil, eris.Wrap(err, "list audit")
		}
		all = append(all, batch...)
		if len(batch) < page {
			return all, nil
		}
		after = batch[len(batch)-1].Seq
	}
}

func formatAuditList(w io.Writer, entries []model.AuditEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No audit entries found.")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%6d  %s  %-14s %-10s %-20s %s",
			e.Seq, e.Timestamp.Format("2006-01-02 15:04:05.000000"), e.Operation, e.Outcome, e.Fetcher, e.RecordID)
		if e.Detail != "" {
			fmt.Fprintf(w, "  %s", e.Detail)
		}
		fmt.Fprintln(w)
	}
}

func init() {
	auditVerifyCmd.Flags().BoolVar(&auditFromFile, "file", false, "verify the JSONL file instead of the store")
	auditListCmd.Flags().StringVar(&auditRunID, "run", "", "filter by run id")
	auditListCmd.Flags().StringVar(&auditRecordID, "record", "", "filter by record id")
	auditCmd.AddCommand(auditSyncCmd, auditVerifyCmd, auditListCmd)
	rootCmd.AddCommand(auditCmd)
}
