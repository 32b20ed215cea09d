package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/backfill-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Policy-driven backfill of missing record fields",
	Long:  "Fills missing or low-confidence fields of refined records from deterministic rules, authority tables and opt-in network sources, with a provenance ledger and an audit trail.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		zap.L().Debug("config loaded",
			zap.String("command", cmd.Name()),
			zap.String("store", cfg.Store.Driver),
			zap.Bool("network_enabled", cfg.Network.Enabled),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
