package main

import (
	"context"
	"encoding/json"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/backfill-cli/internal/artifact"
	"github.com/sells-group/backfill-cli/internal/cache"
	"github.com/sells-group/backfill-cli/internal/config"
	"github.com/sells-group/backfill-cli/internal/fetcher"
	"github.com/sells-group/backfill-cli/internal/ledger"
	"github.com/sells-group/backfill-cli/internal/orchestrator"
	"github.com/sells-group/backfill-cli/internal/policy"
	"github.com/sells-group/backfill-cli/internal/ratebudget"
	"github.com/sells-group/backfill-cli/internal/records"
	"github.com/sells-group/backfill-cli/internal/resilience"
	"github.com/sells-group/backfill-cli/internal/store"
)

var (
	runRecords      string
	runProfile      string
	runAllowNetwork bool
	runRefresh      bool
	runConcurrency  int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Backfill a batch of records under a profile",
	Long:  "Loads records (JSON, JSONL, CSV or XLSX) and a YAML profile, runs one backfill plan per record and prints the run summary as JSON. Network fetchers run only with --allow-network and network.enabled both set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if runConcurrency > 0 {
			cfg.Run.Concurrency = runConcurrency
		}
		if err := cfg.Validate("run"); err != nil {
			return err
		}

		pol, err := policy.Load(runProfile)
		if err != nil {
			return eris.Wrap(err, "load profile")
		}
		if runRefresh {
			pol.Refresh = true
		}

		recs, err := records.Load(runRecords, records.Options{})
		if err != nil {
			return err
		}

		env, err := initRunEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Orchestrator.Run(ctx, recs, pol, runAllowNetwork)
		if err != nil {
			return eris.Wrap(err, "run")
		}

		zap.L().Info("run complete",
			zap.String("run_id", summary.RunID),
			zap.Int("records", len(summary.Records)),
			zap.Int64("fetch_calls", summary.FetchCalls),
			zap.Int64("cache_hits", summary.CacheHits),
			zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
		)
		return writeJSON(cmd.OutOrStdout(), summary)
	},
}

func init() {
	runCmd.Flags().StringVar(&runRecords, "records", "", "records file (.json, .jsonl, .csv, .xlsx)")
	runCmd.Flags().StringVar(&runProfile, "profile", "", "profile YAML file")
	runCmd.Flags().BoolVar(&runAllowNetwork, "allow-network", false, "authorize network fetchers for this run")
	runCmd.Flags().BoolVar(&runRefresh, "refresh", false, "bypass cached network answers")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "concurrent record plans (default from config)")
	_ = runCmd.MarkFlagRequired("records")
	_ = runCmd.MarkFlagRequired("profile")
	rootCmd.AddCommand(runCmd)
}

// runEnv holds the wired dependencies of a run.
type runEnv struct {
	Store        store.Store
	Audit        *ledger.AuditLog
	Orchestrator *orchestrator.Orchestrator
}

// Close releases the store.
func (e *runEnv) Close() {
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}

func initRunEnv(ctx context.Context, c *config.Config) (*runEnv, error) {
	st, err := initStore(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	env := &runEnv{Store: st}

	reg, err := buildRegistry(c.Fetchers)
	if err != nil {
		env.Close()
		return nil, err
	}

	audit, err := openAuditLog(ctx, c.Audit, st)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Audit = audit

	writer, err := artifact.NewWriter(c.Artifacts.Dir, st)
	if err != nil {
		env.Close()
		return nil, err
	}

	var backend cache.Backend
	if c.Cache.Durable {
		backend = st
	}

	breakers := resilience.NewProviderBreakers(resilience.FromCircuitConfig(
		c.Circuit.FailureThreshold, c.Circuit.ResetTimeoutSecs, c.Circuit.HalfOpenProbes))
	env.Orchestrator = orchestrator.New(
		reg,
		cache.New(c.Cache.TTL(), backend),
		ratebudget.New(nil),
		breakers,
		audit,
		writer,
		orchestrator.Options{
			Concurrency:    c.Run.Concurrency,
			NetworkEnabled: c.Network.Enabled,
			MaxFetchCalls:  int64(c.Run.MaxFetchCalls),
			MaxDuration:    c.Run.MaxDuration(),
		},
	)
	return env, nil
}

// buildRegistry registers the shipped fetchers: the deterministic
// normalizers, the authority table when configured and one HTTP fetcher per
// declared source.
func buildRegistry(fc config.FetchersConfig) (*fetcher.Registry, error) {
	reg := fetcher.NewRegistry()
	if err := reg.Register(fetcher.NewPhoneFormatter()); err != nil {
		return nil, err
	}
	if err := reg.Register(fetcher.NewEmailDomain()); err != nil {
		return nil, err
	}

	if at := fc.AuthorityTable; at.Path != "" {
		lookup, err := fetcher.NewTableLookup(fetcher.TableOptions{
			Name:       at.Name,
			Path:       at.Path,
			KeyColumn:  at.KeyColumn,
			KeyField:   at.KeyField,
			Confidence: at.Confidence,
			Priority:   at.Priority,
		})
		if err != nil {
			return nil, eris.Wrap(err, "load authority table")
		}
		if err := reg.Register(lookup); err != nil {
			return nil, err
		}
		zap.L().Info("authority table loaded", zap.String("name", at.Name), zap.Int("rows", lookup.Len()))
	}

	for _, src := range fc.HTTP {
		f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			Name:     src.Name,
			Provider: src.Provider,
			URL:      src.URL,
			Crawl:    src.Crawl,
			Priority: src.Priority,
			Fields:   src.Fields,
			Inputs:   src.Inputs,
			APIKey:   src.APIKey,
			Timeout:  time.Duration(src.TimeoutSecs) * time.Second,
		})
		if err := reg.Register(f); err != nil {
			return nil, eris.Wrapf(err, "register http fetcher %s", src.Name)
		}
	}
	return reg, nil
}

// openAuditLog builds the audit log over the JSONL file and the store, and
// continues the chain from whichever holds the later entry.
func openAuditLog(ctx context.Context, ac config.AuditConfig, st store.Store) (*ledger.AuditLog, error) {
	sink, err := ledger.NewFileSink(ac.Path)
	if err != nil {
		return nil, eris.Wrap(err, "open audit file")
	}
	audit := ledger.NewAuditLog(sink, st)
	audit.RedactFields(ac.RedactFields...)

	fileEntries, err := ledger.ReadJSONL(ac.Path)
	if err != nil {
		return nil, eris.Wrap(err, "read audit file")
	}
	if n := len(fileEntries); n > 0 {
		audit.Resume(fileEntries[n-1])
	}
	last, err := st.LastAudit(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "read last audit entry")
	}
	if last != nil {
		audit.Resume(*last)
	}
	return audit, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
