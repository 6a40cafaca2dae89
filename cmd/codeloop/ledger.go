package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"codeloop/internal/config"
	"codeloop/internal/ledger"
)

type ledgerOptions struct {
	target     string
	runID      string
	jsonOutput bool
}

func newLedgerCmd(g *globalOptions) *cobra.Command {
	o := &ledgerOptions{}
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List the files changed per iteration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd, func(cfg *config.Config) {
				if cmd.Flags().Changed("ledger") {
					cfg.Ledger.Target = o.target
				}
				// listing never calls a model
				cfg.LLM.Provider = "fake"
			})
			if err != nil {
				return err
			}
			return o.list(cmd.Context(), g, cfg.Ledger.Target)
		},
	}
	cmd.Flags().StringVar(&o.target, "ledger", "", "ledger target to read")
	cmd.Flags().StringVar(&o.runID, "run", "", "only entries of this run (database and redis ledgers)")
	cmd.Flags().BoolVar(&o.jsonOutput, "json", false, "print entries as JSON")
	return cmd
}

type runReader interface {
	EntriesForRun(ctx context.Context, runID string) ([]ledger.Entry, error)
}

func (o *ledgerOptions) list(ctx context.Context, g *globalOptions, target string) error {
	store, err := ledger.Open(ctx, target)
	if err != nil {
		return err
	}
	defer store.Close()

	var entries []ledger.Entry
	if rr, ok := store.(runReader); ok && o.runID != "" {
		entries, err = rr.EntriesForRun(ctx, o.runID)
	} else {
		entries, err = store.Entries(ctx)
		if err == nil && o.runID != "" {
			kept := entries[:0]
			for _, e := range entries {
				if e.RunID == o.runID {
					kept = append(kept, e)
				}
			}
			entries = kept
		}
	}
	if err != nil {
		return err
	}

	if o.jsonOutput {
		if entries == nil {
			entries = []ledger.Entry{}
		}
		enc := json.NewEncoder(g.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITERATION\tFILENAME\tTIMESTAMP\tRUN")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.Iteration, e.Filename, e.Timestamp.UTC().Format(time.RFC3339), e.RunID)
	}
	return tw.Flush()
}
