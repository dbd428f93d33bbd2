package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fourpillars/adpilot/internal/bus"
	"github.com/fourpillars/adpilot/internal/config"
	"github.com/fourpillars/adpilot/internal/experiment"
	"github.com/fourpillars/adpilot/internal/kv"
	"github.com/fourpillars/adpilot/internal/store"
)

func init() {
	rootCmd.AddCommand(newSimulateCmd())
}

func newSimulateCmd() *cobra.Command {
	var draws int

	cmd := &cobra.Command{
		Use:   "simulate <id>",
		Short: "Simulate variant assignment for an experiment",
		Long: `Draw N synthetic sessions through the assigner and print the observed
variant distribution next to the configured weights.

Useful for sanity-checking a catalog before deploying it: weights are
used as-is for cumulative sampling, so a catalog whose weights sum below
1.0 over-selects its last variant.

Example:
  adpilot simulate ad-placement --draws 10000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			exp, err := findExperiment(id)
			if err != nil {
				return err
			}

			m := experiment.NewManager(kv.NewMemory(), bus.New(), zap.NewNop())
			if err := m.Register(exp); err != nil {
				return err
			}

			ctx := context.Background()
			counts := make(map[string]int, len(exp.Variants))
			for i := 0; i < draws; i++ {
				variant, ok := m.Variant(ctx, uuid.NewString(), id)
				if !ok {
					return fmt.Errorf("assignment failed for experiment '%s'", id)
				}
				counts[variant]++
			}

			totalWeight := 0.0
			for _, v := range exp.Variants {
				totalWeight += v.Weight
			}

			fmt.Printf("Simulated %d sessions for experiment '%s':\n\n", draws, id)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VARIANT\tWEIGHT\tDRAWS\tOBSERVED")
			for _, v := range exp.Variants {
				fmt.Fprintf(w, "%s\t%.2f\t%d\t%.1f%%\n",
					v.ID, v.Weight, counts[v.ID], float64(counts[v.ID])/float64(draws)*100)
			}
			w.Flush()

			if totalWeight < 0.999 {
				last := exp.Variants[len(exp.Variants)-1]
				fmt.Printf("\nNote: weights sum to %.2f; the remaining %.1f%% of draws fall to '%s'.\n",
					totalWeight, (1-totalWeight)*100, last.ID)
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&draws, "draws", "n", 10000, "number of synthetic sessions to draw")

	return cmd
}

// findExperiment looks in the config catalog first, then the database.
func findExperiment(id string) (*experiment.Experiment, error) {
	if cfg, err := config.Load(configPath); err == nil {
		for _, exp := range cfg.Experiments {
			if exp.ID == id {
				return exp, nil
			}
		}
	}

	var found *experiment.Experiment
	err := withStore(func(s *store.SQLiteStore) error {
		exp, err := s.GetExperiment(context.Background(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("experiment '%s' not found in config or database", id)
			}
			return fmt.Errorf("failed to get experiment: %w", err)
		}
		// Reset runtime state so Register treats it as fresh.
		exp.Status = ""
		exp.Participants = 0
		exp.Results = nil
		found = exp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
