package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fourpillars/adpilot/internal/bus"
	"github.com/fourpillars/adpilot/internal/experiment"
	"github.com/fourpillars/adpilot/internal/kv"
	"github.com/fourpillars/adpilot/internal/store"
)

var resultsCmd = &cobra.Command{
	Use:   "results <id>",
	Short: "Show detailed results for an experiment",
	Long:  `Show per-variant conversion rates, winner determination, and statistical significance.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
}

func runResults(cmd *cobra.Command, args []string) error {
	id := args[0]

	return withStore(func(s *store.SQLiteStore) error {
		summary, exp, err := storedSummary(context.Background(), s, id)
		if err != nil {
			return err
		}

		fmt.Printf("EXPERIMENT: %s\n", summary.ExperimentID)
		if summary.Name != summary.ExperimentID {
			fmt.Printf("NAME: %s\n", summary.Name)
		}
		fmt.Printf("STATUS: %s\n", summary.Status)
		if !exp.StartedAt.IsZero() {
			fmt.Printf("STARTED: %s\n", exp.StartedAt.Format("2006-01-02"))
		}
		if !exp.EndsAt.IsZero() {
			fmt.Printf("ENDS: %s\n", exp.EndsAt.Format("2006-01-02"))
		}
		fmt.Println()

		fmt.Println("VARIANT           PARTICIPANTS  CONVERSIONS  RATE")
		fmt.Println(strings.Repeat("─", 55))

		for _, v := range summary.Variants {
			indicator := ""
			if summary.Winner.Status == experiment.WinnerFound && v.VariantID == summary.Winner.VariantID {
				indicator = " ← WINNER"
			}

			name := v.VariantID
			if len(name) > 16 {
				name = name[:13] + "..."
			}

			fmt.Printf("%-16s  %-12d  %-11d  %.2f%%%s\n",
				name, v.Participants, v.Conversions, v.ConversionRate, indicator)
		}

		fmt.Println()

		switch summary.Winner.Status {
		case experiment.WinnerFound:
			fmt.Printf("Winner: %s (+%.2f%% over runner-up)\n", summary.Winner.VariantID, summary.Winner.Improvement)
		case experiment.WinnerNoClear:
			fmt.Println("No clear winner: conversion rates are within one percentage point.")
		default:
			fmt.Println("Not enough data to determine a winner (leading variant needs 100+ participants).")
		}

		if sig := summary.Significance; sig != nil {
			if sig.Reason != "" {
				fmt.Printf("Statistical significance: not tested (%s)\n", sig.Reason)
			} else if sig.Significant {
				fmt.Printf("Statistical significance: %.0f%% confident (z=%.2f)\n", sig.Confidence, sig.ZScore)
			} else {
				fmt.Printf("Statistical significance: %.0f%% confidence, not yet significant (z=%.2f)\n", sig.Confidence, sig.ZScore)
			}
		}

		if len(exp.Metrics) > 0 {
			printMetrics(summary)
		}

		return nil
	})
}

func printMetrics(summary *experiment.Summary) {
	fmt.Println()
	fmt.Println("METRICS")
	for _, v := range summary.Variants {
		if len(v.Metrics) == 0 {
			continue
		}
		fmt.Printf("  %s:\n", v.VariantID)
		for name, m := range v.Metrics {
			fmt.Printf("    %-20s avg %.2f  min %.2f  max %.2f  (n=%d)\n",
				name, m.Average, m.Min, m.Max, m.Count)
		}
	}
}

// storedSummary hydrates a persisted experiment into an offline manager and
// calculates its results.
func storedSummary(ctx context.Context, s *store.SQLiteStore, id string) (*experiment.Summary, *experiment.Experiment, error) {
	exp, err := s.GetExperiment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("experiment '%s' not found", id)
		}
		return nil, nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	m := experiment.NewManager(kv.NewMemory(), bus.New(), zap.NewNop())
	if err := m.Hydrate(exp); err != nil {
		return nil, nil, fmt.Errorf("failed to load experiment: %w", err)
	}

	summary, err := m.CalculateResults(id)
	if err != nil {
		return nil, nil, err
	}
	return summary, exp, nil
}
