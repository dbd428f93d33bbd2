package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fourpillars/adpilot/internal/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all experiments",
	Long:  `List all experiments with their status and participation counts.`,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.SQLiteStore) error {
		ctx := context.Background()

		experiments, err := s.ListExperiments(ctx)
		if err != nil {
			return fmt.Errorf("failed to list experiments: %w", err)
		}

		if len(experiments) == 0 {
			fmt.Println("No experiments yet.")
			fmt.Println()
			fmt.Println("Define experiments in the config file or create one:")
			fmt.Println("  adpilot create my-experiment --variants \"control:0.5,test:0.5\"")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tVARIANTS\tPARTICIPANTS\tCONVERSIONS\tWINNER\tENDS")

		for _, exp := range experiments {
			conversions := 0
			for _, r := range exp.Results {
				conversions += r.Conversions
			}

			winner := exp.Winner
			if winner == "" {
				winner = "-"
			}
			ends := "-"
			if !exp.EndsAt.IsZero() {
				ends = exp.EndsAt.Format("2006-01-02")
			}

			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				exp.ID,
				strings.ToUpper(string(exp.Status)),
				len(exp.Variants),
				formatNumber(exp.Participants),
				formatNumber(conversions),
				winner,
				ends,
			)
		}

		w.Flush()
		return nil
	})
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}
