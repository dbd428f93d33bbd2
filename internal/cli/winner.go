package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fourpillars/adpilot/internal/experiment"
	"github.com/fourpillars/adpilot/internal/store"
)

func init() {
	rootCmd.AddCommand(newWinnerCmd())
}

func newWinnerCmd() *cobra.Command {
	var variantID string

	cmd := &cobra.Command{
		Use:   "winner <id>",
		Short: "Declare a winner for an experiment",
		Long: `Declare a winning variant and end the experiment.

The server stops assigning new sessions to an ended experiment; existing
assignments keep their variant until the cookie expires.

Example:
  adpilot winner ad-placement --variant bottom`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			return withStore(func(s *store.SQLiteStore) error {
				ctx := context.Background()

				exp, err := s.GetExperiment(ctx, id)
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("experiment '%s' not found", id)
					}
					return fmt.Errorf("failed to get experiment: %w", err)
				}

				if exp.Status != experiment.StatusActive {
					return fmt.Errorf("experiment is not active (current status: %s)", exp.Status)
				}

				found := false
				for _, v := range exp.Variants {
					if v.ID == variantID {
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("experiment '%s' has no variant '%s'", id, variantID)
				}

				if err := s.UpdateExperimentStatus(ctx, id, experiment.StatusEnded, variantID); err != nil {
					return fmt.Errorf("failed to set winner: %w", err)
				}

				fmt.Printf("Declared winner for experiment '%s': %s\n", id, variantID)
				fmt.Println("Experiment has been ended.")
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&variantID, "variant", "v", "", "winning variant id (required)")
	cmd.MarkFlagRequired("variant")

	return cmd
}
