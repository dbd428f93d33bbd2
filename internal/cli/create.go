package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/fourpillars/adpilot/internal/experiment"
	"github.com/fourpillars/adpilot/internal/store"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	var (
		name         string
		variants     string
		metricNames  string
		durationDays int
	)

	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a new experiment",
		Long: `Create an experiment in the local database. Variants are given as
comma-separated id:weight pairs; weights are used as-is for cumulative
sampling and are not normalized.

Examples:
  adpilot create ad-placement --variants "control:0.5,bottom:0.5"
  adpilot create refresh-rate --variants "30s:0.34,45s:0.33,60s:0.33" --duration 14

Run without flags for interactive prompts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			if variants == "" {
				var err error
				name, variants, durationDays, err = promptExperiment(id)
				if err != nil {
					return err
				}
			}
			if name == "" {
				name = id
			}

			variantList, err := parseVariants(variants)
			if err != nil {
				return err
			}
			if len(variantList) < 2 {
				return fmt.Errorf("need at least 2 variants. Example: --variants \"control:0.5,test:0.5\"")
			}

			exp := &experiment.Experiment{
				ID:           id,
				Name:         name,
				Variants:     variantList,
				DurationDays: durationDays,
			}
			if metricNames != "" {
				for _, m := range strings.Split(metricNames, ",") {
					exp.Metrics = append(exp.Metrics, strings.TrimSpace(m))
				}
			}
			if err := exp.Validate(); err != nil {
				return err
			}

			return withStore(func(s *store.SQLiteStore) error {
				ctx := context.Background()

				if _, err := s.GetExperiment(ctx, id); err == nil {
					return fmt.Errorf("experiment '%s' already exists", id)
				}

				exp.Status = experiment.StatusActive
				if err := s.SaveExperiment(ctx, exp); err != nil {
					return fmt.Errorf("failed to create experiment: %w", err)
				}

				fmt.Printf("Created experiment '%s' with %d variants:\n", exp.ID, len(exp.Variants))
				for _, v := range exp.Variants {
					fmt.Printf("  %s (weight %.2f)\n", v.ID, v.Weight)
				}
				if durationDays > 0 {
					fmt.Printf("  Duration: %d days\n", durationDays)
				}
				fmt.Println("\nThe server picks it up on next start.")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "human-readable experiment name")
	cmd.Flags().StringVarP(&variants, "variants", "v", "", "comma-separated id:weight pairs")
	cmd.Flags().StringVarP(&metricNames, "metrics", "m", "", "comma-separated tracked metric names")
	cmd.Flags().IntVarP(&durationDays, "duration", "d", 0, "experiment duration in days (0 = no deadline)")

	return cmd
}

func promptExperiment(id string) (name, variants string, durationDays int, err error) {
	namePrompt := promptui.Prompt{
		Label:   "Experiment name",
		Default: id,
	}
	name, err = namePrompt.Run()
	if err != nil {
		return "", "", 0, err
	}

	variantsPrompt := promptui.Prompt{
		Label:   "Variants (id:weight, comma separated)",
		Default: "control:0.5,test:0.5",
		Validate: func(input string) error {
			parsed, err := parseVariants(input)
			if err != nil {
				return err
			}
			if len(parsed) < 2 {
				return fmt.Errorf("need at least 2 variants")
			}
			return nil
		},
	}
	variants, err = variantsPrompt.Run()
	if err != nil {
		return "", "", 0, err
	}

	durationPrompt := promptui.Prompt{
		Label:   "Duration in days (0 = no deadline)",
		Default: "30",
		Validate: func(input string) error {
			_, err := strconv.Atoi(input)
			return err
		},
	}
	durationStr, err := durationPrompt.Run()
	if err != nil {
		return "", "", 0, err
	}
	durationDays, _ = strconv.Atoi(durationStr)

	return name, variants, durationDays, nil
}

func parseVariants(input string) ([]experiment.Variant, error) {
	var out []experiment.Variant
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id := part
		weight := 0.0
		if idx := strings.LastIndex(part, ":"); idx > 0 {
			id = strings.TrimSpace(part[:idx])
			w, err := strconv.ParseFloat(strings.TrimSpace(part[idx+1:]), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid weight in %q", part)
			}
			weight = w
		}
		out = append(out, experiment.Variant{ID: id, Name: id, Weight: weight})
	}

	// Bare variant lists get uniform weights.
	needsWeights := true
	for _, v := range out {
		if v.Weight != 0 {
			needsWeights = false
			break
		}
	}
	if needsWeights && len(out) > 0 {
		w := 1.0 / float64(len(out))
		for i := range out {
			out[i].Weight = w
		}
	}

	return out, nil
}
