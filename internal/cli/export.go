package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fourpillars/adpilot/internal/experiment"
	"github.com/fourpillars/adpilot/internal/store"
)

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export [id]",
	Short: "Export experiment results",
	Long: `Export calculated experiment results in CSV or JSON format. Exports
all experiments when no id is given.

Examples:
  adpilot export --format csv > results.csv
  adpilot export ad-placement --format json > ad-placement.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "output format (csv or json)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	if exportFormat != "csv" && exportFormat != "json" {
		return fmt.Errorf("invalid format: must be 'csv' or 'json'")
	}

	return withStore(func(s *store.SQLiteStore) error {
		ctx := context.Background()

		var ids []string
		if len(args) == 1 {
			ids = []string{args[0]}
		} else {
			experiments, err := s.ListExperiments(ctx)
			if err != nil {
				return fmt.Errorf("failed to list experiments: %w", err)
			}
			for _, exp := range experiments {
				ids = append(ids, exp.ID)
			}
		}

		var summaries []*experiment.Summary
		for _, id := range ids {
			summary, _, err := storedSummary(ctx, s, id)
			if err != nil {
				return err
			}
			summaries = append(summaries, summary)
		}

		if exportFormat == "csv" {
			return exportCSV(summaries)
		}
		return exportJSON(ctx, s, summaries)
	})
}

func exportCSV(summaries []*experiment.Summary) error {
	w := csv.NewWriter(os.Stdout)
	defer w.Flush()

	if err := w.Write([]string{"experiment", "status", "variant", "participants", "conversions", "conversion_rate", "winner"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, s := range summaries {
		for _, v := range s.Variants {
			isWinner := "false"
			if s.Winner.Status == experiment.WinnerFound && v.VariantID == s.Winner.VariantID {
				isWinner = "true"
			}
			row := []string{
				s.ExperimentID,
				string(s.Status),
				v.VariantID,
				strconv.Itoa(v.Participants),
				strconv.Itoa(v.Conversions),
				fmt.Sprintf("%.2f", v.ConversionRate),
				isWinner,
			}
			if err := w.Write(row); err != nil {
				return fmt.Errorf("failed to write row: %w", err)
			}
		}
	}

	return nil
}

type jsonExport struct {
	ExportedAt   time.Time             `json:"exported_at"`
	Experiments  []*experiment.Summary `json:"experiments"`
	EventCounts  map[string]int        `json:"event_counts,omitempty"`
	DailySummary json.RawMessage       `json:"daily_summary,omitempty"`
}

func exportJSON(ctx context.Context, s *store.SQLiteStore, summaries []*experiment.Summary) error {
	export := jsonExport{
		ExportedAt:  time.Now().UTC(),
		Experiments: summaries,
	}

	if counts, err := s.EventCounts(ctx); err == nil && len(counts) > 0 {
		export.EventCounts = counts
	}
	today := time.Now().UTC().Format("2006-01-02")
	if daily, err := s.GetDailySummary(ctx, today); err == nil && daily != "" {
		export.DailySummary = json.RawMessage(daily)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
