package experiment

import (
	"math"
	"sort"
)

type WinnerStatus string

const (
	// WinnerInsufficientData: the leading variant has fewer than 100
	// participants. Checked before the effect-size gap so a small-sample
	// "winner" is never reported no matter how large the gap looks.
	WinnerInsufficientData WinnerStatus = "insufficient_data"
	// WinnerNoClear: the top two conversion rates differ by less than one
	// percentage point.
	WinnerNoClear WinnerStatus = "no_clear_winner"
	WinnerFound   WinnerStatus = "winner"
)

const (
	minWinnerParticipants = 100
	minWinnerGapPoints    = 1.0
)

// MetricSummary is the derived view of one metric aggregate.
type MetricSummary struct {
	Average float64 `json:"average"`
	Total   float64 `json:"total"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Count   int     `json:"count"`
}

// VariantSummary is the derived per-variant result.
type VariantSummary struct {
	VariantID    string                   `json:"variant_id"`
	Name         string                   `json:"name"`
	Participants int                      `json:"participants"`
	Conversions  int                      `json:"conversions"`
	// ConversionRate is a percentage rounded to two decimal places.
	ConversionRate float64                  `json:"conversion_rate"`
	Metrics        map[string]MetricSummary `json:"metrics,omitempty"`
}

// Winner is the outcome of winner determination.
type Winner struct {
	Status    WinnerStatus `json:"status"`
	VariantID string       `json:"variant_id,omitempty"`
	// Improvement is the leading variant's relative conversion-rate gain
	// over the runner-up, in percent.
	Improvement float64 `json:"improvement,omitempty"`
}

// Summary is the full calculated result of one experiment.
type Summary struct {
	ExperimentID string           `json:"experiment_id"`
	Name         string           `json:"name"`
	Status       Status           `json:"status"`
	Participants int              `json:"participants"`
	Variants     []VariantSummary `json:"variants"`
	Winner       Winner           `json:"winner"`
	// Significance is populated for two-variant experiments only.
	Significance *Significance `json:"significance,omitempty"`
}

// CalculateResults derives per-variant rates, winner determination, and
// (for two-variant experiments) statistical significance.
func (m *Manager) CalculateResults(experimentID string) (*Summary, error) {
	exp, err := m.Snapshot(experimentID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		ExperimentID: exp.ID,
		Name:         exp.Name,
		Status:       exp.Status,
		Participants: exp.Participants,
	}

	for _, v := range exp.Variants {
		r := exp.Results[v.ID]
		if r == nil {
			r = &VariantResult{}
		}

		vs := VariantSummary{
			VariantID:    v.ID,
			Name:         v.Name,
			Participants: r.Participants,
			Conversions:  r.Conversions,
		}
		if r.Participants > 0 {
			vs.ConversionRate = round2(float64(r.Conversions) / float64(r.Participants) * 100)
		}
		if len(r.Metrics) > 0 {
			vs.Metrics = make(map[string]MetricSummary, len(r.Metrics))
			for name, agg := range r.Metrics {
				ms := MetricSummary{Total: agg.Sum, Min: agg.Min, Max: agg.Max, Count: agg.Count}
				if agg.Count > 0 {
					ms.Average = agg.Sum / float64(agg.Count)
				}
				vs.Metrics[name] = ms
			}
		}
		summary.Variants = append(summary.Variants, vs)
	}

	// Sort by conversion rate, highest first. Stable so equal rates keep
	// catalog order.
	sort.SliceStable(summary.Variants, func(i, j int) bool {
		return summary.Variants[i].ConversionRate > summary.Variants[j].ConversionRate
	})

	summary.Winner = determineWinner(summary.Variants)

	if len(summary.Variants) == 2 {
		sig := TwoProportionTest(
			summary.Variants[0].Conversions, summary.Variants[0].Participants,
			summary.Variants[1].Conversions, summary.Variants[1].Participants,
		)
		summary.Significance = &sig
	}

	return summary, nil
}

// determineWinner applies the sample-size check before the effect-size
// check, in that order.
func determineWinner(sorted []VariantSummary) Winner {
	if len(sorted) == 0 {
		return Winner{Status: WinnerInsufficientData}
	}

	lead := sorted[0]
	if lead.Participants < minWinnerParticipants {
		return Winner{Status: WinnerInsufficientData}
	}
	if len(sorted) < 2 {
		return Winner{Status: WinnerNoClear}
	}

	runnerUp := sorted[1]
	gap := lead.ConversionRate - runnerUp.ConversionRate
	if gap < minWinnerGapPoints {
		return Winner{Status: WinnerNoClear}
	}

	improvement := 100.0
	if runnerUp.ConversionRate > 0 {
		improvement = round2(gap / runnerUp.ConversionRate * 100)
	}
	return Winner{Status: WinnerFound, VariantID: lead.VariantID, Improvement: improvement}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
