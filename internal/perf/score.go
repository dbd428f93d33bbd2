package perf

import "math"

// Score weighting: viewability 30%, CTR 25%, hover engagement 20%, inverse
// error rate 15%, web vitals composite 10%.
const (
	weightViewability = 0.30
	weightCTR         = 0.25
	weightHover       = 0.20
	weightErrors      = 0.15
	weightVitals      = 0.10

	ctrCap        = 0.10 // CTR at or above 10% scores full marks
	errorRateCap  = 0.10 // error rate at or above 10% scores zero
	hoverTargetMs = 3000 // average hover at or above 3s scores full marks
)

// UnitSummary is the derived per-unit view.
type UnitSummary struct {
	Impressions         int     `json:"impressions"`
	ViewableImpressions int     `json:"viewable_impressions"`
	Clicks              int     `json:"clicks"`
	Errors              int     `json:"errors"`
	ViewabilityRate     float64 `json:"viewability_rate"`
	CTR                 float64 `json:"ctr"`
	AvgHoverMs          float64 `json:"avg_hover_ms"`
	AvgLoadMs           float64 `json:"avg_load_ms"`
}

// Summary is the aggregate performance view for the current day.
type Summary struct {
	Day                 string                 `json:"day"`
	PageViews           int                    `json:"page_views"`
	Impressions         int                    `json:"impressions"`
	ViewableImpressions int                    `json:"viewable_impressions"`
	Clicks              int                    `json:"clicks"`
	Errors              int                    `json:"errors"`
	Units               map[string]UnitSummary `json:"units"`
	Vitals              Vitals                 `json:"vitals"`
	Score               float64                `json:"score"`
	// Scored is false when there are no impressions to score against.
	Scored bool `json:"scored"`
}

// Summary derives totals, per-unit rates, and the weighted score.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		Day:       t.day,
		PageViews: t.pageViews,
		Units:     make(map[string]UnitSummary, len(t.units)),
		Vitals:    t.vitals,
	}

	var hoverSum float64
	var hoverCount int
	for name, m := range t.units {
		us := UnitSummary{
			Impressions:         m.Impressions,
			ViewableImpressions: m.ViewableImpressions,
			Clicks:              m.Clicks,
			Errors:              m.Errors,
			AvgHoverMs:          mean(m.HoverMs),
			AvgLoadMs:           mean(m.LoadTimesMs),
		}
		if m.Impressions > 0 {
			us.ViewabilityRate = float64(m.ViewableImpressions) / float64(m.Impressions)
			us.CTR = float64(m.Clicks) / float64(m.Impressions)
		}
		s.Units[name] = us

		s.Impressions += m.Impressions
		s.ViewableImpressions += m.ViewableImpressions
		s.Clicks += m.Clicks
		s.Errors += m.Errors
		hoverSum += sum(m.HoverMs)
		hoverCount += len(m.HoverMs)
	}

	if s.Impressions == 0 {
		return s
	}
	s.Scored = true

	viewability := math.Min(float64(s.ViewableImpressions)/float64(s.Impressions), 1)
	ctr := math.Min(float64(s.Clicks)/float64(s.Impressions), ctrCap) / ctrCap
	hover := 0.0
	if hoverCount > 0 {
		hover = math.Min(hoverSum/float64(hoverCount)/hoverTargetMs, 1)
	}
	errRate := math.Min(float64(s.Errors)/float64(s.Impressions), errorRateCap) / errorRateCap
	vitals := vitalsComposite(t.vitals)

	s.Score = 100 * (weightViewability*viewability +
		weightCTR*ctr +
		weightHover*hover +
		weightErrors*(1-errRate) +
		weightVitals*vitals)
	return s
}

// vitalsComposite scores each vital 1 under its good threshold, 0.5 under
// the needs-improvement threshold, else 0, and averages the three. Pages
// that never reported vitals are not penalized.
func vitalsComposite(v Vitals) float64 {
	if !v.Seen {
		return 1
	}
	cls := thresholdScore(v.CLS, 0.1, 0.25)
	fid := thresholdScore(v.FIDMs, 100, 300)
	lcp := thresholdScore(v.LCPMs, 2500, 4000)
	return (cls + fid + lcp) / 3
}

func thresholdScore(value, good, poor float64) float64 {
	switch {
	case value < good:
		return 1
	case value < poor:
		return 0.5
	default:
		return 0
	}
}

// LeastViewableUnits returns up to n unit names ordered by ascending
// viewability rate; used to pick eviction candidates.
func (t *Tracker) LeastViewableUnits(n int) []string {
	summary := t.Summary()

	type entry struct {
		name string
		rate float64
	}
	entries := make([]entry, 0, len(summary.Units))
	for name, u := range summary.Units {
		entries = append(entries, entry{name, u.ViewabilityRate})
	}
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && (entries[j].rate < entries[j-1].rate ||
			(entries[j].rate == entries[j-1].rate && entries[j].name < entries[j-1].name)); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	if n > len(entries) {
		n = len(entries)
	}
	names := make([]string, 0, n)
	for _, e := range entries[:n] {
		names = append(names, e.name)
	}
	return names
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	return sum(vals) / float64(len(vals))
}

func sum(vals []float64) float64 {
	total := 0.0
	for _, v := range vals {
		total += v
	}
	return total
}
