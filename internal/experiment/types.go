// Package experiment implements the A/B testing framework: a static
// catalog of weighted experiments, sticky per-session variant assignment,
// per-variant metric aggregation, and winner/significance analysis.
package experiment

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Variant is one configuration arm of an experiment. Config is opaque to
// this package; the ad engine and orchestrator interpret it (placements,
// size tables, refresh parameters, lazy-load margins).
type Variant struct {
	ID     string         `yaml:"id" json:"id"`
	Name   string         `yaml:"name" json:"name"`
	Weight float64        `yaml:"weight" json:"weight"`
	Config map[string]any `yaml:"config" json:"config,omitempty"`
}

// Experiment is defined once at startup and never created by end users.
type Experiment struct {
	ID           string    `yaml:"id" json:"id"`
	Name         string    `yaml:"name" json:"name"`
	Description  string    `yaml:"description" json:"description,omitempty"`
	Variants     []Variant `yaml:"variants" json:"variants"`
	Metrics      []string  `yaml:"metrics" json:"metrics,omitempty"`
	DurationDays int       `yaml:"duration_days" json:"duration_days,omitempty"`

	StartedAt    time.Time `yaml:"-" json:"started_at"`
	EndsAt       time.Time `yaml:"-" json:"ends_at"`
	Status       Status    `yaml:"-" json:"status"`
	Participants int       `yaml:"-" json:"participants"`
	Winner       string    `yaml:"-" json:"winner,omitempty"`

	// Results is keyed by variant id.
	Results map[string]*VariantResult `yaml:"-" json:"results"`
}

// MetricAgg is a running aggregate for one named metric on one variant.
type MetricAgg struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

func (a *MetricAgg) add(v float64) {
	if a.Count == 0 || v < a.Min {
		a.Min = v
	}
	if a.Count == 0 || v > a.Max {
		a.Max = v
	}
	a.Count++
	a.Sum += v
}

// VariantResult accumulates per-variant outcomes.
type VariantResult struct {
	Participants int                   `json:"participants"`
	Conversions  int                   `json:"conversions"`
	Metrics      map[string]*MetricAgg `json:"metrics"`
}

var (
	ErrNotFound = errors.New("experiment not found")
)

// Validate checks structural soundness. Weights must be non-negative with a
// positive total; they are deliberately NOT normalized to sum to 1.0: a
// catalog whose weights sum below 1.0 over-selects its last variant, and
// the assigner preserves that behavior.
func (e *Experiment) Validate() error {
	if e == nil {
		return errors.New("experiment cannot be nil")
	}
	if e.ID == "" {
		return errors.New("experiment ID is required")
	}
	if len(e.Variants) == 0 {
		return fmt.Errorf("experiment %s: no variants defined", e.ID)
	}

	total := 0.0
	seen := make(map[string]bool, len(e.Variants))
	for _, v := range e.Variants {
		if v.ID == "" {
			return fmt.Errorf("experiment %s: variant ID is required", e.ID)
		}
		if seen[v.ID] {
			return fmt.Errorf("experiment %s: duplicate variant %s", e.ID, v.ID)
		}
		seen[v.ID] = true
		if v.Weight < 0 {
			return fmt.Errorf("experiment %s: invalid variant weights", e.ID)
		}
		total += v.Weight
	}
	if total <= 0 {
		return fmt.Errorf("experiment %s: invalid variant weights", e.ID)
	}

	return nil
}
