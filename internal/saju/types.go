// Package saju talks to the external Four Pillars calculation service. The
// astrological algorithms themselves live behind the calculate and
// compatibility endpoints; this package only shapes requests, caches the
// last result, and computes deterministic fallbacks when the service is
// unreachable.
package saju

// PersonInput is the birth data for one person.
type PersonInput struct {
	BirthDate string `json:"birthDate"` // YYYY-MM-DD
	BirthTime string `json:"birthTime"` // HH:MM
	Gender    string `json:"gender,omitempty"`
	IsLunar   bool   `json:"isLunar,omitempty"`
}

// Pillar is one stem+branch pair, in native script plus romanized fields.
type Pillar struct {
	Stem        string `json:"stem"`
	Branch      string `json:"branch"`
	StemRoman   string `json:"stem_roman,omitempty"`
	BranchRoman string `json:"branch_roman,omitempty"`
}

// CalculateResult is the calculation service's response.
type CalculateResult struct {
	Pillars  map[string]Pillar  `json:"pillars"` // year, month, day, hour
	Elements map[string]float64 `json:"elements"`
	Status   string             `json:"status,omitempty"`
}

// CompatibilityRequest pairs two birth inputs.
type CompatibilityRequest struct {
	Person1 PersonInput `json:"person1"`
	Person2 PersonInput `json:"person2"`
}

// CompatibilityResult carries the overall 0-100 score plus sub-scores and
// free-text advice.
type CompatibilityResult struct {
	Score     int            `json:"score"`
	SubScores map[string]int `json:"sub_scores"`
	Advice    string         `json:"advice"`
	Fallback  bool           `json:"fallback,omitempty"`
}
