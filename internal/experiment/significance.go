package experiment

import "math"

// Significance is the outcome of the two-proportion z-test.
type Significance struct {
	Significant bool    `json:"significant"`
	Confidence  float64 `json:"confidence"` // percent
	ZScore      float64 `json:"z_score"`
	Reason      string  `json:"reason,omitempty"`
}

// minSignificanceSample is the per-variant floor below which no test is run.
const minSignificanceSample = 30

// TwoProportionTest performs a pooled-proportion z-test between two
// variants. The z-to-confidence mapping uses fixed thresholds with a linear
// z*40 scale capped at 89% below the 90% threshold; this coarse scale is a
// long-standing reporting contract and is kept as-is rather than replaced
// with an exact p-value. "Significant" means confidence >= 95%.
func TwoProportionTest(aConv, aPart, bConv, bPart int) Significance {
	if aPart < minSignificanceSample || bPart < minSignificanceSample {
		return Significance{Reason: "insufficient sample size"}
	}

	pA := float64(aConv) / float64(aPart)
	pB := float64(bConv) / float64(bPart)

	// Pooled proportion under the null hypothesis pA == pB.
	pooled := float64(aConv+bConv) / float64(aPart+bPart)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(aPart) + 1/float64(bPart)))
	if se == 0 {
		return Significance{Reason: "no variance"}
	}

	z := math.Abs(pA-pB) / se
	confidence := confidenceFromZ(z)

	return Significance{
		Significant: confidence >= 95,
		Confidence:  confidence,
		ZScore:      z,
	}
}

func confidenceFromZ(z float64) float64 {
	switch {
	case z > 2.58:
		return 99
	case z > 1.96:
		return 95
	case z > 1.64:
		return 90
	default:
		return math.Min(z*40, 89)
	}
}
