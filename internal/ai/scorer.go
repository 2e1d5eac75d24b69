package ai

import (
	"context"
)

// Requirement is one weighted evaluation criterion for a run.
type Requirement struct {
	Name   string  `mapstructure:"name" json:"name"`
	Weight float64 `mapstructure:"weight" json:"weight"`
}

// Assessment is the scoring result for a single candidate record.
// Scores holds one value in [0,1] per requirement name.
type Assessment struct {
	Scores  map[string]float64
	Overall float64
	Reason  string
	Raw     string
}

// Scorer evaluates a full candidate record against the requirements.
type Scorer interface {
	Score(ctx context.Context, record map[string]any, requirements []Requirement) (*Assessment, error)
}

// Combine folds per-requirement scores into a weighted mean. Requirements
// without a score contribute zero; weights are normalized so the result
// stays in [0,1]. A requirement with weight <= 0 counts as weight 1.
func Combine(scores map[string]float64, requirements []Requirement) float64 {
	var total, weights float64
	for _, req := range requirements {
		weight := req.Weight
		if weight <= 0 {
			weight = 1
		}
		weights += weight
		total += weight * clamp01(scores[req.Name])
	}

	if weights == 0 {
		return 0
	}
	return total / weights
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
