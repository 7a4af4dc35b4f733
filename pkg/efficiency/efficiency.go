// Package efficiency turns an evaluation loss into the per-trial metric bundle
// recorded by the harness.
package efficiency

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrDivisionByZero = errors.New("division by zero")
	ErrInvalidLoss    = errors.New("evaluation loss must be a non-negative number")
)

// Constants are the fixed reference values the bundle is normalized against.
type Constants struct {
	TopsUsed           float64
	ParameterCount     float64
	BaselineEfficiency float64
}

func DefaultConstants() Constants {
	return Constants{
		TopsUsed:           275.0,
		ParameterCount:     7_000_000_000,
		BaselineEfficiency: 5e-9,
	}
}

// Bundle holds the derived scalars for one trial. Accuracy is 1/perplexity,
// a proxy and not a classification accuracy.
type Bundle struct {
	Perplexity              float64 `json:"perplexity"`
	Accuracy                float64 `json:"accuracy"`
	TopsUsed                float64 `json:"tops_used"`
	ParameterEfficiency     float64 `json:"parameter_efficiency"`
	ParameterEfficiencyLoss float64 `json:"parameter_efficiency_loss"`
	ParameterPerplexity     float64 `json:"parameter_perplexity"`
}

// Compute derives the bundle from an evaluation loss. ParameterEfficiencyLoss
// is left unclamped: it is negative above the baseline and approaches 1 as
// efficiency approaches zero.
func Compute(loss float64, c Constants) (Bundle, error) {
	if math.IsNaN(loss) || loss < 0 {
		return Bundle{}, fmt.Errorf("%w: %v", ErrInvalidLoss, loss)
	}
	perplexity := Round(math.Exp(loss), 4)
	accuracy, err := Accuracy(perplexity)
	if err != nil {
		return Bundle{}, err
	}
	denom := c.TopsUsed * c.ParameterCount
	if denom == 0 {
		return Bundle{}, fmt.Errorf("parameter efficiency: tops_used*parameter_count is zero: %w", ErrDivisionByZero)
	}
	if c.ParameterCount == 0 {
		return Bundle{}, fmt.Errorf("parameter perplexity: %w", ErrDivisionByZero)
	}
	if c.BaselineEfficiency == 0 {
		return Bundle{}, fmt.Errorf("parameter efficiency loss: baseline is zero: %w", ErrDivisionByZero)
	}
	paramEff := Round(accuracy/denom, 10)
	return Bundle{
		Perplexity:              perplexity,
		Accuracy:                accuracy,
		TopsUsed:                c.TopsUsed,
		ParameterEfficiency:     paramEff,
		ParameterEfficiencyLoss: Round(1-paramEff/c.BaselineEfficiency, 6),
		ParameterPerplexity:     Round(perplexity/c.ParameterCount, 12),
	}, nil
}

// Accuracy returns round(1/perplexity, 4).
func Accuracy(perplexity float64) (float64, error) {
	if perplexity == 0 {
		return 0, fmt.Errorf("accuracy: perplexity is zero: %w", ErrDivisionByZero)
	}
	return Round(1/perplexity, 4), nil
}

// Round rounds half away from zero to the given number of decimal places.
func Round(v float64, places int) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	scale := math.Pow(10, float64(places))
	scaled := v * scale
	if math.IsInf(scaled, 0) {
		return v
	}
	return math.Round(scaled) / scale
}
