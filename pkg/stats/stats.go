// Package stats holds the hypothesis tests used by the analysis report.
// Functions are pure and return (statistic, p-value) style results.
package stats

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var ErrInsufficientData = errors.New("insufficient data")

type Descriptive struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
	// Std is the sample standard deviation (n-1 denominator); NaN when N < 2.
	Std float64 `json:"std"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func Describe(x []float64) (Descriptive, error) {
	if len(x) == 0 {
		return Descriptive{}, fmt.Errorf("describe: %w", ErrInsufficientData)
	}
	d := Descriptive{N: len(x), Min: floats.Min(x), Max: floats.Max(x)}
	if len(x) == 1 {
		d.Mean = x[0]
		d.Std = math.NaN()
		return d, nil
	}
	d.Mean, d.Std = stat.MeanStdDev(x, nil)
	return d, nil
}

type TTest struct {
	T  float64 `json:"t"`
	DF float64 `json:"df"`
	P  float64 `json:"p"`
}

// PairedTTest is the two-sided dependent-samples t-test of a against b.
// Zero variance in the differences gives t = ±Inf and p = 0 when the mean
// difference is non-zero, and t = 0, p = 1 when every difference is zero.
func PairedTTest(a, b []float64) (TTest, error) {
	if len(a) != len(b) {
		return TTest{}, fmt.Errorf("paired t-test: samples differ in length (%d vs %d)", len(a), len(b))
	}
	n := len(a)
	if n < 2 {
		return TTest{}, fmt.Errorf("paired t-test needs at least 2 pairs: %w", ErrInsufficientData)
	}
	d := make([]float64, n)
	floats.SubTo(d, a, b)
	df := float64(n - 1)
	// identical differences: the mean alone decides, without rounding residue
	if floats.Min(d) == floats.Max(d) {
		if d[0] == 0 {
			return TTest{T: 0, DF: df, P: 1}, nil
		}
		return TTest{T: math.Copysign(math.Inf(1), d[0]), DF: df, P: 0}, nil
	}
	mean, sd := stat.MeanStdDev(d, nil)
	t := mean / (sd / math.Sqrt(float64(n)))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := math.Min(1, 2*dist.Survival(math.Abs(t)))
	return TTest{T: t, DF: df, P: p}, nil
}

// Bonferroni multiplies each p-value by the number of comparisons, capping
// at 1, and rejects where the corrected value is at most alpha.
func Bonferroni(p []float64, alpha float64) (corrected []float64, reject []bool) {
	m := float64(len(p))
	corrected = make([]float64, len(p))
	reject = make([]bool, len(p))
	for i, v := range p {
		corrected[i] = math.Min(v*m, 1)
		reject[i] = corrected[i] <= alpha
	}
	return corrected, reject
}
