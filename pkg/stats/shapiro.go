package stats

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// Normality is a Shapiro-Wilk result. Normal is P > alpha.
type Normality struct {
	W      float64
	P      float64
	Normal bool
}

func poly(c []float64, x float64) float64 {
	r := 0.0
	p := 1.0
	for _, ci := range c {
		r += ci * p
		p *= x
	}
	return r
}

var (
	swC1 = []float64{0, 0.221157, -0.147981, -2.071190, 4.434685, -2.706056}
	swC2 = []float64{0, 0.042981, -0.293762, -1.752461, 5.682633, -3.582633}
	swG  = []float64{-2.273, 0.459}
	swC3 = []float64{0.544, -0.39978, 0.025054, -6.714e-4}
	swC4 = []float64{1.3822, -0.77857, 0.062767, -0.0020322}
	swC5 = []float64{-1.5861, -0.31082, -0.083751, 0.0038915}
	swC6 = []float64{-0.4803, -0.082676, 0.0030302}
)

// swCoefficients returns the first n/2 Shapiro-Wilk weights, largest first.
func swCoefficients(n int) []float64 {
	n2 := n / 2
	a := make([]float64, n2)
	if n == 3 {
		a[0] = math.Sqrt(0.5)
		return a
	}
	an25 := float64(n) + 0.25
	m := make([]float64, n2)
	summ2 := 0.0
	for i := range m {
		m[i] = distuv.UnitNormal.Quantile((float64(i+1) - 0.375) / an25)
		summ2 += m[i] * m[i]
	}
	summ2 *= 2
	ssumm2 := math.Sqrt(summ2)
	rsn := 1 / math.Sqrt(float64(n))
	a1 := poly(swC1, rsn) - m[0]/ssumm2

	start := 1
	var fac float64
	if n > 5 {
		start = 2
		a2 := -m[1]/ssumm2 + poly(swC2, rsn)
		fac = math.Sqrt((summ2 - 2*m[0]*m[0] - 2*m[1]*m[1]) / (1 - 2*a1*a1 - 2*a2*a2))
		a[1] = a2
	} else {
		fac = math.Sqrt((summ2 - 2*m[0]*m[0]) / (1 - 2*a1*a1))
	}
	a[0] = a1
	for i := start; i < n2; i++ {
		a[i] = -m[i] / fac
	}
	return a
}

// ShapiroWilk tests x for normality using Royston's approximation, valid for
// 3 <= n <= 5000. A sample without spread gives W = 1, p = 1.
func ShapiroWilk(x []float64, alpha float64) (Normality, error) {
	n := len(x)
	if n < 3 {
		return Normality{}, fmt.Errorf("shapiro-wilk needs at least 3 values, got %d: %w", n, ErrInsufficientData)
	}
	if n > 5000 {
		return Normality{}, fmt.Errorf("shapiro-wilk supports at most 5000 values, got %d", n)
	}
	xs := append([]float64(nil), x...)
	sort.Float64s(xs)
	if xs[n-1]-xs[0] == 0 {
		return Normality{W: 1, P: 1, Normal: 1 > alpha}, nil
	}

	a := swCoefficients(n)
	mean := 0.0
	for _, v := range xs {
		mean += v
	}
	mean /= float64(n)
	ss := 0.0
	for _, v := range xs {
		ss += (v - mean) * (v - mean)
	}
	num := 0.0
	for i, ai := range a {
		num += ai * (xs[n-1-i] - xs[i])
	}
	w := math.Min(num*num/ss, 1)

	var p float64
	if n == 3 {
		w = math.Max(w, 0.75)
		p = math.Max(0, 6/math.Pi*(math.Asin(math.Sqrt(w))-math.Pi/3))
	} else {
		y := math.Inf(-1)
		if w < 1 {
			y = math.Log(1 - w)
		}
		var m, s float64
		fn := float64(n)
		if n <= 11 {
			gamma := poly(swG, fn)
			if y >= gamma {
				return Normality{W: w, P: 1e-99, Normal: false}, nil
			}
			y = -math.Log(gamma - y)
			m = poly(swC3, fn)
			s = math.Exp(poly(swC4, fn))
		} else {
			ln := math.Log(fn)
			m = poly(swC5, ln)
			s = math.Exp(poly(swC6, ln))
		}
		p = distuv.UnitNormal.Survival((y - m) / s)
	}
	return Normality{W: w, P: p, Normal: p > alpha}, nil
}
