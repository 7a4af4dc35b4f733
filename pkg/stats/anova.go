package stats

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Anova is a one-way repeated-measures ANOVA table. Data is laid out wide:
// one row per subject, one column per condition.
type Anova struct {
	Subjects    int
	Conditions  int
	SSCondition float64
	SSSubject   float64
	SSError     float64
	DFCondition int
	DFSubject   int
	DFError     int
	MSCondition float64
	MSSubject   float64
	MSError     float64
	F           float64
	P           float64
	// GeneralizedEtaSquared is SS_condition / (SS_condition + SS_subject + SS_error).
	GeneralizedEtaSquared float64
	EpsilonGG             float64
	// PGG is P with both degrees of freedom scaled by EpsilonGG.
	PGG float64
}

func checkWide(data [][]float64) (n, k int, err error) {
	n = len(data)
	if n < 2 {
		return 0, 0, fmt.Errorf("need at least 2 subjects, got %d: %w", n, ErrInsufficientData)
	}
	k = len(data[0])
	if k < 2 {
		return 0, 0, fmt.Errorf("need at least 2 conditions, got %d: %w", k, ErrInsufficientData)
	}
	for i, row := range data {
		if len(row) != k {
			return 0, 0, fmt.Errorf("subject %d has %d values, want %d", i, len(row), k)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, 0, fmt.Errorf("subject %d condition %d is not finite", i, j)
			}
		}
	}
	return n, k, nil
}

// RMAnova tests the main effect of condition. When the error term vanishes
// F is +Inf with p = 0 if the condition means differ, and F = 0 with p = 1
// if they do not.
func RMAnova(data [][]float64) (Anova, error) {
	n, k, err := checkWide(data)
	if err != nil {
		return Anova{}, err
	}
	rowMeans := make([]float64, n)
	colMeans := make([]float64, k)
	grand := 0.0
	for i, row := range data {
		for j, v := range row {
			rowMeans[i] += v
			colMeans[j] += v
			grand += v
		}
	}
	for i := range rowMeans {
		rowMeans[i] /= float64(k)
	}
	for j := range colMeans {
		colMeans[j] /= float64(n)
	}
	grand /= float64(n * k)

	var ssCond, ssSubj, ssErr, ssTotal float64
	for _, m := range colMeans {
		ssCond += (m - grand) * (m - grand)
	}
	ssCond *= float64(n)
	for _, m := range rowMeans {
		ssSubj += (m - grand) * (m - grand)
	}
	ssSubj *= float64(k)
	for i, row := range data {
		for j, v := range row {
			e := v - rowMeans[i] - colMeans[j] + grand
			ssErr += e * e
			ssTotal += (v - grand) * (v - grand)
		}
	}
	// rounding residue of an exact fit
	if ssErr <= 1e-24*ssTotal {
		ssErr = 0
	}

	a := Anova{
		Subjects:    n,
		Conditions:  k,
		SSCondition: ssCond,
		SSSubject:   ssSubj,
		SSError:     ssErr,
		DFCondition: k - 1,
		DFSubject:   n - 1,
		DFError:     (k - 1) * (n - 1),
	}
	a.MSCondition = ssCond / float64(a.DFCondition)
	a.MSSubject = ssSubj / float64(a.DFSubject)
	a.MSError = ssErr / float64(a.DFError)
	if denom := ssCond + ssSubj + ssErr; denom > 0 {
		a.GeneralizedEtaSquared = ssCond / denom
	}

	a.EpsilonGG, err = GreenhouseGeisser(data)
	if err != nil {
		return Anova{}, err
	}
	switch {
	case a.MSError > 0:
		a.F = a.MSCondition / a.MSError
		a.P = distuv.F{D1: float64(a.DFCondition), D2: float64(a.DFError)}.Survival(a.F)
		a.PGG = distuv.F{D1: a.EpsilonGG * float64(a.DFCondition), D2: a.EpsilonGG * float64(a.DFError)}.Survival(a.F)
	case a.MSCondition > 0:
		a.F, a.P, a.PGG = math.Inf(1), 0, 0
	default:
		a.F, a.P, a.PGG = 0, 1, 1
	}
	return a, nil
}

// centeredCovariance returns the eigenvalues, ascending, of the
// double-centered sample covariance matrix of the conditions.
func centeredCovariance(data [][]float64) ([]float64, error) {
	n, k := len(data), len(data[0])
	x := mat.NewDense(n, k, nil)
	for i, row := range data {
		x.SetRow(i, row)
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, x, nil)

	rowMeans := make([]float64, k)
	grand := 0.0
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			rowMeans[i] += cov.At(i, j)
		}
		grand += rowMeans[i]
		rowMeans[i] /= float64(k)
	}
	grand /= float64(k * k)
	centered := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			centered.SetSym(i, j, cov.At(i, j)-rowMeans[i]-rowMeans[j]+grand)
		}
	}
	var es mat.EigenSym
	if ok := es.Factorize(centered, false); !ok {
		return nil, fmt.Errorf("eigendecomposition of the covariance matrix failed")
	}
	return es.Values(nil), nil
}

// GreenhouseGeisser estimates the sphericity correction epsilon, between
// 1/(k-1) and 1. Two conditions, or no variance at all, give exactly 1.
func GreenhouseGeisser(data [][]float64) (float64, error) {
	_, k, err := checkWide(data)
	if err != nil {
		return 0, err
	}
	if k == 2 {
		return 1, nil
	}
	eig, err := centeredCovariance(data)
	if err != nil {
		return 0, err
	}
	// the smallest eigenvalue belongs to the constant vector removed by centering
	eig = eig[1:]
	var sum, sumSq float64
	for _, e := range eig {
		if e < 0 {
			e = 0
		}
		sum += e
		sumSq += e * e
	}
	if sumSq == 0 {
		return 1, nil
	}
	d := float64(k - 1)
	eps := sum * sum / (d * sumSq)
	return math.Max(1/d, math.Min(1, eps)), nil
}

// Sphericity is the result of Mauchly's test.
type Sphericity struct {
	Spherical bool
	W         float64
	Chi2      float64
	DOF       float64
	P         float64
}

// Mauchly tests whether the variances of all pairwise condition differences
// are equal, at alpha. With two conditions sphericity holds trivially
// (W = 1, p = 1). Data without variance is reported the same way.
func Mauchly(data [][]float64, alpha float64) (Sphericity, error) {
	n, k, err := checkWide(data)
	if err != nil {
		return Sphericity{}, err
	}
	d := float64(k - 1)
	dof := d*(d+1)/2 - 1
	if k == 2 {
		return Sphericity{Spherical: true, W: 1, Chi2: 0, DOF: dof, P: 1}, nil
	}
	if n <= k-1 {
		return Sphericity{}, fmt.Errorf("mauchly needs more than %d subjects, got %d: %w", k-1, n, ErrInsufficientData)
	}
	eig, err := centeredCovariance(data)
	if err != nil {
		return Sphericity{}, err
	}
	eig = eig[1:]
	top := eig[len(eig)-1]
	if top <= 0 {
		return Sphericity{Spherical: true, W: 1, Chi2: 0, DOF: dof, P: 1}, nil
	}
	prod, sum := 1.0, 0.0
	for _, e := range eig {
		// eigenvalues this far below the largest are numerically zero
		if e <= top*1e-10 {
			e = 0
		}
		prod *= e
		sum += e
	}
	w := prod / math.Pow(sum/d, d)
	f := 1 - (2*d*d+d+2)/(6*d*float64(n-1))
	s := Sphericity{W: w, DOF: dof}
	if w <= 0 {
		s.Chi2, s.P = math.Inf(1), 0
	} else {
		s.Chi2 = -float64(n-1) * f * math.Log(w)
		s.P = distuv.ChiSquared{K: dof}.Survival(s.Chi2)
	}
	s.Spherical = s.P > alpha
	return s, nil
}
