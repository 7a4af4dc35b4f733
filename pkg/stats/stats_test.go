package stats

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestDescribe(t *testing.T) {
	d, err := Describe([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	require.NoError(t, err)
	assert.Equal(t, 8, d.N)
	assert.InDelta(t, 5, d.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(32.0/7.0), d.Std, 1e-12)
	assert.Equal(t, 2.0, d.Min)
	assert.Equal(t, 9.0, d.Max)

	one, err := Describe([]float64{3})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(one.Std))

	_, err = Describe(nil)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestPairedTTest(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		t, p float64
	}{
		{name: "small shift", a: []float64{1, 2, 3, 2}, b: []float64{2, 4, 5, 3}, t: -5.196152422706632, p: 0.013846832988859054},
		{name: "large shift", a: []float64{1, 2, 3, 2}, b: []float64{4, 5, 9, 7}, t: -5.666666666666667, p: 0.010884830031502772},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := PairedTTest(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.t, res.T, 1e-9)
			assert.InDelta(t, tt.p, res.P, 1e-9)
			assert.Equal(t, 3.0, res.DF)
		})
	}
}

func TestPairedTTestDegenerate(t *testing.T) {
	res, err := PairedTTest([]float64{1, 1, 1}, []float64{2, 2, 2})
	require.NoError(t, err)
	assert.True(t, math.IsInf(res.T, -1))
	assert.Equal(t, 0.0, res.P)

	res, err = PairedTTest([]float64{1, 2, 3}, []float64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.T)
	assert.Equal(t, 1.0, res.P)

	_, err = PairedTTest([]float64{1}, []float64{2})
	assert.ErrorIs(t, err, ErrInsufficientData)
	_, err = PairedTTest([]float64{1, 2}, []float64{2})
	assert.Error(t, err)
}

func TestBonferroni(t *testing.T) {
	p := []float64{0.01, 0.02, 0.5}
	corrected, reject := Bonferroni(p, 0.05)
	for i, v := range p {
		assert.InDelta(t, math.Min(3*v, 1), corrected[i], 1e-15)
	}
	assert.Equal(t, []bool{true, false, false}, reject)

	corrected, reject = Bonferroni([]float64{0.0166}, 0.05)
	assert.Equal(t, []float64{0.0166}, corrected)
	assert.Equal(t, []bool{true}, reject)
}

func TestBonferroniBoundaryRejects(t *testing.T) {
	corrected, reject := Bonferroni([]float64{0.025, 0.9}, 0.05)
	assert.Equal(t, 0.05, corrected[0])
	assert.True(t, reject[0])
	assert.Equal(t, 1.0, corrected[1])
}

var wide = [][]float64{
	{1, 2, 4},
	{2, 4, 5},
	{3, 5, 9},
	{2, 3, 7},
}

func TestRMAnova(t *testing.T) {
	a, err := RMAnova(wide)
	require.NoError(t, err)
	assert.InDelta(t, 37.16666666666667, a.SSCondition, 1e-9)
	assert.InDelta(t, 16.916666666666668, a.SSSubject, 1e-9)
	assert.InDelta(t, 4.833333333333333, a.SSError, 1e-9)
	assert.Equal(t, 2, a.DFCondition)
	assert.Equal(t, 6, a.DFError)
	assert.InDelta(t, 23.068965517241384, a.F, 1e-9)
	assert.InDelta(t, 0.0015240259831151746, a.P, 1e-9)
	assert.InDelta(t, 0.6308345120226307, a.GeneralizedEtaSquared, 1e-9)
	assert.InDelta(t, 0.6138686131386862, a.EpsilonGG, 1e-9)
	assert.Greater(t, a.PGG, a.P)
}

func TestRMAnovaExactFit(t *testing.T) {
	// constant within each condition: all variance is the condition effect
	a, err := RMAnova([][]float64{{1, 0.5}, {1, 0.5}, {1, 0.5}})
	require.NoError(t, err)
	assert.Less(t, a.P, 0.05)

	flat, err := RMAnova([][]float64{{2, 2}, {3, 3}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, flat.F)
	assert.Equal(t, 1.0, flat.P)
}

func TestRMAnovaRejectsShape(t *testing.T) {
	_, err := RMAnova([][]float64{{1, 2}})
	assert.ErrorIs(t, err, ErrInsufficientData)
	_, err = RMAnova([][]float64{{1}, {2}})
	assert.ErrorIs(t, err, ErrInsufficientData)
	_, err = RMAnova([][]float64{{1, 2}, {3}})
	assert.ErrorContains(t, err, "subject 1")
	_, err = RMAnova([][]float64{{1, math.NaN()}, {3, 4}})
	assert.ErrorContains(t, err, "not finite")
}

func TestMauchly(t *testing.T) {
	s, err := Mauchly(wide, 0.05)
	require.NoError(t, err)
	assert.InDelta(t, 0.37098692033293684, s.W, 1e-9)
	assert.InDelta(t, 1.983176944326932, s.Chi2, 1e-9)
	assert.Equal(t, 2.0, s.DOF)
	assert.InDelta(t, 0.3709869203329369, s.P, 1e-9)
	assert.True(t, s.Spherical)

	six := append(append([][]float64{}, wide...), []float64{4, 4, 6}, []float64{1, 3, 3})
	s, err = Mauchly(six, 0.05)
	require.NoError(t, err)
	assert.InDelta(t, 0.5590203257164499, s.W, 1e-9)
	assert.InDelta(t, 0.3125037245641258, s.P, 1e-9)

	eps, err := GreenhouseGeisser(six)
	require.NoError(t, err)
	assert.InDelta(t, 0.6939723147012441, eps, 1e-9)
}

func TestMauchlyTwoConditions(t *testing.T) {
	s, err := Mauchly([][]float64{{1, 2}, {2, 5}, {3, 3}}, 0.05)
	require.NoError(t, err)
	assert.Equal(t, Sphericity{Spherical: true, W: 1, DOF: 0, P: 1}, s)
}

func TestMauchlyTooFewSubjects(t *testing.T) {
	_, err := Mauchly([][]float64{{1, 2, 3}, {2, 2, 5}}, 0.05)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestShapiroWilk(t *testing.T) {
	tests := []struct {
		name   string
		x      []float64
		w, p   float64
		normal bool
	}{
		{name: "skewed heights", x: []float64{148, 154, 158, 160, 161, 162, 166, 170, 182, 195, 236}, w: 0.7888146948353878, p: 0.006703814056502999},
		{name: "n=15", x: []float64{2.1, 3.4, 1.9, 5.6, 4.4, 3.3, 2.8, 4.1, 3.9, 3.0, 2.5, 3.6, 4.8, 2.2, 3.1}, w: 0.9695975843355074, p: 0.852050717341116, normal: true},
		{name: "n=8", x: []float64{0.5, 1.2, 1.9, 2.2, 2.8, 3.1, 3.3, 3.9}, w: 0.9729202971129192, p: 0.9198870170349589, normal: true},
		{name: "n=3", x: []float64{1, 2, 4}, w: 0.9642857142857146, p: 0.6368868450289714, normal: true},
		{name: "n=3 equal spacing", x: []float64{3, 1, 2}, w: 1, p: 1, normal: true},
		{name: "outlier", x: []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 10}, w: 0.3657206274142634, p: 1.0036928133061451e-07},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ShapiroWilk(tt.x, 0.05)
			require.NoError(t, err)
			assert.InDelta(t, tt.w, res.W, 1e-6)
			assert.InDelta(t, tt.p, res.P, 1e-6)
			assert.Equal(t, tt.normal, res.Normal)
		})
	}
}

func TestShapiroWilkNormalQuantiles(t *testing.T) {
	n := 40
	x := make([]float64, n)
	for i := range x {
		x[i] = distuv.UnitNormal.Quantile((float64(i+1) - 0.375) / (float64(n) + 0.25))
	}
	res, err := ShapiroWilk(x, 0.05)
	require.NoError(t, err)
	assert.Greater(t, res.W, 0.98)
	assert.True(t, res.Normal)
}

func TestShapiroWilkEdges(t *testing.T) {
	res, err := ShapiroWilk([]float64{5, 5, 5, 5}, 0.05)
	require.NoError(t, err)
	assert.Equal(t, Normality{W: 1, P: 1, Normal: true}, res)

	_, err = ShapiroWilk([]float64{1, 2}, 0.05)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestResultsEncodeNonFinite(t *testing.T) {
	b, err := json.Marshal(TTest{T: math.Inf(1), DF: 2, P: 0})
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":"+Inf","df":2,"p":0}`, string(b))

	b, err = json.Marshal(Descriptive{N: 1, Mean: 3, Std: math.NaN(), Min: 3, Max: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1,"mean":3,"std":"NaN","min":3,"max":3}`, string(b))
}
