package efficiency

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeZeroLoss(t *testing.T) {
	b, err := Compute(0, DefaultConstants())
	require.NoError(t, err)
	assert.Equal(t, 1.0, b.Perplexity)
	assert.Equal(t, 1.0, b.Accuracy)
	assert.Equal(t, 275.0, b.TopsUsed)
}

func TestComputeKnownLosses(t *testing.T) {
	tests := []struct {
		name       string
		loss       float64
		perplexity float64
		accuracy   float64
	}{
		{name: "one", loss: 1, perplexity: 2.7183, accuracy: 0.3679},
		{name: "ln2", loss: math.Ln2, perplexity: 2, accuracy: 0.5},
		{name: "two", loss: 2, perplexity: 7.3891, accuracy: 0.1353},
		{name: "half", loss: 0.5, perplexity: 1.6487, accuracy: 0.6065},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Compute(tt.loss, DefaultConstants())
			require.NoError(t, err)
			assert.InDelta(t, tt.perplexity, b.Perplexity, 1e-9)
			assert.InDelta(t, tt.accuracy, b.Accuracy, 1e-9)
		})
	}
}

func TestComputeDerivedMetrics(t *testing.T) {
	c := Constants{TopsUsed: 2, ParameterCount: 100, BaselineEfficiency: 0.001}
	b, err := Compute(math.Ln2, c)
	require.NoError(t, err)
	// accuracy 0.5 / (2*100) = 0.0025
	assert.InDelta(t, 0.0025, b.ParameterEfficiency, 1e-12)
	// 1 - 0.0025/0.001 = -1.5, above baseline gives a negative loss
	assert.InDelta(t, -1.5, b.ParameterEfficiencyLoss, 1e-12)
	assert.InDelta(t, 0.02, b.ParameterPerplexity, 1e-12)
}

func TestComputeDefaultConstantsCollapseEfficiency(t *testing.T) {
	// With a 7B parameter count the efficiency rounds to zero at 10 places,
	// so the loss sits at exactly 1.
	b, err := Compute(1.2, DefaultConstants())
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.ParameterEfficiency)
	assert.Equal(t, 1.0, b.ParameterEfficiencyLoss)
}

func TestComputeIsDeterministic(t *testing.T) {
	c := Constants{TopsUsed: 3.5, ParameterCount: 1234, BaselineEfficiency: 1e-4}
	first, err := Compute(1.7, c)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Compute(1.7, c)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAccuracyZeroPerplexity(t *testing.T) {
	_, err := Accuracy(0)
	assert.ErrorIs(t, err, ErrDivisionByZero)
}

func TestComputeRejectsBadInputs(t *testing.T) {
	_, err := Compute(-0.1, DefaultConstants())
	assert.ErrorIs(t, err, ErrInvalidLoss)

	_, err = Compute(math.NaN(), DefaultConstants())
	assert.ErrorIs(t, err, ErrInvalidLoss)

	_, err = Compute(1, Constants{TopsUsed: 0, ParameterCount: 10, BaselineEfficiency: 1})
	assert.ErrorIs(t, err, ErrDivisionByZero)

	_, err = Compute(1, Constants{TopsUsed: 1, ParameterCount: 10, BaselineEfficiency: 0})
	assert.ErrorIs(t, err, ErrDivisionByZero)
}

func TestRound(t *testing.T) {
	assert.Equal(t, 0.1235, Round(0.12346, 4))
	assert.Equal(t, -0.1235, Round(-0.12346, 4))
	assert.Equal(t, 3.0, Round(2.5, 0))
	assert.True(t, math.IsInf(Round(math.Inf(1), 4), 1))
}
