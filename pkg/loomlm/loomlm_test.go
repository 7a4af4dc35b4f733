package loomlm

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrickPiGuy/dissertationScripts/pkg/model"
	"github.com/BrickPiGuy/dissertationScripts/pkg/trial"
)

var _ trial.Model = (*Model)(nil)
var _ trial.Checkpointer = (*Model)(nil)
var _ trial.Sampler = (*Model)(nil)

func tinyConfig() Config {
	return Config{Context: 3, Embd: 4, Hidden: 8, BlockSize: 6, LearningRate: 0.01}
}

func tinyVocab() model.Vocab {
	return model.Vocab{Size: 10, BOS: 8, Pad: 9}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, tinyConfig().Validate())
	assert.NoError(t, FromShape(model.DefaultConfig(), 0.01).Validate())

	bad := tinyConfig()
	bad.Context = 0
	assert.Error(t, bad.Validate())
	bad = tinyConfig()
	bad.LearningRate = 0
	assert.Error(t, bad.Validate())
}

func TestFromShape(t *testing.T) {
	cfg := FromShape(model.Config{NLayer: 1, NEmbd: 16, NHead: 4, BlockSize: 64}, 0.02)
	assert.Equal(t, Config{Context: DefaultContext, Embd: 16, Hidden: 64, BlockSize: 64, LearningRate: 0.02}, cfg)
}

func TestNewRejectsBadVocab(t *testing.T) {
	_, err := New(tinyConfig(), model.Vocab{Size: 4, BOS: 4, Pad: -1}, nil)
	assert.Error(t, err)
}

func TestNumParams(t *testing.T) {
	m, err := New(tinyConfig(), tinyVocab(), nil)
	require.NoError(t, err)
	// embedding 10*4, hidden (3*4+1)*8, output (8+1)*10
	assert.Equal(t, 40+104+90, m.NumParams())
}

func TestWindowFillsWithBOS(t *testing.T) {
	m, err := New(tinyConfig(), tinyVocab(), nil)
	require.NoError(t, err)
	tokens := []int{1, 2, 3, 4}
	assert.Equal(t, []float32{8, 8, 8}, m.window(tokens, 0))
	assert.Equal(t, []float32{8, 1, 2}, m.window(tokens, 2))
	assert.Equal(t, []float32{2, 3, 4}, m.window(tokens, 4))
}

func TestExamplesStopAtPadAndBlock(t *testing.T) {
	m, err := New(tinyConfig(), tinyVocab(), nil)
	require.NoError(t, err)

	exs, err := m.examples([]int{1, 2, 9, 3})
	require.NoError(t, err)
	assert.Len(t, exs, 2)

	exs, err = m.examples([]int{1, 2, 3, 4, 5, 6, 7, 1, 2})
	require.NoError(t, err)
	assert.Len(t, exs, 6)

	_, err = m.examples([]int{9, 1})
	assert.ErrorIs(t, err, model.ErrNoTargets)

	_, err = m.examples([]int{1, 12})
	assert.ErrorContains(t, err, "outside vocab")
}

func TestLossAndTrainStep(t *testing.T) {
	m, err := New(tinyConfig(), tinyVocab(), nil)
	require.NoError(t, err)
	seq := []int{1, 2, 3, 1, 2, 3}

	loss, err := m.Loss(seq)
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))

	trainLoss, err := m.TrainStep([][]int{seq, {9, 9}})
	require.NoError(t, err)
	assert.False(t, math.IsNaN(trainLoss))

	_, err = m.TrainStep([][]int{{9}})
	assert.ErrorIs(t, err, model.ErrNoTargets)
}

func TestSaveCheckpoint(t *testing.T) {
	m, err := New(tinyConfig(), tinyVocab(), nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, m.SaveCheckpoint(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestSampleWithoutTokenizer(t *testing.T) {
	m, err := New(tinyConfig(), tinyVocab(), nil)
	require.NoError(t, err)
	assert.Equal(t, "", m.Sample("abc", 5))
}

func TestSampleDecodesKnownRunes(t *testing.T) {
	tok := model.NewCharTokenizer("abc")
	m, err := New(tinyConfig(), tok.Vocab(), &tok)
	require.NoError(t, err)
	out := m.Sample("ab", 4)
	assert.LessOrEqual(t, len([]rune(out)), 4)
	for _, r := range out {
		assert.Contains(t, "abc", string(r))
	}
}
