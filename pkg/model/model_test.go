package model

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() Config {
	return Config{NLayer: 1, NEmbd: 8, NHead: 2, BlockSize: 16}
}

func TestBackwardSimpleGraph(t *testing.T) {
	a := V(2)
	b := V(-3)
	c := Add(Mul(a, b), Pow(a, 2)) // ab + a^2
	Backward(c)
	assert.Equal(t, -2.0, c.Data)
	assert.InDelta(t, -3+4, a.Grad, 1e-12)
	assert.InDelta(t, 2, b.Grad, 1e-12)
}

func TestSoftmaxSumsToOne(t *testing.T) {
	probs := softmax([]*Value{V(1), V(2), V(3)})
	sum := 0.0
	for _, p := range probs {
		sum += p.Data
	}
	assert.InDelta(t, 1, sum, 1e-12)
	assert.Greater(t, probs[2].Data, probs[0].Data)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{NLayer: 1, NEmbd: 10, NHead: 3, BlockSize: 8}.Validate())
	assert.Error(t, Config{NLayer: 0, NEmbd: 8, NHead: 2, BlockSize: 8}.Validate())
}

func TestNewIsDeterministic(t *testing.T) {
	tok := NewCharTokenizer("")
	a, err := New(tinyConfig(), tok.Vocab(), DefaultAdam(), 7)
	require.NoError(t, err)
	b, err := New(tinyConfig(), tok.Vocab(), DefaultAdam(), 7)
	require.NoError(t, err)
	c, err := New(tinyConfig(), tok.Vocab(), DefaultAdam(), 8)
	require.NoError(t, err)

	assert.Equal(t, a.NumParams(), b.NumParams())
	assert.Equal(t, exportState(a.state), exportState(b.state))
	assert.NotEqual(t, exportState(a.state), exportState(c.state))
}

func TestNumParams(t *testing.T) {
	cfg := tinyConfig()
	vocab := Vocab{Size: 10, BOS: 8, Pad: 9}
	g, err := New(cfg, vocab, DefaultAdam(), 1)
	require.NoError(t, err)
	e := cfg.NEmbd
	want := 2*vocab.Size*e + cfg.BlockSize*e + cfg.NLayer*(4*e*e+2*4*e*e)
	assert.Equal(t, want, g.NumParams())
}

func TestTrainStepReducesLoss(t *testing.T) {
	tok := NewCharTokenizer("")
	g, err := New(tinyConfig(), tok.Vocab(), DefaultAdam(), 42)
	require.NoError(t, err)
	seq := tok.Encode("abcabc")

	before, err := g.Loss(seq)
	require.NoError(t, err)
	for i := 0; i < 15; i++ {
		_, err := g.TrainStep([][]int{seq})
		require.NoError(t, err)
	}
	after, err := g.Loss(seq)
	require.NoError(t, err)
	assert.Less(t, after, before)
	assert.False(t, math.IsNaN(after))
}

func TestLossStopsAtPad(t *testing.T) {
	tok := NewCharTokenizer("")
	g, err := New(tinyConfig(), tok.Vocab(), DefaultAdam(), 3)
	require.NoError(t, err)
	seq := tok.Encode("hi")
	padded := append(append([]int{}, seq...), tok.PadID(), tok.PadID())

	a, err := g.Loss(seq)
	require.NoError(t, err)
	b, err := g.Loss(padded)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = g.Loss([]int{tok.PadID()})
	assert.ErrorIs(t, err, ErrNoTargets)
	_, err = g.TrainStep([][]int{{tok.PadID()}})
	assert.ErrorIs(t, err, ErrNoTargets)
}

func TestLossRejectsOutOfRangeToken(t *testing.T) {
	g, err := New(tinyConfig(), Vocab{Size: 4, BOS: 2, Pad: 3}, DefaultAdam(), 1)
	require.NoError(t, err)
	_, err = g.Loss([]int{0, 7})
	assert.ErrorContains(t, err, "outside vocab")
}

func TestCheckpointRoundTrip(t *testing.T) {
	tok := NewCharTokenizer("é")
	g, err := New(tinyConfig(), tok.Vocab(), DefaultAdam(), 5)
	require.NoError(t, err)
	seq := tok.Encode("café")

	path := filepath.Join(t.TempDir(), "ckpt", "model.json")
	require.NoError(t, SaveCheckpoint(path, g.Checkpoint(tok)))

	ckpt, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, ModeChar, ckpt.Tokenization)
	tok2, err := TokenizerFromCheckpoint(ckpt)
	require.NoError(t, err)
	assert.Equal(t, tok.Vocab(), tok2.Vocab())

	g2, err := FromCheckpoint(ckpt, tok2.Vocab(), DefaultAdam())
	require.NoError(t, err)
	a, err := g.Loss(seq)
	require.NoError(t, err)
	b, err := g2.Loss(tok2.Encode("café"))
	require.NoError(t, err)
	assert.InDelta(t, a, b, 1e-12)
}

func TestFromCheckpointVocabMismatch(t *testing.T) {
	tok := NewCharTokenizer("")
	g, err := New(tinyConfig(), tok.Vocab(), DefaultAdam(), 5)
	require.NoError(t, err)
	_, err = FromCheckpoint(g.Checkpoint(tok), Vocab{Size: 5, BOS: 3, Pad: 4}, DefaultAdam())
	assert.ErrorContains(t, err, "tokenizer has 5")
}

func TestCharTokenizer(t *testing.T) {
	tok := NewCharTokenizer("")
	ids := tok.Encode("Hi!\n")
	assert.Len(t, ids, 4)
	assert.Equal(t, "Hi!\n", tok.Decode(ids))
	// runes outside the vocabulary are dropped
	assert.Equal(t, tok.Encode("ab"), tok.Encode("a☃b"))
	assert.Equal(t, tok.VocabSize()-1, tok.PadID())
	assert.Equal(t, tok.VocabSize()-2, tok.Vocab().BOS)
}

func TestGenerateStaysInVocab(t *testing.T) {
	tok := NewCharTokenizer("")
	g, err := New(tinyConfig(), tok.Vocab(), DefaultAdam(), 9)
	require.NoError(t, err)
	out := g.Generate(tok.Encode("ab"), 5, Sampling{Temperature: 0.8, TopK: 5}, rand.New(rand.NewSource(1)))
	assert.LessOrEqual(t, len(out), 5)
	for _, id := range out {
		assert.Less(t, id, tok.Vocab().BOS)
	}
}

func TestApplyTopKAndTopP(t *testing.T) {
	w := []float64{0.1, 0.5, 0.3, 0.1}
	assert.Equal(t, []float64{0, 0.5, 0.3, 0}, ApplyTopK(w, 2))
	assert.Equal(t, []float64{0, 0.5, 0.3, 0}, ApplyTopP(w, 0.7))
	assert.Equal(t, w, ApplyTopK(w, 10))
}

func TestSampleWeightedPicksOnlyNonZero(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		assert.Equal(t, 2, SampleWeighted([]float64{0, 0, 1, 0}, rng))
	}
}
