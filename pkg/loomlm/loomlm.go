// Package loomlm is a fixed-context next-token model built on loom's layer
// grid: an embedding of the last Context tokens, one tanh hidden layer and
// a softmax over the vocabulary.
package loomlm

import (
	"errors"
	"fmt"
	"math"

	"github.com/openfluke/loom/nn"

	"github.com/BrickPiGuy/dissertationScripts/pkg/model"
)

const (
	networkID      = "tokensweep_loom"
	DefaultContext = 8
	minProb        = 1e-9
)

type Config struct {
	// Context is how many preceding tokens each prediction sees.
	Context   int
	Embd      int
	Hidden    int
	BlockSize int
	// LearningRate is passed to every loom Train call.
	LearningRate float64
}

// FromShape sizes the network from the transformer shape so both backends
// share one model section.
func FromShape(shape model.Config, lr float64) Config {
	return Config{
		Context:      DefaultContext,
		Embd:         shape.NEmbd,
		Hidden:       4 * shape.NEmbd,
		BlockSize:    shape.BlockSize,
		LearningRate: lr,
	}
}

func (c Config) Validate() error {
	if c.Context <= 0 || c.Embd <= 0 || c.Hidden <= 0 || c.BlockSize <= 0 {
		return fmt.Errorf("loom context, embd, hidden and block size must be > 0, got %d/%d/%d/%d",
			c.Context, c.Embd, c.Hidden, c.BlockSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("loom learning rate must be > 0, got %v", c.LearningRate)
	}
	return nil
}

// Model implements the trial model contract on top of an nn.Network.
type Model struct {
	net   *nn.Network
	cfg   Config
	vocab model.Vocab
	tok   *model.TokenizerRuntime
}

// New builds and initializes a network for vocab. tok is optional and only
// needed for sampling.
func New(cfg Config, vocab model.Vocab, tok *model.TokenizerRuntime) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if vocab.Size <= 0 || vocab.BOS < 0 || vocab.BOS >= vocab.Size {
		return nil, fmt.Errorf("invalid vocab: size %d, bos %d", vocab.Size, vocab.BOS)
	}
	net, err := nn.BuildNetworkFromJSON(networkJSON(cfg, vocab.Size))
	if err != nil {
		return nil, fmt.Errorf("build loom network: %w", err)
	}
	net.InitializeWeights()
	return &Model{net: net, cfg: cfg, vocab: vocab, tok: tok}, nil
}

func networkJSON(cfg Config, vocabSize int) string {
	return fmt.Sprintf(`{
		"id": %q,
		"batch_size": 1,
		"grid_rows": 1,
		"grid_cols": 1,
		"layers_per_cell": 4,
		"layers": [
			{"type": "embedding", "vocab_size": %d, "embedding_dim": %d},
			{"type": "dense", "input_size": %d, "output_size": %d, "activation": "tanh"},
			{"type": "dense", "input_size": %d, "output_size": %d, "activation": "leaky_relu"},
			{"type": "softmax", "softmax_variant": "standard", "temperature": 1.0}
		]
	}`, networkID, vocabSize, cfg.Embd, cfg.Context*cfg.Embd, cfg.Hidden, cfg.Hidden, vocabSize)
}

func (m *Model) Config() Config { return m.cfg }

// NumParams counts the embedding table and both dense layers with biases.
func (m *Model) NumParams() int {
	v, c := m.vocab.Size, m.cfg
	return v*c.Embd + (c.Context*c.Embd+1)*c.Hidden + (c.Hidden+1)*v
}

type example struct {
	input  []float32
	target int
}

// window returns the Context ids before pos, left-filled with BOS.
func (m *Model) window(tokens []int, pos int) []float32 {
	in := make([]float32, m.cfg.Context)
	for i := range in {
		j := pos - m.cfg.Context + i
		id := m.vocab.BOS
		if j >= 0 {
			id = tokens[j]
		}
		in[i] = float32(id)
	}
	return in
}

// examples turns a sequence into one prediction per position, stopping at
// the first pad token or at the block size.
func (m *Model) examples(tokens []int) ([]example, error) {
	n := min(len(tokens), m.cfg.BlockSize)
	out := make([]example, 0, n)
	for pos := 0; pos < n; pos++ {
		target := tokens[pos]
		if m.vocab.Pad >= 0 && target == m.vocab.Pad {
			break
		}
		if target < 0 || target >= m.vocab.Size {
			return nil, fmt.Errorf("token id %d at position %d outside vocab of %d", target, pos, m.vocab.Size)
		}
		out = append(out, example{input: m.window(tokens, pos), target: target})
	}
	if len(out) == 0 {
		return nil, model.ErrNoTargets
	}
	return out, nil
}

// TrainStep runs one loom training epoch over every prediction in the batch.
// Sequences without targets are skipped.
func (m *Model) TrainStep(batch [][]int) (float64, error) {
	var batches []nn.TrainingBatch
	for _, seq := range batch {
		exs, err := m.examples(seq)
		if errors.Is(err, model.ErrNoTargets) {
			continue
		}
		if err != nil {
			return 0, err
		}
		for _, ex := range exs {
			target := make([]float32, m.vocab.Size)
			target[ex.target] = 1
			batches = append(batches, nn.TrainingBatch{Input: ex.input, Target: target})
		}
	}
	if len(batches) == 0 {
		return 0, model.ErrNoTargets
	}
	res, err := m.net.Train(batches, &nn.TrainingConfig{
		Epochs:       1,
		LearningRate: float32(m.cfg.LearningRate),
		LossType:     "crossentropy",
	})
	if err != nil {
		return 0, fmt.Errorf("loom train: %w", err)
	}
	return float64(res.FinalLoss), nil
}

// Loss is the mean negative log-probability of each target under a forward
// pass, without updating weights.
func (m *Model) Loss(tokens []int) (float64, error) {
	exs, err := m.examples(tokens)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for _, ex := range exs {
		probs, _ := m.net.ForwardCPU(ex.input)
		sum -= math.Log(prob(probs, ex.target))
	}
	return sum / float64(len(exs)), nil
}

func prob(probs []float32, id int) float64 {
	if id >= len(probs) {
		return minProb
	}
	return math.Max(float64(probs[id]), minProb)
}

// SaveCheckpoint writes the network in loom's JSON model format.
func (m *Model) SaveCheckpoint(path string) error {
	return m.net.SaveModel(path, networkID)
}

// Sample greedily continues prompt. It returns "" without a tokenizer.
func (m *Model) Sample(prompt string, maxNew int) string {
	if m.tok == nil {
		return ""
	}
	tokens := m.tok.Encode(prompt)
	start := len(tokens)
	for i := 0; i < maxNew; i++ {
		probs, _ := m.net.ForwardCPU(m.window(tokens, len(tokens)))
		next := argmax(probs)
		if next == m.vocab.BOS || next == m.vocab.Pad || next >= m.vocab.Size {
			break
		}
		tokens = append(tokens, next)
	}
	return m.tok.Decode(tokens[start:])
}

func argmax(v []float32) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
