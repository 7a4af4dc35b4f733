package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var ErrNoTargets = errors.New("sequence has no target tokens")

// Vocab describes the id space a tokenizer produces. Pad is -1 when the
// tokenizer never pads.
type Vocab struct {
	Size int
	BOS  int
	Pad  int
}

// Adam holds optimizer hyperparameters and moment state. WeightDecay is
// applied decoupled from the gradient, AdamW style.
type Adam struct {
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	Beta1        float64 `mapstructure:"beta1" yaml:"beta1"`
	Beta2        float64 `mapstructure:"beta2" yaml:"beta2"`
	Eps          float64 `mapstructure:"eps" yaml:"eps"`
	WeightDecay  float64 `mapstructure:"weight_decay" yaml:"weight_decay"`

	m, v []float64
	t    int
}

func DefaultAdam() Adam {
	return Adam{LearningRate: 0.01, Beta1: 0.85, Beta2: 0.99, Eps: 1e-8}
}

// Step applies one update with a fixed learning rate and zeroes the gradients.
func (a *Adam) Step(params []*Value) {
	if len(a.m) != len(params) {
		a.m = make([]float64, len(params))
		a.v = make([]float64, len(params))
		a.t = 0
	}
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, p := range params {
		a.m[i] = a.Beta1*a.m[i] + (1-a.Beta1)*p.Grad
		a.v[i] = a.Beta2*a.v[i] + (1-a.Beta2)*p.Grad*p.Grad
		mHat := a.m[i] / c1
		vHat := a.v[i] / c2
		if a.WeightDecay > 0 {
			p.Data -= a.LearningRate * a.WeightDecay * p.Data
		}
		p.Data -= a.LearningRate * mHat / (math.Sqrt(vHat) + a.Eps)
		p.Grad = 0
	}
}

// GPT is a trainable model instance. It is not safe for concurrent use.
type GPT struct {
	cfg     Config
	vocab   Vocab
	state   map[string][][]*Value
	params  []*Value
	forward forwardFunc
	opt     Adam
}

// New returns a freshly initialized model. The same seed always yields the
// same weights.
func New(cfg Config, vocab Vocab, opt Adam, seed int64) (*GPT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := vocab.validate(); err != nil {
		return nil, err
	}
	state := initState(cfg, vocab.Size, rand.New(rand.NewSource(seed)))
	return newGPT(cfg, vocab, opt, state), nil
}

func newGPT(cfg Config, vocab Vocab, opt Adam, state map[string][][]*Value) *GPT {
	opt.m, opt.v, opt.t = nil, nil, 0
	return &GPT{
		cfg:     cfg,
		vocab:   vocab,
		state:   state,
		params:  stateParams(state),
		forward: buildGPT(state, cfg.NLayer, cfg.NEmbd, cfg.NHead),
		opt:     opt,
	}
}

func (v Vocab) validate() error {
	if v.Size < 2 {
		return fmt.Errorf("vocab size %d is too small", v.Size)
	}
	if v.BOS < 0 || v.BOS >= v.Size {
		return fmt.Errorf("bos id %d outside vocab of %d", v.BOS, v.Size)
	}
	if v.Pad >= v.Size {
		return fmt.Errorf("pad id %d outside vocab of %d", v.Pad, v.Size)
	}
	return nil
}

func (g *GPT) Config() Config { return g.cfg }

func (g *GPT) Vocab() Vocab { return g.vocab }

func (g *GPT) NumParams() int { return len(g.params) }

// sequenceLosses returns the per-position negative log-likelihoods for
// predicting tokens from a BOS-prefixed context. Prediction stops at the
// first pad token or at the block size.
func (g *GPT) sequenceLosses(tokens []int) ([]*Value, error) {
	n := len(tokens)
	if n > g.cfg.BlockSize {
		n = g.cfg.BlockSize
	}
	keys := make([][][]*Value, g.cfg.NLayer)
	values := make([][][]*Value, g.cfg.NLayer)
	losses := make([]*Value, 0, n)
	prev := g.vocab.BOS
	for pos := 0; pos < n; pos++ {
		target := tokens[pos]
		if g.vocab.Pad >= 0 && target == g.vocab.Pad {
			break
		}
		if target < 0 || target >= g.vocab.Size {
			return nil, fmt.Errorf("token id %d at position %d outside vocab of %d", target, pos, g.vocab.Size)
		}
		probs := softmax(g.forward(prev, pos, keys, values))
		losses = append(losses, Neg(Log(probs[target])))
		prev = target
	}
	if len(losses) == 0 {
		return nil, ErrNoTargets
	}
	return losses, nil
}

// TrainStep runs forward and backward over one batch, averaging the loss over
// every predicted token, and applies one optimizer update. Sequences without
// targets are skipped; a batch with no targets at all is an error.
func (g *GPT) TrainStep(batch [][]int) (float64, error) {
	total := V(0)
	count := 0
	for _, seq := range batch {
		losses, err := g.sequenceLosses(seq)
		if errors.Is(err, ErrNoTargets) {
			continue
		}
		if err != nil {
			return 0, err
		}
		for _, l := range losses {
			total = Add(total, l)
		}
		count += len(losses)
	}
	if count == 0 {
		return 0, ErrNoTargets
	}
	loss := Mul(V(1/float64(count)), total)
	Backward(loss)
	g.opt.Step(g.params)
	return loss.Data, nil
}

// Loss returns the mean next-token loss over tokens without updating weights.
func (g *GPT) Loss(tokens []int) (float64, error) {
	losses, err := g.sequenceLosses(tokens)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for _, l := range losses {
		sum += l.Data
	}
	return sum / float64(len(losses)), nil
}
