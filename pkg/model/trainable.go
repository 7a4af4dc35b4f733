package model

import (
	"math/rand"
)

// Trainable pairs a GPT with the tokenizer its vocabulary came from, so the
// weights can be saved and sampled as text.
type Trainable struct {
	*GPT
	Tokenizer TokenizerRuntime
	Sampling  Sampling
	rng       *rand.Rand
}

func NewTrainable(g *GPT, tok TokenizerRuntime, s Sampling, seed int64) *Trainable {
	return &Trainable{GPT: g, Tokenizer: tok, Sampling: s, rng: rand.New(rand.NewSource(seed))}
}

// LoadTrainable restores a checkpoint together with its tokenizer.
func LoadTrainable(path string, opt Adam, s Sampling, seed int64) (*Trainable, error) {
	ckpt, err := LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	tok, err := TokenizerFromCheckpoint(ckpt)
	if err != nil {
		return nil, err
	}
	g, err := FromCheckpoint(ckpt, tok.Vocab(), opt)
	if err != nil {
		return nil, err
	}
	return NewTrainable(g, tok, s, seed), nil
}

func (t *Trainable) SaveCheckpoint(path string) error {
	return SaveCheckpoint(path, t.Checkpoint(t.Tokenizer))
}

// Sample continues prompt by up to maxNew tokens and returns only the
// continuation.
func (t *Trainable) Sample(prompt string, maxNew int) string {
	return t.SampleWith(prompt, maxNew, t.Sampling)
}

func (t *Trainable) SampleWith(prompt string, maxNew int, s Sampling) string {
	out := t.Generate(t.Tokenizer.Encode(prompt), maxNew, s, t.rng)
	return t.Tokenizer.Decode(out)
}
