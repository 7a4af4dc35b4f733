package model

import (
	"math"
	"math/rand"
	"sort"
)

// Sampling controls Generate. Zero TopK or TopP disables that filter.
type Sampling struct {
	Temperature       float64
	TopK              int
	TopP              float64
	RepetitionPenalty float64
}

// Generate continues prompt by up to maxNew tokens, stopping early at BOS,
// PAD or the block size. It does not touch gradients or optimizer state.
func (g *GPT) Generate(prompt []int, maxNew int, s Sampling, rng *rand.Rand) []int {
	if s.Temperature <= 0 {
		s.Temperature = 1
	}
	if s.RepetitionPenalty <= 0 {
		s.RepetitionPenalty = 1
	}
	if len(prompt) > g.cfg.BlockSize-1 {
		prompt = prompt[len(prompt)-(g.cfg.BlockSize-1):]
	}
	keys := make([][][]*Value, g.cfg.NLayer)
	values := make([][][]*Value, g.cfg.NLayer)
	tokenID := g.vocab.BOS
	pos := 0
	recent := map[int]bool{}
	for _, id := range prompt {
		if id < 0 || id >= g.vocab.Size {
			continue
		}
		g.forward(tokenID, pos, keys, values)
		tokenID = id
		recent[id] = true
		pos++
	}

	out := make([]int, 0, maxNew)
	for pos < g.cfg.BlockSize && len(out) < maxNew {
		logits := g.forward(tokenID, pos, keys, values)
		w := NextTokenWeights(logits, s.Temperature, s.TopK, s.TopP, recent, s.RepetitionPenalty)
		tokenID = SampleWeighted(w, rng)
		if tokenID == g.vocab.BOS || tokenID == g.vocab.Pad {
			break
		}
		out = append(out, tokenID)
		recent[tokenID] = true
		pos++
	}
	return out
}

func SampleWeighted(weights []float64, rng *rand.Rand) int {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	r := rng.Float64() * sum
	running := 0.0
	for i, w := range weights {
		running += w
		if r <= running {
			return i
		}
	}
	return len(weights) - 1
}

func SoftmaxFloat(logits []float64) []float64 {
	maxLogit := -math.MaxFloat64
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func NextTokenWeights(logits []*Value, temperature float64, topK int, topP float64, recent map[int]bool, repetitionPenalty float64) []float64 {
	l := make([]float64, len(logits))
	for i, v := range logits {
		l[i] = v.Data
		if recent[i] {
			if l[i] >= 0 {
				l[i] /= repetitionPenalty
			} else {
				l[i] *= repetitionPenalty
			}
		}
		l[i] /= temperature
	}
	w := SoftmaxFloat(l)
	if topK > 0 {
		w = ApplyTopK(w, topK)
	}
	if topP > 0 && topP < 1.0 {
		w = ApplyTopP(w, topP)
	}
	return w
}

type weighted struct {
	i int
	w float64
}

func byWeight(weights []float64) []weighted {
	arr := make([]weighted, len(weights))
	for i, w := range weights {
		arr[i] = weighted{i, w}
	}
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].w > arr[j].w })
	return arr
}

func ApplyTopK(weights []float64, k int) []float64 {
	if k >= len(weights) {
		return weights
	}
	arr := byWeight(weights)
	out := make([]float64, len(weights))
	for i := 0; i < k; i++ {
		out[arr[i].i] = arr[i].w
	}
	return out
}

func ApplyTopP(weights []float64, p float64) []float64 {
	arr := byWeight(weights)
	out := make([]float64, len(weights))
	sum := 0.0
	for _, kv := range arr {
		sum += kv.w
		out[kv.i] = kv.w
		if sum >= p {
			break
		}
	}
	return out
}
