// Package model is a small causal transformer built on a scalar autograd
// engine, with the tokenizers and checkpoint format that go with it. Every
// scalar is one heap node, so keep shapes small.
package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Value represents a scalar for autograd
type Value struct {
	Data       float64
	Grad       float64
	Children   []*Value
	LocalGrads []float64
}

func V(x float64) *Value {
	return &Value{Data: x}
}

func Add(a, b *Value) *Value {
	return &Value{Data: a.Data + b.Data, Children: []*Value{a, b}, LocalGrads: []float64{1, 1}}
}

func Sub(a, b *Value) *Value {
	return &Value{Data: a.Data - b.Data, Children: []*Value{a, b}, LocalGrads: []float64{1, -1}}
}

func Mul(a, b *Value) *Value {
	return &Value{Data: a.Data * b.Data, Children: []*Value{a, b}, LocalGrads: []float64{b.Data, a.Data}}
}

func Pow(a *Value, p float64) *Value {
	return &Value{Data: math.Pow(a.Data, p), Children: []*Value{a}, LocalGrads: []float64{p * math.Pow(a.Data, p-1)}}
}

func Div(a, b *Value) *Value {
	return Mul(a, Pow(b, -1))
}

func Neg(a *Value) *Value {
	return Mul(a, V(-1))
}

func Log(a *Value) *Value {
	return &Value{Data: math.Log(a.Data), Children: []*Value{a}, LocalGrads: []float64{1 / a.Data}}
}

func Exp(a *Value) *Value {
	e := math.Exp(a.Data)
	return &Value{Data: e, Children: []*Value{a}, LocalGrads: []float64{e}}
}

func ReLU(a *Value) *Value {
	val := 0.0
	grad := 0.0
	if a.Data > 0 {
		val = a.Data
		grad = 1
	}
	return &Value{Data: val, Children: []*Value{a}, LocalGrads: []float64{grad}}
}

// Backward fills Grad for every node reachable from out. Gradients of the
// graph are reset first, so leaves must be zeroed by the optimizer only.
func Backward(out *Value) {
	topo := make([]*Value, 0)
	visited := make(map[*Value]bool)
	var buildTopo func(*Value)
	buildTopo = func(v *Value) {
		if !visited[v] {
			visited[v] = true
			for _, child := range v.Children {
				buildTopo(child)
			}
			topo = append(topo, v)
		}
	}
	buildTopo(out)

	for _, v := range topo {
		v.Grad = 0
	}
	out.Grad = 1
	for i := len(topo) - 1; i >= 0; i-- {
		v := topo[i]
		for j, child := range v.Children {
			child.Grad += v.LocalGrads[j] * v.Grad
		}
	}
}

func matrix(rng *rand.Rand, nout, nin int, std float64) [][]*Value {
	m := make([][]*Value, nout)
	for o := 0; o < nout; o++ {
		row := make([]*Value, nin)
		for i := 0; i < nin; i++ {
			row[i] = V(rng.NormFloat64() * std)
		}
		m[o] = row
	}
	return m
}

func linear(x []*Value, w [][]*Value) []*Value {
	out := make([]*Value, len(w))
	for i, row := range w {
		s := V(0)
		for j := range x {
			s = Add(s, Mul(x[j], row[j]))
		}
		out[i] = s
	}
	return out
}

func softmax(logits []*Value) []*Value {
	maxVal := -math.MaxFloat64
	for _, l := range logits {
		if l.Data > maxVal {
			maxVal = l.Data
		}
	}
	exps := make([]*Value, len(logits))
	sumExp := V(0)
	for i, l := range logits {
		exps[i] = Exp(Sub(l, V(maxVal)))
		sumExp = Add(sumExp, exps[i])
	}
	out := make([]*Value, len(logits))
	invSum := Div(V(1), sumExp)
	for i := range exps {
		out[i] = Mul(exps[i], invSum)
	}
	return out
}

func rmsnorm(x []*Value) []*Value {
	meanSq := V(0)
	for _, v := range x {
		meanSq = Add(meanSq, Pow(v, 2))
	}
	meanSq = Mul(V(1/float64(len(x))), meanSq)
	invStd := Div(V(1), Pow(Add(meanSq, V(1e-6)), 0.5))
	out := make([]*Value, len(x))
	for i, v := range x {
		out[i] = Mul(v, invStd)
	}
	return out
}

// Config is the transformer shape.
type Config struct {
	NLayer    int `json:"n_layer" mapstructure:"n_layer" yaml:"n_layer"`
	NEmbd     int `json:"n_embd" mapstructure:"n_embd" yaml:"n_embd"`
	NHead     int `json:"n_head" mapstructure:"n_head" yaml:"n_head"`
	BlockSize int `json:"block_size" mapstructure:"block_size" yaml:"block_size"`
}

func DefaultConfig() Config {
	return Config{NLayer: 1, NEmbd: 16, NHead: 4, BlockSize: 64}
}

func (c Config) Validate() error {
	if c.NLayer < 1 || c.NEmbd < 1 || c.NHead < 1 || c.BlockSize < 2 {
		return fmt.Errorf("invalid model config: need n_layer>=1, n_embd>=1, n_head>=1, block_size>=2")
	}
	if c.NEmbd%c.NHead != 0 {
		return fmt.Errorf("invalid model config: n_embd must be divisible by n_head")
	}
	return nil
}

func initState(cfg Config, vocabSize int, rng *rand.Rand) map[string][][]*Value {
	const std = 0.08
	state := map[string][][]*Value{}
	state["wte"] = matrix(rng, vocabSize, cfg.NEmbd, std)
	state["wpe"] = matrix(rng, cfg.BlockSize, cfg.NEmbd, std)
	state["lm_head"] = matrix(rng, vocabSize, cfg.NEmbd, std)
	for i := 0; i < cfg.NLayer; i++ {
		state[fmt.Sprintf("layer%d.attn_wq", i)] = matrix(rng, cfg.NEmbd, cfg.NEmbd, std)
		state[fmt.Sprintf("layer%d.attn_wk", i)] = matrix(rng, cfg.NEmbd, cfg.NEmbd, std)
		state[fmt.Sprintf("layer%d.attn_wv", i)] = matrix(rng, cfg.NEmbd, cfg.NEmbd, std)
		state[fmt.Sprintf("layer%d.attn_wo", i)] = matrix(rng, cfg.NEmbd, cfg.NEmbd, std)
		state[fmt.Sprintf("layer%d.mlp_fc1", i)] = matrix(rng, 4*cfg.NEmbd, cfg.NEmbd, std)
		state[fmt.Sprintf("layer%d.mlp_fc2", i)] = matrix(rng, cfg.NEmbd, 4*cfg.NEmbd, std)
	}
	return state
}

// stateParams flattens the state in sorted key order.
func stateParams(state map[string][][]*Value) []*Value {
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)
	var params []*Value
	for _, name := range names {
		for _, row := range state[name] {
			params = append(params, row...)
		}
	}
	return params
}

// forwardFunc runs one position through the network, appending to the
// per-layer key/value caches, and returns the logits.
type forwardFunc func(tokenID, posID int, keys, values [][][]*Value) []*Value

func buildGPT(state map[string][][]*Value, nLayer, nEmbd, nHead int) forwardFunc {
	headDim := nEmbd / nHead
	return func(tokenID, posID int, keys, values [][][]*Value) []*Value {
		tokEmb := state["wte"][tokenID]
		posEmb := state["wpe"][posID]
		x := make([]*Value, len(tokEmb))
		for i := range tokEmb {
			x[i] = Add(tokEmb[i], posEmb[i])
		}
		x = rmsnorm(x)

		for li := 0; li < nLayer; li++ {
			xResidual := x
			x = rmsnorm(x)
			q := linear(x, state[fmt.Sprintf("layer%d.attn_wq", li)])
			k := linear(x, state[fmt.Sprintf("layer%d.attn_wk", li)])
			v := linear(x, state[fmt.Sprintf("layer%d.attn_wv", li)])
			keys[li] = append(keys[li], k)
			values[li] = append(values[li], v)

			xAttn := make([]*Value, 0, nEmbd)
			for h := 0; h < nHead; h++ {
				hs := h * headDim
				qH := q[hs : hs+headDim]

				attnLogits := make([]*Value, len(keys[li]))
				for t := range keys[li] {
					kH := keys[li][t][hs : hs+headDim]
					score := V(0)
					for j := 0; j < headDim; j++ {
						score = Add(score, Mul(qH[j], kH[j]))
					}
					attnLogits[t] = Div(score, V(math.Sqrt(float64(headDim))))
				}
				attnWeights := softmax(attnLogits)

				headOut := make([]*Value, headDim)
				for j := 0; j < headDim; j++ {
					s := V(0)
					for t := range values[li] {
						s = Add(s, Mul(attnWeights[t], values[li][t][hs+j]))
					}
					headOut[j] = s
				}
				xAttn = append(xAttn, headOut...)
			}

			x = linear(xAttn, state[fmt.Sprintf("layer%d.attn_wo", li)])
			for i := range x {
				x[i] = Add(x[i], xResidual[i])
			}

			xResidual = x
			x = rmsnorm(x)
			x = linear(x, state[fmt.Sprintf("layer%d.mlp_fc1", li)])
			for i := range x {
				x[i] = ReLU(x[i])
			}
			x = linear(x, state[fmt.Sprintf("layer%d.mlp_fc2", li)])
			for i := range x {
				x[i] = Add(x[i], xResidual[i])
			}
		}

		return linear(x, state["lm_head"])
	}
}
