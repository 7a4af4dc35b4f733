package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const CheckpointVersion = 2

// TrainingCheckpoint is the on-disk form of a model and its tokenizer.
type TrainingCheckpoint struct {
	Version      int                    `json:"version"`
	CreatedAt    string                 `json:"created_at"`
	Config       Config                 `json:"config"`
	Tokenization string                 `json:"tokenization,omitempty"`
	BPEEncoding  string                 `json:"bpe_encoding,omitempty"`
	BPETokenIDs  []int                  `json:"bpe_token_ids,omitempty"`
	Vocab        []string               `json:"vocab,omitempty"`
	State        map[string][][]float64 `json:"state"`
}

func exportState(state map[string][][]*Value) map[string][][]float64 {
	out := make(map[string][][]float64, len(state))
	for name, mat := range state {
		rows := make([][]float64, len(mat))
		for i, row := range mat {
			r := make([]float64, len(row))
			for j, v := range row {
				r[j] = v.Data
			}
			rows[i] = r
		}
		out[name] = rows
	}
	return out
}

func ImportState(src map[string][][]float64) map[string][][]*Value {
	out := make(map[string][][]*Value, len(src))
	for name, mat := range src {
		rows := make([][]*Value, len(mat))
		for i, row := range mat {
			r := make([]*Value, len(row))
			for j, v := range row {
				r[j] = V(v)
			}
			rows[i] = r
		}
		out[name] = rows
	}
	return out
}

// Checkpoint snapshots the current weights together with tok's vocabulary.
func (g *GPT) Checkpoint(tok TokenizerRuntime) TrainingCheckpoint {
	ckpt := TrainingCheckpoint{
		Version:   CheckpointVersion,
		CreatedAt: time.Now().Format(time.RFC3339),
		Config:    g.cfg,
		State:     exportState(g.state),
	}
	tok.annotate(&ckpt)
	return ckpt
}

// FromCheckpoint rebuilds a model from ckpt. Optimizer moments are not
// persisted, so training resumes with fresh Adam state.
func FromCheckpoint(ckpt TrainingCheckpoint, vocab Vocab, opt Adam) (*GPT, error) {
	if err := ckpt.Config.Validate(); err != nil {
		return nil, err
	}
	if err := vocab.validate(); err != nil {
		return nil, err
	}
	for _, name := range []string{"wte", "wpe", "lm_head"} {
		if _, ok := ckpt.State[name]; !ok {
			return nil, fmt.Errorf("checkpoint state is missing %s", name)
		}
	}
	if got := len(ckpt.State["wte"]); got != vocab.Size {
		return nil, fmt.Errorf("checkpoint embeds %d tokens, tokenizer has %d", got, vocab.Size)
	}
	if got := len(ckpt.State["wpe"]); got != ckpt.Config.BlockSize {
		return nil, fmt.Errorf("checkpoint has %d positions, config block_size is %d", got, ckpt.Config.BlockSize)
	}
	for li := 0; li < ckpt.Config.NLayer; li++ {
		for _, part := range []string{"attn_wq", "attn_wk", "attn_wv", "attn_wo", "mlp_fc1", "mlp_fc2"} {
			if _, ok := ckpt.State[fmt.Sprintf("layer%d.%s", li, part)]; !ok {
				return nil, fmt.Errorf("checkpoint state is missing layer%d.%s", li, part)
			}
		}
	}
	return newGPT(ckpt.Config, vocab, opt, ImportState(ckpt.State)), nil
}

func SaveCheckpoint(path string, ckpt TrainingCheckpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func LoadCheckpoint(path string) (TrainingCheckpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return TrainingCheckpoint{}, err
	}
	var ckpt TrainingCheckpoint
	if err := json.Unmarshal(b, &ckpt); err != nil {
		return TrainingCheckpoint{}, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if err := ckpt.Config.Validate(); err != nil {
		return TrainingCheckpoint{}, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return ckpt, nil
}
