package model

import (
	"fmt"
	"sort"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const (
	ModeChar = "char"
	ModeBPE  = "bpe_cl100k"

	DefaultBPEEncoding = "cl100k_base"
)

// TokenizerRuntime maps text to the compact id space the model embeds.
//
// char: one id per known rune, then BOS, then PAD. Unknown runes are dropped.
// bpe_cl100k: one id per BPE token seen when the vocabulary was built, then
// UNK, BOS and PAD.
type TokenizerRuntime struct {
	Mode        string
	CharToLocal map[rune]int
	LocalToChar []rune
	BpeEncoding string
	Bpe         *tiktoken.Tiktoken
	BpeToLocal  map[int]int
	LocalToBPE  []int
	UnkID       int
	BosID       int
	PadToken    int
}

func (t TokenizerRuntime) VocabSize() int {
	return t.PadToken + 1
}

func (t TokenizerRuntime) Vocab() Vocab {
	return Vocab{Size: t.VocabSize(), BOS: t.BosID, Pad: t.PadToken}
}

func (t TokenizerRuntime) PadID() int { return t.PadToken }

func (t TokenizerRuntime) Encode(doc string) []int {
	if t.Mode == ModeBPE {
		raw := t.Bpe.EncodeOrdinary(doc)
		out := make([]int, 0, len(raw))
		for _, id := range raw {
			if local, ok := t.BpeToLocal[id]; ok {
				out = append(out, local)
			} else {
				out = append(out, t.UnkID)
			}
		}
		return out
	}
	out := make([]int, 0, len(doc))
	for _, r := range doc {
		if id, ok := t.CharToLocal[r]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (t TokenizerRuntime) Decode(tokens []int) string {
	if t.Mode == ModeBPE {
		raw := make([]int, 0, len(tokens))
		for _, local := range tokens {
			if local >= 0 && local < len(t.LocalToBPE) {
				raw = append(raw, t.LocalToBPE[local])
			}
		}
		return t.Bpe.Decode(raw)
	}
	out := make([]rune, 0, len(tokens))
	for _, id := range tokens {
		if id >= 0 && id < len(t.LocalToChar) {
			out = append(out, t.LocalToChar[id])
		}
	}
	return string(out)
}

func (t TokenizerRuntime) annotate(ckpt *TrainingCheckpoint) {
	ckpt.Tokenization = t.Mode
	if t.Mode == ModeBPE {
		ckpt.BPEEncoding = t.BpeEncoding
		ckpt.BPETokenIDs = append([]int(nil), t.LocalToBPE...)
		return
	}
	ckpt.Vocab = runesToStrings(t.LocalToChar)
}

// NewCharTokenizer builds a character vocabulary from printable ASCII, the
// newline, and any runes of extra.
func NewCharTokenizer(extra string) TokenizerRuntime {
	set := map[rune]bool{'\n': true}
	for r := rune(32); r < 127; r++ {
		set[r] = true
	}
	for _, r := range extra {
		set[r] = true
	}
	uchars := make([]rune, 0, len(set))
	for r := range set {
		uchars = append(uchars, r)
	}
	sort.Slice(uchars, func(i, j int) bool { return uchars[i] < uchars[j] })
	return charRuntime(uchars)
}

func charRuntime(uchars []rune) TokenizerRuntime {
	charToLocal := make(map[rune]int, len(uchars))
	for i, r := range uchars {
		charToLocal[r] = i
	}
	return TokenizerRuntime{
		Mode:        ModeChar,
		CharToLocal: charToLocal,
		LocalToChar: uchars,
		UnkID:       -1,
		BosID:       len(uchars),
		PadToken:    len(uchars) + 1,
	}
}

// NewBPETokenizer builds a compact vocabulary over the BPE tokens that occur
// in docs, in order of first appearance. maxVocab caps the number of local
// tokens (0 means no cap); later tokens map to UNK.
func NewBPETokenizer(encoding string, docs []string, maxVocab int) (TokenizerRuntime, error) {
	encName := strings.TrimSpace(encoding)
	if encName == "" {
		encName = DefaultBPEEncoding
	}
	enc, err := tiktoken.GetEncoding(encName)
	if err != nil {
		return TokenizerRuntime{}, fmt.Errorf("load bpe encoding %s: %w", encName, err)
	}
	var localToBPE []int
	seen := map[int]bool{}
	for _, d := range docs {
		for _, id := range enc.EncodeOrdinary(d) {
			if seen[id] || (maxVocab > 0 && len(localToBPE) >= maxVocab) {
				continue
			}
			seen[id] = true
			localToBPE = append(localToBPE, id)
		}
	}
	return bpeRuntime(encName, enc, localToBPE), nil
}

func bpeRuntime(encName string, enc *tiktoken.Tiktoken, localToBPE []int) TokenizerRuntime {
	bpeToLocal := make(map[int]int, len(localToBPE))
	for i, id := range localToBPE {
		bpeToLocal[id] = i
	}
	return TokenizerRuntime{
		Mode:        ModeBPE,
		BpeEncoding: encName,
		Bpe:         enc,
		BpeToLocal:  bpeToLocal,
		LocalToBPE:  localToBPE,
		UnkID:       len(localToBPE),
		BosID:       len(localToBPE) + 1,
		PadToken:    len(localToBPE) + 2,
	}
}

func TokenizerFromCheckpoint(ckpt TrainingCheckpoint) (TokenizerRuntime, error) {
	if ckpt.Tokenization == ModeBPE || len(ckpt.BPETokenIDs) > 0 {
		encName := strings.TrimSpace(ckpt.BPEEncoding)
		if encName == "" {
			encName = DefaultBPEEncoding
		}
		enc, err := tiktoken.GetEncoding(encName)
		if err != nil {
			return TokenizerRuntime{}, err
		}
		return bpeRuntime(encName, enc, append([]int(nil), ckpt.BPETokenIDs...)), nil
	}
	uchars, err := stringsToRunes(ckpt.Vocab)
	if err != nil {
		return TokenizerRuntime{}, err
	}
	if len(uchars) == 0 {
		return TokenizerRuntime{}, fmt.Errorf("checkpoint has empty character vocab")
	}
	return charRuntime(uchars), nil
}

func runesToStrings(rs []rune) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}

func stringsToRunes(ss []string) ([]rune, error) {
	out := make([]rune, 0, len(ss))
	for _, s := range ss {
		r := []rune(s)
		if len(r) != 1 {
			return nil, fmt.Errorf("invalid vocab token %q: expected one rune", s)
		}
		out = append(out, r[0])
	}
	return out, nil
}
