// Package trial runs one train-and-evaluate trial for a token budget and
// records its metrics.
package trial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/BrickPiGuy/dissertationScripts/pkg/corpus"
	"github.com/BrickPiGuy/dissertationScripts/pkg/efficiency"
	"github.com/BrickPiGuy/dissertationScripts/pkg/runlog"
)

var (
	ErrCorpusExhausted  = errors.New("corpus exhausted before the token budget was met")
	ErrEmptyTrainingSet = errors.New("training set is empty")
)

const (
	ExhaustedWarn = "warn"
	ExhaustedFail = "fail"

	PrecisionAuto = "auto"
	PrecisionOff  = "off"
	PrecisionOn   = "on"

	StatusSuccess = "success"
	// StatusSkipped marks a trial whose result file already existed.
	StatusSkipped = "skipped"
)

// Tokenizer turns corpus text into model token ids.
type Tokenizer interface {
	Encode(text string) []int
	PadID() int
}

// Model is the trainable network a trial fine-tunes. Pad ids in a sequence
// end it; they are never predicted.
type Model interface {
	TrainStep(batch [][]int) (float64, error)
	Loss(tokens []int) (float64, error)
	NumParams() int
}

// Checkpointer is implemented by models that can persist their weights.
type Checkpointer interface {
	SaveCheckpoint(path string) error
}

// Sampler is implemented by models that can continue a prompt.
type Sampler interface {
	Sample(prompt string, maxNew int) string
}

// ModelFactory returns a fresh base model. Every call must return an
// independent instance.
type ModelFactory func() (Model, error)

type Config struct {
	MaxLength         int
	Pad               bool
	Epochs            int
	BatchSize         int
	Seed              int64
	EvalPrompt        string
	OnCorpusExhausted string
	MixedPrecision    string
	SaveCheckpoint    bool
	SampleTokens      int
	LogInterval       int
	Constants         efficiency.Constants
}

func DefaultConfig() Config {
	return Config{
		MaxLength:         64,
		Pad:               true,
		Epochs:            3,
		BatchSize:         4,
		Seed:              42,
		EvalPrompt:        "The quick brown fox jumps over the lazy dog.",
		OnCorpusExhausted: ExhaustedWarn,
		MixedPrecision:    PrecisionAuto,
		LogInterval:       25,
		Constants:         efficiency.DefaultConstants(),
	}
}

func (c Config) Validate() error {
	if c.MaxLength < 1 {
		return fmt.Errorf("max_length must be >= 1")
	}
	if c.Epochs < 1 {
		return fmt.Errorf("epochs must be >= 1")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1")
	}
	if strings.TrimSpace(c.EvalPrompt) == "" {
		return fmt.Errorf("eval_prompt must not be empty")
	}
	switch c.OnCorpusExhausted {
	case ExhaustedWarn, ExhaustedFail:
	default:
		return fmt.Errorf("on_corpus_exhausted must be %s or %s, got %q", ExhaustedWarn, ExhaustedFail, c.OnCorpusExhausted)
	}
	switch c.MixedPrecision {
	case PrecisionAuto, PrecisionOff, PrecisionOn:
	default:
		return fmt.Errorf("mixed_precision must be auto, off or on, got %q", c.MixedPrecision)
	}
	if c.Constants.TopsUsed <= 0 || c.Constants.BaselineEfficiency <= 0 || c.Constants.ParameterCount < 0 {
		return fmt.Errorf("tops_used and baseline_efficiency must be > 0 and parameter_count >= 0")
	}
	return nil
}

type Result struct {
	Status         string            `json:"status"`
	TokenCount     int               `json:"token_count"`
	TrialNumber    int               `json:"trial_number"`
	Metrics        efficiency.Bundle `json:"metrics"`
	TokensUsed     int               `json:"tokens_used"`
	Samples        int               `json:"samples"`
	Steps          int               `json:"steps"`
	NumParams      int               `json:"num_params"`
	FinalTrainLoss float64           `json:"final_train_loss"`
	EvalLoss       float64           `json:"eval_loss"`
	Duration       time.Duration     `json:"duration"`
}

// Executor runs trials. It is not safe to run two trials against the same
// output directory or Run Log at once.
type Executor struct {
	Config     Config
	Tokenizer  Tokenizer
	Corpus     corpus.Opener
	NewModel   ModelFactory
	RunLogPath string
	Logger     *log.Logger
	Now        func() time.Time
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Executor) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// Execute trains a fresh model on tokenCount corpus tokens, evaluates it on
// the fixed prompt and records the metrics. Nothing is written unless the
// trial succeeds.
func (e *Executor) Execute(ctx context.Context, tokenCount, trialNumber int, outputDir string) (Result, error) {
	if tokenCount <= 0 {
		return Result{}, fmt.Errorf("token count must be > 0, got %d", tokenCount)
	}
	if trialNumber <= 0 {
		return Result{}, fmt.Errorf("trial number must be > 0, got %d", trialNumber)
	}
	if err := e.Config.Validate(); err != nil {
		return Result{}, err
	}
	start := e.now()
	logger := e.logger().With("tokens", tokenCount, "trial", trialNumber)

	samples, used, err := e.buildTrainingSet(tokenCount, logger)
	if err != nil {
		return Result{}, err
	}
	logger.Debug("training set built", "samples", len(samples), "tokens_used", used)

	m, err := e.NewModel()
	if err != nil {
		return Result{}, fmt.Errorf("create model: %w", err)
	}
	switch e.Config.MixedPrecision {
	case PrecisionOn:
		logger.Warn("mixed precision requested but the CPU kernels only run full precision; falling back")
	case PrecisionAuto:
		logger.Debug("mixed precision unavailable, training in full precision")
	}

	steps, lastLoss, err := e.train(ctx, m, samples, trialSeed(e.Config.Seed, tokenCount, trialNumber), logger)
	if err != nil {
		return Result{}, err
	}

	evalTokens := e.Tokenizer.Encode(e.Config.EvalPrompt)
	if len(evalTokens) > e.Config.MaxLength {
		evalTokens = evalTokens[:e.Config.MaxLength]
	}
	evalLoss, err := m.Loss(evalTokens)
	if err != nil {
		return Result{}, fmt.Errorf("evaluate: %w", err)
	}
	consts := e.Config.Constants
	if consts.ParameterCount == 0 {
		consts.ParameterCount = float64(m.NumParams())
	}
	metrics, err := efficiency.Compute(evalLoss, consts)
	if err != nil {
		return Result{}, fmt.Errorf("metrics: %w", err)
	}
	if s, ok := m.(Sampler); ok && e.Config.SampleTokens > 0 {
		logger.Debug("sample", "prompt", e.Config.EvalPrompt, "continuation", s.Sample(e.Config.EvalPrompt, e.Config.SampleTokens))
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if err := e.record(tokenCount, trialNumber, outputDir, metrics); err != nil {
		return Result{}, err
	}
	if c, ok := m.(Checkpointer); ok && e.Config.SaveCheckpoint {
		path := filepath.Join(outputDir, CheckpointFileName)
		if err := c.SaveCheckpoint(path); err != nil {
			logger.Warn("checkpoint not saved", "path", path, "err", err)
		} else {
			logger.Debug("checkpoint saved", "path", path)
		}
	}

	return Result{
		Status:         StatusSuccess,
		TokenCount:     tokenCount,
		TrialNumber:    trialNumber,
		Metrics:        metrics,
		TokensUsed:     used,
		Samples:        len(samples),
		Steps:          steps,
		NumParams:      m.NumParams(),
		FinalTrainLoss: lastLoss,
		EvalLoss:       evalLoss,
		Duration:       e.now().Sub(start),
	}, nil
}

// buildTrainingSet reads samples in corpus order until the budget is met.
// Each sample counts its length after truncation and padding.
func (e *Executor) buildTrainingSet(tokenCount int, logger *log.Logger) ([][]int, int, error) {
	src, err := e.Corpus()
	if err != nil {
		return nil, 0, fmt.Errorf("open corpus: %w", err)
	}
	defer src.Close()

	var samples [][]int
	used := 0
	pad := e.Tokenizer.PadID()
	for used < tokenCount {
		doc, err := src.Next()
		if errors.Is(err, io.EOF) {
			if len(samples) == 0 {
				return nil, 0, ErrEmptyTrainingSet
			}
			if e.Config.OnCorpusExhausted == ExhaustedFail {
				return nil, 0, fmt.Errorf("%w: %d of %d tokens", ErrCorpusExhausted, used, tokenCount)
			}
			logger.Warn("corpus exhausted, training on fewer tokens", "tokens_used", used, "budget", tokenCount)
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read corpus: %w", err)
		}
		ids := e.Tokenizer.Encode(doc)
		if len(ids) == 0 {
			continue
		}
		if len(ids) > e.Config.MaxLength {
			ids = ids[:e.Config.MaxLength]
		}
		if e.Config.Pad {
			for len(ids) < e.Config.MaxLength {
				ids = append(ids, pad)
			}
		}
		samples = append(samples, ids)
		used += len(ids)
	}
	return samples, used, nil
}

func (e *Executor) train(ctx context.Context, m Model, samples [][]int, seed int64, logger *log.Logger) (int, float64, error) {
	rng := rand.New(rand.NewSource(seed))
	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}
	bs := e.Config.BatchSize
	perEpoch := (len(samples) + bs - 1) / bs
	total := perEpoch * e.Config.Epochs
	interval := e.Config.LogInterval
	if interval < 1 {
		interval = 1
	}
	trainStart := e.now()
	step := 0
	lastLoss := 0.0
	for epoch := 0; epoch < e.Config.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for b := 0; b < len(order); b += bs {
			if err := ctx.Err(); err != nil {
				return step, lastLoss, err
			}
			end := b + bs
			if end > len(order) {
				end = len(order)
			}
			batch := make([][]int, 0, end-b)
			for _, idx := range order[b:end] {
				batch = append(batch, samples[idx])
			}
			loss, err := m.TrainStep(batch)
			if err != nil {
				return step, lastLoss, fmt.Errorf("train epoch %d step %d: %w", epoch+1, step+1, err)
			}
			lastLoss = loss
			step++
			if step%interval == 0 || step == 1 || step == total {
				elapsed := e.now().Sub(trainStart).Seconds()
				if elapsed <= 0 {
					elapsed = 1e-9
				}
				logger.Debug(fmt.Sprintf("[step] %d/%d", step, total),
					"epoch", epoch+1,
					"loss", fmt.Sprintf("%.4f", loss),
					"steps_per_sec", fmt.Sprintf("%.3f", float64(step)/elapsed),
				)
			}
		}
	}
	return step, lastLoss, nil
}

// record publishes results.txt and then appends the Run Log row. A failed
// append removes the published file again, so neither a marker without a row
// nor a row without a marker survives an error. A crash between the two
// steps leaves a marker without a row; the trial is then skipped rather than
// logged twice.
func (e *Executor) record(tokenCount, trialNumber int, outputDir string, metrics efficiency.Bundle) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	final := filepath.Join(outputDir, ResultFileName)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, []byte(formatResult(metrics)), 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write result: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish result: %w", err)
	}
	row := runlog.Row{
		Timestamp:               e.now(),
		TokenCount:              tokenCount,
		TrialNumber:             trialNumber,
		Accuracy:                metrics.Accuracy,
		TopsUsed:                metrics.TopsUsed,
		ParameterEfficiency:     metrics.ParameterEfficiency,
		ParameterEfficiencyLoss: metrics.ParameterEfficiencyLoss,
		ParameterPerplexity:     metrics.ParameterPerplexity,
	}
	if err := runlog.Append(e.RunLogPath, row); err != nil {
		_ = os.Remove(final)
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

func trialSeed(base int64, tokenCount, trialNumber int) int64 {
	return base*1_000_003 + int64(tokenCount)*101 + int64(trialNumber)
}
