package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/BrickPiGuy/dissertationScripts/pkg/config"
	"github.com/BrickPiGuy/dissertationScripts/pkg/corpus"
	"github.com/BrickPiGuy/dissertationScripts/pkg/loomlm"
	"github.com/BrickPiGuy/dissertationScripts/pkg/model"
	"github.com/BrickPiGuy/dissertationScripts/pkg/trial"
)

// sampling is used for the optional per-trial sample and the sample command.
var sampling = model.Sampling{Temperature: 0.6, TopK: 40, TopP: 0.9, RepetitionPenalty: 1.1}

// firstDocs reads up to n documents from the start of the corpus.
func firstDocs(open corpus.Opener, n int) ([]string, error) {
	src, err := open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	var docs []string
	for len(docs) < n {
		doc, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// buildTokenizer picks the tokenizer the base model is trained with. A base
// checkpoint always brings its own.
func buildTokenizer(cfg config.Config, open corpus.Opener, base *model.TrainingCheckpoint) (model.TokenizerRuntime, error) {
	if base != nil {
		return model.TokenizerFromCheckpoint(*base)
	}
	switch cfg.Tokenizer.Mode {
	case model.ModeBPE:
		docs, err := firstDocs(open, cfg.Tokenizer.VocabSamples)
		if err != nil {
			return model.TokenizerRuntime{}, fmt.Errorf("read vocabulary samples: %w", err)
		}
		docs = append(docs, cfg.Training.EvalPrompt)
		return model.NewBPETokenizer(cfg.Tokenizer.Encoding, docs, cfg.Tokenizer.MaxVocab)
	default:
		return model.NewCharTokenizer(cfg.Training.EvalPrompt), nil
	}
}

// newExecutor wires the configured corpus, tokenizer and model into a trial
// executor.
func newExecutor(cfg config.Config, logger *log.Logger) (*trial.Executor, error) {
	open, err := corpus.FileOpener(cfg.Dataset.Path, cfg.Dataset.Format)
	if err != nil {
		return nil, err
	}
	var base *model.TrainingCheckpoint
	if cfg.Model.BaseCheckpoint != "" {
		ckpt, err := model.LoadCheckpoint(cfg.Model.BaseCheckpoint)
		if err != nil {
			return nil, fmt.Errorf("load base model: %w", err)
		}
		base = &ckpt
	}
	tok, err := buildTokenizer(cfg, open, base)
	if err != nil {
		return nil, err
	}
	opt := cfg.Optimizer()
	shape := cfg.ModelShape()
	seed := cfg.Training.Seed

	factory := func() (trial.Model, error) {
		if cfg.Model.Backend == config.BackendLoom {
			return loomlm.New(loomlm.FromShape(shape, opt.LearningRate), tok.Vocab(), &tok)
		}
		var g *model.GPT
		var err error
		if base != nil {
			g, err = model.FromCheckpoint(*base, tok.Vocab(), opt)
		} else {
			g, err = model.New(shape, tok.Vocab(), opt, seed)
		}
		if err != nil {
			return nil, err
		}
		return model.NewTrainable(g, tok, sampling, seed), nil
	}

	logger.Info("trial executor ready",
		"dataset", cfg.Dataset.Path,
		"backend", cfg.Model.Backend,
		"tokenizer", tok.Mode,
		"vocab", tok.VocabSize(),
		"base", nzPath(cfg.Model.BaseCheckpoint),
	)
	return &trial.Executor{
		Config:     cfg.Trial(),
		Tokenizer:  tok,
		Corpus:     open,
		NewModel:   factory,
		RunLogPath: cfg.RunLogPath(),
		Logger:     logger,
	}, nil
}

func nzPath(p string) string {
	if p == "" {
		return "-"
	}
	return filepath.Clean(p)
}
