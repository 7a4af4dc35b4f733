// Package config loads the harness configuration: defaults, an optional YAML
// file, TOKENSWEEP_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/BrickPiGuy/dissertationScripts/pkg/analysis"
	"github.com/BrickPiGuy/dissertationScripts/pkg/corpus"
	"github.com/BrickPiGuy/dissertationScripts/pkg/efficiency"
	"github.com/BrickPiGuy/dissertationScripts/pkg/model"
	"github.com/BrickPiGuy/dissertationScripts/pkg/runlog"
	"github.com/BrickPiGuy/dissertationScripts/pkg/schedule"
	"github.com/BrickPiGuy/dissertationScripts/pkg/thermal"
	"github.com/BrickPiGuy/dissertationScripts/pkg/trial"
)

const EnvPrefix = "TOKENSWEEP"

const (
	BackendGPT  = "gpt"
	BackendLoom = "loom"
)

type Config struct {
	ResultsDir string          `mapstructure:"results_dir" yaml:"results_dir"`
	Log        LogConfig       `mapstructure:"log" yaml:"log"`
	Grid       GridConfig      `mapstructure:"grid" yaml:"grid"`
	Thermal    ThermalConfig   `mapstructure:"thermal" yaml:"thermal"`
	Dataset    DatasetConfig   `mapstructure:"dataset" yaml:"dataset"`
	Tokenizer  TokenizerConfig `mapstructure:"tokenizer" yaml:"tokenizer"`
	Model      ModelConfig     `mapstructure:"model" yaml:"model"`
	Training   TrainingConfig  `mapstructure:"training" yaml:"training"`
	Metrics    MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Analysis   AnalysisConfig  `mapstructure:"analysis" yaml:"analysis"`
	Server     ServerConfig    `mapstructure:"server" yaml:"server"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

type GridConfig struct {
	TokenCounts []int `mapstructure:"token_counts" yaml:"token_counts"`
	Trials      int   `mapstructure:"trials" yaml:"trials"`
}

type ThermalConfig struct {
	Sensor    string        `mapstructure:"sensor" yaml:"sensor"`
	SysfsGlob string        `mapstructure:"sysfs_glob" yaml:"sysfs_glob"`
	NvidiaSMI string        `mapstructure:"nvidia_smi" yaml:"nvidia_smi"`
	MaxTemp   float64       `mapstructure:"max_temp" yaml:"max_temp"`
	Cooldown  time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

type DatasetConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Format string `mapstructure:"format" yaml:"format"`
}

type TokenizerConfig struct {
	Mode     string `mapstructure:"mode" yaml:"mode"`
	Encoding string `mapstructure:"encoding" yaml:"encoding"`
	// MaxVocab caps the local BPE vocabulary; 0 keeps every token seen.
	MaxVocab int `mapstructure:"max_vocab" yaml:"max_vocab"`
	// VocabSamples is how many corpus samples the BPE vocabulary is built from.
	VocabSamples int `mapstructure:"vocab_samples" yaml:"vocab_samples"`
}

type ModelConfig struct {
	// Backend selects the trained network: gpt (default) or loom.
	Backend   string `mapstructure:"backend" yaml:"backend"`
	NLayer    int `mapstructure:"n_layer" yaml:"n_layer"`
	NEmbd     int `mapstructure:"n_embd" yaml:"n_embd"`
	NHead     int `mapstructure:"n_head" yaml:"n_head"`
	BlockSize int `mapstructure:"block_size" yaml:"block_size"`
	// BaseCheckpoint, when set, is the pretrained model every trial starts from.
	BaseCheckpoint string  `mapstructure:"base_checkpoint" yaml:"base_checkpoint"`
	LearningRate   float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	WeightDecay    float64 `mapstructure:"weight_decay" yaml:"weight_decay"`
}

type TrainingConfig struct {
	MaxLength         int    `mapstructure:"max_length" yaml:"max_length"`
	Pad               bool   `mapstructure:"pad" yaml:"pad"`
	Epochs            int    `mapstructure:"epochs" yaml:"epochs"`
	BatchSize         int    `mapstructure:"batch_size" yaml:"batch_size"`
	Seed              int64  `mapstructure:"seed" yaml:"seed"`
	EvalPrompt        string `mapstructure:"eval_prompt" yaml:"eval_prompt"`
	OnCorpusExhausted string `mapstructure:"on_corpus_exhausted" yaml:"on_corpus_exhausted"`
	MixedPrecision    string `mapstructure:"mixed_precision" yaml:"mixed_precision"`
	SaveCheckpoint    bool   `mapstructure:"save_checkpoint" yaml:"save_checkpoint"`
	SampleTokens      int    `mapstructure:"sample_tokens" yaml:"sample_tokens"`
	LogInterval       int    `mapstructure:"log_interval" yaml:"log_interval"`
}

type MetricsConfig struct {
	TopsUsed float64 `mapstructure:"tops_used" yaml:"tops_used"`
	// ParameterCount of 0 means the trained model's own parameter count.
	ParameterCount     float64 `mapstructure:"parameter_count" yaml:"parameter_count"`
	BaselineEfficiency float64 `mapstructure:"baseline_efficiency" yaml:"baseline_efficiency"`
}

type AnalysisConfig struct {
	Alpha              float64 `mapstructure:"alpha" yaml:"alpha"`
	Posthoc            string  `mapstructure:"posthoc" yaml:"posthoc"`
	IncompleteSubjects string  `mapstructure:"incomplete_subjects" yaml:"incomplete_subjects"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

func Default() Config {
	tc := trial.DefaultConfig()
	mc := model.DefaultConfig()
	adam := model.DefaultAdam()
	grid := schedule.DefaultGrid()
	ao := analysis.DefaultOptions()
	return Config{
		ResultsDir: "results",
		Log:        LogConfig{Level: "info"},
		Grid:       GridConfig{TokenCounts: grid.TokenCounts, Trials: grid.Trials},
		Thermal: ThermalConfig{
			Sensor:    thermal.KindAuto,
			SysfsGlob: thermal.DefaultSysfsGlob,
			NvidiaSMI: "nvidia-smi",
			MaxTemp:   85,
			Cooldown:  30 * time.Second,
		},
		Dataset:   DatasetConfig{Path: "dataset.jsonl", Format: corpus.FormatAuto},
		Tokenizer: TokenizerConfig{Mode: model.ModeChar, Encoding: model.DefaultBPEEncoding, VocabSamples: 512},
		Model: ModelConfig{
			Backend:      BackendGPT,
			NLayer:       mc.NLayer,
			NEmbd:        mc.NEmbd,
			NHead:        mc.NHead,
			BlockSize:    mc.BlockSize,
			LearningRate: adam.LearningRate,
			WeightDecay:  adam.WeightDecay,
		},
		Training: TrainingConfig{
			MaxLength:         tc.MaxLength,
			Pad:               tc.Pad,
			Epochs:            tc.Epochs,
			BatchSize:         tc.BatchSize,
			Seed:              tc.Seed,
			EvalPrompt:        tc.EvalPrompt,
			OnCorpusExhausted: tc.OnCorpusExhausted,
			MixedPrecision:    tc.MixedPrecision,
			SaveCheckpoint:    tc.SaveCheckpoint,
			SampleTokens:      tc.SampleTokens,
			LogInterval:       tc.LogInterval,
		},
		Metrics: MetricsConfig{
			TopsUsed:           tc.Constants.TopsUsed,
			ParameterCount:     tc.Constants.ParameterCount,
			BaselineEfficiency: tc.Constants.BaselineEfficiency,
		},
		Analysis: AnalysisConfig{Alpha: ao.Alpha, Posthoc: ao.Posthoc, IncompleteSubjects: ao.IncompleteSubjects},
		Server:   ServerConfig{Addr: ":9090"},
	}
}

// SetDefaults registers every key with v. Keys unknown to viper are not
// picked up from the environment, so this runs before any read.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("results_dir", d.ResultsDir)
	v.SetDefault("log.level", d.Log.Level)

	v.SetDefault("grid.token_counts", d.Grid.TokenCounts)
	v.SetDefault("grid.trials", d.Grid.Trials)

	v.SetDefault("thermal.sensor", d.Thermal.Sensor)
	v.SetDefault("thermal.sysfs_glob", d.Thermal.SysfsGlob)
	v.SetDefault("thermal.nvidia_smi", d.Thermal.NvidiaSMI)
	v.SetDefault("thermal.max_temp", d.Thermal.MaxTemp)
	v.SetDefault("thermal.cooldown", d.Thermal.Cooldown)

	v.SetDefault("dataset.path", d.Dataset.Path)
	v.SetDefault("dataset.format", d.Dataset.Format)

	v.SetDefault("tokenizer.mode", d.Tokenizer.Mode)
	v.SetDefault("tokenizer.encoding", d.Tokenizer.Encoding)
	v.SetDefault("tokenizer.max_vocab", d.Tokenizer.MaxVocab)
	v.SetDefault("tokenizer.vocab_samples", d.Tokenizer.VocabSamples)

	v.SetDefault("model.backend", d.Model.Backend)
	v.SetDefault("model.n_layer", d.Model.NLayer)
	v.SetDefault("model.n_embd", d.Model.NEmbd)
	v.SetDefault("model.n_head", d.Model.NHead)
	v.SetDefault("model.block_size", d.Model.BlockSize)
	v.SetDefault("model.base_checkpoint", d.Model.BaseCheckpoint)
	v.SetDefault("model.learning_rate", d.Model.LearningRate)
	v.SetDefault("model.weight_decay", d.Model.WeightDecay)

	v.SetDefault("training.max_length", d.Training.MaxLength)
	v.SetDefault("training.pad", d.Training.Pad)
	v.SetDefault("training.epochs", d.Training.Epochs)
	v.SetDefault("training.batch_size", d.Training.BatchSize)
	v.SetDefault("training.seed", d.Training.Seed)
	v.SetDefault("training.eval_prompt", d.Training.EvalPrompt)
	v.SetDefault("training.on_corpus_exhausted", d.Training.OnCorpusExhausted)
	v.SetDefault("training.mixed_precision", d.Training.MixedPrecision)
	v.SetDefault("training.save_checkpoint", d.Training.SaveCheckpoint)
	v.SetDefault("training.sample_tokens", d.Training.SampleTokens)
	v.SetDefault("training.log_interval", d.Training.LogInterval)

	v.SetDefault("metrics.tops_used", d.Metrics.TopsUsed)
	v.SetDefault("metrics.parameter_count", d.Metrics.ParameterCount)
	v.SetDefault("metrics.baseline_efficiency", d.Metrics.BaselineEfficiency)

	v.SetDefault("analysis.alpha", d.Analysis.Alpha)
	v.SetDefault("analysis.posthoc", d.Analysis.Posthoc)
	v.SetDefault("analysis.incomplete_subjects", d.Analysis.IncompleteSubjects)

	v.SetDefault("server.addr", d.Server.Addr)
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds each flag named in keys (flag name -> config key) that
// exists in fs.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

// Load reads the optional YAML file at path into v and decodes the merged
// result.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ResultsDir) == "" {
		return fmt.Errorf("results_dir must not be empty")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if err := c.ScheduleGrid().Validate(); err != nil {
		return fmt.Errorf("grid: %w", err)
	}
	switch c.Thermal.Sensor {
	case thermal.KindAuto, thermal.KindSysfs, thermal.KindNvidiaSMI, thermal.KindNone:
	default:
		return fmt.Errorf("thermal.sensor must be auto, sysfs, nvidia-smi or none, got %q", c.Thermal.Sensor)
	}
	// sensor none reads 0, so a threshold at or below 0 would never cool down
	if c.Thermal.MaxTemp <= 0 {
		return fmt.Errorf("thermal.max_temp must be > 0, got %v", c.Thermal.MaxTemp)
	}
	if c.Thermal.Cooldown <= 0 {
		return fmt.Errorf("thermal.cooldown must be > 0")
	}
	switch c.Dataset.Format {
	case corpus.FormatAuto, corpus.FormatJSONL, corpus.FormatText:
	default:
		return fmt.Errorf("dataset.format must be auto, jsonl or text, got %q", c.Dataset.Format)
	}
	switch c.Tokenizer.Mode {
	case model.ModeChar, model.ModeBPE:
	default:
		return fmt.Errorf("tokenizer.mode must be %s or %s, got %q", model.ModeChar, model.ModeBPE, c.Tokenizer.Mode)
	}
	if c.Tokenizer.MaxVocab < 0 || c.Tokenizer.VocabSamples < 0 {
		return fmt.Errorf("tokenizer.max_vocab and tokenizer.vocab_samples must be >= 0")
	}
	switch c.Model.Backend {
	case BackendGPT:
	case BackendLoom:
		if c.Model.BaseCheckpoint != "" {
			return fmt.Errorf("model.base_checkpoint is only supported by the %s backend", BackendGPT)
		}
	default:
		return fmt.Errorf("model.backend must be %s or %s, got %q", BackendGPT, BackendLoom, c.Model.Backend)
	}
	if c.Model.BaseCheckpoint == "" {
		if err := c.ModelShape().Validate(); err != nil {
			return err
		}
	}
	if c.Model.LearningRate <= 0 || c.Model.WeightDecay < 0 {
		return fmt.Errorf("model.learning_rate must be > 0 and model.weight_decay >= 0")
	}
	if err := c.Trial().Validate(); err != nil {
		return fmt.Errorf("training: %w", err)
	}
	if err := c.AnalysisOptions().Validate(); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	return nil
}

func (c Config) RunLogPath() string { return filepath.Join(c.ResultsDir, runlog.FileName) }

func (c Config) LogLevel() log.Level {
	lvl, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

func (c Config) ScheduleGrid() schedule.Grid {
	return schedule.Grid{TokenCounts: append([]int(nil), c.Grid.TokenCounts...), Trials: c.Grid.Trials}
}

func (c Config) ModelShape() model.Config {
	return model.Config{NLayer: c.Model.NLayer, NEmbd: c.Model.NEmbd, NHead: c.Model.NHead, BlockSize: c.Model.BlockSize}
}

func (c Config) Optimizer() model.Adam {
	a := model.DefaultAdam()
	a.LearningRate = c.Model.LearningRate
	a.WeightDecay = c.Model.WeightDecay
	return a
}

func (c Config) Trial() trial.Config {
	t := c.Training
	return trial.Config{
		MaxLength:         t.MaxLength,
		Pad:               t.Pad,
		Epochs:            t.Epochs,
		BatchSize:         t.BatchSize,
		Seed:              t.Seed,
		EvalPrompt:        t.EvalPrompt,
		OnCorpusExhausted: t.OnCorpusExhausted,
		MixedPrecision:    t.MixedPrecision,
		SaveCheckpoint:    t.SaveCheckpoint,
		SampleTokens:      t.SampleTokens,
		LogInterval:       t.LogInterval,
		Constants: efficiency.Constants{
			TopsUsed:           c.Metrics.TopsUsed,
			ParameterCount:     c.Metrics.ParameterCount,
			BaselineEfficiency: c.Metrics.BaselineEfficiency,
		},
	}
}

func (c Config) AnalysisOptions() analysis.Options {
	return analysis.Options{Alpha: c.Analysis.Alpha, Posthoc: c.Analysis.Posthoc, IncompleteSubjects: c.Analysis.IncompleteSubjects}
}

// WriteYAML dumps c in the same shape Load reads.
func (c Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
