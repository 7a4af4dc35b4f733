package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrickPiGuy/dissertationScripts/pkg/efficiency"
	"github.com/BrickPiGuy/dissertationScripts/pkg/model"
	"github.com/BrickPiGuy/dissertationScripts/pkg/schedule"
	"github.com/BrickPiGuy/dissertationScripts/pkg/trial"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	assert.Equal(t, schedule.DefaultGrid(), cfg.ScheduleGrid())
	assert.Equal(t, 150, cfg.ScheduleGrid().Total())
	assert.Equal(t, trial.DefaultConfig(), cfg.Trial())
	assert.Equal(t, efficiency.DefaultConstants(), cfg.Trial().Constants)
	assert.Equal(t, model.DefaultConfig(), cfg.ModelShape())
	assert.Equal(t, 85.0, cfg.Thermal.MaxTemp)
	assert.Equal(t, 30*time.Second, cfg.Thermal.Cooldown)
	assert.Equal(t, filepath.Join("results", "run_log.csv"), cfg.RunLogPath())
	assert.Equal(t, log.InfoLevel, cfg.LogLevel())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokensweep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
results_dir: /data/results
grid:
  token_counts: [1000, 2000]
  trials: 3
thermal:
  max_temp: 70
  cooldown: 5s
training:
  on_corpus_exhausted: fail
metrics:
  parameter_count: 0
analysis:
  posthoc: significant
`), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "/data/results", cfg.ResultsDir)
	assert.Equal(t, []int{1000, 2000}, cfg.Grid.TokenCounts)
	assert.Equal(t, 3, cfg.Grid.Trials)
	assert.Equal(t, 70.0, cfg.Thermal.MaxTemp)
	assert.Equal(t, 5*time.Second, cfg.Thermal.Cooldown)
	assert.Equal(t, trial.ExhaustedFail, cfg.Trial().OnCorpusExhausted)
	assert.Equal(t, 0.0, cfg.Trial().Constants.ParameterCount)
	assert.Equal(t, "significant", cfg.AnalysisOptions().Posthoc)
	// untouched keys keep their defaults
	assert.Equal(t, 3, cfg.Training.Epochs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokensweep.yaml")
	require.NoError(t, os.WriteFile(path, []byte("thermal:\n  max_temp: 70\n"), 0o644))
	t.Setenv("TOKENSWEEP_THERMAL_MAX_TEMP", "60")
	t.Setenv("TOKENSWEEP_RESULTS_DIR", "/tmp/sweep")
	t.Setenv("TOKENSWEEP_TRAINING_EPOCHS", "5")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 60.0, cfg.Thermal.MaxTemp)
	assert.Equal(t, "/tmp/sweep", cfg.ResultsDir)
	assert.Equal(t, 5, cfg.Training.Epochs)
}

func TestBindFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("results-dir", "results", "")
	fs.Float64("max-temp", 85, "")
	require.NoError(t, fs.Parse([]string{"--results-dir", "out", "--max-temp", "75"}))

	v := New()
	require.NoError(t, BindFlags(v, fs, map[string]string{
		"results-dir": "results_dir",
		"max-temp":    "thermal.max_temp",
		"absent":      "log.level",
	}))
	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "out", cfg.ResultsDir)
	assert.Equal(t, 75.0, cfg.Thermal.MaxTemp)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	tests := []struct {
		name string
		key  string
		val  any
		want string
	}{
		{name: "sensor", key: "thermal.sensor", val: "infrared", want: "thermal.sensor"},
		{name: "max temp zero", key: "thermal.max_temp", val: 0, want: "thermal.max_temp"},
		{name: "max temp negative", key: "thermal.max_temp", val: -5.0, want: "thermal.max_temp"},
		{name: "grid", key: "grid.trials", val: 0, want: "grid"},
		{name: "tokenizer", key: "tokenizer.mode", val: "word", want: "tokenizer.mode"},
		{name: "exhausted", key: "training.on_corpus_exhausted", val: "ignore", want: "on_corpus_exhausted"},
		{name: "heads", key: "model.n_head", val: 3, want: "divisible"},
		{name: "posthoc", key: "analysis.posthoc", val: "never", want: "posthoc"},
		{name: "level", key: "log.level", val: "loud", want: "log.level"},
		{name: "format", key: "dataset.format", val: "csv", want: "dataset.format"},
		{name: "backend", key: "model.backend", val: "torch", want: "model.backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New()
			v.Set(tt.key, tt.val)
			_, err := Load(v, "")
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestBaseCheckpointSkipsShapeCheck(t *testing.T) {
	v := New()
	v.Set("model.base_checkpoint", "base.json")
	v.Set("model.n_head", 3)
	_, err := Load(v, "")
	assert.NoError(t, err)
}

func TestLoomBackend(t *testing.T) {
	v := New()
	v.Set("model.backend", BackendLoom)
	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, BackendLoom, cfg.Model.Backend)

	v.Set("model.base_checkpoint", "base.json")
	_, err = Load(v, "")
	assert.ErrorContains(t, err, "only supported by the gpt backend")
}

func TestWriteYAMLLoadsBack(t *testing.T) {
	want := Default()
	want.Grid.TokenCounts = []int{10, 20}
	want.Thermal.Cooldown = 90 * time.Second

	var buf bytes.Buffer
	require.NoError(t, want.WriteYAML(&buf))
	assert.Contains(t, buf.String(), "cooldown: 1m30s")

	path := filepath.Join(t.TempDir(), "dump.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	got, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
