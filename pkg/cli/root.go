// Package cli is the tokensweep command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/BrickPiGuy/dissertationScripts/pkg/config"
)

// app carries state shared by every subcommand of one invocation.
type app struct {
	v          *viper.Viper
	configPath string
	cfg        config.Config
	logger     *log.Logger
	stdout     io.Writer
	stderr     io.Writer
}

// persistent flag -> config key
var rootFlagKeys = map[string]string{
	"results-dir": "results_dir",
	"log-level":   "log.level",
}

func newLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           level,
	})
}

// bind maps flags of fs onto config keys. Flag values are read lazily, so
// binding at construction time sees the parsed values.
func (a *app) bind(fs *pflag.FlagSet, keys map[string]string) {
	cobra.CheckErr(config.BindFlags(a.v, fs, keys))
}

// load resolves configuration once the flags of the running command are
// parsed.
func (a *app) load() error {
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(a.stderr, cfg.LogLevel())
	return nil
}

func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: config.New(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "tokensweep",
		Short: "Token-budget fine-tuning sweep and repeated-measures analysis",
		Long: `tokensweep fine-tunes a small causal language model on a grid of training
token budgets, records efficiency metrics per trial in <results_dir>/run_log.csv,
and analyzes the effect of token count with repeated-measures statistics.

Configuration comes from defaults, an optional YAML file (--config), TOKENSWEEP_*
environment variables (for example TOKENSWEEP_THERMAL_MAX_TEMP=80) and flags.

Only one scheduler may write to a results directory at a time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML configuration file")
	pf.String("results-dir", "", "results directory (overrides results_dir)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	a.bind(pf, rootFlagKeys)

	root.AddCommand(
		newRunCommand(a),
		newTrialCommand(a),
		newAnalyzeCommand(a),
		newValidateDatasetCommand(a),
		newSampleCommand(a),
		newConfigCommand(a),
	)
	return root
}

// Execute runs the command tree with SIGINT/SIGTERM cancelling the context.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := NewRootCommand(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
