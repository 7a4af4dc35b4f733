package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BrickPiGuy/dissertationScripts/pkg/analysis"
	"github.com/BrickPiGuy/dissertationScripts/pkg/config"
	"github.com/BrickPiGuy/dissertationScripts/pkg/corpus"
	"github.com/BrickPiGuy/dissertationScripts/pkg/model"
	"github.com/BrickPiGuy/dissertationScripts/pkg/trial"
)

func newTrialCommand(a *app) *cobra.Command {
	var tokens, number int
	var outputDir string
	cmd := &cobra.Command{
		Use:   "trial",
		Short: "Run a single trial and print its result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			executor, err := newExecutor(a.cfg, a.logger)
			if err != nil {
				return err
			}
			dir := outputDir
			if dir == "" {
				dir = trial.OutputDir(a.cfg.ResultsDir, tokens, number)
			}
			res, err := runTrialOnce(cmd, a, executor, tokens, number, dir)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	f := cmd.Flags()
	f.IntVar(&tokens, "tokens", 0, "training token budget")
	f.IntVar(&number, "trial", 1, "trial number")
	f.StringVar(&outputDir, "output-dir", "", "where results.txt goes (default <results_dir>/<tokens>_tokens/trial_<n>)")
	cmd.MarkFlagRequired("tokens")
	return cmd
}

// runTrialOnce executes the trial unless its result file exists, in which
// case the recorded metrics are returned as a skipped result. A finished
// trial is never trained or logged again.
func runTrialOnce(cmd *cobra.Command, a *app, executor *trial.Executor, tokens, number int, dir string) (trial.Result, error) {
	done, err := trial.CompletedIn(dir)
	if err != nil {
		return trial.Result{}, err
	}
	if !done {
		return executor.Execute(cmd.Context(), tokens, number, dir)
	}
	a.logger.Info("skipping existing trial", "tokens", tokens, "trial", number, "dir", dir)
	metrics, err := trial.ReadResult(filepath.Join(dir, trial.ResultFileName))
	if err != nil {
		return trial.Result{}, fmt.Errorf("read existing result: %w", err)
	}
	return trial.Result{
		Status:      trial.StatusSkipped,
		TokenCount:  tokens,
		TrialNumber: number,
		Metrics:     metrics,
	}, nil
}

var analyzeFlagKeys = map[string]string{
	"alpha":               "analysis.alpha",
	"posthoc":             "analysis.posthoc",
	"incomplete-subjects": "analysis.incomplete_subjects",
}

func newAnalyzeCommand(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "analyze [run_log.csv]",
		Short: "Run the repeated-measures analysis over the Run Log",
		Long: `Analyze reads the Run Log (default <results_dir>/run_log.csv) and reports,
in order: a repeated-measures ANOVA of parameter_efficiency_loss by token_count
with trial_number as subject, descriptive statistics per token count, paired
t-tests for every pair of token counts with Bonferroni correction, Shapiro-Wilk
normality per token count, the detailed ANOVA table and Mauchly's sphericity
test.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.RunLogPath()
			if len(args) == 1 {
				path = args[0]
			}
			rep, err := analysis.AnalyzeFile(path, a.cfg.AnalysisOptions())
			if err != nil {
				return err
			}
			switch format {
			case "json":
				return analysis.WriteJSON(cmd.OutOrStdout(), rep)
			case "text":
				return analysis.WriteText(cmd.OutOrStdout(), rep)
			}
			return fmt.Errorf("unknown format %q (want text or json)", format)
		},
	}
	f := cmd.Flags()
	f.StringVar(&format, "format", "text", "output format: text or json")
	f.Float64("alpha", 0, "significance level")
	f.String("posthoc", "", "when to run pairwise tests: always or significant")
	f.String("incomplete-subjects", "", "trials missing a token count: drop or fail")
	a.bind(f, analyzeFlagKeys)
	return cmd
}

func newValidateDatasetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-dataset [path]",
		Short: "Check a JSONL dataset against the record schema",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Dataset.Path
			if len(args) == 1 {
				path = args[0]
			}
			rep, err := corpus.Validate(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dataset valid: %s\n", rep.Path)
			fmt.Fprintf(out, "records: %d\n", rep.Records)
			for _, k := range rep.Types() {
				fmt.Fprintf(out, "- %s: %d\n", k, rep.ByType[k])
			}
			return nil
		},
	}
}

func newSampleCommand(a *app) *cobra.Command {
	var tokens, number, maxNew int
	var checkpoint string
	var temperature float64
	cmd := &cobra.Command{
		Use:   "sample <prompt>",
		Short: "Continue a prompt with a saved trial checkpoint",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Model.Backend != config.BackendGPT {
				return fmt.Errorf("sample reads %s checkpoints, model.backend is %s", config.BackendGPT, a.cfg.Model.Backend)
			}
			path := checkpoint
			if path == "" {
				if tokens <= 0 {
					return fmt.Errorf("either --checkpoint or --tokens is required")
				}
				path = filepath.Join(trial.OutputDir(a.cfg.ResultsDir, tokens, number), trial.CheckpointFileName)
			}
			s := sampling
			if temperature > 0 {
				s.Temperature = temperature
			}
			m, err := model.LoadTrainable(path, a.cfg.Optimizer(), s, a.cfg.Training.Seed)
			if err != nil {
				return err
			}
			prompt := strings.Join(args, " ")
			fmt.Fprintln(cmd.OutOrStdout(), prompt+m.Sample(prompt, maxNew))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&checkpoint, "checkpoint", "", "checkpoint file")
	f.IntVar(&tokens, "tokens", 0, "token count of the trial whose checkpoint to load")
	f.IntVar(&number, "trial", 1, "trial number of the checkpoint to load")
	f.IntVar(&maxNew, "max-new", 64, "maximum tokens to generate")
	f.Float64Var(&temperature, "temperature", 0, "sampling temperature (default 0.6)")
	return cmd
}

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "tokensweep.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := config.Default().WriteYAML(f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after file, environment and flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.cfg.WriteYAML(cmd.OutOrStdout())
		},
	}
	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
