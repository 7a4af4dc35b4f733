package cli

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BrickPiGuy/dissertationScripts/pkg/schedule"
	"github.com/BrickPiGuy/dissertationScripts/pkg/status"
	"github.com/BrickPiGuy/dissertationScripts/pkg/thermal"
)

var runFlagKeys = map[string]string{
	"max-temp": "thermal.max_temp",
	"cooldown": "thermal.cooldown",
	"sensor":   "thermal.sensor",
	"trials":   "grid.trials",
	"tokens":   "grid.token_counts",
	"addr":     "server.addr",
	"dataset":  "dataset.path",
}

func newRunCommand(a *app) *cobra.Command {
	var serve bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every pending trial of the experiment grid",
		Long: `Run visits the grid token count by token count, trials ascending. Trials
with an existing results.txt are skipped, so an interrupted sweep resumes where
it stopped. Before each trial the device temperature is polled and the run
sleeps while it is at or above thermal.max_temp.

Do not point two runs at the same results directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runGrid(cmd.Context(), cmd, serve)
		},
	}
	f := cmd.Flags()
	f.Float64("max-temp", 0, "throttle threshold in °C")
	f.Duration("cooldown", 0, "sleep between temperature polls while throttled")
	f.String("sensor", "", "temperature source: auto, sysfs, nvidia-smi, none")
	f.Int("trials", 0, "trials per token count")
	f.IntSlice("tokens", nil, "token counts, in run order")
	f.String("dataset", "", "training corpus (jsonl or text)")
	f.BoolVar(&serve, "serve", false, "serve the status API while the grid runs")
	f.String("addr", "", "status API listen address (with --serve)")
	a.bind(f, runFlagKeys)
	return cmd
}

func (a *app) runGrid(ctx context.Context, cmd *cobra.Command, serve bool) error {
	cfg := a.cfg
	sensor, err := thermal.New(cfg.Thermal.Sensor, cfg.Thermal.SysfsGlob, cfg.Thermal.NvidiaSMI)
	if err != nil {
		return err
	}
	executor, err := newExecutor(cfg, a.logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		status.NewCollector(cfg.RunLogPath()),
	)
	sched := &schedule.Scheduler{
		Grid:       cfg.ScheduleGrid(),
		ResultsDir: cfg.ResultsDir,
		MaxTemp:    cfg.Thermal.MaxTemp,
		Cooldown:   cfg.Thermal.Cooldown,
		Executor:   executor,
		Sensor:     sensor,
		Logger:     a.logger,
		Metrics:    schedule.NewMetrics(reg),
	}
	a.logger.Info("starting grid",
		"results", cfg.ResultsDir,
		"token_counts", cfg.Grid.TokenCounts,
		"trials", cfg.Grid.Trials,
		"max_temp", cfg.Thermal.MaxTemp,
		"sensor", cfg.Thermal.Sensor,
	)

	var sum schedule.Summary
	if !serve {
		sum, err = sched.Run(ctx)
	} else {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		g, gctx := errgroup.WithContext(runCtx)
		srv := status.New(cfg.ResultsDir, cfg.ScheduleGrid(), reg, a.logger)
		g.Go(func() error {
			// the server stops with the grid
			defer cancel()
			var runErr error
			sum, runErr = sched.Run(gctx)
			return runErr
		})
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.Server.Addr)
		})
		err = g.Wait()
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(sum); encErr != nil {
		return encErr
	}
	if errors.Is(err, context.Canceled) {
		a.logger.Warn("grid interrupted", "completed", sum.Completed, "total", sum.Total)
		return nil
	}
	return err
}
