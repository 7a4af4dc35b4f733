// Package schedule walks the experiment grid one trial at a time, skipping
// finished trials and waiting for the hardware to cool between runs.
package schedule

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/BrickPiGuy/dissertationScripts/pkg/thermal"
	"github.com/BrickPiGuy/dissertationScripts/pkg/trial"
)

// Executor runs a single trial.
type Executor interface {
	Execute(ctx context.Context, tokenCount, trialNumber int, outputDir string) (trial.Result, error)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Grid is the set of (token_count, trial_number) pairs. Trial numbers run
// from 1 to Trials.
type Grid struct {
	TokenCounts []int
	Trials      int
}

func DefaultGrid() Grid {
	return Grid{TokenCounts: []int{500_000, 1_000_000, 2_000_000}, Trials: 50}
}

func (g Grid) Total() int { return len(g.TokenCounts) * g.Trials }

func (g Grid) Validate() error {
	if len(g.TokenCounts) == 0 {
		return fmt.Errorf("grid needs at least one token count")
	}
	seen := map[int]bool{}
	for _, tc := range g.TokenCounts {
		if tc <= 0 {
			return fmt.Errorf("token counts must be > 0, got %d", tc)
		}
		if seen[tc] {
			return fmt.Errorf("duplicate token count %d", tc)
		}
		seen[tc] = true
	}
	if g.Trials < 1 {
		return fmt.Errorf("trials must be >= 1")
	}
	return nil
}

// Cell is one grid position.
type Cell struct {
	TokenCount  int `json:"token_count"`
	TrialNumber int `json:"trial_number"`
}

// Cells lists the grid in execution order: token counts as configured,
// trials ascending.
func (g Grid) Cells() []Cell {
	cells := make([]Cell, 0, g.Total())
	for _, tc := range g.TokenCounts {
		for n := 1; n <= g.Trials; n++ {
			cells = append(cells, Cell{TokenCount: tc, TrialNumber: n})
		}
	}
	return cells
}

type Summary struct {
	Completed      int `json:"completed"`
	Total          int `json:"total"`
	Skipped        int `json:"skipped"`
	Ran            int `json:"ran"`
	Failed         int `json:"failed"`
	ThrottleSleeps int `json:"throttle_sleeps"`
}

// Scheduler runs every pending trial of Grid in order. It assumes it is the
// only writer to ResultsDir.
type Scheduler struct {
	Grid       Grid
	ResultsDir string
	// MaxTemp is the throttle threshold in °C; readings at or above it wait.
	MaxTemp  float64
	Cooldown time.Duration
	Executor Executor
	Sensor   thermal.Sensor
	Sleep    Sleeper
	Logger   *log.Logger
	Metrics  *Metrics
}

// Run visits every cell. Trial failures are logged and counted but never stop
// the grid; only context cancellation does, returning the partial summary.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	if err := s.Grid.Validate(); err != nil {
		return Summary{}, err
	}
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	sleep := s.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	sum := Summary{Total: s.Grid.Total()}

	for _, c := range s.Grid.Cells() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		done, err := trial.Completed(s.ResultsDir, c.TokenCount, c.TrialNumber)
		if err != nil {
			logger.Warn("cannot check result file, running trial", "tokens", c.TokenCount, "trial", c.TrialNumber, "err", err)
		}
		if done {
			logger.Info("skipping existing trial", "tokens", c.TokenCount, "trial", c.TrialNumber)
			sum.Skipped++
			sum.Completed++
			s.Metrics.trial(OutcomeSkipped)
			continue
		}

		if err := s.waitCool(ctx, &sum, logger, sleep); err != nil {
			return sum, err
		}

		logger.Info("running trial", "tokens", c.TokenCount, "trial", c.TrialNumber)
		out := trial.OutputDir(s.ResultsDir, c.TokenCount, c.TrialNumber)
		start := time.Now()
		res, err := s.Executor.Execute(ctx, c.TokenCount, c.TrialNumber, out)
		s.Metrics.duration(strconv.Itoa(c.TokenCount), time.Since(start).Seconds())
		sum.Ran++
		if err != nil {
			if ctx.Err() != nil {
				sum.Failed++
				s.Metrics.trial(OutcomeFailed)
				return sum, ctx.Err()
			}
			logger.Error("trial failed", "tokens", c.TokenCount, "trial", c.TrialNumber, "err", err)
			sum.Failed++
			s.Metrics.trial(OutcomeFailed)
			continue
		}
		logger.Info("trial done",
			"tokens", c.TokenCount,
			"trial", c.TrialNumber,
			"accuracy", res.Metrics.Accuracy,
			"perplexity", res.Metrics.Perplexity,
			"took", res.Duration.Truncate(time.Millisecond),
		)
		sum.Completed++
		s.Metrics.trial(OutcomeSucceeded)
	}
	logger.Info("all done", "completed", sum.Completed, "total", sum.Total, "failed", sum.Failed)
	return sum, nil
}

// waitCool polls the sensor until it reads below MaxTemp. An unreadable
// sensor counts as 0 °C.
func (s *Scheduler) waitCool(ctx context.Context, sum *Summary, logger *log.Logger, sleep Sleeper) error {
	for {
		temp := 0.0
		if s.Sensor != nil {
			t, err := s.Sensor.Read(ctx)
			if err != nil {
				logger.Debug("temperature unreadable, assuming 0", "err", err)
			} else {
				temp = t
			}
		}
		s.Metrics.temperature(temp)
		logger.Info("current temperature", "celsius", fmt.Sprintf("%.1f", temp))
		if temp < s.MaxTemp {
			return nil
		}
		logger.Warn("temperature too high, cooling down", "celsius", fmt.Sprintf("%.1f", temp), "max", s.MaxTemp, "sleep", s.Cooldown)
		sum.ThrottleSleeps++
		s.Metrics.sleep()
		if err := sleep(ctx, s.Cooldown); err != nil {
			return err
		}
	}
}
