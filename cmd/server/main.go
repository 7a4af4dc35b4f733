// Command server serves the read-only status API for a results directory:
// Run Log rows, grid progress, Prometheus metrics and samples from saved
// trial checkpoints. It never writes to the results directory, so it can run
// next to a scheduler.
//
// Configuration is the same as tokensweep's: TOKENSWEEP_* environment
// variables, an optional YAML file given as the first argument, and PORT as a
// shorthand for server.addr.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BrickPiGuy/dissertationScripts/pkg/config"
	"github.com/BrickPiGuy/dissertationScripts/pkg/status"
)

func main() {
	v := config.New()
	if port := os.Getenv("PORT"); port != "" {
		v.Set("server.addr", ":"+port)
	}
	path := ""
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(v, path)
	if err != nil {
		log.Fatal("load config", "err", err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Level: cfg.LogLevel()})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		status.NewCollector(cfg.RunLogPath()),
	)
	srv := status.New(cfg.ResultsDir, cfg.ScheduleGrid(), reg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
		logger.Fatal("status server", "err", err)
	}
}
