// Command tokensweep-tui is a terminal dashboard for a token sweep. It
// starts and stops `tokensweep run`, follows grid progress and the Run Log,
// watches device temperature and runs the analysis on demand.
package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/BrickPiGuy/dissertationScripts/pkg/config"
	"github.com/BrickPiGuy/dissertationScripts/pkg/thermal"
)

func main() {
	fs := pflag.NewFlagSet("tokensweep-tui", pflag.ExitOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	binary := fs.String("bin", "tokensweep", "tokensweep binary used to run the grid")
	fs.String("results-dir", "", "results directory (overrides results_dir)")
	_ = fs.Parse(os.Args[1:])

	v := config.New()
	if err := config.BindFlags(v, fs, map[string]string{"results-dir": "results_dir"}); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	cfg, err := config.Load(v, *configPath)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	sensor, err := thermal.New(cfg.Thermal.Sensor, cfg.Thermal.SysfsGlob, cfg.Thermal.NvidiaSMI)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}

	p := tea.NewProgram(initialModel(cfg, *configPath, *binary, sensor), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}
