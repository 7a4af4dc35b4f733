// Package thermal reads device temperatures for throttling the trial grid.
package thermal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	KindSysfs     = "sysfs"
	KindNvidiaSMI = "nvidia-smi"
	KindAuto      = "auto"
	KindNone      = "none"

	DefaultSysfsGlob = "/sys/class/thermal/thermal_zone*/temp"
)

// ErrNoReading is returned when no temperature source could be read.
var ErrNoReading = errors.New("no temperature reading available")

// Sensor returns the hottest current reading in °C.
type Sensor interface {
	Read(ctx context.Context) (float64, error)
}

// Sysfs reads Linux thermal zones, which report millidegrees.
type Sysfs struct {
	Glob     string
	ReadFile func(string) ([]byte, error)
}

func (s Sysfs) Read(context.Context) (float64, error) {
	pattern := s.Glob
	if pattern == "" {
		pattern = DefaultSysfsGlob
	}
	readFile := s.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return 0, err
	}
	var temps []float64
	for _, p := range paths {
		b, err := readFile(p)
		if err != nil {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			continue
		}
		temps = append(temps, float64(v)/1000.0)
	}
	return maxOf(temps, "sysfs")
}

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// NvidiaSMI queries every visible GPU through nvidia-smi.
type NvidiaSMI struct {
	Path string
	Run  CommandRunner
}

func (n NvidiaSMI) Read(ctx context.Context) (float64, error) {
	path := n.Path
	if path == "" {
		path = "nvidia-smi"
	}
	run := n.Run
	if run == nil {
		run = execRunner
	}
	out, err := run(ctx, path, "--query-gpu=temperature.gpu", "--format=csv,noheader,nounits")
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi: %w", err)
	}
	var temps []float64
	for _, ln := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		v, err := strconv.ParseFloat(strings.TrimSpace(ln), 64)
		if err != nil {
			continue
		}
		temps = append(temps, v)
	}
	return maxOf(temps, "nvidia-smi")
}

// Max reports the hottest reading among sensors that answered.
type Max []Sensor

func (m Max) Read(ctx context.Context) (float64, error) {
	var temps []float64
	var errs []error
	for _, s := range m {
		t, err := s.Read(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		temps = append(temps, t)
	}
	if len(temps) == 0 {
		return 0, errors.Join(append([]error{ErrNoReading}, errs...)...)
	}
	return maxOf(temps, "")
}

// Func adapts a function to Sensor.
type Func func(ctx context.Context) (float64, error)

func (f Func) Read(ctx context.Context) (float64, error) { return f(ctx) }

// New returns the sensor for kind. KindNone never throttles.
func New(kind, sysfsGlob, nvidiaSMIPath string) (Sensor, error) {
	sysfs := Sysfs{Glob: sysfsGlob}
	smi := NvidiaSMI{Path: nvidiaSMIPath}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindSysfs:
		return sysfs, nil
	case KindNvidiaSMI, "nvidia":
		return smi, nil
	case "", KindAuto:
		return Max{sysfs, smi}, nil
	case KindNone:
		return Func(func(context.Context) (float64, error) { return 0, nil }), nil
	}
	return nil, fmt.Errorf("unknown sensor %q (want sysfs, nvidia-smi, auto or none)", kind)
}

func maxOf(temps []float64, source string) (float64, error) {
	if len(temps) == 0 {
		if source == "" {
			return 0, ErrNoReading
		}
		return 0, fmt.Errorf("%s: %w", source, ErrNoReading)
	}
	m := temps[0]
	for _, t := range temps[1:] {
		if t > m {
			m = t
		}
	}
	return m, nil
}
