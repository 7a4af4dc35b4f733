package trial

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BrickPiGuy/dissertationScripts/pkg/efficiency"
	"github.com/BrickPiGuy/dissertationScripts/pkg/runlog"
)

const ResultFileName = "results.txt"

// CheckpointFileName holds the trained weights when checkpoints are saved.
const CheckpointFileName = "checkpoint.json"

// OutputDir is where one trial's artifacts live under the results root.
func OutputDir(resultsDir string, tokenCount, trialNumber int) string {
	return filepath.Join(resultsDir, fmt.Sprintf("%d_tokens", tokenCount), fmt.Sprintf("trial_%d", trialNumber))
}

func ResultPath(resultsDir string, tokenCount, trialNumber int) string {
	return filepath.Join(OutputDir(resultsDir, tokenCount, trialNumber), ResultFileName)
}

// Completed reports whether the trial's result file exists. The file is not
// validated.
func Completed(resultsDir string, tokenCount, trialNumber int) (bool, error) {
	return CompletedIn(OutputDir(resultsDir, tokenCount, trialNumber))
}

// CompletedIn is Completed for an explicit output directory.
func CompletedIn(outputDir string) (bool, error) {
	_, err := os.Stat(filepath.Join(outputDir, ResultFileName))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

var resultKeys = []string{
	"perplexity", "accuracy", "tops_used",
	"parameter_efficiency", "parameter_efficiency_loss", "parameter_perplexity",
}

func formatResult(b efficiency.Bundle) string {
	vals := []float64{
		b.Perplexity, b.Accuracy, b.TopsUsed,
		b.ParameterEfficiency, b.ParameterEfficiencyLoss, b.ParameterPerplexity,
	}
	var sb strings.Builder
	for i, k := range resultKeys {
		fmt.Fprintf(&sb, "%s: %s\n", k, runlog.FormatFloat(vals[i]))
	}
	return sb.String()
}

// ParseResult reads a results.txt body. Unknown keys are ignored; every known
// key must be present.
func ParseResult(r io.Reader) (efficiency.Bundle, error) {
	var b efficiency.Bundle
	dst := map[string]*float64{
		"perplexity":                &b.Perplexity,
		"accuracy":                  &b.Accuracy,
		"tops_used":                 &b.TopsUsed,
		"parameter_efficiency":      &b.ParameterEfficiency,
		"parameter_efficiency_loss": &b.ParameterEfficiencyLoss,
		"parameter_perplexity":      &b.ParameterPerplexity,
	}
	seen := map[string]bool{}
	s := bufio.NewScanner(r)
	for s.Scan() {
		key, val, ok := strings.Cut(s.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		p, known := dst[key]
		if !known {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return efficiency.Bundle{}, fmt.Errorf("result %s: %w", key, err)
		}
		*p = f
		seen[key] = true
	}
	if err := s.Err(); err != nil {
		return efficiency.Bundle{}, err
	}
	for _, k := range resultKeys {
		if !seen[k] {
			return efficiency.Bundle{}, fmt.Errorf("result file missing %s", k)
		}
	}
	return b, nil
}

func ReadResult(path string) (efficiency.Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return efficiency.Bundle{}, err
	}
	defer f.Close()
	return ParseResult(f)
}
