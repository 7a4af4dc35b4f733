// Package analysis runs the fixed sequence of repeated-measures tests over
// the Run Log: subject = trial_number, within factor = token_count,
// dependent variable = parameter_efficiency_loss.
package analysis

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BrickPiGuy/dissertationScripts/pkg/runlog"
	"github.com/BrickPiGuy/dissertationScripts/pkg/stats"
)

const (
	ColTrial = "trial_number"
	ColToken = "token_count"
	ColDV    = "parameter_efficiency_loss"

	PosthocAlways      = "always"
	PosthocSignificant = "significant"

	IncompleteDrop = "drop"
	IncompleteFail = "fail"
)

// RequiredColumns must all be present before any test runs.
var RequiredColumns = []string{ColTrial, ColToken, ColDV}

var (
	ErrIncompleteSubjects = errors.New("some trials are missing token counts")
	ErrNoData             = errors.New("run log has no rows")
)

// MissingColumnsError names the required columns absent from the log.
type MissingColumnsError struct {
	Missing []string
}

func (e *MissingColumnsError) Error() string {
	return "missing required columns: " + strings.Join(e.Missing, ", ")
}

type Options struct {
	Alpha              float64 `mapstructure:"alpha" yaml:"alpha"`
	Posthoc            string  `mapstructure:"posthoc" yaml:"posthoc"`
	IncompleteSubjects string  `mapstructure:"incomplete_subjects" yaml:"incomplete_subjects"`
}

func DefaultOptions() Options {
	return Options{Alpha: 0.05, Posthoc: PosthocAlways, IncompleteSubjects: IncompleteDrop}
}

func (o Options) Validate() error {
	if o.Alpha <= 0 || o.Alpha >= 1 {
		return fmt.Errorf("alpha must be in (0, 1), got %v", o.Alpha)
	}
	switch o.Posthoc {
	case PosthocAlways, PosthocSignificant:
	default:
		return fmt.Errorf("posthoc must be %s or %s, got %q", PosthocAlways, PosthocSignificant, o.Posthoc)
	}
	switch o.IncompleteSubjects {
	case IncompleteDrop, IncompleteFail:
	default:
		return fmt.Errorf("incomplete_subjects must be %s or %s, got %q", IncompleteDrop, IncompleteFail, o.IncompleteSubjects)
	}
	return nil
}

// Group fields are named, not embedded, so the inner MarshalJSON is not
// promoted over the token count.
type Group struct {
	TokenCount  int               `json:"token_count"`
	Descriptive stats.Descriptive `json:"descriptive"`
}

type Comparison struct {
	A         int         `json:"a"`
	B         int         `json:"b"`
	Test      stats.TTest `json:"test"`
	Corrected float64     `json:"p_corrected"`
	Reject    bool        `json:"reject"`
}

type GroupNormality struct {
	TokenCount int             `json:"token_count"`
	Normality  stats.Normality `json:"shapiro_wilk"`
}

type Report struct {
	Source          string           `json:"source,omitempty"`
	Rows            int              `json:"rows"`
	Alpha           float64          `json:"alpha"`
	TokenCounts     []int            `json:"token_counts"`
	Subjects        []int            `json:"subjects"`
	DroppedSubjects []int            `json:"dropped_subjects,omitempty"`
	Anova           stats.Anova      `json:"anova"`
	Significant     bool             `json:"significant"`
	Descriptives    []Group          `json:"descriptives"`
	PosthocSkipped  bool             `json:"posthoc_skipped,omitempty"`
	Comparisons     []Comparison     `json:"comparisons"`
	Normality       []GroupNormality `json:"normality"`
	Sphericity      stats.Sphericity `json:"sphericity"`
}

type observation struct {
	trial int
	token int
	value float64
}

// Analyze runs every test in order. Nothing is returned unless all of them
// succeed.
func Analyze(t *runlog.Table, opts Options) (*Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	var missing []string
	for _, c := range RequiredColumns {
		if !t.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingColumnsError{Missing: missing}
	}
	obs, err := observations(t)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, ErrNoData
	}

	rep := &Report{Rows: len(obs), Alpha: opts.Alpha}
	w, err := reshapeWide(obs, opts.IncompleteSubjects)
	if err != nil {
		return nil, err
	}
	rep.TokenCounts = w.tokens
	rep.Subjects = w.subjects
	rep.DroppedSubjects = w.dropped

	if rep.Anova, err = stats.RMAnova(w.data); err != nil {
		return nil, fmt.Errorf("repeated-measures anova: %w", err)
	}
	rep.Significant = rep.Anova.P < opts.Alpha

	byToken := map[int][]float64{}
	for _, o := range obs {
		byToken[o.token] = append(byToken[o.token], o.value)
	}
	for _, tc := range sortedKeys(byToken) {
		d, err := stats.Describe(byToken[tc])
		if err != nil {
			return nil, fmt.Errorf("describe %d: %w", tc, err)
		}
		rep.Descriptives = append(rep.Descriptives, Group{TokenCount: tc, Descriptive: d})
	}

	if opts.Posthoc == PosthocSignificant && !rep.Significant {
		rep.PosthocSkipped = true
	} else {
		var ps []float64
		for i := 0; i < len(w.tokens); i++ {
			for j := i + 1; j < len(w.tokens); j++ {
				res, err := stats.PairedTTest(w.column(i), w.column(j))
				if err != nil {
					return nil, fmt.Errorf("t-test %d vs %d: %w", w.tokens[i], w.tokens[j], err)
				}
				rep.Comparisons = append(rep.Comparisons, Comparison{A: w.tokens[i], B: w.tokens[j], Test: res})
				ps = append(ps, res.P)
			}
		}
		corrected, reject := stats.Bonferroni(ps, opts.Alpha)
		for i := range rep.Comparisons {
			rep.Comparisons[i].Corrected = corrected[i]
			rep.Comparisons[i].Reject = reject[i]
		}
	}

	for i, tc := range w.tokens {
		n, err := stats.ShapiroWilk(w.column(i), opts.Alpha)
		if err != nil {
			return nil, fmt.Errorf("shapiro-wilk %d: %w", tc, err)
		}
		rep.Normality = append(rep.Normality, GroupNormality{TokenCount: tc, Normality: n})
	}

	if rep.Sphericity, err = stats.Mauchly(w.data, opts.Alpha); err != nil {
		return nil, fmt.Errorf("mauchly: %w", err)
	}
	return rep, nil
}

// AnalyzeFile reads the Run Log at path and analyzes it.
func AnalyzeFile(path string, opts Options) (*Report, error) {
	t, err := runlog.ReadTableFile(path)
	if err != nil {
		return nil, err
	}
	rep, err := Analyze(t, opts)
	if err != nil {
		return nil, err
	}
	rep.Source = path
	return rep, nil
}

func observations(t *runlog.Table) ([]observation, error) {
	obs := make([]observation, 0, len(t.Records))
	for i := range t.Records {
		var o observation
		var err error
		if o.trial, err = t.Int(i, ColTrial); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if o.token, err = t.Int(i, ColToken); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if o.value, err = t.Float(i, ColDV); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		obs = append(obs, o)
	}
	return obs, nil
}

type wideTable struct {
	tokens   []int
	subjects []int
	dropped  []int
	data     [][]float64
}

func (w wideTable) column(j int) []float64 {
	out := make([]float64, len(w.data))
	for i, row := range w.data {
		out[i] = row[j]
	}
	return out
}

// reshapeWide pivots to one row per trial and one column per token count,
// both ascending.
func reshapeWide(obs []observation, policy string) (wideTable, error) {
	cells := map[int]map[int]float64{}
	tokenSet := map[int]bool{}
	for _, o := range obs {
		row, ok := cells[o.trial]
		if !ok {
			row = map[int]float64{}
			cells[o.trial] = row
		}
		if _, dup := row[o.token]; dup {
			return wideTable{}, fmt.Errorf("duplicate row for trial %d at token count %d", o.trial, o.token)
		}
		row[o.token] = o.value
		tokenSet[o.token] = true
	}
	w := wideTable{tokens: sortedKeys(tokenSet)}
	for _, trial := range sortedKeys(cells) {
		row := cells[trial]
		if len(row) != len(w.tokens) {
			w.dropped = append(w.dropped, trial)
			continue
		}
		vals := make([]float64, len(w.tokens))
		for j, tc := range w.tokens {
			vals[j] = row[tc]
		}
		w.subjects = append(w.subjects, trial)
		w.data = append(w.data, vals)
	}
	if len(w.dropped) > 0 && policy == IncompleteFail {
		return wideTable{}, fmt.Errorf("%w: trials %v", ErrIncompleteSubjects, w.dropped)
	}
	return w, nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
