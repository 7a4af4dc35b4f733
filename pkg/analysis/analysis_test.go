package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrickPiGuy/dissertationScripts/pkg/runlog"
)

type cell struct {
	token, trial int
	loss         float64
}

func table(t *testing.T, cells ...cell) *runlog.Table {
	t.Helper()
	var b strings.Builder
	b.WriteString(strings.Join(runlog.Header, ",") + "\n")
	for _, c := range cells {
		fmt.Fprintf(&b, "2025-03-04T10:11:12.000000,%d,%d,0.5,1.0,0.1,%s,0.0\n", c.token, c.trial, runlog.FormatFloat(c.loss))
	}
	tbl, err := runlog.ReadTable(strings.NewReader(b.String()))
	require.NoError(t, err)
	return tbl
}

// constant within each token count, so the effect is exact
var separated = []cell{
	{1000, 1, 0.5}, {1000, 2, 0.5}, {1000, 3, 0.5},
	{2000, 1, 0.3}, {2000, 2, 0.3}, {2000, 3, 0.3},
}

func TestAnalyzeSeparatedGroups(t *testing.T) {
	rep, err := Analyze(table(t, separated...), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 6, rep.Rows)
	assert.Equal(t, []int{1000, 2000}, rep.TokenCounts)
	assert.Equal(t, []int{1, 2, 3}, rep.Subjects)
	assert.Empty(t, rep.DroppedSubjects)
	assert.Less(t, rep.Anova.P, 0.05)
	assert.True(t, rep.Significant)

	require.Len(t, rep.Descriptives, 2)
	assert.Equal(t, 1000, rep.Descriptives[0].TokenCount)
	assert.Equal(t, 3, rep.Descriptives[0].Descriptive.N)
	assert.InDelta(t, 0.5, rep.Descriptives[0].Descriptive.Mean, 1e-12)
	assert.InDelta(t, 0.0, rep.Descriptives[0].Descriptive.Std, 1e-12)

	require.Len(t, rep.Comparisons, 1)
	c := rep.Comparisons[0]
	assert.Equal(t, 1000, c.A)
	assert.Equal(t, 2000, c.B)
	assert.True(t, math.IsInf(c.Test.T, 1))
	assert.True(t, c.Reject)

	require.Len(t, rep.Normality, 2)
	assert.True(t, rep.Sphericity.Spherical)
	assert.Equal(t, 1.0, rep.Sphericity.W)
}

func TestAnalyzeThreeLevels(t *testing.T) {
	wide := [][]float64{{1, 2, 4}, {2, 4, 5}, {3, 5, 9}, {2, 3, 7}}
	tokens := []int{500, 100, 250}
	var cells []cell
	// shuffled token order; columns still come out ascending
	for i, row := range wide {
		cells = append(cells,
			cell{tokens[1], i + 1, row[0]},
			cell{tokens[0], i + 1, row[2]},
			cell{tokens[2], i + 1, row[1]},
		)
	}
	rep, err := Analyze(table(t, cells...), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []int{100, 250, 500}, rep.TokenCounts)
	assert.InDelta(t, 23.068965517241384, rep.Anova.F, 1e-9)
	assert.InDelta(t, 0.0015240259831151746, rep.Anova.P, 1e-9)
	assert.InDelta(t, 0.3709869203329369, rep.Sphericity.P, 1e-9)

	require.Len(t, rep.Comparisons, 3)
	pairs := [][2]int{{100, 250}, {100, 500}, {250, 500}}
	for i, c := range rep.Comparisons {
		assert.Equal(t, pairs[i], [2]int{c.A, c.B})
		assert.InDelta(t, math.Min(3*c.Test.P, 1), c.Corrected, 1e-15)
	}
	assert.InDelta(t, -5.196152422706632, rep.Comparisons[0].Test.T, 1e-9)
}

func TestAnalyzeMissingColumns(t *testing.T) {
	tbl, err := runlog.ReadTable(strings.NewReader("timestamp,trial_number,parameter_efficiency_loss\nx,1,0.5\n"))
	require.NoError(t, err)
	_, err = Analyze(tbl, DefaultOptions())
	var mc *MissingColumnsError
	require.ErrorAs(t, err, &mc)
	assert.Equal(t, []string{"token_count"}, mc.Missing)
	assert.EqualError(t, err, "missing required columns: token_count")

	tbl, err = runlog.ReadTable(strings.NewReader("trial_number\n1\n"))
	require.NoError(t, err)
	_, err = Analyze(tbl, DefaultOptions())
	require.ErrorAs(t, err, &mc)
	assert.Equal(t, []string{"parameter_efficiency_loss", "token_count"}, mc.Missing)
}

func TestAnalyzeIncompleteSubjects(t *testing.T) {
	cells := append(append([]cell{}, separated...), cell{1000, 4, 0.5})

	rep, err := Analyze(table(t, cells...), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []int{4}, rep.DroppedSubjects)
	assert.Equal(t, []int{1, 2, 3}, rep.Subjects)
	// descriptives still see every row
	assert.Equal(t, 4, rep.Descriptives[0].Descriptive.N)

	opts := DefaultOptions()
	opts.IncompleteSubjects = IncompleteFail
	_, err = Analyze(table(t, cells...), opts)
	assert.ErrorIs(t, err, ErrIncompleteSubjects)
}

func TestAnalyzeDuplicateRow(t *testing.T) {
	cells := append(append([]cell{}, separated...), cell{2000, 2, 0.4})
	_, err := Analyze(table(t, cells...), DefaultOptions())
	assert.ErrorContains(t, err, "duplicate row for trial 2 at token count 2000")
}

func TestAnalyzePosthocOnlyWhenSignificant(t *testing.T) {
	flat := []cell{
		{1000, 1, 1}, {1000, 2, 2}, {1000, 3, 3},
		{2000, 1, 2}, {2000, 2, 1}, {2000, 3, 3},
	}
	opts := DefaultOptions()
	opts.Posthoc = PosthocSignificant
	rep, err := Analyze(table(t, flat...), opts)
	require.NoError(t, err)
	assert.False(t, rep.Significant)
	assert.True(t, rep.PosthocSkipped)
	assert.Empty(t, rep.Comparisons)
	assert.Len(t, rep.Normality, 2)

	rep, err = Analyze(table(t, flat...), DefaultOptions())
	require.NoError(t, err)
	assert.False(t, rep.PosthocSkipped)
	assert.Len(t, rep.Comparisons, 1)
}

func TestAnalyzeErrors(t *testing.T) {
	_, err := Analyze(table(t), DefaultOptions())
	assert.ErrorIs(t, err, ErrNoData)

	tbl, err := runlog.ReadTable(strings.NewReader("token_count,trial_number,parameter_efficiency_loss\n1000,1,abc\n"))
	require.NoError(t, err)
	_, err = Analyze(tbl, DefaultOptions())
	assert.ErrorContains(t, err, "row 1")

	// a single trial cannot support a within-subject test
	_, err = Analyze(table(t, cell{1000, 1, 0.5}, cell{2000, 1, 0.3}), DefaultOptions())
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.Alpha = 0
	_, err = Analyze(table(t, separated...), opts)
	assert.ErrorContains(t, err, "alpha")
}

func TestAnalyzeFile(t *testing.T) {
	_, err := AnalyzeFile(filepath.Join(t.TempDir(), "missing.csv"), DefaultOptions())
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), runlog.FileName)
	for _, c := range separated {
		require.NoError(t, runlog.Append(path, runlog.Row{TokenCount: c.token, TrialNumber: c.trial, ParameterEfficiencyLoss: c.loss}))
	}
	rep, err := AnalyzeFile(path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, path, rep.Source)
	assert.True(t, rep.Significant)
}

func TestWriteText(t *testing.T) {
	rep, err := Analyze(table(t, separated...), DefaultOptions())
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, rep))
	out := buf.String()
	for _, want := range []string{
		"Repeated-measures ANOVA",
		"Significant effect of token count",
		"Descriptive statistics",
		"Paired t-tests",
		"Shapiro-Wilk",
		"Detailed repeated-measures ANOVA",
		"Mauchly",
	} {
		assert.Contains(t, out, want)
	}
	assert.Less(t, strings.Index(out, "Paired t-tests"), strings.Index(out, "Mauchly"))
}

func TestWriteJSON(t *testing.T) {
	rep, err := Analyze(table(t, separated...), DefaultOptions())
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, rep))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, true, decoded["significant"])
	anova := decoded["anova"].(map[string]any)
	assert.Equal(t, "+Inf", anova["f"])
	groups := decoded["descriptives"].([]any)
	assert.Equal(t, 1000.0, groups[0].(map[string]any)["token_count"])
}
