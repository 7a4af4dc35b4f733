package status

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrickPiGuy/dissertationScripts/pkg/model"
	"github.com/BrickPiGuy/dissertationScripts/pkg/runlog"
	"github.com/BrickPiGuy/dissertationScripts/pkg/schedule"
	"github.com/BrickPiGuy/dissertationScripts/pkg/trial"
)

var grid = schedule.Grid{TokenCounts: []int{1000, 2000}, Trials: 2}

// seed writes result files and Run Log rows for the given trials.
func seed(t *testing.T, dir string, cells ...schedule.Cell) {
	t.Helper()
	for i, c := range cells {
		path := trial.ResultPath(dir, c.TokenCount, c.TrialNumber)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("perplexity: 1.0\n"), 0o644))
		require.NoError(t, runlog.Append(filepath.Join(dir, runlog.FileName), runlog.Row{
			TokenCount:              c.TokenCount,
			TrialNumber:             c.TrialNumber,
			Accuracy:                0.5,
			ParameterEfficiencyLoss: float64(i + 1),
		}))
	}
}

func newServer(dir string) *httptest.Server {
	return httptest.NewServer(New(dir, grid, nil, log.New(io.Discard)).Handler())
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestRoot(t *testing.T) {
	srv := newServer(t.TempDir())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "/v1/progress")

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTrials(t *testing.T) {
	dir := t.TempDir()
	srv := newServer(dir)
	defer srv.Close()

	var rows []runlog.Row
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/trials", &rows))
	assert.Empty(t, rows)

	seed(t, dir, schedule.Cell{TokenCount: 1000, TrialNumber: 1}, schedule.Cell{TokenCount: 2000, TrialNumber: 1})
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/trials", &rows))
	assert.Len(t, rows, 2)

	rows = nil
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/trials?token_count=2000", &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, 2000, rows[0].TokenCount)

	var e map[string]string
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/v1/trials?token_count=x", &e))
}

func TestProgress(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir,
		schedule.Cell{TokenCount: 1000, TrialNumber: 1},
		schedule.Cell{TokenCount: 1000, TrialNumber: 2},
		schedule.Cell{TokenCount: 2000, TrialNumber: 2},
	)
	srv := newServer(dir)
	defer srv.Close()

	var p Progress
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/progress", &p))
	assert.Equal(t, Progress{
		Completed: 3,
		Total:     4,
		TokenCounts: []TokenProgress{
			{TokenCount: 1000, Completed: 2, Expected: 2, Logged: 2},
			{TokenCount: 2000, Completed: 1, Expected: 2, Logged: 1},
		},
	}, p)
}

func TestMetrics(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir, schedule.Cell{TokenCount: 1000, TrialNumber: 1}, schedule.Cell{TokenCount: 1000, TrialNumber: 2})
	srv := newServer(dir)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `tokensweep_runlog_rows{token_count="1000"} 2`)
	assert.Contains(t, string(body), `tokensweep_runlog_parameter_efficiency_loss_mean{token_count="1000"} 1.5`)
}

func TestCollector(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector(filepath.Join(dir, runlog.FileName))
	assert.Equal(t, 0, testutil.CollectAndCount(c))

	seed(t, dir, schedule.Cell{TokenCount: 1000, TrialNumber: 1}, schedule.Cell{TokenCount: 2000, TrialNumber: 1})
	assert.Equal(t, 6, testutil.CollectAndCount(c))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "tokensweep_runlog_rows"))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	_, err := reg.Gather()
	assert.NoError(t, err)
}

func TestSample(t *testing.T) {
	dir := t.TempDir()
	tok := model.NewCharTokenizer("")
	g, err := model.New(model.Config{NLayer: 1, NEmbd: 8, NHead: 2, BlockSize: 16}, tok.Vocab(), model.DefaultAdam(), 1)
	require.NoError(t, err)
	out := trial.OutputDir(dir, 1000, 1)
	require.NoError(t, model.NewTrainable(g, tok, model.Sampling{}, 1).SaveCheckpoint(filepath.Join(out, trial.CheckpointFileName)))

	srv := newServer(dir)
	defer srv.Close()

	post := func(body string) (*http.Response, []byte) {
		resp, err := http.Post(srv.URL+"/v1/sample", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp, b
	}

	resp, body := post(`{"token_count":1000,"trial_number":1,"prompt":"The fox","max_tokens":5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var sr SampleResponse
	require.NoError(t, json.Unmarshal(body, &sr))
	assert.Equal(t, "The fox", sr.Prompt)
	assert.LessOrEqual(t, len([]rune(sr.Completion)), 5)

	resp, _ = post(`{"token_count":2000,"trial_number":1}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = post(`{"token_count":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(`not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r, err := http.Get(srv.URL + "/v1/sample")
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, r.StatusCode)
}
