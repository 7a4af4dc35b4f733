// Package status serves a read-only view of a results directory over HTTP:
// the Run Log, grid progress, Prometheus metrics and samples from saved
// trial checkpoints.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BrickPiGuy/dissertationScripts/pkg/model"
	"github.com/BrickPiGuy/dissertationScripts/pkg/runlog"
	"github.com/BrickPiGuy/dissertationScripts/pkg/schedule"
	"github.com/BrickPiGuy/dissertationScripts/pkg/trial"
)

type Server struct {
	ResultsDir string
	Grid       schedule.Grid
	// Gatherer backs /metrics. Nil serves a registry holding only the Run Log
	// collector.
	Gatherer prometheus.Gatherer
	Logger   *log.Logger
}

func New(resultsDir string, grid schedule.Grid, gatherer prometheus.Gatherer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if gatherer == nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(NewCollector(filepath.Join(resultsDir, runlog.FileName)))
		gatherer = reg
	}
	return &Server{ResultsDir: resultsDir, Grid: grid, Gatherer: gatherer, Logger: logger}
}

func (s *Server) runLogPath() string { return filepath.Join(s.ResultsDir, runlog.FileName) }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/v1/trials", s.handleTrials)
	mux.HandleFunc("/v1/progress", s.handleProgress)
	mux.HandleFunc("/v1/sample", s.handleSample)
	mux.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.Logger.Info("status server listening", "addr", addr, "results", s.ResultsDir)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "tokensweep status for %s\n\nEndpoints:\n- GET /v1/trials[?token_count=N]\n- GET /v1/progress\n- POST /v1/sample\n- GET /metrics\n", s.ResultsDir)
}

// readRows treats a missing Run Log as empty.
func (s *Server) readRows() ([]runlog.Row, error) {
	rows, err := runlog.ReadFile(s.runLogPath())
	if errors.Is(err, os.ErrNotExist) {
		return []runlog.Row{}, nil
	}
	return rows, err
}

func (s *Server) handleTrials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rows, err := s.readRows()
	if err != nil {
		s.Logger.Error("read run log", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if q := r.URL.Query().Get("token_count"); q != "" {
		tc, err := strconv.Atoi(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "token_count must be an integer")
			return
		}
		filtered := rows[:0]
		for _, row := range rows {
			if row.TokenCount == tc {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	writeJSON(w, http.StatusOK, rows)
}

type TokenProgress struct {
	TokenCount int `json:"token_count"`
	Completed  int `json:"completed"`
	Expected   int `json:"expected"`
	Logged     int `json:"logged"`
}

type Progress struct {
	Completed   int             `json:"completed"`
	Total       int             `json:"total"`
	TokenCounts []TokenProgress `json:"token_counts"`
}

// ComputeProgress counts result files per configured token count, and Run
// Log rows alongside them.
func ComputeProgress(resultsDir string, grid schedule.Grid, rows []runlog.Row) (Progress, error) {
	logged := map[int]int{}
	for _, row := range rows {
		logged[row.TokenCount]++
	}
	p := Progress{Total: grid.Total()}
	for _, tc := range grid.TokenCounts {
		tp := TokenProgress{TokenCount: tc, Expected: grid.Trials, Logged: logged[tc]}
		for n := 1; n <= grid.Trials; n++ {
			done, err := trial.Completed(resultsDir, tc, n)
			if err != nil {
				return Progress{}, err
			}
			if done {
				tp.Completed++
			}
		}
		p.Completed += tp.Completed
		p.TokenCounts = append(p.TokenCounts, tp)
	}
	return p, nil
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rows, err := s.readRows()
	if err != nil {
		s.Logger.Error("read run log", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	p, err := ComputeProgress(s.ResultsDir, s.Grid, rows)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type SampleRequest struct {
	TokenCount  int     `json:"token_count"`
	TrialNumber int     `json:"trial_number"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type SampleResponse struct {
	TokenCount  int    `json:"token_count"`
	TrialNumber int    `json:"trial_number"`
	Prompt      string `json:"prompt"`
	Completion  string `json:"completion"`
}

// handleSample continues a prompt with the checkpoint a trial saved.
func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req SampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TokenCount <= 0 || req.TrialNumber <= 0 {
		writeError(w, http.StatusBadRequest, "token_count and trial_number must be > 0")
		return
	}
	if req.Temperature <= 0 {
		req.Temperature = 0.5
	}
	if req.TopP <= 0 {
		req.TopP = 0.9
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 64
	}

	path := filepath.Join(trial.OutputDir(s.ResultsDir, req.TokenCount, req.TrialNumber), trial.CheckpointFileName)
	sampling := model.Sampling{Temperature: req.Temperature, TopK: 40, TopP: req.TopP, RepetitionPenalty: 1.1}
	m, err := model.LoadTrainable(path, model.DefaultAdam(), sampling, time.Now().UnixNano())
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "no checkpoint saved for this trial")
		return
	}
	if err != nil {
		s.Logger.Error("load checkpoint", "path", path, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SampleResponse{
		TokenCount:  req.TokenCount,
		TrialNumber: req.TrialNumber,
		Prompt:      req.Prompt,
		Completion:  strings.TrimSpace(m.Sample(req.Prompt, req.MaxTokens)),
	})
}
