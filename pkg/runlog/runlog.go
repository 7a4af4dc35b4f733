// Package runlog reads and appends the shared per-experiment CSV log.
//
// The log is append-only and assumes a single writer: two schedulers pointed
// at the same results directory can interleave or duplicate rows. Nothing
// here locks the file.
package runlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const FileName = "run_log.csv"

// TimestampLayout matches an ISO-8601 local timestamp with microseconds.
const TimestampLayout = "2006-01-02T15:04:05.000000"

var Header = []string{
	"timestamp", "token_count", "trial_number",
	"accuracy", "tops_used", "parameter_efficiency",
	"parameter_efficiency_loss", "parameter_perplexity",
}

type Row struct {
	Timestamp               time.Time `json:"timestamp"`
	TokenCount              int       `json:"token_count"`
	TrialNumber             int       `json:"trial_number"`
	Accuracy                float64   `json:"accuracy"`
	TopsUsed                float64   `json:"tops_used"`
	ParameterEfficiency     float64   `json:"parameter_efficiency"`
	ParameterEfficiencyLoss float64   `json:"parameter_efficiency_loss"`
	ParameterPerplexity     float64   `json:"parameter_perplexity"`
}

func (r Row) record() []string {
	return []string{
		r.Timestamp.Format(TimestampLayout),
		strconv.Itoa(r.TokenCount),
		strconv.Itoa(r.TrialNumber),
		FormatFloat(r.Accuracy),
		FormatFloat(r.TopsUsed),
		FormatFloat(r.ParameterEfficiency),
		FormatFloat(r.ParameterEfficiencyLoss),
		FormatFloat(r.ParameterPerplexity),
	}
}

// Append writes one row, creating the file (and parent directories) with a
// header row when it does not exist yet.
func Append(path string, row Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	writeHeader := false
	if st, err := os.Stat(path); errors.Is(err, os.ErrNotExist) || (err == nil && st.Size() == 0) {
		writeHeader = true
	} else if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(Header); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Write(row.record()); err != nil {
		_ = f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Table is the raw column-addressable view of a CSV file.
type Table struct {
	Columns []string
	Records [][]string
	index   map[string]int
}

func (t *Table) Has(col string) bool {
	_, ok := t.index[col]
	return ok
}

// Get returns the cell for col in record i.
func (t *Table) Get(i int, col string) (string, bool) {
	j, ok := t.index[col]
	if !ok || i < 0 || i >= len(t.Records) || j >= len(t.Records[i]) {
		return "", false
	}
	return t.Records[i][j], true
}

func ReadTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("run log is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	t := &Table{Columns: make([]string, len(header)), index: make(map[string]int, len(header))}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		t.Columns[i] = h
		t.index[h] = i
	}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		t.Records = append(t.Records, rec)
	}
	return t, nil
}

func ReadTableFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTable(f)
}

// Read parses every row of a log that carries the full header.
func Read(r io.Reader) ([]Row, error) {
	t, err := ReadTable(r)
	if err != nil {
		return nil, err
	}
	for _, col := range Header {
		if !t.Has(col) {
			return nil, fmt.Errorf("run log missing column %q", col)
		}
	}
	rows := make([]Row, 0, len(t.Records))
	for i := range t.Records {
		row, err := t.parseRow(i)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ReadFile returns the rows of the log at path. A missing file yields no rows.
func ReadFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func (t *Table) parseRow(i int) (Row, error) {
	var row Row
	var err error
	ts, _ := t.Get(i, "timestamp")
	if row.Timestamp, err = parseTimestamp(ts); err != nil {
		return Row{}, err
	}
	if row.TokenCount, err = t.Int(i, "token_count"); err != nil {
		return Row{}, err
	}
	if row.TrialNumber, err = t.Int(i, "trial_number"); err != nil {
		return Row{}, err
	}
	floats := []struct {
		col string
		dst *float64
	}{
		{"accuracy", &row.Accuracy},
		{"tops_used", &row.TopsUsed},
		{"parameter_efficiency", &row.ParameterEfficiency},
		{"parameter_efficiency_loss", &row.ParameterEfficiencyLoss},
		{"parameter_perplexity", &row.ParameterPerplexity},
	}
	for _, f := range floats {
		if *f.dst, err = t.Float(i, f.col); err != nil {
			return Row{}, err
		}
	}
	return row, nil
}

// Int parses an integer cell. Whole-valued floats ("500000.0") are accepted.
func (t *Table) Int(i int, col string) (int, error) {
	s, ok := t.Get(i, col)
	if !ok {
		return 0, fmt.Errorf("missing %s", col)
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("invalid %s %q", col, s)
	}
	return int(f), nil
}

func (t *Table) Float(i int, col string) (float64, error) {
	s, ok := t.Get(i, col)
	if !ok {
		return 0, fmt.Errorf("missing %s", col)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", col, s)
	}
	return f, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{TimestampLayout, "2006-01-02T15:04:05", time.RFC3339Nano} {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// FormatFloat renders a float the way the result files expect: shortest
// round-trip digits, with a trailing ".0" on whole numbers.
func FormatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return s
	}
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
