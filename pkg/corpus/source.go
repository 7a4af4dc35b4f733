// Package corpus provides ordered access to the text samples a trial trains on.
package corpus

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	FormatAuto  = "auto"
	FormatJSONL = "jsonl"
	FormatText  = "text"
)

// EndOfText separates documents in plain-text corpora, in addition to blank lines.
const EndOfText = "<|endoftext|>"

// Source yields samples in a stable order. Next returns io.EOF once the
// corpus is exhausted.
type Source interface {
	Next() (string, error)
	Close() error
}

// Opener returns a fresh Source positioned at the first sample.
type Opener func() (Source, error)

// FileOpener returns an Opener over the corpus at path. format is one of
// FormatAuto, FormatJSONL or FormatText; auto picks jsonl for .jsonl/.json
// files and text otherwise.
func FileOpener(path, format string) (Opener, error) {
	f, err := resolveFormat(path, format)
	if err != nil {
		return nil, err
	}
	return func() (Source, error) { return Open(path, f) }, nil
}

func resolveFormat(path, format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatAuto:
		switch strings.ToLower(filepath.Ext(path)) {
		case ".jsonl", ".json":
			return FormatJSONL, nil
		}
		return FormatText, nil
	case FormatJSONL:
		return FormatJSONL, nil
	case FormatText, "txt":
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown corpus format %q (want auto, jsonl or text)", format)
}

func Open(path, format string) (Source, error) {
	format, err := resolveFormat(path, format)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if format == FormatJSONL {
		return &jsonlSource{f: f, s: s}, nil
	}
	return &textSource{f: f, s: s}, nil
}

type jsonlSource struct {
	f      *os.File
	s      *bufio.Scanner
	lineNo int
}

func (j *jsonlSource) Next() (string, error) {
	for j.s.Scan() {
		j.lineNo++
		line := strings.TrimSpace(j.s.Text())
		if line == "" {
			continue
		}
		_, doc, err := ParseLine(line, j.lineNo)
		if err != nil {
			return "", err
		}
		return doc, nil
	}
	if err := j.s.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (j *jsonlSource) Close() error { return j.f.Close() }

type textSource struct {
	f *os.File
	s *bufio.Scanner
}

func (t *textSource) Next() (string, error) {
	var doc []string
	for t.s.Scan() {
		line := t.s.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed == EndOfText {
			if len(doc) > 0 {
				return strings.Join(doc, "\n"), nil
			}
			continue
		}
		doc = append(doc, trimmed)
	}
	if err := t.s.Err(); err != nil {
		return "", err
	}
	if len(doc) > 0 {
		return strings.Join(doc, "\n"), nil
	}
	return "", io.EOF
}

func (t *textSource) Close() error { return t.f.Close() }

// Slice serves samples from memory.
type Slice struct {
	docs []string
	pos  int
}

func NewSlice(docs ...string) *Slice {
	return &Slice{docs: docs}
}

func (s *Slice) Next() (string, error) {
	if s.pos >= len(s.docs) {
		return "", io.EOF
	}
	d := s.docs[s.pos]
	s.pos++
	return d, nil
}

func (s *Slice) Close() error { return nil }

// SliceOpener returns an Opener that restarts over docs on every call.
func SliceOpener(docs ...string) Opener {
	return func() (Source, error) { return NewSlice(docs...), nil }
}

// Report summarizes a validated JSONL corpus.
type Report struct {
	Path    string         `json:"path"`
	Records int            `json:"records"`
	ByType  map[string]int `json:"by_type"`
}

// Types returns the record types in sorted order.
func (r Report) Types() []string {
	keys := make([]string, 0, len(r.ByType))
	for k := range r.ByType {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks every record of a JSONL corpus, requiring a unique id per
// record. It stops at the first invalid line.
func Validate(path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, err
	}
	defer f.Close()

	rep := Report{Path: path, ByType: map[string]int{}}
	seenIDs := map[string]int{}
	lineNo := 0
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		rec, _, err := ParseLine(line, lineNo)
		if err != nil {
			return rep, err
		}
		id := strings.TrimSpace(rec.ID)
		if id == "" {
			return rep, fmt.Errorf("line %d: missing required field: id", lineNo)
		}
		if prev, ok := seenIDs[id]; ok {
			return rep, fmt.Errorf("line %d (id=%s): duplicate id also used at line %d", lineNo, id, prev)
		}
		seenIDs[id] = lineNo
		rep.ByType[rec.Kind()]++
		rep.Records++
	}
	if err := s.Err(); err != nil {
		return rep, err
	}
	if rep.Records == 0 {
		return rep, errors.New("dataset has no records")
	}
	return rep, nil
}
