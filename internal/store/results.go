package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"v2tester_nexus/internal/model"
)

// ResultsFile is the layout of results.json.
type ResultsFile struct {
	Summary model.RunSummary   `json:"summary"`
	Results []model.TestResult `json:"results"`
}

// SaveResults 把本轮的全部成功结果与汇总写入 dir/results.json。
func SaveResults(dir string, summary model.RunSummary, results []model.TestResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(ResultsFile{Summary: summary, Results: results}, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "results.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	return path, os.Rename(tmp, path)
}

// WorkingWriter streams working descriptor URIs to working.txt as they are
// found, one per line, without duplicates.
type WorkingWriter struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	seen map[string]struct{}
}

func NewWorkingWriter(dir string) (*WorkingWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "working.txt"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &WorkingWriter{f: f, w: bufio.NewWriter(f), seen: make(map[string]struct{})}, nil
}

// Write records uri once. Returns false if it was already written.
func (ww *WorkingWriter) Write(uri string) (bool, error) {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if _, ok := ww.seen[uri]; ok {
		return false, nil
	}
	if _, err := ww.w.WriteString(uri + "\n"); err != nil {
		return false, err
	}
	ww.seen[uri] = struct{}{}
	return true, ww.w.Flush()
}

func (ww *WorkingWriter) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if err := ww.w.Flush(); err != nil {
		ww.f.Close()
		return err
	}
	return ww.f.Close()
}
