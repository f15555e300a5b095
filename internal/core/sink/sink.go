package sink

import (
	"sort"
	"sync"

	"v2tester_nexus/internal/model"
)

// Sink 收集成功的测试结果，供导出和 Web API 读取。
type Sink struct {
	mu      sync.RWMutex
	results []model.TestResult
	seen    map[string]int
}

func New() *Sink {
	return &Sink{seen: make(map[string]int)}
}

// Push records a successful result. A later result for the same fingerprint
// replaces the earlier one.
func (s *Sink) Push(r model.TestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.seen[r.Fingerprint]; ok {
		s.results[i] = r
		return
	}
	s.seen[r.Fingerprint] = len(s.results)
	s.results = append(s.results, r)
}

// Results returns a copy ordered by latency, fastest first.
func (s *Sink) Results() []model.TestResult {
	s.mu.RLock()
	out := make([]model.TestResult, len(s.results))
	copy(out, s.results)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].LatencyMS < out[j].LatencyMS })
	return out
}

func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// Reset drops all results, used before a rescan.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = nil
	s.seen = make(map[string]int)
}
