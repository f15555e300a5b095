package sink

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"v2tester_nexus/internal/model"
)

func TestResultsOrderedByLatency(t *testing.T) {
	s := New()
	s.Push(model.TestResult{Fingerprint: "a", LatencyMS: 300})
	s.Push(model.TestResult{Fingerprint: "b", LatencyMS: 100})
	s.Push(model.TestResult{Fingerprint: "c", LatencyMS: 200})
	s.Push(model.TestResult{Fingerprint: "a", LatencyMS: 50})

	got := s.Results()
	assert.Equal(t, 3, s.Len())
	var order []string
	for _, r := range got {
		order = append(order, r.Fingerprint)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)

	s.Reset()
	assert.Zero(t, s.Len())
}

func TestConcurrentPush(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Push(model.TestResult{Fingerprint: string(rune('A' + i)), LatencyMS: float64(i)})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, s.Len())
}
