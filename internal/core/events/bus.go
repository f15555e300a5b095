// Package events carries orchestrator notifications to any number of
// subscribers (web hub, progress monitor, exporters).
package events

import (
	"sync"
	"time"

	"v2tester_nexus/internal/model"
)

type Type string

const (
	RunStarted  Type = "run_started"
	Attempted   Type = "attempted"
	Succeeded   Type = "succeeded"
	Blacklisted Type = "blacklisted"
	Skipped     Type = "skipped"
	Progress    Type = "progress"
	RunFinished Type = "run_finished"
)

// ProgressInfo 描述当前运行进度。
type ProgressInfo struct {
	Done        int `json:"done"`
	Total       int `json:"total"`
	InFlight    int `json:"in_flight"`
	Concurrency int `json:"concurrency"`
	Succeeded   int `json:"succeeded"`
}

type Event struct {
	Type        Type              `json:"type"`
	At          time.Time         `json:"at"`
	RunID       string            `json:"run_id"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Result      *model.TestResult `json:"result,omitempty"`
	Summary     *model.RunSummary `json:"summary,omitempty"`
	Progress    *ProgressInfo     `json:"progress,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
