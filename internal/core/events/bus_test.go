package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	b := NewBus()
	a, cancelA := b.Subscribe(4)
	c, cancelC := b.Subscribe(4)
	defer cancelC()

	b.Publish(Event{Type: RunStarted, RunID: "r1"})
	ev := <-a
	assert.Equal(t, RunStarted, ev.Type)
	assert.False(t, ev.At.IsZero())
	assert.Equal(t, "r1", (<-c).RunID)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	b.Publish(Event{Type: RunFinished})
	assert.Equal(t, RunFinished, (<-c).Type)
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: Progress})
	}
	require.Len(t, ch, 1)
}
