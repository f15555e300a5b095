package runstatus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAndGet(t *testing.T) {
	sm := New()
	assert.Equal(t, Initializing, sm.Get().Phase)

	before := sm.Get().Since
	sm.Set(Testing, "42 queued")
	got := sm.Get()
	assert.Equal(t, Testing, got.Phase)
	assert.Equal(t, "42 queued", got.Message)
	assert.False(t, got.Since.Before(before))
}
