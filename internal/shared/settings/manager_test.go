package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"v2tester_nexus/internal/shared/types"
)

type recordingModule struct {
	keys []string
	last interface{}
}

func (r *recordingModule) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	r.keys = append(r.keys, moduleKey)
	r.last = newSettings
	return nil
}

func testDefaults() *RuntimeSettings {
	cfg := &types.Config{
		AdaptiveConf: types.AdaptiveConf{Floor: 2, Ceiling: 32, HighWater: 0.9, LowWater: 0.5},
		ProbeConf:    types.ProbeConf{LatencySamples: 3},
	}
	return DefaultsFromConfig(cfg)
}

func TestNewSettingsManagerCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	sm, err := NewSettingsManager(path, testDefaults())
	require.NoError(t, err)

	assert.Equal(t, 32, sm.Get().Adaptive.Ceiling)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"ceiling": 32`)
}

func TestLoadFillsMissingModules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"probe":{"throughput":true,"latency_samples":5}}`), 0644))

	sm, err := NewSettingsManager(path, testDefaults())
	require.NoError(t, err)
	assert.True(t, sm.Get().Probe.Throughput)
	assert.Equal(t, 5, sm.Get().Probe.LatencySamples)
	require.NotNil(t, sm.Get().Adaptive)
	assert.Equal(t, 2, sm.Get().Adaptive.Floor)
}

func TestUpdateNotifiesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	sm, err := NewSettingsManager(path, testDefaults())
	require.NoError(t, err)

	mod := &recordingModule{}
	sm.Register("adaptive", mod)
	before := sm.Get()

	require.NoError(t, sm.Update("adaptive", json.RawMessage(`{"floor":4,"ceiling":16,"high_water":0.8,"low_water":0.4}`)))
	assert.Equal(t, []string{"adaptive"}, mod.keys)
	got, ok := mod.last.(*AdaptiveSettings)
	require.True(t, ok)
	assert.Equal(t, 16, got.Ceiling)
	assert.Equal(t, 32, before.Adaptive.Ceiling, "earlier snapshots must not change")

	reloaded, err := NewSettingsManager(path, testDefaults())
	require.NoError(t, err)
	assert.Equal(t, 4, reloaded.Get().Adaptive.Floor)

	assert.Error(t, sm.Update("routing", json.RawMessage(`{}`)))
	assert.Error(t, sm.Update("probe", json.RawMessage(`{not json`)))
}
