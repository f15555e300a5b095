package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"v2tester_nexus/internal/model"
)

func TestBlacklistAppendAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "blacklist.txt")
	fb := NewFileBlacklist(path)

	recs, err := fb.Load()
	require.NoError(t, err)
	assert.Empty(t, recs)

	at := time.Unix(1700000000, 0)
	require.NoError(t, fb.Append(BlacklistRecord{Fingerprint: "aa", Protocol: model.ProtoVLESS, Host: "a|b.example", Failures: 3, At: at}))
	require.NoError(t, fb.Append(BlacklistRecord{Fingerprint: "bb", Protocol: model.ProtoTrojan, Host: "203.0.113.5", Failures: 4, At: at}))
	require.NoError(t, fb.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, _ = f.WriteString("# comment line\nbroken|line\ncc|vmess|h|x|1\n")
	f.Close()

	recs, err = NewFileBlacklist(path).Load()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a b.example", recs["aa"].Host)
	assert.Equal(t, 4, recs["bb"].Failures)
	assert.True(t, recs["bb"].At.Equal(at))
}

func TestBlacklistAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blacklist.txt")
	require.NoError(t, os.WriteFile(path, []byte("old|vless|h|3|1\n"), 0o644))

	fb := NewFileBlacklist(path)
	require.NoError(t, fb.Append(BlacklistRecord{Fingerprint: "new", Failures: 3, At: time.Unix(5, 0)}))
	require.NoError(t, fb.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{"old|vless|h|3|1", "new|||3|5"}, lines)
}

func TestSaveResults(t *testing.T) {
	dir := t.TempDir()
	summary := model.NewRunSummary("run-1")
	summary.Succeeded = 1
	path, err := SaveResults(dir, summary, []model.TestResult{{Fingerprint: "aa", Success: true, LatencyMS: 12.5}})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got ResultsFile
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "run-1", got.Summary.RunID)
	require.Len(t, got.Results, 1)
	assert.Equal(t, 12.5, got.Results[0].LatencyMS)
}

func TestWorkingWriterDedup(t *testing.T) {
	dir := t.TempDir()
	ww, err := NewWorkingWriter(dir)
	require.NoError(t, err)

	ok, err := ww.Write("vless://a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = ww.Write("vless://a")
	assert.False(t, ok)
	_, _ = ww.Write("trojan://b")
	require.NoError(t, ww.Close())

	data, err := os.ReadFile(filepath.Join(dir, "working.txt"))
	require.NoError(t, err)
	assert.Equal(t, "vless://a\ntrojan://b\n", string(data))
}
