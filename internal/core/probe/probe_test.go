package probe

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"v2tester_nexus/internal/model"
	"v2tester_nexus/internal/shared/settings"
	"v2tester_nexus/internal/shared/types"
)

func targetServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/generate_204", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64<<10)))
	})
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/restricted", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>ytInitialData</html>"))
	})
	mux.HandleFunc("/blockpage", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><iframe src="http://10.10.34.34/"></iframe></html>`))
	})
	mux.HandleFunc("/blocked", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunFullSequence(t *testing.T) {
	srv := targetServer(t)
	p := New(types.ProbeConf{
		LatencyURL:     srv.URL + "/generate_204",
		LatencySamples: 4,
		Throughput:     true,
		DownloadURL:    srv.URL + "/down",
		DownloadBytes:  32 << 10,
		UploadURL:      srv.URL + "/up",
		UploadBytes:    16 << 10,
		BypassURL:      srv.URL + "/restricted",
		BypassMarker:   "ytInitialData",
	})

	rep, err := p.Run(context.Background(), srv.Client())
	require.NoError(t, err)
	assert.Greater(t, rep.LatencyMS, 0.0)
	assert.GreaterOrEqual(t, rep.JitterMS, 0.0)
	require.NotNil(t, rep.DownloadMbps)
	require.NotNil(t, rep.UploadMbps)
	assert.Greater(t, *rep.DownloadMbps, 0.0)
	assert.True(t, rep.Bypass)
}

func TestRunFallbackAndBypassSignature(t *testing.T) {
	srv := targetServer(t)
	p := New(types.ProbeConf{
		LatencyURL:         srv.URL + "/broken",
		LatencyFallbackURL: srv.URL + "/generate_204",
		BypassURL:          srv.URL + "/blocked",
	})
	rep, err := p.Run(context.Background(), srv.Client())
	require.NoError(t, err)
	assert.Greater(t, rep.LatencyMS, 0.0)
	assert.False(t, rep.Bypass)
	assert.Nil(t, rep.DownloadMbps, "throughput is off by default")

	p = New(types.ProbeConf{LatencyURL: srv.URL + "/restricted", BypassURL: srv.URL + "/restricted", BypassMarker: "not-there"})
	rep, err = p.Run(context.Background(), srv.Client())
	require.NoError(t, err)
	assert.False(t, rep.Bypass)
}

// 返回 200 的拦截页：有标记时不算绕过，没有标记时只看状态码。
func TestBypassMarkerRejectsBlockPage(t *testing.T) {
	srv := targetServer(t)
	ctx := context.Background()
	assert.True(t, bypass(ctx, srv.Client(), srv.URL+"/restricted", "ytInitialData"))
	assert.False(t, bypass(ctx, srv.Client(), srv.URL+"/blockpage", "ytInitialData"))
	assert.True(t, bypass(ctx, srv.Client(), srv.URL+"/blockpage", ""))
	assert.False(t, bypass(ctx, srv.Client(), srv.URL+"/blocked", ""))
}

func TestRunConnectFailure(t *testing.T) {
	srv := targetServer(t)
	p := New(types.ProbeConf{LatencyURL: srv.URL + "/broken", LatencySamples: 2})
	_, err := p.Run(context.Background(), srv.Client())
	assert.Equal(t, model.KindConnectFailure, model.KindOf(err))
}

func TestRunTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := New(types.ProbeConf{LatencyURL: srv.URL, RequestTimeout: 10 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Run(ctx, srv.Client())
	assert.Equal(t, model.KindProbeTimeout, model.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProbeThroughHTTPInbound(t *testing.T) {
	var proxied atomic.Bool
	inbound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 转发代理收到的是绝对 URI
		proxied.Store(strings.HasPrefix(r.RequestURI, "http://probe.invalid/"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer inbound.Close()
	port := inbound.Listener.Addr().(*net.TCPAddr).Port

	p := New(types.ProbeConf{LatencyURL: "http://probe.invalid/generate_204", LatencySamples: 1})
	rep, err := p.Probe(context.Background(), "http", port)
	require.NoError(t, err)
	assert.True(t, proxied.Load())
	assert.Greater(t, rep.LatencyMS, 0.0)
}

func TestProbeSocksInboundRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := New(types.ProbeConf{LatencyURL: "http://probe.invalid/", LatencySamples: 1, RequestTimeout: time.Second})
	_, err = p.Probe(context.Background(), "socks", port)
	assert.Equal(t, model.KindConnectFailure, model.KindOf(err))
}

func TestOnSettingsUpdate(t *testing.T) {
	p := New(types.ProbeConf{LatencySamples: 3})
	require.NoError(t, p.OnSettingsUpdate("probe", &settings.ProbeSettings{Throughput: true, LatencySamples: 7}))
	assert.True(t, p.Options().Throughput)
	assert.Equal(t, 7, p.Options().Samples)
	assert.Error(t, p.OnSettingsUpdate("probe", "nope"))
}

func TestMeanStddev(t *testing.T) {
	mean, sd := meanStddev([]float64{10, 20, 30})
	assert.InDelta(t, 20, mean, 1e-9)
	assert.InDelta(t, 8.1649, sd, 1e-3)
}
