// Package probe measures latency, throughput and bypass capability through a
// running engine's local inbound.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"v2tester_nexus/internal/model"
	"v2tester_nexus/internal/shared/logger"
	"v2tester_nexus/internal/shared/settings"
	"v2tester_nexus/internal/shared/types"
)

const bypassReadLimit = 64 << 10

// Options are the probe targets. They can be swapped at runtime.
type Options struct {
	LatencyURL         string
	LatencyFallbackURL string
	Samples            int
	Throughput         bool
	DownloadURL        string
	DownloadBytes      int64
	UploadURL          string
	UploadBytes        int64
	BypassURL          string
	BypassMarker       string
}

// Report is the measured outcome of one probe sequence.
type Report struct {
	LatencyMS    float64
	JitterMS     float64
	DownloadMbps *float64
	UploadMbps   *float64
	Bypass       bool
}

// Prober 执行探测序列；Options 通过原子指针读取，可被运行时设置热更新。
type Prober struct {
	opts           atomic.Pointer[Options]
	requestTimeout time.Duration
	log            zerolog.Logger
}

func New(conf types.ProbeConf) *Prober {
	p := &Prober{requestTimeout: conf.RequestTimeout, log: logger.WithComponent("Probe")}
	if p.requestTimeout <= 0 {
		p.requestTimeout = 5 * time.Second
	}
	samples := conf.LatencySamples
	if samples <= 0 {
		samples = 3
	}
	p.opts.Store(&Options{
		LatencyURL:         conf.LatencyURL,
		LatencyFallbackURL: conf.LatencyFallbackURL,
		Samples:            samples,
		Throughput:         conf.Throughput,
		DownloadURL:        conf.DownloadURL,
		DownloadBytes:      conf.DownloadBytes,
		UploadURL:          conf.UploadURL,
		UploadBytes:        conf.UploadBytes,
		BypassURL:          conf.BypassURL,
		BypassMarker:       conf.BypassMarker,
	})
	return p
}

func (p *Prober) Options() Options { return *p.opts.Load() }

// OnSettingsUpdate implements settings.ConfigurableModule for the "probe" module.
func (p *Prober) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	s, ok := newSettings.(*settings.ProbeSettings)
	if !ok {
		return fmt.Errorf("probe: unexpected settings type %T for module %s", newSettings, moduleKey)
	}
	next := p.Options()
	next.Throughput = s.Throughput
	if s.LatencySamples > 0 {
		next.Samples = s.LatencySamples
	}
	p.opts.Store(&next)
	p.log.Info().Bool("throughput", next.Throughput).Int("samples", next.Samples).Msg("probe settings updated")
	return nil
}

// Probe builds a client for the engine inbound on port and runs the sequence.
func (p *Prober) Probe(ctx context.Context, inbound string, port int) (Report, error) {
	client, err := NewClient(inbound, port, p.requestTimeout)
	if err != nil {
		return Report{}, model.Wrap(model.KindConnectFailure, err, "probe client")
	}
	defer client.CloseIdleConnections()
	return p.Run(ctx, client)
}

// Run 依次执行延迟/抖动、吞吐 (可选) 与绕过探测。只有延迟探测失败才视为整体失败。
func (p *Prober) Run(ctx context.Context, client *http.Client) (Report, error) {
	opts := p.Options()
	var rep Report

	samples, err := p.latency(ctx, client, opts)
	if err != nil {
		return rep, classify(ctx, err)
	}
	rep.LatencyMS, rep.JitterMS = meanStddev(samples)

	if opts.Throughput {
		if opts.DownloadURL != "" {
			if mbps, err := download(ctx, client, opts.DownloadURL, opts.DownloadBytes); err == nil {
				rep.DownloadMbps = &mbps
			} else {
				p.log.Debug().Err(err).Msg("download probe failed")
			}
		}
		if opts.UploadURL != "" && opts.UploadBytes > 0 {
			if mbps, err := upload(ctx, client, opts.UploadURL, opts.UploadBytes); err == nil {
				rep.UploadMbps = &mbps
			} else {
				p.log.Debug().Err(err).Msg("upload probe failed")
			}
		}
	}

	if opts.BypassURL != "" {
		rep.Bypass = bypass(ctx, client, opts.BypassURL, opts.BypassMarker)
	}
	if err := ctx.Err(); err != nil {
		return rep, classify(ctx, err)
	}
	return rep, nil
}

// latency 收集 k 个往返样本；主目标第一次就失败时改用备用目标。
func (p *Prober) latency(ctx context.Context, client *http.Client, opts Options) ([]float64, error) {
	target := opts.LatencyURL
	var (
		samples []float64
		lastErr error
	)
	for i := 0; i < opts.Samples; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ms, err := roundTrip(ctx, client, target)
		if err != nil {
			lastErr = err
			if i == 0 && opts.LatencyFallbackURL != "" && target != opts.LatencyFallbackURL {
				target = opts.LatencyFallbackURL
				if ms, err = roundTrip(ctx, client, target); err != nil {
					lastErr = err
					continue
				}
			} else {
				continue
			}
		}
		samples = append(samples, ms)
	}
	if len(samples) == 0 {
		if lastErr == nil {
			lastErr = errors.New("no latency samples")
		}
		return nil, lastErr
	}
	return samples, nil
}

func roundTrip(ctx context.Context, client *http.Client, target string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("latency target returned %d", resp.StatusCode)
	}
	return float64(elapsed.Microseconds()) / 1000, nil
}

func download(ctx context.Context, client *http.Client, target string, limit int64) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit)
	}
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return 0, err
	}
	return mbps(n, time.Since(start))
}

func upload(ctx context.Context, client *http.Client, target string, size int64) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(make([]byte, size)))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("upload target returned %d", resp.StatusCode)
	}
	return mbps(size, time.Since(start))
}

func mbps(n int64, d time.Duration) (float64, error) {
	if n == 0 || d <= 0 {
		return 0, errors.New("empty transfer")
	}
	return float64(n) * 8 / d.Seconds() / 1e6, nil
}

// bypass 判定：受限资源返回非错误状态，且响应体包含预期标记。
// marker 为空时只看状态码。
func bypass(ctx context.Context, client *http.Client, target, marker string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return false
	}
	if marker == "" {
		return true
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, bypassReadLimit))
	return strings.Contains(string(body), marker)
}

func meanStddev(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return model.Wrap(model.KindProbeTimeout, err, "probe deadline exceeded")
	case ctx.Err() != nil:
		return model.Wrap(model.KindCancelled, err, "probe cancelled")
	}
	return model.Wrap(model.KindConnectFailure, err, "probe failed")
}
