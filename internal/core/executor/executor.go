// Package executor runs one translated configuration end to end: acquire a
// port, spawn the engine, probe through it, tear everything down.
package executor

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"v2tester_nexus/internal/core/probe"
	"v2tester_nexus/internal/engine"
	"v2tester_nexus/internal/model"
	"v2tester_nexus/internal/shared/logger"
	"v2tester_nexus/internal/shared/types"
)

// PortAllocator hands out exclusive local ports.
type PortAllocator interface {
	Acquire() (int, error)
	Release(port int)
}

// Process is a running engine instance.
type Process interface {
	WaitStartup(ctx context.Context, mode string, grace time.Duration) error
	Stop()
	Diagnostics() string
}

// Launcher spawns engine processes.
type Launcher interface {
	Start(ctx context.Context, cfg *model.TranslatedConfig, fragment bool) (Process, error)
	Inbound() string
}

// Prober measures a running engine through its local inbound.
type Prober interface {
	Probe(ctx context.Context, inbound string, port int) (probe.Report, error)
}

type engineLauncher struct {
	*engine.Launcher
}

// FromEngine adapts an engine.Launcher to the Launcher interface.
func FromEngine(l *engine.Launcher) Launcher {
	return engineLauncher{l}
}

func (l engineLauncher) Start(ctx context.Context, cfg *model.TranslatedConfig, fragment bool) (Process, error) {
	p, err := l.Launcher.Start(ctx, cfg, fragment)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Options 控制单次执行的行为。
type Options struct {
	StartupGrace     time.Duration
	StartupMode      string
	FragmentFallback bool
	// SNIFallback 在分片之后再用 SNIPool 中随机的服务器名重试一次 (仅 vless/vmess)
	SNIFallback bool
	SNIPool     []string
}

// OptionsFrom reads the [tester] section.
func OptionsFrom(conf types.TesterConf) Options {
	return Options{
		StartupGrace:     conf.StartupGrace,
		StartupMode:      conf.StartupMode,
		FragmentFallback: conf.FragmentFallback,
		SNIFallback:      conf.SNIFallback,
		SNIPool:          conf.SNIPool,
	}
}

type Executor struct {
	ports    PortAllocator
	launcher Launcher
	prober   Prober
	opts     Options
	pickSNI  func(pool []string) string
	log      zerolog.Logger
}

func New(ports PortAllocator, launcher Launcher, prober Prober, opts Options) *Executor {
	return &Executor{
		ports:    ports,
		launcher: launcher,
		prober:   prober,
		opts:     opts,
		pickSNI:  randomSNI,
		log:      logger.WithComponent("Executor"),
	}
}

// Run tests cfg within timeout and returns exactly one result. The engine
// process and the local port are released on every path before Run returns.
// A ProcessSpawnFailure result means no descriptor can be tested.
func (e *Executor) Run(ctx context.Context, cfg *model.TranslatedConfig, timeout time.Duration) model.TestResult {
	start := time.Now()
	res := model.TestResult{
		Fingerprint: cfg.Fingerprint,
		Protocol:    cfg.Protocol,
		Address:     net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		TestedAt:    start,
	}
	finish := func(err error) model.TestResult {
		res.Duration = time.Since(start)
		if err != nil {
			res.Success = false
			res.Err = err
			res.Kind = model.KindOf(err)
			if res.Kind == model.KindNone {
				res.Kind = model.KindConnectFailure
			}
			res.Detail = truncate(err.Error(), 512)
		} else {
			res.Success = true
		}
		return res
	}

	port, err := e.ports.Acquire()
	if err != nil {
		return finish(model.Wrap(model.KindPoolExhausted, err, "no local port"))
	}
	defer e.ports.Release(port)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bound := cfg.WithLocalPort(port)
	rep, err := e.attempt(ctx, runCtx, bound, false)
	if err != nil && model.KindOf(err) == model.KindConnectFailure && e.opts.FragmentFallback && engine.CanFragment(bound) && runCtx.Err() == nil {
		e.log.Debug().Str("fingerprint", cfg.Fingerprint).Msg("retrying with TLS hello fragmentation")
		res.Fragmented = true
		rep, err = e.attempt(ctx, runCtx, bound, true)
	}
	if err != nil && model.KindOf(err) == model.KindConnectFailure && e.opts.SNIFallback && len(e.opts.SNIPool) > 0 && engine.CanOverrideSNI(bound) && runCtx.Err() == nil {
		sni := e.pickSNI(e.opts.SNIPool)
		e.log.Debug().Str("fingerprint", cfg.Fingerprint).Str("sni", sni).Msg("retrying with a different server name")
		res.Fragmented = false
		res.CustomSNI = sni
		rep, err = e.attempt(ctx, runCtx, bound.WithSNI(sni), false)
	}
	if err != nil {
		e.log.Debug().Str("fingerprint", cfg.Fingerprint).Str("kind", string(model.KindOf(err))).Err(err).Msg("attempt failed")
		return finish(err)
	}

	res.LatencyMS = rep.LatencyMS
	res.JitterMS = rep.JitterMS
	res.DownloadMbps = rep.DownloadMbps
	res.UploadMbps = rep.UploadMbps
	res.Bypass = rep.Bypass
	return finish(nil)
}

// attempt 启动引擎、等待启动、探测；返回前总是停止进程。
func (e *Executor) attempt(parent, ctx context.Context, cfg *model.TranslatedConfig, fragment bool) (probe.Report, error) {
	proc, err := e.launcher.Start(ctx, cfg, fragment)
	if err != nil {
		return probe.Report{}, classify(parent, ctx, err)
	}
	defer proc.Stop()

	if err := proc.WaitStartup(ctx, e.opts.StartupMode, e.opts.StartupGrace); err != nil {
		return probe.Report{}, classify(parent, ctx, err)
	}
	rep, err := e.prober.Probe(ctx, e.launcher.Inbound(), cfg.LocalPort)
	if err != nil {
		return rep, classify(parent, ctx, err)
	}
	return rep, nil
}

// classify 将上下文结束转换为明确的失败类型：父上下文取消为 Cancelled，
// 单次超时为 ProbeTimeout。
func classify(parent, ctx context.Context, err error) error {
	if kind := model.KindOf(err); kind == model.KindProcessSpawnFailure || kind == model.KindProcessExitedImmediately {
		return err
	}
	switch {
	case parent.Err() != nil:
		return model.Wrap(model.KindCancelled, err, "run cancelled")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		if model.KindOf(err) == model.KindProbeTimeout {
			return err
		}
		return model.Wrap(model.KindProbeTimeout, err, "descriptor timeout")
	}
	if model.KindOf(err) == model.KindNone {
		return model.Wrap(model.KindConnectFailure, err, "attempt failed")
	}
	return err
}

func randomSNI(pool []string) string {
	return pool[rand.IntN(len(pool))]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
