// Package orchestrator owns the descriptor queue and drives workers through
// validate, translate and execute. A single coordinator goroutine is the only
// writer of the tracker, controller, sink and summary; workers only compute.
package orchestrator

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"v2tester_nexus/internal/core/adaptive"
	"v2tester_nexus/internal/core/events"
	"v2tester_nexus/internal/core/sink"
	"v2tester_nexus/internal/core/tracker"
	"v2tester_nexus/internal/descriptor"
	"v2tester_nexus/internal/model"
	"v2tester_nexus/internal/shared/logger"
	"v2tester_nexus/internal/shared/types"
	"v2tester_nexus/internal/translator"
)

// ErrRunInProgress is returned when Run is called while another run is active.
var ErrRunInProgress = errors.New("orchestrator: run already in progress")

// Executor runs one translated config.
type Executor interface {
	Run(ctx context.Context, cfg *model.TranslatedConfig, timeout time.Duration) model.TestResult
}

// CountryLookup annotates successful results; optional.
type CountryLookup interface {
	Country(ctx context.Context, host string) (string, error)
}

// Recorder receives the URI of every success as soon as it is found.
type Recorder interface {
	Write(uri string) (bool, error)
}

type Options struct {
	Timeout        time.Duration
	RunDeadline    time.Duration
	MaxSuccess     int
	RetryTransient bool
	Prioritize     bool
}

// OptionsFrom reads the [tester] section.
func OptionsFrom(conf types.TesterConf) Options {
	return Options{
		Timeout:        conf.Timeout,
		RunDeadline:    conf.RunDeadline,
		MaxSuccess:     conf.MaxSuccess,
		RetryTransient: conf.RetryTransient,
		Prioritize:     conf.Prioritize,
	}
}

// Deps 是编排器依赖的组件。Geo 可以为 nil。
type Deps struct {
	Policy     *descriptor.Policy
	Executor   Executor
	Tracker    *tracker.Tracker
	Controller *adaptive.Controller
	Sink       *sink.Sink
	Bus        *events.Bus
	Geo        CountryLookup
}

type Orchestrator struct {
	deps     Deps
	opts     Options
	running  atomic.Bool
	progress atomic.Pointer[events.ProgressInfo]
	log      zerolog.Logger
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Sink == nil {
		deps.Sink = sink.New()
	}
	return &Orchestrator{deps: deps, opts: opts, log: logger.WithComponent("Orchestrator")}
}

// Running reports whether a run is active.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Progress returns the latest progress snapshot, or a zero value before the
// first run.
func (o *Orchestrator) Progress() events.ProgressInfo {
	if p := o.progress.Load(); p != nil {
		return *p
	}
	return events.ProgressInfo{}
}

func (o *Orchestrator) Tracker() *tracker.Tracker { return o.deps.Tracker }
func (o *Orchestrator) Sink() *sink.Sink          { return o.deps.Sink }
func (o *Orchestrator) Bus() *events.Bus          { return o.deps.Bus }

type item struct {
	desc    model.Descriptor
	attempt int
}

type outcome struct {
	item item
	host string
	res  model.TestResult
}

// run 保存一轮运行中仅由协调 goroutine 读写的状态。
type run struct {
	id       string
	queue    []item
	parked   []item // 等待端口释放的描述符
	inFlight int
	done     int
	total    int
	summary  model.RunSummary
	stopping bool
	fatal    error
	recorder Recorder
}

// Run tests every descriptor and returns the summary once the queue is
// drained and all workers are idle. A ProcessSpawnFailure cancels in-flight
// work and is returned as the error. Cancelling ctx or exceeding the run
// deadline stops dispatching, cancels stragglers and marks the summary
// aborted. A descriptor that finds no free local port waits until an
// in-flight test returns; with nothing in flight it is dropped and counted
// as PoolExhausted. rec may be nil.
func (o *Orchestrator) Run(ctx context.Context, descs []model.Descriptor, rec Recorder) (model.RunSummary, error) {
	if !o.running.CompareAndSwap(false, true) {
		return model.RunSummary{}, ErrRunInProgress
	}
	defer o.running.Store(false)

	r := &run{id: uuid.NewString(), recorder: rec}
	r.summary = model.NewRunSummary(r.id)
	r.summary.Queued = len(descs)
	r.total = len(descs)

	ordered := append([]model.Descriptor(nil), descs...)
	if o.opts.Prioritize {
		descriptor.SortByPriority(ordered)
	}
	r.queue = make([]item, 0, len(ordered))
	for _, d := range ordered {
		r.queue = append(r.queue, item{desc: d, attempt: 1})
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var deadline <-chan time.Time
	if o.opts.RunDeadline > 0 {
		t := time.NewTimer(o.opts.RunDeadline)
		defer t.Stop()
		deadline = t.C
	}

	log := o.log.With().Str("run_id", r.id).Logger()
	log.Info().Int("queued", r.total).Int("concurrency", o.deps.Controller.Current()).Msg("run started")
	o.publish(events.Event{Type: events.RunStarted, RunID: r.id})
	o.storeProgress(r)

	results := make(chan outcome)
	var cooldown <-chan time.Time
	parentDone := ctx.Done()

	for {
		if !r.stopping && cooldown == nil && len(r.parked) == 0 {
			cooldown = o.dispatch(runCtx, r, results)
		}
		if r.inFlight == 0 && (r.stopping || len(r.queue) == 0) {
			break
		}

		select {
		case oc := <-results:
			r.inFlight--
			o.handle(r, oc, cancel)
			// 其他结果返回时其端口已经释放
			if oc.res.Kind != model.KindPoolExhausted || r.inFlight == 0 {
				r.unpark()
			}
		case <-cooldown:
			cooldown = nil
		case <-deadline:
			deadline = nil
			o.stop(r, cancel, "run deadline exceeded")
		case <-parentDone:
			parentDone = nil
			o.stop(r, cancel, "cancelled")
		}
		o.storeProgress(r)
	}

	r.summary.Duration = time.Since(r.summary.StartedAt)
	summary := r.summary
	o.publish(events.Event{Type: events.RunFinished, RunID: r.id, Summary: &summary})
	log.Info().
		Int("attempted", summary.Attempted).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("blacklisted", summary.Blacklisted).
		Int("skipped", summary.Skipped).
		Bool("aborted", summary.Aborted).
		Dur("duration", summary.Duration).
		Msg("run finished")

	if r.fatal != nil {
		log.Error().Err(r.fatal).Msg("run aborted by fatal error")
		return summary, r.fatal
	}
	return summary, nil
}

// dispatch 在并发额度内启动 worker。冷却期间返回一个计时器通道。
func (o *Orchestrator) dispatch(ctx context.Context, r *run, results chan<- outcome) <-chan time.Time {
	for len(r.queue) > 0 && r.inFlight < o.deps.Controller.Current() {
		if wait := o.deps.Controller.CooldownRemaining(); wait > 0 {
			o.log.Debug().Dur("wait", wait).Msg("cooling down before next dispatch")
			return time.After(wait)
		}
		it := r.queue[0]
		r.queue[0] = item{}
		r.queue = r.queue[1:]

		if o.deps.Tracker.IsBlacklisted(it.desc.Fingerprint) {
			r.summary.Skipped++
			r.done++
			o.publish(events.Event{Type: events.Skipped, RunID: r.id, Fingerprint: it.desc.Fingerprint})
			continue
		}

		r.inFlight++
		r.summary.Attempted++
		o.publish(events.Event{Type: events.Attempted, RunID: r.id, Fingerprint: it.desc.Fingerprint})
		go func(it item) {
			results <- o.work(ctx, it)
		}(it)
	}
	return nil
}

// work runs on a worker goroutine and touches no shared run state.
func (o *Orchestrator) work(ctx context.Context, it item) outcome {
	oc := outcome{item: it}
	v, err := o.deps.Policy.Validate(it.desc)
	if err != nil {
		oc.res = failed(it.desc, err)
		return oc
	}
	oc.host = v.Host()
	cfg, err := translator.Translate(v)
	if err != nil {
		oc.res = failed(v.Descriptor(), err)
		return oc
	}

	oc.res = o.deps.Executor.Run(ctx, cfg, o.opts.Timeout)
	if oc.res.Success && o.deps.Geo != nil {
		if country, err := o.deps.Geo.Country(ctx, cfg.Address); err == nil {
			oc.res.Country = country
		} else {
			o.log.Debug().Err(err).Str("host", cfg.Address).Msg("geoip lookup failed")
		}
	}
	return oc
}

func failed(d model.Descriptor, err error) model.TestResult {
	kind := model.KindOf(err)
	if kind == model.KindNone {
		kind = model.KindMalformedDescriptor
	}
	return model.TestResult{
		Fingerprint: d.Fingerprint,
		Protocol:    d.Protocol,
		Kind:        kind,
		Detail:      err.Error(),
		Err:         err,
		TestedAt:    time.Now(),
	}
}

// handle 在协调 goroutine 中处理一个结果：更新追踪器、控制器、结果汇与摘要。
func (o *Orchestrator) handle(r *run, oc outcome, cancel context.CancelFunc) {
	res := oc.res
	res.URI = oc.item.desc.Raw
	res.Attempt = oc.item.attempt
	if res.Protocol == model.ProtoUnknown {
		res.Protocol = oc.item.desc.Protocol
	}
	fp := oc.item.desc.Fingerprint
	kind := res.Kind

	switch {
	case res.Success:
		o.deps.Tracker.RecordSuccess(fp)
		o.deps.Controller.Observe(true)
		o.deps.Sink.Push(res)
		r.summary.Succeeded++
		r.done++
		if r.recorder != nil {
			if _, err := r.recorder.Write(res.URI); err != nil {
				o.log.Warn().Err(err).Msg("failed to record working descriptor")
			}
		}
		o.publish(events.Event{Type: events.Succeeded, RunID: r.id, Fingerprint: fp, Result: &res})
		if o.opts.MaxSuccess > 0 && r.summary.Succeeded >= o.opts.MaxSuccess && !r.stopping {
			o.log.Info().Int("max_success", o.opts.MaxSuccess).Msg("success target reached, stopping")
			r.stopping = true
			r.summary.AbortReason = "max_success reached"
			cancel()
		}
		return

	case kind.Fatal():
		r.summary.Errored[kind]++
		r.summary.Failed++
		r.done++
		if r.fatal == nil {
			r.fatal = res.Err
			if r.fatal == nil {
				r.fatal = model.Errorf(kind, "%s", res.Detail)
			}
			o.stop(r, cancel, "engine cannot be spawned")
		}

	case kind.Permanent():
		r.summary.Errored[kind]++
		r.summary.Failed++
		r.done++
		o.log.Debug().Str("fingerprint", fp).Str("kind", string(kind)).Str("detail", res.Detail).Msg("descriptor rejected")

	case kind == model.KindCancelled:
		r.summary.Errored[kind]++
		r.done++

	case kind == model.KindPoolExhausted:
		// 没拿到端口，不算一次尝试
		r.summary.Attempted--
		switch {
		case r.stopping:
			r.done++
		case r.inFlight > 0:
			r.parked = append(r.parked, oc.item)
		default:
			// 没有在途任务会释放端口，端口被其他程序占用
			r.summary.Errored[kind]++
			r.done++
			o.log.Warn().Str("fingerprint", fp).Msg("no local port available and nothing in flight, dropping descriptor")
		}

	default:
		o.deps.Controller.Observe(false)
		r.summary.Errored[kind]++
		r.summary.Failed++
		host := oc.host
		if host == "" {
			host, _, _ = net.SplitHostPort(res.Address)
		}
		if o.deps.Tracker.RecordFailure(fp, res.Protocol, host) {
			r.summary.Blacklisted++
			r.done++
			o.publish(events.Event{Type: events.Blacklisted, RunID: r.id, Fingerprint: fp, Result: &res})
		} else if o.opts.RetryTransient && !r.stopping {
			r.summary.Retried++
			r.queue = append(r.queue, item{desc: oc.item.desc, attempt: oc.item.attempt + 1})
		} else {
			r.done++
		}
	}
}

// unpark 把等待端口的描述符放回队首。
func (r *run) unpark() {
	if len(r.parked) == 0 {
		return
	}
	r.queue = append(r.parked, r.queue...)
	r.parked = nil
}

// stop 停止派发并取消在途任务，只记录第一次的原因。
func (o *Orchestrator) stop(r *run, cancel context.CancelFunc, reason string) {
	if !r.summary.Aborted {
		r.summary.Aborted = true
		r.summary.AbortReason = reason
		o.log.Warn().Str("reason", reason).Int("in_flight", r.inFlight).Int("queued", len(r.queue)).Msg("stopping run")
	}
	r.stopping = true
	cancel()
}

func (o *Orchestrator) storeProgress(r *run) {
	p := &events.ProgressInfo{
		Done:        r.done,
		Total:       r.total,
		InFlight:    r.inFlight,
		Concurrency: o.deps.Controller.Current(),
		Succeeded:   r.summary.Succeeded,
	}
	o.progress.Store(p)
	o.publish(events.Event{Type: events.Progress, RunID: r.id, Progress: p})
}

func (o *Orchestrator) publish(e events.Event) {
	e.At = time.Now()
	o.deps.Bus.Publish(e)
}
