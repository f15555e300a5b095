package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"v2tester_nexus/internal/core/adaptive"
	"v2tester_nexus/internal/core/events"
	"v2tester_nexus/internal/core/executor"
	"v2tester_nexus/internal/core/orchestrator"
	"v2tester_nexus/internal/core/portpool"
	"v2tester_nexus/internal/core/probe"
	"v2tester_nexus/internal/core/sink"
	"v2tester_nexus/internal/core/tracker"
	"v2tester_nexus/internal/descriptor"
	"v2tester_nexus/internal/engine"
	"v2tester_nexus/internal/geoip"
	"v2tester_nexus/internal/model"
	"v2tester_nexus/internal/service/web"
	"v2tester_nexus/internal/shared/logger"
	"v2tester_nexus/internal/shared/runstatus"
	"v2tester_nexus/internal/shared/settings"
	"v2tester_nexus/internal/shared/types"
	"v2tester_nexus/internal/store"
)

// Options 是命令行提供的附加参数。
type Options struct {
	// Inputs are local descriptor files tested in addition to sources.json.
	Inputs []string
}

// AppServer is the application's main struct. It owns every long-lived
// component and runs scans one at a time.
type AppServer struct {
	cfg         *types.Config
	configDir   string
	sourcesPath string
	outputDir   string
	inputs      []string

	settingsManager *settings.SettingsManager
	status          *runstatus.StatusManager

	launcher   *engine.Launcher
	ports      *portpool.Pool
	prober     *probe.Prober
	controller *adaptive.Controller
	tracker    *tracker.Tracker
	blacklist  *store.FileBlacklist
	sink       *sink.Sink
	bus        *events.Bus
	orch       *orchestrator.Orchestrator
	hub        *web.Hub

	scanning    atomic.Bool
	rescan      chan struct{}
	lastSummary atomic.Pointer[model.RunSummary]
	httpServer  *http.Server

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New builds every component from cfg. Relative file paths in cfg are
// resolved against configDir.
func New(cfg *types.Config, configDir string, opts Options) (*AppServer, error) {
	s := &AppServer{
		cfg:         cfg,
		configDir:   configDir,
		sourcesPath: resolvePath(configDir, cfg.SourcesConf.File),
		outputDir:   cfg.OutputConf.Dir,
		inputs:      opts.Inputs,
		status:      runstatus.New(),
		rescan:      make(chan struct{}, 1),
		bus:         events.NewBus(),
		sink:        sink.New(),
		hub:         web.NewHub(),
	}

	settingsPath := ""
	if configDir != "" {
		settingsPath = filepath.Join(configDir, "settings.json")
	}
	sm, err := settings.NewSettingsManager(settingsPath, settings.DefaultsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize settings manager: %w", err)
	}
	s.settingsManager = sm

	if s.launcher, err = engine.NewLauncher(cfg.CommonConf); err != nil {
		return nil, err
	}
	if s.ports, err = portpool.New(cfg.PortsConf); err != nil {
		return nil, err
	}
	s.prober = probe.New(cfg.ProbeConf)
	s.controller = adaptive.New(cfg.AdaptiveConf)
	// 并发度不能超过本地端口数
	s.controller.LimitCeiling(cfg.PortsConf.Size)

	// settings.json 中的值优先于 ini 默认值
	initial := sm.Get()
	if err := s.controller.OnSettingsUpdate("adaptive", initial.Adaptive); err != nil {
		return nil, fmt.Errorf("invalid adaptive settings: %w", err)
	}
	if err := s.prober.OnSettingsUpdate("probe", initial.Probe); err != nil {
		return nil, fmt.Errorf("invalid probe settings: %w", err)
	}
	sm.Register("adaptive", s.controller)
	sm.Register("probe", s.prober)

	s.blacklist = store.NewFileBlacklist(resolvePath(configDir, cfg.BlacklistConf.File))
	s.tracker = tracker.New(cfg.BlacklistConf.Threshold, s.blacklist)
	if cfg.BlacklistConf.Preload {
		recs, err := s.blacklist.Load()
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to preload blacklist, starting empty.")
		} else {
			s.tracker.Preseed(recs)
		}
	}

	exec := executor.New(s.ports, executor.FromEngine(s.launcher), s.prober, executor.OptionsFrom(cfg.TesterConf))
	deps := orchestrator.Deps{
		Policy:     descriptor.NewPolicy(cfg.SecurityConf),
		Executor:   exec,
		Tracker:    s.tracker,
		Controller: s.controller,
		Sink:       s.sink,
		Bus:        s.bus,
	}
	if cfg.GeoIPConf.Enabled {
		deps.Geo = geoip.New(cfg.GeoIPConf)
	}
	s.orch = orchestrator.New(deps, orchestrator.OptionsFrom(cfg.TesterConf))
	s.status.Set(runstatus.Idle, "")
	return s, nil
}

// Preflight checks the engine binary and direct network reachability before
// any descriptor is dequeued. A failure is run-fatal.
func (s *AppServer) Preflight(ctx context.Context) error {
	version, err := s.launcher.Preflight(ctx)
	if err != nil {
		s.status.Set(runstatus.Failed, err.Error())
		return err
	}
	if version != "" {
		logger.Info().Str("version", version).Msg("Engine ready.")
	}
	// 本机断网时所有描述符都会失败并被拉黑，直接终止
	if err := probe.CheckNetwork(ctx, s.cfg.ProbeConf.NetworkCheckURLs, s.cfg.ProbeConf.RequestTimeout); err != nil {
		s.status.Set(runstatus.Failed, err.Error())
		return err
	}
	return nil
}

// Serve starts the web API, the websocket hub and the progress monitor, then
// runs a scan every time a rescan is triggered until ctx is done.
func (s *AppServer) Serve(ctx context.Context) error {
	l := logger.WithComponent("App")

	s.waitGroup.Add(3)
	go func() { defer s.waitGroup.Done(); s.hub.Run(ctx) }()
	go func() { defer s.waitGroup.Done(); s.hub.Forward(ctx, s.bus) }()
	go func() { defer s.waitGroup.Done(); s.progressLoop(ctx, 5*time.Second) }()

	mux := web.NewMux(s.cfg.WebConf, s.settingsManager, s, s.hub)
	srv, err := web.StartServer(&s.waitGroup, s.cfg.WebConf, mux)
	if err != nil {
		return err
	}
	s.httpServer = srv

	for {
		select {
		case <-ctx.Done():
			l.Info().Msg("Shutdown requested.")
			return nil
		case <-s.rescan:
			if _, err := s.RunScan(ctx); err != nil {
				l.Error().Err(err).Msg("Rescan failed.")
			}
		}
	}
}

// Stop gracefully shuts down the server.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("Web server shutdown error.")
			}
		}
		if err := s.blacklist.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close blacklist file.")
		}
	})
}

// Wait blocks until every background goroutine has exited.
func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}

// progressLoop 订阅事件总线，定期输出一行进度日志。
func (s *AppServer) progressLoop(ctx context.Context, every time.Duration) {
	l := logger.WithComponent("App")
	ch, cancel := s.bus.Subscribe(256)
	defer cancel()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var latest *events.ProgressInfo
	dirty := false
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch e.Type {
			case events.Progress:
				latest, dirty = e.Progress, true
			case events.Blacklisted:
				l.Info().Str("fingerprint", e.Fingerprint).Msg("Descriptor blacklisted.")
			}
		case <-ticker.C:
			if dirty && latest != nil {
				l.Info().
					Int("done", latest.Done).
					Int("total", latest.Total).
					Int("in_flight", latest.InFlight).
					Int("concurrency", latest.Concurrency).
					Int("succeeded", latest.Succeeded).
					Msg("Progress")
				dirty = false
			}
		case <-ctx.Done():
			return
		}
	}
}
