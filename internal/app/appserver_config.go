package app

import (
	"context"
	"fmt"
	"path/filepath"

	"v2tester_nexus/internal/core/orchestrator"
	"v2tester_nexus/internal/descriptor"
	"v2tester_nexus/internal/model"
	"v2tester_nexus/internal/shared/config"
	"v2tester_nexus/internal/shared/logger"
	"v2tester_nexus/internal/shared/runstatus"
	"v2tester_nexus/internal/source"
	"v2tester_nexus/internal/store"
)

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) || dir == "" {
		return p
	}
	return filepath.Join(dir, p)
}

// loadSources 每次扫描都重新读取 sources.json，命令行输入文件附加在后面。
func (s *AppServer) loadSources() []source.Source {
	profiles, err := config.LoadSources(s.sourcesPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", s.sourcesPath).Msg("Failed to load sources, using command line inputs only.")
		profiles = nil
	}
	for _, p := range profiles {
		if p != nil && p.Kind == "file" {
			p.URL = resolvePath(s.configDir, p.URL)
		}
	}
	sources := source.FromProfiles(profiles)
	for _, in := range s.inputs {
		sources = append(sources, source.NewFile(filepath.Base(in), in))
	}
	return sources
}

// RunScan collects descriptors from every source, tests them and persists
// results.json and working.txt. Only one scan runs at a time.
func (s *AppServer) RunScan(ctx context.Context) (model.RunSummary, error) {
	l := logger.WithComponent("App")
	if !s.scanning.CompareAndSwap(false, true) {
		return model.RunSummary{}, orchestrator.ErrRunInProgress
	}
	defer s.scanning.Store(false)

	s.status.Set(runstatus.Collecting, "")
	lines := source.Collect(ctx, s.loadSources(), s.cfg.SourcesConf.Concurrency)
	descs := descriptor.FromLines(lines, "scan")
	l.Info().Int("descriptors", len(descs)).Msg("Descriptors collected.")

	s.sink.Reset()
	var rec orchestrator.Recorder
	working, err := store.NewWorkingWriter(s.outputDir)
	if err != nil {
		l.Warn().Err(err).Msg("Working file unavailable, successes are only kept in memory.")
	} else {
		rec = working
	}

	s.status.Set(runstatus.Testing, fmt.Sprintf("%d descriptors queued", len(descs)))
	summary, runErr := s.orch.Run(ctx, descs, rec)
	if working != nil {
		if err := working.Close(); err != nil {
			l.Warn().Err(err).Msg("Failed to close working file.")
		}
	}

	if path, err := store.SaveResults(s.outputDir, summary, s.sink.Results()); err != nil {
		l.Error().Err(err).Msg("Failed to save results.")
	} else {
		l.Info().Str("path", path).Msg("Results saved.")
	}
	s.lastSummary.Store(&summary)

	switch {
	case runErr != nil:
		s.status.Set(runstatus.Failed, runErr.Error())
	case summary.Aborted:
		s.status.Set(runstatus.Finished, "aborted: "+summary.AbortReason)
	default:
		s.status.Set(runstatus.Finished, fmt.Sprintf("%d of %d working", summary.Succeeded, summary.Queued))
	}
	return summary, runErr
}
