package app

import (
	"v2tester_nexus/internal/core/events"
	"v2tester_nexus/internal/model"
	"v2tester_nexus/internal/service/web"
	"v2tester_nexus/internal/shared/runstatus"
	"v2tester_nexus/internal/store"
)

// AppServer must implement the web Controller interface.
var _ web.Controller = (*AppServer)(nil)

func (s *AppServer) Status() runstatus.Status { return s.status.Get() }

func (s *AppServer) Progress() events.ProgressInfo { return s.orch.Progress() }

// Results returns the successes of the current or last scan, fastest first.
func (s *AppServer) Results() []model.TestResult { return s.sink.Results() }

// LastSummary returns the summary of the last finished scan.
func (s *AppServer) LastSummary() (model.RunSummary, bool) {
	if p := s.lastSummary.Load(); p != nil {
		return *p, true
	}
	return model.RunSummary{}, false
}

func (s *AppServer) Blacklist() []store.BlacklistRecord { return s.tracker.Snapshot() }

// TriggerRescan queues one scan for Serve. It returns false while a scan is
// running or another one is already queued.
func (s *AppServer) TriggerRescan() bool {
	if s.scanning.Load() {
		return false
	}
	select {
	case s.rescan <- struct{}{}:
		return true
	default:
		return false
	}
}
