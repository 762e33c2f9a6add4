package server

import (
	"testing"

	"github.com/gambitdev/gambit/dispatcher/domain"
	"github.com/gambitdev/gambit/fleet"
)

func testServer(id string, maxJobs int) fleet.ServerInfo {
	return fleet.ServerInfo{
		Id:            id,
		Name:          id,
		Host:          "127.0.0.1",
		Port:          9000,
		ThreadsPerJob: 1,
		MaxJobs:       maxJobs,
		Enabled:       true,
	}
}

// ensures a fresh registry starts every server Unknown with configured capacity
func Test_Registry_InitialState(t *testing.T) {
	r := newServerRegistry([]fleet.ServerInfo{testServer("srv1", 2), testServer("srv2", 0)})

	s := r.findServer("srv1")
	if s == nil {
		t.Fatalf("expected srv1 to be registered")
	}
	if s.runtime.Status != domain.ServerUnknown {
		t.Errorf("expected srv1 to start Unknown, got %s", s.runtime.Status)
	}
	if s.runtime.MaxJobs != 2 {
		t.Errorf("expected runtime maxJobs seeded from config, got %d", s.runtime.MaxJobs)
	}
	if s.runtime.RunningJobs != 0 || s.runtime.LoadPercent != 0.0 {
		t.Errorf("expected srv1 to start idle, got %s", s)
	}

	if s = r.findServer("srv2"); s.runtime.MaxJobs != 0 {
		t.Errorf("expected unbounded server to keep maxJobs 0, got %d", s.runtime.MaxJobs)
	}
	if r.findServer("nope") != nil {
		t.Errorf("expected lookup of unconfigured id to return nil")
	}
}

// ensures a usable preferred server wins even when it carries the worse load
func Test_Registry_PickHonorsPreferredServer(t *testing.T) {
	r := newServerRegistry([]fleet.ServerInfo{testServer("busy", 4), testServer("idle", 4)})
	r.updateServerRuntime("busy", domain.ServerOnline, 3, 4, 0, 0)
	r.updateServerRuntime("idle", domain.ServerOnline, 0, 4, 0, 0)

	if id, ok := r.pickServerForJob("busy"); !ok || id != "busy" {
		t.Errorf("expected preferred busy server to win, got %s/%t", id, ok)
	}
	if id, ok := r.pickServerForJob(""); !ok || id != "idle" {
		t.Errorf("expected least loaded server without a preference, got %s/%t", id, ok)
	}
}

// ensures an unusable preference falls through to normal selection
func Test_Registry_PickFallsThroughUnusablePreference(t *testing.T) {
	r := newServerRegistry([]fleet.ServerInfo{testServer("full", 1), testServer("open", 1)})
	r.updateServerRuntime("full", domain.ServerOnline, 1, 1, 0, 0)
	r.updateServerRuntime("open", domain.ServerOnline, 0, 1, 0, 0)

	if id, ok := r.pickServerForJob("full"); !ok || id != "open" {
		t.Errorf("expected fall through from full preferred server, got %s/%t", id, ok)
	}
	if id, ok := r.pickServerForJob("ghost"); !ok || id != "open" {
		t.Errorf("expected fall through from unconfigured preferred server, got %s/%t", id, ok)
	}

	r.updateServerRuntime("open", domain.ServerOffline, 0, 0, 0, 0)
	r.updateServerRuntime("full", domain.ServerOnline, 0, 1, 0, 0)
	if id, ok := r.pickServerForJob("open"); !ok || id != "full" {
		t.Errorf("expected fall through from offline preferred server, got %s/%t", id, ok)
	}
}

// ensures Online servers are picked ahead of Unknown ones regardless of load
func Test_Registry_PickPrefersOnlineOverUnknown(t *testing.T) {
	r := newServerRegistry([]fleet.ServerInfo{testServer("fresh", 4), testServer("known", 4)})
	r.updateServerRuntime("known", domain.ServerOnline, 3, 4, 0, 0)

	if id, ok := r.pickServerForJob(""); !ok || id != "known" {
		t.Errorf("expected loaded Online server over idle Unknown one, got %s/%t", id, ok)
	}

	r.updateServerRuntime("known", domain.ServerOffline, 0, 0, 0, 0)
	if id, ok := r.pickServerForJob(""); !ok || id != "fresh" {
		t.Errorf("expected Unknown fallback once Online pool is empty, got %s/%t", id, ok)
	}
}

// ensures load ties resolve to the first server in configuration order
func Test_Registry_PickBreaksTiesByConfigOrder(t *testing.T) {
	r := newServerRegistry([]fleet.ServerInfo{testServer("a", 2), testServer("b", 2), testServer("c", 2)})
	for _, id := range []string{"a", "b", "c"} {
		r.updateServerRuntime(id, domain.ServerOnline, 1, 2, 0, 0)
	}

	if id, ok := r.pickServerForJob(""); !ok || id != "a" {
		t.Errorf("expected config-order tie break, got %s/%t", id, ok)
	}
}

// ensures disabled, offline, full and degraded servers are never picked
func Test_Registry_PickSkipsUnavailableServers(t *testing.T) {
	disabled := testServer("disabled", 4)
	disabled.Enabled = false
	r := newServerRegistry([]fleet.ServerInfo{
		disabled, testServer("offline", 4), testServer("full", 1), testServer("degraded", 4),
	})
	r.updateServerRuntime("offline", domain.ServerOffline, 0, 0, 0, 0)
	r.updateServerRuntime("full", domain.ServerOnline, 1, 1, 0, 0)
	r.updateServerRuntime("degraded", domain.ServerDegraded, 1, 4, 0, 0)

	if id, ok := r.pickServerForJob(""); ok {
		t.Errorf("expected no pick from an unavailable fleet, got %s", id)
	}
	if id, ok := r.pickServerForJob("degraded"); ok {
		t.Errorf("expected degraded server to be rejected even as a preference, got %s", id)
	}
}

// ensures a server with no job limit anywhere is always available
func Test_Registry_UnboundedServerNeverFills(t *testing.T) {
	r := newServerRegistry([]fleet.ServerInfo{testServer("open", 0)})
	r.updateServerRuntime("open", domain.ServerOnline, 50, 0, 0, 0)

	s := r.findServer("open")
	if !isAvailable(s) {
		t.Errorf("expected unbounded server to stay available at any load")
	}
	if computeLoad(s) != 0.0 || s.runtime.LoadPercent != 0.0 {
		t.Errorf("expected unbounded server to report zero load, got %s", s)
	}
}

// ensures status reports update runtime state and sticky hardware info
func Test_Registry_UpdateServerRuntime(t *testing.T) {
	r := newServerRegistry([]fleet.ServerInfo{testServer("srv1", 2)})

	r.updateServerRuntime("srv1", domain.ServerOnline, 1, 4, 2, 16)
	s := r.findServer("srv1")
	if s.runtime.Status != domain.ServerOnline || s.runtime.RunningJobs != 1 {
		t.Errorf("expected Online with one running job, got %s", s)
	}
	if s.runtime.MaxJobs != 4 || s.info.MaxJobs != 4 {
		t.Errorf("expected reported maxJobs to stick to config, got runtime %d info %d",
			s.runtime.MaxJobs, s.info.MaxJobs)
	}
	if s.runtime.ThreadsPerJob != 2 || s.runtime.LogicalCores != 16 {
		t.Errorf("expected hardware info update, got %+v", s.runtime)
	}
	if s.runtime.LoadPercent != 25.0 {
		t.Errorf("expected load 25%%, got %.1f", s.runtime.LoadPercent)
	}

	// A report without a limit falls back to the (now updated) config limit.
	r.updateServerRuntime("srv1", domain.ServerOnline, -3, 0, 0, 0)
	if s.runtime.RunningJobs != 0 {
		t.Errorf("expected negative running count clamped to 0, got %d", s.runtime.RunningJobs)
	}
	if s.runtime.MaxJobs != 4 {
		t.Errorf("expected maxJobs backfilled from config, got %d", s.runtime.MaxJobs)
	}
	if s.runtime.ThreadsPerJob != 2 || s.runtime.LogicalCores != 16 {
		t.Errorf("expected zero hardware fields to leave info alone, got %+v", s.runtime)
	}

	before := *s
	r.updateServerRuntime("stranger", domain.ServerOnline, 1, 1, 0, 0)
	if *r.findServer("srv1") != before {
		t.Errorf("expected report for unconfigured server to change nothing")
	}
}

// ensures slot accounting moves load and never goes negative
func Test_Registry_ReserveAndReleaseSlot(t *testing.T) {
	r := newServerRegistry([]fleet.ServerInfo{testServer("srv1", 2)})

	r.reserveSlot("srv1")
	s := r.findServer("srv1")
	if s.runtime.RunningJobs != 1 || s.runtime.LoadPercent != 50.0 {
		t.Errorf("expected one reserved slot at 50%% load, got %s", s)
	}
	r.reserveSlot("srv1")
	if isAvailable(s) {
		t.Errorf("expected server full after reserving both slots")
	}

	r.releaseSlot("srv1")
	r.releaseSlot("srv1")
	r.releaseSlot("srv1")
	if s.runtime.RunningJobs != 0 || s.runtime.LoadPercent != 0.0 {
		t.Errorf("expected release to floor at zero, got %s", s)
	}

	r.reserveSlot("stranger")
	r.releaseSlot("stranger")
}

// ensures reserving against a server that never reported backfills its limit
func Test_Registry_ReserveSlotBackfillsMaxJobs(t *testing.T) {
	r := newServerRegistry([]fleet.ServerInfo{testServer("srv1", 2)})
	s := r.findServer("srv1")
	s.runtime.MaxJobs = 0

	r.reserveSlot("srv1")
	if s.runtime.MaxJobs != 2 {
		t.Errorf("expected configured limit backfilled on reserve, got %d", s.runtime.MaxJobs)
	}
	if s.runtime.LoadPercent != 50.0 {
		t.Errorf("expected load recomputed against backfilled limit, got %.1f", s.runtime.LoadPercent)
	}
}

// ensures views are copies and cannot mutate registry state
func Test_Registry_ServerViewsAreCopies(t *testing.T) {
	r := newServerRegistry([]fleet.ServerInfo{testServer("srv1", 2), testServer("srv2", 1)})
	views := r.serverViews()
	if len(views) != 2 || views[0].Info.Id != "srv1" || views[1].Info.Id != "srv2" {
		t.Fatalf("expected views in configuration order, got %+v", views)
	}

	views[0].Runtime.RunningJobs = 99
	if r.findServer("srv1").runtime.RunningJobs != 0 {
		t.Errorf("expected view mutation to leave registry untouched")
	}
}
