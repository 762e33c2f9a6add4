package server

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gambitdev/gambit/dispatcher/domain"
	"github.com/gambitdev/gambit/fleet"
)

// serverState pairs a server's static configuration with the live state
// reported by (or assumed about) that server. The static side changes only
// when a server_status message carries authoritative hardware info.
type serverState struct {
	info    fleet.ServerInfo
	runtime domain.ServerRuntimeState
}

func (s *serverState) String() string {
	return fmt.Sprintf("{id:%s, status:%s, running:%d, max:%d, load:%.0f%%}",
		s.info.Id, s.runtime.Status, s.runtime.RunningJobs, s.runtime.MaxJobs, s.runtime.LoadPercent)
}

// ServerView is a read-only copy of one server's state, safe to hand to
// callers outside the dispatcher loop.
type ServerView struct {
	Info    fleet.ServerInfo
	Runtime domain.ServerRuntimeState
}

// serverRegistry owns the fleet state. Servers keep their configuration
// order, which doubles as the tie-break order for placement. All methods
// run on the dispatcher loop, so there is no locking here.
type serverRegistry struct {
	servers []*serverState
}

func newServerRegistry(servers []fleet.ServerInfo) *serverRegistry {
	r := &serverRegistry{}
	for _, info := range servers {
		s := &serverState{info: info}
		s.runtime.Status = domain.ServerUnknown
		if info.MaxJobs > 0 {
			s.runtime.MaxJobs = info.MaxJobs
		}
		s.runtime.ThreadsPerJob = info.ThreadsPerJob
		s.runtime.LogicalCores = info.Cores
		s.runtime.LastSeen = time.Now()
		r.servers = append(r.servers, s)
	}
	return r
}

func (r *serverRegistry) findServer(id string) *serverState {
	for _, s := range r.servers {
		if s.info.Id == id {
			return s
		}
	}
	return nil
}

// effectiveMaxJobs resolves a server's capacity: the runtime-reported limit
// if the server has sent one, else the configured limit, else 0 (unbounded).
func effectiveMaxJobs(s *serverState) int {
	if s.runtime.MaxJobs > 0 {
		return s.runtime.MaxJobs
	}
	if s.info.MaxJobs > 0 {
		return s.info.MaxJobs
	}
	return 0
}

// isAvailable reports whether a server can accept one more job. Degraded
// servers still count as available here; placement tiers filter them out.
func isAvailable(s *serverState) bool {
	if !s.info.Enabled {
		return false
	}
	if s.runtime.Status == domain.ServerOffline {
		return false
	}
	if max := effectiveMaxJobs(s); max > 0 && s.runtime.RunningJobs >= max {
		return false
	}
	return true
}

func computeLoad(s *serverState) float64 {
	max := effectiveMaxJobs(s)
	if max <= 0 {
		return 0.0
	}
	return float64(s.runtime.RunningJobs) / float64(max)
}

// pickServerForJob chooses a server for placement. A usable preferred server
// wins outright regardless of load. Otherwise the least-loaded available
// Online server wins, falling back to Unknown servers that have never been
// heard from. An Unknown pick is a deliberate liveness bet: an untested
// server beats no server. Returns ("", false) when nothing can take the job.
func (r *serverRegistry) pickServerForJob(preferredId string) (string, bool) {
	if preferredId != "" {
		if s := r.findServer(preferredId); s != nil {
			if isAvailable(s) &&
				(s.runtime.Status == domain.ServerOnline || s.runtime.Status == domain.ServerUnknown) {
				return s.info.Id, true
			}
		}
	}

	pickFrom := func(wanted domain.ServerStatus) *serverState {
		var best *serverState
		bestLoad := 0.0
		for _, s := range r.servers {
			if !isAvailable(s) {
				continue
			}
			if s.runtime.Status != wanted {
				continue
			}
			if load := computeLoad(s); best == nil || load < bestLoad {
				best = s
				bestLoad = load
			}
		}
		return best
	}

	if best := pickFrom(domain.ServerOnline); best != nil {
		return best.info.Id, true
	}
	if best := pickFrom(domain.ServerUnknown); best != nil {
		return best.info.Id, true
	}
	return "", false
}

// updateServerRuntime applies a server_status report (or a synthesized one,
// like the Offline report on disconnect). A reported maxJobs sticks to the
// configured limit as well, so a restart of this process remembers nothing
// but a reconnect re-learns it from the next report. Unknown ids are
// ignored; reports are only accepted for configured servers.
func (r *serverRegistry) updateServerRuntime(id string, status domain.ServerStatus, runningJobs, maxJobs, threadsPerJob, logicalCores int) {
	s := r.findServer(id)
	if s == nil {
		log.Debugf("Ignoring status report for unconfigured server %s", id)
		return
	}

	s.runtime.Status = status
	s.runtime.RunningJobs = runningJobs
	if s.runtime.RunningJobs < 0 {
		s.runtime.RunningJobs = 0
	}

	if maxJobs > 0 {
		s.runtime.MaxJobs = maxJobs
		s.info.MaxJobs = maxJobs
	} else if s.info.MaxJobs > 0 {
		s.runtime.MaxJobs = s.info.MaxJobs
	}

	if threadsPerJob > 0 {
		s.runtime.ThreadsPerJob = threadsPerJob
		s.info.ThreadsPerJob = threadsPerJob
	}
	if logicalCores > 0 {
		s.runtime.LogicalCores = logicalCores
		s.info.Cores = logicalCores
	}

	if s.runtime.MaxJobs > 0 {
		s.runtime.LoadPercent = 100.0 * float64(s.runtime.RunningJobs) / float64(s.runtime.MaxJobs)
	} else {
		s.runtime.LoadPercent = 0.0
	}

	s.runtime.LastSeen = time.Now()
}

// reserveSlot counts one more running job against a server, optimistically.
// The next authoritative server_status report corrects any drift.
func (r *serverRegistry) reserveSlot(id string) {
	s := r.findServer(id)
	if s == nil {
		return
	}
	s.runtime.RunningJobs++
	if s.runtime.MaxJobs <= 0 && s.info.MaxJobs > 0 {
		s.runtime.MaxJobs = s.info.MaxJobs
	}
	if s.runtime.MaxJobs > 0 {
		s.runtime.LoadPercent = 100.0 * float64(s.runtime.RunningJobs) / float64(s.runtime.MaxJobs)
	}
}

// releaseSlot gives a slot back when an assigned job finishes or is removed.
func (r *serverRegistry) releaseSlot(id string) {
	s := r.findServer(id)
	if s == nil {
		return
	}
	s.runtime.RunningJobs--
	if s.runtime.RunningJobs < 0 {
		s.runtime.RunningJobs = 0
	}
	if max := effectiveMaxJobs(s); max > 0 {
		s.runtime.LoadPercent = 100.0 * float64(s.runtime.RunningJobs) / float64(max)
	} else {
		s.runtime.LoadPercent = 0.0
	}
}

// setEnabled toggles whether a server may take new work. Disabling does
// not touch jobs already placed there; they run out on their own.
func (r *serverRegistry) setEnabled(id string, enabled bool) bool {
	s := r.findServer(id)
	if s == nil {
		return false
	}
	s.info.Enabled = enabled
	return true
}

// serverViews returns copies of all server states in configuration order.
func (r *serverRegistry) serverViews() []ServerView {
	views := []ServerView{}
	for _, s := range r.servers {
		views = append(views, ServerView{Info: s.info, Runtime: s.runtime})
	}
	return views
}
