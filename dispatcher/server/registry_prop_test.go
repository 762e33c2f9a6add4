package server

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/prop"

	"github.com/gambitdev/gambit/dispatcher/domain"
	"github.com/gambitdev/gambit/fleet"
)

// Randomly generates a registry of 1 to 5 servers in assorted states,
// including disabled, full, unbounded and never-seen servers.
func genRegistry(genParams *gopter.GenParameters) *serverRegistry {
	statuses := []domain.ServerStatus{
		domain.ServerUnknown, domain.ServerOnline, domain.ServerDegraded, domain.ServerOffline,
	}
	numServers := genParams.Rng.Intn(5) + 1
	infos := make([]fleet.ServerInfo, 0, numServers)
	for i := 0; i < numServers; i++ {
		info := testServer(string([]byte{'s', 'r', 'v', byte('1' + i)}), genParams.Rng.Intn(4))
		info.Enabled = genParams.Rng.Intn(4) != 0
		infos = append(infos, info)
	}
	r := newServerRegistry(infos)
	for _, s := range r.servers {
		s.runtime.Status = statuses[genParams.Rng.Intn(len(statuses))]
		s.runtime.RunningJobs = genParams.Rng.Intn(5)
	}
	return r
}

func GenRegistry() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		return gopter.NewGenResult(genRegistry(genParams), gopter.NoShrinker)
	}
}

func Test_Registry_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 1000
	properties := gopter.NewProperties(parameters)

	properties.Property("Full servers are never available", prop.ForAll(
		func(r *serverRegistry) bool {
			for _, s := range r.servers {
				max := effectiveMaxJobs(s)
				if max > 0 && s.runtime.RunningJobs >= max && isAvailable(s) {
					return false
				}
				if s.info.Enabled && s.runtime.Status != domain.ServerOffline &&
					(max == 0 || s.runtime.RunningJobs < max) && !isAvailable(s) {
					return false
				}
			}
			return true
		},
		GenRegistry(),
	))

	properties.Property("Pick only returns usable Online or Unknown servers", prop.ForAll(
		func(r *serverRegistry) bool {
			id, ok := r.pickServerForJob("")
			if !ok {
				return true
			}
			s := r.findServer(id)
			return s != nil && isAvailable(s) &&
				(s.runtime.Status == domain.ServerOnline || s.runtime.Status == domain.ServerUnknown)
		},
		GenRegistry(),
	))

	properties.Property("A usable preferred server always wins", prop.ForAll(
		func(r *serverRegistry) bool {
			for _, s := range r.servers {
				if !isAvailable(s) ||
					(s.runtime.Status != domain.ServerOnline && s.runtime.Status != domain.ServerUnknown) {
					continue
				}
				if id, ok := r.pickServerForJob(s.info.Id); !ok || id != s.info.Id {
					return false
				}
			}
			return true
		},
		GenRegistry(),
	))

	properties.Property("Pick never returns Unknown while an Online server is usable", prop.ForAll(
		func(r *serverRegistry) bool {
			id, ok := r.pickServerForJob("")
			if !ok {
				return true
			}
			if r.findServer(id).runtime.Status != domain.ServerUnknown {
				return true
			}
			for _, s := range r.servers {
				if s.runtime.Status == domain.ServerOnline && isAvailable(s) {
					return false
				}
			}
			return true
		},
		GenRegistry(),
	))

	properties.Property("Pick without a state change is deterministic", prop.ForAll(
		func(r *serverRegistry) bool {
			firstId, firstOk := r.pickServerForJob("")
			secondId, secondOk := r.pickServerForJob("")
			return firstId == secondId && firstOk == secondOk
		},
		GenRegistry(),
	))

	properties.TestingRun(t)
}
