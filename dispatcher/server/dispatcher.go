package server

import (
	"github.com/gambitdev/gambit/dispatcher/domain"
)

// Dispatcher is the job ledger's external surface.  Implemented by
// statefulDispatcher; everything here is safe to call from any goroutine
// since the methods funnel through the dispatcher loop.
type Dispatcher interface {
	// EnqueueJob validates the definition and adds the job to the ledger,
	// placed on a server when capacity exists, held Pending otherwise.
	// Returns the new job id.
	EnqueueJob(def domain.JobDefinition) (string, error)

	// RequestStopJob marks a job Stopped locally; the network layer sends
	// the cancellation upstream when it observes the transition.
	RequestStopJob(jobId string) error

	// RemoveJob drops a job from the ledger, releasing its server slot.
	RemoveJob(jobId string) error

	// Jobs returns a copy of every tracked job in creation order.
	Jobs() []domain.Job

	// JobById returns a copy of one job, ok false when the id is unknown.
	JobById(jobId string) (domain.Job, bool)

	// Servers returns a copy of the fleet state in configuration order.
	Servers() []ServerView

	// SetServerEnabled toggles whether one server may take new work.
	SetServerEnabled(serverId string, enabled bool) error

	// NumRunning returns how many tracked jobs are currently Running.
	NumRunning() int

	// LoadHistory inserts persisted terminal jobs not already tracked and
	// returns how many were added.
	LoadHistory() (int, error)

	// Stop shuts the dispatcher loop down and closes the history store.
	Stop()
}
