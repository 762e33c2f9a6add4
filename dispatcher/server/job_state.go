package server

import (
	"time"

	"github.com/gambitdev/gambit/dispatcher/domain"
)

// jobState pairs a tracked job with its dispatch bookkeeping.
// slotHeld marks that this process optimistically reserved a slot on the
// job's assigned server; the flag makes the matching release happen exactly
// once whether the job first turns terminal, is stopped, or is removed.
type jobState struct {
	job      *domain.Job
	slotHeld bool
}

// applyStatusChange moves a job to a new status and runs the transition's
// entry actions: StartedAt is stamped the first time the job reaches
// Running, FinishedAt the first time it reaches any terminal status. The
// status itself is always overwritten, so a remote report may move a job
// backwards without disturbing timestamps already stamped. Returns true
// when this change is the one that made the job terminal.
func applyStatusChange(job *domain.Job, status domain.JobStatus, now time.Time) bool {
	wasTerminal := job.Status.IsTerminal()
	job.Status = status
	if status == domain.Running && job.StartedAt.IsZero() {
		job.StartedAt = now
	}
	if status.IsTerminal() && job.FinishedAt.IsZero() {
		job.FinishedAt = now
	}
	return !wasTerminal && status.IsTerminal()
}
