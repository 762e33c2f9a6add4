// Package history persists finished analysis jobs so the dispatcher can
// show past work across restarts.  Only terminal jobs are interesting
// here; live state belongs to the dispatcher.
package history

import (
	"github.com/gambitdev/gambit/dispatcher/domain"
)

//go:generate mockgen -source=history.go -destination=history_mock.go -package=history

// JobHistory stores terminal jobs and reloads them at startup.
type JobHistory interface {
	// SaveJob upserts one job, snapshot and log lines included.
	SaveJob(job domain.Job) error

	// LoadAllJobs returns the stored terminal jobs, oldest first.
	LoadAllJobs() ([]domain.Job, error)

	Close() error
}
