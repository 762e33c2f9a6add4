package client

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gambitdev/gambit/dispatcher/domain"
)

type listJobsCmd struct {
	includeFinished bool
	limit           int
}

func (c *listJobsCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "list_jobs",
		Short: "list tracked jobs, local and reconciled from servers",
	}
	r.Flags().BoolVar(&c.includeFinished, "include-finished", false, "also list terminal jobs")
	r.Flags().IntVar(&c.limit, "limit", 0, "print at most this many jobs, 0 for all")
	return r
}

func (c *listJobsCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	disp, err := cl.engine()
	if err != nil {
		return err
	}

	printed := 0
	for _, job := range disp.Jobs() {
		if !c.includeFinished && job.Status.IsTerminal() {
			continue
		}
		if c.limit > 0 && printed >= c.limit {
			break
		}
		fmt.Printf("%s  %-9s  %-12s  depth %d  %s  %s\n",
			job.Id, job.Status, serverOrDash(job), job.Snapshot.Depth,
			scoreOrDash(job.Snapshot.Score), job.Def.Opponent)
		printed++
	}
	if printed == 0 {
		fmt.Println("no jobs")
	}
	return nil
}

func serverOrDash(job domain.Job) string {
	if job.AssignedServer == "" {
		return "-"
	}
	return job.AssignedServer
}

func scoreOrDash(score domain.Score) string {
	if score.Type == domain.ScoreNone {
		return "-"
	}
	return score.String()
}
