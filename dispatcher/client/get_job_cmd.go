package client

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type getJobCmd struct{}

func (c *getJobCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "get_job",
		Short: "print one job's current state",
	}
}

func (c *getJobCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.New("a job id must be provided")
	}
	jobId := args[0]
	log.Info("Getting job: ", jobId)

	disp, err := cl.engine()
	if err != nil {
		return err
	}

	// Targeted refresh: the reconciliation already upserted what servers
	// listed, but a job_get catches log tails and very recent progress.
	if job, ok := disp.JobById(jobId); ok && job.AssignedServer != "" {
		cl.coord.RequestJobState(job.AssignedServer, jobId)
		time.Sleep(watchInterval)
	}

	job, ok := disp.JobById(jobId)
	if !ok {
		return errors.Errorf("job %s is not tracked locally or on any reachable server", jobId)
	}
	return printJob(job)
}
