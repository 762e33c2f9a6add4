package client

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type stopJobCmd struct{}

func (c *stopJobCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "stop_job",
		Short: "stop a job; its server is told to cancel the analysis",
	}
}

func (c *stopJobCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.New("a job id must be provided")
	}
	jobId := args[0]
	log.Info("Stopping job: ", jobId)

	disp, err := cl.engine()
	if err != nil {
		return err
	}
	if err := disp.RequestStopJob(jobId); err != nil {
		return err
	}

	// the cancellation goes out when the network layer observes the
	// Stopped transition; linger long enough for that to happen
	time.Sleep(watchInterval)
	fmt.Printf("Stopped %s\n", jobId)
	return nil
}
