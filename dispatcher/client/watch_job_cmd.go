package client

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type watchJobCmd struct{}

func (c *watchJobCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "watch_job",
		Short: "wait for a job to finish and print its final state",
	}
}

func (c *watchJobCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.New("a job id must be provided")
	}
	log.Info("Watching job: ", args[0])

	if _, err := cl.engine(); err != nil {
		return err
	}
	return waitForTerminal(cl, args[0])
}
