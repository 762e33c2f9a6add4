package client

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gambitdev/gambit/dispatcher/domain"
)

type runJobCmd struct {
	fen      string
	opponent string
	depth    int
	moveTime int
	nodes    int
	multiPv  int
	serverId string
	wait     bool
}

func (c *runJobCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "run_job",
		Short: "submit a position for analysis",
	}
	r.Flags().StringVar(&c.fen, "fen", "", "position to analyze, FEN notation (required)")
	r.Flags().StringVar(&c.opponent, "opponent", "", "opponent name attached to the job")
	r.Flags().IntVar(&c.depth, "depth", 0, "limit the search to a fixed depth")
	r.Flags().IntVar(&c.moveTime, "movetime", 0, "limit the search to a fixed time in milliseconds")
	r.Flags().IntVar(&c.nodes, "nodes", 0, "limit the search to a fixed node count")
	r.Flags().IntVar(&c.multiPv, "multipv", 1, "number of candidate lines to analyze")
	r.Flags().StringVar(&c.serverId, "server", "", "pin the job to this server id")
	r.Flags().BoolVar(&c.wait, "wait", false, "wait for the job to finish and print its final state")
	return r
}

func (c *runJobCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	log.Info("Submitting job for analysis")

	if c.fen == "" {
		return errors.New("a fen must be provided with --fen")
	}
	limit, err := c.limit()
	if err != nil {
		return err
	}

	disp, err := cl.engine()
	if err != nil {
		return err
	}

	jobId, err := disp.EnqueueJob(domain.JobDefinition{
		Opponent:        c.opponent,
		Fen:             c.fen,
		Limit:           limit,
		MultiPv:         c.multiPv,
		PreferredServer: c.serverId,
	})
	if err != nil {
		return errors.Wrap(err, "submitting job")
	}
	fmt.Println(jobId)

	if !c.wait {
		// give the loop a moment to hand the submit to the wire before the
		// process exits; the server re-learns the rest on reconnect anyway
		time.Sleep(watchInterval)
		return nil
	}
	return waitForTerminal(cl, jobId)
}

// limit folds the three mutually exclusive limit flags into a SearchLimit.
func (c *runJobCmd) limit() (domain.SearchLimit, error) {
	set := 0
	for _, v := range []int{c.depth, c.moveTime, c.nodes} {
		if v > 0 {
			set++
		}
	}
	if set > 1 {
		return domain.SearchLimit{}, errors.New("--depth, --movetime and --nodes are mutually exclusive")
	}
	switch {
	case c.depth > 0:
		return domain.DepthLimit(c.depth), nil
	case c.moveTime > 0:
		return domain.MoveTimeLimit(c.moveTime), nil
	case c.nodes > 0:
		return domain.NodesLimit(c.nodes), nil
	}
	return domain.DefaultSearchLimit(), nil
}

// waitForTerminal polls until the job reaches a terminal status, then
// prints it.  Shared by run_job --wait and watch_job.
func waitForTerminal(cl *simpleCLIClient, jobId string) error {
	disp, err := cl.engine()
	if err != nil {
		return err
	}

	for {
		job, ok := disp.JobById(jobId)
		if !ok {
			return errors.Errorf("job %s is not tracked", jobId)
		}
		if job.Status.IsTerminal() {
			return printJob(job)
		}
		time.Sleep(watchInterval)
	}
}
