// Package client is the command line client for the gambit dispatch
// engine.  There is no long-running daemon to talk to: each invocation
// embeds the dispatcher, loads the fleet config and job history, lets the
// network layer reconcile with whatever servers answer, runs one command
// and shuts down.
package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	log "github.com/sirupsen/logrus"

	"github.com/gambitdev/gambit/common/errors"
	"github.com/gambitdev/gambit/common/stats"
	"github.com/gambitdev/gambit/dispatcher/domain"
	"github.com/gambitdev/gambit/dispatcher/server"
	"github.com/gambitdev/gambit/engineapi/wire"
	"github.com/gambitdev/gambit/fleet"
	"github.com/gambitdev/gambit/history"
)

const (
	defaultConfigPath  = "servers.json"
	defaultHistoryPath = "gambit.db"

	// how long a command waits for servers to answer the reconnect
	// reconciliation before proceeding with whatever state arrived
	reconcileWait = 2 * time.Second

	// poll cadence for watch/wait loops
	watchInterval = 500 * time.Millisecond
)

// CLI client interface that includes CLI handling
type CLIClient interface {
	Exec() error
}

// Implements CLIClient - basic
type simpleCLIClient struct {
	rootCmd *cobra.Command

	configPath  string
	historyPath string
	tlsBaseDir  string
	logLevel    string

	disp  server.Dispatcher
	coord *server.NetworkCoordinator
}

func (c *simpleCLIClient) Exec() error {
	return c.rootCmd.Execute()
}

func NewSimpleCLIClient() (CLIClient, error) {
	c := &simpleCLIClient{}

	c.rootCmd = &cobra.Command{
		Use:                "gambit",
		Short:              "gambit is a command-line client for distributed chess analysis",
		Run:                func(*cobra.Command, []string) {},
		PersistentPreRunE:  c.configureLogging,
		PersistentPostRunE: c.Close,
	}

	c.addCmd(&runJobCmd{})
	c.addCmd(&getJobCmd{})
	c.addCmd(&watchJobCmd{})
	c.addCmd(&stopJobCmd{})
	c.addCmd(&listJobsCmd{})
	c.addCmd(&serversCmd{})

	return c, nil
}

func (c *simpleCLIClient) configureLogging(cmd *cobra.Command, args []string) error {
	if c.logLevel == "" {
		return nil
	}
	level, err := log.ParseLevel(c.logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}

// engine starts the embedded dispatcher on first use and then waits for
// the fleet to answer the reconciliation so commands see remote state.
func (c *simpleCLIClient) engine() (server.Dispatcher, error) {
	if c.disp != nil {
		return c.disp, nil
	}

	servers, err := fleet.LoadServers(c.configPath)
	if err != nil {
		return nil, errors.NewError(err, errors.FleetLoadFailureExitCode)
	}

	var jobHistory history.JobHistory
	if c.historyPath != "" {
		jobHistory, err = history.MakeSqliteJobHistory(c.historyPath)
		if err != nil {
			return nil, errors.NewError(err, errors.HistoryOpenFailureExitCode)
		}
	}

	statsReceiver, _ := stats.NewCustomStatsReceiver(stats.NewFinagleStatsRegistry, 0)
	disp, coord := server.NewDispatchingServer(
		servers, jobHistory, server.DispatcherConfiguration{},
		statsReceiver, server.DispatcherCallbacks{}, c.tlsBaseDir)
	if disp == nil {
		return nil, errors.NewError(
			fmt.Errorf("could not initialize the dispatcher"), errors.DispatchFailureExitCode)
	}
	c.disp = disp
	c.coord = coord

	if _, err := disp.LoadHistory(); err != nil {
		log.Warnf("Continuing without job history: %v", err)
	}
	c.waitForFleet()
	return c.disp, nil
}

// waitForFleet gives the connections one window to report in.  Servers
// that stay Unknown past the window are simply not reachable right now;
// commands proceed against local and reconciled state.
func (c *simpleCLIClient) waitForFleet() {
	deadline := time.Now().Add(reconcileWait)
	for time.Now().Before(deadline) {
		heard := 0
		for _, view := range c.disp.Servers() {
			if view.Runtime.Status != domain.ServerUnknown {
				heard++
			}
		}
		if heard == len(c.disp.Servers()) && heard > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Needs cobra parameters for use from rootCmd
func (c *simpleCLIClient) Close(cmd *cobra.Command, args []string) error {
	if c.coord != nil {
		c.coord.Stop()
	}
	if c.disp != nil {
		c.disp.Stop()
	}
	return nil
}

func (c *simpleCLIClient) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.Flags().StringVar(&c.configPath, "config", defaultConfigPath, "fleet config file (servers.json)")
	cobraCmd.Flags().StringVar(&c.historyPath, "history", defaultHistoryPath, "job history sqlite file, empty to disable")
	cobraCmd.Flags().StringVar(&c.tlsBaseDir, "tls_base", "", "base directory for relative tls material paths")
	cobraCmd.Flags().StringVar(&c.logLevel, "log_level", "", "log everything at this level and above (error|warn|info|debug)")
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.run(c, innerCmd, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

type command interface {
	registerFlags() *cobra.Command
	run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error
}

// printJob renders one job as indented JSON in its wire item shape, the
// same record a server would list.
func printJob(job domain.Job) error {
	item := wire.ItemFromJob(job, 0)
	out, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
