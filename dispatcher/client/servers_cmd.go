package client

import (
	"fmt"

	"github.com/spf13/cobra"
)

type serversCmd struct {
	enable  string
	disable string
}

func (c *serversCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "servers",
		Short: "report the status of every configured server",
	}
	r.Flags().StringVar(&c.enable, "enable", "", "allow this server id to take new work again")
	r.Flags().StringVar(&c.disable, "disable", "", "stop placing new work on this server id")
	return r
}

func (c *serversCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	disp, err := cl.engine()
	if err != nil {
		return err
	}

	if c.enable != "" {
		if err := disp.SetServerEnabled(c.enable, true); err != nil {
			return err
		}
	}
	if c.disable != "" {
		if err := disp.SetServerEnabled(c.disable, false); err != nil {
			return err
		}
	}

	for _, view := range disp.Servers() {
		enabled := ""
		if !view.Info.Enabled {
			enabled = "  (disabled)"
		}
		fmt.Printf("%-12s  %-8s  %s  running %d/%d  load %.0f%%%s\n",
			view.Info.Id, view.Runtime.Status, view.Info.Addr(),
			view.Runtime.RunningJobs, view.Runtime.MaxJobs,
			view.Runtime.LoadPercent, enabled)
	}
	return nil
}
