package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/gambitdev/gambit/common/errors"
	"github.com/gambitdev/gambit/common/log/hooks"
	"github.com/gambitdev/gambit/dispatcher/client"
)

// CLI binary for distributed chess analysis
//	Supported commands: (see "-h" for all options)
//		run_job --fen [position]
//		get_job [job id]
//		watch_job [job id]
//		stop_job [job id]
//		list_jobs
//		servers
//	Global flags:
//		--config [servers.json fleet config]
//		--history [sqlite job history file]
//		--log_level [<error|info|debug> level and above should be logged]

func main() {
	log.AddHook(hooks.NewContextHook())

	cl, err := client.NewSimpleCLIClient()
	if err != nil {
		log.Fatal("Failed to create new gambit CLI client: ", err)
	}

	if err := cl.Exec(); err != nil {
		log.Error("Error running gambit ", err)
		os.Exit(int(errors.GetExitCode(err)))
	}
}
