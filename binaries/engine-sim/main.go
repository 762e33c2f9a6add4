package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/gambitdev/gambit/common/log/hooks"
	"github.com/gambitdev/gambit/common/stats"
	server "github.com/gambitdev/gambit/engineapi/server"
)

// Reference analysis server speaking the dispatcher wire protocol with a
// faked search.  Point a gambit fleet entry at it to exercise dispatch,
// reconnect and cancellation without real engines.

func main() {
	log.AddHook(hooks.NewContextHook())

	addr := flag.String("addr", "0.0.0.0:9000", "address to listen on")
	serverId := flag.String("server_id", "", "id stamped into outbound messages")
	maxJobs := flag.Int("max_jobs", 1, "how many fake searches run concurrently")
	threads := flag.Int("threads", 1, "threads per job reported in server_status")
	updatesPerSec := flag.Float64("updates_per_sec", server.DefaultUpdatesPerSecond,
		"pacing of job_update emission")
	tlsCert := flag.String("tls_cert", "", "server certificate, enables TLS")
	tlsKey := flag.String("tls_key", "", "server private key")
	tlsClientCa := flag.String("tls_client_ca", "", "client CA bundle, enables mutual TLS")
	logLevelFlag := flag.String("log_level", "info", "log everything at this level and above (error|info|debug)")
	flag.Parse()

	level, err := log.ParseLevel(*logLevelFlag)
	if err != nil {
		log.Error(err)
		return
	}
	log.SetLevel(level)

	statsReceiver, _ := stats.NewCustomStatsReceiver(stats.NewFinagleStatsRegistry, 0)
	sim, err := server.NewSimServer(server.Config{
		Addr:             *addr,
		ServerId:         *serverId,
		MaxJobs:          *maxJobs,
		Threads:          *threads,
		LogicalCores:     *maxJobs * *threads,
		UpdatesPerSecond: *updatesPerSec,
		TlsCertFile:      *tlsCert,
		TlsKeyFile:       *tlsKey,
		TlsClientCaFile:  *tlsClientCa,
	}, statsReceiver)
	if err != nil {
		log.Fatal("Failed to create simulator: ", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Shutting down")
		sim.Close()
	}()

	if err := sim.Serve(); err != nil {
		log.Fatal("Simulator failed: ", err)
	}
}
