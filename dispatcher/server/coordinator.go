package server

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gambitdev/gambit/common/stats"
	"github.com/gambitdev/gambit/dispatcher/domain"
	"github.com/gambitdev/gambit/engineapi/client"
	"github.com/gambitdev/gambit/engineapi/wire"
	"github.com/gambitdev/gambit/fleet"
	"github.com/gambitdev/gambit/history"
)

// NetworkCoordinator owns one Connection per enabled server and translates
// between ledger events and wire messages.  Outbound, it observes the
// dispatcher's job callbacks: a placed job becomes job_submit_or_update, a
// Stopped job becomes job_cancel.  Inbound, it normalizes decoded envelopes
// into remote events posted onto the dispatcher loop, so connection reader
// goroutines never touch ledger or registry state directly.
//
// Messages sent while a session is down are dropped by the Connection; the
// jobs_list reconciliation issued on every ready session is what restores
// agreement, not retransmission.
type NetworkCoordinator struct {
	disp       *statefulDispatcher
	conns      map[string]*client.Connection
	connOrder  []string
	stat       stats.StatsReceiver
	pingTicker *time.Ticker
	stopCh     chan struct{}
}

// NewNetworkCoordinator creates connections for every enabled server in the
// fleet, wired to feed the given dispatcher.  Nothing is dialed until Start.
func NewNetworkCoordinator(
	servers []fleet.ServerInfo,
	disp *statefulDispatcher,
	tlsBaseDir string,
	stat stats.StatsReceiver) *NetworkCoordinator {

	nc := &NetworkCoordinator{
		disp:   disp,
		conns:  map[string]*client.Connection{},
		stat:   stat,
		stopCh: make(chan struct{}),
	}

	for _, info := range servers {
		if !info.Enabled {
			log.Infof("Server %s is disabled, not connecting", info.Id)
			continue
		}
		if _, ok := nc.conns[info.Id]; ok {
			continue
		}
		conn := client.NewConnection(info, tlsBaseDir, 0, stat,
			client.ConnectionCallbacks{
				OnReady:   nc.handleReady,
				OnClosed:  nc.handleClosed,
				OnMessage: nc.handleMessage,
			})
		nc.conns[info.Id] = conn
		nc.connOrder = append(nc.connOrder, info.Id)
	}
	return nc
}

// Start dials every connection and begins the heartbeat, which pings live
// sessions and opportunistically redials dead ones.
func (nc *NetworkCoordinator) Start() {
	for _, id := range nc.connOrder {
		nc.conns[id].ConnectToHost()
	}

	nc.pingTicker = time.NewTicker(nc.disp.config.PingInterval)
	go func() {
		for {
			select {
			case <-nc.pingTicker.C:
				nc.sendPings()
			case <-nc.stopCh:
				return
			}
		}
	}()
}

// Stop ends the heartbeat and closes every connection.  Idempotent enough
// for shutdown paths: closing twice is harmless.
func (nc *NetworkCoordinator) Stop() {
	select {
	case <-nc.stopCh:
	default:
		close(nc.stopCh)
	}
	if nc.pingTicker != nil {
		nc.pingTicker.Stop()
	}
	for _, id := range nc.connOrder {
		nc.conns[id].Close()
	}
}

// sendPings is the heartbeat body: reconnect whatever is down, ping
// whatever is up.
func (nc *NetworkCoordinator) sendPings() {
	for _, id := range nc.connOrder {
		conn := nc.conns[id]
		if !conn.IsConnected() {
			conn.ConnectToHost()
			continue
		}
		nc.stat.Counter(stats.ConnPingsCounter).Inc(1)
		conn.Send(wire.NewPing())
	}
}

// RequestJobState asks one server for a targeted refresh of one job.  The
// job_state answer flows back through the normal inbound path.
func (nc *NetworkCoordinator) RequestJobState(serverId, jobId string) {
	conn, ok := nc.conns[serverId]
	if !ok {
		return
	}
	conn.Send(wire.NewJobGet(jobId))
}

// HandleJobAdded submits a freshly placed job to its server.  Pending jobs
// have nowhere to go yet; their submit happens when dispatch promotes them.
func (nc *NetworkCoordinator) HandleJobAdded(job domain.Job) {
	if job.Status == domain.Queued && job.AssignedServer != "" {
		nc.sendSubmit(job)
	}
}

// HandleJobUpdated reacts to ledger transitions: a job promoted out of
// Pending is submitted, a locally Stopped job is cancelled upstream.
// Remote-originated updates are not echoed back; a redundant submit for a
// job the server already runs is an upsert there, not a restart.
func (nc *NetworkCoordinator) HandleJobUpdated(job domain.Job) {
	switch {
	case job.Status == domain.Stopped:
		if job.AssignedServer != "" {
			nc.sendCancel(job.AssignedServer, job.Id)
		}
	case job.Status == domain.Queued && job.AssignedServer != "":
		nc.sendSubmit(job)
	}
}

// HandleJobRemoved cancels a removed job on its server, best effort.
func (nc *NetworkCoordinator) HandleJobRemoved(job domain.Job) {
	if job.AssignedServer == "" || job.Status.IsTerminal() {
		return
	}
	nc.sendCancel(job.AssignedServer, job.Id)
}

func (nc *NetworkCoordinator) sendSubmit(job domain.Job) {
	conn, ok := nc.conns[job.AssignedServer]
	if !ok {
		log.WithFields(
			log.Fields{
				"jobID":  job.Id,
				"server": job.AssignedServer,
			}).Warn("No connection for job's assigned server")
		return
	}
	nc.stat.Counter(stats.ConnJobSubmitsCounter).Inc(1)
	conn.Send(wire.NewJobSubmitOrUpdate(wire.SpecFromJob(job)))
}

func (nc *NetworkCoordinator) sendCancel(serverId, jobId string) {
	conn, ok := nc.conns[serverId]
	if !ok {
		return
	}
	nc.stat.Counter(stats.ConnJobCancelsCounter).Inc(1)
	conn.Send(wire.NewJobCancel(jobId))
}

// handleReady runs when a session completes connect (and handshake).  The
// immediate jobs_list request is the reconnect reconciliation: it restores
// every job the server knows about, including completions missed while the
// session was down.
func (nc *NetworkCoordinator) handleReady(serverId string) {
	conn, ok := nc.conns[serverId]
	if !ok {
		return
	}
	nc.stat.Counter(stats.ConnJobsListRequestsCounter).Inc(1)
	conn.Send(wire.NewJobsListRequest(true, nc.disp.config.ReconcileLimit))
}

// handleClosed posts the disconnect into the loop, which marks the server
// Offline with zero running jobs.
func (nc *NetworkCoordinator) handleClosed(serverId string) {
	nc.disp.remoteCh <- remoteEvent{kind: connLostEvent, serverId: serverId}
}

// handleMessage normalizes one decoded envelope into a remote event.  Runs
// on the connection's reader goroutine; per-connection ordering is kept
// because remoteCh is consumed in arrival order.  Unknown types are the
// protocol-error path: drop the message, keep the session.
func (nc *NetworkCoordinator) handleMessage(serverId string, env wire.Envelope) {
	switch env.Type {
	case wire.TypeJobUpdate:
		if env.JobId == "" {
			log.Debugf("Dropping job_update without job_id from %s", serverId)
			return
		}
		snapshot, logLine := wire.SnapshotFromUpdate(env)
		nc.disp.remoteCh <- remoteEvent{
			kind:     jobUpdateEvent,
			jobId:    env.JobId,
			status:   wire.UpdateJobStatus(env),
			snapshot: snapshot,
			logLine:  logLine,
		}

	case wire.TypeServerStatus:
		// Runtime maps to the connection's configured id, never to any
		// server-reported id, so config ids and server ids stay decoupled.
		nc.disp.remoteCh <- remoteEvent{
			kind:     serverReportEvent,
			serverId: serverId,
			report:   wire.ReportFromEnvelope(env),
		}

	case wire.TypeJobsList:
		for _, item := range env.Jobs {
			job, ok := wire.JobFromItem(item, serverId)
			if !ok {
				log.Debugf("Dropping jobs_list item without id from %s", serverId)
				continue
			}
			nc.disp.remoteCh <- remoteEvent{kind: jobUpsertEvent, job: job}
		}

	case wire.TypeJobState:
		if env.Job == nil {
			// a null job means the server does not know the id; nothing to do
			return
		}
		job, ok := wire.JobFromItem(*env.Job, serverId)
		if !ok {
			return
		}
		nc.disp.remoteCh <- remoteEvent{kind: jobUpsertEvent, job: job}

	default:
		log.WithFields(
			log.Fields{
				"server": serverId,
				"type":   env.Type,
			}).Warn("Dropping message of unknown type")
	}
}

// NewDispatchingServer wires a stateful dispatcher to a network coordinator
// and starts both.  The coordinator's handlers observe job events before
// the caller's callbacks so the wire is never behind what a UI shows.
func NewDispatchingServer(
	servers []fleet.ServerInfo,
	jobHistory history.JobHistory,
	config DispatcherConfiguration,
	stat stats.StatsReceiver,
	callbacks DispatcherCallbacks,
	tlsBaseDir string) (Dispatcher, *NetworkCoordinator) {

	var nc *NetworkCoordinator
	chained := DispatcherCallbacks{
		OnJobAdded: func(job domain.Job) {
			nc.HandleJobAdded(job)
			if callbacks.OnJobAdded != nil {
				callbacks.OnJobAdded(job)
			}
		},
		OnJobUpdated: func(job domain.Job) {
			nc.HandleJobUpdated(job)
			if callbacks.OnJobUpdated != nil {
				callbacks.OnJobUpdated(job)
			}
		},
		OnJobRemoved: func(job domain.Job) {
			nc.HandleJobRemoved(job)
			if callbacks.OnJobRemoved != nil {
				callbacks.OnJobRemoved(job)
			}
		},
	}

	disp := NewStatefulDispatcher(servers, jobHistory, config, stat, chained)
	if disp == nil {
		return nil, nil
	}
	nc = NewNetworkCoordinator(servers, disp, tlsBaseDir, stat)
	if !config.DebugMode {
		nc.Start()
	}
	return disp, nc
}
