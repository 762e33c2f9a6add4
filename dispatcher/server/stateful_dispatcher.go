package server

import (
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"

	"github.com/gambitdev/gambit/common/async"
	"github.com/gambitdev/gambit/common/log/hooks"
	"github.com/gambitdev/gambit/common/stats"
	"github.com/gambitdev/gambit/dispatcher/domain"
	"github.com/gambitdev/gambit/engineapi/wire"
	"github.com/gambitdev/gambit/fleet"
	"github.com/gambitdev/gambit/history"
)

const (
	// Provide defaults for config settings that should never be uninitialized/zero.
	// These are reasonable defaults for a small fleet of engine servers.

	// How often the dispatcher step is called in loop
	TickRate = 250 * time.Millisecond

	// How often Pending jobs are re-dispatched regardless of triggering events
	DefaultRedispatchInterval = 1 * time.Second

	// How often every connection is pinged and, when down, redialed
	DefaultPingInterval = 3 * time.Second

	// How many jobs to ask a server for when reconciling after (re)connect
	DefaultReconcileLimit = 200

	// How many trailing log lines a job carries into a history row
	DefaultLogTailLimit = 200

	// Max number of server+limit keys to track run durations for
	DefaultMaxRunDurations = 1000

	// Buffered capacity of the remote event channel; connection reader
	// goroutines block when a reconnect burst outruns the loop.
	remoteEventBuffer = 1000
)

// Used to get proper logging from tests...
func init() {
	if loglevel := os.Getenv("GAMBIT_LOGLEVEL"); loglevel != "" {
		level, err := log.ParseLevel(loglevel)
		if err != nil {
			log.Error(err)
			return
		}
		log.SetLevel(level)
		log.AddHook(hooks.NewContextHook())
	} else {
		// setting Error level to avoid test failure due to log too long
		log.SetLevel(log.ErrorLevel)
	}
}

// DispatcherConfiguration variables read at initialization
//
// DebugMode - if true, starts the dispatcher up but does not start
//
//	the update loop.  Instead the loop must be advanced manually
//	by calling step()
//
// RedispatchInterval -
//
//	how often the level-triggered sweep re-attempts Pending jobs.
//
// PingInterval -
//
//	how often the coordinator pings every connection and redials dead ones.
//
// ReconcileLimit -
//
//	how many jobs to request from a server when reconciling after connect.
//
// LogTailLimit -
//
//	how many trailing log lines to keep when persisting a job.
type DispatcherConfiguration struct {
	DebugMode          bool
	RedispatchInterval time.Duration
	PingInterval       time.Duration
	ReconcileLimit     int
	LogTailLimit       int
}

func (dc *DispatcherConfiguration) String() string {
	return fmt.Sprintf("DispatcherConfiguration: DebugMode: %t, RedispatchInterval: %s, PingInterval: %s, ReconcileLimit: %d, LogTailLimit: %d",
		dc.DebugMode, dc.RedispatchInterval, dc.PingInterval, dc.ReconcileLimit, dc.LogTailLimit)
}

// Used to keep a running average of job run duration for a specific key.
type averageDuration struct {
	count    int64
	duration time.Duration
}

func (ad *averageDuration) update(d time.Duration) {
	ad.count++
	ad.duration = ad.duration + time.Duration(int64(d-ad.duration)/ad.count)
}

// DispatcherCallbacks are the observer hooks fired when jobs change, the
// dispatcher's only outward notification mechanism.  They are invoked on
// the dispatcher loop goroutine with a defensive copy of the job, so they
// must not block; invocation order across subscribers is unspecified.
type DispatcherCallbacks struct {
	OnJobAdded   func(job domain.Job)
	OnJobUpdated func(job domain.Job)
	OnJobRemoved func(job domain.Job)
}

type remoteEventKind int

const (
	serverReportEvent remoteEventKind = iota
	jobUpdateEvent
	jobUpsertEvent
	connLostEvent
)

// remoteEvent funnels everything the network layer observes into the
// dispatcher loop.  Only the fields for the event's kind are set.
type remoteEvent struct {
	kind     remoteEventKind
	serverId string
	report   wire.ServerReport
	jobId    string
	status   domain.JobStatus
	snapshot domain.JobSnapshot
	logLine  string
	job      domain.Job
}

type jobEnqueueMsg struct {
	def      domain.JobDefinition
	resultCh chan string
}

type jobStopMsg struct {
	jobId    string
	resultCh chan error
}

type jobRemoveMsg struct {
	jobId    string
	resultCh chan error
}

type jobsQueryMsg struct {
	resultCh chan []domain.Job
}

type jobQueryMsg struct {
	jobId    string
	resultCh chan jobQueryResult
}

type jobQueryResult struct {
	job domain.Job
	ok  bool
}

type serversQueryMsg struct {
	resultCh chan []ServerView
}

type serverEnableMsg struct {
	serverId string
	enabled  bool
	resultCh chan error
}

type historyLoadMsg struct {
	jobs     []domain.Job
	resultCh chan int
}

// Dispatcher that tracks every analysis job and the fleet of engine servers
// so it can place work wherever capacity exists.
//
// Dispatcher Concurrency: The Dispatcher runs an update loop in its own go
// routine.  Periodically the dispatcher does some async work using
// async.Runner (history writes).  The async work is executed in its own Go
// routine, nothing in async functions should read or modify dispatcher
// state directly.
//
// The callbacks are executed as part of the dispatcher loop.  They receive
// defensive job copies and may call back into the exported methods, but
// must never touch dispatcher state directly.
type statefulDispatcher struct {
	config      *DispatcherConfiguration
	jobHistory  history.JobHistory
	asyncRunner async.Runner

	enqueueCh      chan jobEnqueueMsg
	stopJobCh      chan jobStopMsg
	removeJobCh    chan jobRemoveMsg
	remoteCh       chan remoteEvent
	jobsQueryCh    chan jobsQueryMsg
	jobQueryCh     chan jobQueryMsg
	serversQueryCh chan serversQueryMsg
	serverEnableCh chan serverEnableMsg
	loadHistoryCh  chan historyLoadMsg
	stepTicker     *time.Ticker
	stopCh         chan struct{}
	stopOnce       sync.Once

	// Dispatcher state
	registry  *serverRegistry
	jobs      []*jobState // append-ordered, oldest first
	callbacks DispatcherCallbacks

	// heldRemote preserves per-connection ordering: the loop's wakeup pulls
	// one event off remoteCh and must process it before later arrivals, so
	// it is held here instead of being re-queued behind them.
	heldRemote *remoteEvent

	lastIdMs    int64
	seqWithinMs int
	lastSweep   time.Time

	runDurations *lru.Cache // cache of server+limit key to averageDuration

	// stats
	stat stats.StatsReceiver
}

func (s *statefulDispatcher) String() string {
	return fmt.Sprintf("%s, num jobs: %d, num servers: %d", s.config, len(s.jobs), len(s.registry.servers))
}

// Create a New StatefulDispatcher
// servers - the configured fleet the registry will place work on
// jobHistory - store for terminal jobs, may be nil to disable persistence
// config - additional configuration settings for the dispatcher
// stat - stats receiver to log statistics to
// callbacks - observer hooks, fired on the loop goroutine
// specifying DebugMode true starts the dispatcher up but does not start
// the update loop.  Instead the loop must be advanced manually by calling
// step(), intended for debugging and test cases
func NewStatefulDispatcher(
	servers []fleet.ServerInfo,
	jobHistory history.JobHistory,
	config DispatcherConfiguration,
	stat stats.StatsReceiver,
	callbacks DispatcherCallbacks) *statefulDispatcher {

	if config.RedispatchInterval == 0 {
		config.RedispatchInterval = DefaultRedispatchInterval
	}
	if config.PingInterval == 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.ReconcileLimit == 0 {
		config.ReconcileLimit = DefaultReconcileLimit
	}
	if config.LogTailLimit == 0 {
		config.LogTailLimit = DefaultLogTailLimit
	}

	runDurations, err := lru.New(DefaultMaxRunDurations)
	if err != nil {
		log.Errorf("Failed to create runDurations cache: %v", err)
		return nil
	}

	disp := &statefulDispatcher{
		config:      &config,
		jobHistory:  jobHistory,
		asyncRunner: async.NewRunner(),

		enqueueCh:      make(chan jobEnqueueMsg, 1),
		stopJobCh:      make(chan jobStopMsg, 1),
		removeJobCh:    make(chan jobRemoveMsg, 1),
		remoteCh:       make(chan remoteEvent, remoteEventBuffer),
		jobsQueryCh:    make(chan jobsQueryMsg, 1),
		jobQueryCh:     make(chan jobQueryMsg, 1),
		serversQueryCh: make(chan serversQueryMsg, 1),
		serverEnableCh: make(chan serverEnableMsg, 1),
		loadHistoryCh:  make(chan historyLoadMsg, 1),
		stepTicker:     time.NewTicker(TickRate),
		stopCh:         make(chan struct{}),

		registry:     newServerRegistry(servers),
		jobs:         make([]*jobState, 0),
		callbacks:    callbacks,
		runDurations: runDurations,
		stat:         stat,
	}

	if disp.jobHistory == nil {
		log.Info("job history is nil, terminal jobs will not survive a restart")
	}

	log.Info(disp)

	if !config.DebugMode {
		// start the dispatcher loop
		log.Info("Starting dispatcher loop")
		go func() {
			disp.loop()
		}()
	}
	return disp
}

/*
validate the job definition.  If it passes validation the job is queued for
placement (or held Pending when no server can take it) and its id returned,
otherwise the error is returned.
*/
func (s *statefulDispatcher) EnqueueJob(def domain.JobDefinition) (string, error) {
	defer s.stat.Latency(stats.DispatchJobLatency_ms).Time().Stop()
	s.stat.Counter(stats.DispatchJobRequestsCounter).Inc(1)
	log.WithFields(
		log.Fields{
			"opponent":  def.Opponent,
			"fen":       def.Fen,
			"limit":     def.Limit,
			"multiPv":   def.MultiPv,
			"preferred": def.PreferredServer,
		}).Info("New job request")

	var err error
	if err = domain.ValidateJobDefinition(def); err == nil {
		err = domain.ValidateMultiPv(def.MultiPv)
	}
	if err != nil {
		log.WithFields(
			log.Fields{
				"def": def,
				"err": err,
			}).Error("Rejected job request")
		return "", err
	}

	resultCh := make(chan string, 1)
	s.enqueueCh <- jobEnqueueMsg{def: def, resultCh: resultCh}
	jobId := <-resultCh

	s.stat.Counter(stats.DispatchJobsCounter).Inc(1)
	return jobId, nil
}

// RequestStopJob marks a job Stopped locally.  The network layer observes
// the transition via the update callback and sends the cancellation; there
// is no synchronous wait for remote acknowledgment.
func (s *statefulDispatcher) RequestStopJob(jobId string) error {
	s.stat.Counter(stats.DispatchStopRequestsCounter).Inc(1)
	log.WithFields(
		log.Fields{
			"jobID": jobId,
		}).Info("Stop requested")

	resultCh := make(chan error, 1)
	s.stopJobCh <- jobStopMsg{jobId: jobId, resultCh: resultCh}
	return <-resultCh
}

// RemoveJob drops a job from the ledger entirely, releasing any server slot
// it still holds.
func (s *statefulDispatcher) RemoveJob(jobId string) error {
	log.WithFields(
		log.Fields{
			"jobID": jobId,
		}).Info("Remove requested")

	resultCh := make(chan error, 1)
	s.removeJobCh <- jobRemoveMsg{jobId: jobId, resultCh: resultCh}
	return <-resultCh
}

// Jobs returns a copy of every tracked job in creation order.
func (s *statefulDispatcher) Jobs() []domain.Job {
	resultCh := make(chan []domain.Job, 1)
	s.jobsQueryCh <- jobsQueryMsg{resultCh: resultCh}
	return <-resultCh
}

// JobById returns a copy of one job, with ok false when the id is unknown.
func (s *statefulDispatcher) JobById(jobId string) (domain.Job, bool) {
	resultCh := make(chan jobQueryResult, 1)
	s.jobQueryCh <- jobQueryMsg{jobId: jobId, resultCh: resultCh}
	result := <-resultCh
	return result.job, result.ok
}

// Servers returns a copy of the fleet state in configuration order.
func (s *statefulDispatcher) Servers() []ServerView {
	resultCh := make(chan []ServerView, 1)
	s.serversQueryCh <- serversQueryMsg{resultCh: resultCh}
	return <-resultCh
}

// SetServerEnabled toggles whether one server may take new work, without a
// restart.  Disabling leaves already-placed jobs alone; enabling makes the
// server eligible again on the next dispatch.
func (s *statefulDispatcher) SetServerEnabled(serverId string, enabled bool) error {
	log.WithFields(
		log.Fields{
			"server":  serverId,
			"enabled": enabled,
		}).Info("Server enable change requested")

	resultCh := make(chan error, 1)
	s.serverEnableCh <- serverEnableMsg{serverId: serverId, enabled: enabled, resultCh: resultCh}
	return <-resultCh
}

// NumRunning returns how many tracked jobs are currently Running.
func (s *statefulDispatcher) NumRunning() int {
	running := 0
	for _, job := range s.Jobs() {
		if job.Status == domain.Running {
			running++
		}
	}
	return running
}

// LoadHistory reads persisted jobs and inserts any not already tracked, so
// past work is visible alongside the live session.  Returns how many jobs
// were inserted.
func (s *statefulDispatcher) LoadHistory() (int, error) {
	if s.jobHistory == nil {
		return 0, nil
	}
	defer s.stat.Latency(stats.HistoryLoadLatency_ms).Time().Stop()

	jobs, err := s.jobHistory.LoadAllJobs()
	if err != nil {
		log.Errorf("Failed to load job history: %v", err)
		return 0, err
	}

	resultCh := make(chan int, 1)
	s.loadHistoryCh <- historyLoadMsg{jobs: jobs, resultCh: resultCh}
	loaded := <-resultCh
	log.Infof("Loaded %d jobs from history", loaded)
	return loaded, nil
}

// run the dispatcher loop indefinitely in its own thread.
// we are not putting any logic other than looping in this method so unit tests can verify
// behavior by controlling calls to step() below
func (s *statefulDispatcher) loop() {
	for {
		select {
		case <-s.stopCh:
			s.stepTicker.Stop()
			return
		default:
		}
		s.step()

		// Wait until our TickRate has elapsed or we have a pending action.
		// Detect pending action by monitoring the dispatcher's channels.
		// Since "detect" means we pulled off of a channel, put it back,
		// asynchronously in case the channel is blocked/full (it will be drained next step()).
		// Remote events are the exception: they must stay in arrival order,
		// so the detected event is held for the next step instead.
		select {
		case msg := <-s.enqueueCh:
			go func() {
				s.enqueueCh <- msg
			}()
		case msg := <-s.stopJobCh:
			go func() {
				s.stopJobCh <- msg
			}()
		case msg := <-s.removeJobCh:
			go func() {
				s.removeJobCh <- msg
			}()
		case ev := <-s.remoteCh:
			s.heldRemote = &ev
		case msg := <-s.jobsQueryCh:
			go func() {
				s.jobsQueryCh <- msg
			}()
		case msg := <-s.jobQueryCh:
			go func() {
				s.jobQueryCh <- msg
			}()
		case msg := <-s.serversQueryCh:
			go func() {
				s.serversQueryCh <- msg
			}()
		case msg := <-s.serverEnableCh:
			go func() {
				s.serverEnableCh <- msg
			}()
		case msg := <-s.loadHistoryCh:
			go func() {
				s.loadHistoryCh <- msg
			}()
		case <-s.stepTicker.C:
		case <-s.stopCh:
		}
	}
}

// Stop shuts the dispatcher loop down after its current iteration and
// closes the history store.  Idempotent.  Exported methods called after
// Stop will block; stop only when nothing submits work anymore.
func (s *statefulDispatcher) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.jobHistory != nil {
			if err := s.jobHistory.Close(); err != nil {
				log.Errorf("Failed to close job history: %v", err)
			}
		}
	})
}

// run one loop iteration
func (s *statefulDispatcher) step() {
	defer s.stat.Latency(stats.DispatchStepLatency_ms).Time().Stop()

	// update dispatcher state with messages received since last loop:
	// remote reports and updates, new jobs, stop/remove requests,
	// async functions completed & invoke callbacks
	s.handleRemoteEvents()
	s.addJobs()
	s.stopJobs()
	s.removeJobs()
	s.setServersEnabled()
	s.insertHistoryJobs()

	procMessagesLatency := s.stat.Latency(stats.DispatchProcessMessagesLatency_ms).Time()
	s.asyncRunner.ProcessMessages()
	procMessagesLatency.Stop()

	// Level-triggered safety net: re-attempt Pending jobs on an interval
	// even when no event noticed the capacity that freed up.
	if time.Since(s.lastSweep) >= s.config.RedispatchInterval {
		s.lastSweep = time.Now()
		s.tryDispatchPendingJobs()
	}

	s.serveQueries()
	s.updateStats()
}

// apply remote events in arrival order: status reports, job updates,
// reconciliation upserts and disconnects seen since the last step.
func (s *statefulDispatcher) handleRemoteEvents() {
	if s.heldRemote != nil {
		ev := *s.heldRemote
		s.heldRemote = nil
		s.handleRemoteEvent(ev)
	}
	for {
		select {
		case ev := <-s.remoteCh:
			s.handleRemoteEvent(ev)
		default:
			return
		}
	}
}

func (s *statefulDispatcher) handleRemoteEvent(ev remoteEvent) {
	switch ev.kind {
	case serverReportEvent:
		s.registry.updateServerRuntime(ev.serverId, ev.report.Status, ev.report.RunningJobs,
			ev.report.MaxJobs, ev.report.Threads, ev.report.LogicalCores)
	case jobUpdateEvent:
		s.stat.Counter(stats.DispatchRemoteUpdatesCounter).Inc(1)
		s.applyRemoteUpdate(ev.jobId, ev.status, ev.snapshot, ev.logLine)
	case jobUpsertEvent:
		s.stat.Counter(stats.DispatchRemoteUpsertsCounter).Inc(1)
		s.upsertRemoteJob(ev.job)
	case connLostEvent:
		log.WithFields(
			log.Fields{
				"server": ev.serverId,
			}).Warn("Lost connection to server")
		s.registry.updateServerRuntime(ev.serverId, domain.ServerOffline, 0, 0, 0, 0)
	}
}

// get all job requests that were put on the enqueue channel since the last
// pass through step() and add them to the ledger
func (s *statefulDispatcher) addJobs() {
	for {
		select {
		case msg := <-s.enqueueCh:
			msg.resultCh <- s.enqueueJob(msg.def)
		default:
			return
		}
	}
}

func (s *statefulDispatcher) enqueueJob(def domain.JobDefinition) string {
	// Drain the backlog first so older Pending jobs get first claim on
	// whatever capacity exists.
	s.tryDispatchPendingJobs()

	if def.MultiPv < 1 {
		def.MultiPv = 1
	}
	if def.Limit.Value <= 0 {
		def.Limit = domain.DefaultSearchLimit()
	}

	now := time.Now()
	job := &domain.Job{
		Id:           s.makeJobId(),
		Def:          def,
		Status:       domain.Queued,
		CreatedAt:    now,
		LastUpdateAt: now,
	}
	js := &jobState{job: job}

	if serverId, ok := s.registry.pickServerForJob(def.PreferredServer); ok {
		job.AssignedServer = serverId
		s.registry.reserveSlot(serverId)
		js.slotHeld = true
		log.WithFields(
			log.Fields{
				"jobID":  job.Id,
				"server": serverId,
			}).Info("Dispatching job")
	} else {
		job.Status = domain.Pending
		if def.PreferredServer != "" {
			// Keep the pin visible; later dispatch attempts still honor it.
			job.AssignedServer = def.PreferredServer
		}
		job.LogLines = append(job.LogLines, "No available server (Offline/Busy).")
		log.WithFields(
			log.Fields{
				"jobID": job.Id,
			}).Info("No available server, job is pending")
	}

	s.jobs = append(s.jobs, js)
	s.notifyJobAdded(job)
	return job.Id
}

// makeJobId derives ids from the clock so they sort roughly chronologically
// across restarts; a sequence number disambiguates ids minted within the
// same millisecond.
func (s *statefulDispatcher) makeJobId() string {
	ms := time.Now().UnixMilli()
	if ms == s.lastIdMs {
		s.seqWithinMs++
	} else {
		s.lastIdMs = ms
		s.seqWithinMs = 0
	}
	return fmt.Sprintf("job-%d-%d", ms, s.seqWithinMs)
}

// tryDispatchPendingJobs places Pending work wherever capacity now exists,
// oldest first, honoring each job's pin as its placement preference.  A
// successful placement restarts the scan so freed-up older jobs keep their
// priority; a full scan that places nothing ends the sweep, which makes
// repeated calls without an intervening state change no-ops.
func (s *statefulDispatcher) tryDispatchPendingJobs() {
	for {
		dispatched := false
		for _, js := range s.jobs {
			if js.job.Status != domain.Pending {
				continue
			}
			if s.tryDispatchPendingJob(js) {
				dispatched = true
				break
			}
		}
		if !dispatched {
			return
		}
	}
}

func (s *statefulDispatcher) tryDispatchPendingJob(js *jobState) bool {
	job := js.job
	serverId, ok := s.registry.pickServerForJob(job.Def.PreferredServer)
	if !ok {
		return false
	}

	now := time.Now()
	job.AssignedServer = serverId
	s.registry.reserveSlot(serverId)
	js.slotHeld = true
	applyStatusChange(job, domain.Queued, now)
	job.LastUpdateAt = now

	s.stat.Counter(stats.DispatchRetriesCounter).Inc(1)
	log.WithFields(
		log.Fields{
			"jobID":  job.Id,
			"server": serverId,
		}).Info("Dispatching pending job")
	s.notifyJobUpdated(job)
	return true
}

func (s *statefulDispatcher) stopJobs() {
	for {
		select {
		case msg := <-s.stopJobCh:
			msg.resultCh <- s.requestStopJob(msg.jobId)
		default:
			return
		}
	}
}

// requestStopJob is a purely local transition.  No capacity is released
// here (removal or the next authoritative report handles that) and nothing
// goes upstream until the network layer observes the Stopped status.
func (s *statefulDispatcher) requestStopJob(jobId string) error {
	js := s.getJob(jobId)
	if js == nil {
		return fmt.Errorf("cannot stop job Id %s, not found."+
			" The job may already be removed or the id may be invalid", jobId)
	}

	job := js.job
	now := time.Now()
	becameTerminal := applyStatusChange(job, domain.Stopped, now)
	job.LastUpdateAt = now
	job.LogLines = append(job.LogLines, "Stopped by user.")

	s.persistIfTerminal(job)
	s.notifyJobUpdated(job)
	if becameTerminal {
		s.recordJobFinished(job)
	}
	return nil
}

func (s *statefulDispatcher) removeJobs() {
	for {
		select {
		case msg := <-s.removeJobCh:
			msg.resultCh <- s.removeJob(msg.jobId)
		default:
			return
		}
	}
}

// removeJob drops a job from the ledger, releasing its optimistic slot if
// it still holds one, then re-attempts the backlog since removal may have
// freed capacity.
func (s *statefulDispatcher) removeJob(jobId string) error {
	for i, js := range s.jobs {
		if js.job.Id != jobId {
			continue
		}

		job := js.job
		if js.slotHeld {
			s.registry.releaseSlot(job.AssignedServer)
			js.slotHeld = false
		}
		s.persistIfTerminal(job)
		s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		s.notifyJobRemoved(job)
		s.tryDispatchPendingJobs()
		return nil
	}
	return fmt.Errorf("cannot remove job Id %s, not found", jobId)
}

// applyRemoteUpdate is the core external event handler: the server running
// a job reported progress or a lifecycle change.
func (s *statefulDispatcher) applyRemoteUpdate(jobId string, status domain.JobStatus, snapshot domain.JobSnapshot, logLine string) {
	js := s.getJob(jobId)
	if js == nil {
		// Expected after local removal or before local discovery.
		log.Debugf("Ignoring update for unknown job %s", jobId)
		return
	}

	job := js.job
	becameTerminal := applyStatusChange(job, status, time.Now())
	domain.MergeSnapshot(&job.Snapshot, snapshot)
	job.LastUpdateAt = time.Now()
	if logLine != "" {
		job.LogLines = append(job.LogLines, logLine)
	}

	s.notifyJobUpdated(job)
	s.persistIfTerminal(job)

	if becameTerminal {
		s.recordJobFinished(job)
		if js.slotHeld {
			s.registry.releaseSlot(job.AssignedServer)
			js.slotHeld = false
		}
		// Freed capacity should immediately absorb backlog.
		s.tryDispatchPendingJobs()
	}
}

// upsertRemoteJob reconciles a job reported wholesale by a server,
// typically from a jobs_list response after (re)connect.  A known id is
// overwritten since the remote copy is authoritative, except that log lines
// are replaced only when the remote tail is no shorter than the local one.
// An unknown id is inserted as a discovered job.
func (s *statefulDispatcher) upsertRemoteJob(remote domain.Job) {
	if js := s.getJob(remote.Id); js != nil {
		job := js.job
		wasTerminal := job.Status.IsTerminal()
		oldAssigned := job.AssignedServer

		logLines := job.LogLines
		if len(remote.LogLines) > 0 && (len(logLines) == 0 || len(remote.LogLines) >= len(logLines)) {
			logLines = remote.LogLines
		}
		*job = remote
		job.LogLines = logLines

		s.notifyJobUpdated(job)
		s.persistIfTerminal(job)

		if !wasTerminal && job.Status.IsTerminal() {
			s.recordJobFinished(job)
			if js.slotHeld {
				s.registry.releaseSlot(oldAssigned)
				js.slotHeld = false
			}
		}
		s.tryDispatchPendingJobs()
		return
	}

	// New job discovered from a server (likely after reconnect).  Its slot,
	// if any, is accounted for by that server's own status reports.
	job := remote
	s.jobs = append(s.jobs, &jobState{job: &job})
	s.notifyJobAdded(&job)
	s.persistIfTerminal(&job)
	s.tryDispatchPendingJobs()
}

func (s *statefulDispatcher) setServersEnabled() {
	for {
		select {
		case msg := <-s.serverEnableCh:
			msg.resultCh <- s.setServerEnabled(msg.serverId, msg.enabled)
		default:
			return
		}
	}
}

func (s *statefulDispatcher) setServerEnabled(serverId string, enabled bool) error {
	if !s.registry.setEnabled(serverId, enabled) {
		return fmt.Errorf("cannot toggle server Id %s, not configured", serverId)
	}
	if enabled {
		// a re-enabled server is new capacity for the backlog
		s.tryDispatchPendingJobs()
	}
	return nil
}

// insert jobs loaded from the history store, skipping ids already tracked
func (s *statefulDispatcher) insertHistoryJobs() {
	for {
		select {
		case msg := <-s.loadHistoryCh:
			loaded := 0
			for _, loadedJob := range msg.jobs {
				if s.getJob(loadedJob.Id) != nil {
					continue
				}
				job := loadedJob
				s.jobs = append(s.jobs, &jobState{job: &job})
				s.notifyJobAdded(&job)
				loaded++
			}
			msg.resultCh <- loaded
		default:
			return
		}
	}
}

// answer read requests with defensive copies so callers never share memory
// with loop-owned state
func (s *statefulDispatcher) serveQueries() {
	for {
		select {
		case msg := <-s.jobsQueryCh:
			jobs := make([]domain.Job, 0, len(s.jobs))
			for _, js := range s.jobs {
				jobs = append(jobs, copyJob(js.job))
			}
			msg.resultCh <- jobs
		case msg := <-s.jobQueryCh:
			if js := s.getJob(msg.jobId); js != nil {
				msg.resultCh <- jobQueryResult{job: copyJob(js.job), ok: true}
			} else {
				msg.resultCh <- jobQueryResult{}
			}
		case msg := <-s.serversQueryCh:
			msg.resultCh <- s.registry.serverViews()
		default:
			return
		}
	}
}

func (s *statefulDispatcher) getJob(jobId string) *jobState {
	for _, js := range s.jobs {
		if js.job.Id == jobId {
			return js
		}
	}
	return nil
}

// copyJob clones a job deeply enough for a caller to keep: slice fields get
// their own backing arrays.
func copyJob(job *domain.Job) domain.Job {
	jobCopy := *job
	if job.LogLines != nil {
		jobCopy.LogLines = append([]string{}, job.LogLines...)
	}
	if job.Snapshot.Lines != nil {
		jobCopy.Snapshot.Lines = append([]domain.PvLine{}, job.Snapshot.Lines...)
	}
	return jobCopy
}

func (s *statefulDispatcher) notifyJobAdded(job *domain.Job) {
	if s.callbacks.OnJobAdded != nil {
		s.callbacks.OnJobAdded(copyJob(job))
	}
}

func (s *statefulDispatcher) notifyJobUpdated(job *domain.Job) {
	if s.callbacks.OnJobUpdated != nil {
		s.callbacks.OnJobUpdated(copyJob(job))
	}
}

func (s *statefulDispatcher) notifyJobRemoved(job *domain.Job) {
	if s.callbacks.OnJobRemoved != nil {
		s.callbacks.OnJobRemoved(copyJob(job))
	}
}

// persistIfTerminal hands a terminal job to the history store.  The write
// runs off the loop via asyncRunner; failures are logged, never fatal.
func (s *statefulDispatcher) persistIfTerminal(job *domain.Job) {
	if s.jobHistory == nil || !job.Status.IsTerminal() {
		return
	}

	jobCopy := copyJob(job)
	if s.config.LogTailLimit > 0 && len(jobCopy.LogLines) > s.config.LogTailLimit {
		jobCopy.LogLines = jobCopy.LogLines[len(jobCopy.LogLines)-s.config.LogTailLimit:]
	}
	s.stat.Counter(stats.HistorySavesCounter).Inc(1)
	s.asyncRunner.RunAsync(
		func() error {
			defer s.stat.Latency(stats.HistorySaveLatency_ms).Time().Stop()
			return s.jobHistory.SaveJob(jobCopy)
		},
		func(err error) {
			if err != nil {
				s.stat.Counter(stats.HistorySaveFailuresCounter).Inc(1)
				log.WithFields(
					log.Fields{
						"jobID": jobCopy.Id,
						"err":   err,
					}).Error("Failed to persist job")
			}
		})
}

// recordJobFinished tracks terminal bookkeeping: the finished counter, the
// latest observed run duration and the per server+limit running average.
func (s *statefulDispatcher) recordJobFinished(job *domain.Job) {
	s.stat.Counter(stats.DispatchFinishedJobsCounter).Inc(1)
	if job.StartedAt.IsZero() || job.FinishedAt.IsZero() {
		return
	}

	duration := job.FinishedAt.Sub(job.StartedAt)
	s.stat.Gauge(stats.DispatchJobRunDuration_ms).Update(int64(duration / time.Millisecond))

	durationKey := fmt.Sprintf("%s %s", job.AssignedServer, job.Def.Limit)
	addOrUpdateRunDuration(s.runDurations, durationKey, duration)
	if iface, ok := s.runDurations.Get(durationKey); ok {
		log.WithFields(
			log.Fields{
				"jobID":    job.Id,
				"key":      durationKey,
				"duration": duration,
				"average":  iface.(*averageDuration).duration,
			}).Debug("Job finished")
	}
}

func addOrUpdateRunDuration(runDurations *lru.Cache, durationKey string, d time.Duration) {
	var ad *averageDuration
	iface, ok := runDurations.Get(durationKey)
	if !ok {
		ad = &averageDuration{count: 1, duration: d}
		runDurations.Add(durationKey, ad)
	} else {
		ad, ok = iface.(*averageDuration)
		if !ok {
			log.Errorf("run duration object was not *averageDuration type!  (it is %s)", reflect.TypeOf(ad))
			return
		}
		ad.update(d)
	}
}

// update the stats monitoring values:
// number of pending and active jobs
// per-status server counts, fleet-wide running jobs and capacity
func (s *statefulDispatcher) updateStats() {
	pendingJobs := 0
	activeJobs := 0
	for _, js := range s.jobs {
		switch {
		case js.job.Status == domain.Pending:
			pendingJobs++
		case !js.job.Status.IsTerminal():
			activeJobs++
		}
	}
	s.stat.Gauge(stats.DispatchPendingJobsGauge).Update(int64(pendingJobs))
	s.stat.Gauge(stats.DispatchActiveJobsGauge).Update(int64(activeJobs))

	onlineServers := 0
	offlineServers := 0
	degradedServers := 0
	unknownServers := 0
	fleetRunning := 0
	fleetCapacity := 0
	for _, srv := range s.registry.servers {
		switch srv.runtime.Status {
		case domain.ServerOnline:
			onlineServers++
		case domain.ServerOffline:
			offlineServers++
		case domain.ServerDegraded:
			degradedServers++
		default:
			unknownServers++
		}
		fleetRunning += srv.runtime.RunningJobs
		fleetCapacity += effectiveMaxJobs(srv)
	}
	s.stat.Gauge(stats.FleetOnlineServersGauge).Update(int64(onlineServers))
	s.stat.Gauge(stats.FleetOfflineServersGauge).Update(int64(offlineServers))
	s.stat.Gauge(stats.FleetDegradedServersGauge).Update(int64(degradedServers))
	s.stat.Gauge(stats.FleetUnknownServersGauge).Update(int64(unknownServers))
	s.stat.Gauge(stats.FleetRunningJobsGauge).Update(int64(fleetRunning))
	s.stat.Gauge(stats.FleetCapacityGauge).Update(int64(fleetCapacity))
}
