// Package server implements a reference analysis server speaking the full
// dispatcher wire protocol.  It fakes the search: depth deepens on a timer
// and scores drift, but the protocol surface (submit, cancel, list, get,
// ping, status broadcasts, multipv update streams) is the real thing, which
// is what the engine-sim binary and the integration style tests need.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"net"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/notnil/chess"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gambitdev/gambit/common/stats"
	"github.com/gambitdev/gambit/dispatcher/domain"
	"github.com/gambitdev/gambit/engineapi/wire"
)

const (
	DefaultMaxJobs          = 1
	DefaultUpdatesPerSecond = 50.0
	DefaultFinishedJobs     = 100
	DefaultLogTailLimit     = 200

	// cap on the per-job log deque, matching what list responses can carry
	maxJobLogLines = 2000

	// ceiling on faked search depth for time and node limited jobs
	fallbackMaxDepth = 20
)

// Config tunes one simulator instance.
//
// Addr - listen address, host:port; port 0 picks a free port.
// ServerId - id stamped into outbound messages, defaults to sim-<addr>.
// MaxJobs - how many fake searches run concurrently.
// UpdatesPerSecond - pacing of job_update emission across all jobs.
// TLS material, when set, switches the listener to TLS; a client CA makes
// the handshake mutual.
type Config struct {
	Addr             string
	ServerId         string
	MaxJobs          int
	Threads          int
	LogicalCores     int
	UpdatesPerSecond float64
	FinishedJobs     int
	LogTailLimit     int

	TlsCertFile     string
	TlsKeyFile      string
	TlsClientCaFile string
}

func (c *Config) String() string {
	return fmt.Sprintf("Config: Addr: %s, ServerId: %s, MaxJobs: %d, UpdatesPerSecond: %.0f, Tls: %t",
		c.Addr, c.ServerId, c.MaxJobs, c.UpdatesPerSecond, c.TlsCertFile != "")
}

// simJob is one tracked job with its run bookkeeping.  The mutex guarding
// it is the server's; job goroutines re-lock to mutate.
type simJob struct {
	job      domain.Job
	cancelCh chan struct{}
	canceled bool
}

// SimServer accepts dispatcher connections and runs fake searches.  Unlike
// the dispatcher's loop model this side is conventionally locked: every
// client connection and job runner is its own goroutine sharing one mutex.
type SimServer struct {
	config  Config
	stat    stats.StatsReceiver
	limiter *rate.Limiter

	mu       sync.Mutex
	listener net.Listener
	clients  map[net.Conn]bool
	active   map[string]*simJob
	order    []string
	finished *lru.Cache // job id -> domain.Job
	running  int
	closed   bool

	startedAt time.Time
}

// NewSimServer creates a simulator; call Serve to start listening.
func NewSimServer(config Config, stat stats.StatsReceiver) (*SimServer, error) {
	if config.MaxJobs <= 0 {
		config.MaxJobs = DefaultMaxJobs
	}
	if config.UpdatesPerSecond <= 0 {
		config.UpdatesPerSecond = DefaultUpdatesPerSecond
	}
	if config.FinishedJobs <= 0 {
		config.FinishedJobs = DefaultFinishedJobs
	}
	if config.LogTailLimit <= 0 {
		config.LogTailLimit = DefaultLogTailLimit
	}

	finished, err := lru.New(config.FinishedJobs)
	if err != nil {
		return nil, err
	}

	return &SimServer{
		config:   config,
		stat:     stat,
		limiter:  rate.NewLimiter(rate.Limit(config.UpdatesPerSecond), 1),
		clients:  map[net.Conn]bool{},
		active:   map[string]*simJob{},
		finished: finished,
	}, nil
}

// Listen binds the configured address.  Split from Serve so callers can
// learn the bound port before accepting.
func (s *SimServer) Listen() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.config.Addr)
	}

	if s.config.TlsCertFile != "" {
		tlsConfig, err := s.buildTLSConfig()
		if err != nil {
			listener.Close()
			return err
		}
		listener = tls.NewListener(listener, tlsConfig)
	}

	s.mu.Lock()
	s.listener = listener
	if s.config.ServerId == "" {
		s.config.ServerId = "sim-" + listener.Addr().String()
	}
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.stat.Gauge(stats.SimServerStartedGauge).Update(1)
	log.Infof("Simulator listening on %s as %s", listener.Addr(), s.config.ServerId)
	return nil
}

// Addr returns the bound listen address, "" before Listen.
func (s *SimServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts connections until Close.  Returns nil on a close-initiated
// shutdown, the accept error otherwise.
func (s *SimServer) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		listener = s.listener
		s.mu.Unlock()
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return errors.Wrap(err, "accepting connection")
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting, drops every client and cancels running jobs.
func (s *SimServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listener := s.listener
	conns := make([]net.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	for _, sj := range s.active {
		s.cancelLocked(sj)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	s.stat.Gauge(stats.SimUptime_ms).Update(int64(time.Since(s.startedAt) / time.Millisecond))
}

func (s *SimServer) buildTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.config.TlsCertFile, s.config.TlsKeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "loading simulator tls keypair")
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if s.config.TlsClientCaFile != "" {
		caBytes, err := ioutil.ReadFile(s.config.TlsClientCaFile)
		if err != nil {
			return nil, errors.Wrap(err, "reading simulator client ca")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.Errorf("no client ca certificates parsed from %s", s.config.TlsClientCaFile)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

func (s *SimServer) handleConn(conn net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[conn] = true
	clients := len(s.clients)
	s.mu.Unlock()

	s.stat.Gauge(stats.SimClientsGauge).Update(int64(clients))
	log.Infof("Client connected: %s", conn.RemoteAddr())

	// A fresh client learns our capacity before anything else.
	s.sendTo(conn, s.statusMessage())

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			s.handleLine(conn, line)
		}
		if err != nil {
			break
		}
	}

	s.mu.Lock()
	delete(s.clients, conn)
	clients = len(s.clients)
	s.mu.Unlock()
	conn.Close()

	s.stat.Gauge(stats.SimClientsGauge).Update(int64(clients))
	log.Infof("Client disconnected: %s", conn.RemoteAddr())
}

func (s *SimServer) handleLine(conn net.Conn, line []byte) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}

	env, err := wire.DecodeLine([]byte(trimmed))
	if err != nil {
		log.Warnf("Dropping unparsable line from %s: %v", conn.RemoteAddr(), err)
		return
	}

	switch env.Type {
	case wire.TypePing:
		s.sendTo(conn, s.statusMessage())

	case wire.TypeJobsList:
		includeFinished := env.IncludeFinished != nil && *env.IncludeFinished
		limit := 0
		if env.Limit != nil {
			limit = *env.Limit
		}
		s.sendTo(conn, s.jobsListResponse(includeFinished, limit))

	case wire.TypeJobGet:
		s.sendTo(conn, s.jobStateResponse(env.JobId))

	case wire.TypeJobSubmitOrUpdate:
		if env.Job == nil || env.Job.Id == "" {
			log.Warnf("Dropping job_submit_or_update without job from %s", conn.RemoteAddr())
			return
		}
		s.submitJob(*env.Job)

	case wire.TypeJobCancel:
		if env.JobId == "" {
			return
		}
		s.cancelJob(env.JobId)

	default:
		log.Warnf("Dropping message of unknown type %q from %s", env.Type, conn.RemoteAddr())
	}
}

// submitJob adopts a job and starts it when a slot is free.  Re-submitting
// a tracked id is an update ack, not a restart.
func (s *SimServer) submitJob(item wire.JobItem) {
	s.mu.Lock()
	if _, ok := s.active[item.Id]; ok {
		s.mu.Unlock()
		return
	}
	if _, ok := s.finished.Get(item.Id); ok {
		s.mu.Unlock()
		return
	}

	job, ok := wire.JobFromItem(item, s.config.ServerId)
	if !ok {
		s.mu.Unlock()
		return
	}
	job.Status = domain.Queued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.Def.Limit.Value <= 0 {
		job.Def.Limit = domain.DefaultSearchLimit()
	}

	sj := &simJob{job: job, cancelCh: make(chan struct{})}
	s.active[job.Id] = sj
	s.order = append(s.order, job.Id)
	s.appendLogLocked(sj, fmt.Sprintf("accepted job %s (%s, multipv %d)",
		job.Id, job.Def.Limit, job.Def.MultiPv))
	s.mu.Unlock()

	log.Infof("Accepted job %s", job.Id)
	s.tryStartNext()
	s.broadcast(s.statusMessage())
}

// cancelJob stops a running or queued job.  Unknown ids are ignored, the
// dispatcher cancels best effort.
func (s *SimServer) cancelJob(jobId string) {
	s.mu.Lock()
	sj, ok := s.active[jobId]
	if !ok {
		s.mu.Unlock()
		return
	}
	wasRunning := sj.job.Status == domain.Running
	s.cancelLocked(sj)
	s.mu.Unlock()

	if !wasRunning {
		// never started, finalize directly; running jobs finalize in runJob
		s.finishJob(jobId, domain.Cancelled, false)
	}
	s.stat.Counter(stats.SimJobsCancelledCounter).Inc(1)
}

func (s *SimServer) cancelLocked(sj *simJob) {
	if !sj.canceled {
		sj.canceled = true
		close(sj.cancelCh)
	}
}

// tryStartNext promotes queued jobs into free slots, oldest first.
func (s *SimServer) tryStartNext() {
	for {
		s.mu.Lock()
		if s.running >= s.config.MaxJobs {
			s.mu.Unlock()
			return
		}
		var next *simJob
		for _, id := range s.order {
			if sj, ok := s.active[id]; ok && sj.job.Status == domain.Queued && !sj.canceled {
				next = sj
				break
			}
		}
		if next == nil {
			s.mu.Unlock()
			return
		}
		next.job.Status = domain.Running
		next.job.StartedAt = time.Now()
		s.running++
		s.mu.Unlock()

		s.stat.Counter(stats.SimJobsStartedCounter).Inc(1)
		go s.runJob(next.job.Id)
	}
}

// runJob fakes one search: depth deepens under the shared rate limiter,
// every multipv line gets an update per depth, and completion emits a
// bestmove.
func (s *SimServer) runJob(jobId string) {
	s.mu.Lock()
	sj, ok := s.active[jobId]
	if !ok {
		s.mu.Unlock()
		return
	}
	def := sj.job.Def
	cancelCh := sj.cancelCh
	s.mu.Unlock()

	s.broadcast(s.statusMessage())
	s.sendUpdate(wire.JobUpdate{
		Type:    wire.TypeJobUpdate,
		JobId:   jobId,
		Status:  int(domain.Running),
		LogLine: "analysis started",
	}, jobId)

	moves := candidateMoves(def.Fen, def.MultiPv)
	maxDepth := maxDepthFor(def.Limit)
	nodes := int64(0)
	canceled := false

search:
	for depth := 1; depth <= maxDepth; depth++ {
		for rank := 1; rank <= def.MultiPv && rank <= len(moves); rank++ {
			select {
			case <-cancelCh:
				canceled = true
				break search
			default:
			}
			s.limiter.Wait(context.Background())

			nodes += int64(1000 * depth)
			cp := evalCp(depth, rank)
			update := wire.JobUpdate{
				Type:     wire.TypeJobUpdate,
				JobId:    jobId,
				Status:   int(domain.Running),
				MultiPv:  rank,
				Depth:    depth,
				SelDepth: depth + rank,
				ScoreCp:  &cp,
				Nodes:    nodes,
				Nps:      int64(100000 + 1000*depth),
				Pv:       moves[rank-1],
				LogLine: fmt.Sprintf("info depth %d multipv %d score cp %d pv %s",
					depth, rank, cp, moves[rank-1]),
			}
			s.sendUpdate(update, jobId)
		}
	}

	finalStatus := domain.Finished
	if canceled {
		finalStatus = domain.Cancelled
	}

	bestMove := ""
	if len(moves) > 0 {
		bestMove = strings.Fields(moves[0])[0]
	}
	s.sendUpdate(wire.JobUpdate{
		Type:     wire.TypeJobUpdate,
		JobId:    jobId,
		Status:   int(finalStatus),
		BestMove: bestMove,
		LogLine:  fmt.Sprintf("bestmove %s", bestMove),
	}, jobId)

	s.finishJob(jobId, finalStatus, true)
}

// finishJob retires a job into the finished cache and frees its slot.
func (s *SimServer) finishJob(jobId string, status domain.JobStatus, heldSlot bool) {
	s.mu.Lock()
	sj, ok := s.active[jobId]
	if !ok {
		s.mu.Unlock()
		return
	}
	sj.job.Status = status
	if sj.job.FinishedAt.IsZero() {
		sj.job.FinishedAt = time.Now()
	}
	sj.job.LastUpdateAt = time.Now()
	delete(s.active, jobId)
	for i, id := range s.order {
		if id == jobId {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.finished.Add(jobId, sj.job)
	if heldSlot && s.running > 0 {
		s.running--
	}
	s.mu.Unlock()

	if status == domain.Finished {
		s.stat.Counter(stats.SimJobsFinishedCounter).Inc(1)
	}
	log.Infof("Job %s done: %s", jobId, status)
	s.tryStartNext()
	s.broadcast(s.statusMessage())
}

// sendUpdate broadcasts one job_update and folds it into the job's own
// record so list and get responses reflect the stream.
func (s *SimServer) sendUpdate(update wire.JobUpdate, jobId string) {
	s.mu.Lock()
	if sj, ok := s.active[jobId]; ok {
		env := envelopeFromUpdate(update)
		snapshot, logLine := wire.SnapshotFromUpdate(env)
		domain.MergeSnapshot(&sj.job.Snapshot, snapshot)
		sj.job.Status = domain.JobStatus(update.Status)
		sj.job.LastUpdateAt = time.Now()
		if logLine != "" {
			s.appendLogLocked(sj, logLine)
		}
	}
	s.mu.Unlock()

	s.stat.Counter(stats.SimUpdatesSentCounter).Inc(1)
	s.broadcast(update)
}

func (s *SimServer) appendLogLocked(sj *simJob, line string) {
	sj.job.LogLines = append(sj.job.LogLines, line)
	if len(sj.job.LogLines) > maxJobLogLines {
		sj.job.LogLines = sj.job.LogLines[len(sj.job.LogLines)-maxJobLogLines:]
	}
}

func (s *SimServer) statusMessage() wire.ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := domain.ServerOnline
	if s.running >= s.config.MaxJobs {
		status = domain.ServerDegraded
	}
	return wire.ServerStatus{
		Type:         wire.TypeServerStatus,
		ServerId:     s.config.ServerId,
		Status:       int(status),
		RunningJobs:  s.running,
		MaxJobs:      s.config.MaxJobs,
		Threads:      s.config.Threads,
		LogicalCores: s.config.LogicalCores,
	}
}

func (s *SimServer) jobsListResponse(includeFinished bool, limit int) wire.JobsListResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := []wire.JobItem{}
	for _, id := range s.order {
		if sj, ok := s.active[id]; ok {
			items = append(items, wire.ItemFromJob(sj.job, s.config.LogTailLimit))
		}
	}
	if includeFinished {
		for _, key := range s.finished.Keys() {
			if iface, ok := s.finished.Get(key); ok {
				items = append(items, wire.ItemFromJob(iface.(domain.Job), s.config.LogTailLimit))
			}
		}
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return wire.JobsListResponse{Type: wire.TypeJobsList, ServerId: s.config.ServerId, Jobs: items}
}

func (s *SimServer) jobStateResponse(jobId string) wire.JobStateResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := wire.JobStateResponse{Type: wire.TypeJobState, ServerId: s.config.ServerId}
	if sj, ok := s.active[jobId]; ok {
		item := wire.ItemFromJob(sj.job, s.config.LogTailLimit)
		resp.Job = &item
	} else if iface, ok := s.finished.Get(jobId); ok {
		item := wire.ItemFromJob(iface.(domain.Job), s.config.LogTailLimit)
		resp.Job = &item
	}
	return resp
}

// broadcast sends one message to every attached client.  Write failures are
// left for each client's read loop to clean up.
func (s *SimServer) broadcast(msg interface{}) {
	payload, err := wire.Encode(msg)
	if err != nil {
		log.Errorf("Could not encode broadcast message: %v", err)
		return
	}

	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Write(payload)
	}
}

func (s *SimServer) sendTo(conn net.Conn, msg interface{}) {
	payload, err := wire.Encode(msg)
	if err != nil {
		log.Errorf("Could not encode message: %v", err)
		return
	}
	conn.Write(payload)
}

// envelopeFromUpdate reshapes an outbound update into the envelope form the
// snapshot converter consumes, so the simulator's own record goes through
// the exact merge path a client would apply.
func envelopeFromUpdate(update wire.JobUpdate) wire.Envelope {
	status := update.Status
	env := wire.Envelope{
		Type:   update.Type,
		JobId:  update.JobId,
		Status: &status,
	}
	if update.MultiPv > 0 {
		v := update.MultiPv
		env.MultiPv = &v
	}
	if update.Depth > 0 {
		v := update.Depth
		env.Depth = &v
	}
	if update.SelDepth > 0 {
		v := update.SelDepth
		env.SelDepth = &v
	}
	env.ScoreCp = update.ScoreCp
	env.ScoreMate = update.ScoreMate
	if update.Nodes > 0 {
		v := update.Nodes
		env.Nodes = &v
	}
	if update.Nps > 0 {
		v := update.Nps
		env.Nps = &v
	}
	if update.BestMove != "" {
		v := update.BestMove
		env.BestMove = &v
	}
	if update.Pv != "" {
		v := update.Pv
		env.Pv = &v
	}
	if update.LogLine != "" {
		v := update.LogLine
		env.LogLine = &v
	}
	return env
}

// candidateMoves derives up to multiPv legal principal variations from the
// position, two plies each.  An unparsable position degrades to a null-ish
// pv rather than failing the job; the dispatcher validated the fen at the
// boundary and a simulator should stay permissive.
func candidateMoves(fen string, multiPv int) []string {
	if multiPv < 1 {
		multiPv = 1
	}

	fenOpt, err := chess.FEN(fen)
	if err != nil {
		log.Warnf("Simulator could not parse fen %q: %v", fen, err)
		return []string{"0000"}
	}
	game := chess.NewGame(fenOpt)
	valid := game.ValidMoves()
	if len(valid) == 0 {
		return []string{"0000"}
	}

	pvs := []string{}
	for i := 0; i < multiPv && i < len(valid); i++ {
		move := valid[i]
		pv := move.String()
		// extend with one reply when the position allows it
		lookahead := chess.NewGame(fenOpt)
		if err := lookahead.Move(move); err == nil {
			if replies := lookahead.ValidMoves(); len(replies) > 0 {
				pv = pv + " " + replies[0].String()
			}
		}
		pvs = append(pvs, pv)
	}
	return pvs
}

// maxDepthFor caps the fake search.  Depth limits map directly; time and
// node limits have no natural depth so a fixed ceiling stands in.
func maxDepthFor(limit domain.SearchLimit) int {
	if limit.Type == domain.LimitDepth && limit.Value > 0 {
		return limit.Value
	}
	return fallbackMaxDepth
}

// evalCp fakes an evaluation: the top line improves with depth, lower
// ranked lines trail it.
func evalCp(depth, rank int) int {
	return 25 + depth - 15*(rank-1)
}
