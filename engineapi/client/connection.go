// Package client maintains one line-oriented session per analysis server:
// dial, optional mutual TLS, newline-delimited JSON framing and reconnect
// pacing.  It knows nothing about jobs; decoded envelopes are handed to the
// owner's callbacks and everything stateful about the fleet stays with the
// dispatcher.
package client

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gambitdev/gambit/common/stats"
	"github.com/gambitdev/gambit/engineapi/wire"
	"github.com/gambitdev/gambit/fleet"
)

const (
	// DefaultDialTimeout bounds one tcp connect plus TLS handshake attempt
	DefaultDialTimeout = 5 * time.Second

	// Ceiling for the reconnect backoff between failed dial attempts
	maxReconnectInterval = 30 * time.Second
)

// ConnectionCallbacks are the hooks a Connection fires from its own
// goroutines.  OnMessage and OnClosed run on the reader goroutine, OnReady
// on the dialing goroutine; none of them may block for long or call back
// into Close.
type ConnectionCallbacks struct {
	// the session completed its transport connect (and TLS handshake when
	// enabled) and can carry messages
	OnReady func(serverId string)

	// a previously ready session was lost
	OnClosed func(serverId string)

	// one decoded wire line arrived
	OnMessage func(serverId string, env wire.Envelope)
}

// Connection is one stateful session to one analysis server.  Sessions are
// cheap to hold while down: ConnectToHost is a no-op while a dial is in
// flight or the session is up, so the owner can call it from a heartbeat as
// often as it likes.
type Connection struct {
	info        fleet.ServerInfo
	tlsBaseDir  string
	dialTimeout time.Duration
	callbacks   ConnectionCallbacks
	stat        stats.StatsReceiver

	mu         sync.Mutex
	conn       net.Conn
	connecting bool
	closed     bool
	retry      *backoff.ExponentialBackOff
	sessionId  string
}

// NewConnection creates a session for one configured server.  TLS material
// paths in info resolve relative to tlsBaseDir unless absolute.  Nothing is
// dialed until ConnectToHost.
func NewConnection(
	info fleet.ServerInfo,
	tlsBaseDir string,
	dialTimeout time.Duration,
	stat stats.StatsReceiver,
	callbacks ConnectionCallbacks) *Connection {

	if dialTimeout == 0 {
		dialTimeout = DefaultDialTimeout
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 250 * time.Millisecond
	retry.MaxInterval = maxReconnectInterval
	// the heartbeat redials forever, the policy only paces it
	retry.MaxElapsedTime = 0

	return &Connection{
		info:        info,
		tlsBaseDir:  tlsBaseDir,
		dialTimeout: dialTimeout,
		callbacks:   callbacks,
		stat:        stat,
		retry:       retry,
	}
}

// ServerId returns the configured id of the server this session talks to.
func (c *Connection) ServerId() string {
	return c.info.Id
}

// IsConnected reports whether the session is ready to carry messages.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ConnectToHost starts a dial unless one is already in flight, the session
// is up, or the connection was closed.  The dial (and TLS handshake, and
// then the read loop) runs on its own goroutine; failures are logged and
// retried on the next call after a backoff delay.
func (c *Connection) ConnectToHost() {
	c.mu.Lock()
	if c.closed || c.connecting || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	delay := c.retry.NextBackOff()
	c.mu.Unlock()

	go c.dialAndServe(delay)
}

func (c *Connection) dialAndServe(delay time.Duration) {
	time.Sleep(delay)

	c.stat.Counter(stats.ConnDialsCounter).Inc(1)
	conn, err := c.dial()
	if err != nil {
		log.WithFields(
			log.Fields{
				"server": c.info.Id,
				"addr":   c.info.Addr(),
				"err":    err,
			}).Warn("Could not connect to server")
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		return
	}

	sessionId := "session-unknown"
	if u, err := uuid.NewV4(); err == nil {
		sessionId = u.String()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.connecting = false
	c.sessionId = sessionId
	c.retry.Reset()
	c.mu.Unlock()

	c.stat.Counter(stats.ConnConnectsCounter).Inc(1)
	log.WithFields(
		log.Fields{
			"server":  c.info.Id,
			"addr":    c.info.Addr(),
			"session": sessionId,
			"tls":     c.info.TlsEnabled,
		}).Info("Connected to server")

	if c.callbacks.OnReady != nil {
		c.callbacks.OnReady(c.info.Id)
	}
	c.readLoop(conn)
}

// dial makes the transport connection.  A plain session is ready as soon as
// tcp connects; a TLS session only once the handshake completes, so a
// handshake failure is a connect failure here, not a later disconnect.
func (c *Connection) dial() (net.Conn, error) {
	tcpConn, err := net.DialTimeout("tcp", c.info.Addr(), c.dialTimeout)
	if err != nil {
		return nil, err
	}

	if !c.info.TlsEnabled {
		return tcpConn, nil
	}

	tlsConfig, err := buildTLSConfig(c.info, c.tlsBaseDir)
	if err != nil {
		tcpConn.Close()
		return nil, err
	}
	tlsConn := tls.Client(tcpConn, tlsConfig)
	tlsConn.SetDeadline(time.Now().Add(c.dialTimeout))
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return nil, errors.Wrapf(err, "tls handshake with %s", c.info.Addr())
	}
	tlsConn.SetDeadline(time.Time{})
	return tlsConn, nil
}

// readLoop frames lines off the wire until the session dies.  One bad line
// is dropped with a diagnostic, it never takes the session down.
func (c *Connection) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.handleLine(line)
		}
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
	}
}

func (c *Connection) handleLine(line []byte) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}

	env, err := wire.DecodeLine([]byte(trimmed))
	if err != nil {
		c.stat.Counter(stats.ConnLinesDroppedCounter).Inc(1)
		log.WithFields(
			log.Fields{
				"server": c.info.Id,
				"line":   truncateLine(trimmed),
				"err":    err,
			}).Warn("Dropping unparsable line from server")
		return
	}

	c.stat.Counter(stats.ConnLinesInCounter).Inc(1)
	if c.callbacks.OnMessage != nil {
		c.callbacks.OnMessage(c.info.Id, env)
	}
}

func (c *Connection) handleDisconnect(conn net.Conn, err error) {
	c.mu.Lock()
	// Only the live session may report a disconnect; a Close raced ahead of
	// the reader otherwise.
	wasCurrent := c.conn == conn
	closed := c.closed
	if wasCurrent {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()

	if !wasCurrent {
		return
	}

	c.stat.Counter(stats.ConnDisconnectsCounter).Inc(1)
	if !closed {
		log.WithFields(
			log.Fields{
				"server": c.info.Id,
				"err":    err,
			}).Warn("Lost session to server")
	}
	if c.callbacks.OnClosed != nil {
		c.callbacks.OnClosed(c.info.Id)
	}
}

// Send marshals one message onto the wire.  A message sent while the
// session is down is dropped: the jobs_list reconciliation on the next
// ready session restores anything that mattered, so there is no outbound
// buffer to get stale.
func (c *Connection) Send(msg interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		log.WithFields(
			log.Fields{
				"server": c.info.Id,
			}).Debug("Dropping message, session not ready")
		return nil
	}

	payload, err := wire.Encode(msg)
	if err != nil {
		return errors.Wrap(err, "encoding wire message")
	}
	if _, err := conn.Write(payload); err != nil {
		// the read loop observes the same failure and reports the disconnect
		log.WithFields(
			log.Fields{
				"server": c.info.Id,
				"err":    err,
			}).Debug("Write failed, session closing")
		return err
	}
	return nil
}

// Close tears the session down for good.  Idempotent.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// buildTLSConfig assembles the client side of a mutually authenticated
// session from a server's configured material.  All three files are
// required; a missing or unparsable file is a hard connect error rather
// than a silent fallback to plaintext.
func buildTLSConfig(info fleet.ServerInfo, baseDir string) (*tls.Config, error) {
	caPath := resolveTLSPath(info.TlsCaFile, baseDir)
	certPath := resolveTLSPath(info.TlsClientCertFile, baseDir)
	keyPath := resolveTLSPath(info.TlsClientKeyFile, baseDir)
	if caPath == "" || certPath == "" || keyPath == "" {
		return nil, errors.Errorf(
			"tls enabled for %s but ca/cert/key paths are not all set", info.Id)
	}

	caBytes, err := ioutil.ReadFile(caPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading tls ca file %s", caPath)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caBytes) {
		return nil, errors.Errorf("no ca certificates parsed from %s", caPath)
	}

	clientCert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "loading tls client keypair %s %s", certPath, keyPath)
	}

	serverName := info.TlsServerName
	if serverName == "" {
		serverName = info.Host
	}

	return &tls.Config{
		RootCAs:      caPool,
		Certificates: []tls.Certificate{clientCert},
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func resolveTLSPath(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

func truncateLine(line string) string {
	if len(line) > 200 {
		return line[:200]
	}
	return line
}
